package errdefs

import (
	"context"
	"errors"
)

// Exit codes for the CLI.
const (
	ExitSuccess  = 0
	ExitConfig   = 1
	ExitDatabase = 2
	ExitNetwork  = 3
	ExitInput    = 4
	ExitNotFound = 6
	ExitCanceled = 130
	ExitInternal = 10
)

// ExitCode maps err to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	if errors.Is(err, context.Canceled) {
		return ExitCanceled
	}

	switch KindOf(err) {
	case KindParse, KindUnsupportedLanguage:
		return ExitInput
	case KindNotFound, KindUnavailable:
		return ExitNotFound
	case KindNetwork, KindTimeout:
		return ExitNetwork
	case KindInvalidDatabase, KindIntegrity, KindCreation, KindAnalysis:
		return ExitDatabase
	case KindSpawn, KindProtocol:
		return ExitConfig
	default:
		return ExitInternal
	}
}
