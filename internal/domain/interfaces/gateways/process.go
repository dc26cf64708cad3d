package gateways

import (
	"context"

	"github.com/ochairo/qldb/internal/domain/entities"
)

// ProcessRunner executes an external program.
//
// Run returns a SpawnError when the program cannot be started and a
// TimeoutError (with a nil result) when spec.Timeout elapses. A non-zero exit
// status is not an error.
type ProcessRunner interface {
	Run(ctx context.Context, spec entities.ProcessSpec) (*entities.ProcessResult, error)
}
