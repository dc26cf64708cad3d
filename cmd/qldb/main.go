// Package main provides the qldb CLI for managing code-analysis databases.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/ui"
)

var (
	version = "dev"     // Version string
	commit  = "unknown" // Git commit hash
)

// stdout receives command results; status messages go through ui.Out
var stdout io.Writer = os.Stdout

type command func(ctx context.Context, args []string) error

var commands = map[string]command{
	"list":      runList,
	"languages": runLanguages,
	"create":    runCreate,
	"analyze":   runAnalyze,
	"download":  runDownload,
	"obtain":    runObtain,
	"bundle":    runBundle,
	"version":   runVersion,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// run dispatches to a subcommand and maps its error to an exit code
func run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		printUsage(os.Stderr)
		return errdefs.ExitConfig
	}

	name := args[0]
	switch name {
	case "help", "-h", "--help":
		printUsage(stdout)
		return errdefs.ExitSuccess
	}

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		printUsage(os.Stderr)
		return errdefs.ExitConfig
	}

	err := cmd(ctx, args[1:])
	switch {
	case err == nil:
		return errdefs.ExitSuccess
	case errors.Is(err, flag.ErrHelp):
		return errdefs.ExitSuccess
	}
	fmt.Fprint(os.Stderr, ui.FormatError(err))
	var cfgErr *configError
	if errors.As(err, &cfgErr) {
		return errdefs.ExitConfig
	}
	return errdefs.ExitCode(err)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `qldb - Manage code-analysis databases

Usage:
  qldb <command> [options]

Commands:
  list        List databases on disk
  languages   List the languages the local engine can extract
  create      Create a database from a source checkout
  analyze     Run queries against a database
  download    Download a published database
  obtain      Find, download or create a database for a repository
  bundle      Pack a database into a tar.gz archive
  version     Show qldb and engine versions

Global Options (accepted by every command):
  --config        Path to the config file (default: $XDG_CONFIG_HOME/qldb/config.yml)
  --debug         Enable debug logging
  --no-color      Disable colored output
  --metrics-addr  Serve Prometheus metrics on this address

Environment Variables:
  CODEQL_PATH             Engine distribution directory
  CODEQL_BINARY           Engine executable
  CODEQL_DATABASES        Databases root (default: ~/.codeql/databases)
  CODEQL_RESULTS          Results root (default: ~/.codeql/results)
  CODEQL_REGISTRIES_AUTH  Package registry credentials passed to the engine
  GITHUB_TOKEN            API token for downloads
  GITHUB_API_URL          API base URL (default: https://api.github.com)

Use "qldb <command> --help" for more information about a command.
`)
}
