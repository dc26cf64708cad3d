package gateways

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ochairo/qldb/internal/domain/entities"
	"github.com/ochairo/qldb/internal/domain/errdefs"
	"github.com/ochairo/qldb/internal/domain/interfaces"
)

// waitDelay bounds how long Wait blocks on output pipes after the process is
// killed (orphaned grandchildren can hold them open).
const waitDelay = 5 * time.Second

// ExecProcessRunner runs external programs with os/exec
type ExecProcessRunner struct {
	defaultTimeout time.Duration
	logger         interfaces.Logger
}

// NewProcessRunner creates a new process runner
func NewProcessRunner(logger interfaces.Logger) *ExecProcessRunner {
	return &ExecProcessRunner{
		defaultTimeout: 30 * time.Minute,
		logger:         interfaces.OrNoOp(logger),
	}
}

// Run executes spec and captures its output. The whole process group is
// killed when the timeout elapses or ctx is canceled.
func (r *ExecProcessRunner) Run(ctx context.Context, spec entities.ProcessSpec) (*entities.ProcessResult, error) {
	const op = "run process"

	if spec.Path == "" {
		return nil, errdefs.Newf(errdefs.KindSpawn, op, "no executable given")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	//nolint:gosec // G204: the engine path and arguments are built by the engine client
	cmd := exec.CommandContext(execCtx, spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug("Running process",
		interfaces.F("path", spec.Path),
		interfaces.F("args", spec.Args),
		interfaces.F("timeout", timeout))

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if ctxErr := interruption(ctx, execCtx, timeout, spec.Path); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, errdefs.New(errdefs.KindSpawn, op, err).WithPath(spec.Path)
	}

	err := cmd.Wait()
	duration := time.Since(start)

	if err != nil {
		if ctxErr := interruption(ctx, execCtx, timeout, spec.Path); ctxErr != nil {
			r.logger.Debug("Process interrupted",
				interfaces.F("path", spec.Path),
				interfaces.F("duration", duration),
				interfaces.F("error", ctxErr))
			return nil, ctxErr
		}

		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, errdefs.New(errdefs.KindSpawn, op, err).WithPath(spec.Path)
		}
	}

	result := &entities.ProcessResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: duration,
	}

	r.logger.Debug("Process finished",
		interfaces.F("path", spec.Path),
		interfaces.F("exit_code", result.ExitCode),
		interfaces.F("duration", duration))

	return result, nil
}

// interruption classifies a failure caused by the caller's context or the
// runner's own deadline. Partial output is dropped in both cases.
func interruption(parent, execCtx context.Context, timeout time.Duration, path string) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("process %s interrupted: %w", path, err)
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return errdefs.Newf(errdefs.KindTimeout, "run process", "killed after %v", timeout).WithPath(path)
	}
	return nil
}
