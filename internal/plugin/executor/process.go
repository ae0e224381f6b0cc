package executor

import (
	"context"
	"errors"
	"os/exec"
)

// ProcessRunner runs a module binary to completion. Detection goes through
// it so tests can substitute the process.
type ProcessRunner interface {
	Run(ctx context.Context, path string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs real processes with os/exec.
type ExecRunner struct{}

// Run executes path with args and returns its output.
func (ExecRunner) Run(ctx context.Context, path string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, path, args...)
	stdout, err := cmd.Output()
	if err != nil {
		exitErr := &exec.ExitError{}
		if errors.As(err, &exitErr) {
			return stdout, exitErr.Stderr, err
		}
		return stdout, nil, err
	}
	return stdout, nil, nil
}
