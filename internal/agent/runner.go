package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"time"

	"github.com/danmuck/linkctl/internal/protocol/wire"
)

var ErrEmptyArgv = errors.New("agent: empty argv")

// ProcessRunner is the collaborator behind Command and ThreadedCommand.
// A process that ran and exited non-zero is not an error; the exit code
// travels in the output.
type ProcessRunner interface {
	Execute(ctx context.Context, argv []string) (wire.CommandOutput, error)
}

// LocalRunner executes argv directly with os/exec. No shell is involved.
type LocalRunner struct {
	// Timeout kills the process after the given duration. Zero means none.
	Timeout time.Duration
	// Dir is the working directory; empty uses the agent's own.
	Dir string
}

func (r LocalRunner) Execute(ctx context.Context, argv []string) (wire.CommandOutput, error) {
	if len(argv) == 0 {
		return wire.CommandOutput{}, ErrEmptyArgv
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = r.Dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the output pipes must not hold Wait open
	// after the process itself is killed.
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	out := wire.CommandOutput{
		ExitCode: cmd.ProcessState.ExitCode(),
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}
	if err == nil {
		return out, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, fmt.Errorf("agent: %s: %w", argv[0], ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return out, nil
	}
	if errors.Is(err, exec.ErrNotFound) {
		return out, fmt.Errorf("agent: %w: %w", fs.ErrNotExist, err)
	}
	return out, err
}
