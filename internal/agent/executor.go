package agent

import (
	"context"
	"strings"
	"sync/atomic"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol/wire"
)

// Executor turns one operation into exactly one response. Collaborator
// failures become faults inside the response; Execute itself never fails.
type Executor struct {
	fs      FileSystem
	runner  ProcessRunner
	workers *Workers

	// background outlives a single session; threaded commands run under it.
	background context.Context
	threaded   atomic.Uint64
}

func NewExecutor(background context.Context, fs FileSystem, runner ProcessRunner, workers *Workers) *Executor {
	if background == nil {
		background = context.Background()
	}
	return &Executor{
		fs:         fs,
		runner:     runner,
		workers:    workers,
		background: background,
	}
}

func (e *Executor) Execute(ctx context.Context, op wire.Operation) wire.Response {
	switch op := op.(type) {
	case wire.Ping:
		return wire.Pong{}
	case wire.Upload:
		err := e.fs.WriteFile(op.Path, op.Data)
		if err != nil {
			logs.Warnf("agent.Executor.upload path=%q bytes=%d err=%v", op.Path, len(op.Data), err)
		}
		return wire.UploadResult{Fault: wire.FaultFromError(err)}
	case wire.Download:
		data, err := e.fs.ReadFile(op.Path)
		if err != nil {
			logs.Warnf("agent.Executor.download path=%q err=%v", op.Path, err)
			return wire.DownloadResult{Fault: wire.FaultFromError(err)}
		}
		return wire.DownloadResult{Data: data}
	case wire.Command:
		out, err := e.runner.Execute(ctx, op.Argv)
		logs.Infof("agent.Executor.command argv=%q exit=%d err=%v", op.Argv, out.ExitCode, err)
		return wire.CommandResult{Output: out, Fault: wire.FaultFromError(err)}
	case wire.ThreadedCommand:
		return wire.ThreadedCommandResult{Fault: wire.FaultFromError(e.spawn(op.Argv))}
	default:
		logs.Warnf("agent.Executor unsupported operation kind=%s", op.Kind())
		return wire.FailureFor(op)
	}
}

// Threaded reports how many threaded commands have been started.
func (e *Executor) Threaded() uint64 {
	return e.threaded.Load()
}

func (e *Executor) spawn(argv []string) error {
	if len(argv) == 0 {
		return ErrEmptyArgv
	}
	argv = append([]string(nil), argv...)
	err := e.workers.Submit(func() {
		out, err := e.runner.Execute(e.background, argv)
		logs.Infof("agent.Executor.threaded argv=%q exit=%d stdout=%q err=%v",
			argv, out.ExitCode, strings.TrimSpace(string(out.Stdout)), err)
	})
	if err != nil {
		logs.Warnf("agent.Executor.threaded argv=%q err=%v", argv, err)
		return err
	}
	e.threaded.Add(1)
	return nil
}
