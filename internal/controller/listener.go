package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/handshake"
)

// Attempt describes one handshake candidate that did not become a session.
type Attempt struct {
	Remote   string
	Identity string
	Reason   handshake.RejectionReason
	Err      error
}

// ListenerOption customizes a Listener.
type ListenerOption func(*Listener)

// WithCandidateHook is called when a connection arrives, before its handshake.
func WithCandidateHook(fn func(remote string)) ListenerOption {
	return func(l *Listener) { l.onCandidate = fn }
}

// WithRejectHook is called for every rejected or faulted candidate.
func WithRejectHook(fn func(Attempt)) ListenerOption {
	return func(l *Listener) { l.onReject = fn }
}

// WithOperationTimeout bounds each exchange of accepted sessions.
func WithOperationTimeout(d time.Duration) ListenerOption {
	return func(l *Listener) { l.opTimeout = d }
}

// Listener accepts TCP connections and runs the controller handshake on
// each until one agent is accepted.
type Listener struct {
	ln        net.Listener
	hs        handshake.Config
	opTimeout time.Duration

	onCandidate func(remote string)
	onReject    func(Attempt)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Listen binds addr and returns a Listener for it.
func Listen(addr string, hs handshake.Config, opts ...ListenerOption) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("controller: listen %s: %w", addr, err)
	}
	return NewListener(ln, hs, opts...), nil
}

// NewListener wraps an existing net.Listener.
func NewListener(ln net.Listener, hs handshake.Config, opts ...ListenerOption) *Listener {
	l := &Listener{ln: ln, hs: hs}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *Listener) Close() error {
	return l.ln.Close()
}

// Accept blocks until an agent passes the handshake. Candidates that are
// rejected, time out or fault are closed and the loop keeps listening.
// Cancelling ctx unblocks both the accept and an in-flight handshake.
func (l *Listener) Accept(ctx context.Context) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d, canDeadline := l.ln.(deadliner)
	stop := context.AfterFunc(ctx, func() {
		if canDeadline {
			_ = d.SetDeadline(time.Unix(1, 0))
			return
		}
		_ = l.ln.Close()
	})
	defer func() {
		stop()
		if canDeadline {
			_ = d.SetDeadline(time.Time{})
		}
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: accept: %w", protocol.ErrTransport, err)
		}
		remote := conn.RemoteAddr().String()
		if l.onCandidate != nil {
			l.onCandidate(remote)
		}

		outcome, err := handshake.Accept(ctx, conn, l.hs)

		if err == nil && outcome.Accepted() {
			observability.RecordHandshake("controller", "accepted")
			return newSession(outcome.Channel, outcome.Identity, remote, l.opTimeout), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attempt := Attempt{Remote: remote, Identity: outcome.Identity, Reason: outcome.Reason, Err: err}
		label := outcome.Reason.String()
		if err != nil && outcome.Reason == handshake.NotRejected {
			label = protocol.FaultClass(err)
		}
		observability.RecordHandshake("controller", label)
		logs.Warnf("controller.Listener.Accept candidate dropped remote=%s identity=%q reason=%s err=%v",
			remote, outcome.Identity, label, err)
		if l.onReject != nil {
			l.onReject(attempt)
		}
	}
}
