package controller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/channel"
	"github.com/danmuck/linkctl/internal/protocol/wire"
)

var ErrSessionClosed = errors.New("controller: session closed")

// Stats is a point-in-time view of one session.
type Stats struct {
	Identity  string    `json:"identity"`
	Remote    string    `json:"remote"`
	Sent      uint64    `json:"sent"`
	Received  uint64    `json:"received"`
	StartedAt time.Time `json:"started_at"`
}

// Session is one authenticated agent. Exchanges are strictly half-duplex:
// one operation goes out, exactly one matching response comes back, and
// only then may the next operation be sent. Exchange must not be called
// concurrently; Stats and Close may be.
type Session struct {
	ch        *channel.Channel
	identity  string
	remote    string
	opTimeout time.Duration
	started   time.Time

	sent     atomic.Uint64
	received atomic.Uint64
	closed   atomic.Bool
}

func newSession(ch *channel.Channel, identity, remote string, opTimeout time.Duration) *Session {
	return &Session{
		ch:        ch,
		identity:  identity,
		remote:    remote,
		opTimeout: opTimeout,
		started:   time.Now(),
	}
}

func (s *Session) Identity() string {
	return s.identity
}

func (s *Session) RemoteAddr() string {
	return s.remote
}

func (s *Session) Stats() Stats {
	return Stats{
		Identity:  s.identity,
		Remote:    s.remote,
		Sent:      s.sent.Load(),
		Received:  s.received.Load(),
		StartedAt: s.started,
	}
}

// Err returns the fault that ended the session, if any.
func (s *Session) Err() error {
	return s.ch.Err()
}

// Close tears down the connection. The agent sees it as a transport fault.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.ch.Close()
}

// Exchange sends op and returns the agent's response. An operation-level
// fault travels inside the response and leaves the session usable; any
// returned error is channel-fatal and the session is closed.
func (s *Session) Exchange(ctx context.Context, op wire.Operation) (wire.Response, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: %w", protocol.ErrTransport, ErrSessionClosed)
	}
	if err := s.ch.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrChannelPoisoned, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind := op.Kind()
	start := time.Now()

	resp, err := s.exchange(ctx, op)
	elapsed := time.Since(start)
	if err != nil {
		observability.RecordOperation("controller", kind.String(), observability.ResultError, elapsed)
		if protocol.IsChannelFatal(err) {
			logs.Warnf("controller.Session.Exchange identity=%q kind=%s fault=%s err=%v",
				s.identity, kind, protocol.FaultClass(err), err)
			_ = s.Close()
		}
		return nil, err
	}
	result := observability.ResultOK
	if resp.Err() != nil {
		result = observability.ResultFault
	}
	observability.RecordOperation("controller", kind.String(), result, elapsed)
	logs.Debugf("controller.Session.Exchange identity=%q kind=%s response=%s elapsed=%s",
		s.identity, kind, resp.Kind(), elapsed)
	return resp, nil
}

func (s *Session) exchange(ctx context.Context, op wire.Operation) (wire.Response, error) {
	if s.opTimeout > 0 {
		if err := s.ch.SetDeadline(time.Now().Add(s.opTimeout)); err != nil {
			return nil, fmt.Errorf("%w: set deadline: %w", protocol.ErrTransport, err)
		}
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.ch.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		if !stop() || s.opTimeout > 0 {
			_ = s.ch.SetDeadline(time.Time{})
		}
	}()

	if err := wire.WriteOperation(s.ch, op); err != nil {
		return nil, err
	}
	if err := s.ch.Flush(); err != nil {
		return nil, s.withCause(ctx, err)
	}
	s.sent.Add(1)

	resp, err := wire.ReadResponse(s.ch)
	if err != nil {
		return nil, s.withCause(ctx, err)
	}
	s.received.Add(1)
	if n := s.ch.Release(); n != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after %s response", protocol.ErrProtocol, n, resp.Kind())
	}
	if !wire.Matches(op.Kind(), resp) {
		return nil, fmt.Errorf("%w: %s answered with %s", protocol.ErrProtocol, op.Kind(), resp.Kind())
	}
	return resp, nil
}

func (s *Session) withCause(ctx context.Context, err error) error {
	if cause := ctx.Err(); cause != nil {
		return fmt.Errorf("%w (%w)", err, cause)
	}
	return err
}

// Upload stores data at path on the agent.
func (s *Session) Upload(ctx context.Context, path string, data []byte) error {
	resp, err := s.Exchange(ctx, wire.Upload{Path: path, Data: data})
	if err != nil {
		return err
	}
	return faultOf(resp)
}

// Download fetches the file at path from the agent.
func (s *Session) Download(ctx context.Context, path string) ([]byte, error) {
	resp, err := s.Exchange(ctx, wire.Download{Path: path})
	if err != nil {
		return nil, err
	}
	if err := faultOf(resp); err != nil {
		return nil, err
	}
	return resp.(wire.DownloadResult).Data, nil
}

// Command runs argv on the agent and waits for its output. A non-zero
// exit code is not an error.
func (s *Session) Command(ctx context.Context, argv ...string) (wire.CommandOutput, error) {
	resp, err := s.Exchange(ctx, wire.Command{Argv: argv})
	if err != nil {
		return wire.CommandOutput{}, err
	}
	if r, ok := resp.(wire.CommandResult); ok {
		return r.Output, faultOf(resp)
	}
	return wire.CommandOutput{}, faultOf(resp)
}

// ThreadedCommand starts argv on an agent worker without waiting for it.
func (s *Session) ThreadedCommand(ctx context.Context, argv ...string) error {
	resp, err := s.Exchange(ctx, wire.ThreadedCommand{Argv: argv})
	if err != nil {
		return err
	}
	return faultOf(resp)
}

// Ping measures one round trip.
func (s *Session) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	resp, err := s.Exchange(ctx, wire.Ping{})
	if err != nil {
		return 0, err
	}
	return time.Since(start), faultOf(resp)
}

func faultOf(resp wire.Response) error {
	if f := resp.Err(); f != nil {
		return f
	}
	return nil
}
