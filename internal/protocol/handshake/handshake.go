// Package handshake authenticates a connecting agent before any operation
// traffic flows.
//
// The exchange runs over a channel keyed by each side's own copy of the
// shared secret: the agent sends one frame holding its identity string and
// the controller answers with one frame holding a single boolean. A wrong
// secret therefore shows up as a crypto fault, never as a clean rejection.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/linkctl/internal/auth"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/channel"
	"github.com/danmuck/linkctl/internal/protocol/crypt"
	"github.com/danmuck/linkctl/internal/protocol/frame"
)

// DefaultTimeout bounds every read and write of one handshake attempt.
const DefaultTimeout = 30 * time.Second

// RejectionReason says why the controller refused a candidate.
type RejectionReason uint8

const (
	NotRejected RejectionReason = iota
	WrongClientName
	DecryptionError
)

func (r RejectionReason) String() string {
	switch r {
	case NotRejected:
		return "none"
	case WrongClientName:
		return "wrong_client_name"
	case DecryptionError:
		return "decryption_error"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Config is the immutable input to both sides of the handshake.
type Config struct {
	Secret crypt.SharedSecret
	// Identity is the name the agent claims.
	Identity string
	// Validator checks the claimed name on the controller.
	Validator auth.Validator
	Timeout   time.Duration
	Limits    frame.Limits
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Outcome is either an accepted channel or a rejection reason.
type Outcome struct {
	Channel  *channel.Channel
	Identity string
	Reason   RejectionReason
}

func (o Outcome) Accepted() bool {
	return o.Channel != nil
}

// Accept runs the controller side on a freshly accepted connection. A
// candidate that is rejected or faults is closed before Accept returns;
// the caller keeps listening. Crypto, protocol and transport faults are
// returned as errors with a DecryptionError or NotRejected reason.
// Cancelling ctx aborts the exchange as a transport fault.
func Accept(ctx context.Context, conn net.Conn, cfg Config) (Outcome, error) {
	if cfg.Validator == nil {
		_ = conn.Close()
		return Outcome{}, errors.New("handshake: nil identity validator")
	}
	remote := remoteAddr(conn)
	stop, err := bound(ctx, conn, cfg.timeout())
	if err != nil {
		_ = conn.Close()
		return Outcome{}, err
	}
	defer stop()
	ch := channel.NewWithLimits(conn, cfg.Secret, channel.RoleController, cfg.Limits)

	var claimed string
	if err := ch.Reads(&claimed); err != nil {
		err = withCause(ctx, err)
		_ = ch.Close()
		reason := NotRejected
		if errors.Is(err, protocol.ErrCrypto) {
			reason = DecryptionError
		}
		logs.Debugf("handshake.Accept remote=%s fault=%s err=%v", remote, protocol.FaultClass(err), err)
		return Outcome{Reason: reason}, err
	}
	if n := ch.Release(); n != 0 {
		_ = ch.Close()
		return Outcome{}, fmt.Errorf("%w: %d trailing bytes after identity", protocol.ErrProtocol, n)
	}

	accepted := cfg.Validator.Validate(claimed) == nil
	if err := ch.Writes(accepted); err != nil {
		_ = ch.Close()
		return Outcome{Identity: claimed}, err
	}
	if err := ch.Flush(); err != nil {
		_ = ch.Close()
		return Outcome{Identity: claimed}, withCause(ctx, err)
	}
	if !accepted {
		_ = ch.Close()
		logs.Infof("handshake.Accept remote=%s identity=%q rejected=%s", remote, claimed, WrongClientName)
		return Outcome{Identity: claimed, Reason: WrongClientName}, nil
	}
	if err := release(ctx, stop, ch); err != nil {
		_ = ch.Close()
		return Outcome{Identity: claimed}, err
	}
	logs.Infof("handshake.Accept remote=%s identity=%q accepted", remote, claimed)
	return Outcome{Channel: ch, Identity: claimed}, nil
}

// Connect runs the agent side on an established connection. On success the
// returned channel is ready for operation traffic. A rejection returns
// protocol.ErrIdentityRejected; the caller owns conn and closes it on any
// error. Cancelling ctx aborts the exchange as a transport fault.
func Connect(ctx context.Context, conn net.Conn, cfg Config) (*channel.Channel, error) {
	stop, err := bound(ctx, conn, cfg.timeout())
	if err != nil {
		return nil, err
	}
	defer stop()
	ch := channel.NewWithLimits(conn, cfg.Secret, channel.RoleAgent, cfg.Limits)

	if err := ch.Writes(cfg.Identity); err != nil {
		return nil, err
	}
	if err := ch.Flush(); err != nil {
		return nil, withCause(ctx, err)
	}
	var accepted bool
	if err := ch.Reads(&accepted); err != nil {
		return nil, withCause(ctx, err)
	}
	if n := ch.Release(); n != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after accept flag", protocol.ErrProtocol, n)
	}
	if !accepted {
		return nil, fmt.Errorf("%w: identity %q", protocol.ErrIdentityRejected, cfg.Identity)
	}
	if err := release(ctx, stop, ch); err != nil {
		return nil, err
	}
	return ch, nil
}

// bound sets the handshake deadline on conn, then arranges for ctx
// cancellation to expire it, so cancellation always wins over the timeout.
func bound(ctx context.Context, conn net.Conn, timeout time.Duration) (func() bool, error) {
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %w", protocol.ErrTransport, err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	return stop, nil
}

// release detaches ctx and clears the deadline for operation traffic. If
// ctx already fired, the deadline stays expired and the handshake fails.
func release(ctx context.Context, stop func() bool, ch *channel.Channel) error {
	if !stop() {
		return fmt.Errorf("%w: handshake cancelled: %w", protocol.ErrTransport, context.Cause(ctx))
	}
	if err := ch.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("%w: clear deadline: %w", protocol.ErrTransport, err)
	}
	return nil
}

func withCause(ctx context.Context, err error) error {
	if cause := ctx.Err(); cause != nil {
		return fmt.Errorf("%w (%w)", err, cause)
	}
	return err
}

func remoteAddr(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return "unknown"
}
