// Package channel turns a raw byte stream into framed, whole-message
// encrypted traffic.
//
// The write path is an explicit pending buffer with an explicit flush
// boundary: Writes only encodes and appends; Flush seals everything
// pending as one frame. The read path decrypts one frame at a time and
// hands out values from its front. Both peers must agree out of band on
// how many values each frame carries; Release makes the boundary visible
// so callers can detect a mismatch.
//
// A Channel belongs to exactly one goroutine; only Close and SetDeadline
// may be called from another one to abort blocked I/O. The first crypto,
// protocol or transport fault poisons it for good.
package channel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/codec"
	"github.com/danmuck/linkctl/internal/protocol/crypt"
	"github.com/danmuck/linkctl/internal/protocol/frame"
)

// Role identifies which peer sealed a frame. It is bound into the AEAD so
// a frame replayed back at its sender fails authentication.
type Role byte

const (
	RoleController Role = 'C'
	RoleAgent      Role = 'A'
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "controller"
	case RoleAgent:
		return "agent"
	default:
		return fmt.Sprintf("role(%d)", byte(r))
	}
}

func (r Role) peer() Role {
	if r == RoleController {
		return RoleAgent
	}
	return RoleController
}

var ErrClosed = errors.New("channel: closed")

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Channel is the SecureChannel: one stream, one derived key, one pending
// outbound buffer and the unread remainder of the last inbound frame.
type Channel struct {
	stream io.ReadWriteCloser
	secret crypt.SharedSecret
	role   Role
	limits frame.Limits

	pending bytes.Buffer
	inbound []byte

	fault  error
	closed atomic.Bool
}

// New builds a channel over stream for the given local role.
func New(stream io.ReadWriteCloser, secret crypt.SharedSecret, role Role) *Channel {
	return NewWithLimits(stream, secret, role, frame.DefaultLimits())
}

func NewWithLimits(stream io.ReadWriteCloser, secret crypt.SharedSecret, role Role, limits frame.Limits) *Channel {
	return &Channel{
		stream: stream,
		secret: secret,
		role:   role,
		limits: limits.WithDefaults(),
	}
}

func (c *Channel) Role() Role {
	return c.role
}

// Writes encodes v and appends it to the pending buffer. No I/O happens.
// An encode failure leaves the buffer untouched and does not poison the
// channel.
func (c *Channel) Writes(v any) error {
	if err := c.usable(); err != nil {
		return err
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("channel: encode %T: %w", v, err)
	}
	c.pending.Write(data)
	return nil
}

// Pending reports how many encoded bytes await Flush.
func (c *Channel) Pending() int {
	return c.pending.Len()
}

// Flush seals every pending value as a single frame, sends it and clears
// the buffer. Flushing an empty buffer sends nothing.
func (c *Channel) Flush() error {
	if err := c.usable(); err != nil {
		return err
	}
	if c.pending.Len() == 0 {
		return nil
	}
	defer c.pending.Reset()

	sealed, err := c.secret.Seal(c.pending.Bytes(), []byte{byte(c.role)})
	if err != nil {
		return c.poison(fmt.Errorf("%w: seal: %w", protocol.ErrCrypto, err))
	}
	if err := frame.WriteFrame(c.stream, sealed, c.limits); err != nil {
		if errors.Is(err, frame.ErrFrameTooLarge) {
			return c.poison(fmt.Errorf("%w: %w", protocol.ErrProtocol, err))
		}
		return c.poison(fmt.Errorf("%w: %w", protocol.ErrTransport, err))
	}
	return nil
}

// Reads decodes the next value into v. When the current frame is
// exhausted it blocks for the next frame and decrypts it whole.
func (c *Channel) Reads(v any) error {
	if err := c.usable(); err != nil {
		return err
	}
	if len(c.inbound) == 0 {
		if err := c.nextFrame(); err != nil {
			return err
		}
	}
	rest, err := codec.UnmarshalFirst(c.inbound, v)
	if err != nil {
		return c.poison(fmt.Errorf("%w: decode %T: %w", protocol.ErrProtocol, v, err))
	}
	c.inbound = rest
	return nil
}

// Buffered reports how many decrypted bytes of the current frame are unread.
func (c *Channel) Buffered() int {
	return len(c.inbound)
}

// Release ends the current inbound frame, discarding any values the
// writer packed that were not read. It returns the number of discarded
// bytes; the next Reads starts on a fresh frame.
func (c *Channel) Release() int {
	n := len(c.inbound)
	c.inbound = nil
	return n
}

// Err returns the fault that poisoned the channel, if any.
func (c *Channel) Err() error {
	return c.fault
}

// SetDeadline bounds every pending and future I/O on the stream when the
// stream supports deadlines. A zero time clears it.
func (c *Channel) SetDeadline(t time.Time) error {
	d, ok := c.stream.(deadliner)
	if !ok {
		return nil
	}
	return d.SetDeadline(t)
}

// Close closes the underlying stream. Further use returns ErrClosed.
func (c *Channel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.stream.Close()
}

func (c *Channel) nextFrame() error {
	sealed, err := frame.ReadFrame(c.stream, c.limits)
	if err != nil {
		if errors.Is(err, frame.ErrFrameTooLarge) {
			return c.poison(fmt.Errorf("%w: %w", protocol.ErrProtocol, err))
		}
		return c.poison(fmt.Errorf("%w: %w", protocol.ErrTransport, err))
	}
	plain, err := c.secret.Open(sealed, []byte{byte(c.role.peer())})
	if err != nil {
		return c.poison(err)
	}
	if len(plain) == 0 {
		return c.poison(fmt.Errorf("%w: empty frame", protocol.ErrProtocol))
	}
	c.inbound = plain
	return nil
}

func (c *Channel) usable() error {
	if c.fault != nil {
		return fmt.Errorf("%w: %w", protocol.ErrChannelPoisoned, c.fault)
	}
	if c.closed.Load() {
		return fmt.Errorf("%w: %w", protocol.ErrTransport, ErrClosed)
	}
	return nil
}

func (c *Channel) poison(err error) error {
	if c.fault == nil {
		c.fault = err
	}
	c.inbound = nil
	c.pending.Reset()
	return err
}
