package channel

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/crypt"
	"github.com/danmuck/linkctl/internal/protocol/frame"
	"github.com/danmuck/linkctl/internal/testutil"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

// bufferStream is a one-way stream: what one channel flushes, another reads.
type bufferStream struct {
	*bytes.Buffer
	closed bool
}

func (b *bufferStream) Close() error {
	b.closed = true
	return nil
}

func newPair(t *testing.T, writerSecret, readerSecret string) (*Channel, *Channel, *bufferStream) {
	t.Helper()
	stream := &bufferStream{Buffer: &bytes.Buffer{}}
	w := New(stream, crypt.MustSharedSecret(writerSecret), RoleAgent)
	r := New(stream, crypt.MustSharedSecret(readerSecret), RoleController)
	return w, r, stream
}

func TestWritesBufferUntilFlush(t *testing.T) {
	testlog.Start(t)

	w, _, stream := newPair(t, "K1", "K1")
	if err := w.Writes("agentA"); err != nil {
		t.Fatalf("writes: %v", err)
	}
	if stream.Len() != 0 {
		t.Fatalf("expected no I/O before flush, got %d bytes", stream.Len())
	}
	if w.Pending() == 0 {
		t.Fatalf("expected pending bytes")
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if w.Pending() != 0 {
		t.Fatalf("expected flush to clear pending, got %d", w.Pending())
	}
	if stream.Len() == 0 {
		t.Fatalf("expected one frame on the stream")
	}
}

func TestMultipleValuesShareOneFrame(t *testing.T) {
	testlog.Start(t)

	w, r, stream := newPair(t, "K1", "K1")
	for _, v := range []any{"first", uint32(7), true} {
		if err := w.Writes(v); err != nil {
			t.Fatalf("writes %v: %v", v, err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	raw := bytes.NewReader(stream.Bytes())
	if _, err := frame.ReadFrame(raw, frame.DefaultLimits()); err != nil {
		t.Fatalf("read raw frame: %v", err)
	}
	if _, err := frame.ReadFrame(raw, frame.DefaultLimits()); !errors.Is(err, io.EOF) {
		t.Fatalf("expected exactly one frame, got err=%v", err)
	}

	var s string
	var n uint32
	var b bool
	if err := r.Reads(&s); err != nil {
		t.Fatalf("reads string: %v", err)
	}
	if r.Buffered() == 0 {
		t.Fatalf("expected remaining values buffered")
	}
	if err := r.Reads(&n); err != nil {
		t.Fatalf("reads uint32: %v", err)
	}
	if err := r.Reads(&b); err != nil {
		t.Fatalf("reads bool: %v", err)
	}
	if s != "first" || n != 7 || !b {
		t.Fatalf("unexpected values: %q %d %v", s, n, b)
	}
	if r.Buffered() != 0 {
		t.Fatalf("expected frame fully consumed, %d bytes left", r.Buffered())
	}
}

func TestReleaseDiscardsUnreadValues(t *testing.T) {
	testlog.Start(t)

	w, r, _ := newPair(t, "K1", "K1")
	_ = w.Writes("one")
	_ = w.Writes("extra")
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	_ = w.Writes("two")
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var got string
	if err := r.Reads(&got); err != nil || got != "one" {
		t.Fatalf("reads one: %q %v", got, err)
	}
	if n := r.Release(); n == 0 {
		t.Fatalf("expected discarded bytes")
	}
	if err := r.Reads(&got); err != nil || got != "two" {
		t.Fatalf("reads two: %q %v", got, err)
	}
	if n := r.Release(); n != 0 {
		t.Fatalf("expected nothing to discard, got %d", n)
	}
}

func TestEmptyFlushSendsNothing(t *testing.T) {
	w, _, stream := newPair(t, "K1", "K1")
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if stream.Len() != 0 {
		t.Fatalf("expected no frame, got %d bytes", stream.Len())
	}
}

func TestWrongSecretIsCryptoFaultAndPoisons(t *testing.T) {
	testlog.Start(t)

	w, r, _ := newPair(t, "K1", "K2")
	_ = w.Writes("agentA")
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var got string
	err := r.Reads(&got)
	if !errors.Is(err, protocol.ErrCrypto) {
		t.Fatalf("expected crypto fault, got %v", err)
	}
	if !protocol.IsChannelFatal(err) {
		t.Fatalf("expected channel-fatal classification")
	}
	err = r.Reads(&got)
	if !errors.Is(err, protocol.ErrChannelPoisoned) || !errors.Is(err, protocol.ErrCrypto) {
		t.Fatalf("expected poisoned channel wrapping crypto fault, got %v", err)
	}
	if err := r.Writes(true); !errors.Is(err, protocol.ErrChannelPoisoned) {
		t.Fatalf("expected writes refused after fault, got %v", err)
	}
}

func TestReflectedFrameFailsAuthentication(t *testing.T) {
	stream := &bufferStream{Buffer: &bytes.Buffer{}}
	secret := crypt.MustSharedSecret("K1")
	w := New(stream, secret, RoleController)
	r := New(stream, secret, RoleController)

	_ = w.Writes(true)
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var flag bool
	if err := r.Reads(&flag); !errors.Is(err, protocol.ErrCrypto) {
		t.Fatalf("expected crypto fault for reflected frame, got %v", err)
	}
}

func TestDecodeMismatchIsProtocolFault(t *testing.T) {
	w, r, _ := newPair(t, "K1", "K1")
	_ = w.Writes("not-a-bool")
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var flag bool
	if err := r.Reads(&flag); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
}

func TestEndOfStreamIsTransportFault(t *testing.T) {
	_, r, _ := newPair(t, "K1", "K1")
	var s string
	err := r.Reads(&s)
	if !errors.Is(err, protocol.ErrTransport) || !errors.Is(err, io.EOF) {
		t.Fatalf("expected transport fault wrapping EOF, got %v", err)
	}
}

func TestEncodeFailureDoesNotPoison(t *testing.T) {
	w, r, _ := newPair(t, "K1", "K1")
	if err := w.Writes(make(chan int)); err == nil {
		t.Fatalf("expected encode error")
	}
	if w.Err() != nil {
		t.Fatalf("expected channel still healthy, got %v", w.Err())
	}
	if err := w.Writes("ok"); err != nil {
		t.Fatalf("writes after encode error: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	var s string
	if err := r.Reads(&s); err != nil || s != "ok" {
		t.Fatalf("reads: %q %v", s, err)
	}
}

func TestOversizedFlushIsProtocolFault(t *testing.T) {
	stream := &bufferStream{Buffer: &bytes.Buffer{}}
	w := NewWithLimits(stream, crypt.MustSharedSecret("K1"), RoleAgent, frame.Limits{MaxFrameBytes: 64})
	_ = w.Writes(make([]byte, 128))
	if err := w.Flush(); !errors.Is(err, protocol.ErrProtocol) {
		t.Fatalf("expected protocol fault, got %v", err)
	}
	if stream.Len() != 0 {
		t.Fatalf("expected nothing written")
	}
}

func TestClosedChannelRefusesIO(t *testing.T) {
	w, _, stream := newPair(t, "K1", "K1")
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !stream.closed {
		t.Fatalf("expected stream closed")
	}
	if err := w.Writes("x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseFromAnotherGoroutineUnblocksReads(t *testing.T) {
	testlog.Start(t)
	local, remote := net.Pipe()
	defer remote.Close()
	ch := New(local, crypt.MustSharedSecret("K1"), RoleController)

	done := testutil.Go(func() error {
		var s string
		return ch.Reads(&s)
	})
	time.Sleep(20 * time.Millisecond)
	if err := ch.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := testutil.RequireReceive(t, done, 2*time.Second, "blocked read"); !errors.Is(err, protocol.ErrTransport) {
		t.Fatalf("expected transport fault, got %v", err)
	}
	if err := ch.Writes("x"); !errors.Is(err, protocol.ErrChannelPoisoned) && !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed channel, got %v", err)
	}
}
