package session

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/danmuck/linkctl/internal/protocol/frame"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       false,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 2, nil); got != 500*time.Millisecond {
		t.Fatalf("attempt2 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
	if got := NextBackoffDelay(BackoffConfig{}, 3, nil); got != 0 {
		t.Fatalf("zero config got=%v", got)
	}
}

func TestNextBackoffDelayJitterRange(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
		Jitter:       true,
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		got := NextBackoffDelay(cfg, 1, rng)
		if got < 125*time.Millisecond || got >= 375*time.Millisecond {
			t.Fatalf("attempt1 jitter out of range: %v", got)
		}
	}
	for i := 0; i < 50; i++ {
		if got := NextBackoffDelay(cfg, 10, rng); got > cfg.MaxDelay {
			t.Fatalf("jittered delay exceeded cap: %v", got)
		}
	}
}

func TestBackoffResetStartsOver(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second})
	first := b.Next()
	second := b.Next()
	if first != 10*time.Millisecond || second != 20*time.Millisecond {
		t.Fatalf("unexpected delays %v %v", first, second)
	}
	if b.Attempt() != 2 {
		t.Fatalf("attempt=%d", b.Attempt())
	}
	b.Reset()
	if got := b.Next(); got != first {
		t.Fatalf("expected reset delay %v, got %v", first, got)
	}
}

func TestBackoffWaitHonorsContext(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: time.Hour, Multiplier: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	b = NewBackoff(BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1})
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{OperationTimeout: -1, MaxConnectAttempts: -3}.WithDefaults()
	if cfg.HandshakeTimeout != 30*time.Second {
		t.Fatalf("handshake timeout=%v", cfg.HandshakeTimeout)
	}
	if cfg.OperationTimeout != 0 || cfg.MaxConnectAttempts != 0 {
		t.Fatalf("negative values not cleared: %+v", cfg)
	}
	if cfg.Limits().MaxFrameBytes != frame.DefaultMaxFrameBytes {
		t.Fatalf("limits=%+v", cfg.Limits())
	}

	custom := Config{HandshakeTimeout: time.Second, MaxFrameBytes: 1024}.WithDefaults()
	if custom.HandshakeTimeout != time.Second || custom.Limits().MaxFrameBytes != 1024 {
		t.Fatalf("custom values overwritten: %+v", custom)
	}
}
