package session

import (
	"time"

	"github.com/danmuck/linkctl/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport/session reliability defaults.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	// OperationTimeout bounds one exchange once serving. Zero leaves
	// steady-state reads unbounded.
	OperationTimeout time.Duration
	MaxFrameBytes    uint32
	// MaxConnectAttempts stops the agent after N consecutive failed
	// attempts. Zero retries forever.
	MaxConnectAttempts int
	Backoff            BackoffConfig
}

// DefaultConfig returns the defaults both binaries start from.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:   5 * time.Second,
		HandshakeTimeout: 30 * time.Second,
		MaxFrameBytes:    frame.DefaultMaxFrameBytes,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     30 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero durations and limits from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.OperationTimeout < 0 {
		c.OperationTimeout = 0
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	if c.MaxConnectAttempts < 0 {
		c.MaxConnectAttempts = 0
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff.InitialDelay = d.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = d.Backoff.Multiplier
	}
	if c.Backoff.MaxDelay <= 0 {
		c.Backoff.MaxDelay = d.Backoff.MaxDelay
	}
	return c
}

// Limits returns the frame limits for channels built under c.
func (c Config) Limits() frame.Limits {
	return frame.Limits{MaxFrameBytes: c.MaxFrameBytes}.WithDefaults()
}
