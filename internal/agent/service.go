// Package agent runs the connecting side: it dials the controller,
// authenticates, then serves one operation at a time until the connection
// fails, and starts over.
package agent

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/channel"
	"github.com/danmuck/linkctl/internal/protocol/crypt"
	"github.com/danmuck/linkctl/internal/protocol/handshake"
	"github.com/danmuck/linkctl/internal/protocol/session"
	"github.com/danmuck/linkctl/internal/protocol/wire"
)

// Phase is the agent state machine position.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseConnecting  Phase = "connecting"
	PhaseHandshaking Phase = "handshaking"
	PhaseServing     Phase = "serving"
)

// ServiceConfig is the resolved, immutable agent configuration.
type ServiceConfig struct {
	Name           string
	HostAddr       string
	Secret         crypt.SharedSecret
	FileRoot       string
	MaxWorkers     int
	CommandTimeout time.Duration
	Session        session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		HostAddr:   "127.0.0.1:7878",
		MaxWorkers: 4,
		Session:    session.DefaultConfig(),
	}
}

// DialFunc opens the raw connection to the controller.
type DialFunc func(ctx context.Context, addr string) (net.Conn, error)

type Option func(*Service)

func WithFileSystem(fs FileSystem) Option {
	return func(s *Service) { s.fs = fs }
}

func WithRunner(r ProcessRunner) Option {
	return func(s *Service) { s.runner = r }
}

func WithDialer(d DialFunc) Option {
	return func(s *Service) { s.dial = d }
}

// Status is a snapshot of the agent state machine.
type Status struct {
	Name           string `json:"name"`
	Phase          Phase  `json:"phase"`
	HostAddr       string `json:"host_addr"`
	Sessions       uint64 `json:"sessions"`
	Failures       uint64 `json:"failures"`
	Served         uint64 `json:"served"`
	ActiveWorkers  int    `json:"active_workers"`
	ThreadedStarts uint64 `json:"threaded_starts"`
	LastFault      string `json:"last_fault,omitempty"`
}

// Service owns the Idle -> Connecting -> Handshaking -> Serving loop.
type Service struct {
	cfg     ServiceConfig
	fs      FileSystem
	runner  ProcessRunner
	dial    DialFunc
	workers *Workers
	exec    *Executor

	mu        sync.Mutex
	phase     Phase
	sessions  uint64
	failures  uint64
	served    uint64
	lastFault string
}

func NewService(cfg ServiceConfig, opts ...Option) *Service {
	if strings.TrimSpace(cfg.HostAddr) == "" {
		cfg.HostAddr = DefaultServiceConfig().HostAddr
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultServiceConfig().MaxWorkers
	}
	cfg.Session = cfg.Session.WithDefaults()

	s := &Service{cfg: cfg, phase: PhaseIdle}
	for _, opt := range opts {
		opt(s)
	}
	if s.fs == nil {
		s.fs = NewLocalFS(cfg.FileRoot)
	}
	if s.runner == nil {
		s.runner = LocalRunner{Timeout: cfg.CommandTimeout}
	}
	if s.dial == nil {
		dialer := net.Dialer{Timeout: cfg.Session.ConnectTimeout}
		s.dial = func(ctx context.Context, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", addr)
		}
	}
	s.workers = NewWorkers(cfg.MaxWorkers)
	return s
}

func (s *Service) handshakeConfig() handshake.Config {
	return handshake.Config{
		Secret:   s.cfg.Secret,
		Identity: s.cfg.Name,
		Timeout:  s.cfg.Session.HandshakeTimeout,
		Limits:   s.cfg.Session.Limits(),
	}
}

// Run connects and serves until ctx is cancelled. With MaxConnectAttempts
// set it gives up after that many consecutive failed connects; a session
// that was served and then lost does not count. Threaded commands still
// running when Run returns are not waited for.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	s.exec = NewExecutor(ctx, s.fs, s.runner, s.workers)
	s.mu.Unlock()
	backoff := session.NewBackoff(s.cfg.Session.Backoff)
	defer s.setPhase(PhaseIdle)
	logs.Infof("agent.Service.Run name=%q host=%s secret=%s", s.cfg.Name, s.cfg.HostAddr, s.cfg.Secret)

	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		served, err := s.attempt(ctx)
		if ctx.Err() != nil {
			return nil
		}
		s.recordFault(err)

		if served {
			failures = 0
			backoff.Reset()
			logs.Warnf("agent.Service.Run session lost, reconnecting fault=%s err=%v",
				protocol.FaultClass(err), err)
		} else {
			failures++
			if max := s.cfg.Session.MaxConnectAttempts; max > 0 && failures >= max {
				return fmt.Errorf("agent: giving up after %d attempts: %w", failures, err)
			}
			logs.Warnf("agent.Service.Run retry attempt=%d fault=%s err=%v",
				failures, protocol.FaultClass(err), err)
		}
		if err := backoff.Wait(ctx); err != nil {
			return nil
		}
	}
}

// attempt runs one Connecting -> Handshaking -> Serving pass and returns
// the fault that ended it. served reports whether the handshake succeeded.
func (s *Service) attempt(ctx context.Context) (served bool, err error) {
	s.setPhase(PhaseConnecting)
	conn, err := s.dial(ctx, s.cfg.HostAddr)
	if err != nil {
		return false, fmt.Errorf("%w: dial %s: %w", protocol.ErrTransport, s.cfg.HostAddr, err)
	}

	s.setPhase(PhaseHandshaking)
	ch, err := handshake.Connect(ctx, conn, s.handshakeConfig())
	if err != nil {
		_ = conn.Close()
		observability.RecordHandshake("agent", protocol.FaultClass(err))
		return false, err
	}
	observability.RecordHandshake("agent", "accepted")

	s.mu.Lock()
	s.phase = PhaseServing
	s.sessions++
	s.mu.Unlock()
	observability.SetSessionActive("agent", true)
	defer observability.SetSessionActive("agent", false)
	logs.Infof("agent.Service session started host=%s", s.cfg.HostAddr)

	err = s.serve(ctx, ch)
	logs.Warnf("agent.Service session ended host=%s fault=%s err=%v", s.cfg.HostAddr, protocol.FaultClass(err), err)
	return true, err
}

// serve answers operations until the channel fails. Exactly one response
// is flushed per operation read.
func (s *Service) serve(ctx context.Context, ch *channel.Channel) error {
	defer ch.Close()
	stop := context.AfterFunc(ctx, func() { _ = ch.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	for {
		op, err := wire.ReadOperation(ch)
		if err != nil {
			return err
		}
		if n := ch.Release(); n != 0 {
			return fmt.Errorf("%w: %d trailing bytes after %s operation", protocol.ErrProtocol, n, op.Kind())
		}

		start := time.Now()
		resp := s.exec.Execute(ctx, op)
		result := observability.ResultOK
		if resp.Err() != nil {
			result = observability.ResultFault
		}
		observability.RecordOperation("agent", op.Kind().String(), result, time.Since(start))

		if err := wire.WriteResponse(ch, resp); err != nil {
			if err := wire.WriteResponse(ch, wire.Failure{Fault: wire.FaultFromError(err)}); err != nil {
				return err
			}
		}
		if err := ch.Flush(); err != nil {
			return err
		}
		s.mu.Lock()
		s.served++
		s.mu.Unlock()
	}
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:          s.cfg.Name,
		Phase:         s.phase,
		HostAddr:      s.cfg.HostAddr,
		Sessions:      s.sessions,
		Failures:      s.failures,
		Served:        s.served,
		ActiveWorkers: s.workers.Active(),
		LastFault:     s.lastFault,
	}
	if s.exec != nil {
		st.ThreadedStarts = s.exec.Threaded()
	}
	return st
}

// Wait blocks until background threaded commands have finished.
func (s *Service) Wait() {
	s.workers.Wait()
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Service) recordFault(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.failures++
	s.lastFault = err.Error()
	s.mu.Unlock()
}
