// Package controller runs the listening side: it accepts one authenticated
// agent at a time and drives operations over that session.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/danmuck/linkctl/internal/auth"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/observability"
	"github.com/danmuck/linkctl/internal/protocol"
	"github.com/danmuck/linkctl/internal/protocol/crypt"
	"github.com/danmuck/linkctl/internal/protocol/handshake"
	"github.com/danmuck/linkctl/internal/protocol/session"
)

// Phase is the controller state machine position.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseListening   Phase = "listening"
	PhaseHandshaking Phase = "handshaking"
	PhaseServing     Phase = "serving"
)

// ServiceConfig is the resolved, immutable controller configuration.
type ServiceConfig struct {
	Name            string
	ListenAddr      string
	Identity        string
	Secret          crypt.SharedSecret
	AdminListenAddr string
	Session         session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:       "controller",
		ListenAddr: "127.0.0.1:7878",
		Session:    session.DefaultConfig(),
	}
}

// Operator drives one accepted session. Returning nil ends Run; returning
// a channel-fatal error sends the service back to listening.
type Operator interface {
	Serve(ctx context.Context, s *Session) error
}

type OperatorFunc func(ctx context.Context, s *Session) error

func (f OperatorFunc) Serve(ctx context.Context, s *Session) error {
	return f(ctx, s)
}

// Status is the snapshot exposed on /status and the console.
type Status struct {
	Name       string `json:"name"`
	Phase      Phase  `json:"phase"`
	ListenAddr string `json:"listen_addr,omitempty"`
	Sessions   uint64 `json:"sessions"`
	Rejections uint64 `json:"rejections"`
	LastFault  string `json:"last_fault,omitempty"`
	Session    *Stats `json:"session,omitempty"`
}

// Service owns the Idle -> Listening -> Handshaking -> Serving loop.
type Service struct {
	cfg ServiceConfig

	mu         sync.Mutex
	phase      Phase
	listenAddr string
	current    *Session
	sessions   uint64
	rejections uint64
	lastFault  string
}

func NewService(cfg ServiceConfig) *Service {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = DefaultServiceConfig().ListenAddr
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultServiceConfig().Name
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Service{cfg: cfg, phase: PhaseIdle}
}

// HandshakeConfig is what every candidate connection is checked against.
func (s *Service) HandshakeConfig() handshake.Config {
	return handshake.Config{
		Secret:    s.cfg.Secret,
		Validator: auth.StaticIdentity{Name: s.cfg.Identity},
		Timeout:   s.cfg.Session.HandshakeTimeout,
		Limits:    s.cfg.Session.Limits(),
	}
}

// Listen binds the configured address with the service's hooks attached.
func (s *Service) Listen() (*Listener, error) {
	return Listen(s.cfg.ListenAddr, s.HandshakeConfig(), s.listenerOptions()...)
}

// NewListener wraps ln with the service's handshake config and hooks.
func (s *Service) NewListener(ln net.Listener) *Listener {
	return NewListener(ln, s.HandshakeConfig(), s.listenerOptions()...)
}

func (s *Service) listenerOptions() []ListenerOption {
	return []ListenerOption{
		WithOperationTimeout(s.cfg.Session.OperationTimeout),
		WithCandidateHook(func(string) { s.setPhase(PhaseHandshaking) }),
		WithRejectHook(func(a Attempt) {
			s.mu.Lock()
			s.rejections++
			if a.Err != nil {
				s.lastFault = a.Err.Error()
			} else {
				s.lastFault = fmt.Sprintf("rejected %q: %s", a.Identity, a.Reason)
			}
			s.phase = PhaseListening
			s.mu.Unlock()
		}),
	}
}

// Run binds the listener (and the admin endpoint when configured) and
// serves until op finishes or ctx is cancelled.
func (s *Service) Run(ctx context.Context, op Operator) error {
	logs.Infof("controller.Service.Run name=%s secret=%s", s.cfg.Name, s.cfg.Secret)
	ln, err := s.Listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		adminLn, err := net.Listen("tcp", addr)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("controller: admin listen %s: %w", addr, err)
		}
		router := observability.NewAdminRouter(s.cfg.Name, func() any { return s.Status() })
		go func() {
			adminErr <- observability.ServeAdmin(ctx, adminLn, router)
		}()
	} else {
		close(adminErr)
	}

	err = s.Serve(ctx, ln, op)
	cancel()
	if aerr := <-adminErr; aerr != nil && err == nil {
		err = aerr
	}
	return err
}

// Serve runs the state machine on an existing listener and closes it on
// return. Only one session exists at a time: the listener is not polled
// while a session is being served.
func (s *Service) Serve(ctx context.Context, ln *Listener, op Operator) error {
	defer ln.Close()
	defer s.setPhase(PhaseIdle)

	s.mu.Lock()
	s.listenAddr = ln.Addr().String()
	s.mu.Unlock()

	for {
		s.setPhase(PhaseListening)
		logs.Infof("controller.Service.Serve listening addr=%s", ln.Addr())
		sess, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		s.begin(sess)
		err = op.Serve(ctx, sess)
		_ = sess.Close()
		s.end(sess, err)

		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return nil
		case protocol.IsChannelFatal(err):
			logs.Warnf("controller.Service.Serve connection lost identity=%q fault=%s err=%v",
				sess.Identity(), protocol.FaultClass(err), err)
		case errors.Is(err, context.Canceled):
			return nil
		default:
			return err
		}
	}
}

// Status returns a snapshot of the state machine.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Name:       s.cfg.Name,
		Phase:      s.phase,
		ListenAddr: s.listenAddr,
		Sessions:   s.sessions,
		Rejections: s.rejections,
		LastFault:  s.lastFault,
	}
	if s.current != nil {
		stats := s.current.Stats()
		st.Session = &stats
	}
	return st
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

func (s *Service) begin(sess *Session) {
	s.mu.Lock()
	s.phase = PhaseServing
	s.current = sess
	s.sessions++
	s.mu.Unlock()
	observability.SetSessionActive("controller", true)
	logs.Infof("controller.Service session started identity=%q remote=%s", sess.Identity(), sess.RemoteAddr())
}

func (s *Service) end(sess *Session, err error) {
	stats := sess.Stats()
	s.mu.Lock()
	s.current = nil
	if err != nil {
		s.lastFault = err.Error()
	}
	s.mu.Unlock()
	observability.SetSessionActive("controller", false)
	logs.Infof("controller.Service session ended identity=%q sent=%d received=%d err=%v",
		stats.Identity, stats.Sent, stats.Received, err)
}
