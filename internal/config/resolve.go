package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/danmuck/linkctl/internal/agent"
	"github.com/danmuck/linkctl/internal/controller"
)

// Runner names accepted in AgentFile.Runner.
const (
	RunnerLocal = "local"
	RunnerSSH   = "ssh"
)

// Controller resolves the file into the service configuration. baseDir
// anchors relative secret paths, normally the config file's directory.
func (f ControllerFile) Controller(baseDir string) (controller.ServiceConfig, error) {
	cfg := controller.DefaultServiceConfig()
	if v := strings.TrimSpace(f.Name); v != "" {
		cfg.Name = v
	}
	if v := strings.TrimSpace(f.BindAddress); v != "" {
		cfg.ListenAddr = v
	}
	cfg.Identity = f.ClientName
	if strings.TrimSpace(cfg.Identity) == "" {
		return controller.ServiceConfig{}, fmt.Errorf("controller config missing client_name")
	}
	cfg.AdminListenAddr = strings.TrimSpace(f.AdminListenAddr)
	if f.HandshakeTimeout > 0 {
		cfg.Session.HandshakeTimeout = f.HandshakeTimeout.Std()
	}
	if f.OperationTimeout > 0 {
		cfg.Session.OperationTimeout = f.OperationTimeout.Std()
	}
	if f.MaxFrameBytes > 0 {
		cfg.Session.MaxFrameBytes = f.MaxFrameBytes
	}

	secret, err := f.ResolveSecret(baseDir)
	if err != nil {
		return controller.ServiceConfig{}, err
	}
	cfg.Secret = secret
	return cfg, nil
}

// Agent resolves the file into the service configuration plus the
// collaborator options it implies.
func (f AgentFile) Agent(baseDir string) (agent.ServiceConfig, []agent.Option, error) {
	cfg := agent.DefaultServiceConfig()
	cfg.Name = f.ClientName
	if strings.TrimSpace(cfg.Name) == "" {
		return agent.ServiceConfig{}, nil, fmt.Errorf("agent config missing client_name")
	}
	if v := strings.TrimSpace(f.HostAddress); v != "" {
		cfg.HostAddr = v
	}
	if v := strings.TrimSpace(f.FileRoot); v != "" {
		cfg.FileRoot = resolvePath(baseDir, v)
	}
	if f.MaxWorkers > 0 {
		cfg.MaxWorkers = f.MaxWorkers
	}
	cfg.CommandTimeout = f.CommandTimeout.Std()

	s := &cfg.Session
	if f.ConnectTimeout > 0 {
		s.ConnectTimeout = f.ConnectTimeout.Std()
	}
	if f.HandshakeTimeout > 0 {
		s.HandshakeTimeout = f.HandshakeTimeout.Std()
	}
	if f.MaxFrameBytes > 0 {
		s.MaxFrameBytes = f.MaxFrameBytes
	}
	if f.BackoffInitial > 0 {
		s.Backoff.InitialDelay = f.BackoffInitial.Std()
	}
	if f.BackoffMax > 0 {
		s.Backoff.MaxDelay = f.BackoffMax.Std()
	}
	if f.BackoffMultiplier > 0 {
		s.Backoff.Multiplier = f.BackoffMultiplier
	}
	if f.NoJitter {
		s.Backoff.Jitter = false
	}
	if f.MaxConnectAttempts < 0 {
		return agent.ServiceConfig{}, nil, fmt.Errorf("agent config max_connect_attempts must be >= 0")
	}
	s.MaxConnectAttempts = f.MaxConnectAttempts

	var opts []agent.Option
	switch strings.ToLower(strings.TrimSpace(f.Runner)) {
	case "", RunnerLocal:
	case RunnerSSH:
		if f.SSH == nil {
			return agent.ServiceConfig{}, nil, fmt.Errorf("agent config runner=ssh requires an [ssh] table")
		}
		runner := agent.SSHRunner{
			Host:                        f.SSH.Host,
			Port:                        f.SSH.Port,
			User:                        f.SSH.User,
			KeyPath:                     resolvePath(baseDir, f.SSH.KeyPath),
			KnownHostsPath:              resolvePath(baseDir, f.SSH.KnownHostsPath),
			InsecureSkipHostKeyChecking: f.SSH.InsecureSkipHostKeyChecking,
			Timeout:                     f.SSH.Timeout.Std(),
		}
		opts = append(opts, agent.WithRunner(runner))
	default:
		return agent.ServiceConfig{}, nil, fmt.Errorf("agent config unknown runner %q (expected local or ssh)", f.Runner)
	}

	secret, err := f.ResolveSecret(baseDir)
	if err != nil {
		return agent.ServiceConfig{}, nil, err
	}
	cfg.Secret = secret
	return cfg, opts, nil
}

// LoadController loads and resolves a controller config file.
func LoadController(path string) (controller.ServiceConfig, error) {
	f, err := LoadControllerFile(path)
	if err != nil {
		return controller.ServiceConfig{}, err
	}
	return f.Controller(filepath.Dir(path))
}

// LoadAgent loads and resolves an agent config file.
func LoadAgent(path string) (agent.ServiceConfig, []agent.Option, error) {
	f, err := LoadAgentFile(path)
	if err != nil {
		return agent.ServiceConfig{}, nil, err
	}
	return f.Agent(filepath.Dir(path))
}
