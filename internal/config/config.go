// Package config loads controller and agent configuration files and turns
// them into the immutable values the services are built from.
//
// The format follows the file extension: .toml, .yaml/.yml, .json or
// .jsonc. Unknown keys are rejected in every format.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

var ErrUnsupportedFormat = errors.New("config: unsupported file format")

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}

// SecretFields are the mutually exclusive ways to supply the shared secret.
type SecretFields struct {
	Secret           string `toml:"secret,omitempty" yaml:"secret" json:"secret"`
	SecretFile       string `toml:"secret_file,omitempty" yaml:"secret_file" json:"secret_file"`
	SealedSecretFile string `toml:"sealed_secret_file,omitempty" yaml:"sealed_secret_file" json:"sealed_secret_file"`
	AgeIdentityFile  string `toml:"age_identity_file,omitempty" yaml:"age_identity_file" json:"age_identity_file"`
}

// ControllerFile is the on-disk controller configuration.
type ControllerFile struct {
	Name             string   `toml:"name,omitempty" yaml:"name" json:"name"`
	BindAddress      string   `toml:"bind_address" yaml:"bind_address" json:"bind_address"`
	ClientName       string   `toml:"client_name" yaml:"client_name" json:"client_name"`
	HandshakeTimeout Duration `toml:"handshake_timeout,omitempty" yaml:"handshake_timeout" json:"handshake_timeout"`
	OperationTimeout Duration `toml:"operation_timeout,omitempty" yaml:"operation_timeout" json:"operation_timeout"`
	MaxFrameBytes    uint32   `toml:"max_frame_bytes,omitempty" yaml:"max_frame_bytes" json:"max_frame_bytes"`
	AdminListenAddr  string   `toml:"admin_listen_addr,omitempty" yaml:"admin_listen_addr" json:"admin_listen_addr"`
	SecretFields     `yaml:",inline"`
}

// SSHFile configures the optional SSH process runner.
type SSHFile struct {
	Host                        string   `toml:"host" yaml:"host" json:"host"`
	Port                        string   `toml:"port" yaml:"port" json:"port"`
	User                        string   `toml:"user" yaml:"user" json:"user"`
	KeyPath                     string   `toml:"key_path" yaml:"key_path" json:"key_path"`
	KnownHostsPath              string   `toml:"known_hosts_path" yaml:"known_hosts_path" json:"known_hosts_path"`
	InsecureSkipHostKeyChecking bool     `toml:"insecure_skip_host_key_checking" yaml:"insecure_skip_host_key_checking" json:"insecure_skip_host_key_checking"`
	Timeout                     Duration `toml:"timeout" yaml:"timeout" json:"timeout"`
}

// AgentFile is the on-disk agent configuration.
type AgentFile struct {
	ClientName         string   `toml:"client_name" yaml:"client_name" json:"client_name"`
	HostAddress        string   `toml:"host_address" yaml:"host_address" json:"host_address"`
	ConnectTimeout     Duration `toml:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
	HandshakeTimeout   Duration `toml:"handshake_timeout" yaml:"handshake_timeout" json:"handshake_timeout"`
	MaxFrameBytes      uint32   `toml:"max_frame_bytes" yaml:"max_frame_bytes" json:"max_frame_bytes"`
	BackoffInitial     Duration `toml:"backoff_initial" yaml:"backoff_initial" json:"backoff_initial"`
	BackoffMax         Duration `toml:"backoff_max" yaml:"backoff_max" json:"backoff_max"`
	BackoffMultiplier  float64  `toml:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier"`
	NoJitter           bool     `toml:"no_jitter" yaml:"no_jitter" json:"no_jitter"`
	MaxConnectAttempts int      `toml:"max_connect_attempts" yaml:"max_connect_attempts" json:"max_connect_attempts"`
	FileRoot           string   `toml:"file_root" yaml:"file_root" json:"file_root"`
	MaxWorkers         int      `toml:"max_workers" yaml:"max_workers" json:"max_workers"`
	CommandTimeout     Duration `toml:"command_timeout" yaml:"command_timeout" json:"command_timeout"`
	Runner             string   `toml:"runner" yaml:"runner" json:"runner"`
	SSH                *SSHFile `toml:"ssh" yaml:"ssh" json:"ssh"`
	SecretFields       `yaml:",inline"`
}

// LoadControllerFile decodes a controller configuration file.
func LoadControllerFile(path string) (ControllerFile, error) {
	var cfg ControllerFile
	if err := decodeFile(path, &cfg); err != nil {
		return ControllerFile{}, err
	}
	return cfg, nil
}

// LoadAgentFile decodes an agent configuration file.
func LoadAgentFile(path string) (AgentFile, error) {
	var cfg AgentFile
	if err := decodeFile(path, &cfg); err != nil {
		return AgentFile{}, err
	}
	return cfg, nil
}

func decodeFile(path string, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return decodeTOML(path, out)
	case ".yaml", ".yml":
		return decodeYAML(path, out)
	case ".json", ".jsonc":
		return decodeJSONC(path, out)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

func decodeTOML(path string, out any) error {
	meta, err := toml.DecodeFile(path, out)
	if err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return fmt.Errorf("config parse failed (%s): unknown keys %s", path, strings.Join(keys, ", "))
	}
	return nil
}

func decodeYAML(path string, out any) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func decodeJSONC(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
