package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/danmuck/linkctl/internal/protocol/crypt"
)

var (
	ErrConfigExists  = errors.New("config: named config already exists")
	ErrInvalidName   = errors.New("config: invalid config name")
	ErrConfigMissing = errors.New("config: named config not found")
)

// DefaultDir is the config/ directory next to the running executable.
func DefaultDir() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("config: locate executable: %w", err)
	}
	return filepath.Join(filepath.Dir(exe), "config"), nil
}

// NamedPath returns dir/<name>.toml after checking name is a plain file name.
func NamedPath(dir, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(dir, name+".toml"), nil
}

// DefaultControllerFile returns a fresh controller config with a newly
// generated secret.
func DefaultControllerFile(name string) (ControllerFile, error) {
	secret, err := crypt.GenerateSecret()
	if err != nil {
		return ControllerFile{}, err
	}
	return ControllerFile{
		Name:         name,
		BindAddress:  "127.0.0.1:7878",
		ClientName:   "agent",
		SecretFields: SecretFields{Secret: secret},
	}, nil
}

// CreateNamed writes cfg as dir/<name>.toml. An existing file is left alone.
func CreateNamed(dir, name string, cfg ControllerFile) (string, error) {
	path, err := NamedPath(dir, name)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%w: %s", ErrConfigExists, path)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("config: encode %s: %w", name, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("config: create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("config: write %s: %w", path, err)
	}
	return path, nil
}

// DeleteNamed removes dir/<name>.toml.
func DeleteNamed(dir, name string) error {
	path, err := NamedPath(dir, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigMissing, path)
		}
		return fmt.Errorf("config: delete %s: %w", path, err)
	}
	return nil
}

// LoadNamed loads and resolves dir/<name>.toml.
func LoadNamed(dir, name string) (ControllerFile, string, error) {
	path, err := NamedPath(dir, name)
	if err != nil {
		return ControllerFile{}, "", err
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return ControllerFile{}, "", fmt.Errorf("%w: %s", ErrConfigMissing, path)
	}
	f, err := LoadControllerFile(path)
	if err != nil {
		return ControllerFile{}, "", err
	}
	return f, path, nil
}
