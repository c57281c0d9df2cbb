package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/linkctl/internal/protocol/crypt"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestInlineFlagsResolve(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "k.secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("K1\n"), 0o600))

	var out bytes.Buffer
	o, err := parseFlags([]string{
		"--name", "agentA",
		"--host", "10.0.0.9:7878",
		"--secret-file", secretPath,
		"--root", dir,
		"--workers", "2",
		"--command-timeout", "45s",
	}, &out)
	require.NoError(t, err)

	cfg, opts, err := o.resolve()
	require.NoError(t, err)
	require.Empty(t, opts)
	require.Equal(t, "agentA", cfg.Name)
	require.Equal(t, "10.0.0.9:7878", cfg.HostAddr)
	require.Equal(t, dir, cfg.FileRoot)
	require.Equal(t, 2, cfg.MaxWorkers)
	require.Equal(t, 45*time.Second, cfg.CommandTimeout)
	require.Equal(t, crypt.MustSharedSecret("K1").Fingerprint(), cfg.Secret.Fingerprint())
}

func TestFlagErrors(t *testing.T) {
	var out bytes.Buffer
	_, err := parseFlags([]string{"--config", "a.toml", "--name", "x"}, &out)
	require.Error(t, err)
	_, err = parseFlags([]string{"extra"}, &out)
	require.Error(t, err)

	o, err := parseFlags([]string{"--host", "127.0.0.1:1", "--secret", "K1"}, &out)
	require.NoError(t, err)
	_, _, err = o.resolve()
	require.ErrorContains(t, err, "client_name")

	o, err = parseFlags([]string{"--name", "a", "--secret", "K1", "--secret-file", "k"}, &out)
	require.NoError(t, err)
	_, _, err = o.resolve()
	require.Error(t, err)
}

func TestConfigFileResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("client_name: agentA\nhost_address: 127.0.0.1:7000\nsecret: K1\nfile_root: files\n"), 0o600))

	var out bytes.Buffer
	o, err := parseFlags([]string{"-c", path}, &out)
	require.NoError(t, err)
	cfg, _, err := o.resolve()
	require.NoError(t, err)
	require.Equal(t, "agentA", cfg.Name)
	require.Equal(t, filepath.Join(dir, "files"), cfg.FileRoot)
}

func TestRunGivesUpOnUnreachableController(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var out bytes.Buffer
	err = run(ctx, []string{"--name", "agentA", "--host", addr, "--secret", "K1", "--max-attempts", "1"}, &out)
	require.ErrorContains(t, err, "giving up after 1 attempts")
}

func TestRunStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	require.NoError(t, run(ctx, []string{"--name", "agentA", "--host", "127.0.0.1:1", "--secret", "K1"}, &out))
}
