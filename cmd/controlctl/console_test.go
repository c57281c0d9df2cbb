package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danmuck/linkctl/internal/agent"
	"github.com/danmuck/linkctl/internal/controller"
	"github.com/danmuck/linkctl/internal/protocol/crypt"
	"github.com/danmuck/linkctl/internal/testutil/testlog"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		line    string
		want    command
		wantErr bool
	}{
		{line: "", want: command{}},
		{line: "   ", want: command{}},
		{line: "ping", want: command{name: "ping", args: []string{}}},
		{line: "PING", want: command{name: "ping", args: []string{}}},
		{line: "upload a.txt /tmp/b.txt", want: command{name: "upload", args: []string{"a.txt", "/tmp/b.txt"}}},
		{line: `upload "my file.txt" 'dst dir/x.bin'`, want: command{name: "upload", args: []string{"my file.txt", "dst dir/x.bin"}}},
		{line: `exec sh -c "echo hi; exit 3"`, want: command{name: "exec", args: []string{"sh", "-c", "echo hi; exit 3"}}},
		{line: `run echo a\ b`, want: command{name: "exec", args: []string{"echo", "a b"}}},
		{line: "spawn sleep 10", want: command{name: "spawn", args: []string{"sleep", "10"}}},
		{line: "exit", want: command{name: "quit", args: []string{}}},
		{line: "exec ''", want: command{name: "exec", args: []string{""}}},
		{line: "upload only-one", wantErr: true},
		{line: "download a b c", wantErr: true},
		{line: "exec", wantErr: true},
		{line: "ping now", wantErr: true},
		{line: "reboot", wantErr: true},
		{line: `exec "unterminated`, wantErr: true},
		{line: `exec trailing\`, wantErr: true},
	}
	for _, tc := range cases {
		got, err := parseCommand(tc.line)
		if tc.wantErr {
			require.Error(t, err, "line %q", tc.line)
			continue
		}
		require.NoError(t, err, "line %q", tc.line)
		require.Equal(t, tc.want, got, "line %q", tc.line)
	}
}

func TestConsoleDrivesAgentSession(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	work := t.TempDir()
	root := filepath.Join(work, "agent")
	local := filepath.Join(work, "hello.txt")
	fetched := filepath.Join(work, "fetched.txt")
	require.NoError(t, os.WriteFile(local, []byte("hello"), 0o644))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	secret := crypt.MustSharedSecret("K1")
	svc := controller.NewService(controller.ServiceConfig{Identity: "agentA", Secret: secret})
	listener := svc.NewListener(ln)

	ag := agent.NewService(agent.ServiceConfig{
		Name:     "agentA",
		HostAddr: ln.Addr().String(),
		Secret:   secret,
		FileRoot: root,
	})
	agentDone := make(chan error, 1)
	go func() { agentDone <- ag.Run(ctx) }()

	input := strings.Join([]string{
		"ping",
		"upload '" + local + "' notes.txt",
		"upload '" + local + "' noext",
		"n",
		"download notes.txt '" + fetched + "'",
		"download missing.txt '" + filepath.Join(work, "nope") + "'",
		`exec sh -c "echo hi"`,
		"spawn true",
		"bogus",
		"status",
		"quit",
	}, "\n") + "\n"

	var out bytes.Buffer
	console := newConsole(strings.NewReader(input), &out, svc.Status)
	require.NoError(t, svc.Serve(ctx, listener, console))

	text := out.String()
	require.Contains(t, text, `session open identity="agentA"`)
	require.Contains(t, text, "pong rtt=")
	require.Contains(t, text, "uploaded 5 bytes to notes.txt")
	require.Contains(t, text, "upload cancelled")
	require.Contains(t, text, "downloaded 5 bytes to "+fetched)
	require.Contains(t, text, "error: fault status=2")
	require.Contains(t, text, "hi\nexit=0")
	require.Contains(t, text, "started true")
	require.Contains(t, text, `unknown command "bogus"`)
	require.Contains(t, text, `"phase": "serving"`)

	data, err := os.ReadFile(filepath.Join(root, "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
	_, err = os.Stat(filepath.Join(root, "noext"))
	require.True(t, os.IsNotExist(err))
	data, err = os.ReadFile(fetched)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))

	cancel()
	require.NoError(t, <-agentDone)
}

func TestConsoleEndsRunAtEndOfInput(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	secret := crypt.MustSharedSecret("K1")
	svc := controller.NewService(controller.ServiceConfig{Identity: "agentA", Secret: secret})
	listener := svc.NewListener(ln)

	ag := agent.NewService(agent.ServiceConfig{Name: "agentA", HostAddr: ln.Addr().String(), Secret: secret, FileRoot: t.TempDir()})
	agentDone := make(chan error, 1)
	go func() { agentDone <- ag.Run(ctx) }()

	var out bytes.Buffer
	console := newConsole(strings.NewReader("help\n"), &out, svc.Status)
	require.NoError(t, svc.Serve(ctx, listener, console))
	require.Contains(t, out.String(), "upload <local> <remote>")
	require.Equal(t, controller.PhaseIdle, svc.Status().Phase)

	cancel()
	require.NoError(t, <-agentDone)
}
