package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/danmuck/linkctl/internal/controller"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol"
)

const consoleHelp = `commands:
  ping                        round trip to the agent
  upload <local> <remote>     send a local file to the agent
  download <remote> <local>   fetch a file from the agent
  exec <argv...>              run a command and wait for its output
  spawn <argv...>             start a command on an agent worker
  status                      show controller and session state
  help                        this list
  quit                        close the session and exit
`

var errQuit = errors.New("quit")

// command is one parsed console line.
type command struct {
	name string
	args []string
}

var commandArity = map[string]struct{ min, max int }{
	"ping":     {0, 0},
	"upload":   {2, 2},
	"download": {2, 2},
	"exec":     {1, -1},
	"spawn":    {1, -1},
	"status":   {0, 0},
	"help":     {0, 0},
	"quit":     {0, 0},
}

// parseCommand splits a console line and checks the argument count.
// A blank line parses to the zero command.
func parseCommand(line string) (command, error) {
	fields, err := splitArgs(line)
	if err != nil {
		return command{}, err
	}
	if len(fields) == 0 {
		return command{}, nil
	}
	name := strings.ToLower(fields[0])
	switch name {
	case "exit", "q":
		name = "quit"
	case "run":
		name = "exec"
	case "?":
		name = "help"
	}
	arity, ok := commandArity[name]
	if !ok {
		return command{}, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	args := fields[1:]
	if len(args) < arity.min || (arity.max >= 0 && len(args) > arity.max) {
		return command{}, fmt.Errorf("%s: wrong number of arguments (try help)", name)
	}
	return command{name: name, args: args}, nil
}

// splitArgs splits on whitespace, honouring single and double quotes and
// backslash escapes outside single quotes.
func splitArgs(line string) ([]string, error) {
	var (
		out     []string
		cur     strings.Builder
		inToken bool
		quote   rune
		escaped bool
	)
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inToken = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				out = append(out, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if escaped {
		return nil, fmt.Errorf("trailing backslash")
	}
	if inToken {
		out = append(out, cur.String())
	}
	return out, nil
}

// console is the interactive operator. It outlives individual sessions:
// after a lost connection the controller listens again and the same
// console picks up the next session.
type console struct {
	lines  <-chan string
	out    io.Writer
	status func() controller.Status
}

func newConsole(in io.Reader, out io.Writer, status func() controller.Status) *console {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	return &console{lines: lines, out: out, status: status}
}

func (c *console) prompt(label string) {
	fmt.Fprint(c.out, label)
}

// next returns the next input line; ok is false at end of input or when
// ctx is done.
func (c *console) next(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-c.lines:
		return line, ok
	}
}

// Serve implements controller.Operator.
func (c *console) Serve(ctx context.Context, sess *controller.Session) error {
	fmt.Fprintf(c.out, "session open identity=%q remote=%s (type help)\n", sess.Identity(), sess.RemoteAddr())
	for {
		c.prompt("linkctl> ")
		line, ok := c.next(ctx)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return nil
		}
		cmd, err := parseCommand(line)
		if err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
			continue
		}
		if cmd.name == "" {
			continue
		}

		err = c.dispatch(ctx, sess, cmd)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return nil
		case protocol.IsChannelFatal(err):
			fmt.Fprintf(c.out, "connection lost: %v\n", err)
			return err
		default:
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
}

func (c *console) dispatch(ctx context.Context, sess *controller.Session, cmd command) error {
	logs.Debugf("controlctl.console.dispatch cmd=%s args=%d", cmd.name, len(cmd.args))
	switch cmd.name {
	case "ping":
		rtt, err := sess.Ping(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "pong rtt=%s\n", rtt)
	case "upload":
		return c.upload(ctx, sess, cmd.args[0], cmd.args[1])
	case "download":
		data, err := sess.Download(ctx, cmd.args[0])
		if err != nil {
			return err
		}
		if err := os.WriteFile(cmd.args[1], data, 0o644); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "downloaded %d bytes to %s\n", len(data), cmd.args[1])
	case "exec":
		out, err := sess.Command(ctx, cmd.args...)
		_, _ = c.out.Write(out.Stdout)
		if len(out.Stderr) > 0 {
			fmt.Fprintf(c.out, "stderr:\n%s", out.Stderr)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "exit=%d\n", out.ExitCode)
	case "spawn":
		if err := sess.ThreadedCommand(ctx, cmd.args...); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "started %s\n", cmd.args[0])
	case "status":
		data, err := json.MarshalIndent(c.status(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s\n", data)
	case "help":
		fmt.Fprint(c.out, consoleHelp)
	case "quit":
		return errQuit
	}
	return nil
}

// upload asks for confirmation before writing to a remote path without an
// extension.
func (c *console) upload(ctx context.Context, sess *controller.Session, local, remote string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	if filepath.Ext(remote) == "" {
		c.prompt(fmt.Sprintf("remote path %q has no extension, upload anyway? [y/N] ", remote))
		answer, ok := c.next(ctx)
		if !ok {
			return ctx.Err()
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
		default:
			fmt.Fprintln(c.out, "upload cancelled")
			return nil
		}
	}
	if err := sess.Upload(ctx, remote, data); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "uploaded %d bytes to %s\n", len(data), remote)
	return nil
}
