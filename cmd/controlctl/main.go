// controlctl is the operator side of linkctl: it manages named controller
// configs, generates shared secrets and runs the controller with an
// interactive console attached to the accepted agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/danmuck/linkctl/internal/config"
	"github.com/danmuck/linkctl/internal/controller"
	logs "github.com/danmuck/linkctl/internal/logging"
	"github.com/danmuck/linkctl/internal/protocol/crypt"
)

const usage = `usage: controlctl <command> [flags]

commands:
  create <name>                 write a new named config with a fresh secret
  delete <name>                 remove a named config
  run [<name>] [--config path]  listen for the agent and open the console
  keygen [--seal-to age1...]    print (or seal) a new shared secret
  template <controller|agent>   write a commented config template
`

func main() {
	logs.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logs.Errf("controlctl: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, usage)
		return nil
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "create":
		return runCreate(rest, stdout)
	case "delete":
		return runDelete(rest, stdout)
	case "run":
		return runController(ctx, rest, stdin, stdout)
	case "keygen":
		return runKeygen(rest, stdout)
	case "template":
		return runTemplate(rest, stdout)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func newFlagSet(name string, out io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet("controlctl "+name, pflag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// configDir returns the --dir flag value or the default config directory.
func configDir(flagValue string) (string, error) {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue, nil
	}
	return config.DefaultDir()
}

func singleName(fs *pflag.FlagSet, cmd string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s requires exactly one config name", cmd)
	}
	return fs.Arg(0), nil
}

func runCreate(args []string, stdout io.Writer) error {
	fs := newFlagSet("create", stdout)
	dir := fs.String("dir", "", "config directory (default: <executable dir>/config)")
	clientName := fs.String("client-name", "agent", "identity the agent must present")
	bind := fs.String("bind", "", "listen address (default 127.0.0.1:7878)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	name, err := singleName(fs, "create")
	if err != nil {
		return err
	}
	root, err := configDir(*dir)
	if err != nil {
		return err
	}

	cfg, err := config.DefaultControllerFile(name)
	if err != nil {
		return err
	}
	cfg.ClientName = *clientName
	if *bind != "" {
		cfg.BindAddress = *bind
	}
	path, err := config.CreateNamed(root, name, cfg)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "created %s\n", path)
	return nil
}

func runDelete(args []string, stdout io.Writer) error {
	fs := newFlagSet("delete", stdout)
	dir := fs.String("dir", "", "config directory (default: <executable dir>/config)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	name, err := singleName(fs, "delete")
	if err != nil {
		return err
	}
	root, err := configDir(*dir)
	if err != nil {
		return err
	}
	if err := config.DeleteNamed(root, name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "deleted %s\n", name)
	return nil
}

// loadControllerConfig resolves either --config <path> or a named config.
func loadControllerConfig(dir, path string, names []string) (controller.ServiceConfig, error) {
	switch {
	case path != "" && len(names) > 0:
		return controller.ServiceConfig{}, fmt.Errorf("run takes a config name or --config, not both")
	case path != "":
		return config.LoadController(path)
	case len(names) != 1:
		return controller.ServiceConfig{}, fmt.Errorf("run requires a config name or --config")
	}
	root, err := configDir(dir)
	if err != nil {
		return controller.ServiceConfig{}, err
	}
	f, loaded, err := config.LoadNamed(root, names[0])
	if err != nil {
		return controller.ServiceConfig{}, err
	}
	return f.Controller(filepath.Dir(loaded))
}

func runController(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := newFlagSet("run", stdout)
	dir := fs.String("dir", "", "config directory (default: <executable dir>/config)")
	path := fs.String("config", "", "controller config file (.toml, .yaml, .json, .jsonc)")
	admin := fs.String("admin", "", "admin HTTP listen address (overrides admin_listen_addr)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadControllerConfig(*dir, *path, fs.Args())
	if err != nil {
		return err
	}
	if *admin != "" {
		cfg.AdminListenAddr = *admin
	}

	svc := controller.NewService(cfg)
	console := newConsole(stdin, stdout, svc.Status)
	fmt.Fprintf(stdout, "waiting for %q on %s\n", cfg.Identity, cfg.ListenAddr)
	return svc.Run(ctx, console)
}

func runKeygen(args []string, stdout io.Writer) error {
	fs := newFlagSet("keygen", stdout)
	recipients := fs.StringSlice("seal-to", nil, "age recipient(s) to seal the secret to")
	out := fs.String("out", "", "write to this file (mode 0600) instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	secret, err := crypt.GenerateSecret()
	if err != nil {
		return err
	}

	data := []byte(secret + "\n")
	if len(*recipients) > 0 {
		data, err = config.SealSecret(secret, *recipients...)
		if err != nil {
			return err
		}
	}
	if *out == "" {
		_, err = stdout.Write(data)
		return err
	}
	if _, err := os.Stat(*out); err == nil {
		return fmt.Errorf("%w: %s", config.ErrConfigExists, *out)
	}
	if err := os.WriteFile(*out, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", *out, err)
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return nil
}

func runTemplate(args []string, stdout io.Writer) error {
	fs := newFlagSet("template", stdout)
	out := fs.String("out", "", "output path (default: stdout)")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("template requires a kind: controller or agent")
	}
	kind := fs.Arg(0)
	if *out == "" {
		tmpl, err := config.Template(kind)
		if err != nil {
			return err
		}
		_, err = io.WriteString(stdout, tmpl)
		return err
	}
	if err := config.WriteTemplate(*out, kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s template to %s\n", kind, *out)
	return nil
}
