// agentctl runs the linkctl agent: it dials the controller, authenticates
// and serves operations until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/danmuck/linkctl/internal/agent"
	"github.com/danmuck/linkctl/internal/config"
	logs "github.com/danmuck/linkctl/internal/logging"
)

func main() {
	logs.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logs.Errf("agentctl: %v", err)
		os.Exit(1)
	}
}

// options holds the command line. Inline flags may not be combined with
// --config.
type options struct {
	configPath     string
	name           string
	host           string
	secret         string
	secretFile     string
	root           string
	workers        int
	maxAttempts    int
	commandTimeout time.Duration
}

func parseFlags(args []string, out io.Writer) (options, error) {
	var o options
	fs := pflag.NewFlagSet("agentctl", pflag.ContinueOnError)
	fs.SetOutput(out)
	fs.StringVarP(&o.configPath, "config", "c", "", "agent config file (.toml, .yaml, .json, .jsonc)")
	fs.StringVar(&o.name, "name", "", "identity presented to the controller")
	fs.StringVar(&o.host, "host", "", "controller address host:port")
	fs.StringVar(&o.secret, "secret", "", "shared secret")
	fs.StringVar(&o.secretFile, "secret-file", "", "file holding the shared secret")
	fs.StringVar(&o.root, "root", "", "confine uploads and downloads to this directory")
	fs.IntVar(&o.workers, "workers", 0, "threaded command workers (default 4)")
	fs.IntVar(&o.maxAttempts, "max-attempts", 0, "give up after this many failed connects (0: never)")
	fs.DurationVar(&o.commandTimeout, "command-timeout", 0, "per-command timeout, e.g. 30s (default none)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if o.configPath != "" {
		var inline []string
		fs.Visit(func(f *pflag.Flag) {
			if f.Name != "config" {
				inline = append(inline, "--"+f.Name)
			}
		})
		if len(inline) > 0 {
			return options{}, fmt.Errorf("--config cannot be combined with %v", inline)
		}
	}
	return o, nil
}

// resolve turns the command line into a service configuration. Inline
// flags go through the same resolution as a config file.
func (o options) resolve() (agent.ServiceConfig, []agent.Option, error) {
	if o.configPath != "" {
		return config.LoadAgent(o.configPath)
	}
	f := config.AgentFile{
		ClientName:         o.name,
		HostAddress:        o.host,
		FileRoot:           o.root,
		MaxWorkers:         o.workers,
		MaxConnectAttempts: o.maxAttempts,
		CommandTimeout:     config.Duration(o.commandTimeout),
		SecretFields: config.SecretFields{
			Secret:     o.secret,
			SecretFile: o.secretFile,
		},
	}
	return f.Agent("")
}

func run(ctx context.Context, args []string, out io.Writer) error {
	o, err := parseFlags(args, out)
	if err != nil {
		return err
	}
	cfg, opts, err := o.resolve()
	if err != nil {
		return err
	}
	svc := agent.NewService(cfg, opts...)
	return svc.Run(ctx)
}
