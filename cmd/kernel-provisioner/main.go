// Package main is the entry point for the kernel-provisioner binary.
// The server subcommand runs the gateway: a kernels REST API backed by
// placement backends for SSH-distributed hosts, YARN, Docker, Swarm,
// Kubernetes, and custom resources.
//
// Dependencies are assembled via Google Wire; see wire.go.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/otterscale/kernel-provisioner/internal/cmd"
	"github.com/otterscale/kernel-provisioner/internal/config"
	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/kernels"
	"github.com/otterscale/kernel-provisioner/internal/providers"
	"github.com/otterscale/kernel-provisioner/internal/response"
	"github.com/otterscale/kernel-provisioner/internal/server"
	"github.com/otterscale/kernel-provisioner/internal/specs"
	"github.com/otterscale/kernel-provisioner/internal/ssh"
)

// version is injected at build time via -ldflags
// (e.g. -ldflags "-X main.version=v1.2.3").
var version = "devel"

func main() {
	// Cancel on SIGINT (Ctrl+C) or SIGTERM (container runtime).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		// Cobra is configured with SilenceErrors: true, so we
		// print the error here for consistent formatting.
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run wires all dependencies and executes the root Cobra command.
func run(ctx context.Context) error {
	rootCmd, cleanup, err := wireCmd()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	defer cleanup()

	return rootCmd.ExecuteContext(ctx)
}

// newCmd is a Wire provider that constructs the root Cobra command and
// registers the server subcommand.
func newCmd(conf *config.Config) (*cobra.Command, error) {
	c := &cobra.Command{
		Use:           "kernel-provisioner",
		Short:         "Gateway for provisioning Jupyter kernels across remote resources",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverCmd, err := cmd.NewServerCommand(conf, func() (*server.Server, func(), error) {
		return wireServer(conf)
	})
	if err != nil {
		return nil, err
	}

	c.AddCommand(serverCmd)

	return c, nil
}

// provideLogger installs the process-wide structured logger, verbose
// when debug is enabled.
func provideLogger(conf *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if conf.ServerDebugEnabled() {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return log
}

// provideCoreConfig resolves the per-kernel provisioner settings.
func provideCoreConfig(conf *config.Config) (core.Config, error) {
	portRange, err := core.ParsePortRange(conf.PortRange())
	if err != nil {
		return core.Config{}, err
	}
	return core.Config{
		AuthorizedUsers:   conf.AuthorizedUsers(),
		UnauthorizedUsers: conf.UnauthorizedUsers(),
		PortRange:         portRange,
		LaunchTimeout:     conf.LaunchTimeout(),
		PollInterval:      conf.PollInterval(),
		MaxPollAttempts:   conf.MaxPollAttempts(),
		SocketTimeout:     conf.SocketTimeout(),
		TunnelingEnabled:  conf.TunnelingEnabled(),
	}, nil
}

// provideResponseManager binds the listener kernels report back to.
// The cleanup closes the listener on teardown.
func provideResponseManager(conf *config.Config, log *slog.Logger) (*response.Manager, func(), error) {
	opts := response.Options{
		Port:          conf.ResponsePort(),
		PortRetries:   conf.ResponsePortRetries(),
		ProhibitedIPs: conf.ProhibitedLocalIPs(),
	}
	if !conf.ResponseAddrAny() {
		opts.IP = conf.ResponseIP()
	}
	m, err := response.New(opts, log)
	if err != nil {
		return nil, nil, err
	}
	return m, func() { _ = m.Close() }, nil
}

func provideSSHClient(conf *config.Config, log *slog.Logger) *ssh.Client {
	return ssh.New(ssh.Options{
		Port:     conf.SSHPort(),
		User:     conf.RemoteUser(),
		Password: conf.RemotePwd(),
		UseAgent: conf.RemoteGSSSSH(),
	}, log)
}

func provideSpecStore(conf *config.Config) *specs.Store {
	return specs.NewStore(conf.KernelSpecDirs())
}

// provideManagerOptions assembles the backend factories and the tunnel
// constructor into the manager's options.
func provideManagerOptions(conf *config.Config, sshClient *ssh.Client, log *slog.Logger) (kernels.Options, error) {
	factories, err := providers.New(conf, sshClient, log)
	if err != nil {
		return kernels.Options{}, err
	}
	tunnels, err := providers.NewTunnelFactory(conf, sshClient, log)
	if err != nil {
		return kernels.Options{}, err
	}
	return kernels.Options{
		DefaultBackend: conf.DefaultBackend(),
		Factories:      factories,
		Tunnels:        tunnels,
	}, nil
}
