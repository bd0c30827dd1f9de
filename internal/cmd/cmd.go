// Package cmd defines the CLI surface of the gateway.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/otterscale/kernel-provisioner/internal/config"
	"github.com/otterscale/kernel-provisioner/internal/server"
)

// ServerInjector builds the fully wired server; see wire.go in the
// main package.
type ServerInjector func() (*server.Server, func(), error)

// NewServerCommand returns the "server" subcommand. Every configuration
// group is exposed as flags so deployments can override the config file
// per invocation.
func NewServerCommand(conf *config.Config, newServer ServerInjector) (*cobra.Command, error) {
	cmd := &cobra.Command{
		Use:     "server",
		Short:   "Start the gateway that launches and manages remote kernels",
		Example: "kernel-provisioner server --address=:8888 --response-port=8877",
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, cleanup, err := newServer()
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}
			defer cleanup()

			return srv.Run(cmd.Context(), server.Config{
				Address:        conf.ServerAddress(),
				AllowedOrigins: conf.ServerAllowedOrigins(),
			})
		},
	}

	for _, options := range [][]config.ConfigOption{
		config.ServerOptions,
		config.KernelOptions,
		config.ResponseOptions,
		config.DistributedOptions,
		config.YarnOptions,
		config.ContainerOptions,
		config.CRDOptions,
		config.KubernetesOptions,
	} {
		if err := conf.BindFlags(cmd.Flags(), options); err != nil {
			return nil, err
		}
	}

	return cmd, nil
}
