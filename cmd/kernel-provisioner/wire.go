//go:build wireinject

package main

import (
	"github.com/google/wire"
	"github.com/spf13/cobra"

	"github.com/otterscale/kernel-provisioner/internal/config"
	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/handler"
	"github.com/otterscale/kernel-provisioner/internal/kernels"
	"github.com/otterscale/kernel-provisioner/internal/metrics"
	"github.com/otterscale/kernel-provisioner/internal/response"
	"github.com/otterscale/kernel-provisioner/internal/server"
)

func wireCmd() (*cobra.Command, func(), error) {
	panic(wire.Build(
		newCmd,
		config.ProviderSet,
	))
}

func wireServer(conf *config.Config) (*server.Server, func(), error) {
	panic(wire.Build(
		provideLogger,
		provideCoreConfig,
		provideResponseManager,
		provideSSHClient,
		provideSpecStore,
		provideManagerOptions,
		wire.Bind(new(core.ResponseBroker), new(*response.Manager)),
		metrics.New,
		kernels.NewManager,
		handler.New,
		server.New,
	))
}
