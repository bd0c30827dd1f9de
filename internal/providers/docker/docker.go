// Package docker launches kernels as Docker containers and Swarm
// services. The launch command runs locally and creates the container;
// the backend discovers it through the kernel_id label and manages its
// lifecycle through the Docker API.
package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/providers/container"
)

// kernelIDLabel is the label every launcher stamps on the containers
// and services it creates.
const kernelIDLabel = "kernel_id"

// ContainerAPI is the slice of the Docker client the container backend
// uses.
type ContainerAPI interface {
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
}

// Options configures the Docker backend.
type Options struct {
	Container container.Options
	// Network is the Docker network kernels attach to.
	Network string
}

// Backend manages one kernel container.
type Backend struct {
	container.Base
	api  ContainerAPI
	opts Options

	containerName string
}

func NewBackend(api ContainerAPI, opts Options) *Backend {
	if opts.Network == "" {
		opts.Network = "bridge"
	}
	b := &Backend{api: api, opts: opts}
	b.Base.Opts = opts.Container
	return b
}

func (b *Backend) Name() string { return "docker" }

func (b *Backend) HasProcess() bool {
	return b.containerName != "" || (b.P != nil && b.P.HasLocalProc())
}

func (b *Backend) PreLaunch(_ context.Context, env map[string]string) error {
	if err := b.PrepareEnv(env); err != nil {
		return err
	}
	env["GP_DOCKER_NETWORK"] = b.opts.Network
	env["GP_DOCKER_MODE"] = "docker"
	return nil
}

// Launch spawns the launcher locally; the launcher creates the labeled
// container.
func (b *Backend) Launch(ctx context.Context, cmd []string, env map[string]string) error {
	_, err := b.P.LaunchLocal(ctx, cmd, env, "")
	return err
}

func (b *Backend) ConfirmStartup(ctx context.Context) error {
	return b.AwaitStartup(ctx, b.status, func(st string) bool {
		switch st {
		case "", "created", "running":
			return false
		}
		return true
	})
}

// status finds the kernel's container by label. No match yet is the
// empty status; more than one match breaks the one-container-per-kernel
// invariant. When the container is up its address becomes the assigned
// placement.
func (b *Backend) status(ctx context.Context) (string, error) {
	summary, err := b.find(ctx)
	if err != nil {
		return "", err
	}
	if summary == nil {
		return "", nil
	}

	name := strings.TrimPrefix(firstName(summary), "/")
	b.containerName = name

	status := strings.ToLower(string(summary.State))
	if status == "running" {
		if ip := b.networkIP(summary); ip != "" {
			b.P.SetAssigned(name, ip)
		}
	}
	return status, nil
}

func (b *Backend) find(ctx context.Context) (*containertypes.Summary, error) {
	list, err := b.api.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", kernelIDLabel+"="+b.P.KernelID())),
	})
	if err != nil {
		return nil, &core.ErrTransient{Err: err}
	}
	switch len(list) {
	case 0:
		return nil, nil
	case 1:
		return &list[0], nil
	}
	return nil, &core.ErrInvariant{
		KernelID: b.P.KernelID(),
		Message:  fmt.Sprintf("found %d containers labeled for this kernel, expected one", len(list)),
	}
}

func firstName(summary *containertypes.Summary) string {
	if len(summary.Names) > 0 {
		return summary.Names[0]
	}
	return summary.ID
}

func (b *Backend) networkIP(summary *containertypes.Summary) string {
	if summary.NetworkSettings == nil {
		return ""
	}
	if ep, ok := summary.NetworkSettings.Networks[b.opts.Network]; ok && ep != nil {
		return ep.IPAddress
	}
	for _, ep := range summary.NetworkSettings.Networks {
		if ep != nil && ep.IPAddress != "" {
			return ep.IPAddress
		}
	}
	return ""
}

// Poll reports the kernel gone once its container left the live states.
func (b *Backend) Poll(ctx context.Context) (*int, error) {
	st, err := b.status(ctx)
	if err != nil {
		if core.IsTransient(err) {
			return nil, nil
		}
		return nil, err
	}
	switch st {
	case "created", "running":
		return nil, nil
	}
	zero := 0
	return &zero, nil
}

func (b *Backend) Signal(ctx context.Context, signum int) error {
	return b.SignalViaListener(ctx, signum)
}

func (b *Backend) Terminate(ctx context.Context, restart bool) error {
	return b.remove(ctx)
}

func (b *Backend) Kill(ctx context.Context, restart bool) error {
	return b.remove(ctx)
}

// remove force-removes the container. A container that is already gone
// is success.
func (b *Backend) remove(ctx context.Context) error {
	name := b.containerName
	if name == "" {
		summary, err := b.find(ctx)
		if err != nil || summary == nil {
			return nil
		}
		name = strings.TrimPrefix(firstName(summary), "/")
	}

	err := b.api.ContainerRemove(ctx, name, containertypes.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing container %s: %w", name, err)
	}
	b.containerName = ""
	return nil
}

// OnShutdownRequested removes the container as soon as the client asks
// for a graceful shutdown so the launcher inside it does not linger.
func (b *Backend) OnShutdownRequested(ctx context.Context, restart bool) error {
	return b.remove(ctx)
}

func (b *Backend) Cleanup(ctx context.Context, restart bool) error {
	err := b.remove(ctx)
	b.P.CloseLocalProcess(false)
	return err
}

func (b *Backend) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended
}

func (b *Backend) Info() map[string]any {
	return map[string]any{"container_name": b.containerName}
}

func (b *Backend) LoadInfo(info map[string]any) error {
	if v, ok := info["container_name"].(string); ok {
		b.containerName = v
	}
	return nil
}
