package docker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/errdefs"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/providers/container"
)

// SwarmAPI is the slice of the Docker client the swarm backend uses.
type SwarmAPI interface {
	ServiceList(ctx context.Context, options types.ServiceListOptions) ([]swarm.Service, error)
	ServiceRemove(ctx context.Context, serviceID string) error
	TaskList(ctx context.Context, options types.TaskListOptions) ([]swarm.Task, error)
}

// SwarmBackend manages one kernel running as a Swarm service.
type SwarmBackend struct {
	container.Base
	api  SwarmAPI
	opts Options

	serviceName string
}

func NewSwarmBackend(api SwarmAPI, opts Options) *SwarmBackend {
	if opts.Network == "" {
		opts.Network = "bridge"
	}
	b := &SwarmBackend{api: api, opts: opts}
	b.Base.Opts = opts.Container
	return b
}

func (b *SwarmBackend) Name() string { return "docker-swarm" }

func (b *SwarmBackend) HasProcess() bool {
	return b.serviceName != "" || (b.P != nil && b.P.HasLocalProc())
}

func (b *SwarmBackend) PreLaunch(_ context.Context, env map[string]string) error {
	if err := b.PrepareEnv(env); err != nil {
		return err
	}
	env["GP_DOCKER_NETWORK"] = b.opts.Network
	env["GP_DOCKER_MODE"] = "swarm"
	return nil
}

func (b *SwarmBackend) Launch(ctx context.Context, cmd []string, env map[string]string) error {
	_, err := b.P.LaunchLocal(ctx, cmd, env, "")
	return err
}

func (b *SwarmBackend) ConfirmStartup(ctx context.Context) error {
	return b.AwaitStartup(ctx, b.status, func(st string) bool {
		switch st {
		case "", "preparing", "starting", "running":
			return false
		}
		return true
	})
}

// status resolves the kernel's service by label, then reads the state
// of its task. The task's overlay address becomes the assigned
// placement once it is running.
func (b *SwarmBackend) status(ctx context.Context) (string, error) {
	service, err := b.findService(ctx)
	if err != nil {
		return "", err
	}
	if service == nil {
		return "", nil
	}
	b.serviceName = service.Spec.Name

	tasks, err := b.api.TaskList(ctx, types.TaskListOptions{
		Filters: filters.NewArgs(
			filters.Arg("service", service.Spec.Name),
			filters.Arg("desired-state", "running"),
		),
	})
	if err != nil {
		return "", &core.ErrTransient{Err: err}
	}
	if len(tasks) == 0 {
		return "", nil
	}

	task := newestTask(tasks)
	status := strings.ToLower(string(task.Status.State))
	if status == "running" {
		if ip := taskIP(task); ip != "" {
			b.P.SetAssigned(service.Spec.Name, ip)
		}
	}
	return status, nil
}

func (b *SwarmBackend) findService(ctx context.Context) (*swarm.Service, error) {
	list, err := b.api.ServiceList(ctx, types.ServiceListOptions{
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
		Message:  fmt.Sprintf("found %d services labeled for this kernel, expected one", len(list)),
	}
}

func newestTask(tasks []swarm.Task) swarm.Task {
	newest := tasks[0]
	for _, task := range tasks[1:] {
		if task.CreatedAt.After(newest.CreatedAt) {
			newest = task
		}
	}
	return newest
}

// taskIP returns the task's first overlay address, stripped of its CIDR
// suffix.
func taskIP(task swarm.Task) string {
	for _, attachment := range task.NetworksAttachments {
		for _, addr := range attachment.Addresses {
			if ip, _, ok := strings.Cut(addr, "/"); ok {
				return ip
			}
			return addr
		}
	}
	return ""
}

func (b *SwarmBackend) Poll(ctx context.Context) (*int, error) {
	st, err := b.status(ctx)
	if err != nil {
		if core.IsTransient(err) {
			return nil, nil
		}
		return nil, err
	}
	switch st {
	case "preparing", "starting", "running":
		return nil, nil
	}
	zero := 0
	return &zero, nil
}

func (b *SwarmBackend) Signal(ctx context.Context, signum int) error {
	return b.SignalViaListener(ctx, signum)
}

func (b *SwarmBackend) Terminate(ctx context.Context, restart bool) error {
	return b.remove(ctx)
}

func (b *SwarmBackend) Kill(ctx context.Context, restart bool) error {
	return b.remove(ctx)
}

// remove deletes the kernel's service. A service that is already gone
// is success.
func (b *SwarmBackend) remove(ctx context.Context) error {
	name := b.serviceName
	if name == "" {
		service, err := b.findService(ctx)
		if err != nil || service == nil {
			return nil
		}
		name = service.Spec.Name
	}

	if err := b.api.ServiceRemove(ctx, name); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("removing service %s: %w", name, err)
	}
	b.serviceName = ""
	return nil
}

func (b *SwarmBackend) OnShutdownRequested(ctx context.Context, restart bool) error {
	return b.remove(ctx)
}

func (b *SwarmBackend) Cleanup(ctx context.Context, restart bool) error {
	err := b.remove(ctx)
	b.P.CloseLocalProcess(false)
	return err
}

func (b *SwarmBackend) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended
}

func (b *SwarmBackend) Info() map[string]any {
	return map[string]any{"service_name": b.serviceName}
}

func (b *SwarmBackend) LoadInfo(info map[string]any) error {
	if v, ok := info["service_name"].(string); ok {
		b.serviceName = v
	}
	return nil
}
