// Package kernels tracks the set of live kernels: it resolves specs to
// backends, assigns kernel ids, drives launches, and walks the
// terminate-wait-kill escalation on shutdown.
package kernels

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/metrics"
	"github.com/otterscale/kernel-provisioner/internal/specs"
)

// BackendFactory builds a fresh backend instance for one kernel.
// Backends hold per-kernel state, so instances are never shared.
type BackendFactory func(kernelID string) (core.Backend, error)

// TunnelFactory builds the tunnel supervisor for one kernel, nil when
// tunneling is disabled.
type TunnelFactory func(kernelID string) core.Tunneler

// Kernel is one tracked kernel and the provisioner driving it.
type Kernel struct {
	ID        string
	SpecName  string
	Backend   string
	StartedAt time.Time

	env map[string]string
	p   *core.Provisioner
}

func (k *Kernel) State() core.State                   { return k.p.State() }
func (k *Kernel) ConnectionInfo() core.ConnectionInfo { return k.p.ConnectionInfo() }

// Options configures the manager.
type Options struct {
	// DefaultBackend is used when a spec names no backend.
	DefaultBackend string
	// Factories maps backend names to their constructors.
	Factories map[string]BackendFactory
	// Tunnels is consulted per kernel, nil disables tunneling.
	Tunnels TunnelFactory
}

// Manager owns the kernel registry. All operations are safe for
// concurrent use; per-kernel lifecycle serialization lives in the
// provisioner itself.
type Manager struct {
	log     *slog.Logger
	cfg     core.Config
	store   *specs.Store
	broker  core.ResponseBroker
	opts    Options
	metrics *metrics.Metrics

	mu      sync.RWMutex
	kernels map[string]*Kernel
}

func NewManager(store *specs.Store, broker core.ResponseBroker, cfg core.Config, opts Options, m *metrics.Metrics, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log,
		cfg:     cfg,
		store:   store,
		broker:  broker,
		opts:    opts,
		metrics: m,
		kernels: map[string]*Kernel{},
	}
}

// Specs lists the kernel spec names available for launch.
func (m *Manager) Specs() []string { return m.store.List() }

// Start launches a kernel from the named spec, merging env over the
// spec's own environment, and returns it once it is running.
func (m *Manager) Start(ctx context.Context, specName string, env map[string]string) (*Kernel, error) {
	spec, backendName, err := m.store.Get(specName)
	if err != nil {
		return nil, err
	}
	if backendName == "" {
		backendName = m.opts.DefaultBackend
	}
	if _, ok := m.opts.Factories[backendName]; !ok {
		return nil, &core.ErrConfig{Option: "kernel.default_backend", Message: "unknown backend " + backendName}
	}

	kernelID := uuid.NewString()
	k := &Kernel{
		ID:       kernelID,
		SpecName: specName,
		Backend:  backendName,
		env:      cloneEnv(env),
	}
	if err := m.launch(ctx, k, spec); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.kernels[kernelID] = k
	m.mu.Unlock()
	m.log.Info("kernel started", "kernel_id", kernelID, "spec", specName, "backend", backendName)
	return k, nil
}

// launch builds a fresh provisioner for k and runs it to the running
// state. Used by Start and again by Restart with the same kernel id.
func (m *Manager) launch(ctx context.Context, k *Kernel, spec core.KernelSpec) error {
	backend, err := m.opts.Factories[k.Backend](k.ID)
	if err != nil {
		return err
	}
	var tunnels core.Tunneler
	if m.opts.Tunnels != nil {
		tunnels = m.opts.Tunnels(k.ID)
	}
	p, err := core.NewProvisioner(k.ID, spec, backend, m.broker, tunnels, m.cfg, m.log)
	if err != nil {
		return err
	}

	m.metrics.LaunchStarted(ctx, k.Backend)
	start := time.Now()
	if _, err := p.StartKernel(ctx, cloneEnv(k.env)); err != nil {
		m.metrics.LaunchFailed(ctx, k.Backend)
		p.Cleanup(ctx, false)
		return err
	}
	m.metrics.KernelStarted(ctx, k.Backend, time.Since(start))
	k.p = p
	k.StartedAt = start
	return nil
}

// Get returns the tracked kernel.
func (m *Manager) Get(kernelID string) (*Kernel, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kernels[kernelID]
	if !ok {
		return nil, &core.ErrKernelNotFound{KernelID: kernelID}
	}
	return k, nil
}

// List returns the tracked kernels ordered by start time.
func (m *Manager) List() []*Kernel {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Kernel, 0, len(m.kernels))
	for _, k := range m.kernels {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Interrupt delivers SIGINT to the kernel.
func (m *Manager) Interrupt(ctx context.Context, kernelID string) error {
	k, err := m.Get(kernelID)
	if err != nil {
		return err
	}
	return k.p.SendSignal(ctx, int(syscall.SIGINT))
}

// Shutdown stops the kernel gracefully, escalating to kill when it
// outlives its grace period, and drops it from the registry.
func (m *Manager) Shutdown(ctx context.Context, kernelID string) error {
	k, err := m.Get(kernelID)
	if err != nil {
		return err
	}
	m.stop(ctx, k, false)

	m.mu.Lock()
	delete(m.kernels, kernelID)
	m.mu.Unlock()
	m.metrics.KernelStopped(ctx, k.Backend)
	m.log.Info("kernel shut down", "kernel_id", kernelID)
	return nil
}

// Restart stops the kernel and launches a replacement under the same
// id, so clients keep their handle across the restart.
func (m *Manager) Restart(ctx context.Context, kernelID string) error {
	k, err := m.Get(kernelID)
	if err != nil {
		return err
	}
	spec, _, err := m.store.Get(k.SpecName)
	if err != nil {
		return err
	}

	m.stop(ctx, k, true)
	m.metrics.KernelStopped(ctx, k.Backend)
	if err := m.launch(ctx, k, spec); err != nil {
		m.mu.Lock()
		delete(m.kernels, kernelID)
		m.mu.Unlock()
		return err
	}
	m.log.Info("kernel restarted", "kernel_id", kernelID)
	return nil
}

// ShutdownAll stops every tracked kernel, used on server teardown.
func (m *Manager) ShutdownAll(ctx context.Context) {
	for _, k := range m.List() {
		if err := m.Shutdown(ctx, k.ID); err != nil {
			m.log.Warn("kernel shutdown failed", "kernel_id", k.ID, "error", err)
		}
	}
}

// stop walks the escalation: ask the launcher to shut down, terminate
// through the backend, wait out the grace period, then kill whatever
// is left. Cleanup runs regardless of how the kernel went down.
func (m *Manager) stop(ctx context.Context, k *Kernel, restart bool) {
	p := k.p
	p.ShutdownRequested(ctx, restart)
	if err := p.Terminate(ctx, restart); err != nil {
		m.log.Warn("terminate failed", "kernel_id", k.ID, "error", err)
	}
	if !m.awaitExit(ctx, p) {
		m.log.Warn("kernel outlived its grace period, killing", "kernel_id", k.ID)
		if err := p.Kill(ctx, restart); err != nil {
			m.log.Warn("kill failed", "kernel_id", k.ID, "error", err)
		}
		m.awaitExit(ctx, p)
	}
	p.Cleanup(ctx, restart)
}

// awaitExit polls until the kernel reports gone or the backend's grace
// period elapses.
func (m *Manager) awaitExit(ctx context.Context, p *core.Provisioner) bool {
	grace := p.ShutdownWaitTime(m.cfg.PollInterval * time.Duration(m.cfg.MaxPollAttempts))
	deadline := time.Now().Add(grace)
	for {
		code, err := p.Poll(ctx)
		if err != nil {
			m.log.Warn("poll during shutdown", "kernel_id", p.KernelID(), "error", err)
		}
		if code != nil {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
