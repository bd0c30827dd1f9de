package yarn

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

// Application lifecycle states as reported by the resource manager.
var (
	initialStates = []string{"NEW", "SUBMITTED", "ACCEPTED", "RUNNING"}
	finalStates   = []string{"FINISHED", "KILLED", "FAILED"}
)

// maxQueueCapacity is the inclusive used-capacity percentage up to
// which a submission proceeds.
const maxQueueCapacity = 95.0

// minShutdownWait is the floor for the terminate-to-kill grace period;
// YARN teardown involves the application master and cannot complete in
// the few seconds local processes need.
const minShutdownWait = 15 * time.Second

// Options configures the YARN backend.
type Options struct {
	// Endpoint of the resource manager REST API.
	Endpoint string
	// KernelLogDir holds the local submission logs.
	KernelLogDir string
	// ImpersonationEnabled asks the launcher to submit the application
	// as KERNEL_USERNAME rather than the gateway user.
	ImpersonationEnabled bool
}

// Backend manages one kernel running as a YARN application. The launch
// command submits the application from this host; discovery matches the
// application whose name carries the kernel id.
type Backend struct {
	p      *core.Provisioner
	client *Client
	opts   Options

	appID       string
	submittedAt time.Time
}

func NewBackend(client *Client, opts Options) *Backend {
	if opts.KernelLogDir == "" {
		opts.KernelLogDir = "/tmp"
	}
	return &Backend{client: client, opts: opts}
}

func (b *Backend) Name() string             { return "yarn" }
func (b *Backend) Bind(p *core.Provisioner) { b.p = p }

func (b *Backend) HasProcess() bool {
	return b.appID != "" || (b.p != nil && b.p.HasLocalProc())
}

func (b *Backend) PreLaunch(_ context.Context, env map[string]string) error {
	env["GP_YARN_ENDPOINT"] = b.opts.Endpoint
	env["GP_IMPERSONATION_ENABLED"] = strconv.FormatBool(b.opts.ImpersonationEnabled)
	return nil
}

// Launch verifies queue headroom, then submits the application by
// spawning the launch command locally. Time spent waiting on the queue
// is charged against the launch budget.
func (b *Backend) Launch(ctx context.Context, cmd []string, env map[string]string) error {
	if queueName := env["KERNEL_QUEUE"]; queueName != "" {
		if err := b.confirmQueueAvailability(ctx, queueName); err != nil {
			return err
		}
	}

	b.submittedAt = time.Now()
	logPath := filepath.Join(b.opts.KernelLogDir, fmt.Sprintf("kernel-%s.log", b.p.KernelID()))
	_, err := b.p.LaunchLocal(ctx, cmd, env, logPath)
	return err
}

// confirmQueueAvailability polls the queue's used capacity until it
// drops to the admission threshold, bounded by a fifth of the launch
// timeout. The wait is subtracted from the remaining launch budget so
// a congested queue cannot double the effective timeout.
func (b *Backend) confirmQueueAvailability(ctx context.Context, queueName string) error {
	deadline := b.p.LaunchTimeout() / 5
	interval := b.p.Settings().PollInterval
	start := time.Now()

	for {
		used, err := b.client.QueueUsedCapacity(ctx, queueName)
		if err != nil {
			b.p.Logger().Warn("queue capacity check failed", "queue", queueName, "error", err)
		} else if used <= maxQueueCapacity {
			b.p.ReduceLaunchTimeout(time.Since(start))
			return nil
		} else {
			b.p.Logger().Debug("queue over capacity, waiting",
				"queue", queueName, "used_capacity", used)
		}

		if time.Since(start) >= deadline {
			return &core.ErrLaunchTimeout{
				KernelID: b.p.KernelID(),
				Reason:   fmt.Sprintf("queue %q exceeded %.0f%% capacity for %s", queueName, maxQueueCapacity, deadline),
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// ConfirmStartup tracks the submitted application and waits for the
// kernel's connection info. An application that reaches a final state
// before reporting back is a failed launch.
func (b *Backend) ConfirmStartup(ctx context.Context) error {
	b.p.StartTimer()
	for {
		app, err := b.application(ctx, append(initialStates, finalStates...))
		if err != nil {
			b.p.Logger().Warn("application lookup failed", "error", err)
		} else if app != nil {
			b.appID = app.ID
			if isFinal(app.State) {
				return &core.ErrLaunchFailed{
					KernelID: b.p.KernelID(),
					Host:     b.p.AssignedHost(),
					Reason: fmt.Sprintf("application %s reached state %s (final status %s) before startup completed",
						app.ID, app.State, app.FinalStatus),
				}
			}
			if app.State == "RUNNING" {
				b.recordPlacement(app)
			}
		}

		done, err := b.p.ReceiveConnectionInfo(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := b.p.DetectLaunchFailure(); err != nil {
			return err
		}
		if err := b.p.HandleLaunchTimeout(ctx); err != nil {
			return err
		}
	}
}

// recordPlacement derives the kernel host from the application master
// address, "host:port" with the host resolved to an address when DNS
// cooperates.
func (b *Backend) recordPlacement(app *Application) {
	host := app.AMHostHTTPAddress
	if i := strings.Index(host, ":"); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return
	}
	ip := host
	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		ip = addrs[0]
	}
	b.p.SetAssigned(host, ip)
}

// application narrows discovery to applications started after this
// submission so stale runs with the same name cannot match.
func (b *Backend) application(ctx context.Context, states []string) (*Application, error) {
	return b.client.ApplicationByName(ctx, b.p.KernelID(), states, b.submittedAt)
}

func isFinal(state string) bool {
	for _, s := range finalStates {
		if s == state {
			return true
		}
	}
	return false
}

// Poll reports the kernel gone once the application reached a final
// state or disappeared from the resource manager.
func (b *Backend) Poll(ctx context.Context) (*int, error) {
	app, err := b.application(ctx, nil)
	if err != nil {
		b.p.Logger().Warn("application lookup failed", "error", err)
		return nil, nil
	}
	if app == nil || isFinal(app.State) {
		zero := 0
		return &zero, nil
	}
	return nil, nil
}

// Signal delivers signum over the comm listener; aliveness probes fall
// back to the application state.
func (b *Backend) Signal(ctx context.Context, signum int) error {
	if b.p.SendSignalViaListener(ctx, signum) == core.SignalDelivered {
		return nil
	}
	if signum == 0 {
		return nil
	}
	return &core.ErrKernelNotFound{KernelID: b.p.KernelID()}
}

func (b *Backend) Terminate(ctx context.Context, restart bool) error {
	return b.shutdownApplication(ctx)
}

func (b *Backend) Kill(ctx context.Context, restart bool) error {
	return b.shutdownApplication(ctx)
}

// shutdownApplication kills the application through the resource
// manager and waits for it to reach a final state, bounded by the
// configured poll attempts.
func (b *Backend) shutdownApplication(ctx context.Context) error {
	if b.appID == "" {
		return nil
	}
	if err := b.client.KillApplication(ctx, b.appID); err != nil {
		return err
	}

	attempts := b.p.Settings().MaxPollAttempts
	if attempts <= 0 {
		attempts = 1
	}
	for i := range attempts {
		app, err := b.application(ctx, nil)
		if err != nil {
			b.p.Logger().Warn("application lookup failed", "error", err)
		} else if app == nil || isFinal(app.State) {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.p.Settings().PollInterval):
		}
	}
	return fmt.Errorf("application %s did not reach a final state after kill", b.appID)
}

func (b *Backend) Cleanup(_ context.Context, _ bool) error {
	b.p.CloseLocalProcess(false)
	b.appID = ""
	return nil
}

// ShutdownWaitTime raises the grace period to what YARN application
// teardown actually needs.
func (b *Backend) ShutdownWaitTime(recommended time.Duration) time.Duration {
	if recommended < minShutdownWait {
		return minShutdownWait
	}
	return recommended
}

func (b *Backend) Info() map[string]any {
	return map[string]any{"application_id": b.appID}
}

func (b *Backend) LoadInfo(info map[string]any) error {
	if v, ok := info["application_id"].(string); ok {
		b.appID = v
	}
	return nil
}
