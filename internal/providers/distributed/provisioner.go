package distributed

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/ssh"
)

// Options configures the distributed backend.
type Options struct {
	// KernelLogDir is where kernel-<id>.log files are written, both on
	// remote hosts and for locally optimized launches.
	KernelLogDir string
}

// Backend places one kernel on a remote host via SSH. Kernels landing
// on the local host skip SSH and are spawned directly.
type Backend struct {
	p        *core.Provisioner
	client   *ssh.Client
	selector *Selector
	opts     Options

	host      string
	remotePID int
}

// NewBackend builds a distributed backend. The selector and SSH client
// are shared across kernels.
func NewBackend(client *ssh.Client, selector *Selector, opts Options) *Backend {
	if opts.KernelLogDir == "" {
		opts.KernelLogDir = "/tmp"
	}
	return &Backend{client: client, selector: selector, opts: opts}
}

func (b *Backend) Name() string             { return "distributed" }
func (b *Backend) Bind(p *core.Provisioner) { b.p = p }

func (b *Backend) HasProcess() bool {
	return b.remotePID > 0 || (b.p != nil && b.p.HasLocalProc())
}

// PreLaunch assigns the target host. The KERNEL_REMOTE_HOST env value
// pins the placement, bypassing load balancing.
func (b *Backend) PreLaunch(_ context.Context, env map[string]string) error {
	host := b.selector.Assign(b.p.KernelID(), env["KERNEL_REMOTE_HOST"])
	b.host = host

	ip := host
	if addrs, err := net.LookupHost(host); err == nil && len(addrs) > 0 {
		ip = addrs[0]
	}
	b.p.SetAssigned(host, ip)
	b.p.Logger().Debug("host assigned", "assigned_host", host, "assigned_ip", ip)
	return nil
}

func (b *Backend) logPath() string {
	return filepath.Join(b.opts.KernelLogDir, fmt.Sprintf("kernel-%s.log", b.p.KernelID()))
}

// Launch starts the kernel on the assigned host. When the host resolves
// to this machine the command is spawned directly; otherwise it is
// started under nohup through SSH and the echoed pid captured.
func (b *Backend) Launch(ctx context.Context, cmd []string, env map[string]string) error {
	if core.IPIsLocal(b.p.AssignedIP()) {
		pid, err := b.p.LaunchLocal(ctx, cmd, env, b.logPath())
		if err != nil {
			return err
		}
		b.remotePID = pid
		b.p.Logger().Debug("kernel launched locally", "pid", pid, "log", b.logPath())
		return nil
	}

	out, err := b.client.Run(ctx, b.host, b.remoteCommand(cmd, env))
	if err != nil {
		return &core.ErrLaunchFailed{KernelID: b.p.KernelID(), Host: b.host, Reason: err.Error()}
	}

	pid, perr := parsePID(out)
	if perr != nil {
		return &core.ErrLaunchFailed{
			KernelID: b.p.KernelID(),
			Host:     b.host,
			Reason:   fmt.Sprintf("launch output %q contained no pid: %v", strings.TrimSpace(out), perr),
		}
	}
	b.remotePID = pid
	b.p.SetPID(pid)
	b.p.Logger().Debug("kernel launched remotely", "assigned_host", b.host, "pid", pid)
	return nil
}

// remoteCommand renders the one-liner executed over SSH: export the
// kernel's environment, start the command detached with its output in
// the kernel log, and echo the pid.
func (b *Backend) remoteCommand(cmd []string, env map[string]string) string {
	var sb strings.Builder

	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.HasPrefix(k, "KERNEL_") || strings.HasPrefix(k, "GP_") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "export %s=%s;", k, shellQuote(env[k]))
	}

	quoted := make([]string, len(cmd))
	for i, arg := range cmd {
		quoted[i] = shellQuote(arg)
	}
	fmt.Fprintf(&sb, "nohup %s >> %s 2>&1 & echo $!", strings.Join(quoted, " "), b.logPath())
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// parsePID extracts the pid echoed as the last non-empty output line.
func parsePID(out string) (int, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return strconv.Atoi(line)
	}
	return 0, fmt.Errorf("empty output")
}

// ConfirmStartup waits for the kernel's connection info, failing fast
// when a locally spawned kernel dies before reporting back.
func (b *Backend) ConfirmStartup(ctx context.Context) error {
	b.p.StartTimer()
	for {
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

// Poll probes the kernel with signal 0.
func (b *Backend) Poll(ctx context.Context) (*int, error) {
	if b.p.HasLocalProc() {
		code, exited := b.p.LocalPoll()
		if exited {
			return &code, nil
		}
		return nil, nil
	}
	if b.p.SendSignalViaListener(ctx, 0) == core.SignalDelivered {
		return nil, nil
	}
	zero := 0
	return &zero, nil
}

// Signal delivers signum, preferring the comm listener and falling back
// to kill over SSH for kernels launched before the listener existed.
func (b *Backend) Signal(ctx context.Context, signum int) error {
	if b.p.SendSignalViaListener(ctx, signum) == core.SignalDelivered {
		return nil
	}
	if b.p.HasLocalProc() {
		return b.p.SignalLocal(signum)
	}
	if b.remotePID > 0 && b.host != "" {
		// Signal the process group when the launcher reported one, so
		// kernels that fork workers go down with their children.
		target := strconv.Itoa(b.remotePID)
		if pgid := b.p.PGID(); pgid > 0 {
			target = "-- -" + strconv.Itoa(pgid)
		}
		_, err := b.client.Run(ctx, b.host, fmt.Sprintf("kill -%d %s", signum, target))
		return err
	}
	return &core.ErrKernelNotFound{KernelID: b.p.KernelID()}
}

func (b *Backend) Terminate(ctx context.Context, _ bool) error {
	return b.signalOrForget(ctx, int(syscall.SIGTERM))
}

func (b *Backend) Kill(ctx context.Context, _ bool) error {
	return b.signalOrForget(ctx, int(syscall.SIGKILL))
}

// signalOrForget sends a termination signal and treats an already-gone
// process as success.
func (b *Backend) signalOrForget(ctx context.Context, signum int) error {
	if !b.HasProcess() {
		return nil
	}
	if err := b.Signal(ctx, signum); err != nil {
		b.p.Logger().Debug("termination signal not delivered, assuming process is gone",
			"signum", signum, "error", err)
	}
	return nil
}

// Cleanup releases the host assignment.
func (b *Backend) Cleanup(_ context.Context, _ bool) error {
	b.selector.Release(b.p.KernelID())
	b.remotePID = 0
	return nil
}

func (b *Backend) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended
}

func (b *Backend) Info() map[string]any {
	return map[string]any{"assigned_host": b.host, "pid": b.remotePID}
}

func (b *Backend) LoadInfo(info map[string]any) error {
	if v, ok := info["assigned_host"].(string); ok {
		b.host = v
	}
	switch v := info["pid"].(type) {
	case float64:
		b.remotePID = int(v)
	case int:
		b.remotePID = v
	}
	return nil
}
