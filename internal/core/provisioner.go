package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/user"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// State tracks a kernel's position in its lifecycle.
type State string

const (
	StateIdle            State = "idle"
	StatePreLaunch       State = "pre-launch"
	StateLaunching       State = "launching"
	StateAwaitingStartup State = "awaiting-startup"
	StateRunning         State = "running"
	StateShuttingDown    State = "shutting-down"
	StateTerminated      State = "terminated"
)

// ErrResponsePending is returned by a ResponseBroker when no connection
// payload has arrived within the poll window. Startup confirmation
// loops treat it as "keep waiting", not as a failure.
var ErrResponsePending = errors.New("connection info not yet received")

// ResponseBroker is the process-wide response manager as seen by a
// provisioner: registration of pending kernels and retrieval of their
// decrypted connection payloads.
type ResponseBroker interface {
	// PublicKey returns the base64-encoded DER public key launchers
	// use to encrypt their payloads.
	PublicKey() string
	// Address returns "ip:port" of the single response listener.
	Address() string
	Register(kernelID string)
	Unregister(kernelID string)
	// ConnectionInfo blocks up to timeout for the kernel's payload and
	// returns ErrResponsePending when none arrived in time.
	ConnectionInfo(ctx context.Context, kernelID string, timeout time.Duration) (ConnectionInfo, error)
}

// Tunneler manages the per-kernel SSH port forwards. Implementations
// hold at most one tunnel per channel.
type Tunneler interface {
	// CheckAccess verifies passwordless connectivity to server before
	// any tunnel is built.
	CheckAccess(ctx context.Context, server string) error
	// Open forwards a fresh local port to remoteIP:remotePort through
	// server and returns the local port.
	Open(ctx context.Context, channel Channel, server, remoteIP string, remotePort int) (int, error)
	Close(channel Channel)
	CloseAll()
}

// Backend implements placement-specific launch, discovery, and
// termination for one kernel. Bind is called once at construction and
// hands the backend its owning provisioner, through which it reaches
// the launch helpers (HandleLaunchTimeout, ReceiveConnectionInfo,
// LaunchLocal and friends).
type Backend interface {
	Name() string
	Bind(p *Provisioner)

	// HasProcess reports whether the backend believes a kernel entity
	// (process, container, pod, application) still exists.
	HasProcess() bool

	// PreLaunch validates and augments env before the launch command
	// is assembled. It runs in StatePreLaunch.
	PreLaunch(ctx context.Context, env map[string]string) error

	// Launch starts the kernel entity from the substituted command.
	Launch(ctx context.Context, cmd []string, env map[string]string) error

	// ConfirmStartup blocks until the kernel has reported its
	// connection info or the launch deadline passes.
	ConfirmStartup(ctx context.Context) error

	// Poll returns a non-nil exit indication once the kernel entity is
	// gone, nil while it is healthy.
	Poll(ctx context.Context) (*int, error)

	Signal(ctx context.Context, signum int) error
	Terminate(ctx context.Context, restart bool) error
	Kill(ctx context.Context, restart bool) error
	Cleanup(ctx context.Context, restart bool) error

	// ShutdownWaitTime lets a backend raise the recommended grace
	// period between terminate and kill.
	ShutdownWaitTime(recommended time.Duration) time.Duration

	// Info returns the backend-specific handle persisted across
	// gateway restarts; LoadInfo restores it.
	Info() map[string]any
	LoadInfo(info map[string]any) error
}

// ShutdownHook is implemented by backends that must act when the
// client requests a graceful shutdown, before termination begins.
type ShutdownHook interface {
	OnShutdownRequested(ctx context.Context, restart bool) error
}

// Config carries the per-kernel provisioner settings resolved from
// configuration and the kernel start request.
type Config struct {
	AuthorizedUsers   []string
	UnauthorizedUsers []string
	PortRange         PortRange
	LaunchTimeout     time.Duration
	PollInterval      time.Duration
	MaxPollAttempts   int
	SocketTimeout     time.Duration
	TunnelingEnabled  bool
}

func (c *Config) applyDefaults() {
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = 10
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = 10 * time.Millisecond
	}
}

// Provisioner drives one kernel through its lifecycle. All public
// operations on a given instance are serialized; backends run inside
// that serialization and call the exported helpers without additional
// locking.
type Provisioner struct {
	mu sync.Mutex

	log       *slog.Logger
	cfg       Config
	kernelID  string
	spec      KernelSpec
	backend   Backend
	responses ResponseBroker
	tunnels   Tunneler

	state          State
	kernelUsername string
	startTime      time.Time
	launchTimeout  time.Duration

	ip           string
	pid          int
	pgid         int
	assignedHost string
	assignedIP   string
	commIP       string
	commPort     int

	connectionInfo      ConnectionInfo
	tunneledConnectInfo ConnectionInfo

	localProc  *localProcess
	killCalled bool
}

// NewProvisioner builds a provisioner for one kernel. The tunneler may
// be nil when tunneling is disabled.
func NewProvisioner(kernelID string, spec KernelSpec, backend Backend, responses ResponseBroker, tunnels Tunneler, cfg Config, log *slog.Logger) (*Provisioner, error) {
	if kernelID == "" {
		return nil, &ErrInvariant{Message: "kernel id must not be empty"}
	}
	if backend == nil {
		return nil, &ErrInvariant{KernelID: kernelID, Message: "backend must not be nil"}
	}
	if responses == nil {
		return nil, &ErrInvariant{KernelID: kernelID, Message: "response broker must not be nil"}
	}
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}

	p := &Provisioner{
		log:            log.With("kernel_id", kernelID, "backend", backend.Name()),
		cfg:            cfg,
		kernelID:       kernelID,
		spec:           spec,
		backend:        backend,
		responses:      responses,
		tunnels:        tunnels,
		state:          StateIdle,
		connectionInfo: ConnectionInfo{},
		launchTimeout:  cfg.LaunchTimeout,
	}
	backend.Bind(p)
	return p, nil
}

// Accessors used by backends.

func (p *Provisioner) KernelID() string             { return p.kernelID }
func (p *Provisioner) Username() string             { return p.kernelUsername }
func (p *Provisioner) Logger() *slog.Logger         { return p.log }
func (p *Provisioner) Spec() KernelSpec             { return p.spec }
func (p *Provisioner) Settings() Config             { return p.cfg }
func (p *Provisioner) State() State                 { return p.state }
func (p *Provisioner) PID() int                     { return p.pid }
func (p *Provisioner) PGID() int                    { return p.pgid }
func (p *Provisioner) AssignedHost() string         { return p.assignedHost }
func (p *Provisioner) AssignedIP() string           { return p.assignedIP }
func (p *Provisioner) LaunchTimeout() time.Duration { return p.launchTimeout }

// SetPID records the remote or local process id.
func (p *Provisioner) SetPID(pid int) { p.pid = pid }

// SetAssigned records where the kernel was placed. Discovery of the
// connection payload rewrites its ip field to this address.
func (p *Provisioner) SetAssigned(host, ip string) {
	p.assignedHost = host
	p.assignedIP = ip
}

// StartTimer marks the beginning of the startup-confirmation window.
func (p *Provisioner) StartTimer() { p.startTime = time.Now() }

// ReduceLaunchTimeout subtracts already-elapsed preflight time from the
// remaining launch budget.
func (p *Provisioner) ReduceLaunchTimeout(elapsed time.Duration) {
	p.launchTimeout -= elapsed
	if p.launchTimeout < 0 {
		p.launchTimeout = 0
	}
}

// HasProcess reports whether the kernel entity is believed to exist.
func (p *Provisioner) HasProcess() bool { return p.backend.HasProcess() }

// ConnectionInfo returns the (possibly tunneled) connection payload for
// the running kernel.
func (p *Provisioner) ConnectionInfo() ConnectionInfo { return p.connectionInfo }

// StartKernel runs the full launch sequence: pre-launch preparation,
// backend launch, and startup confirmation. On any failure the pending
// response registration is withdrawn so the broker holds no orphan
// entries.
func (p *Provisioner) StartKernel(ctx context.Context, env map[string]string) (ConnectionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != StateIdle && p.state != StateTerminated {
		return nil, &ErrInvariant{KernelID: p.kernelID, Message: fmt.Sprintf("kernel is %s, cannot start", p.state)}
	}

	p.killCalled = false
	p.launchTimeout = p.cfg.LaunchTimeout

	cmd, err := p.preLaunch(ctx, env)
	if err != nil {
		p.responses.Unregister(p.kernelID)
		p.state = StateTerminated
		return nil, err
	}

	info, err := p.launchKernel(ctx, cmd, env)
	if err != nil {
		p.responses.Unregister(p.kernelID)
		p.state = StateTerminated
		return nil, err
	}
	return info, nil
}

func (p *Provisioner) preLaunch(ctx context.Context, env map[string]string) ([]string, error) {
	p.state = StatePreLaunch
	p.responses.Register(p.kernelID)

	for k, v := range p.spec.Env {
		if _, ok := env[k]; !ok {
			env[k] = v
		}
	}

	username := env["KERNEL_USERNAME"]
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
		env["KERNEL_USERNAME"] = username
	}
	p.kernelUsername = username

	if err := p.authorize(username); err != nil {
		return nil, err
	}

	FinalizeEnv(env, p.kernelID, p.spec.Language)

	if err := p.backend.PreLaunch(ctx, env); err != nil {
		return nil, err
	}

	ns := map[string]string{
		"kernel_id":        p.kernelID,
		"response_address": p.responses.Address(),
		"public_key":       p.responses.PublicKey(),
		"port_range":       p.cfg.PortRange.String(),
	}
	return SubstituteArgv(p.spec.Argv, ns), nil
}

// authorize applies the deny list before the allow list so that a user
// present in both is rejected.
func (p *Provisioner) authorize(username string) error {
	if slices.Contains(p.cfg.UnauthorizedUsers, username) {
		return &ErrPermissionDenied{User: username, Reason: "not authorized to start kernels"}
	}
	if len(p.cfg.AuthorizedUsers) > 0 && !slices.Contains(p.cfg.AuthorizedUsers, username) {
		return &ErrPermissionDenied{User: username, Reason: "not authorized to start kernels"}
	}
	return nil
}

func (p *Provisioner) launchKernel(ctx context.Context, cmd []string, env map[string]string) (ConnectionInfo, error) {
	p.state = StateLaunching
	p.log.Info("launching kernel", "state", p.state, "argv", cmd[0])

	if err := p.backend.Launch(ctx, cmd, env); err != nil {
		return nil, err
	}

	p.state = StateAwaitingStartup
	if err := p.backend.ConfirmStartup(ctx); err != nil {
		return nil, err
	}

	p.state = StateRunning
	p.log.Info("kernel started", "assigned_host", p.assignedHost, "pid", p.pid)
	return p.connectionInfo, nil
}

// LaunchLocal spawns the launch command on this host. Backends use it
// both for cluster submission processes and for the local-placement
// optimization. The spawned pid is recorded and the process handle kept
// for failure detection until the remote side takes over.
func (p *Provisioner) LaunchLocal(ctx context.Context, cmd []string, env map[string]string, logPath string) (int, error) {
	lp, err := startLocalProcess(cmd, env, logPath)
	if err != nil {
		return 0, &ErrLaunchFailed{KernelID: p.kernelID, Host: p.assignedHost, Reason: err.Error()}
	}
	p.localProc = lp
	p.pid = lp.pid()
	p.pgid = lp.pid()
	if ips := PublicIPs(); len(ips) > 0 {
		p.ip = ips[0]
	}
	return p.pid, nil
}

// HasLocalProc reports whether a local spawner process is retained.
func (p *Provisioner) HasLocalProc() bool { return p.localProc != nil }

// LocalPoll reports the local process's exit code and whether it has
// exited. Without a local process it reports exited with code 0.
func (p *Provisioner) LocalPoll() (int, bool) {
	if p.localProc == nil {
		return 0, true
	}
	return p.localProc.poll()
}

// SignalLocal delivers signum to the local process group.
func (p *Provisioner) SignalLocal(signum int) error {
	if p.localProc == nil || p.localProc.cmd.Process == nil {
		return &ErrKernelNotFound{KernelID: p.kernelID}
	}
	return p.localProc.signal(signum)
}

// CloseLocalProcess releases the local process handle, killing the
// process first when requested.
func (p *Provisioner) CloseLocalProcess(kill bool) {
	if p.localProc == nil {
		return
	}
	if kill {
		p.localProc.kill()
		p.localProc.wait()
	}
	p.localProc.close()
	p.localProc = nil
}

// DetectLaunchFailure checks whether the local spawner exited non-zero
// before startup was confirmed, which means the kernel can never
// report back. A zero exit is normal for submission-style launchers.
func (p *Provisioner) DetectLaunchFailure() error {
	if p.localProc == nil {
		return nil
	}
	code, exited := p.localProc.poll()
	if !exited || code == 0 {
		return nil
	}
	reason := fmt.Sprintf("launch process exited with code %d before startup completed", code)
	p.CloseLocalProcess(false)
	return &ErrLaunchFailed{KernelID: p.kernelID, Host: p.assignedHost, Reason: reason}
}

// HandleLaunchTimeout sleeps one poll interval and fails the launch
// once the confirmation window has been exhausted. On timeout the
// kernel entity is killed exactly once before the error is returned.
func (p *Provisioner) HandleLaunchTimeout(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.cfg.PollInterval):
	}

	if time.Since(p.startTime) <= p.launchTimeout {
		return nil
	}

	reason := fmt.Sprintf("waited too long (%s) to get connection info", p.launchTimeout)
	p.log.Error("launch timeout exceeded", "timeout", p.launchTimeout)
	p.killOnce(ctx)
	return &ErrLaunchTimeout{KernelID: p.kernelID, Host: p.assignedHost, Reason: reason}
}

// killOnce forcefully terminates the kernel entity at most once per
// launch attempt.
func (p *Provisioner) killOnce(ctx context.Context) {
	if p.killCalled {
		return
	}
	p.killCalled = true
	if err := p.backend.Kill(ctx, false); err != nil {
		p.log.Warn("kill during failed launch", "error", err)
	}
}

// ReceiveConnectionInfo asks the broker for this kernel's payload. It
// returns (false, nil) while the payload is still pending so callers
// can interleave backend status checks, and (true, nil) once the
// payload has been received and applied.
func (p *Provisioner) ReceiveConnectionInfo(ctx context.Context) (bool, error) {
	info, err := p.responses.ConnectionInfo(ctx, p.kernelID, p.cfg.PollInterval/100)
	if err != nil {
		if errors.Is(err, ErrResponsePending) {
			p.log.Debug("connection info not yet received", "assigned_host", p.assignedHost)
			return false, nil
		}
		p.killOnce(ctx)
		return false, fmt.Errorf("waiting for connection info for kernel %s on host %q: %w", p.kernelID, p.assignedHost, err)
	}

	if err := p.setupConnectionInfo(ctx, info); err != nil {
		p.killOnce(ctx)
		return false, err
	}
	return true, nil
}

// setupConnectionInfo applies the decrypted payload: rewrites the ip to
// the assigned address, builds tunnels when enabled, captures the comm
// endpoint, and extracts process identifiers.
func (p *Provisioner) setupConnectionInfo(ctx context.Context, info ConnectionInfo) error {
	info["ip"] = p.assignedIP

	if p.cfg.TunnelingEnabled && p.tunnels != nil {
		p.tunneledConnectInfo = info.Clone()
		if err := p.tunnels.CheckAccess(ctx, p.assignedHost); err != nil {
			return err
		}
		for i, ch := range ZMQChannels {
			lport, err := p.tunnels.Open(ctx, ch, p.assignedHost, p.assignedIP, info.Port(portKeys[i]))
			if err != nil {
				return err
			}
			info[portKeys[i]] = lport
		}
		info["ip"] = "127.0.0.1"

		if cp := info.Port("comm_port"); cp > 0 {
			lport, err := p.tunnels.Open(ctx, ChannelComm, p.assignedHost, p.assignedIP, cp)
			if err != nil {
				return err
			}
			info["comm_port"] = lport
			p.commIP = "127.0.0.1"
			p.commPort = lport
		}
	} else if cp := info.Port("comm_port"); cp > 0 {
		p.commIP = info.IP()
		p.commPort = cp
		p.log.Debug("comm port received", "comm_ip", p.commIP, "comm_port", p.commPort)
	}

	p.extractPIDInfo(info)
	for k, v := range info {
		p.connectionInfo[k] = v
	}
	return nil
}

// extractPIDInfo pops pid and pgid from the payload. When the launcher
// reports a real process id the provisioner switches its process
// accounting to the remote side and drops the local spawner handle if
// the kernel is not actually on this host.
func (p *Provisioner) extractPIDInfo(info ConnectionInfo) {
	pid := intField(info, "pid")
	pgid := intField(info, "pgid")
	delete(info, "pid")
	delete(info, "pgid")

	if pid <= 0 && pgid <= 0 {
		return
	}
	if pid > 0 {
		p.pid = pid
	}
	if pgid > 0 {
		p.pgid = pgid
	}
	p.ip = p.assignedIP
	if !IPIsLocal(p.ip) && p.localProc != nil {
		p.CloseLocalProcess(false)
	}
}

// Poll returns a non-nil exit indication once the kernel entity is
// gone.
func (p *Provisioner) Poll(ctx context.Context) (*int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend.Poll(ctx)
}

// Wait blocks until the kernel entity disappears, bounded by the
// configured poll attempts for backends without a waitable handle.
func (p *Provisioner) Wait(ctx context.Context) (*int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.localProc != nil {
		code := p.localProc.wait()
		p.CloseLocalProcess(false)
		return &code, nil
	}

	for range p.cfg.MaxPollAttempts {
		code, err := p.backend.Poll(ctx)
		if err != nil {
			return nil, err
		}
		if code != nil {
			return code, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
	p.log.Warn("kernel did not disappear within wait budget",
		"attempts", p.cfg.MaxPollAttempts, "poll_interval", p.cfg.PollInterval)
	zero := 0
	return &zero, nil
}

// SendSignal delivers signum to the kernel. Signal 0 is an aliveness
// probe.
func (p *Provisioner) SendSignal(ctx context.Context, signum int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend.Signal(ctx, signum)
}

// SignalResult classifies a signal delivery attempt.
type SignalResult int

const (
	// SignalDelivered means the target accepted the signal.
	SignalDelivered SignalResult = iota
	// SignalNoProcess means no comm channel is known for the kernel;
	// callers fall back to backend-specific delivery.
	SignalNoProcess
	// SignalRefused means the comm port is on record but the connection
	// was refused, so the process behind it is already gone.
	SignalRefused
)

// SendSignalViaListener delivers signum over the kernel's comm port.
func (p *Provisioner) SendSignalViaListener(ctx context.Context, signum int) SignalResult {
	if p.commPort <= 0 {
		return SignalNoProcess
	}
	err := p.sendListenerRequest(ctx, map[string]any{"signum": signum}, false)
	if err == nil {
		if signum > 0 {
			p.log.Debug("signal sent via listener", "signum", signum)
		}
		return SignalDelivered
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		p.log.Debug("listener connection refused, no process to signal", "signum", signum)
		return SignalRefused
	}
	p.log.Warn("failure sending signal via listener", "signum", signum, "error", err)
	return SignalNoProcess
}

// ShutdownRequested notifies the launcher that a graceful shutdown is
// underway so it can stop its own listener, then lets the backend act.
// All failures here are advisory; shutdown proceeds regardless.
func (p *Provisioner) ShutdownRequested(ctx context.Context, restart bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.commPort > 0 {
		if err := p.sendListenerRequest(ctx, map[string]any{"shutdown": 1}, true); err != nil {
			if !errors.Is(err, syscall.ECONNREFUSED) {
				p.log.Warn("failure sending shutdown request via listener", "error", err)
			}
		}
		if p.tunnels != nil {
			p.tunnels.Close(ChannelComm)
		}
	}

	if hook, ok := p.backend.(ShutdownHook); ok {
		if err := hook.OnShutdownRequested(ctx, restart); err != nil {
			p.log.Warn("backend shutdown hook", "error", err)
		}
	}
}

// sendListenerRequest performs one comm-port exchange: connect, write
// the JSON request, optionally half-close the write side so the
// launcher observes EOF, then drop the connection.
func (p *Provisioner) sendListenerRequest(ctx context.Context, req map[string]any, shutdownSocket bool) error {
	d := net.Dialer{Timeout: p.cfg.SocketTimeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.commIP, strconv.Itoa(p.commPort)))
	if err != nil {
		return err
	}
	defer conn.Close()

	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(b); err != nil {
		return err
	}

	if shutdownSocket {
		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.CloseWrite(); err != nil {
				if errors.Is(err, syscall.ENOTCONN) {
					p.log.Debug("listener already disconnected during shutdown request")
				} else {
					p.log.Warn("error shutting down listener socket", "error", err)
				}
			}
		}
	}
	return nil
}

// Terminate performs a graceful termination and leaves the kernel in
// the shutting-down state; the kernel is considered terminated once a
// poll confirms exit or Cleanup runs. Terminating a kernel that is
// already winding down is a no-op.
func (p *Provisioner) Terminate(ctx context.Context, restart bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateIdle, StateShuttingDown, StateTerminated:
		return nil
	}
	p.state = StateShuttingDown
	return p.backend.Terminate(ctx, restart)
}

// Kill performs a forceful termination. Kill escalates a termination
// already in flight; killing a terminated kernel is a no-op.
func (p *Provisioner) Kill(ctx context.Context, restart bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case StateIdle, StateTerminated:
		return nil
	}
	p.state = StateShuttingDown
	if err := p.backend.Kill(ctx, restart); err != nil {
		return err
	}
	p.state = StateTerminated
	return nil
}

// ShutdownWaitTime returns the grace period callers should allow
// between Terminate and Kill.
func (p *Provisioner) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return p.backend.ShutdownWaitTime(recommended)
}

// Cleanup releases everything the launch acquired: tunnels, the local
// spawner, the pending response registration, and backend resources.
// Cleanup is best effort and safe to call repeatedly.
func (p *Provisioner) Cleanup(ctx context.Context, restart bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.assignedIP = ""
	if p.tunnels != nil {
		p.tunnels.CloseAll()
	}
	p.CloseLocalProcess(false)
	p.responses.Unregister(p.kernelID)

	if err := p.backend.Cleanup(ctx, restart); err != nil {
		p.log.Warn("backend cleanup", "error", err)
	}
	p.commIP = ""
	p.commPort = 0
	p.state = StateTerminated
}

// Info captures the state needed to reattach to this kernel after a
// gateway restart.
func (p *Provisioner) Info() ProvisionerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProvisionerInfo{
		KernelID:            p.kernelID,
		PID:                 p.pid,
		PGID:                p.pgid,
		IP:                  p.ip,
		AssignedIP:          p.assignedIP,
		AssignedHost:        p.assignedHost,
		CommIP:              p.commIP,
		CommPort:            p.commPort,
		TunneledConnectInfo: p.tunneledConnectInfo,
		BackendHandle:       p.backend.Info(),
	}
}

// LoadInfo restores state captured by Info. The provisioner resumes in
// StateRunning since only running kernels are persisted.
func (p *Provisioner) LoadInfo(info ProvisionerInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pid = info.PID
	p.pgid = info.PGID
	p.ip = info.IP
	p.assignedIP = info.AssignedIP
	p.assignedHost = info.AssignedHost
	p.commIP = info.CommIP
	p.commPort = info.CommPort
	p.tunneledConnectInfo = info.TunneledConnectInfo
	if err := p.backend.LoadInfo(info.BackendHandle); err != nil {
		return err
	}
	p.state = StateRunning
	return nil
}
