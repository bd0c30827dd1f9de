package core

import (
	"context"
	"encoding/json"
	"net"
	"syscall"
	"testing"
	"time"
)

type fakeBroker struct {
	registered   map[string]int
	unregistered map[string]int
	payloads     map[string]ConnectionInfo
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		registered:   map[string]int{},
		unregistered: map[string]int{},
		payloads:     map[string]ConnectionInfo{},
	}
}

func (b *fakeBroker) PublicKey() string          { return "dGVzdC1rZXk=" }
func (b *fakeBroker) Address() string            { return "10.0.0.1:8877" }
func (b *fakeBroker) Register(kernelID string)   { b.registered[kernelID]++ }
func (b *fakeBroker) Unregister(kernelID string) { b.unregistered[kernelID]++ }

func (b *fakeBroker) ConnectionInfo(_ context.Context, kernelID string, _ time.Duration) (ConnectionInfo, error) {
	if info, ok := b.payloads[kernelID]; ok {
		delete(b.payloads, kernelID)
		return info, nil
	}
	return nil, ErrResponsePending
}

type fakeTunneler struct {
	opened   map[Channel]int
	closed   []Channel
	closeAll int
	nextPort int
}

func newFakeTunneler() *fakeTunneler {
	return &fakeTunneler{opened: map[Channel]int{}, nextPort: 40000}
}

func (t *fakeTunneler) CheckAccess(context.Context, string) error { return nil }

func (t *fakeTunneler) Open(_ context.Context, ch Channel, _, _ string, _ int) (int, error) {
	t.nextPort++
	t.opened[ch] = t.nextPort
	return t.nextPort, nil
}

func (t *fakeTunneler) Close(ch Channel) { t.closed = append(t.closed, ch) }
func (t *fakeTunneler) CloseAll()        { t.closeAll++ }

// fakeBackend confirms startup by delegating to the provisioner's
// receive loop, mirroring how the real backends are written.
type fakeBackend struct {
	p          *Provisioner
	hasProcess bool
	killCount  int
	termCount  int
	launchErr  error
	confirmed  bool
}

func (f *fakeBackend) Name() string       { return "fake" }
func (f *fakeBackend) Bind(p *Provisioner) { f.p = p }
func (f *fakeBackend) HasProcess() bool   { return f.hasProcess }

func (f *fakeBackend) PreLaunch(context.Context, map[string]string) error { return nil }

func (f *fakeBackend) Launch(context.Context, []string, map[string]string) error {
	if f.launchErr != nil {
		return f.launchErr
	}
	f.p.SetAssigned("node1.example.com", "192.168.5.5")
	f.hasProcess = true
	return nil
}

func (f *fakeBackend) ConfirmStartup(ctx context.Context) error {
	f.p.StartTimer()
	for {
		done, err := f.p.ReceiveConnectionInfo(ctx)
		if err != nil {
			return err
		}
		if done {
			f.confirmed = true
			return nil
		}
		if err := f.p.HandleLaunchTimeout(ctx); err != nil {
			return err
		}
	}
}

func (f *fakeBackend) Poll(context.Context) (*int, error) {
	if f.hasProcess {
		return nil, nil
	}
	zero := 0
	return &zero, nil
}

func (f *fakeBackend) Signal(context.Context, int) error { return nil }

func (f *fakeBackend) Terminate(context.Context, bool) error {
	f.termCount++
	f.hasProcess = false
	return nil
}

func (f *fakeBackend) Kill(context.Context, bool) error {
	f.killCount++
	f.hasProcess = false
	return nil
}

func (f *fakeBackend) Cleanup(context.Context, bool) error { return nil }

func (f *fakeBackend) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended
}

func (f *fakeBackend) Info() map[string]any        { return map[string]any{"handle": "fake"} }
func (f *fakeBackend) LoadInfo(map[string]any) error { return nil }

func testPayload() ConnectionInfo {
	return ConnectionInfo{
		"shell_port":   float64(50001),
		"iopub_port":   float64(50002),
		"stdin_port":   float64(50003),
		"hb_port":      float64(50004),
		"control_port": float64(50005),
		"key":          "secret",
		"pid":          float64(4242),
	}
}

func newTestProvisioner(t *testing.T, backend *fakeBackend, broker *fakeBroker, tun Tunneler, cfg Config) *Provisioner {
	t.Helper()
	p, err := NewProvisioner("kernel-abc", KernelSpec{
		Argv:     []string{"launcher", "--kernel-id", "{kernel_id}", "--response-address", "{response_address}"},
		Language: "python",
	}, backend, broker, tun, cfg, nil)
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	return p
}

func TestStartKernelHappyPath(t *testing.T) {
	broker := newFakeBroker()
	broker.payloads["kernel-abc"] = testPayload()
	backend := &fakeBackend{}
	p := newTestProvisioner(t, backend, broker, nil, Config{})

	info, err := p.StartKernel(context.Background(), map[string]string{"KERNEL_USERNAME": "alice"})
	if err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	if p.State() != StateRunning {
		t.Fatalf("state = %s, want %s", p.State(), StateRunning)
	}
	if got := info.IP(); got != "192.168.5.5" {
		t.Errorf("info ip = %q, want assigned ip", got)
	}
	if p.PID() != 4242 {
		t.Errorf("pid = %d, want 4242 from payload", p.PID())
	}
	if _, ok := info["pid"]; ok {
		t.Error("pid should be popped from connection info")
	}
	if broker.registered["kernel-abc"] != 1 {
		t.Errorf("register count = %d, want 1", broker.registered["kernel-abc"])
	}
}

func TestStartKernelDeniedUser(t *testing.T) {
	broker := newFakeBroker()
	backend := &fakeBackend{}
	p := newTestProvisioner(t, backend, broker, nil, Config{
		AuthorizedUsers:   []string{"mallory"},
		UnauthorizedUsers: []string{"mallory"},
	})

	_, err := p.StartKernel(context.Background(), map[string]string{"KERNEL_USERNAME": "mallory"})
	if CodeOf(err) != ErrorCodePermissionDenied {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if broker.unregistered["kernel-abc"] != 1 {
		t.Errorf("failed launch must unregister pending response")
	}
}

func TestStartKernelTimeoutKillsOnce(t *testing.T) {
	broker := newFakeBroker() // never delivers a payload
	backend := &fakeBackend{}
	p := newTestProvisioner(t, backend, broker, nil, Config{
		LaunchTimeout: 20 * time.Millisecond,
		PollInterval:  5 * time.Millisecond,
	})

	_, err := p.StartKernel(context.Background(), map[string]string{"KERNEL_USERNAME": "alice"})
	if CodeOf(err) != ErrorCodeTimeout {
		t.Fatalf("err = %v, want launch timeout", err)
	}
	if backend.killCount != 1 {
		t.Errorf("kill count = %d, want exactly 1", backend.killCount)
	}
	if broker.unregistered["kernel-abc"] == 0 {
		t.Error("timed-out launch must unregister pending response")
	}
	if p.State() != StateTerminated {
		t.Errorf("state = %s, want %s", p.State(), StateTerminated)
	}
}

func TestStartKernelTunneled(t *testing.T) {
	broker := newFakeBroker()
	payload := testPayload()
	payload["comm_port"] = float64(50100)
	broker.payloads["kernel-abc"] = payload
	backend := &fakeBackend{}
	tun := newFakeTunneler()
	p := newTestProvisioner(t, backend, broker, tun, Config{TunnelingEnabled: true})

	info, err := p.StartKernel(context.Background(), map[string]string{"KERNEL_USERNAME": "alice"})
	if err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	if len(tun.opened) != 6 {
		t.Fatalf("opened %d tunnels, want 6 (five channels plus comm)", len(tun.opened))
	}
	if got := info.IP(); got != "127.0.0.1" {
		t.Errorf("tunneled ip = %q, want 127.0.0.1", got)
	}
	for _, key := range []string{"shell_port", "iopub_port", "stdin_port", "hb_port", "control_port", "comm_port"} {
		if port := info.Port(key); port < 40000 {
			t.Errorf("%s = %d, want rewritten local tunnel port", key, port)
		}
	}
}

func TestTerminateIdempotent(t *testing.T) {
	broker := newFakeBroker()
	broker.payloads["kernel-abc"] = testPayload()
	backend := &fakeBackend{}
	p := newTestProvisioner(t, backend, broker, nil, Config{})

	if _, err := p.StartKernel(context.Background(), map[string]string{"KERNEL_USERNAME": "alice"}); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	for range 3 {
		if err := p.Terminate(context.Background(), false); err != nil {
			t.Fatalf("Terminate: %v", err)
		}
	}
	if backend.termCount != 1 {
		t.Errorf("terminate count = %d, want 1", backend.termCount)
	}
	if p.State() != StateShuttingDown {
		t.Errorf("state = %s, want %s", p.State(), StateShuttingDown)
	}
	p.Cleanup(context.Background(), false)
	if p.State() != StateTerminated {
		t.Errorf("state after cleanup = %s, want %s", p.State(), StateTerminated)
	}
}

func TestShutdownRequestedOverCommPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	received := make(chan map[string]any, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := json.NewDecoder(conn).Decode(&req); err == nil {
			received <- req
		}
	}()

	broker := newFakeBroker()
	payload := testPayload()
	payload["ip"] = "127.0.0.1"
	payload["comm_port"] = float64(ln.Addr().(*net.TCPAddr).Port)
	broker.payloads["kernel-abc"] = payload
	backend := &fakeBackend{}
	p := newTestProvisioner(t, backend, broker, nil, Config{SocketTimeout: time.Second})

	if _, err := p.StartKernel(context.Background(), map[string]string{"KERNEL_USERNAME": "alice"}); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	// comm_ip follows the payload ip rewritten to the assigned ip; for
	// the test the listener is on loopback, so point the dial there.
	p.commIP = "127.0.0.1"

	p.ShutdownRequested(context.Background(), false)

	select {
	case req := <-received:
		if v, ok := req["shutdown"]; !ok || intField(map[string]any{"v": v}, "v") != 1 {
			t.Errorf("request = %v, want {\"shutdown\": 1}", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("launcher never received shutdown request")
	}
}

func TestSendSignalViaListenerRefusedConnection(t *testing.T) {
	// Reserve a port, then close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	broker := newFakeBroker()
	backend := &fakeBackend{}
	p := newTestProvisioner(t, backend, broker, nil, Config{SocketTimeout: time.Second})
	p.commIP = "127.0.0.1"
	p.commPort = port

	if got := p.SendSignalViaListener(context.Background(), 2); got != SignalRefused {
		t.Errorf("SendSignalViaListener = %v, want SignalRefused", got)
	}
}

func TestInfoRoundTrip(t *testing.T) {
	broker := newFakeBroker()
	broker.payloads["kernel-abc"] = testPayload()
	backend := &fakeBackend{}
	p := newTestProvisioner(t, backend, broker, nil, Config{})

	if _, err := p.StartKernel(context.Background(), map[string]string{"KERNEL_USERNAME": "alice"}); err != nil {
		t.Fatalf("StartKernel: %v", err)
	}
	info := p.Info()
	if info.KernelID != "kernel-abc" || info.AssignedHost != "node1.example.com" {
		t.Fatalf("unexpected info: %+v", info)
	}

	restored := newTestProvisioner(t, &fakeBackend{}, newFakeBroker(), nil, Config{})
	if err := restored.LoadInfo(info); err != nil {
		t.Fatalf("LoadInfo: %v", err)
	}
	if restored.State() != StateRunning {
		t.Errorf("restored state = %s, want %s", restored.State(), StateRunning)
	}
	if restored.PID() != 4242 {
		t.Errorf("restored pid = %d, want 4242", restored.PID())
	}
}

func TestSubstituteArgvNamespace(t *testing.T) {
	argv := []string{"run.sh", "--id", "{kernel_id}", "--addr", "{response_address}", "{unknown}"}
	out := SubstituteArgv(argv, map[string]string{
		"kernel_id":        "k1",
		"response_address": "10.0.0.1:8877",
	})
	want := []string{"run.sh", "--id", "k1", "--addr", "10.0.0.1:8877", "{unknown}"}
	for i := range want {
		if out[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, out[i], want[i])
		}
	}
}

func TestParsePortRange(t *testing.T) {
	tests := []struct {
		spec    string
		wantErr bool
	}{
		{"0..0", false},
		{"30000..31000", false},
		{"30000..30500", true},   // too small
		{"100..2000", true},      // below 1024
		{"65000..66000", true},   // above 65535
		{"not-a-range", true},
		{"1000", true},
	}
	for _, tt := range tests {
		_, err := ParsePortRange(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePortRange(%q) err = %v, wantErr %v", tt.spec, err, tt.wantErr)
		}
		if err != nil && CodeOf(err) != ErrorCodeConfig {
			t.Errorf("ParsePortRange(%q) err code = %v, want config", tt.spec, CodeOf(err))
		}
	}
}

func TestSelectPortsWithinRange(t *testing.T) {
	pr, err := ParsePortRange("40000..41000")
	if err != nil {
		t.Fatalf("ParsePortRange: %v", err)
	}
	ports, err := pr.SelectPorts(5)
	if err != nil {
		t.Fatalf("SelectPorts: %v", err)
	}
	if len(ports) != 5 {
		t.Fatalf("got %d ports, want 5", len(ports))
	}
	for _, port := range ports {
		if !pr.Contains(port) {
			t.Errorf("port %d outside range %s", port, pr)
		}
	}
}

func TestFinalizeEnv(t *testing.T) {
	env := map[string]string{
		"GP_REMOTE_PWD": "hunter2",
		"LS_COLORS":     "di=34",
		"KEEP":          "yes",
	}
	FinalizeEnv(env, "k1", "scala")
	if env["KERNEL_ID"] != "k1" {
		t.Errorf("KERNEL_ID = %q", env["KERNEL_ID"])
	}
	if env["KERNEL_LANGUAGE"] != "scala" {
		t.Errorf("KERNEL_LANGUAGE = %q", env["KERNEL_LANGUAGE"])
	}
	if _, ok := env["GP_REMOTE_PWD"]; ok {
		t.Error("GP_REMOTE_PWD must be scrubbed")
	}
	if _, ok := env["LS_COLORS"]; ok {
		t.Error("LS_COLORS must be scrubbed")
	}
	if env["KEEP"] != "yes" {
		t.Error("unrelated keys must survive")
	}

	env = map[string]string{"KERNEL_LANGUAGE": "R"}
	FinalizeEnv(env, "k1", "scala")
	if env["KERNEL_LANGUAGE"] != "R" {
		t.Error("env stanza KERNEL_LANGUAGE must win over spec language")
	}
}

func TestWaitPollBudget(t *testing.T) {
	broker := newFakeBroker()
	backend := &fakeBackend{hasProcess: true}
	p := newTestProvisioner(t, backend, broker, nil, Config{
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 3,
	})

	code, err := p.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if code == nil || *code != 0 {
		t.Errorf("exhausted wait budget must report exit 0, got %v", code)
	}
}

func TestLaunchLocalStartsOwnProcessGroup(t *testing.T) {
	broker := newFakeBroker()
	backend := &fakeBackend{}
	p := newTestProvisioner(t, backend, broker, nil, Config{})

	pid, err := p.LaunchLocal(context.Background(), []string{"/bin/sleep", "30"}, nil, "")
	if err != nil {
		t.Fatalf("LaunchLocal: %v", err)
	}
	t.Cleanup(func() { p.CloseLocalProcess(true) })

	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		t.Fatalf("Getpgid: %v", err)
	}
	if pgid != pid {
		t.Errorf("pgid = %d, want the launcher leading its own group (%d)", pgid, pid)
	}
	if p.PGID() != pid {
		t.Errorf("PGID() = %d, want %d", p.PGID(), pid)
	}
}
