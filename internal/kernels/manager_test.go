package kernels

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/specs"
)

type stubBroker struct{}

func (stubBroker) PublicKey() string { return "stub-key" }
func (stubBroker) Address() string   { return "10.0.0.1:8877" }
func (stubBroker) Register(string)   {}
func (stubBroker) Unregister(string) {}
func (stubBroker) ConnectionInfo(context.Context, string, time.Duration) (core.ConnectionInfo, error) {
	return nil, core.ErrResponsePending
}

// stubBackend runs a pretend kernel that dies on Terminate, or only on
// Kill when stubborn is set.
type stubBackend struct {
	p        *core.Provisioner
	stubborn bool

	alive     bool
	termCount int
	killCount int
}

func (b *stubBackend) Name() string             { return "stub" }
func (b *stubBackend) Bind(p *core.Provisioner) { b.p = p }
func (b *stubBackend) HasProcess() bool         { return b.alive }

func (b *stubBackend) PreLaunch(context.Context, map[string]string) error { return nil }

func (b *stubBackend) Launch(context.Context, []string, map[string]string) error {
	b.alive = true
	return nil
}

func (b *stubBackend) ConfirmStartup(context.Context) error { return nil }

func (b *stubBackend) Poll(context.Context) (*int, error) {
	if b.alive {
		return nil, nil
	}
	zero := 0
	return &zero, nil
}

func (b *stubBackend) Signal(context.Context, int) error { return nil }

func (b *stubBackend) Terminate(context.Context, bool) error {
	b.termCount++
	if !b.stubborn {
		b.alive = false
	}
	return nil
}

func (b *stubBackend) Kill(context.Context, bool) error {
	b.killCount++
	b.alive = false
	return nil
}

func (b *stubBackend) Cleanup(context.Context, bool) error            { return nil }
func (b *stubBackend) ShutdownWaitTime(r time.Duration) time.Duration { return r }
func (b *stubBackend) Info() map[string]any                           { return nil }
func (b *stubBackend) LoadInfo(map[string]any) error                  { return nil }

func writeSpec(t *testing.T, dir, name string) {
	t.Helper()
	specDir := filepath.Join(dir, name)
	if err := os.MkdirAll(specDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `{"argv": ["launch", "{kernel_id}"], "metadata": {"provisioner": {"name": "stub"}}}`
	if err := os.WriteFile(filepath.Join(specDir, "kernel.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func newTestManager(t *testing.T, stubborn bool) (*Manager, *[]*stubBackend) {
	t.Helper()
	dir := t.TempDir()
	writeSpec(t, dir, "python")

	var backends []*stubBackend
	factories := map[string]BackendFactory{
		"stub": func(kernelID string) (core.Backend, error) {
			b := &stubBackend{stubborn: stubborn}
			backends = append(backends, b)
			return b, nil
		},
	}
	cfg := core.Config{
		LaunchTimeout:   time.Second,
		PollInterval:    5 * time.Millisecond,
		MaxPollAttempts: 4,
	}
	m := NewManager(specs.NewStore([]string{dir}), stubBroker{}, cfg, Options{
		DefaultBackend: "stub",
		Factories:      factories,
	}, nil, nil)
	return m, &backends
}

func TestStartTracksKernel(t *testing.T) {
	m, _ := newTestManager(t, false)

	k, err := m.Start(context.Background(), "python", map[string]string{"KERNEL_USERNAME": "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if k.ID == "" || k.Backend != "stub" || k.SpecName != "python" {
		t.Fatalf("kernel = %+v", k)
	}
	if k.State() != core.StateRunning {
		t.Errorf("state = %s, want running", k.State())
	}

	got, err := m.Get(k.ID)
	if err != nil || got != k {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if n := len(m.List()); n != 1 {
		t.Errorf("List() has %d kernels, want 1", n)
	}
}

func TestStartUnknownSpec(t *testing.T) {
	m, _ := newTestManager(t, false)
	_, err := m.Start(context.Background(), "missing", nil)
	if core.CodeOf(err) != core.ErrorCodeNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestShutdownGraceful(t *testing.T) {
	m, backends := newTestManager(t, false)
	k, err := m.Start(context.Background(), "python", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Shutdown(context.Background(), k.ID); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	b := (*backends)[0]
	if b.termCount != 1 {
		t.Errorf("termCount = %d, want 1", b.termCount)
	}
	if b.killCount != 0 {
		t.Errorf("killCount = %d, graceful shutdown must not kill", b.killCount)
	}
	if _, err := m.Get(k.ID); core.CodeOf(err) != core.ErrorCodeNotFound {
		t.Errorf("kernel still tracked after shutdown: %v", err)
	}
}

func TestShutdownEscalatesToKill(t *testing.T) {
	m, backends := newTestManager(t, true)
	k, err := m.Start(context.Background(), "python", nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := m.Shutdown(context.Background(), k.ID); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	b := (*backends)[0]
	if b.killCount != 1 {
		t.Errorf("killCount = %d, want escalation to kill", b.killCount)
	}
}

func TestRestartKeepsKernelID(t *testing.T) {
	m, backends := newTestManager(t, false)
	k, err := m.Start(context.Background(), "python", map[string]string{"KERNEL_USERNAME": "alice"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	id := k.ID

	if err := m.Restart(context.Background(), id); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get after restart: %v", err)
	}
	if got.State() != core.StateRunning {
		t.Errorf("state = %s, want running", got.State())
	}
	// The restart built a second backend instance.
	if len(*backends) != 2 {
		t.Errorf("backend instances = %d, want 2", len(*backends))
	}
}

func TestShutdownAll(t *testing.T) {
	m, _ := newTestManager(t, false)
	for i := 0; i < 3; i++ {
		if _, err := m.Start(context.Background(), "python", nil); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}

	m.ShutdownAll(context.Background())
	if n := len(m.List()); n != 0 {
		t.Errorf("%d kernels remain after ShutdownAll", n)
	}
}

func TestShutdownUnknownKernel(t *testing.T) {
	m, _ := newTestManager(t, false)
	if err := m.Shutdown(context.Background(), "nope"); core.CodeOf(err) != core.ErrorCodeNotFound {
		t.Fatalf("err = %v, want not found", err)
	}
}
