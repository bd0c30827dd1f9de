package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/kernels"
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

type stubBackend struct {
	p     *core.Provisioner
	alive bool
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
	b.alive = false
	return nil
}

func (b *stubBackend) Kill(context.Context, bool) error {
	b.alive = false
	return nil
}

func (b *stubBackend) Cleanup(context.Context, bool) error            { return nil }
func (b *stubBackend) ShutdownWaitTime(r time.Duration) time.Duration { return r }
func (b *stubBackend) Info() map[string]any                           { return nil }
func (b *stubBackend) LoadInfo(map[string]any) error                  { return nil }

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	dir := t.TempDir()
	specDir := filepath.Join(dir, "python")
	if err := os.MkdirAll(specDir, 0o755); err != nil {
		t.Fatal(err)
	}
	content := `{"argv": ["launch", "{kernel_id}"], "metadata": {"provisioner": {"name": "stub"}}}`
	if err := os.WriteFile(filepath.Join(specDir, "kernel.json"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	manager := kernels.NewManager(specs.NewStore([]string{dir}), stubBroker{}, core.Config{
		LaunchTimeout:   time.Second,
		PollInterval:    5 * time.Millisecond,
		MaxPollAttempts: 2,
	}, kernels.Options{
		DefaultBackend: "stub",
		Factories: map[string]kernels.BackendFactory{
			"stub": func(string) (core.Backend, error) { return &stubBackend{}, nil },
		},
	}, nil, nil)

	mux := http.NewServeMux()
	New(manager, nil).Mount(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func startKernel(t *testing.T, srv *httptest.Server) kernelView {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/kernels", "application/json",
		strings.NewReader(`{"name": "python", "env": {"KERNEL_USERNAME": "alice"}}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	var v kernelView
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStartAndGetKernel(t *testing.T) {
	srv := newTestServer(t)
	v := startKernel(t, srv)
	if v.ID == "" || v.State != core.StateRunning {
		t.Fatalf("view = %+v", v)
	}

	resp := do(t, http.MethodGet, srv.URL+"/api/kernels/"+v.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	var got kernelView
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != v.ID || got.Name != "python" || got.Backend != "stub" {
		t.Errorf("got = %+v", got)
	}
}

func TestStartUnknownSpecIs404(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/kernels", "application/json",
		strings.NewReader(`{"name": "missing"}`))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStartRejectsMalformedBody(t *testing.T) {
	srv := newTestServer(t)
	resp, err := http.Post(srv.URL+"/api/kernels", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestListKernels(t *testing.T) {
	srv := newTestServer(t)
	startKernel(t, srv)
	startKernel(t, srv)

	resp := do(t, http.MethodGet, srv.URL+"/api/kernels")
	var list []kernelView
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("listed %d kernels, want 2", len(list))
	}
}

func TestShutdownKernel(t *testing.T) {
	srv := newTestServer(t)
	v := startKernel(t, srv)

	resp := do(t, http.MethodDelete, srv.URL+"/api/kernels/"+v.ID)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodGet, srv.URL+"/api/kernels/"+v.ID); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestInterruptUnknownKernelIs404(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodPost, srv.URL+"/api/kernels/nope/interrupt")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRestartKernel(t *testing.T) {
	srv := newTestServer(t)
	v := startKernel(t, srv)

	resp := do(t, http.MethodPost, srv.URL+"/api/kernels/"+v.ID+"/restart")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart status = %d", resp.StatusCode)
	}
	var got kernelView
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != v.ID {
		t.Errorf("restart changed kernel id: %s != %s", got.ID, v.ID)
	}
	if got.State != core.StateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
}

func TestListSpecs(t *testing.T) {
	srv := newTestServer(t)
	resp := do(t, http.MethodGet, srv.URL+"/api/kernelspecs")
	var body map[string][]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body["kernelspecs"]) != 1 || body["kernelspecs"][0] != "python" {
		t.Errorf("kernelspecs = %v", body["kernelspecs"])
	}
}
