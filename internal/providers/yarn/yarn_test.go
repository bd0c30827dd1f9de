package yarn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

type stubBroker struct{}

func (stubBroker) PublicKey() string { return "stub-key" }
func (stubBroker) Address() string   { return "10.0.0.1:8877" }
func (stubBroker) Register(string)   {}
func (stubBroker) Unregister(string) {}
func (stubBroker) ConnectionInfo(context.Context, string, time.Duration) (core.ConnectionInfo, error) {
	return nil, core.ErrResponsePending
}

func appsResponse(apps ...Application) any {
	return map[string]any{"apps": map[string]any{"app": apps}}
}

func schedulerResponse(queueName string, used float64) any {
	return map[string]any{"scheduler": map[string]any{"schedulerInfo": map[string]any{
		"queueName": "root",
		"queues": map[string]any{"queue": []any{
			map[string]any{"queueName": queueName, "usedCapacity": used},
		}},
	}}}
}

func resourceManager(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, time.Second)
}

func bindBackend(t *testing.T, client *Client, cfg core.Config) (*Backend, *core.Provisioner) {
	t.Helper()
	b := NewBackend(client, Options{KernelLogDir: t.TempDir()})
	p, err := core.NewProvisioner("kernel-yarn-test", core.KernelSpec{
		Argv: []string{"submit"},
	}, b, stubBroker{}, nil, cfg, nil)
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	return b, p
}

func TestApplicationByNamePicksGreatestID(t *testing.T) {
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(appsResponse(
			Application{ID: "application_1700000000000_0001", Name: "kernel-yarn-test", State: "FAILED"},
			Application{ID: "application_1700000000000_0007", Name: "kernel-yarn-test", State: "RUNNING"},
			Application{ID: "application_1700000000000_0003", Name: "unrelated", State: "RUNNING"},
		))
	})

	app, err := client.ApplicationByName(context.Background(), "kernel-yarn-test", nil, time.Time{})
	if err != nil {
		t.Fatalf("ApplicationByName: %v", err)
	}
	if app == nil || app.ID != "application_1700000000000_0007" {
		t.Fatalf("app = %+v, want the greatest matching id", app)
	}
}

func TestApplicationByNameNoMatch(t *testing.T) {
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(appsResponse())
	})
	app, err := client.ApplicationByName(context.Background(), "kernel-yarn-test", nil, time.Time{})
	if err != nil || app != nil {
		t.Fatalf("app = %+v, err = %v; want nil, nil", app, err)
	}
}

func TestQueuePreflightAdmitsAtThreshold(t *testing.T) {
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(schedulerResponse("analytics", 95.0))
	})
	b, p := bindBackend(t, client, core.Config{LaunchTimeout: time.Second, PollInterval: 10 * time.Millisecond})

	if err := b.confirmQueueAvailability(context.Background(), "analytics"); err != nil {
		t.Fatalf("capacity exactly at the threshold must admit: %v", err)
	}
	if p.LaunchTimeout() > time.Second {
		t.Errorf("launch timeout grew to %s", p.LaunchTimeout())
	}
}

func TestQueuePreflightTimesOutOnCongestion(t *testing.T) {
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(schedulerResponse("analytics", 99.5))
	})
	b, _ := bindBackend(t, client, core.Config{LaunchTimeout: 250 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	start := time.Now()
	err := b.confirmQueueAvailability(context.Background(), "analytics")
	if core.CodeOf(err) != core.ErrorCodeTimeout {
		t.Fatalf("err = %v, want launch timeout", err)
	}
	// The wait is bounded by a fifth of the launch timeout.
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Errorf("preflight blocked %s, want about 50ms", elapsed)
	}
}

func TestQueuePreflightReducesLaunchBudget(t *testing.T) {
	var calls atomic.Int64
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		used := 99.0
		if calls.Add(1) >= 3 {
			used = 10.0
		}
		_ = json.NewEncoder(w).Encode(schedulerResponse("analytics", used))
	})
	b, p := bindBackend(t, client, core.Config{LaunchTimeout: time.Second, PollInterval: 20 * time.Millisecond})

	if err := b.confirmQueueAvailability(context.Background(), "analytics"); err != nil {
		t.Fatalf("confirmQueueAvailability: %v", err)
	}
	if p.LaunchTimeout() >= time.Second {
		t.Errorf("launch timeout %s, want reduced by the queue wait", p.LaunchTimeout())
	}
}

func TestPollFinalStates(t *testing.T) {
	for _, state := range []string{"FINISHED", "KILLED", "FAILED"} {
		client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(appsResponse(
				Application{ID: "application_1", Name: "kernel-yarn-test", State: state},
			))
		})
		b, _ := bindBackend(t, client, core.Config{})

		code, err := b.Poll(context.Background())
		if err != nil {
			t.Fatalf("Poll(%s): %v", state, err)
		}
		if code == nil {
			t.Errorf("state %s must report the kernel gone", state)
		}
	}
}

func TestKillApplicationTolerates404(t *testing.T) {
	var killed atomic.Bool
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			killed.Store(true)
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(appsResponse())
	})
	b, _ := bindBackend(t, client, core.Config{})
	b.appID = "application_gone"

	if err := b.Kill(context.Background(), false); err != nil {
		t.Fatalf("Kill of vanished application: %v", err)
	}
	if !killed.Load() {
		t.Error("kill request never reached the resource manager")
	}
}

func TestTerminateKillsApplicationAndAwaitsFinalState(t *testing.T) {
	var killed atomic.Bool
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			killed.Store(true)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		state := "RUNNING"
		if killed.Load() {
			state = "KILLED"
		}
		_ = json.NewEncoder(w).Encode(appsResponse(
			Application{ID: "application_1", Name: "kernel-yarn-test", State: state},
		))
	})
	b, _ := bindBackend(t, client, core.Config{PollInterval: 5 * time.Millisecond, MaxPollAttempts: 4})
	b.appID = "application_1"

	if err := b.Terminate(context.Background(), false); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if !killed.Load() {
		t.Error("terminate never killed the application through the resource manager")
	}
}

func TestShutdownFailsWhenApplicationNeverFinishes(t *testing.T) {
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(appsResponse(
			Application{ID: "application_1", Name: "kernel-yarn-test", State: "RUNNING"},
		))
	})
	b, _ := bindBackend(t, client, core.Config{PollInterval: 5 * time.Millisecond, MaxPollAttempts: 3})
	b.appID = "application_1"

	if err := b.Kill(context.Background(), false); err == nil {
		t.Fatal("an application stuck out of final states must fail the shutdown")
	}
}

func TestShutdownWaitTimeFloor(t *testing.T) {
	b := NewBackend(nil, Options{})
	if got := b.ShutdownWaitTime(5 * time.Second); got != minShutdownWait {
		t.Errorf("ShutdownWaitTime(5s) = %s, want %s", got, minShutdownWait)
	}
	if got := b.ShutdownWaitTime(30 * time.Second); got != 30*time.Second {
		t.Errorf("ShutdownWaitTime(30s) = %s, want unchanged", got)
	}
}

func TestClientFailsOverToAlternate(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "standby", http.StatusInternalServerError)
	}))
	t.Cleanup(primary.Close)
	var altHits atomic.Int64
	alternate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		altHits.Add(1)
		_ = json.NewEncoder(w).Encode(appsResponse(
			Application{ID: "application_1", Name: "kernel-yarn-test", State: "RUNNING"},
		))
	}))
	t.Cleanup(alternate.Close)

	client := NewClient(primary.URL, time.Second, alternate.URL)
	for i := 0; i < 2; i++ {
		app, err := client.ApplicationByName(context.Background(), "kernel-yarn-test", nil, time.Time{})
		if err != nil || app == nil {
			t.Fatalf("ApplicationByName: %v, %v", app, err)
		}
	}
	if altHits.Load() != 2 {
		t.Errorf("alternate served %d requests, want 2", altHits.Load())
	}
}

func TestAuthUserAddsQueryParameter(t *testing.T) {
	var gotUser atomic.Value
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		gotUser.Store(r.URL.Query().Get("user.name"))
		_ = json.NewEncoder(w).Encode(appsResponse())
	})
	client.AuthUser("jovyan")

	if _, err := client.Applications(context.Background(), nil, time.Time{}); err != nil {
		t.Fatalf("Applications: %v", err)
	}
	if gotUser.Load() != "jovyan" {
		t.Errorf("user.name = %v, want jovyan", gotUser.Load())
	}
}

func TestApplicationsSinceFilter(t *testing.T) {
	var gotSince atomic.Value
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		gotSince.Store(r.URL.Query().Get("startedTimeBegin"))
		_ = json.NewEncoder(w).Encode(appsResponse())
	})

	since := time.UnixMilli(1700000000000)
	if _, err := client.Applications(context.Background(), nil, since); err != nil {
		t.Fatalf("Applications: %v", err)
	}
	if gotSince.Load() != "1700000000000" {
		t.Errorf("startedTimeBegin = %v, want 1700000000000", gotSince.Load())
	}
}

func TestQueueUsedCapacityUnknownQueue(t *testing.T) {
	client := resourceManager(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(schedulerResponse("other", 10))
	})
	if _, err := client.QueueUsedCapacity(context.Background(), "analytics"); err == nil {
		t.Fatal("unknown queue must error")
	}
}
