package kubernetes

import (
	"context"
	"testing"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

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

const testKernelID = "b31dcb44-a53b-4f11-95c6-1c38cf7d4e0d"

func bindBackend(t *testing.T, client *fake.Clientset, opts Options) (*Backend, *core.Provisioner) {
	t.Helper()
	b := NewBackend(client, opts)
	p, err := core.NewProvisioner(testKernelID, core.KernelSpec{
		Argv: []string{"launch"},
	}, b, stubBroker{}, nil, core.Config{}, nil)
	if err != nil {
		t.Fatalf("NewProvisioner: %v", err)
	}
	return b, p
}

func kernelPod(name, namespace string, phase corev1.PodPhase, podIP string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: namespace,
			Labels:    map[string]string{"kernel_id": testKernelID, "component": "kernel"},
		},
		Spec:   corev1.PodSpec{NodeName: "node-a"},
		Status: corev1.PodStatus{Phase: phase, PodIP: podIP},
	}
}

func TestPodNameSanitized(t *testing.T) {
	tests := []struct {
		requested, username, want string
	}{
		{"", "Alice.Smith", "alice-smith-" + testKernelID},
		{"", "bob", "bob-" + testKernelID},
		{"My Pod!!Name", "ignored", "my-pod-name"},
		{"", "__x__", "x-" + testKernelID},
	}
	for _, tt := range tests {
		if got := podName(tt.requested, tt.username, testKernelID); got != tt.want {
			t.Errorf("podName(%q, %q) = %q, want %q", tt.requested, tt.username, got, tt.want)
		}
	}
}

func TestPreLaunchCreatesNamespaceWithRoleBinding(t *testing.T) {
	client := fake.NewSimpleClientset()
	b, p := bindBackend(t, client, Options{ClusterRole: "kernel-controller"})
	_ = p

	env := map[string]string{"KERNEL_USERNAME": "alice"}
	if err := b.PreLaunch(context.Background(), env); err != nil {
		t.Fatalf("PreLaunch: %v", err)
	}

	if env["KERNEL_NAMESPACE"] == "" || env["KERNEL_NAMESPACE"] != b.namespace {
		t.Errorf("KERNEL_NAMESPACE = %q, backend namespace = %q", env["KERNEL_NAMESPACE"], b.namespace)
	}
	if !b.ownedNamespace {
		t.Error("created namespace must be owned")
	}

	if _, err := client.CoreV1().Namespaces().Get(context.Background(), b.namespace, metav1.GetOptions{}); err != nil {
		t.Fatalf("namespace not created: %v", err)
	}
	binding, err := client.RbacV1().RoleBindings(b.namespace).Get(context.Background(), "kernel-controller", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("role binding not created: %v", err)
	}
	if binding.RoleRef.Name != "kernel-controller" {
		t.Errorf("role ref = %q", binding.RoleRef.Name)
	}
}

func TestPreLaunchProvidedNamespaceNotOwned(t *testing.T) {
	client := fake.NewSimpleClientset()
	b, _ := bindBackend(t, client, Options{})

	env := map[string]string{"KERNEL_NAMESPACE": "team-science"}
	if err := b.PreLaunch(context.Background(), env); err != nil {
		t.Fatalf("PreLaunch: %v", err)
	}
	if b.namespace != "team-science" || b.ownedNamespace {
		t.Errorf("namespace = %q owned = %v, want provided and not owned", b.namespace, b.ownedNamespace)
	}
}

func TestPreLaunchSharedNamespace(t *testing.T) {
	client := fake.NewSimpleClientset()
	b, _ := bindBackend(t, client, Options{Namespace: "gateway", SharedNamespace: true})

	env := map[string]string{}
	if err := b.PreLaunch(context.Background(), env); err != nil {
		t.Fatalf("PreLaunch: %v", err)
	}
	if b.namespace != "gateway" || b.ownedNamespace {
		t.Errorf("namespace = %q owned = %v, want shared gateway namespace", b.namespace, b.ownedNamespace)
	}
}

func TestCreateNamespaceConflictOnlyToleratedDuringRestart(t *testing.T) {
	existing := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: podName("", "", testKernelID)}}

	client := fake.NewSimpleClientset(existing)
	b, _ := bindBackend(t, client, Options{})
	err := b.PreLaunch(context.Background(), map[string]string{"KERNEL_USERNAME": "alice"})
	if core.CodeOf(err) != core.ErrorCodeLaunchFailed {
		t.Fatalf("err = %v, want launch failed for a conflicting namespace", err)
	}

	client = fake.NewSimpleClientset(existing)
	b, _ = bindBackend(t, client, Options{})
	b.restarting = true
	if err := b.PreLaunch(context.Background(), map[string]string{"KERNEL_USERNAME": "alice"}); err != nil {
		t.Fatalf("restart must tolerate the existing namespace: %v", err)
	}
}

func TestCreateNamespaceMatchesPodNameAndServiceAccount(t *testing.T) {
	client := fake.NewSimpleClientset()
	b, _ := bindBackend(t, client, Options{})

	env := map[string]string{
		"KERNEL_USERNAME":             "alice",
		"KERNEL_POD_NAME":             "My Custom Pod",
		"KERNEL_SERVICE_ACCOUNT_NAME": "kernel-sa",
	}
	if err := b.PreLaunch(context.Background(), env); err != nil {
		t.Fatalf("PreLaunch: %v", err)
	}

	if b.podName != "my-custom-pod" || b.namespace != b.podName {
		t.Errorf("namespace = %q, pod name = %q; created namespace must equal the pod name",
			b.namespace, b.podName)
	}
	binding, err := client.RbacV1().RoleBindings(b.namespace).Get(context.Background(), "kernel-controller", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("role binding not created: %v", err)
	}
	if binding.Subjects[0].Name != "kernel-sa" {
		t.Errorf("role binding subject = %q, want the client-provided service account", binding.Subjects[0].Name)
	}
	if env["KERNEL_SERVICE_ACCOUNT_NAME"] != "kernel-sa" {
		t.Errorf("KERNEL_SERVICE_ACCOUNT_NAME = %q, override must survive", env["KERNEL_SERVICE_ACCOUNT_NAME"])
	}
}

func TestStatusDiscoversRunningPod(t *testing.T) {
	pod := kernelPod("alice-kernel", "ns1", corev1.PodRunning, "10.42.0.9")
	client := fake.NewSimpleClientset(pod)
	b, p := bindBackend(t, client, Options{})
	b.namespace = "ns1"

	st, err := b.status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st != "running" {
		t.Errorf("status = %q", st)
	}
	if p.AssignedIP() != "10.42.0.9" || p.AssignedHost() != "alice-kernel" {
		t.Errorf("assigned = %q/%q, want pod name and pod ip", p.AssignedHost(), p.AssignedIP())
	}
}

func TestPollTerminalPhases(t *testing.T) {
	for _, phase := range []corev1.PodPhase{corev1.PodSucceeded, corev1.PodFailed} {
		client := fake.NewSimpleClientset(kernelPod("k", "ns1", phase, ""))
		b, _ := bindBackend(t, client, Options{})
		b.namespace = "ns1"

		code, err := b.Poll(context.Background())
		if err != nil {
			t.Fatalf("Poll(%s): %v", phase, err)
		}
		if code == nil {
			t.Errorf("phase %s must report the kernel gone", phase)
		}
	}
}

func TestDeleteMissingPodIsSuccess(t *testing.T) {
	client := fake.NewSimpleClientset()
	b, _ := bindBackend(t, client, Options{})
	b.namespace = "ns1"
	b.podName = "already-gone"

	if err := b.Terminate(context.Background(), false); err != nil {
		t.Fatalf("Terminate of missing pod: %v", err)
	}
}

func TestCleanupDeletesOwnedNamespaceUnlessRestarting(t *testing.T) {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "kernel-ns"}}

	client := fake.NewSimpleClientset(ns)
	b, _ := bindBackend(t, client, Options{})
	b.namespace = "kernel-ns"
	b.ownedNamespace = true
	if err := b.Cleanup(context.Background(), true); err != nil {
		t.Fatalf("Cleanup(restart): %v", err)
	}
	if _, err := client.CoreV1().Namespaces().Get(context.Background(), "kernel-ns", metav1.GetOptions{}); err != nil {
		t.Fatal("restart cleanup must keep the owned namespace")
	}

	client = fake.NewSimpleClientset(ns)
	b, _ = bindBackend(t, client, Options{})
	b.namespace = "kernel-ns"
	b.ownedNamespace = true
	if err := b.Cleanup(context.Background(), false); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if _, err := client.CoreV1().Namespaces().Get(context.Background(), "kernel-ns", metav1.GetOptions{}); err == nil {
		t.Fatal("final cleanup must delete the owned namespace")
	}
}
