// Package kubernetes launches kernels as pods. The launch command runs
// locally and creates the pod; the backend resolves the target
// namespace (provided, shared, or created per kernel), discovers the
// pod through its labels, and manages its lifecycle through the API
// server.
package kubernetes

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	rbacv1 "k8s.io/api/rbac/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/providers/container"
)

// kernelSelector matches the labels launchers stamp on kernel pods.
const kernelSelectorFmt = "kernel_id=%s,component=kernel"

// nameSanitizer collapses every run of characters that is invalid in a
// pod name into a single dash.
var nameSanitizer = regexp.MustCompile(`[^0-9a-z]+`)

// Options configures the Kubernetes backend.
type Options struct {
	Container container.Options

	// Namespace is the gateway's own namespace, used when namespaces
	// are shared.
	Namespace string
	// SharedNamespace places kernels into Namespace instead of a
	// namespace per kernel.
	SharedNamespace bool
	// ClusterRole is bound to the default service account of created
	// namespaces.
	ClusterRole string
	// ServiceAccountName runs the kernel pod.
	ServiceAccountName string
}

// Backend manages one kernel pod.
type Backend struct {
	container.Base
	client kubernetes.Interface
	opts   Options

	podName        string
	namespace      string
	serviceAccount string
	ownedNamespace bool
	restarting     bool
}

func NewBackend(client kubernetes.Interface, opts Options) *Backend {
	if opts.Namespace == "" {
		opts.Namespace = "default"
	}
	if opts.ClusterRole == "" {
		opts.ClusterRole = "cluster-admin"
	}
	if opts.ServiceAccountName == "" {
		opts.ServiceAccountName = "default"
	}
	b := &Backend{client: client, opts: opts}
	b.Base.Opts = opts.Container
	return b
}

func (b *Backend) Name() string { return "kubernetes" }

// Namespace returns the namespace the kernel was resolved into.
func (b *Backend) Namespace() string { return b.namespace }

// PodName returns the sanitized pod name chosen for the kernel.
func (b *Backend) PodName() string { return b.podName }

func (b *Backend) HasProcess() bool {
	return b.podName != "" || (b.P != nil && b.P.HasLocalProc())
}

// PreLaunch resolves the pod name and namespace and exposes both to the
// launcher through the environment.
func (b *Backend) PreLaunch(ctx context.Context, env map[string]string) error {
	if err := b.PrepareEnv(env); err != nil {
		return err
	}

	b.podName = podName(env["KERNEL_POD_NAME"], b.P.Username(), b.P.KernelID())
	b.serviceAccount = env["KERNEL_SERVICE_ACCOUNT_NAME"]
	if b.serviceAccount == "" {
		b.serviceAccount = b.opts.ServiceAccountName
	}
	namespace, err := b.resolveNamespace(ctx, env["KERNEL_NAMESPACE"])
	if err != nil {
		return err
	}
	b.namespace = namespace

	env["KERNEL_POD_NAME"] = b.podName
	env["KERNEL_NAMESPACE"] = b.namespace
	env["KERNEL_SERVICE_ACCOUNT_NAME"] = b.serviceAccount
	return nil
}

// podName derives a valid pod name, preferring an explicit request.
func podName(requested, username, kernelID string) string {
	name := requested
	if name == "" {
		name = username + "-" + kernelID
	}
	name = nameSanitizer.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(name, "-")
}

// resolveNamespace applies the placement policy: a client-provided
// namespace is used as-is, a shared configuration reuses the gateway's
// namespace, and otherwise a namespace is created for this kernel and
// owned until cleanup.
func (b *Backend) resolveNamespace(ctx context.Context, provided string) (string, error) {
	if provided != "" {
		b.P.Logger().Debug("using client-provided namespace", "namespace", provided)
		return provided, nil
	}
	if b.opts.SharedNamespace {
		return b.opts.Namespace, nil
	}
	return b.createNamespace(ctx)
}

// createNamespace builds the kernel's namespace, named after the
// kernel's pod, and grants the kernel's service account the configured
// cluster role. An already-existing namespace is tolerated only while
// reattaching after a gateway restart.
func (b *Backend) createNamespace(ctx context.Context) (string, error) {
	name := b.podName

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   name,
			Labels: map[string]string{"app": "kernel-provisioner", "component": "kernel", "kernel_id": b.P.KernelID()},
		},
	}
	if _, err := b.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		if !apierrors.IsAlreadyExists(err) {
			return "", fmt.Errorf("creating namespace %s: %w", name, err)
		}
		if !b.restarting {
			return "", &core.ErrLaunchFailed{
				KernelID: b.P.KernelID(),
				Reason:   fmt.Sprintf("namespace %s already exists", name),
			}
		}
		b.P.Logger().Debug("reusing existing namespace after restart", "namespace", name)
		b.ownedNamespace = true
		return name, nil
	}
	b.ownedNamespace = true

	binding := &rbacv1.RoleBinding{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "kernel-controller",
			Namespace: name,
			Labels:    map[string]string{"app": "kernel-provisioner", "component": "kernel", "kernel_id": b.P.KernelID()},
		},
		RoleRef: rbacv1.RoleRef{
			APIGroup: rbacv1.GroupName,
			Kind:     "ClusterRole",
			Name:     b.opts.ClusterRole,
		},
		Subjects: []rbacv1.Subject{{
			Kind:      rbacv1.ServiceAccountKind,
			Name:      b.serviceAccount,
			Namespace: name,
		}},
	}
	if _, err := b.client.RbacV1().RoleBindings(name).Create(ctx, binding, metav1.CreateOptions{}); err != nil {
		return "", fmt.Errorf("binding cluster role %s in namespace %s: %w", b.opts.ClusterRole, name, err)
	}
	b.P.Logger().Info("namespace created for kernel", "namespace", name, "cluster_role", b.opts.ClusterRole)
	return name, nil
}

func (b *Backend) Launch(ctx context.Context, cmd []string, env map[string]string) error {
	_, err := b.P.LaunchLocal(ctx, cmd, env, "")
	return err
}

func (b *Backend) ConfirmStartup(ctx context.Context) error {
	return b.AwaitStartup(ctx, b.status, func(st string) bool {
		return st == "failed"
	})
}

// status looks up the kernel pod by selector. More than one match
// breaks the one-pod-per-kernel invariant. A running pod's address
// becomes the assigned placement.
func (b *Backend) status(ctx context.Context) (string, error) {
	pod, err := b.findPod(ctx)
	if err != nil {
		return "", err
	}
	if pod == nil {
		return "", nil
	}

	b.podName = pod.Name
	if pod.DeletionTimestamp != nil {
		return "terminating", nil
	}

	phase := strings.ToLower(string(pod.Status.Phase))
	if phase == "running" && pod.Status.PodIP != "" {
		b.P.SetAssigned(pod.Name, pod.Status.PodIP)
	}
	return phase, nil
}

// PodStatus exposes the pod lookup to backends layering on top of the
// pod lifecycle, such as custom resources whose operator spawns a
// driver pod.
func (b *Backend) PodStatus(ctx context.Context) (string, error) {
	return b.status(ctx)
}

func (b *Backend) findPod(ctx context.Context) (*corev1.Pod, error) {
	pods, err := b.client.CoreV1().Pods(b.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf(kernelSelectorFmt, b.P.KernelID()),
	})
	if err != nil {
		return nil, &core.ErrTransient{Err: err}
	}
	switch len(pods.Items) {
	case 0:
		return nil, nil
	case 1:
		return &pods.Items[0], nil
	}
	return nil, &core.ErrInvariant{
		KernelID: b.P.KernelID(),
		Message:  fmt.Sprintf("found %d pods labeled for this kernel, expected one", len(pods.Items)),
	}
}

// Poll reports the kernel gone once its pod reached a terminal phase or
// is being deleted.
func (b *Backend) Poll(ctx context.Context) (*int, error) {
	st, err := b.status(ctx)
	if err != nil {
		if core.IsTransient(err) {
			return nil, nil
		}
		return nil, err
	}
	switch st {
	case "succeeded", "failed", "terminating", "":
		zero := 0
		return &zero, nil
	}
	return nil, nil
}

func (b *Backend) Signal(ctx context.Context, signum int) error {
	return b.SignalViaListener(ctx, signum)
}

func (b *Backend) Terminate(ctx context.Context, restart bool) error {
	return b.deletePod(ctx)
}

func (b *Backend) Kill(ctx context.Context, restart bool) error {
	return b.deletePod(ctx)
}

// deletePod removes the kernel pod immediately, letting dependents go
// in the background. A pod that is already gone is success.
func (b *Backend) deletePod(ctx context.Context) error {
	if b.podName == "" {
		return nil
	}

	grace := int64(0)
	propagation := metav1.DeletePropagationBackground
	err := b.client.CoreV1().Pods(b.namespace).Delete(ctx, b.podName, metav1.DeleteOptions{
		GracePeriodSeconds: &grace,
		PropagationPolicy:  &propagation,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s/%s: %w", b.namespace, b.podName, err)
	}
	b.podName = ""
	return nil
}

func (b *Backend) OnShutdownRequested(ctx context.Context, restart bool) error {
	return b.deletePod(ctx)
}

// Cleanup removes the pod and, for namespaces this kernel owns, the
// namespace itself. Restarts keep the namespace so the new pod can
// reuse it.
func (b *Backend) Cleanup(ctx context.Context, restart bool) error {
	err := b.deletePod(ctx)
	b.P.CloseLocalProcess(false)

	if b.ownedNamespace && !restart {
		propagation := metav1.DeletePropagationBackground
		if nerr := b.client.CoreV1().Namespaces().Delete(ctx, b.namespace, metav1.DeleteOptions{
			PropagationPolicy: &propagation,
		}); nerr != nil && !apierrors.IsNotFound(nerr) {
			b.P.Logger().Warn("deleting kernel namespace", "namespace", b.namespace, "error", nerr)
		}
		b.ownedNamespace = false
	}
	return err
}

func (b *Backend) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended
}

func (b *Backend) Info() map[string]any {
	return map[string]any{
		"pod_name":        b.podName,
		"namespace":       b.namespace,
		"owned_namespace": b.ownedNamespace,
	}
}

func (b *Backend) LoadInfo(info map[string]any) error {
	if v, ok := info["pod_name"].(string); ok {
		b.podName = v
	}
	if v, ok := info["namespace"].(string); ok {
		b.namespace = v
	}
	if v, ok := info["owned_namespace"].(bool); ok {
		b.ownedNamespace = v
	}
	b.restarting = true
	return nil
}
