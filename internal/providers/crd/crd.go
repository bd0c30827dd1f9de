// Package crd launches kernels represented by a Kubernetes custom
// resource, such as Spark applications managed by the Spark operator.
// The launcher creates the resource; the backend tracks its status
// subfield and deletes the resource to terminate the kernel, letting
// the operator cascade to the driver pods.
package crd

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	k8sclient "k8s.io/client-go/kubernetes"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/providers/kubernetes"
)

// exceptionPattern extracts the concise failure reason from an
// operator-reported error message.
var exceptionPattern = regexp.MustCompile(`Exception\s*:\s*(.*)`)

// Options configures the custom resource backend. The zero value
// targets the Spark operator.
type Options struct {
	Kubernetes kubernetes.Options

	Group   string
	Version string
	Plural  string

	// StatusPath walks the unstructured object to the state string.
	StatusPath []string
	// ErrorMessagePath walks to the operator's failure message.
	ErrorMessagePath []string
	// ErrorStates are the terminal failure states, lowercased.
	ErrorStates []string
}

func (o *Options) applyDefaults() {
	if o.Group == "" {
		o.Group = "sparkoperator.k8s.io"
	}
	if o.Version == "" {
		o.Version = "v1beta2"
	}
	if o.Plural == "" {
		o.Plural = "sparkapplications"
	}
	if len(o.StatusPath) == 0 {
		o.StatusPath = []string{"status", "applicationState", "state"}
	}
	if len(o.ErrorMessagePath) == 0 {
		o.ErrorMessagePath = []string{"status", "applicationState", "errorMessage"}
	}
	if len(o.ErrorStates) == 0 {
		o.ErrorStates = []string{"failed", "submission_failed", "invalidating", "pending_rerun"}
	}
}

// Backend manages one kernel custom resource. Pod-level concerns
// (namespace policy, naming) come from the embedded Kubernetes
// backend; resource-level lifecycle is handled here.
type Backend struct {
	*kubernetes.Backend
	dyn  dynamic.Interface
	gvr  schema.GroupVersionResource
	opts Options

	resourceName string
}

func NewBackend(client k8sclient.Interface, dyn dynamic.Interface, opts Options) *Backend {
	opts.applyDefaults()
	return &Backend{
		Backend: kubernetes.NewBackend(client, opts.Kubernetes),
		dyn:     dyn,
		gvr:     schema.GroupVersionResource{Group: opts.Group, Version: opts.Version, Resource: opts.Plural},
		opts:    opts,
	}
}

func (b *Backend) Name() string {
	return fmt.Sprintf("crd:%s/%s", b.opts.Group, b.opts.Plural)
}

func (b *Backend) HasProcess() bool {
	return b.resourceName != "" || b.Backend.HasProcess()
}

// PreLaunch resolves namespace and naming through the Kubernetes layer,
// then exposes the target resource coordinates to the launcher.
func (b *Backend) PreLaunch(ctx context.Context, env map[string]string) error {
	if err := b.Backend.PreLaunch(ctx, env); err != nil {
		return err
	}
	b.resourceName = b.PodName()

	env["KERNEL_CRD_GROUP"] = b.opts.Group
	env["KERNEL_CRD_VERSION"] = b.opts.Version
	env["KERNEL_CRD_PLURAL"] = b.opts.Plural
	env["KERNEL_RESOURCE_NAME"] = b.resourceName
	return nil
}

func (b *Backend) ConfirmStartup(ctx context.Context) error {
	return b.AwaitStartup(ctx, b.status, nil)
}

// status reads the custom resource's state subfield. Terminal failure
// states become launch errors carrying the operator's exception line
// when one is present.
func (b *Backend) status(ctx context.Context) (string, error) {
	obj, err := b.dyn.Resource(b.gvr).Namespace(b.Namespace()).Get(ctx, b.resourceName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", nil
		}
		return "", &core.ErrTransient{Err: err}
	}

	state, _, _ := unstructured.NestedString(obj.Object, b.opts.StatusPath...)
	state = strings.ToLower(state)
	if slices.Contains(b.opts.ErrorStates, state) {
		return "", &core.ErrLaunchFailed{
			KernelID: b.P.KernelID(),
			Host:     b.P.AssignedHost(),
			Reason:   b.failureReason(obj, state),
		}
	}

	// Once the operator reports the application running, the driver pod
	// carries the placement; defer to the pod lookup until it is found.
	if state == "running" && b.P.AssignedHost() == "" {
		podState, perr := b.PodStatus(ctx)
		if perr != nil {
			return "", perr
		}
		if podState != "" {
			return podState, nil
		}
	}
	return state, nil
}

func (b *Backend) failureReason(obj *unstructured.Unstructured, state string) string {
	reason := fmt.Sprintf("resource %s entered state %q", b.resourceName, state)
	message, _, _ := unstructured.NestedString(obj.Object, b.opts.ErrorMessagePath...)
	if message == "" {
		return reason
	}
	if m := exceptionPattern.FindStringSubmatch(message); m != nil {
		return reason + ": " + strings.TrimSpace(m[1])
	}
	return reason + ": " + strings.TrimSpace(message)
}

// Poll reports the kernel gone once the resource disappeared or failed.
func (b *Backend) Poll(ctx context.Context) (*int, error) {
	st, err := b.status(ctx)
	if err != nil {
		if core.IsTransient(err) {
			return nil, nil
		}
		zero := 0
		return &zero, nil
	}
	if st == "" && !b.P.HasLocalProc() {
		zero := 0
		return &zero, nil
	}
	return nil, nil
}

func (b *Backend) Terminate(ctx context.Context, restart bool) error {
	return b.deleteResource(ctx)
}

func (b *Backend) Kill(ctx context.Context, restart bool) error {
	return b.deleteResource(ctx)
}

// deleteResource removes the custom resource. The operator cascades the
// deletion to whatever the resource spawned. Already gone is success.
func (b *Backend) deleteResource(ctx context.Context) error {
	if b.resourceName == "" {
		return nil
	}
	err := b.dyn.Resource(b.gvr).Namespace(b.Namespace()).Delete(ctx, b.resourceName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting %s %s/%s: %w", b.opts.Plural, b.Namespace(), b.resourceName, err)
	}
	b.resourceName = ""
	return nil
}

func (b *Backend) OnShutdownRequested(ctx context.Context, restart bool) error {
	return b.deleteResource(ctx)
}

func (b *Backend) Cleanup(ctx context.Context, restart bool) error {
	if err := b.deleteResource(ctx); err != nil {
		b.P.Logger().Warn("custom resource cleanup", "error", err)
	}
	return b.Backend.Cleanup(ctx, restart)
}

func (b *Backend) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended
}

func (b *Backend) Info() map[string]any {
	info := b.Backend.Info()
	info["resource_name"] = b.resourceName
	return info
}

func (b *Backend) LoadInfo(info map[string]any) error {
	if v, ok := info["resource_name"].(string); ok {
		b.resourceName = v
	}
	return b.Backend.LoadInfo(info)
}
