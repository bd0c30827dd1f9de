// Package container holds the behavior shared by every containerized
// backend: UID/GID admission, image selection, working-dir scrubbing,
// and the startup-confirmation loop that interleaves placement status
// with connection-info polling.
package container

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

const (
	defaultUID = "1000"
	defaultGID = "100"
)

// Options configures the shared container behavior.
type Options struct {
	ImageName         string
	ExecutorImageName string
	MirrorWorkingDirs bool
	ProhibitedUIDs    []string
	ProhibitedGIDs    []string
}

// Base is embedded by the container backends.
type Base struct {
	P    *core.Provisioner
	Opts Options
}

func (b *Base) Bind(p *core.Provisioner) { b.P = p }

// PrepareEnv applies the container admission rules: substitute default
// UID/GID, reject prohibited ones, inject image names, and drop the
// working directory unless host dirs are mirrored into containers.
func (b *Base) PrepareEnv(env map[string]string) error {
	uid := env["KERNEL_UID"]
	if uid == "" {
		uid = defaultUID
		env["KERNEL_UID"] = uid
	}
	gid := env["KERNEL_GID"]
	if gid == "" {
		gid = defaultGID
		env["KERNEL_GID"] = gid
	}
	if slices.Contains(b.Opts.ProhibitedUIDs, uid) {
		return &core.ErrPermissionDenied{
			User:   b.P.Username(),
			Reason: fmt.Sprintf("not permitted to run with uid %s", uid),
		}
	}
	if slices.Contains(b.Opts.ProhibitedGIDs, gid) {
		return &core.ErrPermissionDenied{
			User:   b.P.Username(),
			Reason: fmt.Sprintf("not permitted to run with gid %s", gid),
		}
	}

	if _, ok := env["KERNEL_IMAGE"]; !ok && b.Opts.ImageName != "" {
		env["KERNEL_IMAGE"] = b.Opts.ImageName
	}
	if _, ok := env["KERNEL_EXECUTOR_IMAGE"]; !ok {
		switch {
		case b.Opts.ExecutorImageName != "":
			env["KERNEL_EXECUTOR_IMAGE"] = b.Opts.ExecutorImageName
		case env["KERNEL_IMAGE"] != "":
			env["KERNEL_EXECUTOR_IMAGE"] = env["KERNEL_IMAGE"]
		}
	}

	if !b.Opts.MirrorWorkingDirs {
		delete(env, "KERNEL_WORKING_DIR")
	}
	return nil
}

// AwaitStartup drives the confirmation loop: check placement status,
// fail on error states, poll for the connection payload, and enforce
// the launch deadline. Transient status errors are logged and retried.
func (b *Base) AwaitStartup(ctx context.Context, status func(context.Context) (string, error), isError func(string) bool) error {
	b.P.StartTimer()
	for {
		st, err := status(ctx)
		if err != nil {
			if !core.IsTransient(err) {
				return err
			}
			b.P.Logger().Warn("placement status check failed", "error", err)
		} else {
			if isError != nil && isError(st) {
				return &core.ErrLaunchFailed{
					KernelID: b.P.KernelID(),
					Host:     b.P.AssignedHost(),
					Reason:   fmt.Sprintf("placement entered error state %q", st),
				}
			}
			b.P.Logger().Debug("awaiting startup", "status", st)
		}

		done, err := b.P.ReceiveConnectionInfo(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if err := b.P.DetectLaunchFailure(); err != nil {
			return err
		}
		if err := b.P.HandleLaunchTimeout(ctx); err != nil {
			return err
		}
	}
}

// SignalViaListener delivers signum over the comm port. Signal 0 with
// no listener response falls back to alive, the placement status being
// the authoritative aliveness source for containers.
func (b *Base) SignalViaListener(ctx context.Context, signum int) error {
	if b.P.SendSignalViaListener(ctx, signum) == core.SignalDelivered {
		return nil
	}
	if signum == 0 {
		return nil
	}
	return &core.ErrKernelNotFound{KernelID: b.P.KernelID()}
}

func (b *Base) ShutdownWaitTime(recommended time.Duration) time.Duration {
	return recommended
}
