package core

import (
	"errors"
	"fmt"
)

// ErrorCode classifies domain errors so the handler layer can map them
// to transport-level statuses without inspecting concrete types.
type ErrorCode int

const (
	ErrorCodeInternal ErrorCode = iota
	ErrorCodeConfig
	ErrorCodePermissionDenied
	ErrorCodeTimeout
	ErrorCodeLaunchFailed
	ErrorCodeInvariant
	ErrorCodeTransient
	ErrorCodeNotFound
)

// ErrConfig indicates an invalid option combination (port range bounds,
// unknown load-balancing algorithm, conflicting flags). It is raised
// synchronously, before any remote effect.
type ErrConfig struct {
	Option  string
	Message string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("invalid configuration for %s: %s", e.Option, e.Message)
}

// ErrPermissionDenied indicates an authorization failure: the kernel
// user failed the allow/deny check, SSH authentication failed, or a
// forbidden UID/GID was requested.
type ErrPermissionDenied struct {
	User   string
	Reason string
}

func (e *ErrPermissionDenied) Error() string {
	if e.User != "" {
		return fmt.Sprintf("user %q is %s", e.User, e.Reason)
	}
	return e.Reason
}

// ErrLaunchTimeout indicates that the launch timeout was exceeded while
// awaiting confirmation of remote kernel startup.
type ErrLaunchTimeout struct {
	KernelID string
	Host     string
	Reason   string
}

func (e *ErrLaunchTimeout) Error() string {
	return fmt.Sprintf("kernel %s launch timeout (host %q): %s", e.KernelID, e.Host, e.Reason)
}

// ErrLaunchFailed indicates the kernel could not be started: the local
// spawn exited non-zero before confirmation, or the backend placement
// reached a final or error state.
type ErrLaunchFailed struct {
	KernelID string
	Host     string
	Reason   string
}

func (e *ErrLaunchFailed) Error() string {
	return fmt.Sprintf("kernel %s launch failed (host %q): %s", e.KernelID, e.Host, e.Reason)
}

// ErrInvariant indicates a broken internal invariant, e.g. multiple
// placements discovered for one kernel id or a malformed payload.
type ErrInvariant struct {
	KernelID string
	Message  string
}

func (e *ErrInvariant) Error() string {
	if e.KernelID != "" {
		return fmt.Sprintf("kernel %s: %s", e.KernelID, e.Message)
	}
	return e.Message
}

// ErrTransient wraps a retryable backend or network error. It surfaces
// as a warning inside poll loops and never escapes unless the loop's
// own timeout expires.
type ErrTransient struct {
	Err error
}

func (e *ErrTransient) Error() string { return fmt.Sprintf("transient backend error: %v", e.Err) }
func (e *ErrTransient) Unwrap() error { return e.Err }

// ErrKernelNotFound indicates that no kernel with the given id is
// registered with this provisioner process.
type ErrKernelNotFound struct {
	KernelID string
}

func (e *ErrKernelNotFound) Error() string {
	return fmt.Sprintf("kernel %q not found", e.KernelID)
}

// CodeOf returns the ErrorCode for err, ErrorCodeInternal when the
// error is not a domain error.
func CodeOf(err error) ErrorCode {
	var (
		config     *ErrConfig
		permission *ErrPermissionDenied
		timeout    *ErrLaunchTimeout
		launch     *ErrLaunchFailed
		invariant  *ErrInvariant
		transient  *ErrTransient
		notFound   *ErrKernelNotFound
	)
	switch {
	case errors.As(err, &config):
		return ErrorCodeConfig
	case errors.As(err, &permission):
		return ErrorCodePermissionDenied
	case errors.As(err, &timeout):
		return ErrorCodeTimeout
	case errors.As(err, &launch):
		return ErrorCodeLaunchFailed
	case errors.As(err, &invariant):
		return ErrorCodeInvariant
	case errors.As(err, &transient):
		return ErrorCodeTransient
	case errors.As(err, &notFound):
		return ErrorCodeNotFound
	}
	return ErrorCodeInternal
}

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var transient *ErrTransient
	return errors.As(err, &transient)
}
