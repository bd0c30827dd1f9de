package handler

import (
	"net/http"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

// httpStatus maps domain error codes onto HTTP status codes.
func httpStatus(err error) int {
	switch core.CodeOf(err) {
	case core.ErrorCodeConfig:
		return http.StatusBadRequest
	case core.ErrorCodePermissionDenied:
		return http.StatusForbidden
	case core.ErrorCodeNotFound:
		return http.StatusNotFound
	case core.ErrorCodeTimeout:
		return http.StatusGatewayTimeout
	case core.ErrorCodeTransient:
		return http.StatusServiceUnavailable
	case core.ErrorCodeLaunchFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
