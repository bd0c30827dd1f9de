// Package handler exposes the kernel lifecycle as a JSON REST API.
package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/otterscale/kernel-provisioner/internal/core"
	"github.com/otterscale/kernel-provisioner/internal/kernels"
)

// Handler serves the kernels API.
type Handler struct {
	manager *kernels.Manager
	log     *slog.Logger
}

func New(manager *kernels.Manager, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{manager: manager, log: log}
}

// Mount registers the API routes.
func (h *Handler) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/kernelspecs", h.listSpecs)
	mux.HandleFunc("POST /api/kernels", h.startKernel)
	mux.HandleFunc("GET /api/kernels", h.listKernels)
	mux.HandleFunc("GET /api/kernels/{kernel_id}", h.getKernel)
	mux.HandleFunc("DELETE /api/kernels/{kernel_id}", h.shutdownKernel)
	mux.HandleFunc("POST /api/kernels/{kernel_id}/interrupt", h.interruptKernel)
	mux.HandleFunc("POST /api/kernels/{kernel_id}/restart", h.restartKernel)
}

type kernelView struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Backend        string              `json:"backend"`
	State          core.State          `json:"state"`
	StartedAt      time.Time           `json:"started_at"`
	ConnectionInfo core.ConnectionInfo `json:"connection_info,omitempty"`
}

func view(k *kernels.Kernel) kernelView {
	return kernelView{
		ID:             k.ID,
		Name:           k.SpecName,
		Backend:        k.Backend,
		State:          k.State(),
		StartedAt:      k.StartedAt,
		ConnectionInfo: k.ConnectionInfo(),
	}
}

type startRequest struct {
	Name string            `json:"name"`
	Env  map[string]string `json:"env"`
}

func (h *Handler) listSpecs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{"kernelspecs": h.manager.Specs()})
}

func (h *Handler) startKernel(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, &core.ErrConfig{Option: "request", Message: "malformed JSON body"})
		return
	}
	if req.Name == "" {
		h.writeError(w, r, &core.ErrConfig{Option: "request", Message: "name is required"})
		return
	}

	k, err := h.manager.Start(r.Context(), req.Name, req.Env)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, view(k))
}

func (h *Handler) listKernels(w http.ResponseWriter, r *http.Request) {
	list := h.manager.List()
	views := make([]kernelView, 0, len(list))
	for _, k := range list {
		views = append(views, view(k))
	}
	h.writeJSON(w, http.StatusOK, views)
}

func (h *Handler) getKernel(w http.ResponseWriter, r *http.Request) {
	k, err := h.manager.Get(r.PathValue("kernel_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view(k))
}

func (h *Handler) shutdownKernel(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Shutdown(r.Context(), r.PathValue("kernel_id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) interruptKernel(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Interrupt(r.Context(), r.PathValue("kernel_id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) restartKernel(w http.ResponseWriter, r *http.Request) {
	kernelID := r.PathValue("kernel_id")
	if err := h.manager.Restart(r.Context(), kernelID); err != nil {
		h.writeError(w, r, err)
		return
	}
	k, err := h.manager.Get(kernelID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view(k))
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn("response encoding failed", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		h.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
