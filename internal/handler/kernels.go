package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/kernelhub/internal/kernel"
)

// KernelService lists and restarts kernels.
type KernelService interface {
	Kernels() []kernel.Status
	RestartKernel(ctx context.Context, language string) error
}

// KernelHandler exposes kernel state and restart.
type KernelHandler struct {
	svc    KernelService
	logger *slog.Logger
}

func NewKernelHandler(svc KernelService, logger *slog.Logger) *KernelHandler {
	return &KernelHandler{svc: svc, logger: logger}
}

// HandleList returns the status of every configured kernel.
//
// HTTP: GET /api/kernels
func (h *KernelHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Kernels())
}

// HandleRestart restarts one kernel. Requests pending on it fail with
// kernel_restarted.
//
// HTTP: POST /api/kernels/{language}/restart
//
// chi.URLParam reads the {language} segment of the matched route.
func (h *KernelHandler) HandleRestart(w http.ResponseWriter, r *http.Request) {
	language := chi.URLParam(r, "language")
	if err := h.svc.RestartKernel(r.Context(), language); err != nil {
		writeError(w, err)
		return
	}
	h.logger.Info("kernel restart requested", slog.String("language", language))
	w.WriteHeader(http.StatusNoContent)
}
