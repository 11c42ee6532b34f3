package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/kernelhub/internal/model"
	"github.com/sakif/kernelhub/internal/repository"
	"github.com/sakif/kernelhub/internal/service"
)

// HistoryService reads the execution history.
type HistoryService interface {
	History(ctx context.Context, opts repository.ListOptions) ([]model.Execution, int, error)
	Execution(ctx context.Context, id string) (*model.Execution, error)
}

// ExecutionHandler serves the execution history.
type ExecutionHandler struct {
	svc    HistoryService
	logger *slog.Logger
}

func NewExecutionHandler(svc HistoryService, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{svc: svc, logger: logger}
}

// ExecutionList is one page of history.
type ExecutionList struct {
	Items  []model.Execution `json:"items"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

// HandleList returns recorded executions, newest first.
//
// HTTP: GET /api/executions?limit=20&offset=0&language=python&document=/abs/notes.md
func (h *ExecutionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	opts := repository.ListOptions{
		Limit:    limit,
		Offset:   offset,
		Language: q.Get("language"),
		Document: q.Get("document"),
	}
	items, total, err := h.svc.History(r.Context(), opts)
	if err != nil {
		writeError(w, err)
		return
	}
	if limit <= 0 {
		limit = service.DefaultListLimit
	}
	writeJSON(w, http.StatusOK, ExecutionList{
		Items:  items,
		Total:  total,
		Limit:  min(limit, service.MaxListLimit),
		Offset: max(offset, 0),
	})
}

// HandleGet returns one record.
//
// HTTP: GET /api/executions/{id}
func (h *ExecutionHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	exec, err := h.svc.Execution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}
