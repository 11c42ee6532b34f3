package handler

import (
	"log/slog"
	"net/http"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/notebook"
)

// NotebookService reads and clears cell outputs.
type NotebookService interface {
	Outputs(document string, cell int) (*notebook.CellOutputs, error)
	ClearOutputs(document string, cell int) error
}

// NotebookHandler serves the outputs of paired notebook cells.
type NotebookHandler struct {
	svc    NotebookService
	logger *slog.Logger
}

func NewNotebookHandler(svc NotebookService, logger *slog.Logger) *NotebookHandler {
	return &NotebookHandler{svc: svc, logger: logger}
}

// HandleOutputs renders one cell's outputs.
//
// HTTP: GET /api/notebooks/outputs?document=/abs/notes.md&cell=2
func (h *NotebookHandler) HandleOutputs(w http.ResponseWriter, r *http.Request) {
	document, cell, err := cellParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := h.svc.Outputs(document, cell)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleClear empties one cell's outputs.
//
// HTTP: DELETE /api/notebooks/outputs?document=/abs/notes.md&cell=2
func (h *NotebookHandler) HandleClear(w http.ResponseWriter, r *http.Request) {
	document, cell, err := cellParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.svc.ClearOutputs(document, cell); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func cellParams(r *http.Request) (string, int, error) {
	document := r.URL.Query().Get("document")
	if r.URL.Query().Get("cell") == "" {
		return "", 0, apperror.ValidationFailed("cell", "cell is required")
	}
	cell, err := queryInt(r, "cell", 0)
	if err != nil {
		return "", 0, err
	}
	return document, cell, nil
}
