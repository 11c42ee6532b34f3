// Package handler contains the HTTP handlers of the kernelhub API.
//
// Handlers parse the request, call one service method and write the
// response. They hold no business logic; validation and error categories
// come from the service layer and are mapped to status codes in writeError.
package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/sakif/kernelhub/internal/service"
)

// Executor runs a code block through the service layer.
type Executor interface {
	Execute(ctx context.Context, in service.ExecuteInput) (*service.ExecuteOutput, error)
}

// ExecuteHandler handles code execution requests.
type ExecuteHandler struct {
	exec   Executor
	logger *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(exec Executor, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		exec:   exec,
		logger: logger,
	}
}

// ExecuteRequest is the body of POST /api/execute.
type ExecuteRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Document string `json:"document,omitempty"`
	// CellIndex targets a code cell of the paired notebook directly.
	CellIndex *int `json:"cellIndex,omitempty"`
	// Line is the 0-based line of the block's opening fence.
	Line *int `json:"line,omitempty"`
}

// ExecuteResponse is the result of one execution.
type ExecuteResponse struct {
	ID         string `json:"id"`
	RequestID  string `json:"requestId"`
	Language   string `json:"language"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	Image      string `json:"image,omitempty"` // base64-encoded PNG
	DurationMS int64  `json:"durationMs"`
	CellIndex  *int   `json:"cellIndex,omitempty"`
	Merged     bool   `json:"merged"`
}

// HandleExecute runs a code block and returns its output.
//
// HTTP: POST /api/execute
// REQUEST BODY: {"code": "print(1)", "language": "python", "document": "/abs/notes.md", "line": 12}
//
// The request blocks until the kernel answers. There is no server-side
// timeout; a client that disconnects leaves the request queued.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, err)
		return
	}

	out, err := h.exec.Execute(r.Context(), service.ExecuteInput{
		Code:      req.Code,
		Language:  req.Language,
		Document:  req.Document,
		CellIndex: req.CellIndex,
		Line:      req.Line,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	res := out.Result
	writeJSON(w, http.StatusOK, ExecuteResponse{
		ID:         out.RecordID,
		RequestID:  res.ID,
		Language:   res.Language,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		Image:      res.Image,
		DurationMS: res.Duration.Milliseconds(),
		CellIndex:  out.CellIndex,
		Merged:     out.Merged,
	})
}
