package handler

// Every error response has the same shape:
//
//	{"error": "cross_document", "message": "python kernel is bound to /a/notes.md ..."}
//
// so an editor plugin can always show the message and branch on the type.

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/notebook"
)

// maxBodyBytes bounds request bodies; code blocks are the largest payload.
const maxBodyBytes = 4 << 20

// ErrorResponse is the standard error format returned by all API endpoints.
type ErrorResponse struct {
	Error   string `json:"error"`           // Machine-readable error type (e.g., "not_found")
	Message string `json:"message"`         // Human-readable description
	Field   string `json:"field,omitempty"` // Set for validation errors
}

// writeJSON sends a JSON response with the given status code. Headers and
// status must be written before the body.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			// Headers are already sent; all we can do is log.
			slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
		}
	}
}

// errorStatus maps an error category to its HTTP status and type.
//
// errors.Is walks the whole chain, so a wrapped *apperror.AppError still
// matches its sentinel:
//
//	fmt.Errorf("executing: %w", apperror.CrossDocument(...)) → ErrCrossDocument ✓
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperror.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, apperror.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, apperror.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, apperror.ErrNotFound), errors.Is(err, notebook.ErrCellNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperror.ErrCrossDocument):
		return http.StatusConflict, "cross_document"
	case errors.Is(err, apperror.ErrKernelRestarted):
		return http.StatusConflict, "kernel_restarted"
	case errors.Is(err, apperror.ErrProcessClosed):
		return http.StatusConflict, "process_closed"
	case errors.Is(err, apperror.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperror.ErrProtocol):
		return http.StatusBadGateway, "protocol_error"
	case errors.Is(err, apperror.ErrSpawn):
		return http.StatusServiceUnavailable, "spawn_failed"
	case errors.Is(err, apperror.ErrReadinessTimeout):
		return http.StatusServiceUnavailable, "readiness_timeout"
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError maps a domain error to the matching HTTP response. Services
// return apperror categories and never know about status codes.
func writeError(w http.ResponseWriter, err error) {
	status, errorType := errorStatus(err)

	var appErr *apperror.AppError
	if status != http.StatusInternalServerError && errors.As(err, &appErr) {
		writeJSON(w, status, ErrorResponse{
			Error:   errorType,
			Message: appErr.Error(),
			Field:   appErr.Field,
		})
		return
	}
	if status != http.StatusInternalServerError {
		writeJSON(w, status, ErrorResponse{Error: errorType, Message: err.Error()})
		return
	}

	// Never expose internal error details (SQL, file paths) to the client.
	slog.Error("unhandled error", slog.String("error", err.Error()))
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: "An internal error occurred",
	})
}

// decodeJSON reads one JSON object from the request body into dst and
// rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperror.ValidationFailed("body", fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		if errors.Is(err, io.EOF) {
			return apperror.ValidationFailed("body", "request body is required")
		}
		return apperror.ValidationFailed("body", "invalid JSON body: "+err.Error())
	}
	if dec.More() {
		return apperror.ValidationFailed("body", "request body must hold a single JSON object")
	}
	return nil
}

// queryInt parses an optional integer query parameter. def is returned when
// the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperror.ValidationFailed(name, fmt.Sprintf("%s must be an integer", name))
	}
	return n, nil
}
