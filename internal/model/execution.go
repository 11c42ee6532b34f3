// Package model defines the records kernelhub persists.
package model

import "time"

// ExecutionStatus is the outcome of one execution.
type ExecutionStatus string

const (
	// StatusOK means the kernel returned a result. The code itself may still
	// have raised; that shows up in Stderr.
	StatusOK ExecutionStatus = "ok"
	// StatusFailed means no result came back (spawn failure, crash, restart...).
	StatusFailed ExecutionStatus = "failed"
)

// Execution is one entry of the execution history.
//
// The `json:"..."` tags tell Go's encoding/json package how to serialize
// this struct. `omitempty` drops the field when it holds its zero value, so
// a record without a document does not carry "document":"".
type Execution struct {
	ID        string          `json:"id"`
	Language  string          `json:"language"`
	Document  string          `json:"document,omitempty"`
	CellIndex *int            `json:"cellIndex,omitempty"`
	Code      string          `json:"code"`
	Stdout    string          `json:"stdout"`
	Stderr    string          `json:"stderr"`
	HasImage  bool            `json:"hasImage"`
	Status    ExecutionStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	// Merged reports whether the result was written into the notebook.
	Merged     bool      `json:"merged"`
	DurationMS int64     `json:"durationMs"`
	CreatedAt  time.Time `json:"createdAt"`
}
