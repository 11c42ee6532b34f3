package executor

import (
	"context"
	"time"
)

// ExecutionRequest represents a request to execute a block of code against a
// persistent language kernel.
type ExecutionRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	// Document is the editor document the code came from. It decides the
	// kernel's working directory and the notebook the result is merged into.
	Document string `json:"document,omitempty"`
}

// ExecutionResult represents the captured output of one execution.
type ExecutionResult struct {
	ID       string        `json:"id"`
	Language string        `json:"language"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Image    string        `json:"image,omitempty"` // base64-encoded PNG
	Duration time.Duration `json:"duration"`
}

// HasImage reports whether the execution produced a figure.
func (r *ExecutionResult) HasImage() bool {
	return r.Image != ""
}

// Executor represents the core interface for running code against a kernel.
type Executor interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}
