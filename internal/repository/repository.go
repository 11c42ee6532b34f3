// Package repository declares the storage interfaces the services depend on.
// Implementations live in subpackages (see repository/sqlite).
package repository

import (
	"context"

	"github.com/sakif/kernelhub/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
	// Language filters by kernel language when set.
	Language string
	// Document filters by source document when set.
	Document string
}

// ExecutionRepository stores the execution history.
type ExecutionRepository interface {
	Create(ctx context.Context, exec *model.Execution) error
	GetByID(ctx context.Context, id string) (*model.Execution, error)
	List(ctx context.Context, opts ListOptions) ([]model.Execution, error)
	Count(ctx context.Context, opts ListOptions) (int, error)
}
