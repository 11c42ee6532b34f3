// Package service contains the business logic between the HTTP handlers and
// the kernel, notebook and history layers.
//
//	Handler (HTTP layer)     → parses requests, writes responses
//	Service (business layer) → validates, resolves cells, orchestrates
//	Kernel / Notebook / Repo → run code, write notebooks, store history
//
// Services depend on small interfaces, not concrete types, so tests pass
// in-memory fakes and main.go decides the real implementations.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/executor"
	"github.com/sakif/kernelhub/internal/kernel"
	"github.com/sakif/kernelhub/internal/model"
	"github.com/sakif/kernelhub/internal/notebook"
	"github.com/sakif/kernelhub/internal/repository"
)

const (
	MaxCodeLength    = 1 << 20
	DefaultListLimit = 20
	MaxListLimit     = 100
	// historyTimeout bounds the history write that follows an execution.
	historyTimeout = 5 * time.Second
)

// Kernels is the kernel manager as seen by the service.
type Kernels interface {
	executor.Executor
	RestartKernel(ctx context.Context, language string) error
	Status() []kernel.Status
	Supports(language string) bool
}

// Notebooks reads and writes cell outputs.
type Notebooks interface {
	Apply(document string, index int, res *executor.ExecutionResult) bool
	Outputs(document string, index int) (*notebook.CellOutputs, error)
	Clear(document string, index int) error
	FindCodeCell(document, code string) (int, error)
}

// Documents answers pairing questions about editor documents.
type Documents interface {
	NotebookPath(document string) string
	IsPaired(document string) bool
	ReadDocument(document string) ([]byte, error)
}

// ExecutionService runs code blocks, merges results into paired notebooks
// and records every execution.
type ExecutionService struct {
	kernels   Kernels
	notebooks Notebooks
	documents Documents
	history   repository.ExecutionRepository
	enabled   bool
	logger    *slog.Logger
}

// NewExecutionService wires the service. enabled mirrors the
// enable_code_blocks setting; when false Execute refuses every request.
func NewExecutionService(
	kernels Kernels,
	notebooks Notebooks,
	documents Documents,
	history repository.ExecutionRepository,
	enabled bool,
	logger *slog.Logger,
) *ExecutionService {
	return &ExecutionService{
		kernels:   kernels,
		notebooks: notebooks,
		documents: documents,
		history:   history,
		enabled:   enabled,
		logger:    logger,
	}
}

// ExecuteInput is one code block to run.
type ExecuteInput struct {
	Code     string
	Language string
	// Document is the absolute path of the editor document, if any.
	Document string
	// CellIndex names the target code cell directly.
	CellIndex *int
	// Line is the 0-based line of the block's opening fence in Document.
	// It is used to find the cell when CellIndex is not given.
	Line *int
}

// ExecuteOutput is the result of Execute.
type ExecuteOutput struct {
	Result *executor.ExecutionResult
	// RecordID is the history id, empty when recording failed.
	RecordID string
	// CellIndex is the code cell the block maps to, nil when the document
	// has no paired notebook.
	CellIndex *int
	// Merged reports whether the result was written into the notebook.
	Merged bool
}

// Execute validates in, runs it on the language's kernel and merges the
// result into the paired notebook. Kernel errors are returned unchanged
// after being recorded in the history.
func (s *ExecutionService) Execute(ctx context.Context, in ExecuteInput) (*ExecuteOutput, error) {
	if !s.enabled {
		return nil, apperror.Forbidden("code block execution is disabled")
	}
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	if err := s.validate(in); err != nil {
		return nil, err
	}

	out := &ExecuteOutput{}
	if s.documents.IsPaired(in.Document) {
		idx, err := s.resolveCell(in)
		if err != nil {
			return nil, err
		}
		if idx >= 0 {
			out.CellIndex = &idx
		}
	}

	start := time.Now()
	res, err := s.kernels.Execute(ctx, executor.ExecutionRequest{
		Code:     in.Code,
		Language: in.Language,
		Document: in.Document,
	})
	if err != nil {
		s.logger.Warn("execution failed",
			slog.String("language", in.Language),
			slog.String("document", in.Document),
			slog.String("error", err.Error()),
		)
		s.record(&model.Execution{
			Language:   in.Language,
			Document:   in.Document,
			CellIndex:  out.CellIndex,
			Code:       in.Code,
			Status:     model.StatusFailed,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		})
		return nil, err
	}
	out.Result = res

	if out.CellIndex != nil {
		out.Merged = s.notebooks.Apply(in.Document, *out.CellIndex, res)
	}

	rec := &model.Execution{
		Language:   res.Language,
		Document:   in.Document,
		CellIndex:  out.CellIndex,
		Code:       in.Code,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		HasImage:   res.HasImage(),
		Status:     model.StatusOK,
		Merged:     out.Merged,
		DurationMS: res.Duration.Milliseconds(),
	}
	s.record(rec)
	out.RecordID = rec.ID

	s.logger.Info("code executed",
		slog.String("language", res.Language),
		slog.String("request", res.ID),
		slog.Duration("duration", res.Duration),
		slog.Bool("merged", out.Merged),
	)
	return out, nil
}

func (s *ExecutionService) validate(in ExecuteInput) error {
	if strings.TrimSpace(in.Code) == "" {
		return apperror.ValidationFailed("code", "code is required")
	}
	if len(in.Code) > MaxCodeLength {
		return apperror.ValidationFailed("code",
			fmt.Sprintf("code must be %d bytes or less", MaxCodeLength))
	}
	if in.Language == "" {
		return apperror.ValidationFailed("language", "language is required")
	}
	if !s.kernels.Supports(in.Language) {
		return apperror.ValidationFailed("language", fmt.Sprintf("unsupported language %q", in.Language))
	}
	if in.Document != "" && !filepath.IsAbs(in.Document) {
		return apperror.ValidationFailed("document", "document must be an absolute path")
	}
	if in.CellIndex != nil && *in.CellIndex < 0 {
		return apperror.ValidationFailed("cellIndex", "cellIndex must not be negative")
	}
	if in.Line != nil && *in.Line < 0 {
		return apperror.ValidationFailed("line", "line must not be negative")
	}
	return nil
}

// resolveCell picks the code cell for a block of a paired document, or -1.
//
// An explicit index wins. Otherwise the fence position gives the index, and
// a cell holding exactly the same code overrides it, since fences and cells
// drift apart while the user edits.
func (s *ExecutionService) resolveCell(in ExecuteInput) (int, error) {
	if in.CellIndex != nil {
		return *in.CellIndex, nil
	}

	idx := -1
	if in.Line != nil {
		text, err := s.documents.ReadDocument(in.Document)
		if err != nil {
			return -1, fmt.Errorf("service: reading %s: %w", in.Document, err)
		}
		idx = notebook.BlockIndex(string(text), *in.Line)
	}

	found, err := s.notebooks.FindCodeCell(in.Document, in.Code)
	if err != nil {
		// An unreadable notebook is reported by the merge itself.
		s.logger.Warn("reindexing code block failed",
			slog.String("document", in.Document),
			slog.String("error", err.Error()),
		)
		return idx, nil
	}
	if found >= 0 {
		idx = found
	}
	return idx, nil
}

// record stores rec, logging instead of failing. It runs on its own context
// so a caller that went away still leaves a history entry.
func (s *ExecutionService) record(rec *model.Execution) {
	if s.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := s.history.Create(ctx, rec); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("language", rec.Language),
			slog.String("error", err.Error()),
		)
	}
}

// Kernels reports the state of every kernel.
func (s *ExecutionService) Kernels() []kernel.Status {
	return s.kernels.Status()
}

// RestartKernel restarts the kernel for language.
func (s *ExecutionService) RestartKernel(ctx context.Context, language string) error {
	language = strings.ToLower(strings.TrimSpace(language))
	if !s.kernels.Supports(language) {
		return apperror.NotFound("kernel", language)
	}
	return s.kernels.RestartKernel(ctx, language)
}

// Outputs renders the outputs of a code cell of document's notebook.
func (s *ExecutionService) Outputs(document string, cell int) (*notebook.CellOutputs, error) {
	if err := s.checkNotebook(document, cell); err != nil {
		return nil, err
	}
	out, err := s.notebooks.Outputs(document, cell)
	if err != nil {
		return nil, cellError(document, cell, err)
	}
	return out, nil
}

// ClearOutputs empties a code cell's outputs.
func (s *ExecutionService) ClearOutputs(document string, cell int) error {
	if err := s.checkNotebook(document, cell); err != nil {
		return err
	}
	if err := s.notebooks.Clear(document, cell); err != nil {
		return cellError(document, cell, err)
	}
	s.logger.Info("cell outputs cleared",
		slog.String("document", document),
		slog.Int("cell", cell),
	)
	return nil
}

func (s *ExecutionService) checkNotebook(document string, cell int) error {
	if document == "" {
		return apperror.ValidationFailed("document", "document is required")
	}
	if !filepath.IsAbs(document) {
		return apperror.ValidationFailed("document", "document must be an absolute path")
	}
	if cell < 0 {
		return apperror.ValidationFailed("cell", "cell must not be negative")
	}
	if !s.documents.IsPaired(document) {
		return apperror.NotFound("notebook", s.documents.NotebookPath(document))
	}
	return nil
}

func cellError(document string, cell int, err error) error {
	if errors.Is(err, notebook.ErrCellNotFound) {
		return apperror.NotFound("code cell", fmt.Sprintf("%d in %s", cell, document))
	}
	return err
}

// History lists recorded executions, newest first, with the total count for
// the same filters.
func (s *ExecutionService) History(ctx context.Context, opts repository.ListOptions) ([]model.Execution, int, error) {
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Language = strings.ToLower(strings.TrimSpace(opts.Language))

	items, err := s.history.List(ctx, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("listing executions: %w", err)
	}
	total, err := s.history.Count(ctx, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("counting executions: %w", err)
	}
	return items, total, nil
}

// Execution returns one history record.
func (s *ExecutionService) Execution(ctx context.Context, id string) (*model.Execution, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperror.ValidationFailed("id", "execution ID is required")
	}
	return s.history.GetByID(ctx, id)
}
