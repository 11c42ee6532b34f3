package notebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sakif/kernelhub/internal/executor"
	"github.com/sakif/kernelhub/internal/notify"
)

// ErrCellNotFound is returned when a code-cell index is out of range.
var ErrCellNotFound = errors.New("notebook: code cell not found")

// resyncTimeout bounds one asynchronous resync.
const resyncTimeout = 30 * time.Second

// Documents is what the merger needs from the document collaborator.
type Documents interface {
	NotebookPath(document string) string
	ReadNotebook(path string) ([]byte, error)
	WriteNotebook(path string, data []byte) error
	Resync(ctx context.Context, document string) error
}

// Merger writes execution results into notebook code cells.
type Merger struct {
	docs     Documents
	notifier notify.Notifier
	logger   *slog.Logger

	// mu serialises read-modify-write cycles on notebooks.
	mu     sync.Mutex
	resync sync.WaitGroup
}

// NewMerger returns a merger backed by docs.
func NewMerger(docs Documents, notifier notify.Notifier, logger *slog.Logger) *Merger {
	if notifier == nil {
		notifier = notify.Discard
	}
	return &Merger{docs: docs, notifier: notifier, logger: logger}
}

// Apply merges res into the index-th code cell of document's notebook and
// reports whether it succeeded. Failures are logged and notified, never
// returned, so a stale index cannot break the caller.
func (m *Merger) Apply(document string, index int, res *executor.ExecutionResult) bool {
	if err := m.Merge(document, index, res); err != nil {
		m.logger.Error("merging result into notebook failed",
			slog.String("document", document),
			slog.Int("cell", index),
			slog.String("error", err.Error()),
		)
		m.notifier.Notify(notify.Error(res.Language,
			fmt.Sprintf("Could not write output to cell %d of %s: %v", index, m.docs.NotebookPath(document), err)))
		return false
	}
	return true
}

// Merge is Apply with the error returned.
func (m *Merger) Merge(document string, index int, res *executor.ExecutionResult) error {
	err := m.update(document, index, func(c *Cell) {
		c.Outputs = ResultOutputs(res)
		count := 1
		if c.ExecutionCount != nil {
			count = *c.ExecutionCount + 1
		}
		c.ExecutionCount = &count
		c.SetExecuting(false)
	})
	if err != nil {
		return err
	}

	m.logger.Debug("result merged",
		slog.String("document", document),
		slog.Int("cell", index),
		slog.String("execution", res.ID),
	)
	m.triggerResync(document)
	return nil
}

// ResultOutputs converts an execution result into cell outputs: stdout, then
// stderr, then the figure, each only when present.
func ResultOutputs(res *executor.ExecutionResult) []*Output {
	outputs := []*Output{}
	if res.Stdout != "" {
		outputs = append(outputs, StreamOutput("stdout", strings.TrimRight(res.Stdout, "\n")+"\n"))
	}
	if res.Stderr != "" {
		outputs = append(outputs, StreamOutput("stderr", res.Stderr))
	}
	if res.Image != "" {
		outputs = append(outputs, ImageOutput(res.Image))
	}
	return outputs
}

// Clear empties the outputs of the index-th code cell.
func (m *Merger) Clear(document string, index int) error {
	err := m.update(document, index, func(c *Cell) {
		c.Outputs = []*Output{}
	})
	if err != nil {
		return err
	}
	m.triggerResync(document)
	return nil
}

// CellOutputs is the rendered view of one cell's outputs.
type CellOutputs struct {
	Index          int      `json:"index"`
	ExecutionCount *int     `json:"executionCount"`
	Text           string   `json:"text"`
	Images         []string `json:"images"`
}

// HasOutput reports whether anything would be shown for the cell.
func (o *CellOutputs) HasOutput() bool {
	return strings.TrimSpace(o.Text) != "" || len(o.Images) > 0
}

// Outputs renders the index-th code cell: stream text and execute_result
// text/plain are concatenated, display_data PNGs are collected. Blank text
// entries are skipped.
func (m *Merger) Outputs(document string, index int) (*CellOutputs, error) {
	nb, err := m.load(document)
	if err != nil {
		return nil, err
	}
	cell, err := nb.CodeCell(index)
	if err != nil {
		return nil, err
	}

	out := &CellOutputs{Index: index, ExecutionCount: cell.ExecutionCount, Images: []string{}}
	var text strings.Builder
	for _, o := range cell.Outputs {
		switch o.Type {
		case OutputStream:
			if strings.TrimSpace(string(o.Text)) != "" {
				text.WriteString(string(o.Text))
			}
		case OutputExecuteResult:
			if t := string(o.Data[mimeText]); strings.TrimSpace(t) != "" {
				text.WriteString(t)
			}
		case OutputDisplayData:
			if img := string(o.Data[mimePNG]); img != "" {
				out.Images = append(out.Images, img)
			}
		}
	}
	out.Text = text.String()
	return out, nil
}

// FindCodeCell returns the index of the first code cell whose trimmed source
// equals the trimmed code, or -1.
func (m *Merger) FindCodeCell(document, code string) (int, error) {
	nb, err := m.load(document)
	if err != nil {
		return -1, err
	}
	want := strings.TrimSpace(code)
	for i, c := range nb.CodeCells() {
		if strings.TrimSpace(string(c.Source)) == want {
			return i, nil
		}
	}
	return -1, nil
}

// Wait blocks until every pending resync finished.
func (m *Merger) Wait() {
	m.resync.Wait()
}

func (m *Merger) load(document string) (*Notebook, error) {
	path := m.docs.NotebookPath(document)
	data, err := m.docs.ReadNotebook(path)
	if err != nil {
		return nil, fmt.Errorf("notebook: reading %s: %w", path, err)
	}
	nb, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return nb, nil
}

func (m *Merger) update(document string, index int, edit func(c *Cell)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	nb, err := m.load(document)
	if err != nil {
		return err
	}
	cell, err := nb.CodeCell(index)
	if err != nil {
		return err
	}
	edit(cell)

	data, err := nb.Encode()
	if err != nil {
		return err
	}
	path := m.docs.NotebookPath(document)
	if err := m.docs.WriteNotebook(path, data); err != nil {
		return fmt.Errorf("notebook: writing %s: %w", path, err)
	}
	return nil
}

func (m *Merger) triggerResync(document string) {
	m.resync.Add(1)
	go func() {
		defer m.resync.Done()
		ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
		defer cancel()
		if err := m.docs.Resync(ctx, document); err != nil {
			m.logger.Warn("document resync failed",
				slog.String("document", document),
				slog.String("error", err.Error()),
			)
		}
	}()
}
