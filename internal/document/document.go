// Package document is the file-system implementation of the document
// collaborator: it pairs editor documents with notebooks, reads and writes
// notebook bytes, and resyncs a document after its notebook changed.
package document

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
)

const (
	notebookExt  = ".ipynb"
	notebookPerm = 0o644
)

// Store reads and writes notebook bytes.
type Store interface {
	ReadNotebook(path string) ([]byte, error)
	WriteNotebook(path string, data []byte) error
}

// Collaborator pairs editor documents with notebooks.
type Collaborator interface {
	Store
	NotebookPath(document string) string
	IsPaired(document string) bool
	ReadDocument(document string) ([]byte, error)
	Resync(ctx context.Context, document string) error
}

var _ Collaborator = (*FileSystem)(nil)

// FileSystem pairs documents with sibling .ipynb files.
type FileSystem struct {
	syncCommand []string
	logger      *slog.Logger
	now         func() time.Time
}

// New returns a collaborator. syncCommand, when set, is run after every
// notebook change with the document path appended, e.g.
// ["jupytext", "--sync"].
func New(syncCommand []string, logger *slog.Logger) *FileSystem {
	return &FileSystem{
		syncCommand: syncCommand,
		logger:      logger,
		now:         time.Now,
	}
}

// NotebookPath returns the notebook paired with document: the same path with
// its extension replaced by .ipynb.
func (f *FileSystem) NotebookPath(document string) string {
	return strings.TrimSuffix(document, filepath.Ext(document)) + notebookExt
}

// IsPaired reports whether document has a notebook next to it.
func (f *FileSystem) IsPaired(document string) bool {
	if document == "" {
		return false
	}
	nb := f.NotebookPath(document)
	if nb == document {
		return false
	}
	info, err := os.Stat(nb)
	return err == nil && info.Mode().IsRegular()
}

// ReadDocument returns the editor document's text.
func (f *FileSystem) ReadDocument(document string) ([]byte, error) {
	return os.ReadFile(document)
}

// ReadNotebook returns the raw notebook bytes.
func (f *FileSystem) ReadNotebook(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteNotebook replaces the notebook atomically, keeping its permissions.
func (f *FileSystem) WriteNotebook(path string, data []byte) error {
	perm := fs.FileMode(notebookPerm)
	if info, err := os.Stat(path); err == nil {
		perm = info.Mode().Perm()
	}
	return atomicwriter.WriteFile(path, data, perm)
}

// Resync marks document as newer than its notebook so a pairing tool keeps
// the document as the source of truth, then runs the sync command if one is
// configured.
func (f *FileSystem) Resync(ctx context.Context, document string) error {
	now := f.now()
	if err := os.Chtimes(document, now, now); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("document: touching %s: %w", document, err)
	}

	if len(f.syncCommand) == 0 {
		return nil
	}

	args := append(append([]string(nil), f.syncCommand[1:]...), document)
	cmd := exec.CommandContext(ctx, f.syncCommand[0], args...)
	cmd.Dir = filepath.Dir(document)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("document: %s: %w: %s", f.syncCommand[0], err, strings.TrimSpace(string(out)))
	}
	f.logger.Debug("document synced",
		slog.String("document", document),
		slog.String("command", strings.Join(f.syncCommand, " ")),
	)
	return nil
}
