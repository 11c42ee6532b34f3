// Package kernel manages one long-lived interpreter process per language and
// serialises execution requests against it.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/executor"
	"github.com/sakif/kernelhub/internal/kernel/process"
	"github.com/sakif/kernelhub/internal/notify"
)

// Manager is the façade over the per-language supervisors.
type Manager struct {
	supervisors map[string]*Supervisor
	order       []string
	notifier    notify.Notifier
	logger      *slog.Logger

	cleanupOnce sync.Once
}

// Manager implements executor.Executor.
var _ executor.Executor = (*Manager)(nil)

// NewManager builds a manager for the given languages. No process is
// started until the first execution for a language.
func NewManager(languages []LanguageConfig, launcher process.Launcher, notifier notify.Notifier, logger *slog.Logger) (*Manager, error) {
	if len(languages) == 0 {
		return nil, fmt.Errorf("kernel: at least one language is required")
	}
	if notifier == nil {
		notifier = notify.Discard
	}

	m := &Manager{
		supervisors: make(map[string]*Supervisor, len(languages)),
		notifier:    notifier,
		logger:      logger,
	}
	for _, cfg := range languages {
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		if _, dup := m.supervisors[cfg.Name]; dup {
			return nil, fmt.Errorf("kernel: language %q configured twice", cfg.Name)
		}
		m.supervisors[cfg.Name] = NewSupervisor(cfg, launcher, notifier, logger)
		m.order = append(m.order, cfg.Name)
	}
	return m, nil
}

// Execute runs req.Code on the kernel for req.Language, starting it when
// needed, and waits for its result.
func (m *Manager) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	sup, err := m.supervisor(req.Language)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := sup.EnsureRunning(ctx, req.Document); err != nil {
		return nil, err
	}

	resp, err := sup.Submit(ctx, req.Code)
	if err != nil {
		return nil, err
	}

	return &executor.ExecutionResult{
		ID:       resp.ID,
		Language: req.Language,
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		Image:    resp.Image,
		Duration: time.Since(start),
	}, nil
}

// RestartKernel stops the kernel for language and fails its pending
// requests. The next execution starts a fresh process.
func (m *Manager) RestartKernel(ctx context.Context, language string) error {
	sup, err := m.supervisor(language)
	if err != nil {
		return err
	}
	if err := sup.Restart(ctx); err != nil {
		return err
	}

	m.logger.Info("kernel restarted", slog.String("language", language))
	m.notifier.Notify(notify.Info(language, notify.DisplayName(language)+" kernel restarted"))
	return nil
}

// Cleanup terminates every live kernel. It is safe to call more than once;
// later executions fail with a process-closed error.
func (m *Manager) Cleanup() {
	m.cleanupOnce.Do(func() {
		var wg sync.WaitGroup
		for _, name := range m.order {
			sup := m.supervisors[name]
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						m.logger.Error("kernel cleanup panicked",
							slog.String("language", sup.Language()),
							slog.Any("panic", r),
						)
					}
				}()
				sup.Terminate()
			}()
		}
		wg.Wait()
		m.logger.Info("kernels shut down")
	})
}

// Status reports every configured kernel in configuration order.
func (m *Manager) Status() []Status {
	out := make([]Status, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.supervisors[name].Status())
	}
	return out
}

// Languages returns the configured language tags.
func (m *Manager) Languages() []string {
	return append([]string(nil), m.order...)
}

// Supports reports whether language has a configured kernel.
func (m *Manager) Supports(language string) bool {
	_, ok := m.supervisors[language]
	return ok
}

func (m *Manager) supervisor(language string) (*Supervisor, error) {
	sup, ok := m.supervisors[language]
	if !ok {
		return nil, apperror.ValidationFailed("language", fmt.Sprintf("unsupported language %q", language))
	}
	return sup, nil
}
