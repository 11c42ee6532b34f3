package kernel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/kernel/process"
	"github.com/sakif/kernelhub/internal/kernel/protocol"
	"github.com/sakif/kernelhub/internal/notify"
)

const (
	// exitGrace is how long a stopping interpreter gets to honour EXIT
	// before it is killed.
	exitGrace = 500 * time.Millisecond
	// stopTimeout bounds the wait for a killed process to be reaped.
	stopTimeout = 5 * time.Second
)

// State is the lifecycle state of one language's kernel.
type State int

const (
	StateNotStarted State = iota
	StateStarting
	StateReady
	StateDead
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "not_started"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// MarshalText lets State appear as a string in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// incarnation is one spawned interpreter process and everything that dies
// with it: its queue, its reader goroutines and its stdin write lock.
type incarnation struct {
	id      string
	proc    process.Process
	dir     string
	started time.Time
	queue   *Queue

	// writeMu makes enqueue + frame write atomic, so queue order equals the
	// order of frames on stdin.
	writeMu sync.Mutex

	ready      chan struct{}
	readerDone chan struct{}
	// stopping is set when kernelhub itself ends the process, which makes
	// its exit expected.
	stopping atomic.Bool
}

type startAttempt struct {
	done chan struct{}
	// abort is closed by Restart and Terminate to cut the start short.
	abort chan struct{}
	err   error
}

func newStartAttempt() *startAttempt {
	return &startAttempt{done: make(chan struct{}), abort: make(chan struct{})}
}

// Supervisor owns the interpreter process of one language.
//
// State machine: NotStarted → Starting → Ready; Ready → Dead on crash;
// Dead/NotStarted → Starting on the next EnsureRunning; any state →
// NotStarted on Restart. Supervisor is safe for concurrent use.
type Supervisor struct {
	cfg      LanguageConfig
	launcher process.Launcher
	notifier notify.Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	gen      uint64
	current  *incarnation
	starting *startAttempt
	// retiring is closed once the previous process is gone. A new start
	// waits for it, so at most one process per language is ever alive.
	retiring <-chan struct{}
	document string
	closed   bool
}

// NewSupervisor returns a supervisor for one language. Nothing is spawned
// until EnsureRunning.
func NewSupervisor(cfg LanguageConfig, launcher process.Launcher, notifier notify.Notifier, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		notifier: notifier,
		logger:   logger.With(slog.String("language", cfg.Name)),
	}
}

// Language returns the language tag this supervisor runs.
func (s *Supervisor) Language() string {
	return s.cfg.Name
}

// EnsureRunning makes sure an interpreter bound to document is ready.
//
// It returns immediately when the kernel is Ready, joins an in-flight start,
// or spawns a new process. ctx only limits this caller's wait; the start
// itself is bounded by the readiness timeout.
func (s *Supervisor) EnsureRunning(ctx context.Context, document string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperror.ProcessClosed(s.cfg.Name, "kernel manager is shut down")
	}

	if s.state == StateReady || s.state == StateStarting {
		if document != "" && s.document != "" && document != s.document {
			bound := s.document
			s.mu.Unlock()
			err := apperror.CrossDocument(s.cfg.Name, bound, document)
			s.notifier.Notify(notify.Warn(s.cfg.Name, err.Error()))
			return err
		}
		// A kernel started without a document runs in the server's
		// directory and stays unbound, so it serves any document.
	}

	switch s.state {
	case StateReady:
		s.mu.Unlock()
		return nil
	case StateStarting:
		attempt := s.starting
		s.mu.Unlock()
		return awaitStart(ctx, attempt)
	}

	attempt := newStartAttempt()
	s.gen++
	gen := s.gen
	prev := s.retiring
	s.retiring = nil
	s.state = StateStarting
	s.starting = attempt
	s.document = document
	s.mu.Unlock()

	go s.start(gen, document, attempt, prev)
	return awaitStart(ctx, attempt)
}

func awaitStart(ctx context.Context, attempt *startAttempt) error {
	select {
	case <-attempt.done:
		return attempt.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start spawns the interpreter and waits for its readiness marker. prev, if
// set, is the retiring process of the previous incarnation.
func (s *Supervisor) start(gen uint64, document string, attempt *startAttempt, prev <-chan struct{}) {
	if prev != nil {
		select {
		case <-prev:
		case <-attempt.abort:
			s.finishStart(gen, attempt, nil, nil)
			return
		}
	}

	dir := workingDir(document)
	args, err := s.cfg.args()
	if err != nil {
		s.finishStart(gen, attempt, nil, apperror.SpawnFailed(s.cfg.Name, s.cfg.Interpreter, err))
		return
	}

	spec := process.Spec{
		Name: s.cfg.Name,
		Path: s.cfg.Interpreter,
		Args: args,
		Dir:  dir,
		Env:  s.cfg.env(),
	}

	launchCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ReadyTimeout)
	defer cancel()

	s.logger.Info("starting kernel",
		slog.String("interpreter", s.cfg.Interpreter),
		slog.String("dir", dir),
	)

	proc, err := s.launcher.Launch(launchCtx, spec)
	if err != nil {
		s.finishStart(gen, attempt, nil, apperror.SpawnFailed(s.cfg.Name, s.cfg.Interpreter, err))
		return
	}

	inc := &incarnation{
		id:         uuid.New().String(),
		proc:       proc,
		dir:        dir,
		started:    time.Now(),
		queue:      NewQueue(s.cfg.Name),
		ready:      make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	go s.readOutput(inc)
	go s.readStderr(inc)
	go s.watch(inc)

	timer := time.NewTimer(s.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-inc.ready:
	case <-proc.Done():
		err = apperror.SpawnFailed(s.cfg.Name, s.cfg.Interpreter,
			fmt.Errorf("interpreter exited during start-up (exit code %d)", proc.ExitCode()))
	case <-timer.C:
		err = apperror.ReadinessTimeout(s.cfg.Name, s.cfg.ReadyTimeout)
	case <-attempt.abort:
		// finishStart sees the bumped generation and discards inc.
	}
	s.finishStart(gen, attempt, inc, err)
}

func (s *Supervisor) finishStart(gen uint64, attempt *startAttempt, inc *incarnation, err error) {
	s.mu.Lock()
	if gen != s.gen || s.closed {
		// Restarted or shut down while starting: the new process is unwanted.
		closed := s.closed
		s.mu.Unlock()
		if inc != nil {
			// Stop before done is closed: Restart waits on done, and the
			// next start waits on Restart.
			s.stop(inc, nil)
			select {
			case <-inc.proc.Done():
			case <-time.After(stopTimeout):
				s.logger.Warn("aborted kernel did not exit", slog.String("process", inc.proc.ID()))
			}
		}
		if err == nil {
			if closed {
				err = apperror.ProcessClosed(s.cfg.Name, "kernel manager is shut down")
			} else {
				err = apperror.KernelRestarted(s.cfg.Name)
			}
		}
		attempt.err = err
		close(attempt.done)
		return
	}

	if err != nil {
		s.state = StateDead
		s.starting = nil
		s.document = ""
		if inc != nil {
			s.retiring = inc.proc.Done()
		}
		s.mu.Unlock()
		if inc != nil {
			go s.stop(inc, nil)
		}
		s.logger.Error("kernel failed to start", slog.String("error", err.Error()))
		s.notifier.Notify(notify.Error(s.cfg.Name, err.Error()))
		attempt.err = err
		close(attempt.done)
		return
	}

	s.state = StateReady
	s.current = inc
	s.starting = nil
	s.mu.Unlock()

	s.logger.Info("kernel ready",
		slog.String("process", inc.proc.ID()),
		slog.String("incarnation", inc.id),
		slog.Duration("startup", time.Since(inc.started)),
	)
	close(attempt.done)
}

// Submit enqueues code on the running interpreter and waits for its result.
// EnsureRunning must have succeeded first.
func (s *Supervisor) Submit(ctx context.Context, code string) (*protocol.Response, error) {
	s.mu.Lock()
	inc := s.current
	state := s.state
	s.mu.Unlock()
	if state != StateReady || inc == nil {
		return nil, apperror.ProcessClosed(s.cfg.Name, "kernel is not running")
	}

	req := NewRequest(code)

	inc.writeMu.Lock()
	if inc.stopping.Load() {
		inc.writeMu.Unlock()
		return nil, apperror.ProcessClosed(s.cfg.Name, "kernel is stopping")
	}
	inc.queue.Push(req)
	_, err := inc.proc.Stdin().Write(protocol.EncodeRequestWithID(req.ID, code))
	inc.writeMu.Unlock()

	if err != nil && inc.queue.Remove(req) {
		s.logger.Warn("writing request frame failed", slog.String("error", err.Error()))
		return nil, apperror.ProcessClosed(s.cfg.Name, "writing request: "+err.Error())
	}

	s.logger.Debug("request submitted",
		slog.String("request", req.ID),
		slog.Int("pending", inc.queue.Len()),
	)
	return req.Wait(ctx)
}

// Restart stops the interpreter, failing its pending requests with a
// kernel-restarted error. The next EnsureRunning spawns a fresh process.
func (s *Supervisor) Restart(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperror.ProcessClosed(s.cfg.Name, "kernel manager is shut down")
	}
	inc, attempt := s.current, s.starting
	s.gen++
	s.current = nil
	s.starting = nil
	s.state = StateNotStarted
	s.document = ""
	s.retire(inc, attempt)
	s.mu.Unlock()

	if attempt != nil {
		select {
		case <-attempt.done:
		case <-ctx.Done():
			return fmt.Errorf("kernel: waiting for %s start to abort: %w", s.cfg.Name, ctx.Err())
		}
	}
	if inc == nil {
		return nil
	}
	return s.stopWait(ctx, inc, apperror.KernelRestarted(s.cfg.Name))
}

// retire aborts an in-flight start and records what the next start must
// wait for. s.mu must be held.
func (s *Supervisor) retire(inc *incarnation, attempt *startAttempt) {
	switch {
	case attempt != nil:
		close(attempt.abort)
		s.retiring = attempt.done
	case inc != nil:
		s.retiring = inc.proc.Done()
	}
}

// Terminate stops the interpreter for good. Pending requests fail through
// the exit path with a process-closed error. Calling it again is a no-op.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	inc, attempt := s.current, s.starting
	s.gen++
	s.current = nil
	s.starting = nil
	s.state = StateNotStarted
	s.document = ""
	s.retire(inc, attempt)
	s.mu.Unlock()

	if inc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.stopWait(ctx, inc, nil); err != nil {
		s.logger.Warn("kernel did not stop cleanly", slog.String("error", err.Error()))
	}
}

func (s *Supervisor) stopWait(ctx context.Context, inc *incarnation, failWith error) error {
	s.stop(inc, failWith)
	select {
	case <-inc.proc.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("kernel: waiting for %s process to exit: %w", s.cfg.Name, ctx.Err())
	}
}

// stop asks the interpreter to exit, then kills it after a short grace.
func (s *Supervisor) stop(inc *incarnation, failWith error) {
	inc.stopping.Store(true)
	if failWith != nil {
		inc.queue.FailAll(failWith)
	}

	// A writer blocked on a full pipe holds the lock; skip the polite EXIT
	// then and go straight to kill.
	if inc.writeMu.TryLock() {
		_, _ = inc.proc.Stdin().Write(protocol.EncodeExit())
		_ = inc.proc.Stdin().Close()
		inc.writeMu.Unlock()
	}

	select {
	case <-inc.proc.Done():
		return
	case <-time.After(exitGrace):
	}
	if err := inc.proc.Kill(); err != nil {
		s.logger.Warn("killing kernel failed", slog.String("error", err.Error()))
	}
}

// readOutput owns the decoder of one incarnation: it detects readiness and
// resolves queued requests as result spans complete.
func (s *Supervisor) readOutput(inc *incarnation) {
	defer close(inc.readerDone)

	dec := protocol.NewDecoder()
	marker := protocol.ReadyMarker(s.cfg.Name)
	ready := false
	buf := make([]byte, 32*1024)

	for {
		n, err := inc.proc.Stdout().Read(buf)
		if n > 0 {
			dec.Write(buf[:n])
			if !ready && dec.ScanReady(marker) {
				ready = true
				close(inc.ready)
			}
			if ready {
				s.drain(inc, dec)
			}
			if noise := dec.TakeNoise(); noise != "" {
				s.logger.Debug("kernel output outside result frame", slog.String("output", noise))
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Warn("reading kernel output failed", slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Supervisor) drain(inc *incarnation, dec *protocol.Decoder) {
	for {
		resp, ok, err := dec.Next()
		if !ok {
			return
		}
		if err != nil {
			perr := apperror.Protocol(s.cfg.Name, "malformed result payload", err)
			s.logger.Error("decoding kernel result failed", slog.String("error", err.Error()))
			if inc.queue.FailHead(perr) {
				s.notifier.Notify(notify.Error(s.cfg.Name, perr.Error()))
			}
			continue
		}
		if !inc.queue.Resolve(resp) {
			s.logger.Warn("discarding kernel result with no pending request",
				slog.String("request", resp.ID),
			)
		}
	}
}

// readStderr logs interpreter stderr. Output of user code is captured by the
// driver, so anything here is interpreter chatter.
func (s *Supervisor) readStderr(inc *incarnation) {
	r := bufio.NewReader(inc.proc.Stderr())
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			s.logger.Debug("kernel stderr", slog.String("line", line))
		}
		if err != nil {
			return
		}
	}
}

// watch handles the end of an incarnation, expected or not.
func (s *Supervisor) watch(inc *incarnation) {
	<-inc.proc.Done()
	// Results printed right before exit still resolve their requests.
	<-inc.readerDone

	s.mu.Lock()
	current := s.current == inc
	if current {
		s.current = nil
		s.state = StateDead
		s.document = ""
	}
	s.mu.Unlock()

	code := inc.proc.ExitCode()
	n := inc.queue.FailAll(apperror.ProcessClosed(s.cfg.Name,
		fmt.Sprintf("interpreter exited (exit code %d)", code)))

	if current && !inc.stopping.Load() {
		s.logger.Warn("kernel exited unexpectedly",
			slog.Int("exitCode", code),
			slog.Int("failedRequests", n),
		)
		s.notifier.Notify(notify.Error(s.cfg.Name,
			fmt.Sprintf("%s kernel exited unexpectedly (exit code %d)", notify.DisplayName(s.cfg.Name), code)))
		return
	}
	s.logger.Info("kernel stopped", slog.String("incarnation", inc.id), slog.Int("exitCode", code))
}

// Status is a snapshot of a supervisor.
type Status struct {
	Language    string    `json:"language"`
	State       State     `json:"state"`
	Interpreter string    `json:"interpreter"`
	Process     string    `json:"process,omitempty"`
	Incarnation string    `json:"incarnation,omitempty"`
	Document    string    `json:"document,omitempty"`
	WorkingDir  string    `json:"workingDir,omitempty"`
	Pending     int       `json:"pending"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
}

// Status returns the current state of the kernel.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Language:    s.cfg.Name,
		State:       s.state,
		Interpreter: s.cfg.Interpreter,
		Document:    s.document,
	}
	if inc := s.current; inc != nil {
		st.Process = inc.proc.ID()
		st.Incarnation = inc.id
		st.WorkingDir = inc.dir
		st.Pending = inc.queue.Len()
		st.StartedAt = inc.started
	}
	return st
}

// workingDir derives the interpreter's directory from the document being
// executed, falling back to kernelhub's own working directory.
func workingDir(document string) string {
	if document != "" {
		return filepath.Dir(document)
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return ""
}
