package kernel

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sakif/kernelhub/internal/kernel/process"
	"github.com/sakif/kernelhub/internal/kernel/protocol"
	"github.com/sakif/kernelhub/internal/notify"
)

var fakePIDs atomic.Int64

// frame is one request as the fake interpreter read it from stdin.
type frame struct {
	ID   string
	Code string
}

// fakeProcess is an in-memory interpreter: the test plays the interpreter
// side through its pipes.
type fakeProcess struct {
	id   string
	spec process.Spec

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	requests chan frame
	done     chan struct{}
	once     sync.Once
	state    atomic.Int32
	exitCode atomic.Int64

	writeMu sync.Mutex
}

func newFakeProcess(spec process.Spec) *fakeProcess {
	p := &fakeProcess{
		id:       fmt.Sprintf("fake-%d", fakePIDs.Add(1)),
		spec:     spec,
		requests: make(chan frame, 64),
		done:     make(chan struct{}),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	p.exitCode.Store(-1)
	go p.readFrames()
	return p
}

func (p *fakeProcess) ID() string            { return p.id }
func (p *fakeProcess) Stdin() io.WriteCloser { return p.stdinW }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) State() process.State  { return process.State(p.state.Load()) }
func (p *fakeProcess) ExitCode() int         { return int(p.exitCode.Load()) }
func (p *fakeProcess) Kill() error           { p.exit(-1, process.StateKilled); return nil }
func (p *fakeProcess) Crash(code int)        { p.exit(code, process.StateExited) }

func (p *fakeProcess) exit(code int, state process.State) {
	p.once.Do(func() {
		p.exitCode.Store(int64(code))
		p.state.Store(int32(state))
		_ = p.stdinR.Close()
		_ = p.stdoutW.Close()
		_ = p.stderrW.Close()
		close(p.done)
	})
}

// readFrames decodes request frames the way the drivers do.
func (p *fakeProcess) readFrames() {
	r := bufio.NewReader(p.stdinR)
	id := ""
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimSuffix(line, "\n")
		switch {
		case strings.HasPrefix(line, protocol.RequestPrefix):
			id = strings.TrimPrefix(line, protocol.RequestPrefix)
		case line == protocol.ExitFrame:
			p.exit(0, process.StateExited)
			return
		case line == protocol.MultilineFrame:
			var lines []string
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				l = strings.TrimSuffix(l, "\n")
				if l == protocol.EndCode {
					break
				}
				lines = append(lines, l)
			}
			p.requests <- frame{ID: id, Code: strings.Join(lines, "\n")}
			id = ""
		case strings.HasPrefix(line, protocol.ExecPrefix):
			p.requests <- frame{ID: id, Code: strings.TrimPrefix(line, protocol.ExecPrefix)}
			id = ""
		}
	}
}

func (p *fakeProcess) write(t *testing.T, s string) {
	t.Helper()
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.stdoutW, s)
	require.NoError(t, err)
}

func (p *fakeProcess) Ready(t *testing.T) {
	t.Helper()
	p.write(t, protocol.ReadyMarker(p.spec.Name)+"\n")
}

// NextRequest waits for the next frame kernelhub sent.
func (p *fakeProcess) NextRequest(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-p.requests:
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("no request frame received")
		return frame{}
	}
}

func resultSpan(t *testing.T, resp protocol.Response) string {
	t.Helper()
	payload, err := json.Marshal(resp)
	require.NoError(t, err)
	return protocol.ResultMarker + "\n" + string(payload) + "\n" + protocol.EndMarker + "\n"
}

func (p *fakeProcess) Respond(t *testing.T, resp protocol.Response) {
	t.Helper()
	p.write(t, resultSpan(t, resp))
}

// fakeLauncher hands out fake processes and lets the test script them.
type fakeLauncher struct {
	mu       sync.Mutex
	launched []*fakeProcess
	procs    chan *fakeProcess
	err      error
	// onLaunch runs in its own goroutine for every launched process.
	onLaunch func(p *fakeProcess)
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(chan *fakeProcess, 16)}
}

func (l *fakeLauncher) Launch(ctx context.Context, spec process.Spec) (process.Process, error) {
	if l.err != nil {
		return nil, l.err
	}
	p := newFakeProcess(spec)
	l.mu.Lock()
	l.launched = append(l.launched, p)
	l.mu.Unlock()
	if l.onLaunch != nil {
		go l.onLaunch(p)
	}
	l.procs <- p
	return p, nil
}

func (l *fakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

// Next returns the next launched process.
func (l *fakeLauncher) Next(t *testing.T) *fakeProcess {
	t.Helper()
	select {
	case p := <-l.procs:
		return p
	case <-time.After(5 * time.Second):
		t.Fatal("no process launched")
		return nil
	}
}

// autoReady makes every launched process print its ready marker.
func autoReady(p *fakeProcess) {
	_, _ = io.WriteString(p.stdoutW, protocol.ReadyMarker(p.spec.Name)+"\n")
}

// echoInterpreter is ready at once and answers every request with its code
// as stdout, echoing the correlation id.
func echoInterpreter(p *fakeProcess) {
	autoReady(p)
	for {
		select {
		case f := <-p.requests:
			payload, _ := json.Marshal(protocol.Response{ID: f.ID, Stdout: f.Code + "\n"})
			p.writeMu.Lock()
			_, err := io.WriteString(p.stdoutW,
				protocol.ResultMarker+"\n"+string(payload)+"\n"+protocol.EndMarker+"\n")
			p.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

// recordingNotifier keeps notices for assertions.
type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) Notify(n notify.Notice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
}

func (r *recordingNotifier) Notices() []notify.Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Notice(nil), r.notices...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testLanguages(timeout time.Duration) []LanguageConfig {
	return []LanguageConfig{
		{Name: Python, Interpreter: "python3", ReadyTimeout: timeout, Args: []string{}},
		{Name: Julia, Interpreter: "julia", ReadyTimeout: timeout, Args: []string{}},
	}
}

func newTestManager(t *testing.T, launcher process.Launcher, notifier notify.Notifier) *Manager {
	t.Helper()
	m, err := NewManager(testLanguages(2*time.Second), launcher, notifier, discardLogger())
	require.NoError(t, err)
	t.Cleanup(m.Cleanup)
	return m
}
