package kernel

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/kernelhub/internal/apperror"
	"github.com/sakif/kernelhub/internal/executor"
	"github.com/sakif/kernelhub/internal/kernel/process"
	"github.com/sakif/kernelhub/internal/kernel/protocol"
	"github.com/sakif/kernelhub/internal/notify"
)

type outcome struct {
	res *executor.ExecutionResult
	err error
}

func goExecute(m *Manager, req executor.ExecutionRequest) <-chan outcome {
	ch := make(chan outcome, 1)
	go func() {
		res, err := m.Execute(context.Background(), req)
		ch <- outcome{res, err}
	}()
	return ch
}

func awaitOutcome(t *testing.T, ch <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("execution did not finish")
		return outcome{}
	}
}

func assertPending(t *testing.T, ch <-chan outcome) {
	t.Helper()
	select {
	case o := <-ch:
		t.Fatalf("execution finished early: %+v", o)
	case <-time.After(50 * time.Millisecond):
	}
}

func noticesAt(n *recordingNotifier, level notify.Level) []notify.Notice {
	var out []notify.Notice
	for _, notice := range n.Notices() {
		if notice.Level == level {
			out = append(out, notice)
		}
	}
	return out
}

func TestManager_ExecuteSingleAndMultiline(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = echoInterpreter
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		code string
	}{
		{"single line", "print(1+1)"},
		{"multi line", "a = 1\nb = 2\nprint(a + b)"},
		{"blank lines kept", "x = 1\n\n\nprint(x)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := m.Execute(ctx, executor.ExecutionRequest{Code: tt.code, Language: Python})
			require.NoError(t, err)
			assert.Equal(t, tt.code+"\n", res.Stdout)
			assert.Empty(t, res.Stderr)
			assert.False(t, res.HasImage())
			assert.Equal(t, Python, res.Language)
			assert.NotEmpty(t, res.ID)
		})
	}

	assert.Equal(t, 1, launcher.Launches(), "kernel is reused across executions")
}

func TestManager_WorkingDirectoryFollowsDocument(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = echoInterpreter
	m := newTestManager(t, launcher, nil)

	doc := filepath.Join(t.TempDir(), "analysis.md")
	_, err := m.Execute(context.Background(), executor.ExecutionRequest{Code: "1", Language: Julia, Document: doc})
	require.NoError(t, err)

	p := launcher.Next(t)
	assert.Equal(t, filepath.Dir(doc), p.spec.Dir)
	assert.Equal(t, "julia", p.spec.Path)

	st := m.Status()
	require.Len(t, st, 2)
	assert.Equal(t, Python, st[0].Language)
	assert.Equal(t, StateNotStarted, st[0].State)
	assert.Equal(t, StateReady, st[1].State)
	assert.Equal(t, doc, st[1].Document)
	assert.Equal(t, p.ID(), st[1].Process)
	assert.NotEmpty(t, st[1].Incarnation)
}

func TestManager_FIFOAcrossInterleavedOutput(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = autoReady
	m := newTestManager(t, launcher, nil)

	const n = 5
	results := make([]<-chan outcome, n)
	var p *fakeProcess
	for i := range n {
		results[i] = goExecute(m, executor.ExecutionRequest{Code: fmt.Sprintf("print(%d)", i), Language: Python})
		if p == nil {
			p = launcher.Next(t)
		}
		f := p.NextRequest(t)
		require.Equal(t, fmt.Sprintf("print(%d)", i), f.Code)
	}

	// Positional responses, split at arbitrary byte boundaries and mixed
	// with stray output.
	var stream strings.Builder
	for i := range n {
		stream.WriteString("stray line\n")
		stream.WriteString(resultSpan(t, protocol.Response{Stdout: fmt.Sprintf("out-%d\n", i)}))
	}
	data := stream.String()
	for i := 0; i < len(data); i += 3 {
		p.write(t, data[i:min(i+3, len(data))])
	}

	for i := range n {
		o := awaitOutcome(t, results[i])
		require.NoError(t, o.err)
		assert.Equal(t, fmt.Sprintf("out-%d\n", i), o.res.Stdout)
	}
}

func TestManager_CorrelationIDSkipsLostResponses(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = autoReady
	m := newTestManager(t, launcher, nil)

	first := goExecute(m, executor.ExecutionRequest{Code: "a", Language: Python})
	p := launcher.Next(t)
	p.NextRequest(t)
	second := goExecute(m, executor.ExecutionRequest{Code: "b", Language: Python})
	f := p.NextRequest(t)
	require.NotEmpty(t, f.ID)

	p.Respond(t, protocol.Response{ID: "unknown-id", Stdout: "ignored"})
	p.Respond(t, protocol.Response{ID: f.ID, Stdout: "b"})

	o := awaitOutcome(t, first)
	assert.ErrorIs(t, o.err, apperror.ErrProtocol)

	o = awaitOutcome(t, second)
	require.NoError(t, o.err)
	assert.Equal(t, "b", o.res.Stdout)
	assert.Equal(t, f.ID, o.res.ID)
}

func TestManager_CrashFailsPendingOfThatLanguageOnly(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = autoReady
	notifier := &recordingNotifier{}
	m := newTestManager(t, launcher, notifier)

	const k = 3
	var pending []<-chan outcome
	var py *fakeProcess
	for i := range k {
		pending = append(pending, goExecute(m, executor.ExecutionRequest{Code: fmt.Sprint(i), Language: Python}))
		if py == nil {
			py = launcher.Next(t)
		}
		py.NextRequest(t)
	}

	jlDone := goExecute(m, executor.ExecutionRequest{Code: "1 + 1", Language: Julia})
	jl := launcher.Next(t)
	jl.NextRequest(t)

	py.Crash(1)

	for _, ch := range pending {
		o := awaitOutcome(t, ch)
		assert.ErrorIs(t, o.err, apperror.ErrProcessClosed)
		assert.Contains(t, o.err.Error(), "exit code 1")
	}
	assertPending(t, jlDone)

	jl.Respond(t, protocol.Response{Stdout: "2\n"})
	o := awaitOutcome(t, jlDone)
	require.NoError(t, o.err)
	assert.Equal(t, "2\n", o.res.Stdout)

	require.Eventually(t, func() bool {
		return len(noticesAt(notifier, notify.LevelError)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateDead, m.Status()[0].State)
	errs := noticesAt(notifier, notify.LevelError)
	assert.Equal(t, Python, errs[0].Language)
	assert.Contains(t, errs[0].Message, "exited unexpectedly")

	// The next execution respawns transparently.
	next := goExecute(m, executor.ExecutionRequest{Code: "again", Language: Python})
	py2 := launcher.Next(t)
	f := py2.NextRequest(t)
	py2.Respond(t, protocol.Response{ID: f.ID, Stdout: "again\n"})
	o = awaitOutcome(t, next)
	require.NoError(t, o.err)
	assert.Equal(t, 3, launcher.Launches())
}

func TestManager_RestartLeavesOtherLanguageAlone(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = autoReady
	notifier := &recordingNotifier{}
	m := newTestManager(t, launcher, notifier)

	py1 := goExecute(m, executor.ExecutionRequest{Code: "a", Language: Python})
	py := launcher.Next(t)
	py.NextRequest(t)
	py2 := goExecute(m, executor.ExecutionRequest{Code: "b", Language: Python})
	py.NextRequest(t)

	jlDone := goExecute(m, executor.ExecutionRequest{Code: "c", Language: Julia})
	jl := launcher.Next(t)
	jl.NextRequest(t)

	require.NoError(t, m.RestartKernel(context.Background(), Python))

	for _, ch := range []<-chan outcome{py1, py2} {
		o := awaitOutcome(t, ch)
		assert.ErrorIs(t, o.err, apperror.ErrKernelRestarted)
	}
	select {
	case <-py.Done():
	case <-time.After(time.Second):
		t.Fatal("restarted process still running")
	}
	assert.Equal(t, StateNotStarted, m.Status()[0].State)

	assertPending(t, jlDone)
	jl.Respond(t, protocol.Response{Stdout: "c\n"})
	o := awaitOutcome(t, jlDone)
	require.NoError(t, o.err)
	assert.Equal(t, "c\n", o.res.Stdout)

	infos := noticesAt(notifier, notify.LevelInfo)
	require.Len(t, infos, 1)
	assert.Equal(t, "Python kernel restarted", infos[0].Message)
	assert.Empty(t, noticesAt(notifier, notify.LevelError), "an explicit restart is not a crash")
}

func TestManager_RestartWhileStartingStopsTheSpawn(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher, nil)
	ctx := context.Background()

	pending := goExecute(m, executor.ExecutionRequest{Code: "1", Language: Python})
	first := launcher.Next(t)
	require.Equal(t, StateStarting, m.Status()[0].State)

	launcher.onLaunch = echoInterpreter
	begin := time.Now()
	require.NoError(t, m.RestartKernel(ctx, Python))
	assert.Less(t, time.Since(begin), time.Second, "restart does not sit out the readiness timeout")

	select {
	case <-first.Done():
	default:
		t.Fatal("the aborted interpreter is still alive after restart returned")
	}
	o := awaitOutcome(t, pending)
	assert.ErrorIs(t, o.err, apperror.ErrKernelRestarted)

	res, err := m.Execute(ctx, executor.ExecutionRequest{Code: "2", Language: Python})
	require.NoError(t, err)
	assert.Equal(t, "2\n", res.Stdout)
	assert.Equal(t, 2, launcher.Launches())
}

func TestManager_CrossDocumentRefused(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = echoInterpreter
	notifier := &recordingNotifier{}
	m := newTestManager(t, launcher, notifier)
	ctx := context.Background()

	dir := t.TempDir()
	docA := filepath.Join(dir, "a.md")
	docB := filepath.Join(dir, "b.md")

	_, err := m.Execute(ctx, executor.ExecutionRequest{Code: "1", Language: Python, Document: docA})
	require.NoError(t, err)

	_, err = m.Execute(ctx, executor.ExecutionRequest{Code: "2", Language: Python, Document: docB})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperror.ErrCrossDocument)
	assert.Contains(t, err.Error(), "restart")

	warns := noticesAt(notifier, notify.LevelWarn)
	require.Len(t, warns, 1)

	// No document never conflicts, and the other language is unbound.
	_, err = m.Execute(ctx, executor.ExecutionRequest{Code: "3", Language: Python})
	require.NoError(t, err)
	_, err = m.Execute(ctx, executor.ExecutionRequest{Code: "4", Language: Julia, Document: docB})
	require.NoError(t, err)

	require.NoError(t, m.RestartKernel(ctx, Python))
	_, err = m.Execute(ctx, executor.ExecutionRequest{Code: "5", Language: Python, Document: docB})
	require.NoError(t, err)
}

func TestManager_DocumentlessKernelStaysUnbound(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = echoInterpreter
	notifier := &recordingNotifier{}
	m := newTestManager(t, launcher, notifier)
	ctx := context.Background()

	_, err := m.Execute(ctx, executor.ExecutionRequest{Code: "1", Language: Python})
	require.NoError(t, err)
	p := launcher.Next(t)

	dir := t.TempDir()
	for _, doc := range []string{filepath.Join(dir, "a.md"), filepath.Join(dir, "b.md")} {
		_, err := m.Execute(ctx, executor.ExecutionRequest{Code: "2", Language: Python, Document: doc})
		require.NoError(t, err, doc)
	}

	assert.Equal(t, 1, launcher.Launches())
	assert.NotEqual(t, dir, p.spec.Dir)
	assert.Empty(t, m.Status()[0].Document, "the kernel does not claim a document it was not started in")
	assert.Empty(t, noticesAt(notifier, notify.LevelWarn))
}

func TestManager_StartFailures(t *testing.T) {
	tests := []struct {
		name      string
		launchErr error
		onLaunch  func(p *fakeProcess)
		wantErr   error
	}{
		{
			name:      "launch error",
			launchErr: errors.New(`exec: "python3": executable file not found in $PATH`),
			wantErr:   apperror.ErrSpawn,
		},
		{
			name:     "exits during start-up",
			onLaunch: func(p *fakeProcess) { p.Crash(127) },
			wantErr:  apperror.ErrSpawn,
		},
		{
			name:     "never ready",
			onLaunch: nil,
			wantErr:  apperror.ErrReadinessTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := newFakeLauncher()
			launcher.err = tt.launchErr
			launcher.onLaunch = tt.onLaunch
			notifier := &recordingNotifier{}

			m, err := NewManager(testLanguages(100*time.Millisecond), launcher, notifier, discardLogger())
			require.NoError(t, err)
			t.Cleanup(m.Cleanup)

			_, err = m.Execute(context.Background(), executor.ExecutionRequest{Code: "1", Language: Python})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.launchErr != nil {
				assert.ErrorIs(t, err, tt.launchErr)
			}

			assert.Equal(t, StateDead, m.Status()[0].State)
			assert.Len(t, noticesAt(notifier, notify.LevelError), 1)

			if tt.launchErr == nil {
				p := launcher.Next(t)
				select {
				case <-p.Done():
				case <-time.After(2 * time.Second):
					t.Fatal("failed process was not stopped")
				}
			}
		})
	}
}

func TestManager_ConcurrentCallersShareOneStart(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = func(p *fakeProcess) {
		time.Sleep(50 * time.Millisecond)
		echoInterpreter(p)
	}
	m := newTestManager(t, launcher, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Execute(context.Background(), executor.ExecutionRequest{Code: fmt.Sprint(i), Language: Python})
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, launcher.Launches())
}

func TestManager_ProtocolErrorFailsOnlyHead(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = autoReady
	notifier := &recordingNotifier{}
	m := newTestManager(t, launcher, notifier)

	first := goExecute(m, executor.ExecutionRequest{Code: "a", Language: Python})
	p := launcher.Next(t)
	p.NextRequest(t)
	second := goExecute(m, executor.ExecutionRequest{Code: "b", Language: Python})
	p.NextRequest(t)

	p.write(t, protocol.ResultMarker+"\nnot json\n"+protocol.EndMarker+"\n")
	p.Respond(t, protocol.Response{Stdout: "b\n"})

	o := awaitOutcome(t, first)
	assert.ErrorIs(t, o.err, apperror.ErrProtocol)

	o = awaitOutcome(t, second)
	require.NoError(t, o.err)
	assert.Equal(t, "b\n", o.res.Stdout)

	assert.Equal(t, StateReady, m.Status()[0].State, "process survives a bad payload")
	assert.Len(t, noticesAt(notifier, notify.LevelError), 1)
}

func TestManager_CallerCancelKeepsPositionalMatching(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = autoReady
	m := newTestManager(t, launcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	canceled := make(chan error, 1)
	go func() {
		_, err := m.Execute(ctx, executor.ExecutionRequest{Code: "slow", Language: Python})
		canceled <- err
	}()
	p := launcher.Next(t)
	p.NextRequest(t)
	cancel()
	select {
	case err := <-canceled:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("canceled execution did not return")
	}

	next := goExecute(m, executor.ExecutionRequest{Code: "fast", Language: Python})
	p.NextRequest(t)
	p.Respond(t, protocol.Response{Stdout: "slow\n"})
	p.Respond(t, protocol.Response{Stdout: "fast\n"})

	o := awaitOutcome(t, next)
	require.NoError(t, o.err)
	assert.Equal(t, "fast\n", o.res.Stdout)
}

func TestManager_CleanupIsIdempotent(t *testing.T) {
	launcher := newFakeLauncher()
	launcher.onLaunch = echoInterpreter
	m := newTestManager(t, launcher, nil)

	_, err := m.Execute(context.Background(), executor.ExecutionRequest{Code: "1", Language: Python})
	require.NoError(t, err)
	p := launcher.Next(t)

	assert.NotPanics(t, m.Cleanup)
	assert.NotPanics(t, m.Cleanup)

	select {
	case <-p.Done():
	default:
		t.Fatal("cleanup left the process running")
	}

	_, err = m.Execute(context.Background(), executor.ExecutionRequest{Code: "2", Language: Python})
	assert.ErrorIs(t, err, apperror.ErrProcessClosed)
	_, err = m.Execute(context.Background(), executor.ExecutionRequest{Code: "2", Language: Julia})
	assert.ErrorIs(t, err, apperror.ErrProcessClosed)
}

func TestManager_Validation(t *testing.T) {
	launcher := newFakeLauncher()
	m := newTestManager(t, launcher, nil)

	_, err := m.Execute(context.Background(), executor.ExecutionRequest{Code: "1", Language: "cobol"})
	assert.ErrorIs(t, err, apperror.ErrValidation)
	assert.ErrorIs(t, m.RestartKernel(context.Background(), "cobol"), apperror.ErrValidation)

	assert.True(t, m.Supports(Julia))
	assert.False(t, m.Supports("cobol"))
	assert.Equal(t, []string{Python, Julia}, m.Languages())
	assert.Zero(t, launcher.Launches())
}

func TestNewManager_RejectsBadConfig(t *testing.T) {
	tests := []struct {
		name  string
		langs []LanguageConfig
	}{
		{"empty", nil},
		{"missing interpreter", []LanguageConfig{{Name: Python, ReadyTimeout: time.Second}}},
		{"zero timeout", []LanguageConfig{{Name: Python, Interpreter: "python3"}}},
		{"no driver", []LanguageConfig{{Name: "ruby", Interpreter: "ruby", ReadyTimeout: time.Second}}},
		{"duplicate", []LanguageConfig{
			{Name: Python, Interpreter: "python3", ReadyTimeout: time.Second},
			{Name: Python, Interpreter: "python", ReadyTimeout: time.Second},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.langs, newFakeLauncher(), nil, discardLogger())
			assert.Error(t, err)
		})
	}
}

// The driver tests run the embedded Python loop for real.
func TestManager_PythonDriver(t *testing.T) {
	python, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}

	m, err := NewManager([]LanguageConfig{{Name: Python, Interpreter: python, ReadyTimeout: 10 * time.Second}},
		process.NewLocalLauncher(), nil, discardLogger())
	require.NoError(t, err)
	t.Cleanup(m.Cleanup)
	ctx := context.Background()

	res, err := m.Execute(ctx, executor.ExecutionRequest{Code: "print(1+1)", Language: Python})
	require.NoError(t, err)
	assert.Equal(t, "2\n", res.Stdout)
	assert.Empty(t, res.Stderr)
	assert.False(t, res.HasImage())

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "x = 40\ndef f(v):\n    return v + 2\n\nf(x)", Language: Python})
	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Stdout, "trailing expression is displayed")

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "1/0", Language: Python})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout)
	assert.Contains(t, res.Stderr, "ZeroDivisionError")

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "print(x)", Language: Python})
	require.NoError(t, err)
	assert.Equal(t, "40\n", res.Stdout, "namespace persists between executions")

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "input()", Language: Python})
	require.NoError(t, err)
	assert.Contains(t, res.Stderr, "EOFError", "user code cannot read protocol frames")

	require.NoError(t, m.RestartKernel(ctx, Python))
	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "print('x' in globals())", Language: Python})
	require.NoError(t, err)
	assert.Equal(t, "False\n", res.Stdout)
}

func TestManager_JuliaDriver(t *testing.T) {
	julia, err := exec.LookPath("julia")
	if err != nil {
		t.Skip("julia not available")
	}

	m, err := NewManager([]LanguageConfig{{Name: Julia, Interpreter: julia, ReadyTimeout: 60 * time.Second}},
		process.NewLocalLauncher(), nil, discardLogger())
	require.NoError(t, err)
	t.Cleanup(m.Cleanup)
	ctx := context.Background()

	res, err := m.Execute(ctx, executor.ExecutionRequest{Code: "println(1+1)", Language: Julia})
	require.NoError(t, err)
	assert.Equal(t, "2\n", res.Stdout)
	assert.False(t, res.HasImage())

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "x = 40\nx + 2", Language: Julia})
	require.NoError(t, err)
	assert.Equal(t, "42\n", res.Stdout, "last value is displayed")

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "x + 2;", Language: Julia})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout, "a trailing semicolon hides the value")

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "print(Base.find_package(\"Plots\") !== nothing)", Language: Julia})
	require.NoError(t, err)
	if res.Stdout != "true" {
		t.Skip("Plots.jl not installed")
	}

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "using Plots\nplot(1:3)", Language: Julia})
	require.NoError(t, err)
	assert.Empty(t, res.Stdout, "plot values are not shown as text")
	assert.True(t, res.HasImage())

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "1+1", Language: Julia})
	require.NoError(t, err)
	assert.Equal(t, "2\n", res.Stdout)
	assert.False(t, res.HasImage(), "a plot from an earlier execution is not attached again")

	res, err = m.Execute(ctx, executor.ExecutionRequest{Code: "plot(1:3)\nplot!(3:-1:1)\nnothing", Language: Julia})
	require.NoError(t, err)
	assert.True(t, res.HasImage())
}
