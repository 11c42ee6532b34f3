package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const waitDelay = 2 * time.Second

// LocalLauncher runs interpreters as child processes of kernelhub.
type LocalLauncher struct{}

// NewLocalLauncher returns a launcher for host processes.
func NewLocalLauncher() *LocalLauncher {
	return &LocalLauncher{}
}

// Launch starts spec.Path with piped standard streams.
//
// The context only bounds the start itself; the interpreter outlives it and
// is stopped with Kill.
func (l *LocalLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	// Background children of user code may keep the output pipes open after
	// the interpreter died.
	cmd.WaitDelay = waitDelay
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("process: create stdin pipe: %w", err)
	}

	// io.Pipe instead of cmd.StdoutPipe: Wait must not close the read side
	// before the reader goroutine drained it.
	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("process: start %s: %w", spec.Path, err)
	}

	p := &localProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
		done:   make(chan struct{}),
	}
	p.exitCode.Store(-1)
	p.state.Store(int32(StateRunning))

	go p.waitLoop(stdoutW, stderrW)

	return p, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32
	killOnce sync.Once
	killErr  error
}

func (p *localProcess) ID() string {
	return strconv.Itoa(p.cmd.Process.Pid)
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Stderr() io.Reader     { return p.stderr }
func (p *localProcess) Done() <-chan struct{} { return p.done }
func (p *localProcess) State() State          { return State(p.state.Load()) }
func (p *localProcess) ExitCode() int         { return int(p.exitCode.Load()) }

func (p *localProcess) Kill() error {
	select {
	case <-p.done:
		return nil
	default:
	}

	p.killOnce.Do(func() {
		p.state.Store(int32(StateKilled))
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.killErr = fmt.Errorf("process: kill %d: %w", p.cmd.Process.Pid, err)
		}
	})
	return p.killErr
}

// waitLoop reaps the child and closes the output pipes so readers see EOF.
func (p *localProcess) waitLoop(stdoutW, stderrW *io.PipeWriter) {
	err := p.cmd.Wait()

	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) && code < 0 {
		code = 1
	}
	p.exitCode.Store(int32(code))
	p.state.CompareAndSwap(int32(StateRunning), int32(StateExited))

	_ = stdoutW.Close()
	_ = stderrW.Close()
	close(p.done)
}
