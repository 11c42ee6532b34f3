// Package process starts interpreter processes and exposes their standard
// streams to the kernel supervisor.
//
// A Launcher turns a Spec into a running Process. The local launcher in this
// package runs the interpreter as a child process; the docker package offers
// a launcher that runs it inside a container. The supervisor only sees the
// Process interface.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNotStarted is returned when signalling a process that never ran.
	ErrNotStarted = errors.New("process: not started")
)

// State represents the state of a process.
type State int32

const (
	// StateRunning indicates the process is currently running.
	StateRunning State = iota
	// StateExited indicates the process exited on its own.
	StateExited
	// StateKilled indicates the process was killed.
	StateKilled
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Spec describes the interpreter to start.
type Spec struct {
	// Name is a human-readable name, e.g. "python".
	Name string
	// Path is the interpreter executable.
	Path string
	// Args are passed after Path.
	Args []string
	// Dir is the working directory. Empty means the launcher's default.
	Dir string
	// Env is appended to the inherited environment.
	Env []string
}

// Process is a running interpreter.
//
// Stdout and Stderr return io.EOF once the process has exited and all output
// was read. Done is closed after the process exited and its output streams
// were closed.
type Process interface {
	// ID identifies this incarnation (a pid or a container id).
	ID() string
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	// Kill stops the process immediately. Killing an exited process is a no-op.
	Kill() error
	Done() <-chan struct{}
	State() State
	// ExitCode is -1 until the process has exited.
	ExitCode() int
}

// Launcher starts interpreter processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (Process, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, spec Spec) (Process, error)

// Launch calls f(ctx, spec).
func (f LauncherFunc) Launch(ctx context.Context, spec Spec) (Process, error) {
	return f(ctx, spec)
}
