// Package docker runs kernel interpreters inside Docker containers.
//
// A container is created per kernel incarnation with stdin kept open; the
// supervisor talks to it through the attached streams exactly as it talks
// to a local child process. This isolates dependencies, not privileges: it
// is not a sandbox.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/kernelhub/internal/kernel/process"
)

// Launcher implements process.Launcher using Docker.
type Launcher struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
}

var _ process.Launcher = (*Launcher)(nil)

// New creates a Docker launcher and makes sure every configured image is
// available locally.
func New(cfg Config, logger *slog.Logger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PullTimeout)
	defer cancel()

	for lang, ref := range cfg.Images {
		logger.Info("ensuring docker image is available",
			slog.String("language", lang),
			slog.String("image", ref),
		)
		reader, err := cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			cli.Close()
			return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
		}
		// Read everything to block until the pull is complete
		_, _ = io.Copy(io.Discard, reader)
		reader.Close()
	}
	logger.Info("docker images are ready")

	return &Launcher{cli: cli, config: cfg, logger: logger}, nil
}

// Close releases the docker client.
func (l *Launcher) Close() error {
	return l.cli.Close()
}

// Launch creates and starts a container running the interpreter described
// by spec, with spec.Dir mounted as the working directory.
func (l *Launcher) Launch(ctx context.Context, spec process.Spec) (process.Process, error) {
	cfg, hostCfg, err := l.containerConfig(spec)
	if err != nil {
		return nil, err
	}

	resp, err := l.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("ContainerCreate failed: %w", err)
	}
	id := resp.ID

	hj, err := l.cli.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.removeContainer(id)
		return nil, fmt.Errorf("ContainerAttach failed: %w", err)
	}

	// Register the wait before starting so a fast exit is not missed.
	waitCh, errCh := l.cli.ContainerWait(context.Background(), id, container.WaitConditionNextExit)

	if err := l.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		hj.Close()
		l.removeContainer(id)
		return nil, fmt.Errorf("ContainerStart failed: %w", err)
	}

	p := newContainerProcess(l, id, hj)
	go p.copyOutput()
	go p.waitLoop(waitCh, errCh)

	l.logger.Debug("kernel container started",
		slog.String("language", spec.Name),
		slog.String("container", shortID(id)),
	)
	return p, nil
}

// containerConfig builds the container and host configuration for spec.
func (l *Launcher) containerConfig(spec process.Spec) (*container.Config, *container.HostConfig, error) {
	ref, ok := l.config.Images[spec.Name]
	if !ok {
		return nil, nil, fmt.Errorf("docker: no image configured for %s", spec.Name)
	}
	command := l.config.Commands[spec.Name]
	if command == "" {
		command = spec.Name
	}

	cfg := &container.Config{
		Image:        ref,
		Cmd:          append([]string{command}, spec.Args...),
		Env:          spec.Env,
		WorkingDir:   l.config.WorkDir,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels:       map[string]string{"kernelhub.language": spec.Name},
	}

	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory:   l.config.MemoryLimit,
			NanoCPUs: int64(l.config.CPULimit * 1e9),
		},
		AutoRemove: false,
	}
	if !l.config.Network {
		hostCfg.NetworkMode = "none"
	}
	if spec.Dir != "" {
		hostCfg.Binds = []string{spec.Dir + ":" + l.config.WorkDir}
	}
	return cfg, hostCfg, nil
}

// removeContainer force removes a container by ID.
func (l *Launcher) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := l.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		l.logger.Warn("failed to remove container",
			slog.String("id", shortID(id)),
			slog.String("error", err.Error()),
		)
	}
}

// containerProcess adapts an attached container to process.Process.
type containerProcess struct {
	launcher *Launcher
	id       string
	hj       types.HijackedResponse
	stdin    *stdinWriter

	stdoutR, stderrR *io.PipeReader
	stdoutW, stderrW *io.PipeWriter

	copied   chan struct{}
	done     chan struct{}
	state    atomic.Int32
	exitCode atomic.Int32
	killOnce sync.Once
}

func newContainerProcess(l *Launcher, id string, hj types.HijackedResponse) *containerProcess {
	p := &containerProcess{
		launcher: l,
		id:       id,
		hj:       hj,
		stdin:    &stdinWriter{hj: hj},
		copied:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	p.exitCode.Store(-1)
	return p
}

func (p *containerProcess) ID() string            { return shortID(p.id) }
func (p *containerProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *containerProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *containerProcess) Stderr() io.Reader     { return p.stderrR }
func (p *containerProcess) Done() <-chan struct{} { return p.done }
func (p *containerProcess) State() process.State  { return process.State(p.state.Load()) }
func (p *containerProcess) ExitCode() int         { return int(p.exitCode.Load()) }

// Kill stops the container immediately.
func (p *containerProcess) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if p.State() != process.StateRunning {
			return
		}
		p.state.Store(int32(process.StateKilled))
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = p.launcher.cli.ContainerKill(ctx, p.id, "KILL")
	})
	select {
	case <-p.done:
		return nil
	default:
		return err
	}
}

// copyOutput demultiplexes the attached stream into stdout and stderr.
func (p *containerProcess) copyOutput() {
	defer close(p.copied)
	_, err := stdcopy.StdCopy(p.stdoutW, p.stderrW, p.hj.Reader)
	if err != nil {
		p.launcher.logger.Debug("container stream closed",
			slog.String("container", p.ID()),
			slog.String("error", err.Error()),
		)
	}
}

func (p *containerProcess) waitLoop(waitCh <-chan container.WaitResponse, errCh <-chan error) {
	code := int32(-1)
	select {
	case resp := <-waitCh:
		code = int32(resp.StatusCode)
	case err := <-errCh:
		p.launcher.logger.Warn("waiting for container failed",
			slog.String("container", p.ID()),
			slog.String("error", err.Error()),
		)
	}
	p.exitCode.Store(code)
	p.state.CompareAndSwap(int32(process.StateRunning), int32(process.StateExited))

	// The attach stream ends once the container stopped.
	select {
	case <-p.copied:
	case <-time.After(2 * time.Second):
		p.hj.Close()
		<-p.copied
	}
	p.hj.Close()
	p.stdoutW.Close()
	p.stderrW.Close()
	p.launcher.removeContainer(p.id)
	close(p.done)
}

// stdinWriter closes only the write half of the hijacked connection, so
// output keeps flowing after stdin is closed.
type stdinWriter struct {
	hj types.HijackedResponse
}

func (w *stdinWriter) Write(b []byte) (int, error) {
	return w.hj.Conn.Write(b)
}

func (w *stdinWriter) Close() error {
	return w.hj.CloseWrite()
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
