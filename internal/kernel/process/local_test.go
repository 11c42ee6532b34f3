package process

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not finish in time")
	}
}

func TestLocalLauncher_EchoThroughPipes(t *testing.T) {
	cat := requireBinary(t, "cat")

	p, err := NewLocalLauncher().Launch(context.Background(), Spec{Name: "cat", Path: cat})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, p.State())
	assert.Equal(t, -1, p.ExitCode())
	assert.NotEmpty(t, p.ID())

	_, err = io.WriteString(p.Stdin(), "EXEC:print(1)\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "EXEC:print(1)\n", line)

	require.NoError(t, p.Stdin().Close())
	go io.Copy(io.Discard, p.Stdout())
	go io.Copy(io.Discard, p.Stderr())
	waitDone(t, p)

	assert.Equal(t, StateExited, p.State())
	assert.Equal(t, 0, p.ExitCode())
}

func TestLocalLauncher_KillAndWorkingDir(t *testing.T) {
	sh := requireBinary(t, "sh")
	dir := t.TempDir()

	p, err := NewLocalLauncher().Launch(context.Background(), Spec{
		Name: "sh",
		Path: sh,
		Args: []string{"-c", "pwd; echo \"$KERNEL_TEST\" >&2; exec sleep 30"},
		Dir:  dir,
		Env:  []string{"KERNEL_TEST=hello"},
	})
	require.NoError(t, err)

	cwd, err := bufio.NewReader(p.Stdout()).ReadString('\n')
	require.NoError(t, err)
	want, _ := filepath.EvalSymlinks(dir)
	got, _ := filepath.EvalSymlinks(cwd[:len(cwd)-1])
	assert.Equal(t, want, got)

	env, err := bufio.NewReader(p.Stderr()).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "hello\n", env)

	go io.Copy(io.Discard, p.Stdout())
	go io.Copy(io.Discard, p.Stderr())

	require.NoError(t, p.Kill())
	waitDone(t, p)
	assert.Equal(t, StateKilled, p.State())

	// Killing twice is harmless.
	assert.NoError(t, p.Kill())
}

func TestLocalLauncher_MissingExecutable(t *testing.T) {
	_, err := NewLocalLauncher().Launch(context.Background(), Spec{
		Name: "python",
		Path: filepath.Join(t.TempDir(), "no-such-python"),
	})
	assert.Error(t, err)
}

func TestLocalLauncher_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLocalLauncher().Launch(ctx, Spec{Path: "true"})
	assert.ErrorIs(t, err, context.Canceled)
}
