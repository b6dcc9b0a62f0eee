package process

import (
	"context"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"
)

func TestOSExecutorCapturesExitCode(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on a POSIX shell")
	}

	executor := NewOSExecutor(logr.Discard())
	exitCh := make(chan ProcessExitInfo, 1)

	cmd := exec.Command("/bin/sh", "-c", "exit 3")
	pid, startWait, err := executor.StartProcess(context.Background(), cmd, NewChannelProcessExitHandler(exitCh))
	require.NoError(t, err)
	require.Greater(t, pid, int32(0))
	startWait()

	select {
	case info := <-exitCh:
		require.NoError(t, info.Err)
		require.Equal(t, int32(3), info.ExitCode)
		require.Equal(t, pid, info.PID)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for process exit")
	}
}

func TestOSExecutorStopProcess(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on a POSIX shell")
	}

	executor := NewOSExecutor(logr.Discard())
	exitCh := make(chan ProcessExitInfo, 1)

	cmd := exec.Command("/bin/sh", "-c", "sleep 60")
	pid, startWait, err := executor.StartProcess(context.Background(), cmd, NewChannelProcessExitHandler(exitCh))
	require.NoError(t, err)
	startWait()

	require.NoError(t, executor.StopProcess(pid))

	select {
	case info := <-exitCh:
		require.Equal(t, pid, info.PID)
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for killed process to exit")
	}
}
