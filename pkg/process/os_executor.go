package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/go-logr/logr"
)

// OSExecutor runs commands as ordinary operating-system processes.
type OSExecutor struct {
	lock     sync.Mutex
	running  map[int32]*exec.Cmd
	waitOnce map[int32]*sync.Once
	waitErr  map[int32]error
	log      logr.Logger
}

func NewOSExecutor(log logr.Logger) Executor {
	return &OSExecutor{
		running:  make(map[int32]*exec.Cmd),
		waitOnce: make(map[int32]*sync.Once),
		waitErr:  make(map[int32]error),
		log:      log.WithName("os-executor"),
	}
}

func (e *OSExecutor) StartProcess(ctx context.Context, cmd *exec.Cmd, handler ProcessExitHandler) (int32, func(), error) {
	if err := cmd.Start(); err != nil {
		return UnknownPID, nil, err
	}

	pid := int32(cmd.Process.Pid)

	e.lock.Lock()
	e.running[pid] = cmd
	e.waitOnce[pid] = &sync.Once{}
	e.lock.Unlock()

	exited := make(chan struct{})

	go func() {
		select {
		case <-exited:
		case <-ctx.Done():
			if stopErr := e.StopProcess(pid); stopErr != nil {
				e.log.V(1).Info("failed to stop process on context cancellation", "PID", pid, "error", stopErr.Error())
			}
			<-exited
		}
	}()

	startWaitingForProcessExit := func() {
		go func() {
			defer close(exited)
			waitErr := e.wait(pid, cmd)
			exitCode, execErr := processExecResult(waitErr, cmd)

			e.lock.Lock()
			delete(e.running, pid)
			e.lock.Unlock()

			if handler != nil {
				handler.OnProcessExited(pid, exitCode, execErr)
			}
		}()
	}

	return pid, startWaitingForProcessExit, nil
}

func (e *OSExecutor) StopProcess(pid int32) error {
	e.lock.Lock()
	cmd, found := e.running[pid]
	e.lock.Unlock()

	if !found {
		return nil
	}

	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("could not stop process %d: %w", pid, err)
	}
	return nil
}

// wait calls cmd.Wait exactly once, no matter how many goroutines observe the exit.
func (e *OSExecutor) wait(pid int32, cmd *exec.Cmd) error {
	e.lock.Lock()
	once := e.waitOnce[pid]
	e.lock.Unlock()

	once.Do(func() {
		err := cmd.Wait()
		e.lock.Lock()
		e.waitErr[pid] = err
		e.lock.Unlock()
	})

	e.lock.Lock()
	defer e.lock.Unlock()
	return e.waitErr[pid]
}

// processExecResult maps a cmd.Wait error to an exit code plus tracking error.
func processExecResult(waitErr error, cmd *exec.Cmd) (int32, error) {
	var ee *exec.ExitError
	if waitErr == nil {
		return int32(cmd.ProcessState.ExitCode()), nil
	} else if errors.As(waitErr, &ee) {
		return int32(ee.ExitCode()), nil
	} else {
		return UnknownExitCode, waitErr
	}
}

var _ Executor = (*OSExecutor)(nil)
