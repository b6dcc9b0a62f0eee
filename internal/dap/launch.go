// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package dap

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/microsoft/nova/internal/jdwp"
	"github.com/microsoft/nova/pkg/process"
)

// connectRetryTimeout bounds how long we retry connecting to a freshly
// launched debuggee's debug port before giving up.
const connectRetryTimeout = 15 * time.Second

// AttachConfig are the attach request arguments.
type AttachConfig struct {
	HostName string `json:"hostName,omitempty"`
	Port     int    `json:"port"`
}

func (c AttachConfig) address() string {
	host := c.HostName
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// LaunchConfig are the launch request arguments.
type LaunchConfig struct {
	// Program is the main class name, or a jar path when it ends in ".jar".
	Program string `json:"program"`

	Args      []string          `json:"args,omitempty"`
	Cwd       string            `json:"cwd,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	ClassPath []string          `json:"classPath,omitempty"`
	VMArgs    []string          `json:"vmArgs,omitempty"`

	// JavaPath overrides the java binary; defaults to "java" from PATH.
	JavaPath string `json:"javaPath,omitempty"`

	// Port is the debug port the debuggee listens on; 0 picks a free one.
	Port int `json:"port,omitempty"`

	StopOnEntry bool `json:"stopOnEntry,omitempty"`
}

// Debuggee is a launched debuggee process.
type Debuggee struct {
	PID int32

	// Exited delivers exactly one exit notification.
	Exited <-chan process.ProcessExitInfo

	executor process.Executor
}

// Kill forcibly stops the debuggee process.
func (d *Debuggee) Kill() error {
	return d.executor.StopProcess(d.PID)
}

// Launcher spawns debuggee JVMs with the debug agent enabled and forwards
// their output streams.
type Launcher struct {
	executor process.Executor
	log      logr.Logger
}

func NewLauncher(executor process.Executor, log logr.Logger) *Launcher {
	return &Launcher{executor: executor, log: log}
}

// Launch starts the configured program suspended on a debug port, connects to
// that port, and forwards stdout and stderr line by line through output.
// The returned client is already attached; the debuggee stays suspended until
// resumed.
func (l *Launcher) Launch(ctx context.Context, config LaunchConfig, clientCfg jdwp.ClientConfig, output func(category, line string)) (*jdwp.Client, *Debuggee, error) {
	if config.Program == "" {
		return nil, nil, fmt.Errorf("launch configuration is missing \"program\"")
	}

	port := config.Port
	if port == 0 {
		free, err := pickFreePort()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to allocate a debug port: %w", err)
		}
		port = free
	}

	cmd := buildJavaCommand(config, port)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	exitCh := make(chan process.ProcessExitInfo, 1)
	// The debuggee outlives the launch request; its lifetime is managed
	// through Debuggee.Kill and disconnect, not the request context.
	pid, startWait, err := l.executor.StartProcess(context.Background(), cmd, process.NewChannelProcessExitHandler(exitCh))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start debuggee: %w", err)
	}
	l.log.V(1).Info("debuggee started", "PID", pid, "debugPort", port)

	go forwardOutput(stdout, "stdout", output)
	go forwardOutput(stderr, "stderr", output)
	startWait()

	client, err := l.connect(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), clientCfg)
	if err != nil {
		if stopErr := l.executor.StopProcess(pid); stopErr != nil {
			l.log.V(1).Info("failed to stop debuggee after connect failure", "PID", pid, "error", stopErr.Error())
		}
		return nil, nil, err
	}

	debuggee := &Debuggee{PID: pid, Exited: exitCh, executor: l.executor}
	return client, debuggee, nil
}

// connect retries the debug port with exponential backoff; the agent needs a
// moment after process start before it accepts connections.
func (l *Launcher) connect(ctx context.Context, address string, clientCfg jdwp.ClientConfig) (*jdwp.Client, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = connectRetryTimeout

	var client *jdwp.Client
	operation := func() error {
		c, err := jdwp.Dial(ctx, address, clientCfg)
		if err != nil {
			return err
		}
		client = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("failed to connect to debuggee at %s: %w", address, err)
	}
	return client, nil
}

func buildJavaCommand(config LaunchConfig, port int) *exec.Cmd {
	javaPath := config.JavaPath
	if javaPath == "" {
		javaPath = "java"
	}

	args := []string{
		fmt.Sprintf("-agentlib:jdwp=transport=dt_socket,server=y,suspend=y,address=%d", port),
	}
	args = append(args, config.VMArgs...)
	if len(config.ClassPath) > 0 {
		args = append(args, "-cp", joinClassPath(config.ClassPath))
	}
	if isJarPath(config.Program) {
		args = append(args, "-jar", config.Program)
	} else {
		args = append(args, config.Program)
	}
	args = append(args, config.Args...)

	cmd := exec.Command(javaPath, args...)
	cmd.Dir = config.Cwd
	if len(config.Env) > 0 {
		cmd.Env = os.Environ()
		for name, value := range config.Env {
			cmd.Env = append(cmd.Env, name+"="+value)
		}
	}
	return cmd
}

func joinClassPath(entries []string) string {
	joined := ""
	for i, entry := range entries {
		if i > 0 {
			joined += string(os.PathListSeparator)
		}
		joined += entry
	}
	return joined
}

func isJarPath(program string) bool {
	return len(program) > 4 && program[len(program)-4:] == ".jar"
}

func pickFreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// forwardOutput reads one stream to exhaustion, emitting each line through
// the sink. Lines keep their trailing newline so the client renders them
// unmodified.
func forwardOutput(stream io.Reader, category string, sink func(category, line string)) {
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		sink(category, scanner.Text()+"\n")
	}
}
