package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/fluidmcp/fluidmcp/internal/logring"
)

// ExitStatus describes how a child process ended.
type ExitStatus struct {
	Code   int    `json:"code"`
	Signal string `json:"signal,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// ChildConfig describes a process to spawn. It is shared by MCP server
// instances and process-backed LLM models.
type ChildConfig struct {
	Command string
	Args    []string
	Env     []string
	Dir     string

	// Ring receives stderr lines, and stdout lines when CaptureStdout is
	// set (children that are not MCP speakers).
	Ring          *logring.Ring
	CaptureStdout bool

	// StderrLine, when set, observes each stderr line after it is pushed
	// to the ring.
	StderrLine func(line string)

	Log *slog.Logger
}

// Child wraps a running process with piped stdio and an exit watcher.
type Child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	startedAt time.Time
	exitCh    chan ExitStatus // receives exactly one status
	done      chan struct{}   // closed after the status is delivered
	killOnce  sync.Once
}

// SpawnChild starts the process and its stderr capture goroutine. The
// caller consumes stdout unless CaptureStdout routes it to the ring.
func SpawnChild(cfg ChildConfig) (*Child, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = cfg.Env
	cmd.Dir = cfg.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", cfg.Command, err)
	}

	c := &Child{
		cmd:       cmd,
		stdin:     stdin,
		stdout:    stdout,
		startedAt: time.Now(),
		exitCh:    make(chan ExitStatus, 1),
		done:      make(chan struct{}),
	}

	go readLines(stderr, func(line string) {
		if cfg.Ring != nil {
			cfg.Ring.Push(logring.StreamStderr, line)
		}
		if cfg.StderrLine != nil {
			cfg.StderrLine(line)
		}
	})
	if cfg.CaptureStdout {
		go readLines(stdout, func(line string) {
			if cfg.Ring != nil {
				cfg.Ring.Push(logring.StreamStdout, line)
			}
		})
	}

	go c.watch(cfg.Log)
	return c, nil
}

func (c *Child) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

// Exited yields the child's exit status once.
func (c *Child) Exited() <-chan ExitStatus {
	return c.exitCh
}

// watch waits for the process and reports how it ended. It is the only
// caller of cmd.Wait.
func (c *Child) watch(log *slog.Logger) {
	defer close(c.done)
	err := c.cmd.Wait()

	status := ExitStatus{}
	switch {
	case err == nil:
		status.Code = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status.Code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Signal = ws.Signal().String()
				status.Reason = "signal"
			}
		} else {
			status.Code = -1
			status.Reason = err.Error()
		}
	}
	if status.Reason == "" && status.Code != 0 {
		status.Reason = fmt.Sprintf("exit code %d", status.Code)
	}

	if log != nil {
		log.Debug("child exited", "pid", c.PID(), "code", status.Code, "signal", status.Signal)
	}
	c.exitCh <- status
}

// Terminate closes stdin, signals the process, and escalates to SIGKILL
// after grace. Forced termination kills immediately.
func (c *Child) Terminate(grace time.Duration, force bool) {
	_ = c.stdin.Close()

	if c.cmd.Process == nil {
		return
	}
	if force || grace <= 0 {
		c.kill()
		return
	}

	_ = c.cmd.Process.Signal(syscall.SIGTERM)

	// Escalate unless the watcher reaps it within the grace period.
	go func() {
		select {
		case <-time.After(grace):
			c.kill()
		case <-c.done:
		}
	}()
}

func (c *Child) kill() {
	c.killOnce.Do(func() {
		if c.cmd.Process != nil {
			_ = c.cmd.Process.Kill()
		}
	})
}

func readLines(r io.Reader, fn func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}
