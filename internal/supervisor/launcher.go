package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

var (
	// ErrNodeBinaryUnset indicates the node binary path was not configured.
	ErrNodeBinaryUnset = errors.New("supervisor: node binary path is empty")
	// ErrNodeBinaryMissing indicates the node binary does not exist.
	ErrNodeBinaryMissing = errors.New("supervisor: node binary not found")
)

// ExitStatus describes how the node process terminated.
type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// ProcessHandle represents a running node process. Done is closed after the
// process exits; the final ExitStatus is readable from the channel before
// closure.
type ProcessHandle interface {
	PID() int
	Interrupt() error
	Kill() error
	Done() <-chan ExitStatus
}

// ProcessLauncher abstracts process creation for the node binary.
type ProcessLauncher interface {
	Launch(ctx context.Context, binary string, args []string, env []string, stdout, stderr io.Writer) (ProcessHandle, error)
}

type execLauncher struct{}

func (execLauncher) Launch(ctx context.Context, binary string, args []string, env []string, stdout, stderr io.Writer) (ProcessHandle, error) {
	if strings.TrimSpace(binary) == "" {
		return nil, ErrNodeBinaryUnset
	}
	if strings.ContainsRune(binary, os.PathSeparator) {
		if _, err := os.Stat(binary); err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: %s", ErrNodeBinaryMissing, binary)
			}
			return nil, fmt.Errorf("supervisor: stat node binary: %w", err)
		}
	}

	cmd := exec.Command(binary, args...)
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: start node: %w", err)
	}

	handle := &execHandle{
		cmd:  cmd,
		done: make(chan ExitStatus, 1),
	}
	go handle.wait()
	return handle, nil
}

type execHandle struct {
	cmd  *exec.Cmd
	done chan ExitStatus
}

func (h *execHandle) wait() {
	err := h.cmd.Wait()

	status := ExitStatus{Code: -1}
	var exitErr *exec.ExitError
	if err == nil {
		status.Code = 0
	} else if errors.As(err, &exitErr) {
		status.Code = exitErr.ExitCode()
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.Signal = ws.Signal().String()
		}
	} else {
		status.Err = err
	}

	h.done <- status
	close(h.done)
}

func (h *execHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *execHandle) Interrupt() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Signal(os.Interrupt)
}

func (h *execHandle) Kill() error {
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func (h *execHandle) Done() <-chan ExitStatus {
	return h.done
}
