package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// stderrTail bounds how much tool stderr is kept for error messages.
const stderrTail = 2048

// waitDelay bounds how long a killed tool may hold its output pipes open.
const waitDelay = 5 * time.Second

// command runs one external executable.
type command struct {
	name    string
	path    string
	timeout time.Duration
}

func (c command) available() error {
	if _, err := exec.LookPath(c.path); err != nil {
		return fmt.Errorf("%s not found at %q", c.name, c.path)
	}
	return nil
}

// run executes the tool with args in dir and maps the exit status to an error.
func (c command) run(ctx context.Context, dir string, args ...string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.path, args...)
	cmd.Dir = dir
	cmd.WaitDelay = waitDelay
	var stderr tailBuffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%s timed out after %s", c.name, c.timeout)
		}
		if isInterrupt(err) {
			return ErrInterrupted
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				return fmt.Errorf("%s exited with code %d", c.name, exitErr.ExitCode())
			}
			return fmt.Errorf("%s exited with code %d: %s", c.name, exitErr.ExitCode(), msg)
		}
		return fmt.Errorf("failed to run %s: %w", c.name, err)
	}
	return nil
}

func isInterrupt(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.Signal() == syscall.SIGINT || status.Signal() == syscall.SIGTERM
		}
	}
	return false
}

// tailBuffer keeps the last stderrTail bytes written to it.
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.buf.Write(p)
	if over := t.buf.Len() - stderrTail; over > 0 {
		t.buf.Next(over)
	}
	return n, nil
}

func (t *tailBuffer) String() string { return t.buf.String() }
