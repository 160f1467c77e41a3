// Package driver contains the target drivers. A driver wraps a transport
// (SSH for now) behind small protocol interfaces so tests and higher level
// drivers do not care how commands reach the target.
package driver

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// CommandProtocol runs shell commands on a target.
type CommandProtocol interface {
	// Run executes command and returns stdout and stderr line by line
	// together with the exit code. A non-zero exit code is not an error.
	Run(ctx context.Context, command string) (stdout, stderr []string, exitCode int, err error)

	// RunCheck executes command and returns its stdout lines. A non-zero
	// exit code is returned as an *ExecutionError.
	RunCheck(ctx context.Context, command string) ([]string, error)
}

// FileTransferProtocol moves files between the host and a target.
type FileTransferProtocol interface {
	Put(ctx context.Context, localPath, remotePath string) error
	Get(ctx context.Context, remotePath, localPath string) error
}

// BackgroundProcessProtocol starts long-running commands on a target and
// hands back a handle to poll and stop them.
type BackgroundProcessProtocol interface {
	RunBackground(ctx context.Context, command string) (*BackgroundProcess, error)
}

// ExecutionError reports a command that failed or exited non-zero.
type ExecutionError struct {
	Command  string
	Stdout   []string
	Stderr   []string
	ExitCode int
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, " / ")
	}
	return msg
}

// WaitFor runs command repeatedly until pattern appears as a substring in
// its output or timeout expires. sleep is the pause between runs.
func WaitFor(ctx context.Context, cmd CommandProtocol, command, pattern string, timeout, sleep time.Duration) error {
	if sleep <= 0 {
		sleep = time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		lines, err := cmd.RunCheck(ctx, command)
		if err != nil {
			return err
		}
		for _, line := range lines {
			if strings.Contains(line, pattern) {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("pattern %q not found in output of %q within %s", pattern, command, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// PollUntilSuccess runs command until it exits with the expected code.
// tries <= 0 means unlimited tries within the timeout. It reports whether
// the expected exit code was seen.
func PollUntilSuccess(ctx context.Context, cmd CommandProtocol, command string, expected, tries int, timeout, sleep time.Duration) (bool, error) {
	if sleep <= 0 {
		sleep = time.Second
	}
	deadline := time.Now().Add(timeout)
	for !time.Now().After(deadline) {
		_, _, code, err := cmd.Run(ctx, command)
		if err != nil {
			return false, err
		}
		if code == expected {
			return true, nil
		}
		if tries > 0 {
			tries--
			if tries < 1 {
				break
			}
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleep):
		}
	}
	return false, nil
}
