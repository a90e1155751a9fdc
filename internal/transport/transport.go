package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Command is one invocation at the query boundary. Tool and Args are passed
// to the process without a shell when the transport allows it; Script is only
// used for internal capability probes and always runs through bash.
type Command struct {
	Tool   string
	Args   []string
	Script string
}

// String renders the command as it would be typed into a shell.
func (c Command) String() string {
	if c.Script != "" {
		return c.Script
	}
	parts := make([]string, 0, len(c.Args)+1)
	parts = append(parts, c.Tool)
	for _, a := range c.Args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

type Transport interface {
	Run(ctx context.Context, cmd Command) (RunResult, error)
	Describe() string
}

type RunError struct {
	Command  string
	Target   string
	Stdout   string
	Stderr   string
	ExitCode int
	Timeout  bool
	Err      error
}

func (e *RunError) Error() string {
	base := fmt.Sprintf("command %q failed on %s", e.Command, e.Target)
	if e.Timeout {
		base += " (timeout)"
	}
	if e.ExitCode != 0 {
		base += fmt.Sprintf(" [exit=%d]", e.ExitCode)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		base += ": " + s
	}
	if e.Err != nil {
		base += fmt.Sprintf(": %v", e.Err)
	}
	return base
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err looks like a transient transport failure.
// The engine never retries on its own; the refresh loop uses this to pick a
// log level.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
		return true
	}

	var runErr *RunError
	if errors.As(err, &runErr) {
		if runErr.Timeout {
			return true
		}
		if runErr.ExitCode == 255 {
			return true
		}

		stderr := strings.ToLower(runErr.Stderr)
		retrySignals := []string{
			"connection reset",
			"broken pipe",
			"connection timed out",
			"operation timed out",
			"timed out",
			"network is unreachable",
			"temporary failure",
			"connection closed",
			"no route to host",
			"connection refused",
			"unable to contact slurm controller",
			"socket timed out",
		}
		for _, signal := range retrySignals {
			if strings.Contains(stderr, signal) {
				return true
			}
		}
	}

	return false
}

// execute runs cmd and folds its outcome into a RunResult and, on failure,
// a *RunError describing the command as the user would have typed it.
func execute(ctx context.Context, cmd *exec.Cmd, command Command, target string) (RunResult, error) {
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	err := cmd.Run()
	result := RunResult{
		Stdout: outBuf.String(),
		Stderr: errBuf.String(),
	}
	if err == nil {
		return result, nil
	}

	runErr := &RunError{
		Command: command.String(),
		Target:  target,
		Stdout:  result.Stdout,
		Stderr:  result.Stderr,
		Err:     err,
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		runErr.ExitCode = exitErr.ExitCode()
		result.ExitCode = runErr.ExitCode
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		runErr.Timeout = true
	}
	return result, runErr
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
