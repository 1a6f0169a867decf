package transport

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoShell is returned when an operation needs remote command
	// execution but the access only moves files.
	ErrNoShell = errors.New("transport has no shell capability")

	// ErrNotFound reports a missing remote path.
	ErrNotFound = errors.New("remote path not found")
)

// ConnectionError reports that the transport could not reach or
// authenticate against the remote end. It is fatal for the instance.
type ConnectionError struct {
	Transport string
	Host      string
	Op        string
	Err       error
}

func (e *ConnectionError) Error() string {
	host := e.Host
	if host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s connection to %s failed during %s: %v", e.Transport, host, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommandError reports a remote command that ran but exited non-zero, or
// was interrupted by its deadline.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("command %q: %v", e.Command, e.Err)
	}
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + lastLine(stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is or wraps a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsCommandError reports whether err is or wraps a CommandError.
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

func lastLine(s string) string {
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
