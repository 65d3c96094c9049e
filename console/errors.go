/*
Package console holds the error taxonomy shared by the socket (XSCT) and terminal (Vivado) console clients.

Every error that originates from a console response carries the raw text the console produced,
so the tool's own diagnostic message reaches the caller verbatim.
*/
package console

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotSpawned is returned by operations on a terminal client that has no backing process.
var ErrNotSpawned = errors.New("console process was not spawned")

// ConfigurationError is returned when launch parameters are missing or invalid.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
}

// ConnectionError is returned when the socket channel cannot be established or a read/write fails or times out.
type ConnectionError struct {
	Op   string
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Op, e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is returned by the socket channel when the console answers with the error marker,
// or when the answer does not start with a known marker at all (Malformed).
type ProtocolError struct {
	// Message is the text following the error marker, or the whole answer when Malformed is set.
	Message   string
	Malformed bool
}

func (e *ProtocolError) Error() string {
	if e.Malformed {
		return fmt.Sprintf("illegal start-string in protocol, answer is: %q", e.Message)
	}
	return e.Message
}

// ConsoleError is returned by the terminal channel when a registered error pattern matched the captured output.
type ConsoleError struct {
	Command string
	Output  string
}

func (e *ConsoleError) Error() string {
	return fmt.Sprintf("command %q failed: %s", e.Command, e.Output)
}

// TerminatedError is returned when a command is issued to, or waits on, a console process that has exited.
type TerminatedError struct {
	Name string
	// Output holds whatever was captured before the process went away, if anything.
	Output string
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("%s has terminated", e.Name)
}

// Kind returns a short, stable name for the class of err, or "" for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var (
		cfgErr     *ConfigurationError
		connErr    *ConnectionError
		protoErr   *ProtocolError
		consoleErr *ConsoleError
		termErr    *TerminatedError
	)
	switch {
	case errors.Is(err, ErrNotSpawned):
		return "not_spawned"
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &connErr):
		return "connection"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &consoleErr):
		return "console"
	case errors.As(err, &termErr):
		return "terminated"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
