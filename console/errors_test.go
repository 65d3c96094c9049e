package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		exp  string
	}{
		{name: "nil", err: nil, exp: ""},
		{name: "not spawned", err: fmt.Errorf("executing: %w", ErrNotSpawned), exp: "not_spawned"},
		{name: "configuration", err: &ConfigurationError{Field: "port", Reason: "must be set"}, exp: "configuration"},
		{name: "connection", err: &ConnectionError{Op: "dial", Addr: "127.0.0.1:1", Err: io.EOF}, exp: "connection"},
		{name: "protocol", err: fmt.Errorf("wrapped: %w", &ProtocolError{Message: "no targets"}), exp: "protocol"},
		{name: "console", err: &ConsoleError{Command: "set a", Output: "no such variable"}, exp: "console"},
		{name: "terminated", err: &TerminatedError{Name: "vivado"}, exp: "terminated"},
		{name: "timeout", err: fmt.Errorf("waiting for prompt: %w", context.DeadlineExceeded), exp: "timeout"},
		{name: "other", err: errors.New("boom"), exp: "internal"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, Kind(c.err))
		})
	}
}

func TestProtocolErrorMessage(t *testing.T) {
	assert.Equal(t, "Invalid target", (&ProtocolError{Message: "Invalid target"}).Error())
	assert.Contains(t, (&ProtocolError{Message: "hello", Malformed: true}).Error(), "illegal start-string")
}

func TestConnectionErrorUnwrap(t *testing.T) {
	err := &ConnectionError{Op: "read", Addr: "localhost:4567", Err: io.EOF}
	assert.ErrorIs(t, err, io.EOF)
}
