package terminal

import (
	"context"
	"io"
	"regexp"
	"sync"

	"go.uber.org/zap"
)

const readChunk = 32 * 1024

// Expecter buffers the output of a terminal and waits for patterns in it. A single goroutine reads the terminal until
// it fails, so that waits can honor a context while the terminal read itself cannot be interrupted.
type Expecter struct {
	log *zap.SugaredLogger

	mu  sync.Mutex
	buf []byte
	// changed is closed and replaced whenever buf grows or the reader stops.
	changed chan struct{}
	readErr error

	done chan struct{}
}

func NewExpecter(r io.Reader, log *zap.SugaredLogger) *Expecter {
	e := &Expecter{
		log:     log,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.pump(r)
	return e
}

func (e *Expecter) pump(r io.Reader) {
	defer close(e.done)
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		e.mu.Lock()
		if n > 0 {
			e.log.Debugw("data received", "Data", string(chunk[:n]))
			e.buf = append(e.buf, chunk[:n]...)
		}
		if err != nil {
			e.log.Debugw("terminal read ended", "Error", err)
			e.readErr = err
		}
		close(e.changed)
		e.changed = make(chan struct{})
		e.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// Done is closed once the terminal can no longer be read, typically because the process exited.
func (e *Expecter) Done() <-chan struct{} { return e.done }

// Expect blocks until re matches the buffered output and returns everything before the match. The match itself is
// consumed too. If the terminal stops before a match, all remaining output is returned together with io.EOF. If ctx
// ends first, nothing is consumed.
func (e *Expecter) Expect(ctx context.Context, re *regexp.Regexp) ([]byte, error) {
	for {
		e.mu.Lock()
		if loc := re.FindIndex(e.buf); loc != nil {
			before := append([]byte(nil), e.buf[:loc[0]]...)
			e.buf = append([]byte(nil), e.buf[loc[1]:]...)
			e.mu.Unlock()
			return before, nil
		}
		if e.readErr != nil {
			rest := e.buf
			e.buf = nil
			e.mu.Unlock()
			return rest, io.EOF
		}
		changed := e.changed
		e.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
		}
	}
}

// Drain discards and returns whatever output is currently buffered.
func (e *Expecter) Drain() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	b := e.buf
	e.buf = nil
	return b
}
