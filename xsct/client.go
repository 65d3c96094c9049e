package xsct

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/tclconsole/console"
	"github.com/guseggert/tclconsole/internal/logging"
	"go.uber.org/zap"
)

// LineEnd terminates every command and answer on the wire. It does not depend on the platform.
const LineEnd = "\r\n"

const (
	okayMarker  = "okay"
	errorMarker = "error"

	defaultReadSize = 1024
)

var lineEnd = []byte(LineEnd)

// Client is a connection to a running XSCT/XSDB TCP server.
type Client struct {
	Log *zap.SugaredLogger

	conn     net.Conn
	addr     string
	timeout  time.Duration
	readSize int

	// pending holds bytes read past the last answer.
	pending []byte
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.SugaredLogger) ClientOption {
	return func(c *Client) {
		c.Log = l.Named("xsct_client")
	}
}

// WithReadSize sets how many bytes are read from the socket at once.
func WithReadSize(n int) ClientOption {
	return func(c *Client) {
		c.readSize = n
	}
}

// Dial connects to the server at host:port. timeout bounds the connect and is the default deadline of every later
// read and write; zero disables it.
func Dial(ctx context.Context, host string, port int, timeout time.Duration, opts ...ClientOption) (*Client, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	c := &Client{
		Log:      logging.Default().Named("xsct_client"),
		addr:     addr,
		timeout:  timeout,
		readSize: defaultReadSize,
	}
	for _, o := range opts {
		o(c)
	}
	c.Log = c.Log.With("Session", uuid.NewString())

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.Log.Debugf("dial error: %s", err)
		return nil, &console.ConnectionError{Op: "dial", Addr: addr, Err: err}
	}
	c.conn = conn
	c.Log.Infow("connected", "Addr", addr)
	return c, nil
}

// Close closes the connection. Closing twice returns the connection's error; callers must track state.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Send writes p verbatim. No line ending is appended; use Execute to run a command.
func (c *Client) Send(p []byte) error {
	c.Log.Debugw("sending message", "Message", string(p))
	if err := c.conn.SetWriteDeadline(deadline(time.Now(), c.timeout, time.Time{})); err != nil {
		return &console.ConnectionError{Op: "write", Addr: c.addr, Err: err}
	}
	_, err := c.conn.Write(p)
	if err != nil {
		return &console.ConnectionError{Op: "write", Addr: c.addr, Err: err}
	}
	return nil
}

// Receive returns the next answer, without its line ending. Invalid UTF-8 is replaced by U+FFFD. It reads bufSize
// bytes at a time (the client default when not positive) and gives up after timeout (the client default when zero).
// Bytes past the answer are kept for the next call.
func (c *Client) Receive(bufSize int, timeout time.Duration) (string, error) {
	if timeout == 0 {
		timeout = c.timeout
	}
	return c.receive(bufSize, deadline(time.Now(), timeout, time.Time{}))
}

func (c *Client) receive(bufSize int, until time.Time) (string, error) {
	if bufSize <= 0 {
		bufSize = c.readSize
	}
	var buf []byte
	for {
		if i := bytes.Index(c.pending, lineEnd); i >= 0 {
			ans := strings.ToValidUTF8(string(c.pending[:i]), "\uFFFD")
			c.pending = c.pending[i+len(lineEnd):]
			if len(c.pending) == 0 {
				c.pending = nil
			}
			return ans, nil
		}

		if buf == nil {
			buf = make([]byte, bufSize)
		}
		if err := c.conn.SetReadDeadline(until); err != nil {
			return "", &console.ConnectionError{Op: "read", Addr: c.addr, Err: err}
		}
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.Log.Debugw("data received", "Data", string(buf[:n]))
			c.pending = append(c.pending, buf[:n]...)
		}
		if err != nil && !bytes.Contains(c.pending, lineEnd) {
			return "", &console.ConnectionError{Op: "read", Addr: c.addr, Err: err}
		}
	}
}

// Execute runs command and returns its result. An "error" answer is returned as a *console.ProtocolError carrying the
// console's message, as is an answer with an unknown marker (Malformed).
//
// The deadline of ctx, if earlier than the client timeout, bounds the wait for the answer. A command cannot be
// abandoned once sent, so cancellation without a deadline is not observed.
func (c *Client) Execute(ctx context.Context, command string) (string, error) {
	c.Log.Infow("sending command", "Command", command)
	err := c.Send([]byte(command + LineEnd))
	if err != nil {
		return "", err
	}
	ctxDeadline, _ := ctx.Deadline()
	ans, err := c.receive(0, deadline(time.Now(), c.timeout, ctxDeadline))
	if err != nil {
		return "", err
	}
	return parseAnswer(ans)
}

func parseAnswer(ans string) (string, error) {
	switch {
	case strings.HasPrefix(ans, okayMarker):
		return afterMarker(ans, okayMarker), nil
	case strings.HasPrefix(ans, errorMarker):
		return "", &console.ProtocolError{Message: afterMarker(ans, errorMarker)}
	default:
		return "", &console.ProtocolError{Message: ans, Malformed: true}
	}
}

// afterMarker strips the marker and the single delimiter byte that follows it.
func afterMarker(ans, marker string) string {
	if len(ans) <= len(marker)+1 {
		return ""
	}
	return ans[len(marker)+1:]
}

// deadline returns the earlier of now+timeout and limit, treating a zero timeout or zero limit as unbounded.
func deadline(now time.Time, timeout time.Duration, limit time.Time) time.Time {
	var d time.Time
	if timeout > 0 {
		d = now.Add(timeout)
	}
	if !limit.IsZero() && (d.IsZero() || limit.Before(d)) {
		d = limit
	}
	return d
}
