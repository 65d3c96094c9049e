package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/tclconsole/console"
	"github.com/guseggert/tclconsole/internal/logging"
	"github.com/guseggert/tclconsole/process"
	"go.uber.org/zap"
	"golang.org/x/text/encoding"
)

const (
	// DefaultPrompt is the prompt of Vivado in Tcl mode.
	DefaultPrompt   = "Vivado% "
	DefaultEncoding = "utf-8"

	exitCommand = "exit"

	// closeGrace is how long output may still be read after the process exited.
	closeGrace = 200 * time.Millisecond
)

// Config configures a Client. Zero values select the documented defaults.
type Config struct {
	// Name identifies the console in logs and errors. Defaults to the base name of Executable.
	Name string
	// Executable is the console to spawn. When empty nothing is spawned and commands fail with console.ErrNotSpawned.
	Executable string
	Args       []string
	Dir        string
	// Env is appended to the inherited environment.
	Env []string
	// Prompt ends every answer. Defaults to the literal DefaultPrompt.
	Prompt *regexp.Regexp
	// Backend defaults to CreackBackend.
	Backend Backend
	// Encoding is the WHATWG name of the console output encoding. Defaults to DefaultEncoding.
	Encoding string
	// Timeout bounds every wait for a prompt. Zero waits as long as the context allows.
	Timeout time.Duration
	// Output receives echoed answers. Defaults to os.Stdout.
	Output io.Writer
	Log    *zap.SugaredLogger
}

// ExecOptions adjusts a single Execute call. Zero values keep the client's settings.
type ExecOptions struct {
	// Prompt overrides the client's prompt.
	Prompt *regexp.Regexp
	// NoWait sends the command and returns without reading its answer.
	NoWait bool
	// Echo copies the captured output to Config.Output.
	Echo bool
	// ErrorPatterns turn a matching answer into a *console.ConsoleError.
	ErrorPatterns []*regexp.Regexp
	// Encoding overrides Config.Encoding.
	Encoding string
	// Raw returns the captured output without removing the echo and boundary lines.
	Raw bool
	// Timeout overrides Config.Timeout.
	Timeout time.Duration
}

// Client drives a console spawned under a pseudo-terminal. It is not safe for concurrent use.
type Client struct {
	Log *zap.SugaredLogger

	name    string
	prompt  *regexp.Regexp
	enc     encoding.Encoding
	timeout time.Duration
	output  io.Writer

	conn Conn
	proc *process.Process
	exp  *Expecter
	// stale is set when a wait for the prompt was abandoned, so the buffer may hold a late answer.
	stale bool
}

// New spawns the console described by cfg. It does not wait for the console to be ready, see WaitStartup.
func New(cfg Config) (*Client, error) {
	if cfg.Encoding == "" {
		cfg.Encoding = DefaultEncoding
	}
	enc, err := lookupEncoding(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "console"
		if cfg.Executable != "" {
			cfg.Name = filepath.Base(cfg.Executable)
		}
	}
	if cfg.Prompt == nil {
		cfg.Prompt = Literal(DefaultPrompt)
	}
	if cfg.Backend == nil {
		cfg.Backend = CreackBackend{}
	}
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	if cfg.Log == nil {
		cfg.Log = logging.Default()
	}

	c := &Client{
		Log:     cfg.Log.Named("terminal").With("Name", cfg.Name, "Session", uuid.NewString()),
		name:    cfg.Name,
		prompt:  cfg.Prompt,
		enc:     enc,
		timeout: cfg.Timeout,
		output:  cfg.Output,
	}
	if cfg.Executable == "" {
		c.Log.Info("no executable, the console is not spawned")
		return c, nil
	}

	c.Log.Infow("spawning console", "Executable", cfg.Executable, "Args", cfg.Args)
	conn, err := cfg.Backend.Spawn(Spec{Executable: cfg.Executable, Args: cfg.Args, Dir: cfg.Dir, Env: cfg.Env})
	if err != nil {
		return nil, fmt.Errorf("spawning %s: %w", cfg.Name, err)
	}
	c.conn = conn
	c.proc = process.Track(conn.Pid(), conn.Wait)
	c.exp = NewExpecter(conn, c.Log)
	go c.closeOnExit()
	c.Log.Infow("console spawned", "PID", conn.Pid())
	return c, nil
}

func (c *Client) closeOnExit() {
	<-c.proc.Done()
	select {
	case <-c.exp.Done():
	case <-time.After(closeGrace):
	}
	if err := c.conn.Close(); err != nil {
		c.Log.Debugw("error closing terminal", "Error", err)
	}
	c.Log.Infow("console exited", "ExitCode", c.proc.ExitCode())
}

// Spawned reports whether the client has a backing process.
func (c *Client) Spawned() bool { return c.conn != nil }

// Exited reports whether the backing process has exited.
func (c *Client) Exited() bool { return c.Spawned() && !c.proc.Alive() }

// Pid returns the pid of the console, or 0 if it was not spawned.
func (c *Client) Pid() int {
	if !c.Spawned() {
		return 0
	}
	return c.proc.Pid()
}

// WaitStartup blocks until prompt, or the client's prompt when nil, is printed and discards everything before it.
// Consoles may take long to start, so only ctx bounds the wait.
func (c *Client) WaitStartup(ctx context.Context, prompt *regexp.Regexp) error {
	if !c.Spawned() {
		return console.ErrNotSpawned
	}
	if prompt == nil {
		prompt = c.prompt
	}
	c.Log.Debugw("waiting for startup", "Prompt", prompt.String())
	out, err := c.exp.Expect(ctx, prompt)
	if errors.Is(err, io.EOF) {
		text, _ := decode(c.enc, out)
		return &console.TerminatedError{Name: c.name, Output: text}
	}
	if err != nil {
		return fmt.Errorf("waiting for %s to start: %w", c.name, err)
	}
	return nil
}

// Execute sends command as a line and returns the console's answer, see ExecOptions.
//
// When the wait for the prompt ends early (timeout or cancellation) the command keeps running in the console. Output
// buffered by the time of the next Execute is discarded before that command is sent; an answer arriving even later
// would still be read as the next command's answer, so wait for the console to settle before reusing the session.
func (c *Client) Execute(ctx context.Context, command string, opts ExecOptions) (string, error) {
	if !c.Spawned() {
		return "", console.ErrNotSpawned
	}
	if !c.proc.Alive() {
		return "", &console.TerminatedError{Name: c.name}
	}
	enc := c.enc
	if opts.Encoding != "" {
		var err error
		enc, err = lookupEncoding(opts.Encoding)
		if err != nil {
			return "", err
		}
	}
	prompt := c.prompt
	if opts.Prompt != nil {
		prompt = opts.Prompt
	}
	timeout := c.timeout
	if opts.Timeout != 0 {
		timeout = opts.Timeout
	}

	if c.stale {
		if b := c.exp.Drain(); len(b) > 0 {
			c.Log.Warnw("discarding output of an abandoned command", "Output", string(b))
		}
		c.stale = false
	}

	c.Log.Infow("sending command", "Command", command)
	if _, err := io.WriteString(c.conn, command+"\n"); err != nil {
		if !c.proc.Alive() {
			return "", &console.TerminatedError{Name: c.name}
		}
		return "", fmt.Errorf("writing command to %s: %w", c.name, err)
	}
	if opts.NoWait {
		return "", nil
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	out, waitErr := c.exp.Expect(ctx, prompt)
	if waitErr != nil && !errors.Is(waitErr, io.EOF) {
		c.stale = true
		return "", fmt.Errorf("waiting for prompt %q after %q: %w", prompt.String(), command, waitErr)
	}
	text, err := decode(enc, out)
	if err != nil {
		return "", err
	}
	if waitErr != nil {
		c.Log.Warnw("console exited while waiting for the prompt", "Command", command)
		return "", &console.TerminatedError{Name: c.name, Output: text}
	}
	c.Log.Debugw("answer received", "Command", command, "Answer", text)

	if opts.Echo {
		if _, err := io.WriteString(c.output, text); err != nil {
			c.Log.Warnw("error echoing answer", "Error", err)
		}
	}
	for _, p := range opts.ErrorPatterns {
		if p.MatchString(text) {
			return "", &console.ConsoleError{Command: command, Output: text}
		}
	}
	if opts.Raw {
		return text, nil
	}
	return StripAnswer(text), nil
}

// GetVariable returns the value of a Tcl variable. A variable that does not exist is a *console.ConsoleError.
func (c *Client) GetVariable(ctx context.Context, name string) (string, error) {
	missing := Literal(fmt.Sprintf(`can't read "%s": no such variable`, name))
	return c.Execute(ctx, "set "+name, ExecOptions{ErrorPatterns: []*regexp.Regexp{missing}})
}

// SetVariable sets a Tcl variable. The value is quoted with Quote, so it is not substituted.
func (c *Client) SetVariable(ctx context.Context, name, value string) error {
	_, err := c.Execute(ctx, fmt.Sprintf("set %s %s", name, Quote(value)), ExecOptions{})
	return err
}

// GetProperty returns the value of a property of a design object.
func (c *Client) GetProperty(ctx context.Context, name, object string) (string, error) {
	ans, err := c.Execute(ctx, fmt.Sprintf("get_property %s %s", name, object), ExecOptions{})
	if err != nil {
		return "", err
	}
	return firstNonBlank(ans), nil
}

// SetProperty sets a property of a design object. The value is quoted with Quote, so it is not substituted.
func (c *Client) SetProperty(ctx context.Context, name, value, object string) error {
	_, err := c.Execute(ctx, fmt.Sprintf("set_property %s %s %s", name, Quote(value), object), ExecOptions{})
	return err
}

// Terminate asks the console to exit and waits for it, returning its exit code. It returns -1 without error when the
// console was never spawned or has already exited.
func (c *Client) Terminate(ctx context.Context) (int, error) {
	if !c.Spawned() {
		return -1, nil
	}
	if !c.proc.Alive() {
		c.Log.Infow("console already exited", "ExitCode", c.proc.ExitCode())
		return -1, nil
	}
	if _, err := c.Execute(ctx, exitCommand, ExecOptions{NoWait: true}); err != nil {
		var termErr *console.TerminatedError
		if !errors.As(err, &termErr) {
			return -1, err
		}
	}
	code, err := c.proc.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("waiting for %s to exit: %w", c.name, err)
	}
	c.Log.Infow("console terminated", "ExitCode", code)
	return code, nil
}
