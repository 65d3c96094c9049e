package xsct

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/guseggert/tclconsole/console"
	"github.com/guseggert/tclconsole/internal/logging"
	tcnet "github.com/guseggert/tclconsole/internal/net"
	"github.com/guseggert/tclconsole/process"
	"go.uber.org/zap"
)

const (
	DefaultHost    = "127.0.0.1"
	DefaultPort    = 4567
	DefaultTimeout = 10 * time.Second

	defaultPollInterval = 100 * time.Millisecond
)

// LaunchArgs returns the console arguments that start the TCP server on port and keep the console interactive.
func LaunchArgs(port int) []string {
	return []string{"-eval", fmt.Sprintf("xsdbserver start -port %d", port), "-interactive"}
}

// LaunchCommand renders the full launch command line, as it would be typed in a shell.
func LaunchCommand(executable string, port int) string {
	return fmt.Sprintf(`%s -eval "xsdbserver start -port %d" -interactive`, executable, port)
}

// Server launches and stops an XSCT/XSDB console hosting a TCP server.
type Server struct {
	Log *zap.SugaredLogger
	// Inspector finds the descendants to terminate on Stop.
	Inspector process.Inspector
	Signaler  process.Signaler
	// PollInterval is how often Stop checks whether the console has exited.
	PollInterval time.Duration
	// Stdout receives the console output when starting verbosely.
	Stdout io.Writer
	// Env is appended to the inherited environment of the console.
	Env []string

	proc *process.Process
	port int
}

type ServerOption func(s *Server)

func WithServerLogger(l *zap.SugaredLogger) ServerOption {
	return func(s *Server) {
		s.Log = l.Named("xsct_server")
	}
}

func WithPollInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		s.PollInterval = d
	}
}

func WithInspector(i process.Inspector) ServerOption {
	return func(s *Server) {
		s.Inspector = i
	}
}

func WithEnv(env ...string) ServerOption {
	return func(s *Server) {
		s.Env = append(s.Env, env...)
	}
}

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		Log:          logging.Default().Named("xsct_server"),
		Inspector:    process.PsInspector{},
		Signaler:     process.OSSignaler{},
		PollInterval: defaultPollInterval,
		Stdout:       os.Stdout,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start launches the console. When verbose is false the console output is discarded.
func (s *Server) Start(executable string, port int, verbose bool) error {
	if executable == "" {
		return &console.ConfigurationError{Field: "executable", Reason: "must be set"}
	}
	if port <= 0 {
		return &console.ConfigurationError{Field: "port", Reason: "must be set"}
	}
	if s.proc != nil {
		return fmt.Errorf("server already started with PID %d", s.proc.Pid())
	}

	s.Log.Infow("starting xsct server", "Command", LaunchCommand(executable, port))
	cmd := exec.Command(executable, LaunchArgs(port)...)
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	if verbose {
		cmd.Stdout = s.Stdout
		cmd.Stderr = os.Stderr
	}

	proc, err := process.Start(cmd)
	if err != nil {
		return fmt.Errorf("starting xsct server: %w", err)
	}
	s.proc = proc
	s.port = port
	s.Log.Infow("xsct started", "PID", proc.Pid())
	return nil
}

// WaitReady blocks until the console accepts TCP connections on host.
func (s *Server) WaitReady(ctx context.Context, host string) error {
	proc := s.proc
	if proc == nil {
		return errors.New("server is not started")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-proc.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	err := tcnet.WaitForListener(ctx, host, s.port, s.PollInterval)
	if err != nil && !proc.Alive() {
		return fmt.Errorf("xsct server exited with code %d before listening", proc.ExitCode())
	}
	return err
}

// Running reports whether a started console is still alive.
func (s *Server) Running() bool {
	return s.proc != nil && s.proc.Alive()
}

// Pid returns the pid of the tracked console, or 0 if there is none.
func (s *Server) Pid() int {
	if s.proc == nil {
		return 0
	}
	return s.proc.Pid()
}

// Stop terminates the console and all of its descendants, deepest first. Stopping a server that was never started or
// was already stopped is a no-op. With wait set, Stop polls until the console has exited; if ctx ends first, the
// console stays tracked so Stop can be called again.
func (s *Server) Stop(ctx context.Context, wait bool) error {
	if s.proc == nil {
		s.Log.Debug("the server is not started or it has been stopped")
		return nil
	}
	proc := s.proc

	if !proc.Alive() {
		s.Log.Debugw("the server is not alive", "PID", proc.Pid(), "ExitCode", proc.ExitCode())
		s.proc = nil
		return nil
	}

	s.Log.Debugw("the server is alive, terminating it", "PID", proc.Pid())
	tree, termErr := proc.Terminate(ctx, s.Inspector, s.Signaler, syscall.SIGTERM)
	if tree != nil {
		for _, n := range tree.Descendants {
			s.Log.Debugw("terminated descendant", "PID", n.PID, "Depth", n.Depth)
		}
	}
	if termErr != nil {
		s.Log.Warnw("error terminating server", "PID", proc.Pid(), "Error", termErr)
	}

	if wait {
		ticker := time.NewTicker(s.PollInterval)
		defer ticker.Stop()
		for proc.Alive() {
			s.Log.Debug("the server is still alive, waiting for it")
			select {
			case <-ctx.Done():
				return fmt.Errorf("waiting for xsct server %d to exit: %w", proc.Pid(), ctx.Err())
			case <-ticker.C:
			}
		}
		s.Log.Infow("xsct server stopped", "PID", proc.Pid(), "ExitCode", proc.ExitCode())
	}

	s.proc = nil
	return termErr
}
