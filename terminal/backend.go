package terminal

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	ptylib "github.com/aymanbagabas/go-pty"
	"github.com/creack/pty"
	"github.com/guseggert/tclconsole/process"
)

// Consoles print long property lists on one line, so the terminal is made wide enough that they are never wrapped.
const (
	termRows = 24
	termCols = 4096
)

// Spec describes the process to spawn under a pseudo-terminal.
type Spec struct {
	Executable string
	Args       []string
	Dir        string
	// Env is appended to the inherited environment.
	Env []string
}

func (s Spec) environ() []string {
	return append(os.Environ(), s.Env...)
}

// Conn is a process attached to the controlling side of a pseudo-terminal. Reading returns the process output and
// writing feeds its input.
type Conn interface {
	io.ReadWriteCloser
	Pid() int
	// Wait blocks until the process exits and returns its exit code.
	Wait() (int, error)
}

// Backend spawns processes under a pseudo-terminal. The embedding application picks one when constructing a Client.
type Backend interface {
	Spawn(spec Spec) (Conn, error)
}

// CreackBackend uses github.com/creack/pty. It is the default.
type CreackBackend struct{}

func (CreackBackend) Spawn(spec Spec) (Conn, error) {
	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: termRows, Cols: termCols})
	if err != nil {
		return nil, fmt.Errorf("starting %q in pty: %w", spec.Executable, err)
	}
	return &creackConn{File: ptmx, cmd: cmd}, nil
}

type creackConn struct {
	*os.File
	cmd *exec.Cmd
}

func (c *creackConn) Pid() int { return c.cmd.Process.Pid }

func (c *creackConn) Wait() (int, error) {
	err := c.cmd.Wait()
	return process.ExitCode(c.cmd.ProcessState, err)
}

// GoPtyBackend uses github.com/aymanbagabas/go-pty, which also drives Windows ConPTY.
type GoPtyBackend struct{}

func (GoPtyBackend) Spawn(spec Spec) (Conn, error) {
	p, err := ptylib.New()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}
	if err := p.Resize(termCols, termRows); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("resizing pty: %w", err)
	}
	cmd := p.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.environ()
	if err := cmd.Start(); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("starting %q in pty: %w", spec.Executable, err)
	}
	return &goPtyConn{Pty: p, cmd: cmd}, nil
}

type goPtyConn struct {
	ptylib.Pty
	cmd *ptylib.Cmd
}

func (c *goPtyConn) Pid() int { return c.cmd.Process.Pid }

func (c *goPtyConn) Wait() (int, error) {
	err := c.cmd.Wait()
	if c.cmd.ProcessState != nil {
		return c.cmd.ProcessState.ExitCode(), nil
	}
	return process.ExitCode(nil, err)
}
