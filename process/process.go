package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// Process is a started OS process. Its exit is observed by a reaper goroutine so that liveness checks never block.
type Process struct {
	pid  int
	done chan struct{}

	// code and err are only valid after done is closed.
	code int
	err  error
}

// Track watches an already-started process. wait must block until the process exits and return its exit code.
func Track(pid int, wait func() (int, error)) *Process {
	p := &Process{pid: pid, done: make(chan struct{}), code: -1}
	go func() {
		code, err := wait()
		p.code = code
		p.err = err
		close(p.done)
	}()
	return p
}

// Start starts cmd and tracks it.
func Start(cmd *exec.Cmd) (*Process, error) {
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("starting %q: %w", cmd.Path, err)
	}
	return Track(cmd.Process.Pid, func() (int, error) {
		err := cmd.Wait()
		return ExitCode(cmd.ProcessState, err)
	}), nil
}

// ExitCode extracts an exit code from the result of waiting on a process.
// A non-zero exit is not an error; -1 is returned when the process was killed by a signal or the state is unknown.
func ExitCode(state *os.ProcessState, waitErr error) (int, error) {
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	if waitErr != nil {
		return -1, waitErr
	}
	if state == nil {
		return -1, nil
	}
	return state.ExitCode(), nil
}

func (p *Process) Pid() int { return p.pid }

// Done returns a channel that is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 if the process is still running or was killed by a signal.
func (p *Process) ExitCode() int {
	if p.Alive() {
		return -1
	}
	return p.code
}

// Wait blocks until the process exits or ctx is done.
func (p *Process) Wait(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case <-p.done:
		return p.code, p.err
	}
}

// Terminate captures the live descendants of the process and sends sig to each of them deepest first, then to the
// process itself. It returns the captured tree. A process that already exited is left alone and a nil tree is returned.
func (p *Process) Terminate(ctx context.Context, insp Inspector, signaler Signaler, sig os.Signal) (*Tree, error) {
	if !p.Alive() {
		return nil, nil
	}
	var captureErr error
	tree, err := Capture(ctx, insp, p.pid)
	if err != nil {
		// still signal the root, the descendants are unknown
		captureErr = fmt.Errorf("capturing descendants of %d: %w", p.pid, err)
		tree = &Tree{Root: p.pid}
	}
	err = tree.Signal(signaler, sig)
	if captureErr != nil {
		return tree, captureErr
	}
	return tree, err
}

// Signaler delivers a signal to a process by pid.
type Signaler interface {
	Signal(pid int, sig os.Signal) error
}

// OSSignaler signals processes through the operating system. Processes that are already gone are not an error.
type OSSignaler struct{}

func (OSSignaler) Signal(pid int, sig os.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process %d: %w", pid, err)
	}
	err = proc.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signaling process %d: %w", pid, err)
	}
	return nil
}
