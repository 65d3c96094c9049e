package xsct

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/guseggert/tclconsole/console"
	tcnet "github.com/guseggert/tclconsole/internal/net"
	"github.com/guseggert/tclconsole/process"
	gops "github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const fakeXSCTEnv = "TCLCONSOLE_FAKE_XSCT"

// TestMain lets the test binary stand in for the xsct executable: launched with fakeXSCTEnv set, it parses the launch
// arguments and serves the wire protocol on the requested port until it is signalled.
func TestMain(m *testing.M) {
	if os.Getenv(fakeXSCTEnv) == "1" {
		os.Exit(runFakeXSCT(os.Args[1:]))
	}
	os.Exit(m.Run())
}

func runFakeXSCT(args []string) int {
	var port int
	if len(args) != 3 || args[0] != "-eval" || args[2] != "-interactive" {
		fmt.Fprintf(os.Stderr, "unexpected arguments %q\n", args)
		return 2
	}
	if _, err := fmt.Sscanf(args[1], "xsdbserver start -port %d", &port); err != nil {
		fmt.Fprintf(os.Stderr, "parsing %q: %s\n", args[1], err)
		return 2
	}
	l, err := net.Listen("tcp", net.JoinHostPort(DefaultHost, strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			return 1
		}
		go func() {
			defer conn.Close()
			r := bufio.NewReader(conn)
			for {
				line, err := r.ReadString('\n')
				if err != nil {
					return
				}
				cmd := strings.TrimSuffix(line, LineEnd)
				ans := "okay " + cmd
				if msg, ok := strings.CutPrefix(cmd, "fail "); ok {
					ans = "error " + msg
				}
				if _, err := conn.Write([]byte(ans + LineEnd)); err != nil {
					return
				}
			}
		}()
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "xsct")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestServer(opts ...ServerOption) *Server {
	opts = append([]ServerOption{WithServerLogger(zap.NewNop().Sugar()), WithPollInterval(10 * time.Millisecond)}, opts...)
	return NewServer(opts...)
}

// gone reports whether pid has exited. Zombies count as gone since they may never be reaped inside a container.
func gone(pid int) bool {
	p, err := gops.NewProcess(int32(pid))
	if err != nil {
		return true
	}
	status, err := p.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == gops.Zombie {
			return true
		}
	}
	return false
}

func TestLaunchCommand(t *testing.T) {
	assert.Equal(t, `xsct -eval "xsdbserver start -port 4567" -interactive`, LaunchCommand("xsct", DefaultPort))
	assert.Equal(t, []string{"-eval", "xsdbserver start -port 1234", "-interactive"}, LaunchArgs(1234))
}

func TestStartInvalidConfiguration(t *testing.T) {
	cases := []struct {
		name       string
		executable string
		port       int
		expField   string
	}{
		{name: "empty executable", executable: "", port: DefaultPort, expField: "executable"},
		{name: "zero port", executable: "xsct", port: 0, expField: "port"},
		{name: "negative port", executable: "xsct", port: -1, expField: "port"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestServer()
			err := s.Start(c.executable, c.port, false)
			var cfgErr *console.ConfigurationError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
			assert.Equal(t, c.expField, cfgErr.Field)
			assert.False(t, s.Running())
		})
	}
}

func TestStartPassesLaunchArguments(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	exe := writeScript(t, fmt.Sprintf(`printf '%%s\n' "$@" > %s
exec sleep 60`, argsFile))

	s := newTestServer()
	require.NoError(t, s.Start(exe, 4321, false))
	t.Cleanup(func() { _ = s.Stop(context.Background(), true) })

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(argsFile)
		return err == nil && strings.Count(string(b), "\n") == 3
	}, 5*time.Second, 10*time.Millisecond)

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, LaunchArgs(4321), strings.Split(strings.TrimSuffix(string(b), "\n"), "\n"))
}

func TestStartTwice(t *testing.T) {
	exe := writeScript(t, "exec sleep 60")
	s := newTestServer()
	require.NoError(t, s.Start(exe, DefaultPort, false))
	t.Cleanup(func() { _ = s.Stop(context.Background(), true) })

	assert.Error(t, s.Start(exe, DefaultPort, false))
}

func TestStopNotStarted(t *testing.T) {
	s := newTestServer()
	assert.NoError(t, s.Stop(context.Background(), true))
	assert.NoError(t, s.Stop(context.Background(), false))
	assert.Equal(t, 0, s.Pid())
}

func TestStopTerminatesDescendants(t *testing.T) {
	exe := writeScript(t, `sh -c 'sleep 60 & wait' &
wait`)
	s := newTestServer()
	require.NoError(t, s.Start(exe, DefaultPort, false))
	root := s.Pid()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// the grandchild sleep must exist before stopping
	var tree *process.Tree
	require.Eventually(t, func() bool {
		var err error
		tree, err = process.Capture(ctx, process.PsInspector{}, root)
		return err == nil && len(tree.Descendants) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Stop(ctx, true))
	assert.False(t, s.Running())
	assert.Equal(t, 0, s.Pid())

	for _, n := range tree.Descendants {
		pid := n.PID
		assert.Eventually(t, func() bool { return gone(pid) }, 5*time.Second, 20*time.Millisecond, "pid %d survived", pid)
	}

	// stopping again is a no-op
	assert.NoError(t, s.Stop(ctx, true))
}

func TestStopAlreadyExited(t *testing.T) {
	exe := writeScript(t, "exit 3")
	s := newTestServer()
	require.NoError(t, s.Start(exe, DefaultPort, false))

	require.Eventually(t, func() bool { return !s.Running() }, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, s.Stop(context.Background(), true))
	assert.Equal(t, 0, s.Pid())
}

type nopSignaler struct{}

func (nopSignaler) Signal(int, os.Signal) error { return nil }

func TestStopWaitHonorsContext(t *testing.T) {
	exe := writeScript(t, "exec sleep 60")
	s := newTestServer()
	s.Signaler = nopSignaler{}
	require.NoError(t, s.Start(exe, DefaultPort, false))
	pid := s.Pid()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := s.Stop(ctx, true)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, s.Running())
	assert.Equal(t, pid, s.Pid())

	s.Signaler = process.OSSignaler{}
	require.NoError(t, s.Stop(context.Background(), true))
	assert.False(t, s.Running())
}

func TestStopWithoutWait(t *testing.T) {
	exe := writeScript(t, "exec sleep 60")
	s := newTestServer()
	require.NoError(t, s.Start(exe, DefaultPort, false))
	pid := s.Pid()

	require.NoError(t, s.Stop(context.Background(), false))
	assert.Equal(t, 0, s.Pid())
	assert.Eventually(t, func() bool { return gone(pid) }, 5*time.Second, 10*time.Millisecond)
}

func TestServerAndClient(t *testing.T) {
	port, err := tcnet.GetEphemeralTCPPort()
	require.NoError(t, err)

	s := newTestServer(WithEnv(fakeXSCTEnv + "=1"))
	require.NoError(t, s.Start(os.Args[0], port, false))
	t.Cleanup(func() { _ = s.Stop(context.Background(), true) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.WaitReady(ctx, DefaultHost))

	c, err := Dial(ctx, DefaultHost, port, DefaultTimeout, WithClientLogger(zap.NewNop().Sugar()))
	require.NoError(t, err)

	res, err := c.Execute(ctx, "pid")
	require.NoError(t, err)
	assert.Equal(t, "pid", res)

	_, err = c.Execute(ctx, "fail no such command")
	var perr *console.ProtocolError
	require.True(t, errors.As(err, &perr), "expected ProtocolError, got %v", err)
	assert.Equal(t, "no such command", perr.Message)
	assert.False(t, perr.Malformed)

	require.NoError(t, c.Close())
	require.NoError(t, s.Stop(ctx, true))
	assert.False(t, s.Running())
}

func TestWaitReadyServerExits(t *testing.T) {
	port, err := tcnet.GetEphemeralTCPPort()
	require.NoError(t, err)
	exe := writeScript(t, "exit 1")

	s := newTestServer()
	require.NoError(t, s.Start(exe, port, false))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = s.WaitReady(ctx, DefaultHost)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 1")
}

func TestWaitReadyThenStop(t *testing.T) {
	l, err := net.Listen("tcp", net.JoinHostPort(DefaultHost, "0"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	port := l.Addr().(*net.TCPAddr).Port
	exe := writeScript(t, "exec sleep 60")

	s := newTestServer()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, s.Start(exe, port, false))
		require.NoError(t, s.WaitReady(ctx, DefaultHost))
		require.NoError(t, s.Stop(ctx, false))
		assert.Equal(t, 0, s.Pid())
	}
}
