package process

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"testing"
	"time"

	gopsutil "github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInspector struct {
	children map[int][]int
	err      error
}

func (f *fakeInspector) Children(ctx context.Context, pid int) ([]int, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.children[pid], nil
}

type recordingSignaler struct {
	m       sync.Mutex
	pids    []int
	failPID int
}

func (r *recordingSignaler) Signal(pid int, sig os.Signal) error {
	r.m.Lock()
	defer r.m.Unlock()
	r.pids = append(r.pids, pid)
	if pid == r.failPID {
		return errors.New("permission denied")
	}
	return nil
}

func TestCaptureOrdersDeepestFirst(t *testing.T) {
	insp := &fakeInspector{children: map[int][]int{
		1:   {10, 11},
		10:  {100},
		11:  {110, 111},
		100: {1000},
	}}

	tree, err := Capture(context.Background(), insp, 1)
	require.NoError(t, err)

	assert.Equal(t, []Node{
		{PID: 1000, Depth: 3},
		{PID: 111, Depth: 2},
		{PID: 110, Depth: 2},
		{PID: 100, Depth: 2},
		{PID: 11, Depth: 1},
		{PID: 10, Depth: 1},
	}, tree.Descendants)
	assert.Equal(t, []int{1000, 111, 110, 100, 11, 10, 1}, tree.Order())

	for i := 1; i < len(tree.Descendants); i++ {
		assert.GreaterOrEqual(t, tree.Descendants[i-1].Depth, tree.Descendants[i].Depth)
	}
}

func TestCaptureIgnoresCycles(t *testing.T) {
	insp := &fakeInspector{children: map[int][]int{1: {2}, 2: {1, 3}}}
	tree, err := Capture(context.Background(), insp, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 1}, tree.Order())
}

func TestTreeSignalContinuesPastFailures(t *testing.T) {
	tree := &Tree{Root: 1, Descendants: []Node{{PID: 3, Depth: 2}, {PID: 2, Depth: 1}}}
	sig := &recordingSignaler{failPID: 3}

	err := tree.Signal(sig, syscall.SIGTERM)
	require.ErrorContains(t, err, "permission denied")
	assert.Equal(t, []int{3, 2, 1}, sig.pids)
}

func TestTerminateSignalsRootWhenCaptureFails(t *testing.T) {
	p := Track(42, func() (int, error) {
		select {}
	})
	sig := &recordingSignaler{}

	tree, err := p.Terminate(context.Background(), &fakeInspector{err: errors.New("no /proc")}, sig, syscall.SIGTERM)
	require.ErrorContains(t, err, "no /proc")
	assert.Equal(t, 42, tree.Root)
	assert.Equal(t, []int{42}, sig.pids)
}

func TestTerminateSkipsExitedProcess(t *testing.T) {
	p := Track(42, func() (int, error) { return 3, nil })
	<-p.Done()
	sig := &recordingSignaler{}

	tree, err := p.Terminate(context.Background(), &fakeInspector{}, sig, syscall.SIGTERM)
	require.NoError(t, err)
	assert.Nil(t, tree)
	assert.Empty(t, sig.pids)
	assert.Equal(t, 3, p.ExitCode())
}

func TestStartAndWait(t *testing.T) {
	p, err := Start(exec.Command("sh", "-c", "exit 7"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	code, err := p.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
	assert.False(t, p.Alive())
	assert.Equal(t, 7, p.ExitCode())
}

func TestWaitHonorsContext(t *testing.T) {
	p, err := Start(exec.Command("sleep", "10"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = OSSignaler{}.Signal(p.Pid(), os.Kill) })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, p.Alive())
	assert.Equal(t, -1, p.ExitCode())
}

// TestTerminateRealTree builds a three level process tree (sh -> sh -> sleep) and checks that every level is
// terminated.
func TestTerminateRealTree(t *testing.T) {
	p, err := Start(exec.Command("sh", "-c", `sh -c "sleep 60 & wait" & wait`))
	require.NoError(t, err)
	t.Cleanup(func() { _ = OSSignaler{}.Signal(p.Pid(), os.Kill) })

	ctx := context.Background()
	insp := PsInspector{}

	var tree *Tree
	require.Eventually(t, func() bool {
		tree, err = Capture(ctx, insp, p.Pid())
		return err == nil && len(tree.Descendants) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, tree.Descendants[0].Depth)
	assert.Equal(t, 1, tree.Descendants[1].Depth)

	_, err = p.Terminate(ctx, insp, OSSignaler{}, syscall.SIGTERM)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err = p.Wait(waitCtx)
	require.NoError(t, err)

	for _, n := range tree.Descendants {
		n := n
		assert.Eventually(t, func() bool {
			return !pidRunning(n.PID)
		}, 5*time.Second, 20*time.Millisecond, "pid %d still running", n.PID)
	}
}

// pidRunning reports whether pid names a live, non-zombie process.
func pidRunning(pid int) bool {
	proc, err := gopsutil.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		return false
	}
	for _, s := range status {
		if s == gopsutil.Zombie {
			return false
		}
	}
	return true
}
