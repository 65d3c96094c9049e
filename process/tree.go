package process

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
)

// Inspector enumerates processes by parentage.
type Inspector interface {
	// Children returns the pids of the live direct children of pid.
	Children(ctx context.Context, pid int) ([]int, error)
}

// PsInspector reads the OS process table with gopsutil.
type PsInspector struct{}

func (PsInspector) Children(ctx context.Context, pid int) ([]int, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing processes: %w", err)
	}
	var children []int
	for _, p := range procs {
		ppid, err := p.PpidWithContext(ctx)
		if err != nil {
			// the process exited while we were listing
			continue
		}
		if int(ppid) == pid && int(p.Pid) != pid {
			children = append(children, int(p.Pid))
		}
	}
	sort.Ints(children)
	return children, nil
}

// Node is a descendant captured at termination time.
type Node struct {
	PID int
	// Depth is 1 for direct children of the root, 2 for grandchildren, and so on.
	Depth int
}

// Tree is a snapshot of a process and its descendants.
type Tree struct {
	Root int
	// Descendants are ordered deepest first.
	Descendants []Node
}

// Capture walks the process tree below root breadth first and returns it with descendants ordered deepest first.
func Capture(ctx context.Context, insp Inspector, root int) (*Tree, error) {
	var bfs []Node
	seen := map[int]bool{root: true}
	frontier := []Node{{PID: root}}
	for len(frontier) > 0 {
		var next []Node
		for _, n := range frontier {
			children, err := insp.Children(ctx, n.PID)
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				if seen[c] {
					continue
				}
				seen[c] = true
				next = append(next, Node{PID: c, Depth: n.Depth + 1})
			}
		}
		bfs = append(bfs, next...)
		frontier = next
	}

	// breadth-first order has non-decreasing depth, so reversing it puts the leaves first
	descendants := make([]Node, len(bfs))
	for i, n := range bfs {
		descendants[len(bfs)-1-i] = n
	}
	return &Tree{Root: root, Descendants: descendants}, nil
}

// Order returns the pids in termination order: descendants deepest first, then the root.
func (t *Tree) Order() []int {
	pids := make([]int, 0, len(t.Descendants)+1)
	for _, n := range t.Descendants {
		pids = append(pids, n.PID)
	}
	return append(pids, t.Root)
}

// Signal sends sig to every process of the tree in termination order.
// It does not stop at the first failure; all errors are returned combined.
func (t *Tree) Signal(signaler Signaler, sig os.Signal) error {
	var errs error
	for _, pid := range t.Order() {
		errs = multierr.Append(errs, signaler.Signal(pid, sig))
	}
	return errs
}
