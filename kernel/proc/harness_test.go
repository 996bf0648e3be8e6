package proc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"gopherxv/kernel/cpu"
	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/pmm"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testFile struct {
	refs *atomic.Int32
}

func (f testFile) Dup() File {
	f.refs.Add(1)
	return f
}

func (f testFile) Close() { f.refs.Add(-1) }

type testInode struct {
	refs *atomic.Int32
}

func (i testInode) Dup() Inode {
	i.refs.Add(1)
	return i
}

func (i testInode) Put() { i.refs.Add(-1) }

// parkChan is a channel nobody ever wakes up.
var parkChan int

// park blocks p forever without holding a core.
func park(tbl *Table, p *Proc) {
	for {
		tbl.Sleep(p, &parkChan, nil)
	}
}

type harness struct {
	t     *testing.T
	alloc *pmm.Allocator
	tbl   *Table
}

func defaultConfig() Config {
	return Config{
		MaxProcs:        16,
		NOFILE:          8,
		CopyOnWriteFork: true,
	}
}

func newHarness(t *testing.T, frameCount int, cfg Config, ncpu int) *harness {
	t.Helper()

	alloc, err := pmm.New(mm.PageSize, uintptr(frameCount+1)*mm.PageSize, zap.NewNop())
	require.Nil(t, err)

	cpus := make([]*cpu.CPU, ncpu)
	for i := range cpus {
		cpus[i] = cpu.New(i)
	}

	return &harness{
		t:     t,
		alloc: alloc,
		tbl:   NewTable(cfg, alloc, cpus, zap.NewNop()),
	}
}

// boot creates an init process running prog and starts a scheduler on each
// core. Once prog returns, init parks forever.
func (h *harness) boot(prog Program, cwd Inode) *Proc {
	h.t.Helper()

	initProc, err := h.tbl.UserInit(func(p *Proc) {
		prog(p)
		park(h.tbl, p)
	}, cwd)
	require.Nil(h.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	for _, c := range h.tbl.cpus {
		go func(c *cpu.CPU) { _ = h.tbl.Scheduler(ctx, c) }(c)
	}
	h.t.Cleanup(cancel)

	return initProc
}

// stateOf returns the state of the process with the given pid or Unused if
// it has been reaped.
func (h *harness) stateOf(pid int) State {
	h.tbl.lock.Acquire(nil)
	defer h.tbl.lock.Release(nil)

	for n := h.tbl.head.next; n != &h.tbl.head; n = n.next {
		if n.proc.pid == pid {
			return n.proc.state
		}
	}
	return Unused
}

// parentOf returns the parent of p.
func (h *harness) parentOf(p *Proc) *Proc {
	h.tbl.lock.Acquire(nil)
	defer h.tbl.lock.Release(nil)
	return p.parent
}

// waitUntilSleeping yields p until the process with the given pid sleeps.
func (h *harness) waitUntilSleeping(p *Proc, pid int) {
	for h.stateOf(pid) != Sleeping {
		h.tbl.Yield(p)
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for processes to finish")
	}
}

// procOf returns the process with the given pid or nil.
func (h *harness) procOf(pid int) *Proc {
	h.tbl.lock.Acquire(nil)
	defer h.tbl.lock.Release(nil)

	for n := h.tbl.head.next; n != &h.tbl.head; n = n.next {
		if n.proc.pid == pid {
			return n.proc
		}
	}
	return nil
}
