package trap

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"gopherxv/kernel/cpu"
	"gopherxv/kernel/mm"
	"gopherxv/kernel/mm/pmm"
	"gopherxv/kernel/proc"
	"gopherxv/kernel/shm"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var parkChan int

type harness struct {
	t       *testing.T
	alloc   *pmm.Allocator
	tbl     *proc.Table
	trap    *Trap
	console bytes.Buffer
	ctx     context.Context
}

func defaultProcConfig() proc.Config {
	return proc.Config{
		MaxProcs:        16,
		NOFILE:          8,
		CopyOnWriteFork: true,
		LazyAllocation:  true,
	}
}

func newHarness(t *testing.T, cfg proc.Config, ncpu int) *harness {
	t.Helper()

	alloc, err := pmm.New(mm.PageSize, 257*mm.PageSize, zap.NewNop())
	require.Nil(t, err)

	cpus := make([]*cpu.CPU, ncpu)
	for i := range cpus {
		cpus[i] = cpu.New(i)
	}

	h := &harness{t: t, alloc: alloc}
	h.tbl = proc.NewTable(cfg, alloc, cpus, zap.NewNop())
	mgr := shm.NewManager(shm.Config{NameMax: 32, MaxObjects: 16, MaxPages: 1024}, alloc, zap.NewNop())
	h.trap = New(h.tbl, mgr, cpus, &h.console, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h.ctx = ctx
	return h
}

// park blocks p forever without holding a core.
func (h *harness) park(p *proc.Proc) {
	for {
		h.tbl.Sleep(p, &parkChan, nil)
	}
}

// boot runs prog as the init process on every core. Once prog returns, init
// parks forever.
func (h *harness) boot(prog proc.Program) {
	h.t.Helper()

	_, err := h.tbl.UserInit(func(p *proc.Proc) {
		prog(p)
		h.park(p)
	}, nil)
	require.Nil(h.t, err)

	for _, c := range h.trap.cpus {
		go func(c *cpu.CPU) { _ = h.tbl.Scheduler(h.ctx, c) }(c)
	}
}

// startClock runs the clock until the test ends.
func (h *harness) startClock() {
	go func() { _ = h.trap.Clock(h.ctx, time.Millisecond) }()
}

// waitStatus waits for a child of p and returns its pid and exit status.
func (h *harness) waitStatus(p *proc.Proc) (int, int32) {
	const statusAddr = 0x800

	pid := h.trap.Wait(p, statusAddr)
	if pid < 0 {
		return pid, 0
	}

	var buf [4]byte
	h.trap.Load(p, statusAddr, buf[:])
	return pid, int32(binary.LittleEndian.Uint32(buf[:]))
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for processes to finish")
	}
}
