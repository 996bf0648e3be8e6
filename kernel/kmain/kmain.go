// Package kmain boots the kernel: it brings up every subsystem in
// dependency order and runs the per-core schedulers and the clock.
package kmain

import (
	"context"
	"errors"
	"io"

	"gopherxv/kernel/config"
	"gopherxv/kernel/cpu"
	"gopherxv/kernel/kfmt"
	"gopherxv/kernel/metrics"
	"gopherxv/kernel/mm/pmm"
	"gopherxv/kernel/proc"
	"gopherxv/kernel/shm"
	"gopherxv/kernel/trap"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kernel holds the subsystems of a booted kernel.
type Kernel struct {
	// BootID identifies this boot in log entries.
	BootID  string
	Config  *config.Config
	Log     *zap.Logger
	Alloc   *pmm.Allocator
	CPUs    []*cpu.CPU
	Procs   *proc.Table
	Shm     *shm.Manager
	Trap    *trap.Trap
	Metrics *metrics.Collector
}

// Boot validates cfg and initializes the kernel log, the frame allocator,
// the process table, the shared memory table and the trap layer. Log output
// and register dumps are written to console.
func Boot(cfg *config.Config, console io.Writer) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := kfmt.New(cfg.Log, console)
	if err != nil {
		return nil, err
	}
	bootID := uuid.NewString()
	log = log.With(zap.String("boot_id", bootID))
	kfmt.SetLogger(log)
	kfmt.SetOutputSink(console)

	physTop, _ := cfg.PhysMemBytes()
	kernelEnd, _ := cfg.KernelImageBytes()

	alloc, kerr := pmm.New(kernelEnd, physTop, log)
	if kerr != nil {
		return nil, kerr
	}

	cpus := make([]*cpu.CPU, cfg.NCPU)
	for i := range cpus {
		cpus[i] = cpu.New(i)
	}

	k := &Kernel{
		BootID: bootID,
		Config: cfg,
		Log:    log.Named("kmain"),
		Alloc:  alloc,
		CPUs:   cpus,
		Procs: proc.NewTable(proc.Config{
			MaxProcs:        cfg.Proc.MaxProcs,
			NOFILE:          cfg.Proc.NOFILE,
			CopyOnWriteFork: cfg.Proc.CopyOnWriteFork,
			LazyAllocation:  cfg.Proc.LazyAllocation,
		}, alloc, cpus, log),
		Shm: shm.NewManager(shm.Config{
			NameMax:    cfg.Shm.NameMax,
			MaxObjects: cfg.Shm.MaxObjects,
			MaxPages:   cfg.Shm.MaxPages,
		}, alloc, log),
	}
	k.Trap = trap.New(k.Procs, k.Shm, cpus, console, log)
	k.Metrics = metrics.NewCollector(metrics.Sources{
		Frames: k.Alloc,
		Procs:  k.Procs,
		Shm:    k.Shm,
		Trap:   k.Trap,
	})

	k.Log.Info("kernel booted",
		zap.Int("ncpu", cfg.NCPU),
		zap.String("phys_mem", humanize.IBytes(uint64(physTop))),
		zap.Int("max_procs", cfg.Proc.MaxProcs),
		zap.Bool("cow_fork", cfg.Proc.CopyOnWriteFork),
		zap.Bool("lazy_alloc", cfg.Proc.LazyAllocation),
	)
	return k, nil
}

// Run creates the init process running init, then runs a scheduler on every
// core and the clock until ctx is cancelled or one of them fails. A
// cancelled context is a clean shutdown.
func (k *Kernel) Run(ctx context.Context, init proc.Program) error {
	if _, err := k.Procs.UserInit(init, nil); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, c := range k.CPUs {
		c := c
		g.Go(func() error {
			return k.Procs.Scheduler(ctx, c)
		})
	}
	g.Go(func() error {
		return k.Trap.Clock(ctx, k.Config.TickInterval)
	})

	err := g.Wait()
	k.Log.Info("kernel stopped", zap.Uint64("ticks", k.Trap.Ticks()))

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
