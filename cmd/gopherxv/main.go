// Command gopherxv boots the kernel and runs a demo init program that
// exercises process management and shared memory.
package main

import (
	"context"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopherxv/kernel/config"
	"gopherxv/kernel/kfmt"
	"gopherxv/kernel/kmain"
	"gopherxv/kernel/mm"
	"gopherxv/kernel/proc"
	"gopherxv/kernel/trap"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	shmAddr  = 0x100000
	shmName  = "/demo"
	scratch  = 0x200
	children = 3
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to a YAML config file")
		metricsAddr = flag.String("metrics", "", "serve Prometheus metrics on this address")
		linger      = flag.Duration("linger", 0, "keep running for this long after init finishes")
	)
	flag.Parse()

	if err := run(*configPath, *metricsAddr, *linger); err != nil {
		fmt.Fprintf(os.Stderr, "gopherxv: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string, linger time.Duration) error {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}

	k, err := kmain.Boot(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = k.Log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(k, cfg.MetricsAddr)
		defer func() { _ = srv.Close() }()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	return k.Run(ctx, func(p *proc.Proc) {
		demo(k, p)
		k.Procs.Procdump(kfmt.NewPrefixWriter(os.Stdout, "[procdump] "))

		if linger > 0 {
			k.Trap.Sleep(p, int(linger/cfg.TickInterval))
		}
		cancel()
		for {
			k.Trap.Sleep(p, 1)
		}
	})
}

func serveMetrics(k *kmain.Kernel, addr string) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		k.Metrics,
		collectors.NewGoCollector(),
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			k.Log.Error("metrics server failed", zap.Error(err))
		}
	}()
	k.Log.Info("serving metrics", zap.String("addr", addr))
	return srv
}

// demo forks a few children that each append a line to a shared memory
// object, reaps them, then grows its heap lazily and touches the new page.
func demo(k *kmain.Kernel, p *proc.Proc) {
	t := k.Trap
	log := k.Log.Named("init")

	fd := t.ShmOpen(p, shmName, trap.OCreate|trap.ORdWr, mm.PageSize)
	if fd < 0 || t.ShmMap(p, fd, shmAddr) < 0 {
		log.Error("shared memory setup failed")
		return
	}

	for i := 0; i < children; i++ {
		i := i
		t.Fork(p, func(child *proc.Proc) {
			msg := fmt.Sprintf("child %d says hello\n", t.Getpid(child))
			t.Store(child, scratch, []byte(msg))
			t.Write(child, fd, scratch, len(msg))
			t.Exit(child, i)
		})
	}

	for i := 0; i < children; i++ {
		pid := t.Wait(p, scratch)
		var status [4]byte
		t.Load(p, scratch, status[:])
		log.Info("reaped child", zap.Int("pid", pid), zap.Int32("status", int32(binary.LittleEndian.Uint32(status[:]))))
	}

	// The mapping sees every child's write.
	buf := make([]byte, 128)
	t.Load(p, shmAddr, buf)
	for i, b := range buf {
		if b == 0 {
			buf = buf[:i]
			break
		}
	}
	fmt.Fprint(kfmt.NewPrefixWriter(os.Stdout, "[shm] "), string(buf))

	t.ShmUnmap(p, fd, shmAddr)
	t.Close(p, fd)
	t.ShmUnlink(p, shmName)

	old := t.Sbrk(p, int(4*mm.PageSize))
	t.Store(p, uintptr(old)+3*mm.PageSize, []byte{1})
	log.Info("heap grown",
		zap.Int("old_size", old),
		zap.Uint64("faults_resolved", t.Stats().FaultsResolved),
		zap.Int("cpu", p.CPU().ID()),
	)

	t.Dump(p)
}
