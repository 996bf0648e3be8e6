// Package metrics exports kernel statistics to Prometheus.
package metrics

import (
	"gopherxv/kernel/mm/pmm"
	"gopherxv/kernel/proc"
	"gopherxv/kernel/shm"
	"gopherxv/kernel/trap"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gopherxv"

// FrameSource reports physical memory usage.
type FrameSource interface {
	Stats() pmm.Stats
}

// ProcSource reports process table usage.
type ProcSource interface {
	Stats() proc.Stats
}

// ShmSource reports shared memory usage.
type ShmSource interface {
	Stats() shm.Stats
}

// TrapSource reports trap layer counters.
type TrapSource interface {
	Stats() trap.Stats
}

// Sources are the subsystems read by the collector. Nil sources are
// skipped.
type Sources struct {
	Frames FrameSource
	Procs  ProcSource
	Shm    ShmSource
	Trap   TrapSource
}

// reportedStates are the process states exported as labels.
var reportedStates = []proc.State{proc.Used, proc.Sleeping, proc.Runnable, proc.Running, proc.Zombie}

// Collector is a prometheus.Collector that reads subsystem statistics on
// every scrape.
type Collector struct {
	src Sources

	framesTotal     *prometheus.Desc
	framesFree      *prometheus.Desc
	procs           *prometheus.Desc
	contextSwitches *prometheus.Desc
	shmObjects      *prometheus.Desc
	shmUnlinked     *prometheus.Desc
	shmPages        *prometheus.Desc
	ticks           *prometheus.Desc
	syscalls        *prometheus.Desc
	pageFaults      *prometheus.Desc
}

// NewCollector returns a collector over src.
func NewCollector(src Sources) *Collector {
	return &Collector{
		src: src,

		framesTotal: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "frames", "total"),
			"Number of physical frames managed by the allocator", nil, nil),
		framesFree: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "frames", "free"),
			"Number of free physical frames", nil, nil),
		procs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "procs"),
			"Number of processes by state", []string{"state"}, nil),
		contextSwitches: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "context_switches_total"),
			"Total number of switches from a scheduler into a process", nil, nil),
		shmObjects: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "shm", "objects"),
			"Number of shared memory objects in use", nil, nil),
		shmUnlinked: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "shm", "unlinked_objects"),
			"Number of unlinked shared memory objects still referenced", nil, nil),
		shmPages: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "shm", "pages"),
			"Number of frames backing shared memory objects", nil, nil),
		ticks: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "ticks_total"),
			"Total number of clock ticks", nil, nil),
		syscalls: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "syscalls_total"),
			"Total number of system calls", nil, nil),
		pageFaults: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "page_faults_total"),
			"Total number of page faults by outcome", []string{"result"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range []*prometheus.Desc{
		c.framesTotal, c.framesFree,
		c.procs, c.contextSwitches,
		c.shmObjects, c.shmUnlinked, c.shmPages,
		c.ticks, c.syscalls, c.pageFaults,
	} {
		ch <- desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Frames != nil {
		stats := c.src.Frames.Stats()
		ch <- prometheus.MustNewConstMetric(c.framesTotal, prometheus.GaugeValue, float64(stats.TotalFrames))
		ch <- prometheus.MustNewConstMetric(c.framesFree, prometheus.GaugeValue, float64(stats.FreeFrames))
	}

	if c.src.Procs != nil {
		stats := c.src.Procs.Stats()
		for _, state := range reportedStates {
			ch <- prometheus.MustNewConstMetric(c.procs, prometheus.GaugeValue, float64(stats.Procs[state]), state.String())
		}
		ch <- prometheus.MustNewConstMetric(c.contextSwitches, prometheus.CounterValue, float64(stats.ContextSwitches))
	}

	if c.src.Shm != nil {
		stats := c.src.Shm.Stats()
		ch <- prometheus.MustNewConstMetric(c.shmObjects, prometheus.GaugeValue, float64(stats.Objects))
		ch <- prometheus.MustNewConstMetric(c.shmUnlinked, prometheus.GaugeValue, float64(stats.Unlinked))
		ch <- prometheus.MustNewConstMetric(c.shmPages, prometheus.GaugeValue, float64(stats.Pages))
	}

	if c.src.Trap != nil {
		stats := c.src.Trap.Stats()
		ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(stats.Ticks))
		ch <- prometheus.MustNewConstMetric(c.syscalls, prometheus.CounterValue, float64(stats.Syscalls))
		ch <- prometheus.MustNewConstMetric(c.pageFaults, prometheus.CounterValue, float64(stats.FaultsResolved), "resolved")
		ch <- prometheus.MustNewConstMetric(c.pageFaults, prometheus.CounterValue, float64(stats.FaultsFailed), "failed")
	}
}
