// Package config loads the kernel configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopherxv/kernel/kfmt"
	"gopherxv/kernel/mm"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to the name of every environment variable.
const EnvPrefix = "GOPHERXV"

// Config holds the kernel configuration.
type Config struct {
	// NCPU is the number of simulated cores.
	NCPU int `envconfig:"NCPU" yaml:"ncpu"`

	// PhysMem is the top of physical memory, e.g. "16MiB".
	PhysMem string `envconfig:"PHYS_MEM" yaml:"phys_mem"`

	// KernelImage is the size reserved for the kernel image at the bottom
	// of physical memory.
	KernelImage string `envconfig:"KERNEL_IMAGE" yaml:"kernel_image"`

	// TickInterval is the period of the clock.
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" yaml:"tick_interval"`

	// MetricsAddr is the listen address of the metrics endpoint. Metrics
	// are not served when it is empty.
	MetricsAddr string `envconfig:"METRICS_ADDR" yaml:"metrics_addr"`

	Proc ProcConfig  `envconfig:"PROC" yaml:"proc"`
	Shm  ShmConfig   `envconfig:"SHM" yaml:"shm"`
	Log  kfmt.Config `envconfig:"LOG" yaml:"log"`
}

// ProcConfig holds the process table settings.
type ProcConfig struct {
	MaxProcs        int  `envconfig:"MAX" yaml:"max"`
	NOFILE          int  `envconfig:"NOFILE" yaml:"nofile"`
	CopyOnWriteFork bool `envconfig:"COW_FORK" yaml:"cow_fork"`
	LazyAllocation  bool `envconfig:"LAZY_ALLOC" yaml:"lazy_alloc"`
}

// ShmConfig holds the shared memory table limits.
type ShmConfig struct {
	NameMax    int `envconfig:"NAME_MAX" yaml:"name_max"`
	MaxObjects int `envconfig:"MAX_OBJECTS" yaml:"max_objects"`
	MaxPages   int `envconfig:"MAX_PAGES" yaml:"max_pages"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NCPU:         3,
		PhysMem:      "16MiB",
		KernelImage:  "1MiB",
		TickInterval: 10 * time.Millisecond,
		Proc: ProcConfig{
			MaxProcs:        64,
			NOFILE:          16,
			CopyOnWriteFork: true,
			LazyAllocation:  true,
		},
		Shm: ShmConfig{
			NameMax:    32,
			MaxObjects: 16,
			MaxPages:   1024,
		},
		Log: kfmt.Config{
			Level: "info",
		},
	}
}

// Load returns the default configuration overridden by environment
// variables.
func Load() (*Config, error) {
	cfg := Default()
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// LoadFile returns the default configuration overridden by the YAML file at
// path and then by environment variables.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	cfg := Default()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// PhysMemBytes returns the parsed top of physical memory.
func (cfg *Config) PhysMemBytes() (uintptr, error) {
	return parseSize("phys_mem", cfg.PhysMem)
}

// KernelImageBytes returns the parsed kernel image size.
func (cfg *Config) KernelImageBytes() (uintptr, error) {
	return parseSize("kernel_image", cfg.KernelImage)
}

func parseSize(field, value string) (uintptr, error) {
	size, err := humanize.ParseBytes(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, value, err)
	}
	return uintptr(size), nil
}

// Validate rejects configurations the kernel cannot boot with.
func (cfg *Config) Validate() error {
	physMem, err := cfg.PhysMemBytes()
	if err != nil {
		return err
	}

	kernelImage, err := cfg.KernelImageBytes()
	if err != nil {
		return err
	}

	switch {
	case cfg.NCPU < 1:
		return fmt.Errorf("ncpu must be at least 1, got %d", cfg.NCPU)
	case physMem < kernelImage+mm.PageSize:
		return fmt.Errorf("phys_mem %s leaves no frames above the kernel image (%s)",
			humanize.IBytes(uint64(physMem)), humanize.IBytes(uint64(kernelImage)))
	case cfg.TickInterval <= 0:
		return fmt.Errorf("tick_interval must be positive, got %s", cfg.TickInterval)
	case cfg.Proc.MaxProcs < 1:
		return fmt.Errorf("proc.max must be at least 1, got %d", cfg.Proc.MaxProcs)
	case cfg.Proc.NOFILE < 1:
		return fmt.Errorf("proc.nofile must be at least 1, got %d", cfg.Proc.NOFILE)
	case cfg.Shm.NameMax < 2:
		return fmt.Errorf("shm.name_max must be at least 2, got %d", cfg.Shm.NameMax)
	case cfg.Shm.MaxObjects < 1:
		return fmt.Errorf("shm.max_objects must be at least 1, got %d", cfg.Shm.MaxObjects)
	case cfg.Shm.MaxPages < 1:
		return fmt.Errorf("shm.max_pages must be at least 1, got %d", cfg.Shm.MaxPages)
	}

	return nil
}
