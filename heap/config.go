package heap

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joshuapare/cellheap/internal/osmem"
)

// Environment overrides read by ConfigFromEnv.
const (
	EnvBackgroundAlloc   = "CELLHEAP_BACKGROUND_ALLOC"
	EnvMinEmptyChunks    = "CELLHEAP_MIN_EMPTY_CHUNKS"
	EnvLastDitchCooldown = "CELLHEAP_LAST_DITCH_COOLDOWN"
)

// Config holds the heap's tunables and collaborators.
type Config struct {
	// BackgroundAllocation enables the background chunk allocation task.
	BackgroundAllocation bool

	// HelperThreads is the number of spare CPUs. Background allocation is only
	// used when it is at least one.
	HelperThreads int

	// MinEmptyChunkCount is how many empty chunks the background task tries
	// to keep in reserve.
	MinEmptyChunkCount int

	// MinChunksForBackgroundAlloc is the available+full chunk count below
	// which the heap is too small for background allocation to pay off.
	MinChunksForBackgroundAlloc int

	// LastDitchCooldown is the minimum interval between last-ditch
	// collections. Within it, exhausted allocations fail immediately.
	LastDitchCooldown time.Duration

	// SharedChunkPools says zones on different goroutines share the chunk
	// pools. When false and background allocation is off, the heap lock is
	// skipped on the arena refill path.
	SharedChunkPools bool

	// OS supplies chunk memory. Default: osmem.NewSystem().
	OS osmem.Source

	// Nursery is the young generation, or nil for tenured-only allocation.
	Nursery Nursery

	// Collector is the tracing collector. Default: a collector that never
	// marks and never frees.
	Collector Collector

	// Now is the clock used for the last-ditch cooldown. Default: time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{
		BackgroundAllocation:        true,
		HelperThreads:               runtime.NumCPU() - 1,
		MinEmptyChunkCount:          1,
		MinChunksForBackgroundAlloc: 4,
		LastDitchCooldown:           60 * time.Second,
		SharedChunkPools:            true,
	}
}

// ConfigFromEnv applies environment overrides to base.
func ConfigFromEnv(base Config) (Config, error) {
	cfg := base
	if v := os.Getenv(EnvBackgroundAlloc); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, fmt.Errorf("heap: %s: %w", EnvBackgroundAlloc, err)
		}
		cfg.BackgroundAllocation = b
	}
	if v := os.Getenv(EnvMinEmptyChunks); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("heap: %s: %w", EnvMinEmptyChunks, err)
		}
		cfg.MinEmptyChunkCount = n
	}
	if v := os.Getenv(EnvLastDitchCooldown); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("heap: %s: %w", EnvLastDitchCooldown, err)
		}
		cfg.LastDitchCooldown = d
	}
	return cfg, cfg.validate()
}

func (cfg *Config) validate() error {
	switch {
	case cfg.MinEmptyChunkCount < 0:
		return fmt.Errorf("heap: MinEmptyChunkCount must be >= 0, got %d", cfg.MinEmptyChunkCount)
	case cfg.MinChunksForBackgroundAlloc < 0:
		return fmt.Errorf("heap: MinChunksForBackgroundAlloc must be >= 0, got %d", cfg.MinChunksForBackgroundAlloc)
	case cfg.LastDitchCooldown < 0:
		return fmt.Errorf("heap: LastDitchCooldown must be >= 0, got %v", cfg.LastDitchCooldown)
	}
	return nil
}

func (cfg *Config) fillDefaults() {
	if cfg.OS == nil {
		cfg.OS = osmem.NewSystem()
	}
	if cfg.Collector == nil {
		cfg.Collector = noCollector{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}
