package main

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/cellheap/heap"
	"github.com/joshuapare/cellheap/heap/collector"
	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/heap/nursery"
	"github.com/joshuapare/cellheap/internal/osmem"
)

var (
	stressZones      int
	stressCount      int
	stressKinds      string
	stressBackground bool
	stressLimitMiB   int
	stressNurseryMiB int
	stressGC         bool
	stressKeep       int
	stressTriggerKiB int
	stressSeed       int64
)

func init() {
	cmd := newStressCmd()
	cmd.Flags().IntVar(&stressZones, "zones", 4, "Number of zones, each on its own goroutine")
	cmd.Flags().IntVarP(&stressCount, "count", "n", 100000, "Cells to allocate per zone")
	cmd.Flags().StringVar(&stressKinds, "kinds", "", "Comma-separated alloc kinds (default: all)")
	cmd.Flags().BoolVar(&stressBackground, "background", true, "Allow background chunk allocation")
	cmd.Flags().IntVar(&stressLimitMiB, "limit", 0, "Cap OS memory for chunks at this many MiB (0: no cap)")
	cmd.Flags().IntVar(&stressNurseryMiB, "nursery", 0, "Nursery size in MiB (0: tenured only)")
	cmd.Flags().BoolVar(&stressGC, "gc", false, "Attach the mark/sweep collector (zones then run in turn)")
	cmd.Flags().IntVar(&stressKeep, "keep", 10, "With --gc, percent of tenured cells kept as roots")
	cmd.Flags().IntVar(&stressTriggerKiB, "trigger", 8192, "With --gc, heap growth in KiB that starts an incremental collection")
	cmd.Flags().Int64Var(&stressSeed, "seed", 1, "Random seed for kind selection")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run an allocation workload and report heap statistics",
		Long: `The stress command allocates cells of random kinds from several zones and
reports what the heap did: chunks taken from the OS, background allocation,
arena churn, last-ditch collections and failures.

Environment overrides (CELLHEAP_BACKGROUND_ALLOC, CELLHEAP_MIN_EMPTY_CHUNKS,
CELLHEAP_LAST_DITCH_COOLDOWN) are applied before the flags.

Example:
  heapctl stress
  heapctl stress --zones 8 --count 1000000 --kinds object4,string
  heapctl stress --gc --keep 5 --limit 16 --trigger 1024
  heapctl stress --nursery 4 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress()
		},
	}
	return cmd
}

type stressReport struct {
	Zones        int              `json:"zones"`
	Requested    int              `json:"requested"`
	TenuredCells int              `json:"tenured_cells"`
	NurseryCells int              `json:"nursery_cells"`
	Failures     int              `json:"failures"`
	Elapsed      time.Duration    `json:"elapsed_ns"`
	Heap         heap.Stats       `json:"heap"`
	Collector    *collector.Stats `json:"collector,omitempty"`
	Nursery      *nursery.Stats   `json:"nursery,omitempty"`
}

type zoneResult struct {
	tenured  int
	nursery  int
	failures int
	err      error
}

// parseKinds turns a comma-separated list into kinds; empty means all.
func parseKinds(list string) ([]kind.AllocKind, error) {
	if strings.TrimSpace(list) == "" {
		return kind.All(), nil
	}
	var out []kind.AllocKind
	for _, name := range strings.Split(list, ",") {
		k, err := kind.Parse(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, nil
}

func stressConfig() (heap.Config, error) {
	cfg, err := heap.ConfigFromEnv(heap.DefaultConfig())
	if err != nil {
		return cfg, err
	}
	cfg.BackgroundAllocation = cfg.BackgroundAllocation && stressBackground
	if stressLimitMiB > 0 {
		cfg.OS = osmem.NewLimited(osmem.NewSystem(), int64(stressLimitMiB)<<20)
	}
	return cfg, nil
}

func runStress() error {
	if stressZones <= 0 || stressCount < 0 {
		return fmt.Errorf("--zones must be positive and --count non-negative")
	}
	kinds, err := parseKinds(stressKinds)
	if err != nil {
		return err
	}
	cfg, err := stressConfig()
	if err != nil {
		return err
	}

	h, err := heap.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create heap: %w", err)
	}
	defer h.Close()

	var col *collector.Collector
	if stressGC {
		col = collector.New(h, collector.Options{TriggerBytes: int64(stressTriggerKiB) << 10})
	}
	var nur *nursery.Nursery
	if stressNurseryMiB > 0 {
		nur, err = nursery.New(osmem.NewSystem(), stressNurseryMiB<<20)
		if err != nil {
			return fmt.Errorf("failed to create nursery: %w", err)
		}
		defer nur.Close()
		h.SetNursery(nur)
	}

	zones := make([]*heap.Zone, stressZones)
	for i := range zones {
		zones[i] = h.NewZone(fmt.Sprintf("zone-%d", i))
	}
	printVerbose("Running %s allocations in %d zones (background=%v, gc=%v)\n",
		count(stressCount), stressZones, h.BackgroundAllocEnabled(), stressGC)

	results := make([]zoneResult, len(zones))
	start := time.Now()
	if col != nil {
		// The collector sweeps every zone, so zones must not allocate concurrently.
		for i, z := range zones {
			results[i] = stressZone(h, col, z, kinds, rand.New(rand.NewSource(stressSeed+int64(i))))
		}
	} else {
		var wg sync.WaitGroup
		for i, z := range zones {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results[i] = stressZone(h, nil, z, kinds, rand.New(rand.NewSource(stressSeed+int64(i))))
			}()
		}
		wg.Wait()
	}
	h.WaitBackgroundAllocEnd()
	elapsed := time.Since(start)

	report := stressReport{
		Zones:     stressZones,
		Requested: stressZones * stressCount,
		Elapsed:   elapsed,
	}
	var errs []error
	for _, r := range results {
		report.TenuredCells += r.tenured
		report.NurseryCells += r.nursery
		report.Failures += r.failures
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	if err := h.Verify(); err != nil {
		return fmt.Errorf("heap verification failed: %w", err)
	}
	report.Heap = h.Stats()
	if col != nil {
		st := col.Stats()
		report.Collector = &st
	}
	if nur != nil {
		st := nur.Stats()
		report.Nursery = &st
	}

	if jsonOut {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printStressReport(report)
	}
	return errors.Join(errs...)
}

func stressZone(h *heap.Heap, col *collector.Collector, z *heap.Zone, kinds []kind.AllocKind, rng *rand.Rand) zoneResult {
	var r zoneResult
	for range stressCount {
		k := kinds[rng.Intn(len(kinds))]
		c, err := h.AllocateCellAllowGC(z, k)
		if err != nil {
			r.failures++
			if errors.Is(err, heap.ErrOutOfMemory) {
				printVerbose("%s: out of memory after %s cells\n", z.Name(), count(r.tenured+r.nursery))
				return r
			}
			r.err = err
			return r
		}
		if !c.IsTenured() {
			r.nursery++
			continue
		}
		r.tenured++
		if col != nil && rng.Intn(100) < stressKeep {
			if err := col.AddRoot(c); err != nil {
				r.err = err
				return r
			}
		}
	}
	return r
}

func printStressReport(r stressReport) {
	st := r.Heap
	printInfo("\nStress Results:\n")
	printInfo("  Zones:            %d\n", r.Zones)
	printInfo("  Requested:        %s cells\n", count(r.Requested))
	printInfo("  Tenured:          %s cells\n", count(r.TenuredCells))
	if r.Nursery != nil {
		printInfo("  Nursery:          %s cells\n", count(r.NurseryCells))
	}
	printInfo("  Failures:         %s\n", count(r.Failures))
	printInfo("  Elapsed:          %s\n", r.Elapsed.Round(time.Microsecond))
	if r.Elapsed > 0 {
		rate := float64(r.TenuredCells+r.NurseryCells) / r.Elapsed.Seconds()
		printInfo("  Rate:             %s cells/s\n", numbers.Sprintf("%.0f", rate))
	}

	printInfo("\nChunks:\n")
	printInfo("  From OS:          %s (%s)\n", count(st.ChunksFromOS), byteSize(int64(st.ChunksFromOS)*heap.ChunkSize))
	printInfo("  Available/Full:   %d / %d\n", st.AvailableChunks, st.FullChunks)
	printInfo("  Empty/Staged:     %d / %d\n", st.EmptyChunks, st.StagedChunks)
	printInfo("  Released:         %s\n", count(st.ChunksReleased))
	printInfo("  Committed:        %s\n", byteSize(st.CommittedBytes))
	printInfo("  Background runs:  %s (%s chunks)\n", count(st.BackgroundStarts), count(st.BackgroundChunks))

	printInfo("\nArenas:\n")
	printInfo("  In use:           %s (%s)\n", count(st.ArenasInUse), byteSize(int64(st.ArenasInUse)*heap.ArenaSize))
	printInfo("  Allocated:        %s\n", count(st.ArenasAllocated))
	printInfo("  Released:         %s\n", count(st.ArenasReleased))

	printInfo("\nCollections:\n")
	printInfo("  Minor:            %s\n", count(st.MinorCollections))
	printInfo("  Last-ditch:       %s (%s suppressed)\n", count(st.LastDitchCollections), count(st.LastDitchSuppressed))
	printInfo("  Out of memory:    %s\n", count(st.OutOfMemory))
	if c := r.Collector; c != nil {
		printInfo("  Full:             %s (%s slices)\n", count(c.FullCollections), count(c.Slices))
		printInfo("  Cells freed:      %s\n", count(c.CellsFreed))
		printInfo("  Arenas released:  %s\n", count(c.ArenasReleased))
	}
}
