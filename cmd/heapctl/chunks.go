package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/joshuapare/cellheap/heap"
	"github.com/joshuapare/cellheap/heap/collector"
	"github.com/joshuapare/cellheap/heap/kind"
	"github.com/joshuapare/cellheap/internal/osmem"
)

var (
	chunksArenas   int
	chunksKeep     int
	chunksDecommit bool
	chunksShrink   bool
)

func init() {
	cmd := newChunksCmd()
	cmd.Flags().IntVar(&chunksArenas, "arenas", 600, "Arenas to fill before collecting")
	cmd.Flags().IntVar(&chunksKeep, "keep", 3, "Keep one arena in every N alive across the collection (0: free all)")
	cmd.Flags().BoolVar(&chunksDecommit, "decommit", false, "Decommit free arena pages after the collection")
	cmd.Flags().BoolVar(&chunksShrink, "shrink", false, "Release empty chunks to the OS after the collection")
	rootCmd.AddCommand(cmd)
}

func newChunksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunks",
		Short: "Draw the chunk and arena layout left by a workload",
		Long: `The chunks command fills a number of arenas, keeps every Nth one alive
through a full collection, and draws each chunk's arena slots grouped by commit
page:

  █  in use
  ▒  free, page committed
  ·  free, page decommitted

Example:
  heapctl chunks
  heapctl chunks --arenas 1000 --keep 4 --decommit
  heapctl chunks --keep 0 --shrink --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChunks()
		},
	}
	return cmd
}

var (
	inUseStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#7D56F4"))
	committedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	decommitStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#666666"))
	chunkHeader    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00D7FF"))
)

var slotGlyphs = [...]string{
	heap.SlotInUse:         "█",
	heap.SlotFreeCommitted: "▒",
	heap.SlotDecommitted:   "·",
}

type chunkReport struct {
	Addr     string `json:"addr"`
	Pool     string `json:"pool"`
	Poisoned bool   `json:"poisoned"`
	InUse    int    `json:"in_use"`
	Slots    string `json:"slots"`
}

// runChunkWorkload fills arenas with Script cells, roots the cells of every
// keep-th arena and runs a full collection.
func runChunkWorkload(h *heap.Heap) (*collector.Collector, error) {
	col := collector.New(h, collector.Options{})
	z := h.NewZone("chunks")
	perArena := kind.Script.CellsPerArena()

	for i := range chunksArenas * perArena {
		c, err := h.AllocateCellNoGC(z, kind.Script)
		if err != nil {
			return nil, err
		}
		if chunksKeep > 0 && (i/perArena)%chunksKeep == 0 {
			if err := col.AddRoot(c); err != nil {
				return nil, err
			}
		}
	}
	col.Collect(chunksShrink)

	if chunksDecommit {
		pages, err := h.DecommitFreeArenas()
		if err != nil {
			return nil, err
		}
		printVerbose("Decommitted %d pages\n", pages)
	}
	return col, nil
}

func runChunks() error {
	cfg := heap.DefaultConfig()
	cfg.BackgroundAllocation = false
	cfg.OS = osmem.NewSystem()
	h, err := heap.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create heap: %w", err)
	}
	defer h.Close()

	col, err := runChunkWorkload(h)
	if err != nil {
		return err
	}
	snaps := h.Chunks()

	if jsonOut {
		out := make([]chunkReport, 0, len(snaps))
		for i := range snaps {
			s := &snaps[i]
			out = append(out, chunkReport{
				Addr:     fmt.Sprintf("%#x", s.Addr),
				Pool:     s.Pool,
				Poisoned: s.Poisoned,
				InUse:    s.InUse(),
				Slots:    renderSlots(s, false, ""),
			})
		}
		return printJSON(out)
	}

	st := col.Stats()
	printInfo("%s chunks, %s arenas released, %s cells freed\n\n",
		count(len(snaps)), count(st.ArenasReleased), count(st.CellsFreed))
	printInfo("%s", renderChunkMap(snaps, !noColor))
	return nil
}

// renderChunkMap draws every chunk as a header line followed by its slots,
// one row per four commit pages.
func renderChunkMap(snaps []heap.ChunkSnapshot, color bool) string {
	var b strings.Builder
	for i := range snaps {
		s := &snaps[i]
		header := fmt.Sprintf("chunk %#x  %-9s  %3d/%d in use", s.Addr, s.Pool, s.InUse(), heap.ArenasPerChunk)
		if s.Poisoned {
			header += "  (recycled)"
		}
		if color {
			header = chunkHeader.Render(header)
		}
		b.WriteString(header)
		b.WriteByte('\n')
		b.WriteString(renderSlots(s, color, "  "))
		b.WriteByte('\n')
	}
	return b.String()
}

// renderSlots draws the slot glyphs, a space between pages and a newline
// (plus indent) every four pages. Without an indent everything stays on one line.
func renderSlots(s *heap.ChunkSnapshot, color bool, indent string) string {
	const pagesPerRow = 4
	var b strings.Builder
	for page := range heap.PagesPerChunk {
		switch {
		case page == 0:
			b.WriteString(indent)
		case indent != "" && page%pagesPerRow == 0:
			b.WriteByte('\n')
			b.WriteString(indent)
		default:
			b.WriteByte(' ')
		}
		for slot := page * heap.ArenasPerPage; slot < (page+1)*heap.ArenasPerPage; slot++ {
			b.WriteString(glyph(s.Slots[slot], color))
		}
	}
	return b.String()
}

func glyph(st heap.SlotState, color bool) string {
	g := slotGlyphs[st]
	if !color {
		return g
	}
	switch st {
	case heap.SlotInUse:
		return inUseStyle.Render(g)
	case heap.SlotFreeCommitted:
		return committedStyle.Render(g)
	}
	return decommitStyle.Render(g)
}
