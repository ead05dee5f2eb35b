package main

import (
	"github.com/spf13/cobra"

	"github.com/joshuapare/cellheap/heap/kind"
)

func init() {
	rootCmd.AddCommand(newKindsCmd())
}

func newKindsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kinds",
		Short: "List the allocation size classes",
		Long: `The kinds command lists every AllocKind with its cell size, how many
cells fit in one arena, its trace kind and whether it may be nursery allocated.

Example:
  heapctl kinds
  heapctl kinds --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKinds()
		},
	}
	return cmd
}

type kindInfo struct {
	Name          string `json:"name"`
	Size          int    `json:"size"`
	CellsPerArena int    `json:"cells_per_arena"`
	TraceKind     string `json:"trace_kind"`
	Nursery       bool   `json:"nursery"`
}

func kindTable() []kindInfo {
	out := make([]kindInfo, 0, kind.Count)
	for _, k := range kind.All() {
		out = append(out, kindInfo{
			Name:          k.String(),
			Size:          k.Size(),
			CellsPerArena: k.CellsPerArena(),
			TraceKind:     k.TraceKind().String(),
			Nursery:       k.IsNurseryAllocable(),
		})
	}
	return out
}

func runKinds() error {
	table := kindTable()
	if jsonOut {
		return printJSON(table)
	}

	printInfo("%-18s %6s %8s  %-14s %s\n", "KIND", "SIZE", "PER-ARENA", "TRACE", "NURSERY")
	for _, k := range table {
		nursery := "no"
		if k.Nursery {
			nursery = "yes"
		}
		printInfo("%-18s %6d %9d  %-14s %s\n", k.Name, k.Size, k.CellsPerArena, k.TraceKind, nursery)
	}
	printVerbose("\n%d kinds, arena size %d bytes\n", len(table), kind.ArenaSize)
	return nil
}
