package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/joshuapare/cellheap/internal/logger"
)

var (
	// Global flags
	verbose bool
	quiet   bool
	jsonOut bool
	noColor bool
	debug   bool
)

// numbers formats counts with digit grouping.
var numbers = message.NewPrinter(language.English)

var rootCmd = &cobra.Command{
	Use:   "heapctl",
	Short: "Exercise and inspect the cellheap tiered cell allocator",
	Long: `heapctl drives the cellheap allocator: it lists the size classes,
runs allocation stress workloads across zones, and draws the chunk and arena
layout that a workload leaves behind.`,
	Version: "0.1.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			logger.Init(logger.Options{Enabled: true, Level: slog.LevelDebug})
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Log allocator events to stderr")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// count renders n with thousands separators.
func count[T ~int | ~int64](n T) string {
	return numbers.Sprintf("%d", n)
}

// byteSize renders a byte count the way the reports show sizes.
func byteSize(n int64) string {
	switch {
	case n < 1024:
		return numbers.Sprintf("%d B", n)
	case n < 1024*1024:
		return numbers.Sprintf("%.1f KB", float64(n)/1024)
	default:
		return numbers.Sprintf("%.1f MB", float64(n)/(1024*1024))
	}
}
