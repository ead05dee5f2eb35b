package main

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err, "failed to create pipe")
	os.Stdout = w

	// Drain concurrently so large reports cannot fill the pipe.
	done := make(chan []byte)
	go func() {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r)
		done <- buf.Bytes()
	}()

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout
	out := <-done
	r.Close()

	return string(out), fnErr
}

// decodeJSON unmarshals command output into v
func decodeJSON(t *testing.T, output string, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal([]byte(output), v), "invalid JSON output:\n%s", output)
}

// resetFlags restores every global flag to its default
func resetFlags() {
	verbose, quiet, jsonOut, noColor, debug = false, false, false, false, false

	stressZones, stressCount, stressKinds = 4, 100000, ""
	stressBackground, stressLimitMiB, stressNurseryMiB = true, 0, 0
	stressGC, stressKeep, stressSeed, stressTriggerKiB = false, 10, 1, 8192

	chunksArenas, chunksKeep, chunksDecommit, chunksShrink = 600, 3, false, false
}
