// Package orchestrator coordinates capture, chunking, dispatch and display.
package orchestrator

import "time"

// Orchestrator configuration constants
const (
	// Display event channel buffer
	DisplayEventBuffer = 100

	// Result history size when unset
	DefaultHistorySize = 30

	// Elapsed counter resolution
	TickInterval = time.Second
)
