// Package server provides HTTP and WebSocket handlers
package server

import "time"

// Server configuration constants
const (
	// Per-connection WebSocket command rate limit (sliding window)
	RateLimitMessages = 10
	RateLimitWindow   = time.Second

	// Default and maximum number of results returned by /api/results
	DefaultResultsLimit = 30
	MaxResultsLimit     = 500

	// Upper bound on a single WebSocket write
	WriteTimeout = 5 * time.Second
)
