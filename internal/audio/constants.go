package audio

import "time"

// Capture constants
const (
	// Frames buffered per subscriber before the session starts dropping (~1s at 20ms frames).
	SubscriberBuffer = 50

	// Upper bound on waiting for the read loop to observe a release.
	ReleaseTimeout = time.Second

	// Sample value used to normalise int16 PCM to [-1, 1].
	int16Scale = 32768.0
)
