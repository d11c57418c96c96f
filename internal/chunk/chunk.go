// Package chunk cuts a live capture session into fixed-length, independently
// decodable audio segments and numbers them for dispatch.
package chunk

import (
	"fmt"
	"time"

	"github.com/GriffinCanCode/vorify-live/internal/audio"
	"github.com/GriffinCanCode/vorify-live/internal/encoder"
)

// ErrEmptyChunk marks a recorder window that finalized without audio.
var ErrEmptyChunk = encoder.ErrEmpty

// Chunk is one finalized, self-contained audio segment.
type Chunk struct {
	SessionID   string
	Seq         uint64
	Payload     []byte
	ContentType string
	CreatedAt   time.Time
	Duration    time.Duration
	Truncated   bool
}

// Size returns the payload length in bytes.
func (c *Chunk) Size() int { return len(c.Payload) }

// Filename returns the upload filename, derived from the creation time.
func (c *Chunk) Filename() string {
	return fmt.Sprintf("chunk_%d%s", c.CreatedAt.UnixMilli(), encoder.FileExt)
}

// FrameSource yields captured frames to a subscriber. *audio.Session
// implements it.
type FrameSource interface {
	Subscribe() (<-chan audio.Frame, func(), error)
}
