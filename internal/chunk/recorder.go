package chunk

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/vorify-live/internal/audio"
	"github.com/GriffinCanCode/vorify-live/internal/encoder"
)

// Segment is what a recorder produces when it finalizes.
type Segment struct {
	Payload   []byte
	StartedAt time.Time
	Duration  time.Duration
	Truncated bool
}

// durationer is implemented by encoders that know how much audio they hold.
// Segments prefer it over wall-clock time.
type durationer interface {
	Duration() time.Duration
}

// Recorder encodes one window of captured audio with its own encoder.
type Recorder struct {
	endCh     chan struct{}
	endOnce   sync.Once
	truncated bool // set once, before endCh closes
	done      chan struct{}

	seg Segment
	err error
}

// Begin subscribes to src and records for d with a fresh encoder from
// newEncoder. It fails fast with audio.ErrSessionInactive when src is not
// capturing.
func Begin(src FrameSource, d time.Duration, newEncoder encoder.Factory) (*Recorder, error) {
	frames, unsubscribe, err := src.Subscribe()
	if err != nil {
		return nil, err
	}
	enc, err := newEncoder()
	if err != nil {
		unsubscribe()
		return nil, err
	}

	r := &Recorder{
		endCh: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go r.run(frames, unsubscribe, enc, d)
	return r, nil
}

// Stop ends the window now as a regular rotation.
func (r *Recorder) Stop() { r.end(false) }

// Cancel ends the window early and marks the segment truncated. The recorder
// still finalizes whatever it encoded. Safe to call more than once.
func (r *Recorder) Cancel() { r.end(true) }

func (r *Recorder) end(truncated bool) {
	r.endOnce.Do(func() {
		r.truncated = truncated
		close(r.endCh)
	})
}

// Done is closed once the recorder has finalized.
func (r *Recorder) Done() <-chan struct{} { return r.done }

// Wait blocks until finalization and returns the segment. An empty window
// returns ErrEmptyChunk.
func (r *Recorder) Wait() (Segment, error) {
	<-r.done
	return r.seg, r.err
}

func (r *Recorder) run(frames <-chan audio.Frame, unsubscribe func(), enc encoder.Encoder, d time.Duration) {
	defer close(r.done)

	start := time.Now()
	timer := time.NewTimer(d)
	defer timer.Stop()

	var writeErr error
	write := func(f audio.Frame) {
		if writeErr == nil {
			writeErr = enc.Write(f.Samples)
		}
	}

	truncated := false
loop:
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				// Session released underneath us.
				truncated = true
				frames = nil
				break loop
			}
			write(f)
		case <-timer.C:
			break loop
		case <-r.endCh:
			truncated = r.truncated
			break loop
		}
	}

	// Take what was already captured for this window.
	for drained := false; !drained && frames != nil; {
		select {
		case f, ok := <-frames:
			if !ok {
				drained = true
				break
			}
			write(f)
		default:
			drained = true
		}
	}
	unsubscribe()

	payload, err := enc.Finalize()
	if writeErr != nil {
		err = writeErr
	}
	dur := time.Since(start)
	if m, ok := enc.(durationer); ok {
		dur = m.Duration()
	}
	r.seg = Segment{
		Payload:   payload,
		StartedAt: start,
		Duration:  dur,
		Truncated: truncated,
	}
	r.err = err
}
