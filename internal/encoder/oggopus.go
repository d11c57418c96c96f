// Package encoder turns PCM frames into self-contained compressed segments.
// Every segment carries its own container headers, so each one decodes on its
// own without any earlier segment.
package encoder

import (
	"bytes"
	"fmt"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"layeh.com/gopus"

	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
)

// Container metadata for the produced segments.
const (
	ContentType = "audio/ogg; codecs=opus"
	FileExt     = ".ogg"
)

const (
	// Ogg Opus granule positions always count 48 kHz samples.
	granuleRate = 48000

	// Upper bound recommended by libopus for a single packet.
	maxPacketBytes = 4000

	payloadTypeOpus = 111
)

// ErrEmpty is returned by Finalize when no audio frame was encoded.
var ErrEmpty = apperrors.New(apperrors.EncodeFinalizeEmpty, "encoder: segment holds no audio frames")

// Encoder accumulates PCM and produces one finished segment.
type Encoder interface {
	Write(samples []int16) error
	Finalize() ([]byte, error)
}

// Factory creates a fresh encoder for each segment.
type Factory func() (Encoder, error)

// Options configure the Opus encoder.
type Options struct {
	SampleRate    int
	Channels      int
	Bitrate       int
	FrameDuration time.Duration
}

// NewFactory returns a Factory building OggOpus encoders with opts.
func NewFactory(opts Options) Factory {
	return func() (Encoder, error) {
		return NewOggOpus(opts)
	}
}

// OggOpus encodes mono or stereo PCM to Opus and muxes it into an in-memory
// Ogg stream. It is single-use: after Finalize it rejects further writes.
type OggOpus struct {
	opts      Options
	enc       *gopus.Encoder
	ogg       *oggwriter.OggWriter
	out       bytes.Buffer
	frameSize int // samples per channel
	tsStep    uint32
	pending   []int16
	frames    int
	seq       uint16
	ts        uint32
	done      bool
}

// NewOggOpus creates an encoder and writes the Ogg identification headers.
func NewOggOpus(opts Options) (*OggOpus, error) {
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.FrameDuration <= 0 {
		opts.FrameDuration = 20 * time.Millisecond
	}

	enc, err := gopus.NewEncoder(opts.SampleRate, opts.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("encoder: create opus encoder: %w", err)
	}
	if opts.Bitrate > 0 {
		enc.SetBitrate(opts.Bitrate)
	}

	e := &OggOpus{
		opts:      opts,
		enc:       enc,
		frameSize: int(int64(opts.SampleRate) * int64(opts.FrameDuration) / int64(time.Second)),
		tsStep:    uint32(int64(granuleRate) * int64(opts.FrameDuration) / int64(time.Second)),
	}
	e.ogg, err = oggwriter.NewWith(&e.out, uint32(opts.SampleRate), uint16(opts.Channels))
	if err != nil {
		return nil, fmt.Errorf("encoder: create ogg writer: %w", err)
	}
	return e, nil
}

// Write buffers samples and encodes every complete frame.
func (e *OggOpus) Write(samples []int16) error {
	if e.done {
		return apperrors.New(apperrors.InvalidState, "encoder: write after finalize")
	}
	e.pending = append(e.pending, samples...)

	n := e.frameSize * e.opts.Channels
	for len(e.pending) >= n {
		if err := e.encodeFrame(e.pending[:n]); err != nil {
			return err
		}
		e.pending = e.pending[n:]
	}
	// Keep the tail in its own backing array so pending does not pin old frames.
	if cap(e.pending) > 4*n {
		e.pending = append([]int16(nil), e.pending...)
	}
	return nil
}

// Finalize pads and flushes any partial frame, closes the container, and
// returns the segment bytes. A segment with no frames yields ErrEmpty.
func (e *OggOpus) Finalize() ([]byte, error) {
	if e.done {
		return nil, apperrors.New(apperrors.InvalidState, "encoder: already finalized")
	}
	e.done = true

	if len(e.pending) > 0 {
		frame := make([]int16, e.frameSize*e.opts.Channels)
		copy(frame, e.pending)
		e.pending = nil
		if err := e.encodeFrame(frame); err != nil {
			return nil, err
		}
	}
	if err := e.ogg.Close(); err != nil {
		return nil, fmt.Errorf("encoder: close ogg writer: %w", err)
	}
	if e.frames == 0 {
		return nil, ErrEmpty
	}
	return bytes.Clone(e.out.Bytes()), nil
}

// Duration returns the amount of audio encoded so far, including a padded
// final frame once Finalize has run.
func (e *OggOpus) Duration() time.Duration {
	return time.Duration(e.frames) * e.opts.FrameDuration
}

func (e *OggOpus) encodeFrame(pcm []int16) error {
	packet, err := e.enc.Encode(pcm, e.frameSize, maxPacketBytes)
	if err != nil {
		return fmt.Errorf("encoder: opus encode: %w", err)
	}
	if err := e.ogg.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    payloadTypeOpus,
			SequenceNumber: e.seq,
			Timestamp:      e.ts,
		},
		Payload: packet,
	}); err != nil {
		return fmt.Errorf("encoder: write ogg page: %w", err)
	}
	e.seq++
	e.ts += e.tsStep
	e.frames++
	return nil
}
