// Package audio owns the microphone capture session and fans captured frames
// out to chunk recorders.
package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
)

// ErrSessionInactive is returned when frames are requested from a session that
// is not Active.
var ErrSessionInactive = errors.New("audio: capture session is not active")

// SessionState is the lifecycle state of a capture session.
type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionRequesting
	SessionActive
	SessionStopped
)

func (s SessionState) String() string {
	return [...]string{"idle", "requesting", "active", "stopped"}[s]
}

// Frame is one buffer of mono PCM captured from the device.
type Frame struct {
	Samples   []int16
	Timestamp time.Time
}

// Constraints describe the requested input device configuration.
type Constraints struct {
	SampleRate         int
	Channels           int
	FrameDuration      time.Duration
	EchoCancellation   bool
	NoiseSuppression   bool
	NoiseGateThreshold float64
	DeviceName         string
	ExcludedDevices    []string
}

// FrameSamples returns the number of samples in one frame.
func (c Constraints) FrameSamples() int {
	ch := c.Channels
	if ch <= 0 {
		ch = 1
	}
	return int(int64(c.SampleRate)*int64(c.FrameDuration)/int64(time.Second)) * ch
}

// Source opens input streams on a capture backend.
type Source interface {
	Open(c Constraints) (InputStream, error)
}

// InputStream is a live, exclusively held input device.
type InputStream interface {
	// Read blocks until one frame is available. The returned slice is owned by
	// the caller.
	Read() ([]int16, error)
	// Close stops the hardware and is idempotent.
	Close() error
}

// Session owns one live input stream for the duration of a recording.
type Session struct {
	source      Source
	constraints Constraints
	gate        *NoiseGate

	mu      sync.Mutex
	state   SessionState
	in      InputStream
	subs    map[uint64]chan Frame
	nextSub uint64
	stopCh  chan struct{}
	done    chan struct{}
	faults  chan error
}

// NewSession creates an idle session for the given source.
func NewSession(src Source, c Constraints) *Session {
	s := &Session{
		source:      src,
		constraints: c,
		subs:        make(map[uint64]chan Frame),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
		faults:      make(chan error, 1),
	}
	if c.NoiseSuppression {
		s.gate = NewNoiseGate(c.NoiseGateThreshold)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Faults delivers at most one error: the device stopped delivering audio while
// the session was active. The session stays Active until Release, and every
// later window finalizes empty.
func (s *Session) Faults() <-chan error { return s.faults }

// Constraints returns the constraints the session was created with.
func (s *Session) Constraints() Constraints { return s.constraints }

// Acquire requests exclusive access to the input device. On failure the
// session ends Stopped. If ctx is cancelled before the device opens, the
// device is released as soon as the open completes.
func (s *Session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SessionIdle {
		st := s.state
		s.mu.Unlock()
		return apperrors.Newf(apperrors.InvalidState, "cannot acquire %s session", st)
	}
	s.state = SessionRequesting
	s.mu.Unlock()

	type opened struct {
		in  InputStream
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		in, err := s.source.Open(s.constraints)
		ch <- opened{in: in, err: err}
	}()

	select {
	case <-ctx.Done():
		s.markStopped()
		go func() {
			if r := <-ch; r.in != nil {
				_ = r.in.Close()
			}
		}()
		return ctx.Err()
	case r := <-ch:
		if r.err != nil {
			s.markStopped()
			return r.err
		}
		s.mu.Lock()
		if s.state != SessionRequesting {
			s.mu.Unlock()
			_ = r.in.Close()
			return apperrors.New(apperrors.InvalidState, "session released during acquisition")
		}
		s.in = r.in
		s.state = SessionActive
		s.mu.Unlock()

		go s.readLoop(r.in)
		slog.Info("capture session active", "sample_rate", s.constraints.SampleRate, "noise_suppression", s.constraints.NoiseSuppression)
		return nil
	}
}

func (s *Session) markStopped() {
	s.mu.Lock()
	s.state = SessionStopped
	s.mu.Unlock()
}

// Release stops the hardware stream and detaches every subscriber. It is
// idempotent and safe to call in any state.
func (s *Session) Release() {
	s.mu.Lock()
	prev := s.state
	s.state = SessionStopped
	in := s.in
	s.in = nil
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()

	if prev != SessionActive {
		return
	}

	close(s.stopCh)
	select {
	case <-s.done:
	case <-time.After(ReleaseTimeout):
		slog.Warn("capture read loop did not exit in time; closing stream directly")
	}
	if err := in.Close(); err != nil {
		slog.Debug("input stream close error", "error", err)
	}
	slog.Info("capture session released")
}

// Subscribe registers a frame consumer. The returned cancel func detaches it
// and closes the channel.
func (s *Session) Subscribe() (<-chan Frame, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return nil, nil, ErrSessionInactive
	}
	id := s.nextSub
	s.nextSub++
	ch := make(chan Frame, SubscriberBuffer)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
		})
	}
	return ch, cancel, nil
}

func (s *Session) readLoop(in InputStream) {
	defer close(s.done)
	defer func() { _ = in.Close() }()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		samples, err := in.Read()
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				slog.Error("audio read error", "error", err)
				s.faults <- apperrors.Wrap(err, apperrors.DeviceUnavailable, "microphone stopped delivering audio")
			}
			return
		}
		if s.gate != nil {
			s.gate.Apply(samples)
		}
		s.broadcast(Frame{Samples: samples, Timestamp: time.Now()})
	}
}

func (s *Session) broadcast(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionActive {
		return
	}
	for id, ch := range s.subs {
		select {
		case ch <- f:
		default:
			slog.Debug("subscriber buffer full, dropping frame", "subscriber", id)
		}
	}
}
