package chunk

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/GriffinCanCode/vorify-live/internal/audio"
	"github.com/GriffinCanCode/vorify-live/internal/encoder"
	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
)

// pulseSource broadcasts a 480-sample frame every period to all subscribers.
// A zero period never emits.
type pulseSource struct {
	mu       sync.Mutex
	subs     map[int]chan audio.Frame
	next     int
	inactive bool
}

func newPulseSource(t *testing.T, period time.Duration) *pulseSource {
	t.Helper()
	p := &pulseSource{subs: make(map[int]chan audio.Frame)}
	if period <= 0 {
		return p
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		tk := time.NewTicker(period)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				p.broadcast(audio.Frame{Samples: make([]int16, 480), Timestamp: time.Now()})
			}
		}
	}()
	t.Cleanup(func() {
		close(stop)
		<-done
	})
	return p
}

func (p *pulseSource) broadcast(f audio.Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- f:
		default:
		}
	}
}

func (p *pulseSource) Subscribe() (<-chan audio.Frame, func(), error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inactive {
		return nil, nil, audio.ErrSessionInactive
	}
	id := p.next
	p.next++
	ch := make(chan audio.Frame, 64)
	p.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			delete(p.subs, id)
			close(ch)
		})
	}, nil
}

type countingEncoder struct {
	samples int
}

func (e *countingEncoder) Write(s []int16) error {
	e.samples += len(s)
	return nil
}

func (e *countingEncoder) Finalize() ([]byte, error) {
	if e.samples == 0 {
		return nil, encoder.ErrEmpty
	}
	return []byte(fmt.Sprintf("seg:%d", e.samples)), nil
}

func countingFactory() (encoder.Encoder, error) { return &countingEncoder{}, nil }

type collector struct {
	mu     sync.Mutex
	chunks []*Chunk
}

func (c *collector) sink(ch *Chunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, ch)
}

func (c *collector) all() []*Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Chunk(nil), c.chunks...)
}

// measuredEncoder reports 20ms of audio per 480-sample frame.
type measuredEncoder struct{ countingEncoder }

func (e *measuredEncoder) Duration() time.Duration {
	return time.Duration(e.samples/480) * 20 * time.Millisecond
}

func TestRecorderPrefersEncodedDuration(t *testing.T) {
	src := newPulseSource(t, 5*time.Millisecond)
	var enc *measuredEncoder
	rec, err := Begin(src, 60*time.Millisecond, func() (encoder.Encoder, error) {
		enc = &measuredEncoder{}
		return enc, nil
	})
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	seg, err := rec.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if want := enc.Duration(); seg.Duration != want || want == 0 {
		t.Errorf("Duration = %v, want encoded %v", seg.Duration, want)
	}
}

func TestChunkFilename(t *testing.T) {
	c := &Chunk{CreatedAt: time.UnixMilli(1700000000123), Payload: []byte("abc")}
	if got := c.Filename(); got != "chunk_1700000000123.ogg" {
		t.Errorf("Filename() = %q, want chunk_1700000000123.ogg", got)
	}
	if c.Size() != 3 {
		t.Errorf("Size() = %d, want 3", c.Size())
	}
}

func TestRecorderFinalizesAfterDuration(t *testing.T) {
	src := newPulseSource(t, 5*time.Millisecond)
	rec, err := Begin(src, 60*time.Millisecond, countingFactory)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}

	seg, err := rec.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if seg.Truncated {
		t.Error("full window should not be truncated")
	}
	if seg.Duration < 60*time.Millisecond {
		t.Errorf("Duration = %v, want >= 60ms", seg.Duration)
	}
	if !bytes.HasPrefix(seg.Payload, []byte("seg:")) {
		t.Errorf("Payload = %q, want encoded segment", seg.Payload)
	}
}

func TestRecorderCancelTruncates(t *testing.T) {
	src := newPulseSource(t, 5*time.Millisecond)
	rec, err := Begin(src, 10*time.Second, countingFactory)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	rec.Cancel()
	rec.Cancel()

	select {
	case <-rec.Done():
	case <-time.After(time.Second):
		t.Fatal("recorder did not finalize after cancel")
	}
	seg, err := rec.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if !seg.Truncated {
		t.Error("cancelled window should be truncated")
	}
	if seg.Duration >= time.Second {
		t.Errorf("Duration = %v, want well under the window", seg.Duration)
	}
}

func TestRecorderStopIsRegularEnd(t *testing.T) {
	src := newPulseSource(t, 5*time.Millisecond)
	rec, err := Begin(src, 10*time.Second, countingFactory)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	rec.Stop()
	rec.Cancel() // no effect after Stop

	seg, err := rec.Wait()
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if seg.Truncated {
		t.Error("rotation stop should not mark the segment truncated")
	}
}

func TestRecorderEmptyWindow(t *testing.T) {
	src := newPulseSource(t, 0)
	rec, err := Begin(src, 20*time.Millisecond, countingFactory)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	_, err = rec.Wait()
	if !errors.Is(err, ErrEmptyChunk) {
		t.Errorf("Wait() = %v, want ErrEmptyChunk", err)
	}
	if !apperrors.IsCode(err, apperrors.EncodeFinalizeEmpty) {
		t.Errorf("code = %v, want EncodeFinalizeEmpty", apperrors.CodeOf(err))
	}
}

func TestRecorderInactiveSourceFailsFast(t *testing.T) {
	src := newPulseSource(t, 0)
	src.inactive = true
	if _, err := Begin(src, time.Second, countingFactory); !errors.Is(err, audio.ErrSessionInactive) {
		t.Errorf("Begin() = %v, want ErrSessionInactive", err)
	}
}

func TestRecorderEncoderFactoryError(t *testing.T) {
	src := newPulseSource(t, 0)
	boom := errors.New("no encoder")
	_, err := Begin(src, time.Second, func() (encoder.Encoder, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Errorf("Begin() = %v, want factory error", err)
	}
	if len(src.subs) != 0 {
		t.Error("failed Begin should unsubscribe")
	}
}

func TestSchedulerCadenceAndSequence(t *testing.T) {
	src := newPulseSource(t, 2*time.Millisecond)
	col := &collector{}
	s := NewScheduler(src, SchedulerConfig{
		SessionID:  "sess-1",
		Interval:   50 * time.Millisecond,
		NewEncoder: countingFactory,
	}, col.sink)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(185 * time.Millisecond)
	s.Stop()

	chunks := col.all()
	// Recorders begin at 0, 50, 100 and 150ms; the last one is cut short.
	if len(chunks) < 3 || len(chunks) > 5 {
		t.Fatalf("got %d chunks, want about 4", len(chunks))
	}
	for i, c := range chunks {
		if c.Seq != uint64(i) {
			t.Errorf("chunks[%d].Seq = %d, want %d", i, c.Seq, i)
		}
		if c.SessionID != "sess-1" {
			t.Errorf("chunks[%d].SessionID = %q, want sess-1", i, c.SessionID)
		}
		if c.ContentType != encoder.ContentType {
			t.Errorf("chunks[%d].ContentType = %q", i, c.ContentType)
		}
	}
	if last := chunks[len(chunks)-1]; !last.Truncated {
		t.Error("final chunk should be truncated by stop")
	}
	if s.Emitted() != uint64(len(chunks)) {
		t.Errorf("Emitted() = %d, want %d", s.Emitted(), len(chunks))
	}

	// Nothing arrives after Stop returns.
	n := len(chunks)
	time.Sleep(80 * time.Millisecond)
	if got := len(col.all()); got != n {
		t.Errorf("chunks after stop = %d, want %d", got, n)
	}
}

func TestSchedulerSkipsEmptyWindows(t *testing.T) {
	src := newPulseSource(t, 0)
	col := &collector{}
	s := NewScheduler(src, SchedulerConfig{Interval: 20 * time.Millisecond, NewEncoder: countingFactory}, col.sink)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(70 * time.Millisecond)
	s.Stop()

	if got := len(col.all()); got != 0 {
		t.Errorf("got %d chunks from silent source, want 0", got)
	}
	if s.Emitted() != 0 {
		t.Errorf("Emitted() = %d, want 0 (no sequence gaps)", s.Emitted())
	}
}

func TestSchedulerStartInactive(t *testing.T) {
	src := newPulseSource(t, 0)
	src.inactive = true
	s := NewScheduler(src, SchedulerConfig{Interval: time.Second, NewEncoder: countingFactory}, func(*Chunk) {})

	if err := s.Start(); !errors.Is(err, audio.ErrSessionInactive) {
		t.Errorf("Start() = %v, want ErrSessionInactive", err)
	}

	// A failed start leaves the scheduler free to start again.
	src.mu.Lock()
	src.inactive = false
	src.mu.Unlock()
	if err := s.Start(); err != nil {
		t.Errorf("Start() after failed start = %v, want nil", err)
	}
	s.Stop()
}

func TestSchedulerStartTwice(t *testing.T) {
	src := newPulseSource(t, 5*time.Millisecond)
	s := NewScheduler(src, SchedulerConfig{Interval: time.Second, NewEncoder: countingFactory}, func(*Chunk) {})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if err := s.Start(); !apperrors.IsCode(err, apperrors.InvalidState) {
		t.Errorf("second Start() = %v, want InvalidState", err)
	}
}

func TestSchedulerWithOggOpus(t *testing.T) {
	src := newPulseSource(t, 20*time.Millisecond)
	col := &collector{}
	factory := encoder.NewFactory(encoder.Options{
		SampleRate:    24000,
		Channels:      1,
		Bitrate:       32000,
		FrameDuration: 20 * time.Millisecond,
	})
	s := NewScheduler(src, SchedulerConfig{SessionID: "ogg", Interval: 100 * time.Millisecond, NewEncoder: factory}, col.sink)

	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(230 * time.Millisecond)
	s.Stop()

	chunks := col.all()
	if len(chunks) == 0 {
		t.Fatal("no chunks produced")
	}
	for i, c := range chunks {
		if !bytes.HasPrefix(c.Payload, []byte("OggS")) {
			t.Errorf("chunks[%d] is not an Ogg stream", i)
		}
		if !strings.HasSuffix(c.Filename(), ".ogg") {
			t.Errorf("chunks[%d].Filename() = %q", i, c.Filename())
		}
	}
}
