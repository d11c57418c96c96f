package chunk

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/GriffinCanCode/vorify-live/internal/encoder"
	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
	"github.com/GriffinCanCode/vorify-live/internal/observe"
)

// Sink receives finalized chunks in sequence order.
type Sink func(c *Chunk)

// SchedulerConfig configures a Scheduler for one recording session.
type SchedulerConfig struct {
	SessionID  string
	Interval   time.Duration
	NewEncoder encoder.Factory
	Metrics    *observe.Metrics
}

// Scheduler starts a recorder immediately and then one per interval, telling
// the previous recorder to stop each time. Finalized chunks are numbered from
// zero and handed to the sink.
type Scheduler struct {
	src     FrameSource
	cfg     SchedulerConfig
	sink    Sink
	metrics *observe.Metrics

	mu       sync.Mutex
	running  bool
	current  *Recorder
	stopCh   chan struct{}
	loopDone chan struct{}

	// emitMu makes sequence assignment and hand-off one step.
	emitMu  sync.Mutex
	nextSeq uint64

	finalizers sync.WaitGroup
}

// NewScheduler creates a stopped scheduler reading from src.
func NewScheduler(src FrameSource, cfg SchedulerConfig, sink Sink) *Scheduler {
	return &Scheduler{
		src:     src,
		cfg:     cfg,
		sink:    sink,
		metrics: observe.OrDefault(cfg.Metrics),
	}
}

// Start begins the first recorder now and arms the interval ticker. It fails
// if the first recorder cannot begin.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return apperrors.New(apperrors.InvalidState, "chunk scheduler already running")
	}
	s.running = true
	stopCh, loopDone := make(chan struct{}), make(chan struct{})
	s.stopCh, s.loopDone = stopCh, loopDone
	s.mu.Unlock()

	if err := s.rotate(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(loopDone)
		return err
	}
	go s.loop(stopCh, loopDone)

	slog.Info("chunk scheduler started", "session_id", s.cfg.SessionID, "interval", s.cfg.Interval)
	return nil
}

// Stop halts the ticker, cuts the current recorder short and waits until every
// pending finalization has reached the sink. The truncated final chunk, if it
// holds audio, is delivered before Stop returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cur := s.current
	s.current = nil
	close(s.stopCh)
	loopDone := s.loopDone
	s.mu.Unlock()

	<-loopDone
	if cur != nil {
		cur.Cancel()
	}
	s.finalizers.Wait()
	slog.Info("chunk scheduler stopped", "session_id", s.cfg.SessionID, "chunks", s.Emitted())
}

// Emitted returns the number of chunks delivered so far.
func (s *Scheduler) Emitted() uint64 {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	return s.nextSeq
}

func (s *Scheduler) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if err := s.rotate(); err != nil {
				slog.Warn("chunk recorder failed to start", "session_id", s.cfg.SessionID, "error", err)
			}
		}
	}
}

// rotate stops the previous recorder and begins the next one.
func (s *Scheduler) rotate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	if s.current != nil {
		s.current.Stop()
		s.current = nil
	}

	rec, err := Begin(s.src, s.cfg.Interval, s.cfg.NewEncoder)
	if err != nil {
		return err
	}
	s.current = rec
	s.finalizers.Add(1)
	go s.collect(rec)
	return nil
}

func (s *Scheduler) collect(rec *Recorder) {
	defer s.finalizers.Done()
	ctx := context.Background()

	seg, err := rec.Wait()
	if errors.Is(err, ErrEmptyChunk) {
		s.metrics.ChunksEmpty.Add(ctx, 1)
		slog.Debug("recorder window empty, skipping", "session_id", s.cfg.SessionID)
		return
	}
	if err != nil {
		slog.Error("chunk finalize failed", "session_id", s.cfg.SessionID, "error", err)
		return
	}

	s.emitMu.Lock()
	c := &Chunk{
		SessionID:   s.cfg.SessionID,
		Seq:         s.nextSeq,
		Payload:     seg.Payload,
		ContentType: encoder.ContentType,
		CreatedAt:   time.Now(),
		Duration:    seg.Duration,
		Truncated:   seg.Truncated,
	}
	s.nextSeq++
	s.sink(c)
	s.emitMu.Unlock()

	s.metrics.ChunksProduced.Add(ctx, 1)
	s.metrics.ChunkBytes.Record(ctx, int64(c.Size()))
	slog.Debug("chunk ready", "session_id", c.SessionID, "seq", c.Seq, "bytes", c.Size(), "truncated", c.Truncated)
}
