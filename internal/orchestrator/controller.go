package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/GriffinCanCode/vorify-live/internal/audio"
	"github.com/GriffinCanCode/vorify-live/internal/chunk"
	"github.com/GriffinCanCode/vorify-live/internal/classifier"
	"github.com/GriffinCanCode/vorify-live/internal/encoder"
	apperrors "github.com/GriffinCanCode/vorify-live/internal/errors"
	"github.com/GriffinCanCode/vorify-live/internal/observe"
	"github.com/GriffinCanCode/vorify-live/internal/orchestrator/display"
	"github.com/GriffinCanCode/vorify-live/internal/orchestrator/history"
	"github.com/GriffinCanCode/vorify-live/internal/queue"
	"github.com/GriffinCanCode/vorify-live/internal/trace"
)

// Classifier turns one chunk into a verdict.
type Classifier interface {
	Classify(ctx context.Context, c *chunk.Chunk) (classifier.Result, error)
}

// Config configures a Controller.
type Config struct {
	Constraints   audio.Constraints
	ChunkDuration time.Duration
	NewEncoder    encoder.Factory
	Queue         queue.Config
	HistorySize   int
	// TickInterval is the elapsed counter period; zero means one second.
	TickInterval time.Duration
	Metrics      *observe.Metrics
}

type phase int

const (
	phaseIdle phase = iota
	phaseStarting
	phaseRecording
)

// Controller is the recording state machine. It owns the capture session and
// chunk scheduler of the current recording and the long-lived send queue.
type Controller struct {
	cfg        Config
	source     audio.Source
	classifier Classifier
	queue      *queue.Queue
	display    *display.Store
	history    *history.Ring
	metrics    *observe.Metrics

	mu        sync.Mutex
	phase     phase
	sessionID string
	session   *audio.Session
	sched     *chunk.Scheduler
	abort     context.CancelFunc
	tickStop  chan struct{}
	tickDone  chan struct{}
}

// NewController wires a controller. Call Run to start dispatching chunks.
func NewController(cfg Config, src audio.Source, cls Classifier) *Controller {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultHistorySize
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = TickInterval
	}
	if cfg.Queue.Metrics == nil {
		cfg.Queue.Metrics = cfg.Metrics
	}
	c := &Controller{
		cfg:        cfg,
		source:     src,
		classifier: cls,
		display:    display.NewStore(DisplayEventBuffer),
		history:    history.New(cfg.HistorySize),
		metrics:    observe.OrDefault(cfg.Metrics),
	}
	c.queue = queue.New(cfg.Queue, c.dispatch)
	return c
}

// Run drives the send queue until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	return c.queue.Run(ctx)
}

// Start moves Idle to Recording. It is a no-op while recording or starting.
// An acquisition failure leaves the controller Idle and is shown on the display.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != phaseIdle {
		c.mu.Unlock()
		return nil
	}
	id := uuid.NewString()
	sess := audio.NewSession(c.source, c.cfg.Constraints)
	actx, cancel := context.WithCancel(ctx)
	c.phase = phaseStarting
	c.sessionID = id
	c.session = sess
	c.abort = cancel
	c.mu.Unlock()

	ctx, _ = trace.EnsureContext(ctx)
	ctx, span := trace.StartSpan(ctx, "start_recording")
	defer span.End()
	span.SetAttr("session_id", id)
	log := trace.Logger(ctx)

	err := sess.Acquire(actx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != phaseStarting || c.session != sess {
		// Stop ran during acquisition and already released the session.
		sess.Release()
		log.Info("recording start aborted", "session_id", id)
		return apperrors.New(apperrors.InvalidState, "recording stopped before capture started")
	}
	if err != nil {
		c.resetLocked()
		span.SetAttr("error", err.Error())
		log.Warn("capture acquisition failed", "session_id", id, "error", err)
		c.display.Error(err)
		return err
	}

	sched := chunk.NewScheduler(sess, chunk.SchedulerConfig{
		SessionID:  id,
		Interval:   c.cfg.ChunkDuration,
		NewEncoder: c.cfg.NewEncoder,
		Metrics:    c.cfg.Metrics,
	}, func(ch *chunk.Chunk) { c.queue.Enqueue(ch) })
	if err := sched.Start(); err != nil {
		sess.Release()
		c.resetLocked()
		span.SetAttr("error", err.Error())
		log.Error("chunk scheduler start failed", "session_id", id, "error", err)
		c.display.Error(err)
		return err
	}

	c.sched = sched
	c.phase = phaseRecording
	c.tickStop, c.tickDone = make(chan struct{}), make(chan struct{})
	go c.tick(id, sess.Faults(), c.tickStop, c.tickDone)

	c.display.RecordingStarted(id)
	c.metrics.RecordingActive.Add(ctx, 1)
	log.Info("recording started", "session_id", id, "chunk_duration", c.cfg.ChunkDuration)
	return nil
}

// Stop moves Recording to Idle: in-flight classification calls are cancelled,
// the scheduler flushes its truncated chunk into the queue, the device is
// released and the elapsed counter resets. Stop during acquisition aborts it.
// Stop while Idle is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case phaseIdle:
		return
	case phaseStarting:
		sess, abort := c.session, c.abort
		c.resetLocked()
		abort()
		sess.Release()
		return
	}

	id := c.sessionID
	sched, sess := c.sched, c.session
	tickStop, tickDone := c.tickStop, c.tickDone
	c.resetLocked()

	cancelled := c.queue.CancelInFlight()
	sched.Stop()
	sess.Release()
	close(tickStop)
	<-tickDone

	c.display.RecordingStopped()
	c.metrics.RecordingActive.Add(context.Background(), -1)
	trace.Logger(context.Background()).Info("recording stopped",
		"session_id", id,
		"chunks", sched.Emitted(),
		"cancelled_calls", cancelled,
		"pending", c.queue.Len(),
	)
}

// Toggle starts when idle and stops otherwise, like a record button. It
// reports whether the controller is recording afterwards.
func (c *Controller) Toggle(ctx context.Context) (bool, error) {
	c.mu.Lock()
	idle := c.phase == phaseIdle
	c.mu.Unlock()

	if idle {
		if err := c.Start(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	c.Stop()
	return false, nil
}

// Recording reports whether a recording is live. Starting counts as idle.
func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase == phaseRecording
}

// State returns the display snapshot.
func (c *Controller) State() display.State { return c.display.State() }

// Events returns the display event stream.
func (c *Controller) Events() <-chan display.Event { return c.display.Events() }

// History returns recent classification results, oldest first.
func (c *Controller) History(n int) []classifier.Result { return c.history.Recent(n) }

// SessionResults returns the stored results of one recording session.
func (c *Controller) SessionResults(sessionID string) []classifier.Result {
	return c.history.Session(sessionID)
}

// ResultCounts tallies stored results per label.
func (c *Controller) ResultCounts() map[classifier.Label]int { return c.history.Counts() }

// QueueStats returns send queue counters.
func (c *Controller) QueueStats() queue.Stats { return c.queue.Stats() }

func (c *Controller) resetLocked() {
	c.phase = phaseIdle
	c.session = nil
	c.sched = nil
	c.abort = nil
	c.tickStop, c.tickDone = nil, nil
}

// tick advances the elapsed counter and surfaces capture faults of the
// session it was started for.
func (c *Controller) tick(sessionID string, faults <-chan error, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	elapsed := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			elapsed++
			c.display.SetElapsed(elapsed)
		case err := <-faults:
			faults = nil
			trace.Logger(context.Background()).Error("capture fault", "session_id", sessionID, "error", err)
			c.display.Fault(sessionID, err)
		}
	}
}

// dispatch is the queue's DispatchFunc: one classification call per chunk,
// failures reported and never retried.
func (c *Controller) dispatch(ctx context.Context, ch *chunk.Chunk) {
	log := trace.Logger(ctx)
	res, err := c.classifier.Classify(ctx, ch)
	if err != nil {
		if classifier.IsCancelled(err) {
			log.Debug("classification cancelled", "session_id", ch.SessionID, "seq", ch.Seq)
			return
		}
		level := slog.LevelWarn
		if !apperrors.IsTransient(err) {
			// Local failure while preparing the request.
			level = slog.LevelError
		}
		log.Log(ctx, level, "classification failed",
			"session_id", ch.SessionID,
			"seq", ch.Seq,
			"code", apperrors.CodeOf(err).String(),
			"error", err,
		)
		c.display.Failure(ch.SessionID, err)
		return
	}
	c.history.Add(res)
	if !c.display.ApplyResult(res) {
		log.Debug("stale classification ignored", "session_id", res.SessionID, "seq", res.Seq)
	}
}
