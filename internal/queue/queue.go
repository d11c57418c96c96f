// Package queue throttles chunk dispatch to the classifier: strict FIFO, at
// most one dispatch start per cooldown, and a bounded backlog.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/vorify-live/internal/chunk"
	"github.com/GriffinCanCode/vorify-live/internal/observe"
	"github.com/GriffinCanCode/vorify-live/internal/trace"
)

// Policy decides what a full backlog gives up.
type Policy string

const (
	DropOldest Policy = "drop-oldest"
	DropNewest Policy = "drop-newest"
)

// DispatchFunc performs one classification call. It must return promptly
// once ctx is cancelled. Failures are the func's own business: the queue
// never retries.
type DispatchFunc func(ctx context.Context, c *chunk.Chunk)

// Config configures a Queue.
type Config struct {
	// Cooldown is the minimum spacing between dispatch starts.
	Cooldown time.Duration
	// Capacity bounds the backlog; 0 means unbounded.
	Capacity int
	Overflow Policy
	Metrics  *observe.Metrics
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending    int    `json:"pending"`
	InFlight   int    `json:"in_flight"`
	Dispatched uint64 `json:"dispatched"`
	Dropped    uint64 `json:"dropped"`
}

// Queue holds chunks waiting for dispatch and tracks calls in flight.
type Queue struct {
	cfg      Config
	dispatch DispatchFunc
	metrics  *observe.Metrics

	mu       sync.Mutex
	items    *ring
	inflight map[uint64]context.CancelFunc
	nextCall uint64

	wake  chan struct{}
	calls sync.WaitGroup

	dispatched atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a queue. Call Run to start dispatching.
func New(cfg Config, dispatch DispatchFunc) *Queue {
	if cfg.Overflow == "" {
		cfg.Overflow = DropOldest
	}
	return &Queue{
		cfg:      cfg,
		dispatch: dispatch,
		metrics:  observe.OrDefault(cfg.Metrics),
		items:    newRing(cfg.Capacity),
		inflight: make(map[uint64]context.CancelFunc),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends c to the tail. When the backlog is full the overflow policy
// drops either the head or c itself; Enqueue reports whether c was kept.
func (q *Queue) Enqueue(c *chunk.Chunk) bool {
	ctx := context.Background()

	q.mu.Lock()
	if q.cfg.Capacity > 0 && q.items.len() >= q.cfg.Capacity {
		if q.cfg.Overflow == DropNewest {
			q.mu.Unlock()
			q.recordDrop(ctx, c)
			return false
		}
		old := q.items.pop()
		q.metrics.QueueDepth.Add(ctx, -1)
		q.recordDrop(ctx, old)
	}
	q.items.push(c)
	q.mu.Unlock()

	q.metrics.QueueDepth.Add(ctx, 1)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

func (q *Queue) recordDrop(ctx context.Context, c *chunk.Chunk) {
	q.dropped.Add(1)
	q.metrics.RecordDrop(ctx, string(q.cfg.Overflow))
	slog.Warn("send queue full, dropping chunk",
		"policy", q.cfg.Overflow,
		"session_id", c.SessionID,
		"seq", c.Seq,
		"capacity", q.cfg.Capacity,
	)
}

// Len returns the number of chunks waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.len()
}

// Stats returns current counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending, inflight := q.items.len(), len(q.inflight)
	q.mu.Unlock()
	return Stats{
		Pending:    pending,
		InFlight:   inflight,
		Dispatched: q.dispatched.Load(),
		Dropped:    q.dropped.Load(),
	}
}

// CancelInFlight cancels every outstanding call without waiting for it and
// returns how many were cancelled. Queued chunks are untouched.
func (q *Queue) CancelInFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, cancel := range q.inflight {
		cancel()
	}
	return len(q.inflight)
}

// Run dispatches until ctx is done. Each dispatch starts the cooldown; when it
// expires the next queued chunk goes out at once, or, with nothing queued, the
// next Enqueue dispatches immediately. On return every call still in flight
// has been cancelled and has finished.
func (q *Queue) Run(ctx context.Context) error {
	defer func() {
		q.CancelInFlight()
		q.calls.Wait()
	}()

	cooldown := time.NewTimer(0)
	if !cooldown.Stop() {
		<-cooldown.C
	}
	defer cooldown.Stop()

	for {
		c := q.pop()
		if c == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-q.wake:
				continue
			}
		}

		q.start(ctx, c)

		cooldown.Reset(q.cfg.Cooldown)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cooldown.C:
		}
	}
}

func (q *Queue) pop() *chunk.Chunk {
	q.mu.Lock()
	c := q.items.pop()
	q.mu.Unlock()
	if c != nil {
		q.metrics.QueueDepth.Add(context.Background(), -1)
	}
	return c
}

// start launches one call under its own cancellable context.
func (q *Queue) start(parent context.Context, c *chunk.Chunk) {
	ctx, cancel := context.WithCancel(parent)
	ctx, span := trace.StartSpan(ctx, "classify_chunk")
	span.SetAttr("session_id", c.SessionID)
	span.SetAttr("seq", c.Seq)
	span.SetAttr("bytes", c.Size())

	q.mu.Lock()
	id := q.nextCall
	q.nextCall++
	q.inflight[id] = cancel
	q.mu.Unlock()

	q.dispatched.Add(1)
	q.metrics.Dispatches.Add(ctx, 1)
	q.metrics.InFlight.Add(ctx, 1)
	q.calls.Add(1)

	go func() {
		defer q.calls.Done()
		defer func() {
			q.mu.Lock()
			delete(q.inflight, id)
			q.mu.Unlock()
			cancel()
			q.metrics.InFlight.Add(context.Background(), -1)
			span.End()
			trace.Logger(ctx).Debug("dispatch finished", "span", span)
		}()
		q.dispatch(ctx, c)
	}()
}
