// Package resilience provides a circuit breaker for calls to an external
// dependency. It fails fast while the dependency is down and never retries.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker state.
type State uint32

const (
	Closed   State = iota // calls pass
	Open                  // calls fail fast
	HalfOpen              // one probe at a time
)

func (s State) String() string {
	return [...]string{"closed", "open", "half-open"}[s]
}

var (
	ErrOpen    = errors.New("circuit breaker open")
	ErrProbing = errors.New("circuit breaker half-open: probe in progress")
)

// Breaker counts consecutive failures and opens after Threshold of them.
// After ResetTimeout it admits a single probe; HalfOpenSuccesses successful
// probes close it again, one failure re-opens it.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	probing       bool
	onStateChange func(from, to State)

	now func() time.Time
}

// New creates a closed breaker.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), now: time.Now}
}

// WithHook registers a callback run on every state change. The callback runs
// with the breaker unlocked.
func (b *Breaker) WithHook(fn func(from, to State)) *Breaker {
	b.mu.Lock()
	b.onStateChange = fn
	b.mu.Unlock()
	return b
}

// Allow reports whether a call may proceed. A nil return obliges the caller to
// report the outcome with Success, Failure or Abandon.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var hook func()
	defer func() {
		b.mu.Unlock()
		if hook != nil {
			hook()
		}
	}()

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		hook = b.transitionLocked(HalfOpen)
		b.probing = true
		return nil
	case HalfOpen:
		if b.probing {
			return ErrProbing
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	var hook func()
	switch b.state {
	case HalfOpen:
		b.probing = false
		b.successes++
		if b.successes >= b.cfg.HalfOpenSuccesses {
			hook = b.transitionLocked(Closed)
		}
	case Closed:
		b.failures = 0
	}
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	var hook func()
	b.failures++
	switch b.state {
	case HalfOpen:
		b.probing = false
		hook = b.transitionLocked(Open)
	case Closed:
		if b.failures >= b.cfg.Threshold {
			hook = b.transitionLocked(Open)
		}
	}
	b.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// Abandon releases an admitted call whose outcome says nothing about the
// dependency, such as one cancelled by the caller.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.probing = false
	}
	b.mu.Unlock()
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transitionLocked changes state and returns the hook invocation to run after
// unlocking, or nil.
func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return nil
	}
	b.state = to
	b.successes = 0
	b.probing = false

	switch to {
	case Closed:
		b.failures = 0
		slog.Info("circuit breaker closed", "name", b.cfg.Name)
	case Open:
		b.openedAt = b.now()
		slog.Warn("circuit breaker opened", "name", b.cfg.Name, "failures", b.failures)
	case HalfOpen:
		slog.Info("circuit breaker half-open", "name", b.cfg.Name)
	}

	if fn := b.onStateChange; fn != nil {
		return func() { fn(from, to) }
	}
	return nil
}
