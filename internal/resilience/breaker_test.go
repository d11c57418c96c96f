package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move the breaker past its reset timeout instantly.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	b := New(cfg)
	b.now = clk.now
	return b, clk
}

func TestBreakerInitialState(t *testing.T) {
	b := New(Config{})
	if b.State() != Closed {
		t.Errorf("initial state = %v, want Closed", b.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 3, ResetTimeout: time.Minute})
	for i := 0; i < 2; i++ {
		b.Failure()
	}
	if b.State() != Closed {
		t.Fatalf("state = %v after 2 failures, want Closed", b.State())
	}
	b.Failure()
	if b.State() != Open {
		t.Errorf("state = %v, want Open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() = %v, want ErrOpen", err)
	}
}

func TestSuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{Threshold: 2, ResetTimeout: time.Minute})
	b.Failure()
	b.Success()
	b.Failure()
	if b.State() != Closed {
		t.Errorf("state = %v, want Closed (failures not consecutive)", b.State())
	}
}

func TestBreakerSingleProbe(t *testing.T) {
	b, clk := newTestBreaker(Config{Threshold: 1, ResetTimeout: time.Second})
	b.Failure()
	clk.advance(2 * time.Second)

	if err := b.Allow(); err != nil {
		t.Fatalf("first Allow() after timeout = %v, want nil", err)
	}
	if b.State() != HalfOpen {
		t.Errorf("state = %v, want HalfOpen", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrProbing) {
		t.Errorf("second Allow() = %v, want ErrProbing", err)
	}

	b.Success()
	if b.State() != Closed {
		t.Errorf("state = %v, want Closed", b.State())
	}
}

func TestBreakerReopensOnProbeFailure(t *testing.T) {
	b, clk := newTestBreaker(Config{Threshold: 1, ResetTimeout: time.Second, HalfOpenSuccesses: 2})
	b.Failure()
	clk.advance(2 * time.Second)
	_ = b.Allow()

	b.Failure()
	if b.State() != Open {
		t.Errorf("state = %v, want Open", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Errorf("Allow() right after reopen = %v, want ErrOpen", err)
	}
}

func TestBreakerAbandonFreesProbe(t *testing.T) {
	b, clk := newTestBreaker(Config{Threshold: 1, ResetTimeout: time.Second})
	b.Failure()
	clk.advance(2 * time.Second)
	_ = b.Allow()

	b.Abandon()
	if b.State() != HalfOpen {
		t.Errorf("state = %v, want HalfOpen", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after abandon = %v, want nil", err)
	}
}

func TestBreakerHook(t *testing.T) {
	b, clk := newTestBreaker(Config{Threshold: 1, ResetTimeout: time.Second})
	var transitions []State
	b.WithHook(func(_, to State) {
		// The hook runs unlocked, so reading state must not deadlock.
		_ = b.State()
		transitions = append(transitions, to)
	})

	b.Failure()
	clk.advance(2 * time.Second)
	_ = b.Allow()
	b.Success()

	want := []State{Open, HalfOpen, Closed}
	if len(transitions) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(transitions), len(want))
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition[%d] = %v, want %v", i, transitions[i], want[i])
		}
	}
}

func TestBreakerConcurrentSafety(t *testing.T) {
	b := New(Config{Threshold: 100, ResetTimeout: time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = b.Allow()
			if i%2 == 0 {
				b.Success()
			} else {
				b.Failure()
			}
		}(i)
	}
	wg.Wait()
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Threshold != DefaultThreshold {
		t.Errorf("Threshold = %d, want %d", cfg.Threshold, DefaultThreshold)
	}
	if cfg.ResetTimeout != DefaultResetTimeout {
		t.Errorf("ResetTimeout = %v, want %v", cfg.ResetTimeout, DefaultResetTimeout)
	}
	if cfg.HalfOpenSuccesses != DefaultHalfOpenSuccesses {
		t.Errorf("HalfOpenSuccesses = %d, want %d", cfg.HalfOpenSuccesses, DefaultHalfOpenSuccesses)
	}
}
