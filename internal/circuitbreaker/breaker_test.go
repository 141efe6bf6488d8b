package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(cfg Config) (*Breaker, *fakeClock) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	return New(cfg, WithClock(clk.Now)), clk
}

func TestBreaker_AllowWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(Config{})
	if !b.Allow() {
		t.Fatal("expected closed circuit to allow")
	}
	if b.State() != StateClosed {
		t.Fatalf("expected StateClosed, got %v", b.State())
	}
}

func TestBreaker_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, DefaultFailureThreshold, b.cfg.FailureThreshold)
	assert.Equal(t, DefaultRecoveryTimeout, b.cfg.RecoveryTimeout)
	assert.Equal(t, DefaultSuccessThreshold, b.cfg.SuccessThreshold)
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 5})

	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	if !b.Allow() {
		t.Fatal("should still allow before threshold")
	}

	b.RecordFailure()
	if b.Allow() {
		t.Fatal("should be open after 5 failures")
	}
	if b.State() != StateOpen {
		t.Fatalf("expected StateOpen, got %v", b.State())
	}
}

func TestBreaker_OpenToHalfOpenAfterRecoveryTimeout(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 2, RecoveryTimeout: 30 * time.Second})

	b.RecordFailure()
	b.RecordFailure()
	require.False(t, b.Allow())

	// Exactly the recovery timeout is not enough.
	clk.Advance(30 * time.Second)
	require.False(t, b.Allow())
	require.Equal(t, StateOpen, b.State())

	clk.Advance(time.Millisecond)
	require.True(t, b.Allow(), "elapsed recovery timeout should allow a probe")
	assert.Equal(t, StateHalfOpen, b.State())

	// Half-open keeps allowing attempts until it resolves.
	assert.True(t, b.Allow())
}

func TestBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 3})

	b.RecordFailure()
	clk.Advance(2 * time.Second)
	require.True(t, b.Allow())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())

	failures, successes := b.Counts()
	assert.Zero(t, failures)
	assert.Zero(t, successes)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 3})

	b.RecordFailure()
	clk.Advance(2 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.Allow(), "reopened circuit waits a fresh recovery timeout")
}

func TestBreaker_HalfOpenResetsSuccessCounter(t *testing.T) {
	b, clk := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2})

	b.RecordFailure()
	clk.Advance(2 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()
	b.RecordFailure()

	clk.Advance(2 * time.Second)
	require.True(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State(), "success from the previous probe window must not carry over")
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	if !b.Allow() {
		t.Fatal("success should have reset failure count")
	}
}

func TestBreaker_TransitionCallback(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 1})

	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{}, 1)
	b.OnTransition(func(from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
		done <- struct{}{}
	})

	b.RecordFailure()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{FailureThreshold: 100})
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); b.Allow() }()
		go func() { defer wg.Done(); b.RecordFailure() }()
		go func() { defer wg.Done(); b.RecordSuccess() }()
	}
	wg.Wait()
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateClosed, "CLOSED"},
		{StateOpen, "OPEN"},
		{StateHalfOpen, "HALF_OPEN"},
		{State(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}
