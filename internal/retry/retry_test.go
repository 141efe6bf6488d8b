package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func failTimes(n int, calls *int) func() error {
	return func() error {
		*calls++
		if *calls <= n {
			return errTransient
		}
		return nil
	}
}

func TestPolicy_Run(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		wantErr   error
		wantCalls int
	}{
		{"first attempt succeeds", 3, 0, nil, 1},
		{"succeeds on last attempt", 3, 2, nil, 3},
		{"attempts exhausted", 3, 5, errTransient, 3},
		{"zero attempts still calls once", 0, 5, errTransient, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Policy{Attempts: tt.attempts, Delay: time.Millisecond}.Run(context.Background(), failTimes(tt.failures, &calls))
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestPolicy_PermanentStops(t *testing.T) {
	rejected := errors.New("rejected")
	var calls int
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return Permanent(rejected)
	})

	assert.Equal(t, rejected, err, "permanent errors come back unwrapped")
	assert.Equal(t, 1, calls)
}

func TestPolicy_PermanentWrappedStops(t *testing.T) {
	rejected := errors.New("rejected")
	var calls int
	err := Poll(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return errors.Join(errTransient, Permanent(rejected))
	})

	assert.Equal(t, rejected, err)
	assert.Equal(t, 1, calls)
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
}

func TestPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	err := Poll(ctx, 10, time.Hour, func() error {
		calls++
		cancel()
		return errTransient
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_BacksOff(t *testing.T) {
	var stamps []time.Time
	err := Do(context.Background(), 3, 20*time.Millisecond, func() error {
		stamps = append(stamps, time.Now())
		return errTransient
	})
	require.ErrorIs(t, err, errTransient)
	require.Len(t, stamps, 3)

	first := stamps[1].Sub(stamps[0])
	second := stamps[2].Sub(stamps[1])
	assert.GreaterOrEqual(t, first, 15*time.Millisecond)
	assert.GreaterOrEqual(t, second, 30*time.Millisecond, "delay doubles")
}

func TestPolicy_Spread(t *testing.T) {
	p := Policy{Jitter: 0.25}
	for i := 0; i < 100; i++ {
		d := p.spread(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, 100*time.Millisecond, Policy{}.spread(100*time.Millisecond))
}
