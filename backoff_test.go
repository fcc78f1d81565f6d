package centrifuge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffBounds(t *testing.T) {
	strategy := &backoffReconnect{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: 2 * time.Second,
		Factor:   2,
	}
	for attempt := 0; attempt < 10; attempt++ {
		for i := 0; i < 100; i++ {
			d := strategy.timeBeforeNextAttempt(attempt)
			require.GreaterOrEqual(t, d, strategy.MinDelay)
			require.LessOrEqual(t, d, strategy.MaxDelay)
		}
	}
}

func TestBackoffJitter(t *testing.T) {
	strategy := &backoffReconnect{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: time.Hour,
		Factor:   2,
	}
	// With ±50% jitter 100 samples for the same attempt must not all
	// collapse into a single value.
	seen := map[time.Duration]struct{}{}
	for i := 0; i < 100; i++ {
		seen[strategy.timeBeforeNextAttempt(3)] = struct{}{}
	}
	require.Greater(t, len(seen), 1)
}

func TestBackoffGrows(t *testing.T) {
	strategy := &backoffReconnect{
		MinDelay: 100 * time.Millisecond,
		MaxDelay: time.Hour,
		Factor:   2,
	}
	// Jittered delay of attempt n is within [0.5, 1.5]·min·2^n, so the
	// minimum possible delay of a late attempt must exceed the maximum
	// possible delay of a much earlier one.
	early := strategy.timeBeforeNextAttempt(0)
	late := strategy.timeBeforeNextAttempt(5)
	require.Greater(t, late, early)
}

func TestBackoffClampedToMax(t *testing.T) {
	strategy := &backoffReconnect{
		MinDelay: time.Second,
		MaxDelay: 5 * time.Second,
		Factor:   2,
	}
	for i := 0; i < 100; i++ {
		d := strategy.timeBeforeNextAttempt(30)
		require.LessOrEqual(t, d, strategy.MaxDelay)
	}
}
