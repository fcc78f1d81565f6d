package centrifuge

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectStrategy produces the delay before the n-th attempt to
// establish (or re-establish) a connection or subscription.
type reconnectStrategy interface {
	timeBeforeNextAttempt(attempt int) time.Duration
}

// backoffReconnect implements exponential backoff with jitter: the delay
// before attempt n lies in [0.5, 1.5]·min·2^n clamped into [min, max].
type backoffReconnect struct {
	// Factor is the multiplying factor for each increment step.
	Factor float64
	// MinDelay is a minimum value of the reconnect interval.
	MinDelay time.Duration
	// MaxDelay is a maximum value of the reconnect interval.
	MaxDelay time.Duration
}

var defaultBackoffReconnect = &backoffReconnect{
	MinDelay: defaultMinReconnectDelay,
	MaxDelay: defaultMaxReconnectDelay,
	Factor:   2,
}

func (r *backoffReconnect) timeBeforeNextAttempt(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.MinDelay
	b.Multiplier = r.Factor
	b.MaxInterval = r.MaxDelay
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		d = b.NextBackOff()
	}
	if d > r.MaxDelay {
		return r.MaxDelay
	}
	if d < r.MinDelay {
		return r.MinDelay
	}
	return d
}
