package runner

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// resetThreshold is how long a connection must stay up before a
// subsequent drop resets the backoff interval back to its minimum,
// rather than continuing to grow from where the last attempt left off.
const resetThreshold = 30 * time.Second

// newDefaultBackoff creates the hub-reconnect backoff: 1s to 60s,
// doubling, with +/-20% jitter so many runners reconnecting at once
// don't thunder the hub at the same instant.
func newDefaultBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}
