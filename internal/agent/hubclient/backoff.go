package hubclient

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// newSessionBackoff creates the reconnect backoff: 1s doubling up to
// 60s, no jitter so the retry schedule is predictable on flaky pods.
func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.Reset()
	return b
}
