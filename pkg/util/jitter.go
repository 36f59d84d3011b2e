package util

import (
	"math/rand"
	"time"
)

// UniformJitter returns a random duration in [min, max), matching the
// teacher's own backoff-with-jitter style in its dialer helper. If
// max <= min, min is returned unchanged.
func UniformJitter(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}
