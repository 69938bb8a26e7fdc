package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before reconnect attempt number attempt+1, given
// attempt consecutive failed attempts so far.
type Backoff func(attempt int) time.Duration

const (
	minJitter = 1  // seconds
	maxJitter = 30 // seconds
)

// JitterBackoff is the default policy:
//
//	min(max, jitter + 2^(attempt-1) seconds), jitter uniform in [1s, 30s]
//
// Attempt 0 waits jitter + 0.5s.
func JitterBackoff(max time.Duration) Backoff {
	return jitterBackoff(max, func() int { return rand.IntN(maxJitter-minJitter+1) + minJitter })
}

func jitterBackoff(max time.Duration, jitter func() int) Backoff {
	return func(attempt int) time.Duration {
		exp := math.Pow(2, float64(attempt-1))
		secs := float64(jitter()) + exp
		if secs >= max.Seconds() {
			return max
		}
		return time.Duration(secs * float64(time.Second))
	}
}

// ConstantBackoff always waits d.
func ConstantBackoff(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}
