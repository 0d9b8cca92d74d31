package retry

import (
	"context"
	"math/rand"
	"time"
)

// Task is executed by Do until it reports done. On every execution it
// receives the attempt number, starting at zero.
type Task func(int) (done bool)

// Retrier executes tasks with randomized exponential backoff between
// attempts.
type Retrier struct {
	// MinSleep is the shortest and initial sleep time to be
	// used during the retry loop.
	MinSleep time.Duration

	// MaxSleep is the longest sleep time to be used during
	// the retry loop.
	MaxSleep time.Duration

	// MaxNumRetries, if greater than zero, limits the number of attempts.
	MaxNumRetries int
}

// Do executes the given Task, retrying while the task returns false.
// It returns (true, false) once the task succeeds, (false, false) after
// the attempt limit and (false, true) when the context is cancelled
// during a backoff sleep.
func (r *Retrier) Do(ctx context.Context, task Task) (success, cancelled bool) {
	if r.MaxSleep < r.MinSleep {
		r.MaxSleep = r.MinSleep
	}
	backoff := r.MinSleep
	for i := 0; ; i++ {
		if r.MaxNumRetries > 0 && i >= r.MaxNumRetries {
			return false, false
		}
		if task(i) {
			return true, false
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return false, true
		}
		backoff = time.Duration(float64(backoff) * (1.75 + 0.5*rand.Float64()))
		if backoff > r.MaxSleep {
			backoff = r.MaxSleep + time.Duration(float64(r.MinSleep)*rand.Float64())
		}
	}
}
