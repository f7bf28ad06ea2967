// Package retry implements exponential backoff with jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Task is a single attempt. It returns retry=true when a failed attempt may be repeated.
type Task func(ctx context.Context) (retry bool, err error)

// ExponentialBackoff retries a task with exponentially growing, jittered intervals.
type ExponentialBackoff struct {
	// MaxAttempts caps the attempts. 0 means unlimited; 1 disables retries.
	MaxAttempts uint64

	// MinInterval defaults to 1/8s.
	MinInterval time.Duration

	// MaxInterval defaults to 30s.
	MaxInterval time.Duration

	// NoJitter removes the default 95%-105% jitter.
	NoJitter bool

	Logger *zerolog.Logger
}

// Start runs task until it succeeds, asks not to be retried, runs out of attempts or ctx ends.
func (e *ExponentialBackoff) Start(ctx context.Context, name string, task Task) error {
	for attempt := uint64(1); ; attempt++ {
		retry, err := task(ctx)
		if err == nil {
			return nil
		}

		interval := e.Interval(ctx, attempt, retry)
		if interval == 0 {
			e.log(zerolog.WarnLevel, name, attempt, err, 0)
			return err
		}
		e.log(zerolog.InfoLevel, name, attempt, err, interval)

		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Interval returns the wait before the next attempt, or 0 when no further attempt should be made.
func (e *ExponentialBackoff) Interval(ctx context.Context, attempt uint64, retry bool) time.Duration {
	switch {
	case !retry,
		attempt == e.MaxAttempts,
		ctx.Err() != nil:
		return 0
	}

	minInterval := e.MinInterval
	if minInterval == 0 {
		minInterval = time.Second / 8
	}
	maxInterval := e.MaxInterval
	if maxInterval == 0 {
		maxInterval = 30 * time.Second
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}

	factor := math.Pow(2, min(
		float64(attempt-1),
		math.Log2(float64(maxInterval)/float64(minInterval)),
	))
	if !e.NoJitter {
		// #nosec G404
		factor *= .95 + .1*rand.Float64()
	}
	return time.Duration(factor * float64(minInterval))
}

func (e *ExponentialBackoff) log(level zerolog.Level, name string, attempt uint64, err error, next time.Duration) {
	if e.Logger == nil {
		return
	}
	ev := e.Logger.WithLevel(level).Str("task", name).Uint64("attempt", attempt).Err(err)
	if next > 0 {
		ev = ev.Dur("retry_in", next)
	}
	ev.Msg("attempt failed")
}
