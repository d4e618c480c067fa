// Package retry contains code to retry operations.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// TODO(bassosimone): we need to calibrate these parameters.
const (
	initialMean = 0.5
	finalMean   = 8.0
	meanFactor  = 2.0
	stdevFactor = 0.05
)

// Retry retries op until it succeeds, op fails with an error for
// which shouldRetry returns false, the context expires, or we've
// attempted to retry the operation for too much time. In case of
// failure, it returns the last error returned by op, or the context
// error when the context has expired while waiting. The second
// return value is the number of attempts.
func Retry(ctx context.Context, shouldRetry func(error) bool, op func() error) (int, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempts int
	for mean := initialMean; ; mean *= meanFactor {
		attempts++
		err := op()
		if err == nil {
			return attempts, nil
		}
		if mean > finalMean || !shouldRetry(err) {
			return attempts, err
		}
		stdev := stdevFactor * mean
		seconds := rng.NormFloat64()*stdev + mean
		sleepTime := time.Duration(seconds * float64(time.Second))
		timer := time.NewTimer(sleepTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempts, ctx.Err()
		case <-timer.C:
			// FALLTHROUGH
		}
	}
}
