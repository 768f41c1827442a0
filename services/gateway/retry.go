// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"context"
	"math/rand/v2"
	"time"
)

// Sleeper blocks for d or until ctx is done. Tests replace it to record
// backoff delays without waiting.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryResult describes one logical call's attempt loop.
type retryResult struct {
	Attempts int
	LastErr  *GatewayError
}

// retryFunc performs one attempt.
type retryFunc func(ctx context.Context, attempt int) *GatewayError

// retryLoop runs fn up to maxAttempts times. Only retryable failures are
// retried; a non-retryable failure returns immediately. Backoff waits are
// blocking.
func (g *Gateway) retryLoop(ctx context.Context, maxAttempts int, fn retryFunc) retryResult {
	var result retryResult
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		gerr := fn(ctx, attempt)
		if gerr == nil {
			result.LastErr = nil
			return result
		}
		result.LastErr = gerr

		if !gerr.Retryable() || attempt == maxAttempts {
			return result
		}

		if err := g.sleep(ctx, g.backoffFor(attempt)); err != nil {
			result.LastErr = classify(err)
			return result
		}
	}
	return result
}

// backoffFor returns the wait after the given failed attempt:
// min(base * 2^(attempt-1), max), scaled by a uniform jitter factor in
// [1-j, 1+j].
func (g *Gateway) backoffFor(attempt int) time.Duration {
	delay := nextBackoff(g.cfg.RetryBaseDelay, attempt, g.cfg.RetryMaxDelay)
	return applyJitter(delay, g.cfg.RetryJitter, g.random)
}

func nextBackoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

func applyJitter(d time.Duration, jitter float64, random func() float64) time.Duration {
	if jitter <= 0 || d <= 0 {
		return d
	}
	if random == nil {
		random = rand.Float64
	}
	factor := 1.0 + (random()*2-1)*jitter
	return time.Duration(float64(d) * factor)
}
