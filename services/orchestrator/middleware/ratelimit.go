// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimit rejects requests with 429 once limiter is exhausted. The
// limiter is shared by every caller. A nil limiter disables the check.
func RateLimit(limiter *rate.Limiter, kill KillSwitch) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || kill.active() {
			c.Next()
			return
		}
		r := limiter.Reserve()
		if !r.OK() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		if delay := r.Delay(); delay > 0 {
			r.Cancel()
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// NewLimiter returns a token bucket allowing rps requests per second with
// the given burst, or nil when rps is not positive.
func NewLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = max(1, int(math.Ceil(rps)))
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// RequestRecorder receives one observation per request. Implemented by
// observability.Metrics.
type RequestRecorder interface {
	RecordRequest(route, method string, code int, latency time.Duration)
}

// Metrics records route, method, status and latency for every request.
func Metrics(rec RequestRecorder, kill KillSwitch) gin.HandlerFunc {
	return func(c *gin.Context) {
		if rec == nil || kill.active() {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		rec.RecordRequest(c.FullPath(), c.Request.Method, c.Writer.Status(), time.Since(start))
	}
}
