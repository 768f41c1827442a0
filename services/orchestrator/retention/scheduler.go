// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retention prunes old audit entries on a schedule.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/services/audit"
)

// =============================================================================
// Retention Scheduler
// =============================================================================

// Config configures the scheduler.
//
// # Fields
//
//   - MaxAge: Entries older than this are pruned. Must be positive.
//   - Interval: How often a sweep runs. Default: 1 hour.
type Config struct {
	MaxAge   time.Duration
	Interval time.Duration
}

// DefaultInterval is used when Config.Interval is zero.
const DefaultInterval = time.Hour

// Result summarizes one sweep.
type Result struct {
	Cutoff    time.Time
	Deleted   int
	StartTime time.Time
	EndTime   time.Time
}

// Duration returns how long the sweep took.
func (r Result) Duration() time.Duration {
	return r.EndTime.Sub(r.StartTime)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now for cutoff computation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// Scheduler runs periodic retention sweeps against an audit.Pruner.
//
// # Description
//
// Start launches a goroutine that sweeps once immediately and then on
// every tick. A failed sweep is logged and the next tick tries again.
// Stop signals the goroutine and waits for an in-flight sweep to finish.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
//
// # Limitations
//
//   - One sweep scans the whole audit keyspace. Fine for retention windows
//     measured in days; not tuned for very large stores.
type Scheduler struct {
	pruner audit.Pruner
	config Config
	now    func() time.Time

	mu      sync.Mutex
	running bool
	done    chan struct{}
	stopped chan struct{}
	last    Result
}

// New creates a scheduler. It does nothing until Start.
//
// # Outputs
//
//   - *Scheduler: Ready to Start.
//   - error: Non-nil if pruner is nil or MaxAge is not positive.
func New(pruner audit.Pruner, cfg Config, opts ...Option) (*Scheduler, error) {
	if pruner == nil {
		return nil, fmt.Errorf("retention requires a sink that supports pruning")
	}
	if cfg.MaxAge <= 0 {
		return nil, fmt.Errorf("retention max age must be positive, got %s", cfg.MaxAge)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Scheduler{pruner: pruner, config: cfg, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start begins background sweeps until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("retention scheduler is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.stopped = make(chan struct{})

	slog.Info("Audit retention scheduler starting",
		"max_age", s.config.MaxAge.String(),
		"interval", s.config.Interval.String(),
	)
	go s.runLoop(ctx, s.done, s.stopped)
	return nil
}

// Stop halts the scheduler and waits for the loop to exit. Safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
	slog.Info("Audit retention scheduler stopped")
}

// RunNow performs one sweep immediately.
func (s *Scheduler) RunNow(ctx context.Context) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	start := s.now()
	result := Result{StartTime: start, Cutoff: start.Add(-s.config.MaxAge)}

	deleted, err := s.pruner.Prune(result.Cutoff)
	result.Deleted = deleted
	result.EndTime = s.now()
	if err != nil {
		return result, fmt.Errorf("retention sweep failed: %w", err)
	}

	s.mu.Lock()
	s.last = result
	s.mu.Unlock()
	return result, nil
}

// Last returns the most recent successful sweep.
func (s *Scheduler) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Scheduler) runLoop(ctx context.Context, done <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	result, err := s.RunNow(ctx)
	if err != nil {
		slog.Error("Audit retention sweep failed", "error", err)
		return
	}
	if result.Deleted > 0 {
		slog.Info("Audit retention sweep completed",
			"deleted", result.Deleted,
			"cutoff", result.Cutoff,
			"duration_ms", result.Duration().Milliseconds(),
		)
	} else {
		slog.Debug("Audit retention sweep completed (nothing expired)")
	}
}
