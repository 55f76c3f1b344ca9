// Copyright (c) 2025 The Ollamagate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ratelimit provides per-client admission control for expensive
// inference requests. Each client key owns a token bucket that refills
// continuously; buckets idle for more than two windows are swept to keep
// memory bounded no matter how many distinct clients appear.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// RESULT
// =============================================================================

// Result is the outcome of one admission check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the number of whole requests still available in the
	// bucket after this check.
	Remaining int

	// RetryAfter is the wait until the next request would be admitted.
	// Zero when Allowed is true.
	RetryAfter time.Duration

	// Reset is when the budget is fully replenished assuming no further
	// requests.
	Reset time.Time
}

// =============================================================================
// STORE
// =============================================================================

// entry pairs a client's bucket with its last use, which drives the sweep.
type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Store tracks one token bucket per client key. It is safe for concurrent
// use. Limits can be changed at runtime via SetLimits; existing buckets are
// rebuilt lazily so a tightened limit applies to the next check.
type Store struct {
	mu          sync.Mutex
	entries     map[string]*entry
	maxRequests int
	window      time.Duration

	stop    chan struct{}
	stopped sync.Once
}

// NewStore creates a store admitting maxRequests per window for each key and
// starts the background sweep. Callers must Close the store when done.
func NewStore(maxRequests int, window time.Duration) *Store {
	s := &Store{
		entries:     make(map[string]*entry),
		maxRequests: maxRequests,
		window:      window,
		stop:        make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// Close stops the background sweep.
func (s *Store) Close() {
	s.stopped.Do(func() { close(s.stop) })
}

// newLimiter builds a bucket that refills maxRequests tokens per window and
// holds at most maxRequests, so a quiet client can burst its full budget.
func newLimiter(maxRequests int, window time.Duration) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(float64(maxRequests)/window.Seconds()), maxRequests)
}

// Check consumes one token from key's bucket if available and reports the
// outcome. The first check for a key creates its bucket full.
func (s *Store) Check(key string) Result {
	now := time.Now()

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &entry{limiter: newLimiter(s.maxRequests, s.window)}
		s.entries[key] = e
	}
	e.lastSeen = now
	limiter := e.limiter
	window := s.window
	s.mu.Unlock()

	if limiter.Allow() {
		remaining := int(limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		return Result{
			Allowed:   true,
			Remaining: remaining,
			Reset:     now.Add(window),
		}
	}

	// Reserve tells us how long until a token frees up; cancel so the
	// probe itself doesn't consume budget.
	res := limiter.Reserve()
	retryAfter := res.Delay()
	res.Cancel()

	return Result{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: retryAfter,
		Reset:      now.Add(window),
	}
}

// SetLimits replaces the admission limits. All existing buckets are dropped
// so every client starts the next check against the new budget.
func (s *Store) SetLimits(maxRequests int, window time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if maxRequests == s.maxRequests && window == s.window {
		return
	}
	s.maxRequests = maxRequests
	s.window = window
	s.entries = make(map[string]*entry)
}

// Limits returns the current admission limits.
func (s *Store) Limits() (int, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRequests, s.window
}

// Reset forgets key's bucket; the next check starts with a full budget.
func (s *Store) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Len returns the number of tracked keys.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// =============================================================================
// SWEEP
// =============================================================================

// sweepLoop periodically removes buckets idle for more than two windows.
func (s *Store) sweepLoop() {
	for {
		s.mu.Lock()
		interval := s.window
		s.mu.Unlock()

		select {
		case <-s.stop:
			return
		case <-time.After(interval):
			s.sweep(time.Now())
		}
	}
}

// sweep drops entries last seen before now minus two windows. An idle bucket
// is full by then, so forgetting it is indistinguishable from keeping it.
func (s *Store) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-2 * s.window)
	for key, e := range s.entries {
		if e.lastSeen.Before(cutoff) {
			delete(s.entries, key)
		}
	}
}
