// Package liveness implements heartbeat-based liveness reporting. Worker
// loops check in as they go around; the collector turns the heartbeats into
// an http.Handler suitable for a kubelet liveness probe.
package liveness

import (
	"net/http"
	"sync"
	"time"
)

// Check is one heartbeat track. CheckIn is meant for a single worker loop;
// IsLive may be called concurrently with CheckIn.
type Check interface {
	// CheckIn records a heartbeat at the current time.
	CheckIn()

	// IsLive reports whether a heartbeat arrived within the tolerance.
	// A zero tolerance means the collector's default.
	IsLive(tolerance time.Duration) bool
}

type heartbeat struct {
	mu               sync.RWMutex
	last             time.Time
	defaultTolerance time.Duration
}

func (h *heartbeat) CheckIn() {
	h.mu.Lock()
	h.last = time.Now()
	h.mu.Unlock()
}

// IsLive reports false until the first CheckIn; a loop that never started is
// not alive.
func (h *heartbeat) IsLive(tolerance time.Duration) bool {
	if tolerance == 0 {
		tolerance = h.defaultTolerance
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	return time.Since(h.last) < tolerance
}

// CheckCollector owns a set of checks and reports live only while every one
// of them is. It doubles as the handler behind /live.
type CheckCollector struct {
	mu               sync.RWMutex
	checks           []Check
	defaultTolerance time.Duration
}

// NewCheckCollector returns a collector whose checks default to the given
// tolerance between heartbeats.
func NewCheckCollector(tolerance time.Duration) *CheckCollector {
	return &CheckCollector{
		defaultTolerance: tolerance,
	}
}

// NewCheck registers and returns a new heartbeat track.
func (c *CheckCollector) NewCheck() Check {
	h := &heartbeat{defaultTolerance: c.defaultTolerance}

	c.mu.Lock()
	c.checks = append(c.checks, h)
	c.mu.Unlock()
	return h
}

// IsLive reports whether every registered check heartbeated within the
// tolerance. A zero tolerance means each check's default.
func (c *CheckCollector) IsLive(tolerance time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, check := range c.checks {
		if !check.IsLive(tolerance) {
			return false
		}
	}
	return true
}

// ServeHTTP answers 200 while live and 503 once any check goes stale.
func (c *CheckCollector) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if !c.IsLive(0) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("stale\n"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("live\n"))
}
