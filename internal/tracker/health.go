package tracker

import (
	"sync"
	"time"
)

// HealthStatus describes how process enumeration has been behaving.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// Health is a point-in-time copy of the enumeration health counters.
type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastFailure         time.Time    `json:"lastFailure,omitempty"`
	LastSuccess         time.Time    `json:"lastSuccess,omitempty"`
}

// pollHealth tracks consecutive snapshot failures. The loop writes it; the
// HTTP health endpoint reads it from another goroutine, hence the mutex.
type pollHealth struct {
	mu                sync.Mutex
	threshold         int
	failures          int
	lastErr           string
	lastFail          time.Time
	lastSuccess       time.Time
	lastEmittedStatus HealthStatus
}

func newPollHealth(threshold int) *pollHealth {
	if threshold < 1 {
		threshold = 1
	}
	return &pollHealth{
		threshold:         threshold,
		lastEmittedStatus: StatusHealthy,
	}
}

func (h *pollHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastSuccess = time.Now()
}

func (h *pollHealth) recordFailure(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

// statusLocked computes health status. Caller must hold h.mu.
func (h *pollHealth) statusLocked() HealthStatus {
	switch {
	case h.failures >= h.threshold:
		return StatusFailed
	case h.failures > 0:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// transition reports the status and whether it crossed between healthy and
// failed since the last call that reported a change. Degraded is a quiet
// in-between state: it never triggers a notice on its own.
func (h *pollHealth) transition() (status HealthStatus, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	status = h.statusLocked()
	switch {
	case status == StatusFailed && h.lastEmittedStatus != StatusFailed:
		changed = true
	case status == StatusHealthy && h.lastEmittedStatus == StatusFailed:
		changed = true
	}
	if changed {
		h.lastEmittedStatus = status
	}
	return status, changed
}

func (h *pollHealth) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Health{
		Status:              h.statusLocked(),
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
		LastFailure:         h.lastFail,
		LastSuccess:         h.lastSuccess,
	}
}
