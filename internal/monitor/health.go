package monitor

import (
	"sync"
	"time"
)

// HealthStatus summarises how a periodic task has been doing.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// cycleHealth counts consecutive failed cycles of a periodic task. One
// failure marks it degraded; threshold failures in a row mark it failed.
// A successful cycle resets the count.
type cycleHealth struct {
	mu        sync.Mutex
	failures  int
	lastErr   string
	lastFail  time.Time
	lastOK    time.Time
	threshold int
}

func newCycleHealth(threshold int) *cycleHealth {
	if threshold < 1 {
		threshold = 1
	}
	return &cycleHealth{threshold: threshold}
}

func (h *cycleHealth) recordSuccess(at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = 0
	h.lastErr = ""
	h.lastOK = at
}

func (h *cycleHealth) recordFailure(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = at
}

// Health is a point-in-time copy of a task's health.
type Health struct {
	Status              HealthStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	LastError           string       `json:"lastError,omitempty"`
	LastSuccess         time.Time    `json:"lastSuccess,omitempty"`
}

func (h *cycleHealth) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	status := StatusHealthy
	switch {
	case h.failures >= h.threshold:
		status = StatusFailed
	case h.failures > 0:
		status = StatusDegraded
	}
	return Health{
		Status:              status,
		ConsecutiveFailures: h.failures,
		LastError:           h.lastErr,
		LastSuccess:         h.lastOK,
	}
}
