package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/plc-bridge/backend/internal/upstream"
)

type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
	StatusFailed   HealthStatus = "failed"
)

// failureThreshold is the number of consecutive setup failures after which
// the upstream is reported as failed rather than degraded.
const failureThreshold = 3

// setupHealth tracks consecutive setup failures. It is owned by the bridge
// loop and needs no locking.
type setupHealth struct {
	failures int
	lastErr  string
	lastFail time.Time
}

func (h *setupHealth) recordSuccess() {
	h.failures = 0
	h.lastErr = ""
}

func (h *setupHealth) recordFailure(err error) {
	h.failures++
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

// recordTermination keeps the failure count but remembers why the session
// went away.
func (h *setupHealth) recordTermination(err error) {
	h.lastErr = err.Error()
	h.lastFail = time.Now()
}

func (h *setupHealth) status() HealthStatus {
	switch {
	case h.failures >= failureThreshold:
		return StatusFailed
	case h.failures > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

// failureKind labels a setup error for metrics.
func failureKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, upstream.ErrConnection):
		return "connection"
	case errors.Is(err, upstream.ErrNotFound):
		return "not_found"
	case errors.Is(err, upstream.ErrSubscription):
		return "subscription"
	}
	return "other"
}
