package admission

import (
	"sync"
	"time"

	"github.com/casafone/voicegate/internal/metrics"
)

// Reason explains why a session was refused.
type Reason string

const (
	ReasonConcurrencyLimit Reason = "concurrency_limit"
	ReasonRateLimit        Reason = "rate_limit"
)

// Decision is the typed result of an Admit call. Refusals are surfaced to the
// client as a structured envelope, never a silent drop.
type Decision struct {
	Admitted bool
	Reason   Reason
}

// Limits configures a tenant's ceilings. Zero values fall back to the
// controller defaults.
type Limits struct {
	MaxConcurrent int `json:"max_concurrent"`
	MaxPerWindow  int `json:"max_per_window"`
}

// quota is the per-tenant admission state. Mutated only under the
// controller's lock.
type quota struct {
	current     int
	limits      Limits
	windowStart time.Time
	windowCount int
}

// Controller enforces per-tenant concurrency and request-rate ceilings.
// Rate tracking is a fixed window with periodic reset: the guarantee is
// "no more than approximately N requests per window", not hard precision.
type Controller struct {
	mu       sync.Mutex
	tenants  map[string]*quota
	defaults Limits
	window   time.Duration
	now      func() time.Time
}

// NewController creates a controller with default limits applied to tenants
// that have no explicit quota.
func NewController(defaults Limits, window time.Duration) *Controller {
	if window <= 0 {
		window = time.Minute
	}
	return &Controller{
		tenants:  make(map[string]*quota),
		defaults: defaults,
		window:   window,
		now:      time.Now,
	}
}

// SetLimits installs or replaces a tenant's limits. An in-flight session
// count is preserved; a lowered ceiling only affects new admissions.
func (c *Controller) SetLimits(tenantID string, l Limits) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.tenant(tenantID)
	q.limits = l
}

// GetLimits returns the effective limits for a tenant.
func (c *Controller) GetLimits(tenantID string) Limits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effective(c.tenant(tenantID))
}

// Admit grants or refuses a concurrency/rate slot for a new session.
// On success the concurrent count is incremented and the request recorded;
// the caller must pair every successful Admit with exactly one Release.
func (c *Controller) Admit(tenantID string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.tenant(tenantID)
	lim := c.effective(q)
	now := c.now()

	if now.Sub(q.windowStart) >= c.window {
		q.windowStart = now
		q.windowCount = 0
	}

	if q.current >= lim.MaxConcurrent {
		metrics.AdmissionRejected.WithLabelValues(tenantID, string(ReasonConcurrencyLimit)).Inc()
		return Decision{Reason: ReasonConcurrencyLimit}
	}
	if q.windowCount >= lim.MaxPerWindow {
		metrics.AdmissionRejected.WithLabelValues(tenantID, string(ReasonRateLimit)).Inc()
		return Decision{Reason: ReasonRateLimit}
	}

	q.current++
	q.windowCount++
	return Decision{Admitted: true}
}

// Release returns a tenant's slot. The session close path is the only
// caller, so the count never goes negative in practice; it is clamped anyway.
func (c *Controller) Release(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.tenant(tenantID)
	if q.current > 0 {
		q.current--
	}
}

// Concurrent reports a tenant's current concurrent session count.
// Read-only use by the monitor for capacity alerts.
func (c *Controller) Concurrent(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tenant(tenantID).current
}

// Snapshot returns tenant id → current concurrent sessions for all tenants
// seen so far.
func (c *Controller) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.tenants))
	for id, q := range c.tenants {
		out[id] = q.current
	}
	return out
}

func (c *Controller) tenant(id string) *quota {
	q, ok := c.tenants[id]
	if !ok {
		q = &quota{windowStart: c.now()}
		c.tenants[id] = q
	}
	return q
}

func (c *Controller) effective(q *quota) Limits {
	lim := q.limits
	if lim.MaxConcurrent <= 0 {
		lim.MaxConcurrent = c.defaults.MaxConcurrent
	}
	if lim.MaxPerWindow <= 0 {
		lim.MaxPerWindow = c.defaults.MaxPerWindow
	}
	return lim
}
