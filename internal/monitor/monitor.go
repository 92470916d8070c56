package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casafone/voicegate/internal/metrics"
)

// Targets holds the thresholds the rule engine compares against. Detection
// is threshold/ratio based on purpose: an operational signal generator,
// not a modeling subsystem.
type Targets struct {
	// LatencyMs maps a priority class to its end-to-end latency target.
	LatencyMs map[string]float64
	// DefaultLatencyMs applies when a priority class has no entry.
	DefaultLatencyMs float64
	// SatisfactionFloor is the rolling-average score below which a
	// satisfaction_drop alert fires.
	SatisfactionFloor float64
	// SatisfactionWindow is how many scores the rolling average spans.
	SatisfactionWindow int
	// VolumeSpikeRatio fires volume_spike when the current period exceeds
	// ratio × the historical average for the same window key.
	VolumeSpikeRatio float64
	// AnomalyRatio escalates to the anomaly category at a higher ratio.
	AnomalyRatio float64
}

// DefaultTargets returns the rule thresholds used when none are configured.
func DefaultTargets() Targets {
	return Targets{
		LatencyMs:          map[string]float64{},
		DefaultLatencyMs:   180,
		SatisfactionFloor:  3.5,
		SatisfactionWindow: 20,
		VolumeSpikeRatio:   2,
		AnomalyRatio:       4,
	}
}

type record struct {
	kind      string // "latency", "satisfaction", "volume"
	sessionID string
	tenantID  string
	priority  string
	value     float64
	degraded  bool
	windowKey string
	count     float64
}

// Monitor observes pipeline and connection events off the critical path.
// Record* calls enqueue onto a buffered channel consumed by one drain
// goroutine, so monitoring overhead can never violate the latency budget.
// All methods are nil-safe.
type Monitor struct {
	targets Targets
	sink    Sink
	ch      chan record
	done    chan struct{}

	// closed guards the channel: Record* calls may race with Close from
	// sessions that outlive server shutdown, and sending on a closed
	// channel panics.
	mu     sync.RWMutex
	closed bool

	// drain-goroutine state, no locking needed
	satScores  map[string][]float64
	volHistory map[string][]float64
}

// New creates a monitor publishing to sink. Must call Close when done.
func New(targets Targets, sink Sink) *Monitor {
	if sink == nil {
		sink = LogSink{}
	}
	if targets.SatisfactionWindow <= 0 {
		targets.SatisfactionWindow = 20
	}
	if targets.VolumeSpikeRatio <= 0 {
		targets.VolumeSpikeRatio = 2
	}
	m := &Monitor{
		targets:    targets,
		sink:       sink,
		ch:         make(chan record, 256),
		done:       make(chan struct{}),
		satScores:  make(map[string][]float64),
		volHistory: make(map[string][]float64),
	}
	go m.drain()
	return m
}

// RecordLatency compares an end-to-end run latency against the priority
// class target and raises sla_breach on violation. A degraded run always
// breaches: a stage blew its deadline even when cancellation kept the total
// under target, and that must reach the alert sink. Non-blocking.
func (m *Monitor) RecordLatency(sessionID, tenantID, priorityClass string, latencyMs float64, degraded bool) {
	if m == nil {
		return
	}
	m.enqueue(record{kind: "latency", sessionID: sessionID, tenantID: tenantID, priority: priorityClass, value: latencyMs, degraded: degraded})
}

// RecordSatisfaction feeds a caller satisfaction score into the tenant's
// rolling average. Non-blocking.
func (m *Monitor) RecordSatisfaction(sessionID, tenantID string, score float64) {
	if m == nil {
		return
	}
	m.enqueue(record{kind: "satisfaction", sessionID: sessionID, tenantID: tenantID, value: score})
}

// RecordVolume compares a period count against the historical average for
// the same window key (e.g. same hour-of-day). Non-blocking.
func (m *Monitor) RecordVolume(tenantID, windowKey string, count float64) {
	if m == nil {
		return
	}
	m.enqueue(record{kind: "volume", tenantID: tenantID, windowKey: windowKey, count: count})
}

// enqueue drops the record when the buffer is full or the monitor is
// closed, rather than block or panic in a session task.
func (m *Monitor) enqueue(r record) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.ch <- r:
	default:
		metrics.Errors.WithLabelValues("monitor", "buffer_full").Inc()
	}
}

// Close drains pending records and stops the background goroutine. Safe to
// call more than once; Record* calls after Close are no-ops.
func (m *Monitor) Close() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.ch)
	<-m.done
}

func (m *Monitor) drain() {
	defer close(m.done)
	for r := range m.ch {
		switch r.kind {
		case "latency":
			m.checkLatency(r)
		case "satisfaction":
			m.checkSatisfaction(r)
		case "volume":
			m.checkVolume(r)
		}
	}
}

func (m *Monitor) checkLatency(r record) {
	target := m.targets.DefaultLatencyMs
	if t, ok := m.targets.LatencyMs[r.priority]; ok {
		target = t
	}
	breach := target > 0 && r.value > target
	if !breach && !r.degraded {
		return
	}
	sev := SeverityWarning
	if target > 0 && r.value > 2*target {
		sev = SeverityCritical
	}
	m.emit(AlertEvent{
		Category:  CategorySLABreach,
		Severity:  sev,
		SessionID: r.sessionID,
		TenantID:  r.tenantID,
		Value:     r.value,
		Threshold: target,
	})
}

func (m *Monitor) checkSatisfaction(r record) {
	scores := append(m.satScores[r.tenantID], r.value)
	if n := m.targets.SatisfactionWindow; len(scores) > n {
		scores = scores[len(scores)-n:]
	}
	m.satScores[r.tenantID] = scores

	if len(scores) < 3 {
		return
	}
	avg := mean(scores)
	if avg >= m.targets.SatisfactionFloor {
		return
	}
	m.emit(AlertEvent{
		Category:  CategorySatisfactionDrop,
		Severity:  SeverityWarning,
		SessionID: r.sessionID,
		TenantID:  r.tenantID,
		Value:     avg,
		Threshold: m.targets.SatisfactionFloor,
	})
}

func (m *Monitor) checkVolume(r record) {
	key := r.tenantID + "/" + r.windowKey
	hist := m.volHistory[key]

	if len(hist) > 0 {
		avg := mean(hist)
		if avg > 0 && r.count > m.targets.AnomalyRatio*avg && m.targets.AnomalyRatio > 0 {
			m.emit(AlertEvent{
				Category:  CategoryAnomaly,
				Severity:  SeverityCritical,
				TenantID:  r.tenantID,
				Value:     r.count,
				Threshold: m.targets.AnomalyRatio * avg,
			})
		} else if avg > 0 && r.count > m.targets.VolumeSpikeRatio*avg {
			m.emit(AlertEvent{
				Category:  CategoryVolumeSpike,
				Severity:  SeverityWarning,
				TenantID:  r.tenantID,
				Value:     r.count,
				Threshold: m.targets.VolumeSpikeRatio * avg,
			})
		}
	}

	hist = append(hist, r.count)
	if len(hist) > 48 {
		hist = hist[len(hist)-48:]
	}
	m.volHistory[key] = hist
}

func (m *Monitor) emit(ev AlertEvent) {
	ev.ID = uuid.NewString()
	ev.At = time.Now().UTC()
	metrics.Alerts.WithLabelValues(string(ev.Category)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.sink.Publish(ctx, ev); err != nil {
		metrics.Errors.WithLabelValues("monitor", "publish").Inc()
		slog.Warn("alert publish failed", "category", ev.Category, "error", err)
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
