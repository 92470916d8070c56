package monitor

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureSink records every published alert.
type captureSink struct {
	mu     sync.Mutex
	alerts []AlertEvent
}

func (s *captureSink) Publish(_ context.Context, ev AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, ev)
	return nil
}

func (s *captureSink) all() []AlertEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AlertEvent(nil), s.alerts...)
}

func TestLatencyBreach(t *testing.T) {
	sink := &captureSink{}
	m := New(Targets{DefaultLatencyMs: 180, SatisfactionFloor: 3.5}, sink)

	m.RecordLatency("s1", "acme", "standard", 150, false)
	m.RecordLatency("s2", "acme", "standard", 250, false)
	m.Close()

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, CategorySLABreach, alerts[0].Category)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, "s2", alerts[0].SessionID)
	assert.Equal(t, 250.0, alerts[0].Value)
	assert.Equal(t, 180.0, alerts[0].Threshold)
	assert.NotEmpty(t, alerts[0].ID)
}

func TestLatencyBreachCriticalAtDoubleTarget(t *testing.T) {
	sink := &captureSink{}
	m := New(Targets{DefaultLatencyMs: 180}, sink)

	m.RecordLatency("s1", "acme", "standard", 400, false)
	m.Close()

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestLatencyPerPriorityTarget(t *testing.T) {
	sink := &captureSink{}
	m := New(Targets{
		LatencyMs:        map[string]float64{"premium": 100},
		DefaultLatencyMs: 180,
	}, sink)

	m.RecordLatency("s1", "acme", "premium", 150, false)
	m.RecordLatency("s2", "acme", "standard", 150, false)
	m.Close()

	alerts := sink.all()
	require.Len(t, alerts, 1, "only the premium session exceeded its target")
	assert.Equal(t, "s1", alerts[0].SessionID)
}

func TestDegradedRunAlertsUnderTarget(t *testing.T) {
	sink := &captureSink{}
	m := New(DefaultTargets(), sink)

	// A stage deadline was blown but cancellation kept the total under the
	// 180 ms target; the degradation must still reach the sink.
	m.RecordLatency("s1", "acme", "standard", 110, true)
	m.Close()

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, CategorySLABreach, alerts[0].Category)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, 110.0, alerts[0].Value)
	assert.Equal(t, 180.0, alerts[0].Threshold)
}

func TestRecordAfterCloseIsNoOp(t *testing.T) {
	sink := &captureSink{}
	m := New(DefaultTargets(), sink)
	m.Close()

	// Sessions can outlive shutdown; late records must not panic.
	m.RecordLatency("s1", "acme", "standard", 999, true)
	m.RecordSatisfaction("s1", "acme", 1)
	m.RecordVolume("acme", "Mon-14", 1)
	m.Close()

	assert.Empty(t, sink.all())
}

func TestSatisfactionDrop(t *testing.T) {
	sink := &captureSink{}
	m := New(Targets{DefaultLatencyMs: 180, SatisfactionFloor: 3.5, SatisfactionWindow: 20}, sink)

	m.RecordSatisfaction("s1", "acme", 2.0)
	m.RecordSatisfaction("s2", "acme", 2.0)
	m.Close()

	// Fewer than three scores never alerts.
	assert.Empty(t, sink.all())

	sink = &captureSink{}
	m = New(Targets{DefaultLatencyMs: 180, SatisfactionFloor: 3.5, SatisfactionWindow: 20}, sink)
	m.RecordSatisfaction("s1", "acme", 2.0)
	m.RecordSatisfaction("s2", "acme", 2.0)
	m.RecordSatisfaction("s3", "acme", 2.0)
	m.Close()

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, CategorySatisfactionDrop, alerts[0].Category)
	assert.InDelta(t, 2.0, alerts[0].Value, 0.001)
}

func TestSatisfactionHealthyAverage(t *testing.T) {
	sink := &captureSink{}
	m := New(Targets{SatisfactionFloor: 3.5, SatisfactionWindow: 20}, sink)

	for range 10 {
		m.RecordSatisfaction("s", "acme", 4.5)
	}
	m.Close()

	assert.Empty(t, sink.all())
}

func TestVolumeSpike(t *testing.T) {
	sink := &captureSink{}
	m := New(Targets{VolumeSpikeRatio: 2, AnomalyRatio: 4}, sink)

	// Build history: average 100 calls in this window.
	m.RecordVolume("acme", "Mon-14", 100)
	m.RecordVolume("acme", "Mon-14", 100)
	// Triple the average is a spike but not an anomaly.
	m.RecordVolume("acme", "Mon-14", 300)
	m.Close()

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, CategoryVolumeSpike, alerts[0].Category)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
	assert.Equal(t, 300.0, alerts[0].Value)
}

func TestVolumeAnomaly(t *testing.T) {
	sink := &captureSink{}
	m := New(Targets{VolumeSpikeRatio: 2, AnomalyRatio: 4}, sink)

	m.RecordVolume("acme", "Mon-14", 100)
	m.RecordVolume("acme", "Mon-14", 100)
	m.RecordVolume("acme", "Mon-14", 500)
	m.Close()

	alerts := sink.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, CategoryAnomaly, alerts[0].Category)
	assert.Equal(t, SeverityCritical, alerts[0].Severity)
}

func TestVolumeWindowsIsolated(t *testing.T) {
	sink := &captureSink{}
	m := New(Targets{VolumeSpikeRatio: 2, AnomalyRatio: 4}, sink)

	m.RecordVolume("acme", "Mon-14", 100)
	// Different window key: no history yet, so no alert regardless of count.
	m.RecordVolume("acme", "Tue-14", 1000)
	m.Close()

	assert.Empty(t, sink.all())
}

func TestNilMonitorIsNoOp(t *testing.T) {
	var m *Monitor
	m.RecordLatency("s", "t", "p", 999, false)
	m.RecordSatisfaction("s", "t", 1)
	m.RecordVolume("t", "w", 1)
	m.Close()
}

func TestMultiSinkFansOut(t *testing.T) {
	a := &captureSink{}
	b := &captureSink{}
	m := New(Targets{DefaultLatencyMs: 100}, MultiSink{a, b})

	m.RecordLatency("s1", "acme", "standard", 200, false)
	m.Close()

	assert.Len(t, a.all(), 1)
	assert.Len(t, b.all(), 1)
}
