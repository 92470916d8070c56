package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicegate_sessions_active",
		Help: "Currently active voice sessions",
	})

	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_sessions_total",
		Help: "Sessions opened, by tenant",
	}, []string{"tenant"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voicegate_stage_duration_seconds",
		Help:    "Per-stage pipeline latency",
		Buckets: []float64{0.01, 0.025, 0.05, 0.07, 0.1, 0.15, 0.2, 0.3, 0.5, 1.0},
	}, []string{"stage"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicegate_run_duration_seconds",
		Help:    "End-to-end pipeline latency per audio chunk",
		Buckets: []float64{0.05, 0.1, 0.15, 0.18, 0.25, 0.35, 0.5, 1.0, 2.0},
	})

	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_runs_total",
		Help: "Pipeline runs by final state",
	}, []string{"state"})

	StageTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_stage_timeouts_total",
		Help: "Stage invocations cancelled at their deadline",
	}, []string{"stage"})

	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_errors_total",
		Help: "Error counts by component and kind",
	}, []string{"component", "kind"})

	AudioChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_audio_chunks_total",
		Help: "Raw audio chunks received",
	})

	SeqGaps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_sequence_gaps_total",
		Help: "Sequence gaps detected by the framer",
	})

	AdmissionRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_admission_rejected_total",
		Help: "Sessions refused by the admission controller",
	}, []string{"tenant", "reason"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_reconnects_total",
		Help: "Reconnect attempts by channel and outcome",
	}, []string{"channel", "outcome"})

	HeartbeatMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicegate_heartbeat_misses_total",
		Help: "Heartbeats with no pong inside the grace window",
	})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicegate_alerts_total",
		Help: "Alert events emitted by category",
	}, []string{"category"})
)
