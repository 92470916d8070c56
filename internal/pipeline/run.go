package pipeline

import "time"

// RunState tracks one audio chunk's traversal of the pipeline.
type RunState string

const (
	RunReceived     RunState = "received"
	RunTranscribing RunState = "transcribing"
	RunInterpreting RunState = "interpreting"
	RunSynthesizing RunState = "synthesizing"
	RunDelivered    RunState = "delivered"
	RunDegraded     RunState = "degraded"
	RunFailed       RunState = "failed"
)

// StageOutcome is the result of a single stage invocation.
type StageOutcome string

const (
	OutcomeSuccess StageOutcome = "success"
	OutcomeTimeout StageOutcome = "timeout"
	OutcomeError   StageOutcome = "error"
)

// StageSpan records one stage's timing inside a run. End is always ≥ Start;
// stages are strictly sequential per chunk.
type StageSpan struct {
	Stage   string       `json:"stage"`
	Start   time.Time    `json:"start"`
	End     time.Time    `json:"end"`
	Outcome StageOutcome `json:"outcome"`
	Error   string       `json:"error,omitempty"`
}

func (s StageSpan) DurationMs() float64 {
	return float64(s.End.Sub(s.Start).Microseconds()) / 1000
}

// Run is one traversal of an audio chunk through the three stages. Created
// per chunk, destroyed after metrics are emitted; never persisted beyond
// the monitoring window.
type Run struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	TenantID  string      `json:"tenant_id"`
	Seq       uint64      `json:"seq"`
	StartedAt time.Time   `json:"started_at"`
	Spans     []StageSpan `json:"spans"`
	State     RunState    `json:"state"`
	TotalMs   float64     `json:"total_ms"`

	degraded bool
}

func (r *Run) addSpan(stage string, start, end time.Time, outcome StageOutcome, err error) {
	sp := StageSpan{Stage: stage, Start: start, End: end, Outcome: outcome}
	if err != nil {
		sp.Error = err.Error()
	}
	r.Spans = append(r.Spans, sp)
}

// markDegraded flags the run; the final state resolves to RunDegraded
// unless a later failure overrides it.
func (r *Run) markDegraded() { r.degraded = true }

// finish resolves the terminal state. A run that violated any budget is
// never reported as a clean delivery.
func (r *Run) finish(now time.Time, failed bool) {
	r.TotalMs = float64(now.Sub(r.StartedAt).Microseconds()) / 1000
	switch {
	case failed:
		r.State = RunFailed
	case r.degraded:
		r.State = RunDegraded
	default:
		r.State = RunDelivered
	}
}
