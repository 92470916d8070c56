package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/casafone/voicegate/internal/frame"
	"github.com/casafone/voicegate/internal/metrics"
	"github.com/casafone/voicegate/internal/monitor"
	"github.com/casafone/voicegate/internal/prompts"
)

// Chunk is one inbound audio chunk with its sequence context.
type Chunk struct {
	Seq   uint64
	Audio []byte
}

// Event is a coordinator output delivered back through the connection.
type Event struct {
	Type         frame.Type `json:"type"`
	Seq          uint64     `json:"seq"`
	Text         string     `json:"text,omitempty"`
	Intent       string     `json:"intent,omitempty"`
	Partial      bool       `json:"partial,omitempty"`
	Fallback     bool       `json:"fallback,omitempty"`
	RunState     RunState   `json:"run_state,omitempty"`
	TranscribeMs float64    `json:"transcribe_ms,omitempty"`
	InterpretMs  float64    `json:"interpret_ms,omitempty"`
	SynthesizeMs float64    `json:"synthesize_ms,omitempty"`
	TotalMs      float64    `json:"total_ms,omitempty"`
	Audio        []byte     `json:"-"`
}

// EventCallback is invoked for each coordinator event (transcript,
// response, audio, metrics).
type EventCallback func(Event)

// RunSink receives finished runs for the monitoring window. Implementations
// must not block (the history writer buffers internally).
type RunSink interface {
	RecordRun(run Run)
}

// Config holds coordinator configuration for one session.
type Config struct {
	Transcriber *TranscriberRouter
	Interpreter *InterpreterRouter
	Synthesizer *SynthesizerRouter

	ASREngine    string
	IntentEngine string
	TTSEngine    string

	Budget        Budget
	SessionID     string
	TenantID      string
	PriorityClass string

	Monitor *monitor.Monitor
	Runs    RunSink
}

// Coordinator drives each inbound audio chunk through
// transcribe → interpret → synthesize under the session budget and decides
// how to degrade when a stage is slow. One coordinator per session, driven
// by that session's goroutine: chunk N never starts before chunk N-1 has
// been delivered or dropped.
type Coordinator struct {
	cfg     Config
	sc      SessionContext
	lastSeq uint64
	started bool
}

// New creates a coordinator for a single session.
func New(cfg Config) *Coordinator {
	cfg.Budget = cfg.Budget.withDefaults()
	return &Coordinator{
		cfg: cfg,
		sc:  SessionContext{SessionID: cfg.SessionID, TenantID: cfg.TenantID},
	}
}

// OnGap reports a sequence gap from the framer. The chunks are treated as
// lost: the caller gets an explicit control event, never a silent hole.
func (c *Coordinator) OnGap(g *frame.Gap, onEvent EventCallback) {
	metrics.SeqGaps.Inc()
	slog.Warn("sequence gap", "session_id", c.cfg.SessionID, "expected", g.Expected, "got", g.Got)
	onEvent(Event{Type: frame.TypeControl, Seq: g.Got, Text: g.String()})
}

// Process runs one chunk through the pipeline. It never returns without the
// caller having received either a response (possibly a fallback) or an
// explicit failure event.
func (c *Coordinator) Process(ctx context.Context, chunk Chunk, onEvent EventCallback) error {
	if c.started && chunk.Seq <= c.lastSeq {
		// Duplicate or stale chunk after a reconnect replay; drop loudly.
		onEvent(Event{Type: frame.TypeControl, Seq: chunk.Seq, Text: fmt.Sprintf("stale chunk %d dropped", chunk.Seq)})
		return nil
	}
	c.started = true
	c.lastSeq = chunk.Seq
	metrics.AudioChunks.Inc()

	run := &Run{
		ID:        uuid.NewString(),
		SessionID: c.cfg.SessionID,
		TenantID:  c.cfg.TenantID,
		Seq:       chunk.Seq,
		StartedAt: time.Now(),
		State:     RunReceived,
	}

	failed := c.runStages(ctx, chunk, run, onEvent)
	c.deliver(run, failed, onEvent)
	return nil
}

// runStages executes the stage chain, mutating run. Returns true when the
// run failed outright (stage error, not timeout).
func (c *Coordinator) runStages(ctx context.Context, chunk Chunk, run *Run, onEvent EventCallback) bool {
	run.State = RunTranscribing
	tr, outcome := invoke(ctx, c.cfg.Budget.Transcribe, "transcribe", run, func(sctx context.Context) (*TranscriptResult, error) {
		return c.cfg.Transcriber.Transcribe(sctx, chunk.Audio, c.cfg.ASREngine)
	})
	switch outcome {
	case OutcomeTimeout:
		// Never hold a live caller in silence past the budget.
		run.markDegraded()
		c.speakFallback(ctx, run, chunk.Seq, prompts.OnTimeout(), onEvent)
		return false
	case OutcomeError:
		c.speakFallback(ctx, run, chunk.Seq, prompts.OnFailure(), onEvent)
		return true
	}

	if !tr.IsFinal {
		// Speculative low-latency feedback; never triggers synthesis.
		onEvent(Event{Type: frame.TypeTranscript, Seq: chunk.Seq, Text: tr.Text, Partial: true})
		return false
	}
	onEvent(Event{Type: frame.TypeTranscript, Seq: chunk.Seq, Text: tr.Text})

	run.State = RunInterpreting
	in, outcome := invoke(ctx, c.cfg.Budget.Interpret, "interpret", run, func(sctx context.Context) (*IntentResult, error) {
		return c.cfg.Interpreter.Interpret(sctx, tr.Text, c.sc, c.cfg.IntentEngine)
	})
	switch outcome {
	case OutcomeTimeout:
		run.markDegraded()
		c.speakFallback(ctx, run, chunk.Seq, prompts.OnTimeout(), onEvent)
		return false
	case OutcomeError:
		c.speakFallback(ctx, run, chunk.Seq, prompts.OnFailure(), onEvent)
		return true
	}

	c.sc.Turns = append(c.sc.Turns, Turn{User: tr.Text, Assistant: in.ResponseText})

	run.State = RunSynthesizing
	audio, outcome := invoke(ctx, c.cfg.Budget.Synthesize, "synthesize", run, func(sctx context.Context) ([]byte, error) {
		return c.cfg.Synthesizer.Synthesize(sctx, in.ResponseText, c.cfg.TTSEngine)
	})
	switch outcome {
	case OutcomeTimeout:
		// Text still reaches the caller even without audio.
		run.markDegraded()
		onEvent(Event{Type: frame.TypeResponse, Seq: chunk.Seq, Text: in.ResponseText, Intent: in.Intent})
		return false
	case OutcomeError:
		onEvent(Event{Type: frame.TypeResponse, Seq: chunk.Seq, Text: in.ResponseText, Intent: in.Intent})
		return true
	}

	onEvent(Event{Type: frame.TypeResponse, Seq: chunk.Seq, Text: in.ResponseText, Intent: in.Intent, Audio: audio})
	return false
}

// speakFallback substitutes a scripted line, synthesizing it best-effort so
// a failed run still has a caller-visible outcome.
func (c *Coordinator) speakFallback(ctx context.Context, run *Run, seq uint64, line string, onEvent EventCallback) {
	ev := Event{Type: frame.TypeResponse, Seq: seq, Text: line, Fallback: true}
	audio, outcome := invoke(ctx, c.cfg.Budget.Synthesize, "synthesize", run, func(sctx context.Context) ([]byte, error) {
		return c.cfg.Synthesizer.Synthesize(sctx, line, c.cfg.TTSEngine)
	})
	if outcome == OutcomeSuccess {
		ev.Audio = audio
	}
	onEvent(ev)
}

// deliver finalizes the run: terminal state, metrics, monitoring, history.
func (c *Coordinator) deliver(run *Run, failed bool, onEvent EventCallback) {
	now := time.Now()
	if !failed && now.Sub(run.StartedAt) > c.cfg.Budget.Total {
		run.markDegraded()
	}
	run.finish(now, failed)

	metrics.RunDuration.Observe(run.TotalMs / 1000)
	metrics.RunsTotal.WithLabelValues(string(run.State)).Inc()

	c.cfg.Monitor.RecordLatency(c.cfg.SessionID, c.cfg.TenantID, c.cfg.PriorityClass, run.TotalMs, run.State != RunDelivered)
	if c.cfg.Runs != nil {
		c.cfg.Runs.RecordRun(*run)
	}

	slog.Info("run finished",
		"session_id", c.cfg.SessionID,
		"seq", run.Seq,
		"state", run.State,
		"total_ms", run.TotalMs,
	)
	onEvent(c.metricsEvent(run))
}

func (c *Coordinator) metricsEvent(run *Run) Event {
	ev := Event{Type: frame.TypeControl, Seq: run.Seq, RunState: run.State, TotalMs: run.TotalMs}
	for _, sp := range run.Spans {
		switch sp.Stage {
		case "transcribe":
			ev.TranscribeMs = sp.DurationMs()
		case "interpret":
			ev.InterpretMs = sp.DurationMs()
		case "synthesize":
			ev.SynthesizeMs = sp.DurationMs()
		}
	}
	return ev
}

// invoke runs one stage under its deadline. Exceeding the deadline cancels
// the invocation best-effort: the stage call is not guaranteed to stop
// working, but its result is discarded.
func invoke[T any](ctx context.Context, deadline time.Duration, stage string, run *Run, fn func(context.Context) (T, error)) (T, StageOutcome) {
	start := time.Now()
	sctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(sctx)
		ch <- result{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-ch:
		end := time.Now()
		metrics.StageDuration.WithLabelValues(stage).Observe(end.Sub(start).Seconds())
		if r.err != nil {
			if sctx.Err() == context.DeadlineExceeded {
				metrics.StageTimeouts.WithLabelValues(stage).Inc()
				run.addSpan(stage, start, end, OutcomeTimeout, r.err)
				return zero, OutcomeTimeout
			}
			metrics.Errors.WithLabelValues("pipeline", stage).Inc()
			run.addSpan(stage, start, end, OutcomeError, r.err)
			return zero, OutcomeError
		}
		run.addSpan(stage, start, end, OutcomeSuccess, nil)
		return r.val, OutcomeSuccess
	case <-sctx.Done():
		end := time.Now()
		metrics.StageDuration.WithLabelValues(stage).Observe(end.Sub(start).Seconds())
		metrics.StageTimeouts.WithLabelValues(stage).Inc()
		run.addSpan(stage, start, end, OutcomeTimeout, sctx.Err())
		return zero, OutcomeTimeout
	}
}
