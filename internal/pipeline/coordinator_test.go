package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casafone/voicegate/internal/frame"
	"github.com/casafone/voicegate/internal/monitor"
	"github.com/casafone/voicegate/internal/prompts"
)

// Stage fakes with configurable latency. A delay past the stage deadline
// simulates a slow backend; the fake honors context cancellation the way a
// real HTTP stage would.

type fakeTranscriber struct {
	delay time.Duration
	res   *TranscriptResult
	err   error
	calls int
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, _ []byte) (*TranscriptResult, error) {
	f.calls++
	if err := sleepCtx(ctx, f.delay); err != nil {
		return nil, err
	}
	return f.res, f.err
}

type fakeInterpreter struct {
	delay time.Duration
	res   *IntentResult
	err   error
	calls int
}

func (f *fakeInterpreter) Interpret(ctx context.Context, _ string, _ SessionContext) (*IntentResult, error) {
	f.calls++
	if err := sleepCtx(ctx, f.delay); err != nil {
		return nil, err
	}
	return f.res, f.err
}

type fakeSynthesizer struct {
	delay time.Duration
	audio []byte
	err   error
	calls int
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, _ string) ([]byte, error) {
	f.calls++
	if err := sleepCtx(ctx, f.delay); err != nil {
		return nil, err
	}
	return f.audio, f.err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runRecorder captures finished runs. The coordinator is single-goroutine,
// so no locking.
type runRecorder struct {
	runs []Run
}

func (r *runRecorder) RecordRun(run Run) { r.runs = append(r.runs, run) }

func newTestCoordinator(tr Transcriber, in Interpreter, sy Synthesizer, runs RunSink) *Coordinator {
	return New(Config{
		Transcriber: NewTranscriberRouter(map[string]Transcriber{"fake": tr}, "fake"),
		Interpreter: NewInterpreterRouter(map[string]Interpreter{"fake": in}, "fake"),
		Synthesizer: NewSynthesizerRouter(map[string]Synthesizer{"fake": sy}, "fake"),
		Budget: Budget{
			Transcribe: 80 * time.Millisecond,
			Interpret:  80 * time.Millisecond,
			Synthesize: 80 * time.Millisecond,
			Total:      500 * time.Millisecond,
		},
		SessionID: "sess-1",
		TenantID:  "acme",
		Runs:      runs,
	})
}

func collectEvents(events *[]Event) EventCallback {
	return func(ev Event) { *events = append(*events, ev) }
}

func eventOfType(events []Event, t frame.Type) (Event, bool) {
	for _, ev := range events {
		if ev.Type == t {
			return ev, true
		}
	}
	return Event{}, false
}

func TestProcessDelivered(t *testing.T) {
	tr := &fakeTranscriber{res: &TranscriptResult{Text: "show me listings", IsFinal: true, Confidence: 0.9}}
	in := &fakeInterpreter{res: &IntentResult{Intent: "search_listings", ResponseText: "Here are three homes."}}
	sy := &fakeSynthesizer{audio: []byte{1, 2, 3}}
	rec := &runRecorder{}
	c := newTestCoordinator(tr, in, sy, rec)

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1, Audio: []byte{0}}, collectEvents(&events)))

	transcript, ok := eventOfType(events, frame.TypeTranscript)
	require.True(t, ok)
	assert.Equal(t, "show me listings", transcript.Text)
	assert.False(t, transcript.Partial)

	resp, ok := eventOfType(events, frame.TypeResponse)
	require.True(t, ok)
	assert.Equal(t, "Here are three homes.", resp.Text)
	assert.Equal(t, "search_listings", resp.Intent)
	assert.Equal(t, []byte{1, 2, 3}, resp.Audio)
	assert.False(t, resp.Fallback)

	metricsEv, ok := eventOfType(events, frame.TypeControl)
	require.True(t, ok)
	assert.Equal(t, RunDelivered, metricsEv.RunState)

	require.Len(t, rec.runs, 1)
	run := rec.runs[0]
	assert.Equal(t, RunDelivered, run.State)
	assert.Len(t, run.Spans, 3)
	for _, sp := range run.Spans {
		assert.Equal(t, OutcomeSuccess, sp.Outcome)
	}
}

func TestPartialTranscriptNeverSynthesized(t *testing.T) {
	tr := &fakeTranscriber{res: &TranscriptResult{Text: "show me", IsFinal: false}}
	in := &fakeInterpreter{res: &IntentResult{ResponseText: "never"}}
	sy := &fakeSynthesizer{}
	rec := &runRecorder{}
	c := newTestCoordinator(tr, in, sy, rec)

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))

	transcript, ok := eventOfType(events, frame.TypeTranscript)
	require.True(t, ok)
	assert.True(t, transcript.Partial)

	_, hasResponse := eventOfType(events, frame.TypeResponse)
	assert.False(t, hasResponse)
	assert.Zero(t, in.calls)
	assert.Zero(t, sy.calls)

	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunDelivered, rec.runs[0].State)
}

func TestInterpretTimeoutDegradesWithFallback(t *testing.T) {
	tr := &fakeTranscriber{res: &TranscriptResult{Text: "hello", IsFinal: true}}
	in := &fakeInterpreter{delay: 300 * time.Millisecond, res: &IntentResult{}}
	sy := &fakeSynthesizer{audio: []byte{9}}
	rec := &runRecorder{}
	c := newTestCoordinator(tr, in, sy, rec)

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))

	resp, ok := eventOfType(events, frame.TypeResponse)
	require.True(t, ok)
	assert.True(t, resp.Fallback)
	assert.Equal(t, prompts.OnTimeout(), resp.Text)
	assert.Equal(t, []byte{9}, resp.Audio, "fallback line is still synthesized")

	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunDegraded, rec.runs[0].State)
}

func TestTranscribeErrorFails(t *testing.T) {
	tr := &fakeTranscriber{err: errors.New("backend down")}
	in := &fakeInterpreter{}
	sy := &fakeSynthesizer{audio: []byte{9}}
	rec := &runRecorder{}
	c := newTestCoordinator(tr, in, sy, rec)

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))

	resp, ok := eventOfType(events, frame.TypeResponse)
	require.True(t, ok)
	assert.True(t, resp.Fallback)
	assert.Equal(t, prompts.OnFailure(), resp.Text)
	assert.Zero(t, in.calls)

	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunFailed, rec.runs[0].State)
}

func TestSynthesizeTimeoutDeliversTextOnly(t *testing.T) {
	tr := &fakeTranscriber{res: &TranscriptResult{Text: "hello", IsFinal: true}}
	in := &fakeInterpreter{res: &IntentResult{Intent: "greet", ResponseText: "Hi there."}}
	sy := &fakeSynthesizer{delay: 300 * time.Millisecond}
	rec := &runRecorder{}
	c := newTestCoordinator(tr, in, sy, rec)

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))

	resp, ok := eventOfType(events, frame.TypeResponse)
	require.True(t, ok)
	assert.Equal(t, "Hi there.", resp.Text)
	assert.Nil(t, resp.Audio)

	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunDegraded, rec.runs[0].State)
}

func TestTotalBudgetViolationDegrades(t *testing.T) {
	tr := &fakeTranscriber{delay: 20 * time.Millisecond, res: &TranscriptResult{Text: "hi", IsFinal: true}}
	in := &fakeInterpreter{delay: 20 * time.Millisecond, res: &IntentResult{ResponseText: "ok"}}
	sy := &fakeSynthesizer{delay: 20 * time.Millisecond, audio: []byte{1}}
	rec := &runRecorder{}

	c := New(Config{
		Transcriber: NewTranscriberRouter(map[string]Transcriber{"fake": tr}, "fake"),
		Interpreter: NewInterpreterRouter(map[string]Interpreter{"fake": in}, "fake"),
		Synthesizer: NewSynthesizerRouter(map[string]Synthesizer{"fake": sy}, "fake"),
		Budget: Budget{
			Transcribe: 100 * time.Millisecond,
			Interpret:  100 * time.Millisecond,
			Synthesize: 100 * time.Millisecond,
			Total:      30 * time.Millisecond,
		},
		SessionID: "sess-1",
		TenantID:  "acme",
		Runs:      rec,
	})

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))

	// Every stage met its own deadline, but the end-to-end budget did not.
	require.Len(t, rec.runs, 1)
	assert.Equal(t, RunDegraded, rec.runs[0].State)
}

type alertCapture struct {
	mu     sync.Mutex
	alerts []monitor.AlertEvent
}

func (s *alertCapture) Publish(_ context.Context, ev monitor.AlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, ev)
	return nil
}

func TestInterpretTimeoutRaisesAlertUnderDefaults(t *testing.T) {
	sink := &alertCapture{}
	mon := monitor.New(monitor.DefaultTargets(), sink)

	// Interpret blocks well past its 60 ms deadline. Cancellation keeps the
	// run total under the 180 ms target, but the degraded run must still
	// surface as an sla_breach alert.
	tr := &fakeTranscriber{res: &TranscriptResult{Text: "hi", IsFinal: true}}
	in := &fakeInterpreter{delay: 300 * time.Millisecond, res: &IntentResult{}}
	sy := &fakeSynthesizer{audio: []byte{1}}

	c := New(Config{
		Transcriber: NewTranscriberRouter(map[string]Transcriber{"fake": tr}, "fake"),
		Interpreter: NewInterpreterRouter(map[string]Interpreter{"fake": in}, "fake"),
		Synthesizer: NewSynthesizerRouter(map[string]Synthesizer{"fake": sy}, "fake"),
		Budget:      DefaultBudget(),
		SessionID:   "sess-1",
		TenantID:    "acme",
		Monitor:     mon,
	})

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))
	mon.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.NotEmpty(t, sink.alerts)
	assert.Equal(t, monitor.CategorySLABreach, sink.alerts[0].Category)
	assert.Equal(t, "sess-1", sink.alerts[0].SessionID)
}

func TestDeliveredRunEmitsNoAlert(t *testing.T) {
	sink := &alertCapture{}
	mon := monitor.New(monitor.DefaultTargets(), sink)

	tr := &fakeTranscriber{res: &TranscriptResult{Text: "hi", IsFinal: true}}
	in := &fakeInterpreter{res: &IntentResult{ResponseText: "ok"}}
	sy := &fakeSynthesizer{audio: []byte{1}}

	c := New(Config{
		Transcriber: NewTranscriberRouter(map[string]Transcriber{"fake": tr}, "fake"),
		Interpreter: NewInterpreterRouter(map[string]Interpreter{"fake": in}, "fake"),
		Synthesizer: NewSynthesizerRouter(map[string]Synthesizer{"fake": sy}, "fake"),
		Budget:      DefaultBudget(),
		SessionID:   "sess-1",
		TenantID:    "acme",
		Monitor:     mon,
	})

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))
	mon.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Empty(t, sink.alerts)
}

func TestStaleChunkDropped(t *testing.T) {
	tr := &fakeTranscriber{res: &TranscriptResult{Text: "hi", IsFinal: true}}
	in := &fakeInterpreter{res: &IntentResult{ResponseText: "ok"}}
	sy := &fakeSynthesizer{audio: []byte{1}}
	rec := &runRecorder{}
	c := newTestCoordinator(tr, in, sy, rec)

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 2}, collectEvents(&events)))
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 2}, collectEvents(&events)))
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))

	assert.Len(t, rec.runs, 1, "duplicates and stale chunks never reach the stages")
	assert.Equal(t, 1, tr.calls)
}

func TestConversationTurnsAccumulate(t *testing.T) {
	tr := &fakeTranscriber{res: &TranscriptResult{Text: "first", IsFinal: true}}
	in := &fakeInterpreter{res: &IntentResult{ResponseText: "reply"}}
	sy := &fakeSynthesizer{audio: []byte{1}}
	c := newTestCoordinator(tr, in, sy, nil)

	var events []Event
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 1}, collectEvents(&events)))
	require.NoError(t, c.Process(context.Background(), Chunk{Seq: 2}, collectEvents(&events)))

	assert.Len(t, c.sc.Turns, 2)
	assert.Equal(t, "first", c.sc.Turns[0].User)
	assert.Equal(t, "reply", c.sc.Turns[0].Assistant)
}

func TestOnGapEmitsControlEvent(t *testing.T) {
	c := newTestCoordinator(&fakeTranscriber{}, &fakeInterpreter{}, &fakeSynthesizer{}, nil)

	var events []Event
	c.OnGap(&frame.Gap{Expected: 3, Got: 7}, collectEvents(&events))

	require.Len(t, events, 1)
	assert.Equal(t, frame.TypeControl, events[0].Type)
	assert.Equal(t, uint64(7), events[0].Seq)
	assert.Contains(t, events[0].Text, "expected 3")
}
