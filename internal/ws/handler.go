package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/casafone/voicegate/internal/admission"
	"github.com/casafone/voicegate/internal/frame"
	"github.com/casafone/voicegate/internal/history"
	"github.com/casafone/voicegate/internal/metrics"
	"github.com/casafone/voicegate/internal/monitor"
	"github.com/casafone/voicegate/internal/pipeline"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16384,
	WriteBufferSize: 16384,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandlerConfig holds the shared backends for all voice sessions.
type HandlerConfig struct {
	Transcriber *pipeline.TranscriberRouter
	Interpreter *pipeline.InterpreterRouter
	Synthesizer *pipeline.SynthesizerRouter
	Budget      pipeline.Budget
	Admission   *admission.Controller
	Monitor     *monitor.Monitor
	History     *history.Writer
}

// Handler serves the voice session channel: one connection per session,
// admission-gated, with a per-session pipeline coordinator.
type Handler struct {
	cfg HandlerConfig
	vol *volumeTracker
}

// NewHandler creates the voice session handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{cfg: cfg, vol: newVolumeTracker(cfg.Monitor)}
}

// Close stops the handler's background volume flushing. Call on shutdown,
// before closing the monitor.
func (h *Handler) Close() {
	h.vol.close()
}

// sessionMetadata is the payload of the first control envelope a client
// sends after the upgrade.
type sessionMetadata struct {
	TenantID      string `json:"tenant_id"`
	PriorityClass string `json:"priority_class"`
	ASREngine     string `json:"asr_engine"`
	IntentEngine  string `json:"intent_engine"`
	TTSEngine     string `json:"tts_engine"`
	Metadata      string `json:"metadata"`
}

// refusal is the structured payload sent when admission rejects a session.
type refusal struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// ServeHTTP upgrades the connection and runs the session. Admission
// rejections are surfaced to the client as a structured refusal envelope
// before the close, never a silent drop.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	meta, err := readMetadata(conn)
	if err != nil {
		slog.Error("read session metadata", "error", err)
		return
	}
	if meta.TenantID == "" {
		meta.TenantID = "default"
	}

	decision := h.cfg.Admission.Admit(meta.TenantID)
	if !decision.Admitted {
		sendRefusal(conn, decision.Reason)
		slog.Info("session refused", "tenant_id", meta.TenantID, "reason", decision.Reason)
		return
	}
	// The session close path is the only releaser, so no slot leaks even on
	// abnormal termination.
	defer h.cfg.Admission.Release(meta.TenantID)

	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.WithLabelValues(meta.TenantID).Inc()
	defer metrics.SessionsActive.Dec()

	h.vol.sessionStarted(meta.TenantID)
	h.cfg.History.SessionStarted(sessionID, meta.TenantID, meta.Metadata)
	defer h.cfg.History.SessionEnded(sessionID)

	h.runSession(r.Context(), conn, sessionID, meta)
}

func (h *Handler) runSession(parent context.Context, conn *websocket.Conn, sessionID string, meta *sessionMetadata) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	slog.Info("session started",
		"session_id", sessionID,
		"tenant_id", meta.TenantID,
		"priority_class", meta.PriorityClass,
		"asr_engine", meta.ASREngine,
		"tts_engine", meta.TTSEngine,
	)

	coord := pipeline.New(pipeline.Config{
		Transcriber:   h.cfg.Transcriber,
		Interpreter:   h.cfg.Interpreter,
		Synthesizer:   h.cfg.Synthesizer,
		ASREngine:     meta.ASREngine,
		IntentEngine:  meta.IntentEngine,
		TTSEngine:     meta.TTSEngine,
		Budget:        h.cfg.Budget,
		SessionID:     sessionID,
		TenantID:      meta.TenantID,
		PriorityClass: meta.PriorityClass,
		Monitor:       h.cfg.Monitor,
		Runs:          h.cfg.History,
	})

	sendEvent := newEventSender(conn)
	h.readFrames(ctx, conn, sessionID, meta, coord, sendEvent)

	slog.Info("session ended", "session_id", sessionID)
}

// readFrames is the session's single processing loop. Chunks run strictly
// in arrival order, so chunk N never starts before N-1 finished.
func (h *Handler) readFrames(ctx context.Context, conn *websocket.Conn, sessionID string, meta *sessionMetadata, coord *pipeline.Coordinator, sendEvent pipeline.EventCallback) {
	var tracker frame.Tracker

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			slog.Info("connection closed", "session_id", sessionID, "error", err)
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			seq, ok := tracker.BinarySeq()
			if !ok {
				// Binary audio with no announcing envelope; no sequence
				// context means no ordering guarantee, drop loudly.
				sendEvent(pipeline.Event{Type: frame.TypeControl, Text: "audio frame without sequence context dropped"})
				continue
			}
			if err := coord.Process(ctx, pipeline.Chunk{Seq: seq, Audio: data}, sendEvent); err != nil {
				slog.Error("process chunk", "session_id", sessionID, "error", err)
				sendEvent(pipeline.Event{Type: frame.TypeControl, Seq: seq, Text: err.Error()})
			}

		case websocket.TextMessage:
			env, derr := frame.Decode(data)
			if derr != nil {
				// One bad frame must not kill the session.
				metrics.Errors.WithLabelValues("ws", "parse").Inc()
				sendEvent(pipeline.Event{Type: frame.TypeControl, Text: derr.Error()})
				continue
			}
			h.handleEnvelope(env, &tracker, meta, sessionID, coord, sendEvent)
		}
	}
}

func (h *Handler) handleEnvelope(env *frame.Envelope, tracker *frame.Tracker, meta *sessionMetadata, sessionID string, coord *pipeline.Coordinator, sendEvent pipeline.EventCallback) {
	gap, err := tracker.Observe(env.Seq)
	if err != nil {
		metrics.Errors.WithLabelValues("ws", "sequence").Inc()
		sendEvent(pipeline.Event{Type: frame.TypeControl, Seq: env.Seq, Text: err.Error()})
		return
	}
	if gap != nil {
		coord.OnGap(gap, sendEvent)
	}

	switch env.Type {
	case frame.TypeAudioChunk:
		tracker.BindBinary(env.Seq)

	case frame.TypePing:
		sendEvent(pipeline.Event{Type: frame.TypePong, Seq: env.Seq})

	case frame.TypeControl:
		var ctl struct {
			Action string  `json:"action"`
			Score  float64 `json:"score"`
		}
		if derr := frame.DecodePayload(env, &ctl); derr != nil {
			sendEvent(pipeline.Event{Type: frame.TypeControl, Seq: env.Seq, Text: derr.Error()})
			return
		}
		if ctl.Action == "satisfaction" {
			h.cfg.Monitor.RecordSatisfaction(sessionID, meta.TenantID, ctl.Score)
		}
	}
}

// newEventSender serializes concurrent writers onto the connection. Audio
// goes out as a native binary frame first, then the structured envelope.
func newEventSender(conn *websocket.Conn) pipeline.EventCallback {
	var mu sync.Mutex
	var seq uint64
	return func(ev pipeline.Event) {
		mu.Lock()
		defer mu.Unlock()

		if ev.Audio != nil {
			if err := conn.WriteMessage(websocket.BinaryMessage, ev.Audio); err != nil {
				slog.Error("write audio", "error", err)
				return
			}
		}

		seq++
		env, err := frame.New(ev.Type, ev, seq)
		if err != nil {
			slog.Error("compose event", "error", err)
			return
		}
		data, err := frame.Encode(env)
		if err != nil {
			slog.Error("encode event", "error", err)
			return
		}
		if err = conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Error("write event", "error", err)
		}
	}
}

// readMetadata consumes the first frame: a control envelope carrying the
// session metadata payload.
func readMetadata(conn *websocket.Conn) (*sessionMetadata, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	env, err := frame.Decode(data)
	if err != nil {
		return nil, err
	}
	var meta sessionMetadata
	if err = frame.DecodePayload(env, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

func sendRefusal(conn *websocket.Conn, reason admission.Reason) {
	env, err := frame.New(frame.TypeControl, refusal{Error: "admission_rejected", Reason: string(reason)}, 1)
	if err != nil {
		return
	}
	data, err := frame.Encode(env)
	if err != nil {
		return
	}
	conn.WriteMessage(websocket.TextMessage, data)
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "admission rejected")
	conn.WriteMessage(websocket.CloseMessage, msg)
}
