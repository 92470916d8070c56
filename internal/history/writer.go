package history

import (
	"context"
	"log/slog"
	"sync"

	"github.com/casafone/voicegate/internal/monitor"
	"github.com/casafone/voicegate/internal/pipeline"
)

type writeMsg struct {
	kind string // "session_start", "session_end", "run", "alert"

	sessionID string
	tenantID  string
	metadata  string
	run       pipeline.Run
	alert     monitor.AlertEvent
}

// Writer persists history asynchronously via a buffered channel so database
// latency never touches the session critical path. All methods are nil-safe
// (no-op on nil receiver). It satisfies pipeline.RunSink and monitor.Sink.
type Writer struct {
	store *Store
	ch    chan writeMsg
	done  chan struct{}

	// closed guards the channel: sessions can outlive server shutdown and
	// still record runs, and sending on a closed channel panics.
	mu     sync.RWMutex
	closed bool
}

// NewWriter creates a writer over the store. Must call Close when done.
func NewWriter(store *Store) *Writer {
	w := &Writer{
		store: store,
		ch:    make(chan writeMsg, 128),
		done:  make(chan struct{}),
	}
	go w.drain()
	return w
}

func (w *Writer) drain() {
	defer close(w.done)
	for msg := range w.ch {
		w.handle(msg)
	}
}

func (w *Writer) handle(m writeMsg) {
	var err error
	switch m.kind {
	case "session_start":
		err = w.store.CreateSession(m.sessionID, m.tenantID, m.metadata)
	case "session_end":
		err = w.store.EndSession(m.sessionID)
	case "run":
		err = w.store.InsertRun(m.run)
	case "alert":
		err = w.store.InsertAlert(m.alert)
	}
	if err != nil {
		slog.Warn("history write failed", "kind", m.kind, "error", err)
	}
}

// SessionStarted records a new session.
func (w *Writer) SessionStarted(sessionID, tenantID, metadata string) {
	if w == nil {
		return
	}
	w.enqueue(writeMsg{kind: "session_start", sessionID: sessionID, tenantID: tenantID, metadata: metadata})
}

// SessionEnded marks a session finished.
func (w *Writer) SessionEnded(sessionID string) {
	if w == nil {
		return
	}
	w.enqueue(writeMsg{kind: "session_end", sessionID: sessionID})
}

// RecordRun implements pipeline.RunSink.
func (w *Writer) RecordRun(run pipeline.Run) {
	if w == nil {
		return
	}
	w.enqueue(writeMsg{kind: "run", run: run})
}

// Publish implements monitor.Sink, persisting every alert.
func (w *Writer) Publish(_ context.Context, ev monitor.AlertEvent) error {
	if w == nil {
		return nil
	}
	w.enqueue(writeMsg{kind: "alert", alert: ev})
	return nil
}

// enqueue drops on overflow or after Close; history is an observability
// window, not a durability guarantee.
func (w *Writer) enqueue(m writeMsg) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.ch <- m:
	default:
		slog.Warn("history buffer full, dropping", "kind", m.kind)
	}
}

// Close drains pending writes and stops the background goroutine. Safe to
// call more than once; writes after Close are no-ops.
func (w *Writer) Close() {
	if w == nil {
		return
	}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	close(w.ch)
	<-w.done
}
