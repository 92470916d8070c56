package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/casafone/voicegate/internal/monitor"
	"github.com/casafone/voicegate/internal/pipeline"
)

func TestWriterRecordAfterCloseIsNoOp(t *testing.T) {
	w := NewWriter(nil)
	w.Close()

	// Sessions can outlive shutdown; late writes must not panic.
	w.SessionStarted("s1", "acme", "")
	w.SessionEnded("s1")
	w.RecordRun(pipeline.Run{ID: "r1"})
	assert.NoError(t, w.Publish(context.Background(), monitor.AlertEvent{ID: "a1"}))

	w.Close()
}

func TestNilWriterIsNoOp(t *testing.T) {
	var w *Writer
	w.SessionStarted("s1", "acme", "")
	w.SessionEnded("s1")
	w.RecordRun(pipeline.Run{})
	assert.NoError(t, w.Publish(context.Background(), monitor.AlertEvent{}))
	w.Close()
}
