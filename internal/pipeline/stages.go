package pipeline

import "context"

// TranscriptResult holds the output of the transcribe stage.
type TranscriptResult struct {
	Text       string  `json:"text"`
	IsFinal    bool    `json:"is_final"`
	Confidence float64 `json:"confidence"`
}

// IntentResult holds the output of the interpret stage.
type IntentResult struct {
	Intent       string `json:"intent"`
	ResponseText string `json:"response_text"`
}

// Turn is one user→assistant exchange kept for multi-turn context.
type Turn struct {
	User      string
	Assistant string
}

// SessionContext is passed to the interpret stage. The coordinator owns it;
// stages read it, never mutate it.
type SessionContext struct {
	SessionID string
	TenantID  string
	Turns     []Turn
}

// Transcriber produces transcriptions from an audio chunk. Opaque async
// call with no guaranteed latency; the coordinator treats it as untrusted
// with respect to timing.
type Transcriber interface {
	Transcribe(ctx context.Context, audioChunk []byte) (*TranscriptResult, error)
}

// Interpreter turns a final transcript into an intent and response text.
// Context enrichment (CRM/MLS/calendar lookups) happens inside the stage;
// a timeout there looks identical to any other stage timeout.
type Interpreter interface {
	Interpret(ctx context.Context, text string, sc SessionContext) (*IntentResult, error)
}

// Synthesizer produces audio for a response text.
type Synthesizer interface {
	Synthesize(ctx context.Context, responseText string) ([]byte, error)
}
