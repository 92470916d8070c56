package prompts

// DefaultSystem seeds the interpret stage when a session supplies no prompt.
const DefaultSystem = "You are a helpful real estate voice agent. Keep responses concise and conversational."

// Scripted fallback lines. A degraded or failed run must still produce a
// caller-visible response; silence past the budget is a defect.
const (
	FallbackProcessing  = "Processing, one moment."
	FallbackRepeat      = "I'm sorry, I didn't catch that. Could you say it again?"
	FallbackUnavailable = "I'm having trouble right now. Let me get back to you in a moment."
)

// ForSession resolves the system prompt for a session.
func ForSession(systemPrompt string) string {
	if systemPrompt != "" {
		return systemPrompt
	}
	return DefaultSystem
}

// OnTimeout is spoken when a stage exceeded its deadline mid-conversation.
func OnTimeout() string { return FallbackProcessing }

// OnFailure is spoken when a stage errored outright.
func OnFailure() string { return FallbackRepeat }
