package pipeline

import "time"

// Budget holds the per-stage and total latency deadlines. The millisecond
// defaults are targets, not physical constraints; every value is
// configurable from the environment.
type Budget struct {
	Transcribe time.Duration
	Interpret  time.Duration
	Synthesize time.Duration
	Total      time.Duration
}

// DefaultBudget returns the design-default stage split: 70/60/50 ms under a
// 180 ms end-to-end target.
func DefaultBudget() Budget {
	return Budget{
		Transcribe: 70 * time.Millisecond,
		Interpret:  60 * time.Millisecond,
		Synthesize: 50 * time.Millisecond,
		Total:      180 * time.Millisecond,
	}
}

func (b Budget) withDefaults() Budget {
	d := DefaultBudget()
	if b.Transcribe <= 0 {
		b.Transcribe = d.Transcribe
	}
	if b.Interpret <= 0 {
		b.Interpret = d.Interpret
	}
	if b.Synthesize <= 0 {
		b.Synthesize = d.Synthesize
	}
	if b.Total <= 0 {
		b.Total = d.Total
	}
	return b
}
