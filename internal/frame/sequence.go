package frame

import "fmt"

// Gap describes missing sequence numbers in one direction of a session.
// Gaps are reported, never silently accepted; the pipeline decides whether
// to request retransmission or treat the chunks as lost.
type Gap struct {
	Expected uint64
	Got      uint64
}

func (g Gap) Missing() uint64 { return g.Got - g.Expected }

func (g Gap) String() string {
	return fmt.Sprintf("seq gap: expected %d, got %d", g.Expected, g.Got)
}

// Tracker validates the monotonic per-direction sequence counter and carries
// the sequence context for raw binary frames. It is owned by a single
// session goroutine and needs no locking.
type Tracker struct {
	next    uint64
	started bool
	bindSeq uint64
	bound   bool
}

// Observe records a structured envelope's sequence number. It returns a
// non-nil *Gap when numbers were skipped and an error when the counter moved
// backwards (a protocol violation, not a gap).
func (t *Tracker) Observe(seq uint64) (*Gap, error) {
	if !t.started {
		t.started = true
		t.next = seq + 1
		return nil, nil
	}
	switch {
	case seq == t.next:
		t.next = seq + 1
		return nil, nil
	case seq > t.next:
		g := &Gap{Expected: t.next, Got: seq}
		t.next = seq + 1
		return g, nil
	default:
		return nil, &ParseError{Reason: fmt.Sprintf("sequence regressed: got %d, already saw %d", seq, t.next-1)}
	}
}

// BindBinary sets the sequence context for subsequent raw binary frames,
// normally the seq of the audio_chunk envelope announcing them.
func (t *Tracker) BindBinary(seq uint64) {
	t.bindSeq = seq
	t.bound = true
}

// BinarySeq returns the bound sequence context for a raw binary frame.
// The second return is false when no audio_chunk envelope preceded it.
func (t *Tracker) BinarySeq() (uint64, bool) {
	return t.bindSeq, t.bound
}
