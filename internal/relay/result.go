package relay

import "github.com/nbd-wtf/go-nostr"

// BroadcastResult aggregates per-relay outcomes for a single published event.
// Success metrics are derived, never stored.
type BroadcastResult struct {
	Event           *nostr.Event
	PerRelayOutcome map[string]bool
	PerRelayError   map[string]string
}

// SuccessCount returns the number of relays that accepted the event
func (r *BroadcastResult) SuccessCount() int {
	n := 0
	for _, ok := range r.PerRelayOutcome {
		if ok {
			n++
		}
	}
	return n
}

// AttemptCount returns the number of relays the event was sent to
func (r *BroadcastResult) AttemptCount() int {
	return len(r.PerRelayOutcome)
}

// SuccessRate returns the fraction of relays that accepted the event
func (r *BroadcastResult) SuccessRate() float64 {
	if len(r.PerRelayOutcome) == 0 {
		return 0
	}
	return float64(r.SuccessCount()) / float64(len(r.PerRelayOutcome))
}

// IsSuccessful reports whether at least one relay accepted the event
func (r *BroadcastResult) IsSuccessful() bool {
	return r.SuccessCount() > 0
}

// IsCompleteSuccess reports whether every relay accepted the event
func (r *BroadcastResult) IsCompleteSuccess() bool {
	return len(r.PerRelayOutcome) > 0 && r.SuccessCount() == len(r.PerRelayOutcome)
}
