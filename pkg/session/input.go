package session

import (
	"sync"
	"time"
)

// Latch is an InputSource fed from other goroutines (a terminal reader,
// a network connection). Edges stay pending until the next Poll.
type Latch struct {
	mu      sync.Mutex
	pending Input
}

// Acknowledge records a "stimulus seen" edge.
func (l *Latch) Acknowledge() {
	l.mu.Lock()
	l.pending.Acknowledged = true
	l.mu.Unlock()
}

// RequestAbort records an abort request.
func (l *Latch) RequestAbort() {
	l.mu.Lock()
	l.pending.Abort = true
	l.mu.Unlock()
}

// Poll returns and clears the pending edges.
func (l *Latch) Poll() Input {
	l.mu.Lock()
	defer l.mu.Unlock()
	in := l.pending
	l.pending = Input{}
	return in
}

// Multi merges several sources; an edge on any of them counts.
type Multi []InputSource

// Poll polls every source once.
func (m Multi) Poll() Input {
	var in Input
	for _, src := range m {
		if src == nil {
			continue
		}
		got := src.Poll()
		in.Acknowledged = in.Acknowledged || got.Acknowledged
		in.Abort = in.Abort || got.Abort
	}
	return in
}

// HoldDetector turns a sampled contact (touch, button) into input edges:
// the start of a contact acknowledges the stimulus, and a contact held for
// longer than AbortHold requests an abort.
type HoldDetector struct {
	AbortHold time.Duration

	down      bool
	pressedAt time.Time
	fired     bool
}

// Update samples the contact at now.
func (h *HoldDetector) Update(now time.Time, touching bool) Input {
	var in Input
	switch {
	case touching && !h.down:
		h.down = true
		h.pressedAt = now
		h.fired = false
		in.Acknowledged = true
	case touching && h.down:
		if !h.fired && now.Sub(h.pressedAt) > h.AbortHold {
			h.fired = true
			in.Abort = true
		}
	case !touching:
		h.down = false
	}
	return in
}

// Held returns how long the current contact has lasted.
func (h *HoldDetector) Held(now time.Time) time.Duration {
	if !h.down {
		return 0
	}
	return now.Sub(h.pressedAt)
}
