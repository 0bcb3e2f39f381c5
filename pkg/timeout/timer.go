// Package timeout provides the response window timer of the test session.
package timeout

import "time"

// Clock is a monotonic time source.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock (which carries a monotonic reading).
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Timer is a single-shot countdown. Once expired it keeps reporting expired
// until it is armed again. A Timer is not safe for concurrent use.
type Timer struct {
	clock    Clock
	armedAt  time.Time
	duration time.Duration
	armed    bool
	expired  bool
}

// New creates an unarmed timer reading the given clock.
func New(clock Clock) *Timer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Timer{clock: clock}
}

// Start arms the timer against the current clock reading and clears the
// expired flag.
func (t *Timer) Start(d time.Duration) {
	t.StartAt(t.clock.Now(), d)
}

// StartAt arms the timer as of now. Callers that drive the timer with their
// own timestamps arm it with the same timestamps they poll it with.
func (t *Timer) StartAt(now time.Time, d time.Duration) {
	t.armedAt = now
	t.duration = d
	t.armed = true
	t.expired = false
}

// Poll reports whether at least the armed duration has elapsed at now.
// An unarmed timer never expires.
func (t *Timer) Poll(now time.Time) bool {
	if !t.armed {
		return false
	}
	if !t.expired && now.Sub(t.armedAt) >= t.duration {
		t.expired = true
	}
	return t.expired
}

// Expired returns the flag set by the last Poll.
func (t *Timer) Expired() bool { return t.expired }

// Armed reports whether Start has been called.
func (t *Timer) Armed() bool { return t.armed }

// Stop disarms the timer.
func (t *Timer) Stop() {
	t.armed = false
	t.expired = false
}
