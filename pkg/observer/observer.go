// Package observer simulates the subject of a visual-field test.
//
// An Observer sits between a session and its display: it sees every
// stimulus the session shows and answers through the session's input, using
// a model of the subject's true thresholds. It drives sessions in dry runs,
// demos and tests without a person in front of the screen.
package observer

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"smarthvf/internal/models"
	"smarthvf/pkg/session"
)

// ThresholdFunc returns the true threshold of the subject at a point. A
// stimulus is seen when its brightness is above the threshold; a threshold
// of 1 or more means the point is blind.
type ThresholdFunc func(p models.FieldPoint) float64

// Uniform is a subject with the same threshold everywhere.
func Uniform(t float64) ThresholdFunc {
	return func(models.FieldPoint) float64 { return t }
}

// Eccentric is a subject whose threshold rises linearly with the distance
// from fixation, starting at base.
func Eccentric(base, slope float64) ThresholdFunc {
	return func(p models.FieldPoint) float64 {
		return math.Min(1, base+slope*p.Position.Distance(models.Vec2{}))
	}
}

// Scotoma makes the disc of radius r around center blind and defers to
// other elsewhere.
func Scotoma(center models.Vec2, r float64, other ThresholdFunc) ThresholdFunc {
	return func(p models.FieldPoint) float64 {
		if p.Position.Distance(center) <= r {
			return 1
		}
		return other(p)
	}
}

// Config describes the simulated subject.
type Config struct {
	// Threshold is the subject's true field; nil means Uniform(0).
	Threshold ThresholdFunc

	// Latency is the reaction time measured from stimulus onset
	Latency time.Duration

	// FalsePositiveRate is the probability of answering a stimulus that
	// was not seen
	FalsePositiveRate float64

	// AbortAfter requests an abort once this many points are finished;
	// 0 never aborts
	AbortAfter int

	// Rand drives the false positives; nil uses a source seeded with 1
	Rand *rand.Rand
}

// Observer implements session.Display and session.InputSource.
type Observer struct {
	cfg   Config
	clock session.Clock
	next  session.Display

	mu            sync.Mutex
	visible       bool
	shownAt       time.Time
	willAnswer    bool
	answered      bool
	completed     int
	presentations int
	answers       int
	retracted     bool
}

var (
	_ session.Display     = (*Observer)(nil)
	_ session.InputSource = (*Observer)(nil)
)

// New returns an observer reading clock. Display commands are forwarded to
// next when it is not nil.
func New(cfg Config, clock session.Clock, next session.Display) *Observer {
	if cfg.Threshold == nil {
		cfg.Threshold = Uniform(0)
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(1))
	}
	return &Observer{cfg: cfg, clock: clock, next: next}
}

// Show notes the stimulus onset and decides whether it will be answered.
func (o *Observer) Show(p models.FieldPoint) {
	o.mu.Lock()
	o.visible = true
	o.shownAt = o.clock.Now()
	o.answered = false
	o.willAnswer = p.Brightness > o.cfg.Threshold(p)
	if !o.willAnswer && o.cfg.FalsePositiveRate > 0 {
		o.willAnswer = o.cfg.Rand.Float64() < o.cfg.FalsePositiveRate
	}
	o.presentations++
	o.mu.Unlock()

	if o.next != nil {
		o.next.Show(p)
	}
}

// Hide forwards the command; the subject may still answer afterwards.
func (o *Observer) Hide(p models.FieldPoint) {
	o.mu.Lock()
	o.visible = false
	o.mu.Unlock()
	if o.next != nil {
		o.next.Hide(p)
	}
}

// RetractAll forwards the command.
func (o *Observer) RetractAll() {
	o.mu.Lock()
	o.visible = false
	o.retracted = true
	o.mu.Unlock()
	if o.next != nil {
		o.next.RetractAll()
	}
}

// PointComplete counts finished points. Use it as the session's
// OnPointComplete hook.
func (o *Observer) PointComplete(int, models.FieldPoint) {
	o.mu.Lock()
	o.completed++
	o.mu.Unlock()
}

// Poll answers the current stimulus once the reaction latency has passed.
func (o *Observer) Poll() session.Input {
	o.mu.Lock()
	defer o.mu.Unlock()

	// a subject holding to abort no longer answers
	if o.cfg.AbortAfter > 0 && o.completed >= o.cfg.AbortAfter {
		return session.Input{Abort: true}
	}
	var in session.Input
	if o.willAnswer && !o.answered && o.clock.Now().Sub(o.shownAt) >= o.cfg.Latency {
		o.answered = true
		o.answers++
		in.Acknowledged = true
	}
	return in
}

// Visible reports whether a stimulus is on screen.
func (o *Observer) Visible() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.visible
}

// Stats is a summary of what the observer went through.
type Stats struct {
	Presentations int
	Answers       int
	Completed     int
	Retracted     bool
}

// Stats returns the counters so far.
func (o *Observer) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		Presentations: o.presentations,
		Answers:       o.answers,
		Completed:     o.completed,
		Retracted:     o.retracted,
	}
}
