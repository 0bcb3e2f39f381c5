// Package session runs the ramp-down staircase of one visual-field test.
//
// A Session is an explicit state machine. It never sleeps or blocks: a
// driver calls Tick once per frame with the current time and the input
// edges sampled for that frame, and the session advances as far as the
// elapsed time allows. The three waits of the protocol (presentation hold,
// response window, inter-trial delay) are predicates over that time.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"smarthvf/internal/logging"
	"smarthvf/internal/models"
	"smarthvf/pkg/config"
	"smarthvf/pkg/field"
	"smarthvf/pkg/timeout"
)

// ErrInvalidConfig is wrapped by every construction error.
var ErrInvalidConfig = errors.New("invalid session configuration")

// State is the externally visible session state.
type State int

const (
	Idle State = iota
	Running
	Completed
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Aborted
}

// Phase is the sub-state of a running session.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseStartDelay
	PhasePresenting
	PhaseAwaiting
	PhaseInterTrial
)

func (p Phase) String() string {
	switch p {
	case PhaseStartDelay:
		return "start-delay"
	case PhasePresenting:
		return "presenting"
	case PhaseAwaiting:
		return "awaiting"
	case PhaseInterTrial:
		return "inter-trial"
	default:
		return "none"
	}
}

// Display renders stimuli. Calls are synchronous commands.
type Display interface {
	Show(p models.FieldPoint)
	Hide(p models.FieldPoint)
	RetractAll()
}

// Clock is the monotonic time source of the session.
type Clock = timeout.Clock

// Input carries the edges sampled during one driver tick.
type Input struct {
	Acknowledged bool
	Abort        bool
}

// InputSource is polled once per tick. Poll consumes the pending edges.
type InputSource interface {
	Poll() Input
}

// SeenPolicy selects what an acknowledged presentation does.
type SeenPolicy int

const (
	// DimOnSeen lowers the brightness by DimStep and presents the same point again.
	DimOnSeen SeenPolicy = iota
	// StopOnSeen keeps the brightness and advances to the next point.
	StopOnSeen
)

func (p SeenPolicy) String() string {
	if p == StopOnSeen {
		return config.SeenPolicyStop
	}
	return config.SeenPolicyDim
}

// Config is the protocol timing and policy of a session.
type Config struct {
	PresentationHold time.Duration
	ResponseTimeout  time.Duration
	InterTrialDelay  time.Duration
	StartDelay       time.Duration
	DimStep          float64
	Policy           SeenPolicy
}

// ConfigFrom extracts the session section of the application config.
func ConfigFrom(c *config.Config) (Config, error) {
	cfg := Config{
		PresentationHold: c.Session.PresentationHold,
		ResponseTimeout:  c.Session.ResponseTimeout,
		InterTrialDelay:  c.Session.InterTrialDelay,
		StartDelay:       c.Session.StartDelay,
		DimStep:          c.Session.DimStep,
	}
	switch c.Session.SeenPolicy {
	case config.SeenPolicyDim, "":
		cfg.Policy = DimOnSeen
	case config.SeenPolicyStop:
		cfg.Policy = StopOnSeen
	default:
		return cfg, fmt.Errorf("%w: unknown seen policy %q", ErrInvalidConfig, c.Session.SeenPolicy)
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch {
	case c.PresentationHold <= 0:
		return fmt.Errorf("%w: presentation hold must be positive", ErrInvalidConfig)
	case c.ResponseTimeout <= 0:
		return fmt.Errorf("%w: response timeout must be positive", ErrInvalidConfig)
	case c.InterTrialDelay < 0:
		return fmt.Errorf("%w: inter-trial delay must not be negative", ErrInvalidConfig)
	case c.StartDelay < 0:
		return fmt.Errorf("%w: start delay must not be negative", ErrInvalidConfig)
	case c.DimStep <= 0 || c.DimStep > 1:
		return fmt.Errorf("%w: dim step %g must be in (0, 1]", ErrInvalidConfig, c.DimStep)
	case c.Policy != DimOnSeen && c.Policy != StopOnSeen:
		return fmt.Errorf("%w: unknown seen policy %d", ErrInvalidConfig, int(c.Policy))
	}
	return nil
}

// Params are the collaborators and data of one session.
type Params struct {
	// Layout is the field to test. The session works on its own copy.
	Layout *field.Layout

	// Order is the presentation order, a permutation of the point indices.
	Order []int

	Display Display
	Clock   Clock
	Config  Config

	// OnPointComplete, if set, is called once for every finished point
	// with its index in Layout.Points and its threshold.
	OnPointComplete func(index int, p models.FieldPoint)
}

// Session is one run of the staircase across all field points. It must be
// driven from a single goroutine.
type Session struct {
	cfg     Config
	display Display
	clock   Clock
	layout  *field.Layout
	points  []models.FieldPoint
	order   []int
	onPoint func(int, models.FieldPoint)

	state      State
	phase      Phase
	phaseStart time.Time
	startTime  time.Time
	duration   time.Duration
	timer      *timeout.Timer

	pos             int     // index into order
	pointBrightness float64 // brightness of the current point when it was first presented
	pointDone       bool    // current point has its threshold; advance after inter-trial
	done            []bool
	completed       int

	// owned input flags, cleared only after they are consumed
	seen  bool
	abort bool

	retractOnce sync.Once
	closeOnce   sync.Once
}

// New validates the parameters and returns an idle session.
func New(p Params) (*Session, error) {
	if p.Layout == nil || len(p.Layout.Points) == 0 {
		return nil, fmt.Errorf("%w: empty stimulus field", ErrInvalidConfig)
	}
	if !p.Layout.Laterality.Valid() {
		return nil, fmt.Errorf("%w: invalid laterality %v", ErrInvalidConfig, p.Layout.Laterality)
	}
	if p.Display == nil {
		return nil, fmt.Errorf("%w: display is required", ErrInvalidConfig)
	}
	if p.Clock == nil {
		return nil, fmt.Errorf("%w: clock is required", ErrInvalidConfig)
	}
	if err := p.Config.validate(); err != nil {
		return nil, err
	}
	layout := p.Layout.Clone()
	order := p.Order
	if order == nil {
		order = field.Shuffle(len(layout.Points), nil)
	}
	if !field.IsPermutation(order, len(layout.Points)) {
		return nil, fmt.Errorf("%w: presentation order is not a permutation of %d points", ErrInvalidConfig, len(layout.Points))
	}

	return &Session{
		cfg:     p.Config,
		display: p.Display,
		clock:   p.Clock,
		layout:  layout,
		points:  layout.Points,
		order:   append([]int(nil), order...),
		onPoint: p.OnPointComplete,
		state:   Idle,
		timer:   timeout.New(p.Clock),
		done:    make([]bool, len(layout.Points)),
	}, nil
}

// Start begins the run at now. Starting a session twice is an error.
func (s *Session) Start(now time.Time) error {
	if s.state != Idle {
		return fmt.Errorf("session already %v", s.state)
	}
	s.state = Running
	s.startTime = now
	s.seen = false
	s.abort = false
	logging.Logger().Info("session started",
		"laterality", s.layout.Laterality.String(),
		"points", len(s.points),
		"policy", s.cfg.Policy.String())
	if s.cfg.StartDelay > 0 {
		s.phase = PhaseStartDelay
		s.phaseStart = now
		return nil
	}
	s.present(now)
	return nil
}

// Tick latches the input edges and advances the state machine up to now.
// It returns the resulting state. Ticking a session that is not running
// has no effect.
func (s *Session) Tick(now time.Time, in Input) State {
	if s.state != Running {
		return s.state
	}
	if in.Acknowledged {
		s.seen = true
	}
	if in.Abort {
		s.abort = true
	}
	s.advance(now)
	return s.state
}

// advance runs transitions until one has to wait for time or input.
func (s *Session) advance(now time.Time) {
	for s.state == Running {
		switch s.phase {
		case PhaseStartDelay:
			if now.Sub(s.phaseStart) < s.cfg.StartDelay {
				return
			}
			s.present(now)

		case PhasePresenting:
			if now.Sub(s.phaseStart) < s.cfg.PresentationHold {
				return
			}
			s.display.Hide(s.points[s.current()])
			s.timer.StartAt(now, s.cfg.ResponseTimeout)
			s.phase = PhaseAwaiting
			s.phaseStart = now

		case PhaseAwaiting:
			// a response and a timeout can land in the same tick; seen wins
			timedOut := s.timer.Poll(now)
			switch {
			case s.seen:
				s.seen = false
				s.handleSeen(now)
			case timedOut:
				s.finishPoint()
				s.next(now)
			case s.abort:
				s.doAbort(now)
				return
			default:
				return
			}

		case PhaseInterTrial:
			if now.Sub(s.phaseStart) < s.cfg.InterTrialDelay {
				return
			}
			if s.pointDone {
				s.next(now)
			} else {
				s.present(now)
			}

		default:
			return
		}
	}
}

// present shows the current point at its current brightness.
func (s *Session) present(now time.Time) {
	idx := s.current()
	if s.phase != PhaseInterTrial {
		s.pointBrightness = s.points[idx].Brightness
	}
	s.pointDone = false
	s.seen = false
	s.display.Show(s.points[idx])
	s.phase = PhasePresenting
	s.phaseStart = now
}

func (s *Session) handleSeen(now time.Time) {
	idx := s.current()
	switch s.cfg.Policy {
	case DimOnSeen:
		s.points[idx].Dim(s.cfg.DimStep)
		if s.points[idx].Brightness <= 0 {
			// floor reached; a zero-brightness stimulus is never shown
			s.finishPoint()
		}
	case StopOnSeen:
		s.finishPoint()
	}
	s.phase = PhaseInterTrial
	s.phaseStart = now
}

// finishPoint records the current brightness as the threshold.
func (s *Session) finishPoint() {
	idx := s.current()
	s.pointDone = true
	s.done[idx] = true
	s.completed++
	logging.Logger().Debug("point complete",
		"index", idx,
		"x", s.points[idx].Position.X,
		"y", s.points[idx].Position.Y,
		"threshold", s.points[idx].Brightness)
	if s.onPoint != nil {
		s.onPoint(idx, s.points[idx])
	}
}

// next moves to the following point or completes the session.
func (s *Session) next(now time.Time) {
	s.pos++
	s.pointDone = false
	if s.pos >= len(s.order) {
		s.phase = PhaseNone
		s.state = Completed
		s.duration = now.Sub(s.startTime)
		logging.Logger().Info("session completed", "duration", s.duration, "points", s.completed)
		return
	}
	s.phase = PhaseNone
	s.present(now)
}

func (s *Session) doAbort(now time.Time) {
	// the in-progress point loses its partial ramp
	if idx := s.current(); !s.done[idx] {
		s.points[idx].Brightness = s.pointBrightness
	}
	s.seen = false
	s.abort = false
	s.timer.Stop()
	s.phase = PhaseNone
	s.state = Aborted
	s.duration = now.Sub(s.startTime)
	s.retract()
	logging.Logger().Info("session aborted", "completed", s.completed, "of", len(s.points))
}

func (s *Session) retract() {
	s.retractOnce.Do(s.display.RetractAll)
}

func (s *Session) current() int {
	return s.order[s.pos]
}

// Close retires the session. A session closed while running is stopped
// and its display retracted. Close is safe to call more than once; the
// display is never retracted twice.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.state == Running {
			s.doAbort(s.clock.Now())
		}
	})
	return nil
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Phase returns the sub-state of a running session.
func (s *Session) Phase() Phase { return s.phase }

// StartTime returns the time passed to Start.
func (s *Session) StartTime() time.Time { return s.startTime }

// Duration is the elapsed time from Start to completion or abort.
func (s *Session) Duration() time.Duration { return s.duration }

// PointsCompleted returns how many points have a recorded threshold.
func (s *Session) PointsCompleted() int { return s.completed }

// PointDone reports whether the point at index i has a recorded threshold.
func (s *Session) PointDone(i int) bool {
	return i >= 0 && i < len(s.done) && s.done[i]
}

// Current returns the index (into the layout) of the point being tested
// and whether there is one.
func (s *Session) Current() (int, bool) {
	if s.state != Running || s.pos >= len(s.order) {
		return 0, false
	}
	return s.current(), true
}

// Layout returns the session's own copy of the layout. Its points hold the
// thresholds once the session is terminal; they must not be read while the
// session is running.
func (s *Session) Layout() *field.Layout { return s.layout }

// Field returns a copy of the points with their current thresholds.
func (s *Session) Field() []models.FieldPoint {
	out := make([]models.FieldPoint, len(s.points))
	copy(out, s.points)
	return out
}

// Thresholds returns the brightness of every point in layout order.
func (s *Session) Thresholds() []float64 {
	out := make([]float64, len(s.points))
	for i, p := range s.points {
		out[i] = p.Brightness
	}
	return out
}
