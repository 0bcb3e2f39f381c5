package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"smarthvf/internal/models"
	"smarthvf/pkg/config"
	"smarthvf/pkg/field"
	"smarthvf/pkg/timeout"
)

// recorder is a Display that remembers every command
type recorder struct {
	shows    []models.FieldPoint
	hides    int
	retracts int
	after    []string // commands issued after a retract
}

func (r *recorder) Show(p models.FieldPoint) {
	if r.retracts > 0 {
		r.after = append(r.after, "show")
	}
	r.shows = append(r.shows, p)
}

func (r *recorder) Hide(p models.FieldPoint) {
	if r.retracts > 0 {
		r.after = append(r.after, "hide")
	}
	r.hides++
}

func (r *recorder) RetractAll() { r.retracts++ }

// inputFunc adapts a function to InputSource
type inputFunc func() Input

func (f inputFunc) Poll() Input { return f() }

var always = inputFunc(func() Input { return Input{Acknowledged: true} })

func testConfig() Config {
	return Config{
		PresentationHold: 200 * time.Millisecond,
		ResponseTimeout:  time.Second,
		InterTrialDelay:  400 * time.Millisecond,
		DimStep:          0.1,
		Policy:           DimOnSeen,
	}
}

func newTestSession(t *testing.T, cfg Config, disp Display, clk Clock, onPoint func(int, models.FieldPoint)) *Session {
	t.Helper()
	layout := field.Generate(models.Left, models.SizeIII, 5)
	s, err := New(Params{
		Layout:          layout,
		Order:           field.Shuffle(len(layout.Points), nil),
		Display:         disp,
		Clock:           clk,
		Config:          cfg,
		OnPointComplete: onPoint,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

// TestAllTimeouts verifies duration and thresholds when nothing is ever seen
func TestAllTimeouts(t *testing.T) {
	for _, dt := range []time.Duration{10 * time.Millisecond, 16 * time.Millisecond} {
		clk := NewManualClock(time.Unix(1000, 0))
		rec := &recorder{}
		cfg := testConfig()
		s := newTestSession(t, cfg, rec, clk, nil)

		state := Step(s, nil, clk, dt, 1_000_000)
		if state != Completed {
			t.Fatalf("dt=%v: expected completed, got %v", dt, state)
		}

		n := len(s.Field())
		want := time.Duration(n) * (cfg.PresentationHold + cfg.ResponseTimeout)
		tolerance := time.Duration(2*n) * dt
		if diff := s.Duration() - want; diff < 0 || diff > tolerance {
			t.Errorf("dt=%v: duration %v, want %v within %v", dt, s.Duration(), want, tolerance)
		}
		if dt == 10*time.Millisecond && s.Duration() != want {
			t.Errorf("dt divides all phases; expected exact duration %v, got %v", want, s.Duration())
		}
		for i, b := range s.Thresholds() {
			if b != 1.0 {
				t.Errorf("point %d: threshold %f, want 1.0", i, b)
			}
		}
		if len(rec.shows) != n || rec.hides != n {
			t.Errorf("expected %d shows and hides, got %d and %d", n, len(rec.shows), rec.hides)
		}
		if rec.retracts != 0 {
			t.Errorf("completed session should not retract, got %d", rec.retracts)
		}
		if s.PointsCompleted() != n {
			t.Errorf("expected %d completed points, got %d", n, s.PointsCompleted())
		}
	}
}

// TestFrameTimestamps verifies a session driven by timestamps unrelated to
// its clock still times out every point
func TestFrameTimestamps(t *testing.T) {
	rec := &recorder{}
	cfg := testConfig()
	s := newTestSession(t, cfg, rec, timeout.SystemClock{}, nil)

	now := time.Unix(0, 0)
	if err := s.Start(now); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	n := len(s.Field())
	for i := 0; i < 100_000 && !s.State().Terminal(); i++ {
		now = now.Add(100 * time.Millisecond)
		s.Tick(now, Input{})
	}
	if s.State() != Completed {
		t.Fatalf("Expected completed, got %v after %d shows", s.State(), len(rec.shows))
	}
	if want := time.Duration(n) * (cfg.PresentationHold + cfg.ResponseTimeout); s.Duration() != want {
		t.Errorf("Expected duration %v, got %v", want, s.Duration())
	}
}

// TestDimOnSeenRampsDown verifies brightness strictly decreases per presentation and the run terminates
func TestDimOnSeenRampsDown(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	rec := &recorder{}
	thresholds := map[int]float64{}
	s := newTestSession(t, testConfig(), rec, clk, func(i int, p models.FieldPoint) {
		if _, dup := thresholds[i]; dup {
			t.Errorf("point %d completed twice", i)
		}
		thresholds[i] = p.Brightness
	})

	state := Step(s, always, clk, 10*time.Millisecond, 1_000_000)
	if state != Completed {
		t.Fatalf("expected completed, got %v", state)
	}

	n := len(s.Field())
	if len(thresholds) != n {
		t.Fatalf("expected %d completion events, got %d", n, len(thresholds))
	}
	for i, b := range thresholds {
		if b != 0 {
			t.Errorf("point %d: always-seen point should ramp to 0, got %f", i, b)
		}
	}

	// every point is shown ten times: 1.0, 0.9, ... 0.1
	if len(rec.shows) != 10*n {
		t.Errorf("expected %d presentations, got %d", 10*n, len(rec.shows))
	}
	for i := 1; i < len(rec.shows); i++ {
		prev, cur := rec.shows[i-1], rec.shows[i]
		if prev.Position == cur.Position && !(cur.Brightness < prev.Brightness) {
			t.Errorf("presentation %d: brightness %f did not decrease from %f", i, cur.Brightness, prev.Brightness)
		}
	}
}

// TestStopOnSeen verifies the stop policy presents each point once and keeps its brightness
func TestStopOnSeen(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	rec := &recorder{}
	cfg := testConfig()
	cfg.Policy = StopOnSeen
	s := newTestSession(t, cfg, rec, clk, nil)

	if state := Step(s, always, clk, 10*time.Millisecond, 1_000_000); state != Completed {
		t.Fatalf("expected completed, got %v", state)
	}
	n := len(s.Field())
	if len(rec.shows) != n {
		t.Errorf("expected one presentation per point (%d), got %d", n, len(rec.shows))
	}
	for i, b := range s.Thresholds() {
		if b != 1 {
			t.Errorf("point %d: stop policy changed brightness to %f", i, b)
		}
	}
	// hold plus inter-trial delay per point
	want := time.Duration(n) * (cfg.PresentationHold + cfg.InterTrialDelay)
	if s.Duration() != want {
		t.Errorf("expected duration %v, got %v", want, s.Duration())
	}
}

// TestAbortAfterN verifies an abort stops the run at N of M points
func TestAbortAfterN(t *testing.T) {
	const stopAt = 5
	clk := NewManualClock(time.Unix(0, 0))
	rec := &recorder{}
	completed := 0
	s := newTestSession(t, testConfig(), rec, clk, func(int, models.FieldPoint) { completed++ })

	input := inputFunc(func() Input { return Input{Abort: completed >= stopAt} })
	state := Step(s, input, clk, 10*time.Millisecond, 1_000_000)

	if state != Aborted {
		t.Fatalf("expected aborted, got %v", state)
	}
	if s.PointsCompleted() != stopAt {
		t.Errorf("expected session to stop at %d points, got %d", stopAt, s.PointsCompleted())
	}
	if rec.retracts != 1 {
		t.Errorf("expected exactly one RetractAll, got %d", rec.retracts)
	}
	if len(rec.shows) != stopAt+1 {
		t.Errorf("expected %d presentations, got %d", stopAt+1, len(rec.shows))
	}

	// nothing happens after the terminal transition
	for i := 0; i < 100; i++ {
		clk.Advance(time.Second)
		if s.Tick(clk.Now(), Input{Acknowledged: true, Abort: true}) != Aborted {
			t.Fatal("aborted session changed state")
		}
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if rec.retracts != 1 || len(rec.after) != 0 {
		t.Errorf("display used after abort: retracts=%d after=%v", rec.retracts, rec.after)
	}
	if s.PointsCompleted() != stopAt {
		t.Errorf("points completed changed after abort: %d", s.PointsCompleted())
	}
}

// TestSeenBeatsTimeout verifies the priority rule when both land in one tick
func TestSeenBeatsTimeout(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	rec := &recorder{}
	s := newTestSession(t, testConfig(), rec, clk, nil)

	if err := s.Start(clk.Now()); err != nil {
		t.Fatal(err)
	}
	clk.Advance(200 * time.Millisecond)
	s.Tick(clk.Now(), Input{})
	if s.Phase() != PhaseAwaiting {
		t.Fatalf("expected awaiting phase, got %v", s.Phase())
	}

	clk.Advance(time.Second)
	s.Tick(clk.Now(), Input{Acknowledged: true})

	idx, ok := s.Current()
	if !ok {
		t.Fatal("expected a current point")
	}
	if s.PointsCompleted() != 0 {
		t.Errorf("timeout should not have been recorded, completed=%d", s.PointsCompleted())
	}
	if got := s.Field()[idx].Brightness; got != 0.9 {
		t.Errorf("expected dimmed brightness 0.9, got %f", got)
	}
	if s.Phase() != PhaseInterTrial {
		t.Errorf("expected inter-trial phase, got %v", s.Phase())
	}
}

// TestSeenBeatsAbort verifies an abort in the same tick as a response waits for the next evaluation
func TestSeenBeatsAbort(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	rec := &recorder{}
	s := newTestSession(t, testConfig(), rec, clk, nil)
	s.Start(clk.Now())

	clk.Advance(200 * time.Millisecond)
	s.Tick(clk.Now(), Input{})
	clk.Advance(100 * time.Millisecond)
	if st := s.Tick(clk.Now(), Input{Acknowledged: true, Abort: true}); st != Running {
		t.Fatalf("seen should win over abort, got %v", st)
	}
	idx, _ := s.Current()

	// inter-trial and the next presentation pass; abort is observed once awaiting again
	state := Step(s, nil, clk, 10*time.Millisecond, 1000)
	if state != Aborted {
		t.Fatalf("expected aborted, got %v", state)
	}
	if rec.retracts != 1 {
		t.Errorf("expected one retract, got %d", rec.retracts)
	}
	// the partial ramp of the aborted point is discarded
	if b := s.Field()[idx].Brightness; b != 1 {
		t.Errorf("aborted point should keep its initial brightness, got %f", b)
	}
	if len(rec.shows) != 2 {
		t.Errorf("expected the point to be presented twice, got %d", len(rec.shows))
	}
}

// TestResponseDuringHoldCounts verifies a response given while the stimulus is visible is kept
func TestResponseDuringHoldCounts(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	cfg := testConfig()
	cfg.Policy = StopOnSeen
	s := newTestSession(t, cfg, &recorder{}, clk, nil)
	s.Start(clk.Now())

	clk.Advance(100 * time.Millisecond)
	s.Tick(clk.Now(), Input{Acknowledged: true})
	clk.Advance(100 * time.Millisecond)
	s.Tick(clk.Now(), Input{})

	if s.PointsCompleted() != 1 {
		t.Errorf("expected the early response to complete the point, got %d", s.PointsCompleted())
	}
}

func TestStartDelay(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	rec := &recorder{}
	cfg := testConfig()
	cfg.StartDelay = time.Second
	s := newTestSession(t, cfg, rec, clk, nil)
	s.Start(clk.Now())

	clk.Advance(990 * time.Millisecond)
	s.Tick(clk.Now(), Input{})
	if len(rec.shows) != 0 {
		t.Fatal("stimulus shown before the start delay elapsed")
	}
	clk.Advance(10 * time.Millisecond)
	s.Tick(clk.Now(), Input{})
	if len(rec.shows) != 1 {
		t.Fatalf("expected first presentation after the start delay, got %d", len(rec.shows))
	}
	if err := s.Start(clk.Now()); err == nil {
		t.Error("second Start should fail")
	}
}

// TestCloseRunning verifies explicit teardown retracts exactly once
func TestCloseRunning(t *testing.T) {
	clk := NewManualClock(time.Unix(0, 0))
	rec := &recorder{}
	s := newTestSession(t, testConfig(), rec, clk, nil)
	s.Start(clk.Now())
	clk.Advance(50 * time.Millisecond)
	s.Tick(clk.Now(), Input{})

	s.Close()
	s.Close()
	if s.State() != Aborted {
		t.Errorf("closed session should be aborted, got %v", s.State())
	}
	if rec.retracts != 1 {
		t.Errorf("expected one retract, got %d", rec.retracts)
	}
}

func TestCloseIdleAndCompleted(t *testing.T) {
	rec := &recorder{}
	s := newTestSession(t, testConfig(), rec, NewManualClock(time.Unix(0, 0)), nil)
	s.Close()
	if rec.retracts != 0 || s.State() != Idle {
		t.Errorf("closing an idle session should do nothing: state=%v retracts=%d", s.State(), rec.retracts)
	}
}

// TestNewRejectsInvalid verifies configuration errors fail at construction
func TestNewRejectsInvalid(t *testing.T) {
	layout := field.Generate(models.Right, models.SizeIII, 5)
	clk := NewManualClock(time.Unix(0, 0))
	good := Params{Layout: layout, Display: &recorder{}, Clock: clk, Config: testConfig()}

	cases := map[string]func(p *Params){
		"nil layout":  func(p *Params) { p.Layout = nil },
		"nil display": func(p *Params) { p.Display = nil },
		"nil clock":   func(p *Params) { p.Clock = nil },
		"bad order":   func(p *Params) { p.Order = []int{0, 0, 1} },
		"zero hold":   func(p *Params) { p.Config.PresentationHold = 0 },
		"dim step":    func(p *Params) { p.Config.DimStep = 0 },
		"policy":      func(p *Params) { p.Config.Policy = SeenPolicy(9) },
		"laterality": func(p *Params) {
			l := layout.Clone()
			l.Laterality = models.Laterality(4)
			p.Layout = l
		},
	}
	for name, mutate := range cases {
		p := good
		mutate(&p)
		if _, err := New(p); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
	if _, err := New(good); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
}

// TestSessionDoesNotMutateLayout verifies the session works on its own copy
func TestSessionDoesNotMutateLayout(t *testing.T) {
	layout := field.Generate(models.Left, models.SizeIII, 5)
	clk := NewManualClock(time.Unix(0, 0))
	s, err := New(Params{Layout: layout, Display: &recorder{}, Clock: clk, Config: testConfig()})
	if err != nil {
		t.Fatal(err)
	}
	Step(s, always, clk, 10*time.Millisecond, 1_000_000)
	for i, p := range layout.Points {
		if p.Brightness != 1 {
			t.Fatalf("layout point %d mutated to %f", i, p.Brightness)
		}
	}
}

// TestRunCancel verifies context cancellation becomes an abort
func TestRunCancel(t *testing.T) {
	cfg := Config{
		PresentationHold: 2 * time.Millisecond,
		ResponseTimeout:  time.Hour,
		DimStep:          0.1,
	}
	rec := &recorder{}
	s := newTestSession(t, cfg, rec, timeout.SystemClock{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	state, err := Run(ctx, s, nil, timeout.SystemClock{}, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if state != Aborted {
		t.Errorf("expected aborted, got %v", state)
	}
	if rec.retracts != 1 {
		t.Errorf("expected one retract, got %d", rec.retracts)
	}
}

func TestConfigFrom(t *testing.T) {
	c := config.DefaultConfig()
	cfg, err := ConfigFrom(c)
	if err != nil {
		t.Fatalf("default config rejected: %v", err)
	}
	if cfg.PresentationHold != 200*time.Millisecond || cfg.ResponseTimeout != 1500*time.Millisecond {
		t.Errorf("unexpected timings %v / %v", cfg.PresentationHold, cfg.ResponseTimeout)
	}
	if cfg.Policy != DimOnSeen {
		t.Errorf("expected dim policy, got %v", cfg.Policy)
	}

	c.Session.SeenPolicy = config.SeenPolicyStop
	if cfg, _ = ConfigFrom(c); cfg.Policy != StopOnSeen {
		t.Errorf("expected stop policy, got %v", cfg.Policy)
	}

	c.Session.SeenPolicy = "blink"
	if _, err := ConfigFrom(c); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
