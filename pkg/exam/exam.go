// Package exam runs one complete visual-field test for a patient.
//
// An Exam wires the collaborators of a test together and walks it through
// its stages:
//  1. Generate the stimulus field and its presentation order
//  2. Drive the staircase session until it completes or is aborted
//  3. Stamp the test record with the thresholds
//  4. Rasterize the eye map when a mask is available
//  5. Append the record to the patient history and persist it
//  6. Export the map and the field snapshot to the gallery
package exam

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"smarthvf/internal/logging"
	"smarthvf/internal/models"
	"smarthvf/pkg/config"
	"smarthvf/pkg/field"
	"smarthvf/pkg/interpolation"
	"smarthvf/pkg/session"
	"smarthvf/pkg/store"
	"smarthvf/pkg/timeout"
	"smarthvf/pkg/visualization"
)

// MaskSource provides the eye-map template of an eye. mask.Library
// implements it.
type MaskSource interface {
	Mask(lat models.Laterality) (interpolation.Mask, error)
}

// Driver runs a started or idle session to a terminal state.
type Driver func(ctx context.Context, s *session.Session, input session.InputSource) (session.State, error)

// Params holds the collaborators and choices of one exam.
type Params struct {
	// Patient receives the record. Required when Store is set.
	Patient *models.Patient

	Laterality   models.Laterality
	StimulusSize models.StimulusSize

	// Config holds timing, mapping and output settings; nil uses the defaults
	Config *config.Config

	Display session.Display
	Input   session.InputSource

	// Clock defaults to the system clock
	Clock session.Clock

	// Masks is optional; without it records stay unmapped
	Masks MaskSource

	// Store is optional; without it nothing is written
	Store *store.Store

	// Gallery is optional; it receives the exported images
	Gallery visualization.ImageSink

	// Rand shuffles the presentation order; nil uses the global source
	Rand *rand.Rand

	// Drive overrides the real-time driver
	Drive Driver

	// OnPointComplete is called for every finished point
	OnPointComplete func(index int, p models.FieldPoint)
}

// Outcome is the result of Run.
type Outcome struct {
	State  session.State
	Record *models.TestRecord

	// Unmapped is set when a completed record has no eye map because no
	// mask was available
	Unmapped bool

	// Persisted is set when the record was added to the patient history
	Persisted  bool
	RecordPath string

	// Exported lists the gallery locations written
	Exported []string

	Metrics Metrics
}

// Exam is one configured test run.
type Exam struct {
	params  *Params
	cfg     *config.Config
	session session.Config
	clock   session.Clock
	layout  *field.Layout
}

// New validates params and prepares the stimulus field.
func New(params *Params) (*Exam, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: nil exam parameters", session.ErrInvalidConfig)
	}
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	scfg, err := session.ConfigFrom(cfg)
	if err != nil {
		return nil, err
	}
	if !params.Laterality.Valid() {
		return nil, fmt.Errorf("%w: invalid laterality %v", session.ErrInvalidConfig, params.Laterality)
	}
	if !params.StimulusSize.Valid() {
		return nil, fmt.Errorf("%w: invalid stimulus size %v", session.ErrInvalidConfig, params.StimulusSize)
	}
	if params.Display == nil {
		return nil, fmt.Errorf("%w: display is required", session.ErrInvalidConfig)
	}
	if params.Store != nil && params.Patient == nil {
		return nil, fmt.Errorf("%w: a patient is required to store results", session.ErrInvalidConfig)
	}
	clock := params.Clock
	if clock == nil {
		clock = timeout.SystemClock{}
	}

	return &Exam{
		params:  params,
		cfg:     cfg,
		session: scfg,
		clock:   clock,
		layout:  field.Generate(params.Laterality, params.StimulusSize, cfg.Field.HalfExtent),
	}, nil
}

// Layout returns the field the exam tests.
func (e *Exam) Layout() *field.Layout { return e.layout }

// Run executes the exam. An aborted test is not an error: the outcome
// reports the terminal state and whether anything was kept.
func (e *Exam) Run(ctx context.Context) (*Outcome, error) {
	p := e.params
	log := logging.Logger()

	// Step 1: stimulus field and presentation order
	order := e.layout.PresentationOrder(p.Rand)
	log.Info("starting exam",
		"laterality", p.Laterality.String(),
		"size", p.StimulusSize.String(),
		"points", len(e.layout.Points),
		"step", e.layout.StepSize)

	// Step 2: the staircase
	s, err := session.New(session.Params{
		Layout:          e.layout,
		Order:           order,
		Display:         p.Display,
		Clock:           e.clock,
		Config:          e.session,
		OnPointComplete: p.OnPointComplete,
	})
	if err != nil {
		return nil, err
	}
	defer s.Close()

	drive := p.Drive
	if drive == nil {
		interval := e.cfg.TickInterval()
		drive = func(ctx context.Context, s *session.Session, in session.InputSource) (session.State, error) {
			return session.Run(ctx, s, in, e.clock, interval)
		}
	}
	state, err := drive(ctx, s, p.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to run session: %w", err)
	}
	if !state.Terminal() {
		// the driver gave up early; treat it as an abort
		s.Close()
		if state = s.State(); !state.Terminal() {
			return nil, fmt.Errorf("session never started (state %v)", state)
		}
	}

	// Step 3: the record
	rec := e.stamp(s)
	out := &Outcome{State: state, Record: rec}

	if state == session.Aborted {
		log.Info("exam aborted", "completed", rec.PointsCompleted, "of", len(rec.Field))
		if !e.cfg.Policy.PersistAborted || rec.PointsCompleted == 0 {
			return out, nil
		}
	} else {
		// Step 4: the eye map
		if err := e.rasterize(rec); err != nil {
			if !errors.Is(err, interpolation.ErrMissingMask) {
				return out, fmt.Errorf("failed to rasterize eye map: %w", err)
			}
			log.Warn("no eye map template, record kept without map", "err", err)
			out.Unmapped = true
		}
	}

	// Step 5: history and persistence
	if p.Store != nil {
		path, err := p.Store.AppendRecord(p.Patient, rec)
		if err != nil {
			return out, fmt.Errorf("failed to save record: %w", err)
		}
		out.Persisted = true
		out.RecordPath = path
	} else if p.Patient != nil {
		p.Patient.AppendRecord(rec)
		out.Persisted = true
	}

	// Step 6: gallery export
	if p.Gallery != nil {
		saved, err := visualization.ExportRecord(p.Gallery, rec, e.cfg.Output.SaveSnapshot)
		out.Exported = saved
		if err != nil {
			// export failures do not fail the exam
			log.Warn("failed to export images", "err", err)
		}
	}

	out.Metrics = ComputeMetrics(rec)
	log.Info("exam finished",
		"state", state.String(),
		"duration", rec.Duration.Round(time.Millisecond),
		"mapped", rec.Mapped(),
		"meanSensitivity", out.Metrics.MeanSensitivity)
	return out, nil
}

// stamp builds the record of a terminal session.
func (e *Exam) stamp(s *session.Session) *models.TestRecord {
	p := e.params
	start := s.StartTime()
	if start.IsZero() {
		start = e.clock.Now()
	}
	rec := models.NewTestRecord(p.Patient, p.Laterality, p.StimulusSize, start)
	rec.Duration = s.Duration()
	rec.HalfExtent = e.layout.HalfExtent
	rec.StepSize = e.layout.StepSize
	rec.Bounds = e.layout.Bounds
	rec.Field = s.Field()
	rec.PointsCompleted = s.PointsCompleted()
	if s.State() == session.Aborted {
		rec.Outcome = models.OutcomeAborted
	}
	return rec
}

func (e *Exam) rasterize(rec *models.TestRecord) error {
	if e.params.Masks == nil {
		return fmt.Errorf("%w: no mask source", interpolation.ErrMissingMask)
	}
	m, err := e.params.Masks.Mask(rec.Laterality)
	if err != nil {
		return err
	}
	radius := e.cfg.Mapping.RadiusFactor * rec.StepSize
	raster, err := interpolation.RasterizeRadius(rec.Field, rec.Bounds, radius, m)
	if err != nil {
		return err
	}
	rec.Raster = raster
	return nil
}

// ManualDriver steps sessions on clock in increments of dt, checking ctx
// between batches of ticks. It runs simulations faster than real time.
func ManualDriver(clock *session.ManualClock, dt time.Duration) Driver {
	return func(ctx context.Context, s *session.Session, in session.InputSource) (session.State, error) {
		if s.State() == session.Idle {
			if err := s.Start(clock.Now()); err != nil {
				return s.State(), err
			}
		}
		for !s.State().Terminal() {
			if err := ctx.Err(); err != nil {
				s.Close()
				break
			}
			session.Step(s, in, clock, dt, 1000)
		}
		return s.State(), nil
	}
}
