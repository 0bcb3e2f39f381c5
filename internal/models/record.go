package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordIDLayout is the timestamp layout identifying a test record. It is
// also the base name of the record file inside the patient directory.
const RecordIDLayout = "20060102-15-04-05"

// Outcome is the terminal state a record was produced from.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeAborted
)

func (o Outcome) String() string {
	if o == OutcomeAborted {
		return "aborted"
	}
	return "completed"
}

// TestRecord is everything relevant to one test run.
type TestRecord struct {
	ID              string
	PatientID       string
	Laterality      Laterality
	StimulusSize    StimulusSize
	StartTime       time.Time
	Duration        time.Duration
	HalfExtent      float64
	StepSize        float64
	Bounds          Bounds
	Field           []FieldPoint
	Raster          *Raster
	Outcome         Outcome
	PointsCompleted int
}

// NewTestRecord creates a record for a run starting at start.
func NewTestRecord(p *Patient, lat Laterality, size StimulusSize, start time.Time) *TestRecord {
	rec := &TestRecord{
		ID:           start.Format(RecordIDLayout),
		Laterality:   lat,
		StimulusSize: size,
		StartTime:    start,
	}
	if p != nil {
		rec.PatientID = p.GUID
	}
	return rec
}

// Mapped reports whether a raster is attached.
func (r *TestRecord) Mapped() bool {
	return r.Raster != nil
}

// Patient holds basic patient data and the ordered list of past tests.
type Patient struct {
	Name string
	Age  int
	GUID string

	history []*TestRecord
}

// NewPatient creates a patient with a fresh random GUID.
func NewPatient(name string, age int) *Patient {
	return &Patient{
		Name: name,
		Age:  age,
		GUID: uuid.New().String(),
	}
}

// DirName is the patient's data directory and file base name: the name
// followed by the first chunk of the GUID, e.g. "Joe Bob-09a669c5".
func (p *Patient) DirName() string {
	chunk := p.GUID
	if i := strings.IndexByte(chunk, '-'); i >= 0 {
		chunk = chunk[:i]
	}
	return p.Name + "-" + chunk
}

// AppendRecord adds a record to the end of the history.
func (p *Patient) AppendRecord(rec *TestRecord) {
	if rec.PatientID == "" {
		rec.PatientID = p.GUID
	}
	p.history = append(p.history, rec)
}

// History returns the records in insertion order. The slice is a copy; the
// records are shared.
func (p *Patient) History() []*TestRecord {
	out := make([]*TestRecord, len(p.history))
	copy(out, p.history)
	return out
}

// Record returns the record with the given ID.
func (p *Patient) Record(id string) (*TestRecord, bool) {
	for _, r := range p.history {
		if r.ID == id {
			return r, true
		}
	}
	return nil, false
}
