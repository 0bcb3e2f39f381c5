// Package store persists patients and their test records.
//
// The on-disk documents are versioned and decoupled from the in-memory
// models; EncodePatient/DecodePatient and EncodeRecord/DecodeRecord are pure
// mappings between the two. Documents can be written as XML, JSON or YAML.
package store

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"time"

	"smarthvf/internal/models"
)

// SchemaVersion is the version written into every document.
const SchemaVersion = 1

// RasterEncoding names the sample packing of RasterDoc.Data.
const RasterEncoding = "float64be+base64"

// ErrSchemaVersion is returned for documents of an unknown version.
var ErrSchemaVersion = errors.New("unsupported schema version")

// PatientDoc is the stored form of a patient with the full test history.
type PatientDoc struct {
	XMLName xml.Name    `xml:"Patient" json:"-" yaml:"-"`
	Version int         `xml:"version,attr" json:"version" yaml:"version"`
	Name    string      `xml:"Name" json:"name" yaml:"name"`
	Age     int         `xml:"Age" json:"age" yaml:"age"`
	GUID    string      `xml:"GUID" json:"guid" yaml:"guid"`
	Records []RecordDoc `xml:"TestHistory>Test" json:"testHistory" yaml:"testHistory"`
}

// RecordDoc is the stored form of one test.
type RecordDoc struct {
	XMLName         xml.Name   `xml:"Test" json:"-" yaml:"-"`
	Version         int        `xml:"version,attr" json:"version" yaml:"version"`
	ID              string     `xml:"ID" json:"id" yaml:"id"`
	PatientID       string     `xml:"PatientID,omitempty" json:"patientId,omitempty" yaml:"patientId,omitempty"`
	Laterality      string     `xml:"Laterality" json:"laterality" yaml:"laterality"`
	StimulusSize    string     `xml:"StimulusSize" json:"stimulusSize" yaml:"stimulusSize"`
	StartTime       time.Time  `xml:"StartTime" json:"startTime" yaml:"startTime"`
	DurationNS      int64      `xml:"DurationNS" json:"durationNs" yaml:"durationNs"`
	HalfExtent      float64    `xml:"HalfExtent" json:"halfExtent" yaml:"halfExtent"`
	StepSize        float64    `xml:"StepSize" json:"stepSize" yaml:"stepSize"`
	Bounds          BoundsDoc  `xml:"Bounds" json:"bounds" yaml:"bounds"`
	Outcome         string     `xml:"Outcome" json:"outcome" yaml:"outcome"`
	PointsCompleted int        `xml:"PointsCompleted" json:"pointsCompleted" yaml:"pointsCompleted"`
	Points          []PointDoc `xml:"Field>Point" json:"field" yaml:"field"`
	Raster          *RasterDoc `xml:"EyeMap,omitempty" json:"eyeMap,omitempty" yaml:"eyeMap,omitempty"`
}

// BoundsDoc is a stored bounding box.
type BoundsDoc struct {
	MinX float64 `xml:"minX,attr" json:"minX" yaml:"minX"`
	MinY float64 `xml:"minY,attr" json:"minY" yaml:"minY"`
	MaxX float64 `xml:"maxX,attr" json:"maxX" yaml:"maxX"`
	MaxY float64 `xml:"maxY,attr" json:"maxY" yaml:"maxY"`
}

// PointDoc is one stored stimulus and its threshold.
type PointDoc struct {
	X          float64 `xml:"x,attr" json:"x" yaml:"x"`
	Y          float64 `xml:"y,attr" json:"y" yaml:"y"`
	Brightness float64 `xml:"brightness,attr" json:"brightness" yaml:"brightness"`
	Size       string  `xml:"size,attr" json:"size" yaml:"size"`
}

// RasterDoc is a stored eye map with its samples packed into Data.
type RasterDoc struct {
	Width    int    `xml:"width,attr" json:"width" yaml:"width"`
	Height   int    `xml:"height,attr" json:"height" yaml:"height"`
	Encoding string `xml:"encoding,attr" json:"encoding" yaml:"encoding"`
	Data     string `xml:",chardata" json:"data" yaml:"data"`
}

// EncodePatient maps a patient and its history to a document.
func EncodePatient(p *models.Patient) PatientDoc {
	doc := PatientDoc{
		Version: SchemaVersion,
		Name:    p.Name,
		Age:     p.Age,
		GUID:    p.GUID,
	}
	for _, rec := range p.History() {
		doc.Records = append(doc.Records, EncodeRecord(rec))
	}
	return doc
}

// DecodePatient rebuilds a patient from a document.
func DecodePatient(doc PatientDoc) (*models.Patient, error) {
	if doc.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: patient document version %d", ErrSchemaVersion, doc.Version)
	}
	p := &models.Patient{Name: doc.Name, Age: doc.Age, GUID: doc.GUID}
	for i, rd := range doc.Records {
		rec, err := DecodeRecord(rd)
		if err != nil {
			return nil, fmt.Errorf("test %d of %s: %w", i, doc.Name, err)
		}
		p.AppendRecord(rec)
	}
	return p, nil
}

// EncodeRecord maps a record to a document.
func EncodeRecord(rec *models.TestRecord) RecordDoc {
	doc := RecordDoc{
		Version:      SchemaVersion,
		ID:           rec.ID,
		PatientID:    rec.PatientID,
		Laterality:   rec.Laterality.String(),
		StimulusSize: rec.StimulusSize.String(),
		StartTime:    rec.StartTime,
		DurationNS:   int64(rec.Duration),
		HalfExtent:   rec.HalfExtent,
		StepSize:     rec.StepSize,
		Bounds: BoundsDoc{
			MinX: rec.Bounds.Min.X,
			MinY: rec.Bounds.Min.Y,
			MaxX: rec.Bounds.Max.X,
			MaxY: rec.Bounds.Max.Y,
		},
		Outcome:         rec.Outcome.String(),
		PointsCompleted: rec.PointsCompleted,
	}
	doc.Points = make([]PointDoc, len(rec.Field))
	for i, p := range rec.Field {
		doc.Points[i] = PointDoc{
			X:          p.Position.X,
			Y:          p.Position.Y,
			Brightness: p.Brightness,
			Size:       p.Size.String(),
		}
	}
	if rec.Raster != nil {
		doc.Raster = encodeRaster(rec.Raster)
	}
	return doc
}

// DecodeRecord rebuilds a record from a document.
func DecodeRecord(doc RecordDoc) (*models.TestRecord, error) {
	if doc.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: test document version %d", ErrSchemaVersion, doc.Version)
	}
	lat, err := models.ParseLaterality(doc.Laterality)
	if err != nil {
		return nil, err
	}
	size, err := models.ParseStimulusSize(doc.StimulusSize)
	if err != nil {
		return nil, err
	}
	outcome, err := parseOutcome(doc.Outcome)
	if err != nil {
		return nil, err
	}

	rec := &models.TestRecord{
		ID:           doc.ID,
		PatientID:    doc.PatientID,
		Laterality:   lat,
		StimulusSize: size,
		StartTime:    doc.StartTime,
		Duration:     time.Duration(doc.DurationNS),
		HalfExtent:   doc.HalfExtent,
		StepSize:     doc.StepSize,
		Bounds: models.Bounds{
			Min: models.Vec2{X: doc.Bounds.MinX, Y: doc.Bounds.MinY},
			Max: models.Vec2{X: doc.Bounds.MaxX, Y: doc.Bounds.MaxY},
		},
		Outcome:         outcome,
		PointsCompleted: doc.PointsCompleted,
	}
	rec.Field = make([]models.FieldPoint, len(doc.Points))
	for i, pd := range doc.Points {
		ps, err := models.ParseStimulusSize(pd.Size)
		if err != nil {
			return nil, fmt.Errorf("point %d: %w", i, err)
		}
		rec.Field[i] = models.FieldPoint{
			Position: models.Vec2{X: pd.X, Y: pd.Y},
			Size:     ps,
		}
		rec.Field[i].SetBrightness(pd.Brightness)
	}
	if doc.Raster != nil {
		if rec.Raster, err = decodeRaster(doc.Raster); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

func parseOutcome(s string) (models.Outcome, error) {
	switch s {
	case models.OutcomeCompleted.String(), "":
		return models.OutcomeCompleted, nil
	case models.OutcomeAborted.String():
		return models.OutcomeAborted, nil
	}
	return 0, fmt.Errorf("invalid outcome %q", s)
}

func encodeRaster(r *models.Raster) *RasterDoc {
	buf := make([]byte, 8*len(r.Pix))
	for i, v := range r.Pix {
		binary.BigEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return &RasterDoc{
		Width:    r.Width,
		Height:   r.Height,
		Encoding: RasterEncoding,
		Data:     base64.StdEncoding.EncodeToString(buf),
	}
}

func decodeRaster(doc *RasterDoc) (*models.Raster, error) {
	if doc.Encoding != RasterEncoding {
		return nil, fmt.Errorf("unsupported eye map encoding %q", doc.Encoding)
	}
	if doc.Width <= 0 || doc.Height <= 0 {
		return nil, fmt.Errorf("invalid eye map size %dx%d", doc.Width, doc.Height)
	}
	buf, err := base64.StdEncoding.DecodeString(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode eye map: %w", err)
	}
	// compare by division so a forged size cannot overflow
	n := len(buf) / 8
	if len(buf)%8 != 0 || doc.Width > n/doc.Height || doc.Width*doc.Height != n {
		return nil, fmt.Errorf("eye map has %d bytes, too few or too many for %dx%d", len(buf), doc.Width, doc.Height)
	}
	r := models.NewRaster(doc.Width, doc.Height)
	for i := range r.Pix {
		r.Pix[i] = math.Float64frombits(binary.BigEndian.Uint64(buf[8*i:]))
	}
	return r, nil
}
