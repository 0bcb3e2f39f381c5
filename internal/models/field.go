// Package models holds the data aggregated by a visual-field exam: the
// stimulus points and their thresholds, the test record and the patient
// history it belongs to.
package models

import (
	"fmt"
	"math"
	"strings"
)

// Vec2 is a position in field coordinates (not pixels).
type Vec2 struct {
	X float64
	Y float64
}

// Distance returns the Euclidean distance to another position.
func (v Vec2) Distance(o Vec2) float64 {
	dx := v.X - o.X
	dy := v.Y - o.Y
	return math.Sqrt(dx*dx + dy*dy)
}

// Bounds is an axis-aligned box in field coordinates.
type Bounds struct {
	Min Vec2
	Max Vec2
}

// Width returns the horizontal extent of the box.
func (b Bounds) Width() float64 { return b.Max.X - b.Min.X }

// Height returns the vertical extent of the box.
func (b Bounds) Height() float64 { return b.Max.Y - b.Min.Y }

// Laterality identifies which eye a field pertains to.
type Laterality int

const (
	Left Laterality = iota
	Right
)

// Valid reports whether l is one of the defined lateralities.
func (l Laterality) Valid() bool {
	return l == Left || l == Right
}

func (l Laterality) String() string {
	switch l {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return fmt.Sprintf("Laterality(%d)", int(l))
	}
}

// ParseLaterality accepts "left"/"l"/"os" and "right"/"r"/"od".
func ParseLaterality(s string) (Laterality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left", "l", "os", "lefteye":
		return Left, nil
	case "right", "r", "od", "righteye":
		return Right, nil
	}
	return 0, fmt.Errorf("invalid laterality %q (must be left or right)", s)
}

// StimulusSize is the Goldmann stimulus size class. Each class has 4x the
// area of the previous one.
type StimulusSize int

const (
	SizeI StimulusSize = iota
	SizeII
	SizeIII
	SizeIV
	SizeV
)

// NumStimulusSizes is the number of discrete size classes.
const NumStimulusSizes = 5

var sizeNames = [NumStimulusSizes]string{"I", "II", "III", "IV", "V"}

// Valid reports whether s is one of the five size classes.
func (s StimulusSize) Valid() bool {
	return s >= SizeI && s <= SizeV
}

func (s StimulusSize) String() string {
	if !s.Valid() {
		return fmt.Sprintf("StimulusSize(%d)", int(s))
	}
	return sizeNames[s]
}

// AreaRatio returns the stimulus area relative to size class I.
func (s StimulusSize) AreaRatio() float64 {
	return math.Pow(4, float64(s))
}

// DiameterScale returns the stimulus diameter relative to size class I.
func (s StimulusSize) DiameterScale() float64 {
	return math.Pow(2, float64(s))
}

// ParseStimulusSize accepts roman numerals ("III") or ordinals ("2").
func ParseStimulusSize(v string) (StimulusSize, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	for i, name := range sizeNames {
		if v == name {
			return StimulusSize(i), nil
		}
	}
	if len(v) == 1 && v[0] >= '0' && v[0] <= '4' {
		return StimulusSize(v[0] - '0'), nil
	}
	return 0, fmt.Errorf("invalid stimulus size %q (must be I, II, III, IV or V)", v)
}

// FieldPoint is one stimulus location and its current or final brightness.
// Brightness 1.0 is the brightest (easiest) stimulus; values decrease
// towards the detection threshold.
type FieldPoint struct {
	Position   Vec2
	Brightness float64
	Size       StimulusSize
}

// Dim lowers the brightness by d, never going below 0.
func (p *FieldPoint) Dim(d float64) {
	p.SetBrightness(p.Brightness - d)
}

// SetBrightness stores b clamped to [0, 1]. Residues below 1e-9 left over
// from repeated float decrements snap to 0.
func (p *FieldPoint) SetBrightness(b float64) {
	switch {
	case math.IsNaN(b) || b < 1e-9:
		b = 0
	case b > 1:
		b = 1
	}
	p.Brightness = b
}

// Sensitivity is the inverted brightness: a point only seen at full
// brightness reads as dark (0), one seen down to 0 reads as white (1).
func (p FieldPoint) Sensitivity() float64 {
	return 1 - p.Brightness
}
