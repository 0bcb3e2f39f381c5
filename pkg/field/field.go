// Package field builds the static stimulus layout of a visual-field test.
//
// The layout approximates the pattern of a 24-2 test: a diamond of rows
// whose two central rows carry one extra edge point on the side of the
// tested eye.
//
//	            x   x   x   x
//
//	        x   x   x   x   x   x
//
//	    x   x   x   x   x   x   x   x
//
//	R   x   x   x   x   x   x   x   x   L
//
//	R   x   x   x   x   x   x   x   x   L
//
//	    x   x   x   x   x   x   x   x
//
//	        x   x   x   x   x   x
//
//	            x   x   x   x
//
// Points marked R are skipped for a left-eye field, and L for a right-eye field.
package field

import (
	"fmt"
	"math"
	"math/rand"

	"smarthvf/internal/models"
)

// RowLengths is the number of stimulus slots in each row, bottom to top.
var RowLengths = []int{4, 6, 8, 10, 10, 8, 6, 4}

// centralRows are the rows that hold the laterality-dependent edge points.
var centralRows = [2]int{3, 4}

// Layout is a generated stimulus field.
type Layout struct {
	Laterality models.Laterality
	Size       models.StimulusSize
	HalfExtent float64

	// Points in generation order (row by row, left to right).
	Points []models.FieldPoint

	// StepSize is the distance between neighboring stimuli.
	StepSize float64

	// Bounds is the tight box around all points expanded by half a step in
	// every direction. The rasterizer samples inside it.
	Bounds models.Bounds
}

// StepSize returns the spacing used for a field of the given half extent.
func StepSize(halfExtent float64) float64 {
	return 2 * halfExtent / float64(len(RowLengths)+1)
}

// PointCount returns the number of points of a field of either laterality.
func PointCount() int {
	n := 0
	for _, l := range RowLengths {
		n += l
	}
	return n - len(centralRows)
}

// Generate places the stimuli for one eye. Every point starts at full
// brightness with the requested size.
//
// An invalid laterality or a non-positive extent is a programming error
// and panics.
func Generate(lat models.Laterality, size models.StimulusSize, halfExtent float64) *Layout {
	if !lat.Valid() {
		panic(fmt.Sprintf("field: invalid laterality %v", lat))
	}
	if !(halfExtent > 0) || math.IsInf(halfExtent, 0) {
		panic(fmt.Sprintf("field: invalid half extent %v", halfExtent))
	}

	step := StepSize(halfExtent)
	rows := len(RowLengths)
	layout := &Layout{
		Laterality: lat,
		Size:       size,
		HalfExtent: halfExtent,
		StepSize:   step,
		Points:     make([]models.FieldPoint, 0, PointCount()),
	}

	for y, n := range RowLengths {
		py := -float64(rows-1)/2*step + float64(y)*step
		for x := 0; x < n; x++ {
			if isCentralRow(y) {
				// left eye test has its extra stimulus on the right, so skip the left one
				if lat == models.Left && x == 0 {
					continue
				}
				if lat == models.Right && x == n-1 {
					continue
				}
			}
			px := -float64(n-1)/2*step + float64(x)*step
			layout.Points = append(layout.Points, models.FieldPoint{
				Position:   models.Vec2{X: px, Y: py},
				Brightness: 1,
				Size:       size,
			})
		}
	}

	layout.Bounds = ComputeBounds(layout.Points, step)
	return layout
}

func isCentralRow(y int) bool {
	return y == centralRows[0] || y == centralRows[1]
}

// ComputeBounds returns the tight bounding box of the points expanded by
// half a step on every side.
func ComputeBounds(points []models.FieldPoint, step float64) models.Bounds {
	b := models.Bounds{
		Min: models.Vec2{X: math.MaxFloat64, Y: math.MaxFloat64},
		Max: models.Vec2{X: -math.MaxFloat64, Y: -math.MaxFloat64},
	}
	for _, p := range points {
		b.Min.X = math.Min(b.Min.X, p.Position.X)
		b.Min.Y = math.Min(b.Min.Y, p.Position.Y)
		b.Max.X = math.Max(b.Max.X, p.Position.X)
		b.Max.Y = math.Max(b.Max.Y, p.Position.Y)
	}
	half := step / 2
	b.Min.X -= half
	b.Min.Y -= half
	b.Max.X += half
	b.Max.Y += half
	return b
}

// Clone returns a copy of the layout with its own point slice, so a
// session can mutate thresholds without touching the original.
func (l *Layout) Clone() *Layout {
	c := *l
	c.Points = make([]models.FieldPoint, len(l.Points))
	copy(c.Points, l.Points)
	return &c
}

// PresentationOrder returns a random permutation of the point indices.
func (l *Layout) PresentationOrder(rng *rand.Rand) []int {
	return Shuffle(len(l.Points), rng)
}

// Shuffle returns a uniformly random permutation of 0..n-1 using the
// Fisher–Yates algorithm. A nil rng uses the global source.
func Shuffle(n int, rng *rand.Rand) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	intn := rand.Intn
	if rng != nil {
		intn = rng.Intn
	}
	for i := n - 1; i > 0; i-- {
		j := intn(i + 1)
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// IsPermutation reports whether order contains every index 0..n-1 exactly once.
func IsPermutation(order []int, n int) bool {
	if len(order) != n {
		return false
	}
	seen := make([]bool, n)
	for _, i := range order {
		if i < 0 || i >= n || seen[i] {
			return false
		}
		seen[i] = true
	}
	return true
}
