// Package interpolation turns the sparse thresholds of a finished field into
// a dense eye map.
//
// Every samplable cell of a mask takes the average sensitivity (1 minus the
// brightness) of the field points within a fixed radius of the cell center.
// When no point is that close the nearest point is used instead.
package interpolation

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"

	"smarthvf/internal/logging"
	"smarthvf/internal/models"
)

// DefaultRadiusFactor scales the grid step to the sampling radius.
const DefaultRadiusFactor = 0.7778

var (
	// ErrMissingMask is returned when no eye-map template is available.
	ErrMissingMask = errors.New("eye-map mask not available")
	// ErrEmptyField is returned when there are no points to sample.
	ErrEmptyField = errors.New("stimulus field is empty")
)

// Mask is an eye-map template. Cells that are not samplable keep their base
// value in the output raster.
type Mask interface {
	Width() int
	Height() int
	Samplable(col, row int) bool
	Base(col, row int) float64
}

// Point2D is a field position tagged with its index in the field.
type Point2D struct {
	X, Y  float64
	Index int
}

// Compare implements the kdtree.Comparable interface
func (p Point2D) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(Point2D)
	switch d {
	case 0:
		return p.X - q.X
	case 1:
		return p.Y - q.Y
	default:
		panic("illegal dimension")
	}
}

// Dims returns the number of dimensions for the KD-tree
func (p Point2D) Dims() int { return 2 }

// Distance returns the squared Euclidean distance between two points
func (p Point2D) Distance(c kdtree.Comparable) float64 {
	q := c.(Point2D)
	return dist2(p.X, p.Y, q.X, q.Y)
}

func dist2(ax, ay, bx, by float64) float64 {
	dx := ax - bx
	dy := ay - by
	return dx*dx + dy*dy
}

// Points2D is a collection of Point2D that satisfies kdtree.Interface
type Points2D []Point2D

func (p Points2D) Index(i int) kdtree.Comparable         { return p[i] }
func (p Points2D) Len() int                              { return len(p) }
func (p Points2D) Slice(start, end int) kdtree.Interface { return p[start:end] }

// Pivot implements the kdtree.Interface method
func (p Points2D) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(pointPlane{Points2D: p, Dim: d}, kdtree.MedianOfMedians(pointPlane{Points2D: p, Dim: d}))
}

// pointPlane implements sort.Interface and kdtree.SortSlicer for Points2D
type pointPlane struct {
	Points2D
	kdtree.Dim
}

func (p pointPlane) Less(i, j int) bool {
	switch p.Dim {
	case 0:
		return p.Points2D[i].X < p.Points2D[j].X
	case 1:
		return p.Points2D[i].Y < p.Points2D[j].Y
	default:
		panic("illegal dimension")
	}
}

func (p pointPlane) Slice(start, end int) kdtree.SortSlicer {
	return pointPlane{Points2D: p.Points2D[start:end], Dim: p.Dim}
}

func (p pointPlane) Swap(i, j int) {
	p.Points2D[i], p.Points2D[j] = p.Points2D[j], p.Points2D[i]
}

// Sampler answers radius-average queries over one field. It only reads the
// points it was built from and is safe for concurrent use.
type Sampler struct {
	points []models.FieldPoint
	radius float64
	r2     float64
	tree   *kdtree.Tree
}

// NewSampler indexes points for queries with the given radius.
func NewSampler(points []models.FieldPoint, radius float64) *Sampler {
	pts := make([]models.FieldPoint, len(points))
	copy(pts, points)

	s := &Sampler{points: pts, radius: radius, r2: radius * radius}
	if len(pts) > 0 {
		idx := make(Points2D, len(pts))
		for i, p := range pts {
			idx[i] = Point2D{X: p.Position.X, Y: p.Position.Y, Index: i}
		}
		s.tree = kdtree.New(idx, false)
	}
	return s
}

// Radius returns the sampling radius.
func (s *Sampler) Radius() float64 { return s.radius }

// Sample returns the map value at pos. A sampler without points returns 0.
func (s *Sampler) Sample(pos models.Vec2) float64 {
	if len(s.points) == 0 {
		return 0
	}
	// the tree search is slightly generous; the exact predicate below decides
	keeper := kdtree.NewDistKeeper(s.r2*(1+1e-9) + 1e-12)
	s.tree.NearestSet(keeper, Point2D{X: pos.X, Y: pos.Y, Index: -1})

	within := make([]int, 0, len(keeper.Heap))
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		i := item.Comparable.(Point2D).Index
		if s.inRadius(pos, i) {
			within = append(within, i)
		}
	}
	if len(within) == 0 {
		return s.nearest(pos)
	}
	// sum in field order so the result does not depend on tree layout
	sort.Ints(within)
	return s.average(within)
}

// sampleBrute is Sample without the tree.
func (s *Sampler) sampleBrute(pos models.Vec2) float64 {
	if len(s.points) == 0 {
		return 0
	}
	var within []int
	for i := range s.points {
		if s.inRadius(pos, i) {
			within = append(within, i)
		}
	}
	if len(within) == 0 {
		return s.nearest(pos)
	}
	return s.average(within)
}

func (s *Sampler) inRadius(pos models.Vec2, i int) bool {
	p := s.points[i].Position
	return dist2(pos.X, pos.Y, p.X, p.Y) <= s.r2
}

func (s *Sampler) average(indices []int) float64 {
	var sum float64
	for _, i := range indices {
		sum += s.points[i].Sensitivity()
	}
	return sum / float64(len(indices))
}

// nearest returns the sensitivity of the closest point; the lowest index
// wins exact ties.
func (s *Sampler) nearest(pos models.Vec2) float64 {
	best := -1
	bestD := math.Inf(1)
	for i, p := range s.points {
		if d := dist2(pos.X, pos.Y, p.Position.X, p.Position.Y); d < bestD {
			best, bestD = i, d
		}
	}
	return s.points[best].Sensitivity()
}

// CellCenter returns the field position of raster cell (col, row) when a
// w×h raster covers bounds. Row 0 is the top edge.
func CellCenter(bounds models.Bounds, w, h, col, row int) models.Vec2 {
	return models.Vec2{
		X: bounds.Min.X + (float64(col)+0.5)*bounds.Width()/float64(w),
		Y: bounds.Max.Y - (float64(row)+0.5)*bounds.Height()/float64(h),
	}
}

// Rasterize builds the eye map of points over bounds using the mask's grid.
// The sampling radius is DefaultRadiusFactor times step.
func Rasterize(points []models.FieldPoint, bounds models.Bounds, step float64, mask Mask) (*models.Raster, error) {
	return RasterizeRadius(points, bounds, DefaultRadiusFactor*step, mask)
}

// RasterizeRadius is Rasterize with an explicit sampling radius.
func RasterizeRadius(points []models.FieldPoint, bounds models.Bounds, radius float64, mask Mask) (*models.Raster, error) {
	if err := check(points, mask); err != nil {
		return nil, err
	}
	s := NewSampler(points, radius)
	return rasterize(mask, bounds, s.Sample), nil
}

// RasterizeBrute computes the same map as Rasterize with a linear search of
// the field for every cell.
func RasterizeBrute(points []models.FieldPoint, bounds models.Bounds, step float64, mask Mask) (*models.Raster, error) {
	if err := check(points, mask); err != nil {
		return nil, err
	}
	s := NewSampler(points, DefaultRadiusFactor*step)
	return rasterize(mask, bounds, s.sampleBrute), nil
}

func check(points []models.FieldPoint, mask Mask) error {
	if mask == nil {
		return ErrMissingMask
	}
	if mask.Width() <= 0 || mask.Height() <= 0 {
		return fmt.Errorf("%w: empty template %dx%d", ErrMissingMask, mask.Width(), mask.Height())
	}
	if len(points) == 0 {
		return ErrEmptyField
	}
	return nil
}

// rasterize fills rows in parallel; every cell is written by exactly one
// worker so the result is deterministic.
func rasterize(mask Mask, bounds models.Bounds, sample func(models.Vec2) float64) *models.Raster {
	w, h := mask.Width(), mask.Height()
	out := models.NewRaster(w, h)

	numWorkers := runtime.NumCPU()
	if numWorkers > h {
		numWorkers = h
	}
	rowsPerWorker := (h + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for startRow := 0; startRow < h; startRow += rowsPerWorker {
		endRow := startRow + rowsPerWorker
		if endRow > h {
			endRow = h
		}
		wg.Add(1)
		go func(startRow, endRow int) {
			defer wg.Done()
			for row := startRow; row < endRow; row++ {
				for col := 0; col < w; col++ {
					if !mask.Samplable(col, row) {
						out.Set(col, row, mask.Base(col, row))
						continue
					}
					out.Set(col, row, sample(CellCenter(bounds, w, h, col, row)))
				}
			}
		}(startRow, endRow)
	}
	wg.Wait()

	logging.Logger().Debug("rasterized field", "width", w, "height", h, "workers", numWorkers)
	return out
}
