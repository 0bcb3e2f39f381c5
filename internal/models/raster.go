package models

// Raster is a dense grayscale map derived from the sparse field thresholds.
// Samples are in [0, 1] and stored in row-major order, row 0 being the top
// edge (largest Y) of the sampled bounds.
type Raster struct {
	Width  int
	Height int
	Pix    []float64
}

// NewRaster allocates a zeroed raster.
func NewRaster(width, height int) *Raster {
	return &Raster{
		Width:  width,
		Height: height,
		Pix:    make([]float64, width*height),
	}
}

// At returns the sample at (x, y), or 0 outside the raster.
func (r *Raster) At(x, y int) float64 {
	if x < 0 || x >= r.Width || y < 0 || y >= r.Height {
		return 0
	}
	return r.Pix[y*r.Width+x]
}

// Set stores v at (x, y). Coordinates outside the raster are ignored.
func (r *Raster) Set(x, y int, v float64) {
	if x < 0 || x >= r.Width || y < 0 || y >= r.Height {
		return
	}
	r.Pix[y*r.Width+x] = v
}

// Clone returns a deep copy.
func (r *Raster) Clone() *Raster {
	c := NewRaster(r.Width, r.Height)
	copy(c.Pix, r.Pix)
	return c
}

// Equal reports whether both rasters have the same shape and bit-identical
// samples.
func (r *Raster) Equal(o *Raster) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Width != o.Width || r.Height != o.Height || len(r.Pix) != len(o.Pix) {
		return false
	}
	for i := range r.Pix {
		if r.Pix[i] != o.Pix[i] {
			return false
		}
	}
	return true
}
