// Package mask loads the eye-map templates used to rasterize a finished field.
//
// A template is an image with the same grid as the output map. Fully opaque
// pixels are sampled from the field; every other pixel keeps its own gray
// value, which carries the decorations of the map (background, blind spot).
package mask

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"smarthvf/internal/models"
	"smarthvf/pkg/interpolation"
)

// ErrMissingMask is returned when no template exists for an eye.
var ErrMissingMask = interpolation.ErrMissingMask

// Template is a decoded eye-map mask. It implements interpolation.Mask.
type Template struct {
	width     int
	height    int
	samplable []bool
	base      []float64
}

var _ interpolation.Mask = (*Template)(nil)

// New returns a black template without samplable cells.
func New(width, height int) *Template {
	return &Template{
		width:     width,
		height:    height,
		samplable: make([]bool, width*height),
		base:      make([]float64, width*height),
	}
}

func (t *Template) Width() int  { return t.width }
func (t *Template) Height() int { return t.height }

// Samplable reports whether the cell takes its value from the field.
func (t *Template) Samplable(col, row int) bool {
	if !t.inside(col, row) {
		return false
	}
	return t.samplable[row*t.width+col]
}

// Base returns the template gray value of the cell in [0, 1].
func (t *Template) Base(col, row int) float64 {
	if !t.inside(col, row) {
		return 0
	}
	return t.base[row*t.width+col]
}

// Set overrides one cell.
func (t *Template) Set(col, row int, samplable bool, base float64) {
	if !t.inside(col, row) {
		return
	}
	t.samplable[row*t.width+col] = samplable
	t.base[row*t.width+col] = base
}

// SamplableCount returns the number of samplable cells.
func (t *Template) SamplableCount() int {
	n := 0
	for _, s := range t.samplable {
		if s {
			n++
		}
	}
	return n
}

func (t *Template) inside(col, row int) bool {
	return col >= 0 && col < t.width && row >= 0 && row < t.height
}

// FromImage converts img into a template. A pixel is samplable when its
// alpha is fully opaque; its base is its luminance.
func FromImage(img image.Image) *Template {
	b := img.Bounds()
	t := New(b.Dx(), b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.At(x, y)
			_, _, _, a := c.RGBA()
			g := color.Gray16Model.Convert(c).(color.Gray16)
			t.Set(x-b.Min.X, y-b.Min.Y, a == 0xffff, float64(g.Y)/65535)
		}
	}
	return t
}

// Load decodes a PNG, JPEG, BMP, TIFF or WebP template.
func Load(path string) (*Template, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode mask %s: %w", path, err)
	}
	return FromImage(img), nil
}

// Synthetic draws a plain template for lat: the ellipse inscribed in the
// grid is samplable, the background is white and a dark blind spot sits on
// the temporal side.
func Synthetic(lat models.Laterality, width, height int) *Template {
	t := New(width, height)
	cx, cy := float64(width)/2, float64(height)/2
	rx, ry := cx, cy

	// the blind spot lies temporal to fixation: right of it for the right eye
	side := 1.0
	if lat == models.Left {
		side = -1.0
	}
	bx := cx + side*0.3*rx
	by := cy + 0.05*ry
	br := 0.07 * math.Min(rx, ry)

	for row := 0; row < height; row++ {
		for col := 0; col < width; col++ {
			x := float64(col) + 0.5
			y := float64(row) + 0.5
			dx, dy := (x-cx)/rx, (y-cy)/ry
			switch {
			case dx*dx+dy*dy > 1:
				t.Set(col, row, false, 1)
			case math.Hypot(x-bx, y-by) <= br:
				t.Set(col, row, false, 0)
			default:
				t.Set(col, row, true, 0)
			}
		}
	}
	return t
}
