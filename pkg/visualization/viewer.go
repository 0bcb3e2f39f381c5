package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	"golang.org/x/image/vector"

	"smarthvf/internal/models"
)

// discScale is the snapshot disc radius of a size I stimulus, in grid steps.
const discScale = 0.05

// kappa places the control points of a cubic quarter circle.
const kappa = 0.5522847498

// RasterImage converts an eye map into a 16-bit grayscale image.
func RasterImage(r *models.Raster) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, r.Width, r.Height))
	for y := 0; y < r.Height; y++ {
		for x := 0; x < r.Width; x++ {
			value := uint16(math.Max(0, math.Min(65535, r.At(x, y)*65535)))
			img.SetGray16(x, y, color.Gray16{Y: value})
		}
	}
	return img
}

// Snapshot draws every stimulus of the field as a disc at its brightness on
// a w×h canvas covering bounds. Larger stimulus sizes give larger discs.
func Snapshot(points []models.FieldPoint, bounds models.Bounds, step float64, w, h int, background color.Gray) (*image.Gray, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid snapshot size %dx%d", w, h)
	}
	if bounds.Width() <= 0 || bounds.Height() <= 0 {
		return nil, fmt.Errorf("degenerate bounds %+v", bounds)
	}
	img := image.NewGray(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(background), image.Point{}, draw.Src)

	sx := float64(w) / bounds.Width()
	sy := float64(h) / bounds.Height()
	z := vector.NewRasterizer(w, h)
	for _, p := range points {
		cx := (p.Position.X - bounds.Min.X) * sx
		cy := (bounds.Max.Y - p.Position.Y) * sy
		r := discScale * step * p.Size.DiameterScale()
		z.Reset(w, h)
		circle(z, float32(cx), float32(cy), float32(r*sx), float32(r*sy))
		level := uint8(math.Round(math.Max(0, math.Min(1, p.Brightness)) * 255))
		z.Draw(img, img.Bounds(), image.NewUniform(color.Gray{Y: level}), image.Point{})
	}
	return img, nil
}

// circle adds an ellipse centered at (cx, cy) to the rasterizer path.
func circle(z *vector.Rasterizer, cx, cy, rx, ry float32) {
	kx, ky := rx*kappa, ry*kappa
	z.MoveTo(cx+rx, cy)
	z.CubeTo(cx+rx, cy+ky, cx+kx, cy+ry, cx, cy+ry)
	z.CubeTo(cx-kx, cy+ry, cx-rx, cy+ky, cx-rx, cy)
	z.CubeTo(cx-rx, cy-ky, cx-kx, cy-ry, cx, cy-ry)
	z.CubeTo(cx+kx, cy-ry, cx+rx, cy-ky, cx+rx, cy)
	z.ClosePath()
}

// SaveImage writes img to path. The format follows the extension: PNG,
// JPEG (quality 90), BMP or TIFF.
func SaveImage(img image.Image, path string) error {
	var encode func(f *os.File) error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		encode = func(f *os.File) error { return png.Encode(f, img) }
	case ".jpg", ".jpeg":
		encode = func(f *os.File) error { return jpeg.Encode(f, img, &jpeg.Options{Quality: 90}) }
	case ".bmp":
		encode = func(f *os.File) error { return bmp.Encode(f, img) }
	case ".tif", ".tiff":
		encode = func(f *os.File) error { return tiff.Encode(f, img, &tiff.Options{Compression: tiff.Deflate}) }
	default:
		return fmt.Errorf("unsupported image format: %q", filepath.Ext(path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := encode(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}
