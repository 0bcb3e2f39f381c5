package visualization

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"smarthvf/internal/models"
	"smarthvf/pkg/field"
)

// TestRasterImage verifies the conversion of map values to 16-bit gray
func TestRasterImage(t *testing.T) {
	r := models.NewRaster(3, 2)
	r.Set(0, 0, 0)
	r.Set(1, 0, 1)
	r.Set(2, 0, 0.5)
	r.Set(0, 1, -0.2)
	r.Set(1, 1, 1.7)

	img := RasterImage(r)
	if img.Bounds().Dx() != 3 || img.Bounds().Dy() != 2 {
		t.Fatalf("Expected 3x2 image, got %v", img.Bounds())
	}

	cases := []struct {
		x, y int
		want uint16
	}{
		{0, 0, 0},
		{1, 0, 65535},
		{2, 0, 32767},
		{0, 1, 0},
		{1, 1, 65535},
	}
	for _, c := range cases {
		if got := img.Gray16At(c.x, c.y).Y; got != c.want {
			t.Errorf("pixel (%d,%d): expected %d, got %d", c.x, c.y, c.want, got)
		}
	}
}

// TestSnapshot verifies stimuli are drawn at their position and brightness
func TestSnapshot(t *testing.T) {
	bounds := models.Bounds{Min: models.Vec2{X: -2, Y: -2}, Max: models.Vec2{X: 2, Y: 2}}
	points := []models.FieldPoint{
		{Position: models.Vec2{X: -1, Y: 1}, Brightness: 1, Size: models.SizeV},
		{Position: models.Vec2{X: 1, Y: -1}, Brightness: 0.5, Size: models.SizeV},
	}

	img, err := Snapshot(points, bounds, 1, 100, 100, color.Gray{Y: 10})
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// (-1, 1) lands in the upper left quarter
	if got := img.GrayAt(25, 25).Y; got != 255 {
		t.Errorf("Expected full brightness at the first stimulus, got %d", got)
	}
	if got := img.GrayAt(75, 75).Y; got < 126 || got > 129 {
		t.Errorf("Expected half brightness at the second stimulus, got %d", got)
	}
	if got := img.GrayAt(2, 98).Y; got != 10 {
		t.Errorf("Expected background in the corner, got %d", got)
	}
}

func TestSnapshotRejectsBadInput(t *testing.T) {
	bounds := models.Bounds{Max: models.Vec2{X: 1, Y: 1}}
	if _, err := Snapshot(nil, bounds, 1, 0, 10, color.Gray{}); err == nil {
		t.Error("Expected error for zero width")
	}
	if _, err := Snapshot(nil, models.Bounds{}, 1, 10, 10, color.Gray{}); err == nil {
		t.Error("Expected error for degenerate bounds")
	}
}

// TestSaveImage verifies every supported format round-trips through the decoder
func TestSaveImage(t *testing.T) {
	dir := t.TempDir()
	r := models.NewRaster(8, 8)
	for i := range r.Pix {
		r.Pix[i] = float64(i) / 64
	}
	img := RasterImage(r)

	for _, name := range []string{"map.png", "map.jpg", "map.bmp", "map.tiff"} {
		path := filepath.Join(dir, "nested", name)
		if err := SaveImage(img, path); err != nil {
			t.Fatalf("SaveImage(%s) failed: %v", name, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Expected %s to exist: %v", name, err)
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	if err := SaveImage(img, filepath.Join(dir, "map.gif")); err == nil {
		t.Error("Expected error for an unsupported extension")
	}
	if _, err := os.Stat(filepath.Join(dir, "map.gif")); !errors.Is(err, os.ErrNotExist) {
		t.Error("Unsupported format should not leave a file behind")
	}
}

// memorySink records exported images
type memorySink struct {
	images map[string]image.Image
}

func (m *memorySink) SaveImage(name string, img image.Image) (string, error) {
	if m.images == nil {
		m.images = map[string]image.Image{}
	}
	m.images[name] = img
	return "mem:" + name, nil
}

func testRecord(mapped bool) *models.TestRecord {
	l := field.Generate(models.Left, models.SizeIII, 5)
	rec := models.NewTestRecord(nil, models.Left, models.SizeIII, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC))
	rec.Field = l.Points
	rec.Bounds = l.Bounds
	rec.StepSize = l.StepSize
	if mapped {
		rec.Raster = models.NewRaster(16, 16)
	}
	return rec
}

func TestExportRecord(t *testing.T) {
	sink := &memorySink{}
	saved, err := ExportRecord(sink, testRecord(true), true)
	if err != nil {
		t.Fatalf("ExportRecord failed: %v", err)
	}
	if len(saved) != 2 {
		t.Fatalf("Expected 2 exported images, got %d", len(saved))
	}
	if _, ok := sink.images["20240301-10-00-00-map.png"]; !ok {
		t.Error("Expected map image")
	}
	field, ok := sink.images["20240301-10-00-00-field.png"]
	if !ok {
		t.Fatal("Expected field snapshot")
	}
	if field.Bounds().Dx() != SnapshotSize {
		t.Errorf("Expected snapshot width %d, got %d", SnapshotSize, field.Bounds().Dx())
	}
}

func TestExportUnmapped(t *testing.T) {
	sink := &memorySink{}
	saved, err := ExportRecord(sink, testRecord(false), false)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved) != 0 || len(sink.images) != 0 {
		t.Errorf("Expected nothing exported, got %v", saved)
	}
}

func TestGallery(t *testing.T) {
	g := NewGallery(t.TempDir(), "SmartHVF")
	names, err := g.List()
	if err != nil || len(names) != 0 {
		t.Fatalf("Expected empty album, got %v, %v", names, err)
	}

	saved, err := ExportRecord(g, testRecord(true), true)
	if err != nil {
		t.Fatalf("ExportRecord failed: %v", err)
	}
	for _, p := range saved {
		if filepath.Dir(p) != g.Path() {
			t.Errorf("Expected %s inside %s", p, g.Path())
		}
	}
	names, err = g.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Errorf("Expected 2 images in the album, got %v", names)
	}

	if _, err := g.SaveImage("../escape.png", RasterImage(models.NewRaster(1, 1))); err == nil {
		t.Error("Expected error for a name with a path separator")
	}
}
