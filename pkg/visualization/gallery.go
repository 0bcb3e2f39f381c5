package visualization

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"smarthvf/internal/logging"
	"smarthvf/internal/models"
)

// SnapshotSize is the edge length of exported field snapshots.
const SnapshotSize = 512

// ImageSink receives exported images.
type ImageSink interface {
	// SaveImage stores img under name and returns where it went.
	SaveImage(name string, img image.Image) (string, error)
}

// Gallery saves images to an album directory.
type Gallery struct {
	Dir   string
	Album string
}

// NewGallery returns a gallery writing to dir/album.
func NewGallery(dir, album string) *Gallery {
	return &Gallery{Dir: dir, Album: album}
}

// Path returns the album directory.
func (g *Gallery) Path() string {
	return filepath.Join(g.Dir, g.Album)
}

// SaveImage writes img to the album. The name must be a plain file name.
func (g *Gallery) SaveImage(name string, img image.Image) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid image name %q", name)
	}
	if g.Dir == "" {
		return "", errors.New("gallery directory not set")
	}
	path := filepath.Join(g.Path(), name)
	if err := SaveImage(img, path); err != nil {
		return "", err
	}
	return path, nil
}

// List returns the file names in the album.
func (g *Gallery) List() ([]string, error) {
	entries, err := os.ReadDir(g.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ExportRecord sends the eye map of rec to sink as "<ID>-map.png" and, when
// snapshot is set, the stimulus field as "<ID>-field.png". An unmapped
// record only exports its snapshot. It returns the stored locations.
func ExportRecord(sink ImageSink, rec *models.TestRecord, snapshot bool) ([]string, error) {
	var saved []string
	if rec.Mapped() {
		loc, err := sink.SaveImage(rec.ID+"-map.png", RasterImage(rec.Raster))
		if err != nil {
			return saved, fmt.Errorf("failed to export eye map: %w", err)
		}
		saved = append(saved, loc)
	}
	if snapshot && len(rec.Field) > 0 {
		img, err := Snapshot(rec.Field, rec.Bounds, rec.StepSize, SnapshotSize, SnapshotSize, color.Gray{})
		if err != nil {
			return saved, fmt.Errorf("failed to draw field snapshot: %w", err)
		}
		loc, err := sink.SaveImage(rec.ID+"-field.png", img)
		if err != nil {
			return saved, fmt.Errorf("failed to export field snapshot: %w", err)
		}
		saved = append(saved, loc)
	}
	logging.Logger().Debug("exported record images", "record", rec.ID, "files", len(saved))
	return saved, nil
}
