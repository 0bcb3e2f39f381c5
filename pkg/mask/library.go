package mask

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"smarthvf/internal/logging"
	"smarthvf/internal/models"
	"smarthvf/pkg/interpolation"
)

// Extensions are tried in this order when looking up a template.
var Extensions = []string{".png", ".bmp", ".tif", ".tiff", ".webp", ".jpg", ".jpeg"}

// BaseName returns the file name, without extension, of the template for lat.
func BaseName(lat models.Laterality) string {
	if lat == models.Left {
		return "eyemap_left"
	}
	return "eyemap_right"
}

// Library finds and caches the templates of a directory.
type Library struct {
	// Dir holds eyemap_left.* and eyemap_right.*
	Dir string

	// Fallback synthesizes a Width×Height template when a file is missing
	Fallback bool
	Width    int
	Height   int

	mu    sync.Mutex
	cache map[models.Laterality]*Template
}

// NewLibrary returns a library reading dir.
func NewLibrary(dir string) *Library {
	return &Library{Dir: dir, Width: 256, Height: 256}
}

// Get returns the template for lat. Without a template file it returns
// ErrMissingMask, or a synthetic template when Fallback is set.
func (l *Library) Get(lat models.Laterality) (*Template, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.cache[lat]; ok {
		return t, nil
	}

	t, err := l.load(lat)
	if errors.Is(err, ErrMissingMask) && l.Fallback {
		if l.Width <= 0 || l.Height <= 0 {
			return nil, fmt.Errorf("%w: no size for a synthetic template", ErrMissingMask)
		}
		logging.Logger().Info("using synthetic eye map", "laterality", lat.String())
		t, err = Synthetic(lat, l.Width, l.Height), nil
	}
	if err != nil {
		return nil, err
	}
	if l.cache == nil {
		l.cache = make(map[models.Laterality]*Template)
	}
	l.cache[lat] = t
	return t, nil
}

// Mask is Get typed for the rasterizer.
func (l *Library) Mask(lat models.Laterality) (interpolation.Mask, error) {
	t, err := l.Get(lat)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Path returns the template file used for lat, or "" if there is none.
func (l *Library) Path(lat models.Laterality) string {
	if l.Dir == "" {
		return ""
	}
	base := filepath.Join(l.Dir, BaseName(lat))
	for _, ext := range Extensions {
		if fi, err := os.Stat(base + ext); err == nil && !fi.IsDir() {
			return base + ext
		}
	}
	return ""
}

func (l *Library) load(lat models.Laterality) (*Template, error) {
	path := l.Path(lat)
	if path == "" {
		return nil, fmt.Errorf("%w: no %s template in %q", ErrMissingMask, BaseName(lat), l.Dir)
	}
	t, err := Load(path)
	if err != nil {
		return nil, err
	}
	logging.Logger().Debug("loaded eye map", "path", path, "width", t.Width(), "height", t.Height())
	return t, nil
}

// Invalidate drops the cached templates.
func (l *Library) Invalidate() {
	l.mu.Lock()
	l.cache = nil
	l.mu.Unlock()
}

// Watch invalidates the cache whenever a template file in Dir changes. It
// blocks until ctx is done or the watcher fails. ready, if not nil, is
// closed once the directory is being watched.
func (l *Library) Watch(ctx context.Context, ready chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err = watcher.Add(l.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", l.Dir, err)
	}
	if ready != nil {
		close(ready)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isTemplate(ev.Name) {
				logging.Logger().Info("eye map changed", "file", ev.Name, "op", ev.Op.String())
				l.Invalidate()
			}
		}
	}
}

func isTemplate(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, BaseName(models.Left)) || strings.HasPrefix(base, BaseName(models.Right))
}
