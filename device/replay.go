package device

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	iface "SmartBin/interface"
	"SmartBin/logger"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
)

var replayExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".bmp": true}

// Replay is a Camera that loops over the images of a directory in name
// order, one frame per interval. Width and height, when set, resize every image.
type Replay struct {
	Dir      string
	Interval time.Duration
	Width    int
	Height   int

	mu    sync.Mutex
	files []string
	next  int
	last  time.Time
}

func NewReplay(dir string, interval time.Duration, width, height int) *Replay {
	return &Replay{Dir: dir, Interval: interval, Width: width, Height: height}
}

func (r *Replay) Open() error {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return fmt.Errorf("%w: replay dir: %w", iface.ErrDeviceOpen, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !replayExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(r.Dir, e.Name()))
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: no images in %s", iface.ErrDeviceOpen, r.Dir)
	}
	sort.Strings(files)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = files
	r.next = 0
	logger.Log().Info("replay camera opened", zap.String("dir", r.Dir), zap.Int("images", len(files)))
	return nil
}

func (r *Replay) ReadFrame() (iface.Frame, error) {
	r.mu.Lock()
	if len(r.files) == 0 {
		r.mu.Unlock()
		return iface.Frame{}, fmt.Errorf("%w: replay camera not open", iface.ErrCapture)
	}
	if wait := r.Interval - time.Since(r.last); !r.last.IsZero() && wait > 0 {
		r.mu.Unlock()
		time.Sleep(wait)
		r.mu.Lock()
		if len(r.files) == 0 {
			r.mu.Unlock()
			return iface.Frame{}, fmt.Errorf("%w: replay camera closed", iface.ErrCapture)
		}
	}
	path := r.files[r.next]
	r.next = (r.next + 1) % len(r.files)
	r.last = time.Now()
	r.mu.Unlock()

	img, err := imaging.Open(path)
	if err != nil {
		return iface.Frame{}, fmt.Errorf("%w: %s: %w", iface.ErrCapture, path, err)
	}
	if r.Width > 0 && r.Height > 0 {
		img = imaging.Resize(img, r.Width, r.Height, imaging.Linear)
	}
	return FromImage(img), nil
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.files = nil
	return nil
}
