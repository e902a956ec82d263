// Package source simulates a camera by replaying image files at a fixed rate.
package source

import (
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/e7canasta/scanlens/modules/framechannel"
)

// ErrNoFrames is returned when the source directory holds no usable image.
var ErrNoFrames = errors.New("source: no frames found")

// Sink receives produced frames. framechannel.Channel satisfies it.
type Sink interface {
	Offer(frame *framechannel.Frame)
}

// Config contains simulator settings.
type Config struct {
	Dir      string
	Interval time.Duration // tick period (default: 100ms)
	Loop     bool          // restart from the first image at the end
	Rotation int
}

// Stats is a snapshot of producer counters.
type Stats struct {
	Frames     int    // images loaded
	Produced   uint64 // frames offered
	Released   uint64 // frames released by any owner
	Loops      uint64 // completed passes over the directory
	ReadErrors uint64
}

type frameFile struct {
	path          string
	width, height int
}

// FileSim replays an image directory into a Sink.
type FileSim struct {
	cfg    Config
	files  []frameFile
	logger *slog.Logger

	produced   atomic.Uint64
	released   atomic.Uint64
	loops      atomic.Uint64
	readErrors atomic.Uint64
}

// NewFileSim scans cfg.Dir for JPEG/PNG files (sorted by name) and reads
// their dimensions. Files that cannot be decoded are skipped.
func NewFileSim(cfg Config, logger *slog.Logger) (*FileSim, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "source", "dir", cfg.Dir)
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}

	paths, err := listImages(cfg.Dir)
	if err != nil {
		return nil, err
	}

	files := make([]frameFile, 0, len(paths))
	for _, p := range paths {
		w, h, err := dimensions(p)
		if err != nil {
			logger.Warn("skipping unreadable frame", "file", filepath.Base(p), "error", err)
			continue
		}
		files = append(files, frameFile{path: p, width: w, height: h})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoFrames, cfg.Dir)
	}

	logger.Info("frames loaded", "count", len(files), "interval", cfg.Interval, "loop", cfg.Loop)
	return &FileSim{cfg: cfg, files: files, logger: logger}, nil
}

func listImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frame dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func dimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

// Run offers one frame per tick until ctx is done or, without Loop, the
// last image has been produced. Returns nil at the natural end.
func (s *FileSim) Run(ctx context.Context, sink Sink) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	idx := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		f := s.files[idx]
		data, err := os.ReadFile(f.path)
		if err != nil {
			s.readErrors.Add(1)
			s.logger.Error("failed to read frame", "file", filepath.Base(f.path), "error", err)
		} else {
			sink.Offer(framechannel.NewFrame(data, f.width, f.height, s.cfg.Rotation, time.Now(), s.onRelease))
			s.produced.Add(1)
		}

		idx++
		if idx < len(s.files) {
			continue
		}
		idx = 0
		n := s.loops.Add(1)
		s.logger.Debug("frame loop completed", "loop", n)
		if !s.cfg.Loop {
			s.logger.Info("all frames produced, source exiting", "produced", s.produced.Load())
			return nil
		}
	}
}

func (s *FileSim) onRelease() {
	s.released.Add(1)
}

// Stats returns a snapshot of producer counters.
func (s *FileSim) Stats() Stats {
	return Stats{
		Frames:     len(s.files),
		Produced:   s.produced.Load(),
		Released:   s.released.Load(),
		Loops:      s.loops.Load(),
		ReadErrors: s.readErrors.Load(),
	}
}

