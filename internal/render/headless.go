// Package render is a headless scene: it keeps overlay and box state in
// memory and answers hit tests against configured surfaces, so the scanner
// runs without a display attached.
package render

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/e7canasta/scanlens/modules/itemcache"
	"github.com/e7canasta/scanlens/modules/placement"
)

var (
	// ErrDuplicateHandle is returned when a handle is attached twice.
	ErrDuplicateHandle = errors.New("render: overlay handle already attached")

	// ErrSceneFull is returned when MaxOverlays live overlays exist.
	ErrSceneFull = errors.New("render: overlay limit reached")
)

// Overlay is a live item overlay.
type Overlay struct {
	Handle     placement.Handle
	Barcode    string
	Anchor     image.Point
	Visible    bool
	AttachedAt time.Time
}

// Box is a transient detection highlight in screen space.
type Box struct {
	Barcode string
	Rect    image.Rectangle
}

// ChangeType tags a scene change.
type ChangeType string

const (
	OverlayAttached ChangeType = "overlay_attached"
	OverlayDetached ChangeType = "overlay_detached"
	OverlayShown    ChangeType = "overlay_shown"
	OverlayHidden   ChangeType = "overlay_hidden"
)

// Change describes one overlay change.
type Change struct {
	Type    ChangeType
	Overlay Overlay
}

// Config contains scene settings.
type Config struct {
	// Viewport is the screen area. Defaults to 1280x720.
	Viewport image.Rectangle

	// Surfaces are the areas overlays can anchor to. Empty means the
	// whole viewport.
	Surfaces []image.Rectangle

	// MaxOverlays caps live overlays; 0 means unlimited.
	MaxOverlays int
}

// Headless implements placement.Renderer. Safe for concurrent use.
type Headless struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	overlays map[placement.Handle]*Overlay
	boxes    map[string]Box
	onChange func(Change)
}

var _ placement.Renderer = (*Headless)(nil)

// NewHeadless creates an empty scene. onChange, when non-nil, is invoked
// outside the scene lock for every overlay change.
func NewHeadless(cfg Config, logger *slog.Logger, onChange func(Change)) *Headless {
	if cfg.Viewport.Empty() {
		cfg.Viewport = image.Rect(0, 0, 1280, 720)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Headless{
		cfg:      cfg,
		logger:   logger.With("component", "render"),
		overlays: make(map[placement.Handle]*Overlay),
		boxes:    make(map[string]Box),
		onChange: onChange,
	}
}

// HitTest returns p itself as the anchor when it lies on a surface.
func (h *Headless) HitTest(p placement.Point) (placement.Anchor, bool) {
	if !p.In(h.cfg.Viewport) {
		return nil, false
	}
	if len(h.cfg.Surfaces) == 0 {
		return p, true
	}
	for _, s := range h.cfg.Surfaces {
		if p.In(s) {
			return p, true
		}
	}
	return nil, false
}

// AttachOverlay registers a live overlay for item.
func (h *Headless) AttachOverlay(handle placement.Handle, anchor placement.Anchor, item *itemcache.Item) error {
	p, ok := anchor.(image.Point)
	if !ok {
		return fmt.Errorf("render: unsupported anchor %T", anchor)
	}

	h.mu.Lock()
	if _, exists := h.overlays[handle]; exists {
		h.mu.Unlock()
		return ErrDuplicateHandle
	}
	if h.cfg.MaxOverlays > 0 && len(h.overlays) >= h.cfg.MaxOverlays {
		h.mu.Unlock()
		return ErrSceneFull
	}
	o := &Overlay{
		Handle:     handle,
		Barcode:    item.Barcode,
		Anchor:     p,
		Visible:    true,
		AttachedAt: time.Now(),
	}
	h.overlays[handle] = o
	snapshot := *o
	h.mu.Unlock()

	h.logger.Debug("overlay attached", "barcode", item.Barcode, "handle", handle, "anchor", p)
	h.emit(Change{Type: OverlayAttached, Overlay: snapshot})
	return nil
}

// DetachOverlay removes an overlay. Unknown handles are ignored.
func (h *Headless) DetachOverlay(handle placement.Handle) {
	h.mu.Lock()
	o, ok := h.overlays[handle]
	if ok {
		delete(h.overlays, handle)
	}
	h.mu.Unlock()

	if ok {
		h.emit(Change{Type: OverlayDetached, Overlay: *o})
	}
}

// SetOverlayVisible shows or hides an overlay. Unknown handles are ignored.
func (h *Headless) SetOverlayVisible(handle placement.Handle, visible bool) {
	h.mu.Lock()
	o, ok := h.overlays[handle]
	changed := ok && o.Visible != visible
	if changed {
		o.Visible = visible
	}
	var snapshot Overlay
	if ok {
		snapshot = *o
	}
	h.mu.Unlock()

	if !changed {
		return
	}
	typ := OverlayHidden
	if visible {
		typ = OverlayShown
	}
	h.emit(Change{Type: typ, Overlay: snapshot})
}

func (h *Headless) emit(c Change) {
	if h.onChange != nil {
		h.onChange(c)
	}
}

// Overlays returns the live overlays ordered by attach time.
func (h *Headless) Overlays() []Overlay {
	h.mu.Lock()
	out := make([]Overlay, 0, len(h.overlays))
	for _, o := range h.overlays {
		out = append(out, *o)
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AttachedAt.Equal(out[j].AttachedAt) {
			return out[i].Barcode < out[j].Barcode
		}
		return out[i].AttachedAt.Before(out[j].AttachedAt)
	})
	return out
}

// DrawBox shows (or moves) the transient box of a barcode.
func (h *Headless) DrawBox(barcode string, rect image.Rectangle) {
	h.mu.Lock()
	h.boxes[barcode] = Box{Barcode: barcode, Rect: rect}
	h.mu.Unlock()
}

// ClearBoxes removes every transient box.
func (h *Headless) ClearBoxes() {
	h.mu.Lock()
	clear(h.boxes)
	h.mu.Unlock()
}

// Boxes returns the transient boxes sorted by barcode.
func (h *Headless) Boxes() []Box {
	h.mu.Lock()
	out := make([]Box, 0, len(h.boxes))
	for _, b := range h.boxes {
		out = append(out, b)
	}
	h.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Barcode < out[j].Barcode })
	return out
}
