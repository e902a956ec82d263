// Package placement gates overlay attachment per item so that an item has at
// most one live overlay at any time.
//
// Transitions use compare-and-set on the per-item state: a placement first
// reserves the item (Placing) under the lock, then runs the hit test and the
// attach without the lock, then commits. Concurrent attempts see the
// reservation and are rejected without touching the renderer.
package placement

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/e7canasta/scanlens/modules/itemcache"
)

type entry struct {
	state   State
	handle  Handle
	visible bool
	seq     uint64 // placement order, for Active
	forget  bool   // Forget arrived while Placing
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithHandleFunc overrides handle allocation (uuid by default).
func WithHandleFunc(fn func() Handle) Option {
	return func(m *Machine) {
		if fn != nil {
			m.newHandle = fn
		}
	}
}

// Machine tracks placement state for every item it has seen.
// Safe for concurrent use.
type Machine struct {
	renderer  Renderer
	logger    *slog.Logger
	newHandle func() Handle

	mu      sync.Mutex
	entries map[string]*entry
	seq     uint64

	placed, rejected, misses, attachFailures, detached uint64

	obsMu     sync.RWMutex
	observers map[uint64]func(Change)
	nextObsID uint64
}

// NewMachine creates a machine driving r.
func NewMachine(r Renderer, opts ...Option) *Machine {
	m := &Machine{
		renderer:  r,
		logger:    slog.Default(),
		newHandle: func() Handle { return Handle(uuid.NewString()) },
		entries:   make(map[string]*entry),
		observers: make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "placement")
	return m
}

// TryPlace reports whether item was placed at p.
func (m *Machine) TryPlace(item *itemcache.Item, p Point) bool {
	return m.Place(item, p).OK()
}

// Place attempts Unplaced|Detached → Placed.
//
// An item already Placed (or being placed) is rejected before the hit test.
// A hit-test miss or attach error leaves the state unchanged. An item
// forgotten before the attempt finished yields OutcomeForgotten and no overlay.
func (m *Machine) Place(item *itemcache.Item, p Point) Outcome {
	if item == nil || item.Barcode == "" {
		return OutcomeInvalidItem
	}
	b := item.Barcode

	m.mu.Lock()
	e, ok := m.entries[b]
	if !ok {
		e = &entry{state: Unplaced}
		m.entries[b] = e
	}
	if e.state == Placed || e.state == Placing {
		m.rejected++
		m.mu.Unlock()
		return OutcomeAlreadyPlaced
	}
	prev := e.state
	e.state = Placing
	m.mu.Unlock()

	anchor, hit := m.renderer.HitTest(p)
	if !hit {
		if m.rollback(b, e, prev, func() { m.misses++ }) {
			return OutcomeForgotten
		}
		return OutcomeHitTestMiss
	}

	h := m.newHandle()
	if err := m.renderer.AttachOverlay(h, anchor, item); err != nil {
		m.logger.Warn("attach overlay failed", "barcode", b, "error", err)
		if m.rollback(b, e, prev, func() { m.attachFailures++ }) {
			return OutcomeForgotten
		}
		return OutcomeAttachFailed
	}

	m.mu.Lock()
	if e.forget {
		delete(m.entries, b)
		m.mu.Unlock()
		// Forgotten while attaching: the overlay must not outlive the item.
		m.renderer.DetachOverlay(h)
		return OutcomeForgotten
	}
	e.state = Placed
	e.handle = h
	e.visible = true
	m.seq++
	e.seq = m.seq
	m.placed++
	m.mu.Unlock()

	m.logger.Debug("item placed", "barcode", b, "handle", h)
	m.notify(Change{Barcode: b, From: prev, To: Placed, Handle: h})
	return OutcomePlaced
}

// rollback restores prev, or drops the entry when Forget arrived meanwhile.
// Reports whether the entry was dropped.
func (m *Machine) rollback(b string, e *entry, prev State, count func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	count()
	if e.forget {
		delete(m.entries, b)
		return true
	}
	e.state = prev
	return false
}

// Detach releases the overlay of a Placed item. Returns false otherwise.
func (m *Machine) Detach(barcode string) bool {
	m.mu.Lock()
	e, ok := m.entries[barcode]
	if !ok || e.state != Placed {
		m.mu.Unlock()
		return false
	}
	h := e.handle
	e.state = Detached
	e.handle = ""
	e.visible = false
	m.detached++
	m.mu.Unlock()

	m.renderer.DetachOverlay(h)
	m.notify(Change{Barcode: barcode, From: Placed, To: Detached, Handle: h})
	return true
}

// SetVisibility toggles a Placed item's overlay. Returns false otherwise.
func (m *Machine) SetVisibility(barcode string, visible bool) bool {
	m.mu.Lock()
	e, ok := m.entries[barcode]
	if !ok || e.state != Placed {
		m.mu.Unlock()
		return false
	}
	e.visible = visible
	h := e.handle
	m.mu.Unlock()

	m.renderer.SetOverlayVisible(h, visible)
	return true
}

// Forget drops all state for barcode, detaching a live overlay.
// Used when the item leaves the cache.
func (m *Machine) Forget(barcode string) {
	m.mu.Lock()
	e, ok := m.entries[barcode]
	if !ok {
		m.mu.Unlock()
		return
	}
	if e.state == Placing {
		e.forget = true
		m.mu.Unlock()
		return
	}
	delete(m.entries, barcode)
	from, h := e.state, e.handle
	if from == Placed {
		m.detached++
	}
	m.mu.Unlock()

	if from == Placed {
		m.renderer.DetachOverlay(h)
		m.notify(Change{Barcode: barcode, From: Placed, To: Unplaced, Handle: h})
	}
}

// State returns the placement state (Unplaced for unknown items).
func (m *Machine) State(barcode string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[barcode]; ok {
		return e.state
	}
	return Unplaced
}

// Handle returns the live overlay handle of a Placed item.
func (m *Machine) Handle(barcode string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[barcode]; ok && e.state == Placed {
		return e.handle, true
	}
	return "", false
}

// Visible reports whether a Placed item's overlay is shown.
func (m *Machine) Visible(barcode string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[barcode]
	return ok && e.state == Placed && e.visible
}

// Active returns the Placed barcodes in placement order.
func (m *Machine) Active() []string {
	m.mu.Lock()
	type placed struct {
		barcode string
		seq     uint64
	}
	list := make([]placed, 0, len(m.entries))
	for b, e := range m.entries {
		if e.state == Placed {
			list = append(list, placed{b, e.seq})
		}
	}
	m.mu.Unlock()

	slices.SortFunc(list, func(a, b placed) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	out := make([]string, len(list))
	for i, p := range list {
		out[i] = p.barcode
	}
	return out
}

// Stats returns a snapshot of machine counters.
func (m *Machine) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	active := 0
	for _, e := range m.entries {
		if e.state == Placed {
			active++
		}
	}
	return Stats{
		Tracked:        len(m.entries),
		Active:         active,
		Placed:         m.placed,
		Rejected:       m.rejected,
		HitTestMisses:  m.misses,
		AttachFailures: m.attachFailures,
		Detached:       m.detached,
	}
}

// OnChange registers fn for committed transitions. The returned function removes it.
func (m *Machine) OnChange(fn func(Change)) (cancel func()) {
	if fn == nil {
		return func() {}
	}

	m.obsMu.Lock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = fn
	m.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.obsMu.Lock()
			delete(m.observers, id)
			m.obsMu.Unlock()
		})
	}
}

func (m *Machine) notify(c Change) {
	m.obsMu.RLock()
	fns := make([]func(Change), 0, len(m.observers))
	for _, fn := range m.observers {
		fns = append(fns, fn)
	}
	m.obsMu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}
