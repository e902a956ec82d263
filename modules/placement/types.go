package placement

import (
	"fmt"
	"image"

	"github.com/e7canasta/scanlens/modules/itemcache"
)

// State is the placement state of one item.
type State int

const (
	// Unplaced is the initial state.
	Unplaced State = iota
	// Placing is held while the hit test and attach run. Further
	// placement attempts are rejected as if the item were Placed.
	Placing
	// Placed means a live overlay exists; the item has a Handle.
	Placed
	// Detached behaves like Unplaced for placement, but the item has been
	// dismissed from the active display list.
	Detached
)

func (s State) String() string {
	switch s {
	case Unplaced:
		return "unplaced"
	case Placing:
		return "placing"
	case Placed:
		return "placed"
	case Detached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Outcome is the result of a placement attempt.
type Outcome int

const (
	OutcomePlaced Outcome = iota + 1
	// OutcomeAlreadyPlaced: the item is placed or being placed; no hit test ran.
	OutcomeAlreadyPlaced
	// OutcomeHitTestMiss: nothing to anchor to at the screen point.
	OutcomeHitTestMiss
	// OutcomeAttachFailed: the renderer refused the overlay.
	OutcomeAttachFailed
	// OutcomeInvalidItem: nil item or empty barcode.
	OutcomeInvalidItem
	// OutcomeForgotten: Forget arrived during the hit test or attach; any
	// overlay attached meanwhile was removed.
	OutcomeForgotten
)

func (o Outcome) String() string {
	switch o {
	case OutcomePlaced:
		return "placed"
	case OutcomeAlreadyPlaced:
		return "already_placed"
	case OutcomeHitTestMiss:
		return "hit_test_miss"
	case OutcomeAttachFailed:
		return "attach_failed"
	case OutcomeInvalidItem:
		return "invalid_item"
	case OutcomeForgotten:
		return "forgotten"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// OK reports whether the overlay was attached.
func (o Outcome) OK() bool { return o == OutcomePlaced }

// Point is a screen coordinate.
type Point = image.Point

// Anchor is a renderer-owned spatial attachment point. Opaque to the machine.
type Anchor any

// Handle identifies a live overlay. Opaque token, empty when not placed.
type Handle string

// Renderer is the rendering collaborator that owns the real overlay resources.
//
// Calls are made without the machine's lock held. DetachOverlay and
// SetOverlayVisible may receive a handle that was detached concurrently and
// must ignore unknown handles.
type Renderer interface {
	HitTest(p Point) (Anchor, bool)
	AttachOverlay(h Handle, anchor Anchor, item *itemcache.Item) error
	DetachOverlay(h Handle)
	SetOverlayVisible(h Handle, visible bool)
}

// Change is emitted on every committed state transition.
type Change struct {
	Barcode string
	From    State
	To      State
	Handle  Handle // handle involved in the transition (new on place, released on detach)
}

// Stats is a snapshot of machine counters.
type Stats struct {
	Tracked        int
	Active         int
	Placed         uint64
	Rejected       uint64
	HitTestMisses  uint64
	AttachFailures uint64
	Detached       uint64
}
