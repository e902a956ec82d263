package core

import (
	"context"
	"image"

	"github.com/e7canasta/scanlens/internal/emitter"
	"github.com/e7canasta/scanlens/internal/source"
	"github.com/e7canasta/scanlens/modules/itemcache"
	"github.com/e7canasta/scanlens/modules/placement"
	"github.com/e7canasta/scanlens/modules/resultrouter"
)

// Fetcher resolves a barcode to its backend record.
// An unknown barcode is an empty record, not an error.
type Fetcher interface {
	Fetch(ctx context.Context, barcode string) (itemcache.Record, error)
}

// Overlay draws transient detection boxes in screen space.
type Overlay interface {
	// Project maps a frame-space rectangle to screen space.
	Project(r image.Rectangle, frameW, frameH, rotation int) image.Rectangle
	DrawBox(barcode string, rect image.Rectangle)
	ClearBoxes()
}

// Scene is the rendering collaborator: placement target and box overlay.
type Scene interface {
	placement.Renderer
	Overlay
}

// FrameSource produces camera frames until ctx is done.
type FrameSource interface {
	Run(ctx context.Context, sink source.Sink) error
}

// Notifier forwards events and notifications to remote displays.
type Notifier interface {
	PublishEvent(ev resultrouter.Event) error
	PublishNotification(n emitter.Notification) error
	PublishHealth(payload []byte) error
}

// Lifecycle is implemented by detectors that own a process.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop() error
}

// Connector is implemented by notifiers that hold a broker connection.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
}
