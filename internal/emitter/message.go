// Package emitter forwards scanner output to remote displays over MQTT.
package emitter

import (
	"time"

	"github.com/e7canasta/scanlens/modules/resultrouter"
)

// Notification is a dismissible user-facing message.
type Notification struct {
	Kind    string    `json:"kind"`
	Barcode string    `json:"barcode,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// eventMessage is the wire form of a resultrouter.Event.
type eventMessage struct {
	Kind      string    `json:"kind"`
	Seq       uint64    `json:"seq,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	Barcode   string    `json:"barcode,omitempty"`
	Symbology string    `json:"symbology,omitempty"`
	Box       []int     `json:"box,omitempty"` // x0, y0, x1, y1
	Frame     []int     `json:"frame,omitempty"`
	Rotation  int       `json:"rotation,omitempty"`
	Point     []int     `json:"point,omitempty"`
	Outcome   string    `json:"outcome,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

func newEventMessage(ev resultrouter.Event, at time.Time) eventMessage {
	msg := eventMessage{Kind: ev.Kind().String(), At: at}

	switch e := ev.(type) {
	case resultrouter.Success:
		r := e.Code.BoundingBox
		msg.Seq, msg.TraceID = e.Seq, e.TraceID
		msg.Barcode = e.Code.Value
		msg.Symbology = string(e.Code.Symbology)
		msg.Box = []int{r.Min.X, r.Min.Y, r.Max.X, r.Max.Y}
		msg.Frame = []int{e.FrameWidth, e.FrameHeight}
		msg.Rotation = e.Rotation
	case resultrouter.Empty:
		msg.Seq, msg.TraceID = e.Seq, e.TraceID
	case resultrouter.Failure:
		msg.Seq, msg.TraceID = e.Seq, e.TraceID
		msg.Error = e.Message
	case resultrouter.FetchFailed:
		msg.Barcode = e.Barcode
		if e.Err != nil {
			msg.Error = e.Err.Error()
		}
	case resultrouter.NoData:
		msg.Barcode = e.Barcode
	case resultrouter.ItemCached:
		msg.Barcode = e.Barcode
	case resultrouter.ItemEvicted:
		msg.Barcode = e.Barcode
	case resultrouter.PlacementResult:
		msg.Barcode = e.Barcode
		msg.Outcome = e.Outcome.String()
	case resultrouter.Detached:
		msg.Barcode = e.Barcode
	case resultrouter.PlaceRequest:
		msg.Barcode = e.Barcode
		msg.Point = []int{e.Point.X, e.Point.Y}
	}
	return msg
}
