package resultrouter

import (
	"fmt"
	"image"

	"github.com/e7canasta/scanlens/modules/barcode"
	"github.com/e7canasta/scanlens/modules/placement"
)

// Kind tags an Event variant.
type Kind int

const (
	KindSuccess Kind = iota + 1
	KindEmpty
	KindFailure
	KindFetchFailed
	KindNoData
	KindItemCached
	KindItemEvicted
	KindPlacementResult
	KindDetached
	KindPlaceRequest
)

var kindNames = map[Kind]string{
	KindSuccess:         "success",
	KindEmpty:           "empty",
	KindFailure:         "failure",
	KindFetchFailed:     "fetch_failed",
	KindNoData:          "no_data",
	KindItemCached:      "item_cached",
	KindItemEvicted:     "item_evicted",
	KindPlacementResult: "placement_result",
	KindDetached:        "detached",
	KindPlaceRequest:    "place_request",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Event is a message routed to a consumer context.
type Event interface {
	Kind() Kind
}

// Success carries one valid code recognized in a frame.
type Success struct {
	Seq         uint64
	TraceID     string
	Code        barcode.Code
	FrameWidth  int
	FrameHeight int
	Rotation    int
}

// Empty reports a frame with no valid code.
type Empty struct {
	Seq     uint64
	TraceID string
}

// Failure reports a detector error for one frame.
type Failure struct {
	Seq     uint64
	TraceID string
	Message string
	Err     error
}

// FetchFailed reports a backend failure for a barcode.
type FetchFailed struct {
	Barcode string
	Err     error
}

// NoData reports a barcode the backend has no record for.
type NoData struct {
	Barcode string
}

// ItemCached reports an item inserted into the cache.
type ItemCached struct {
	Barcode string
}

// ItemEvicted reports an item removed from the cache by capacity pressure.
type ItemEvicted struct {
	Barcode string
}

// PlacementResult reports the outcome of a placement attempt.
type PlacementResult struct {
	Barcode string
	Outcome placement.Outcome
}

// Detached reports an overlay removed by dismissal or eviction.
type Detached struct {
	Barcode string
}

// PlaceRequest asks the coordination context to place an item at a screen point.
type PlaceRequest struct {
	Barcode string
	Point   image.Point
}

func (Success) Kind() Kind         { return KindSuccess }
func (Empty) Kind() Kind           { return KindEmpty }
func (Failure) Kind() Kind         { return KindFailure }
func (FetchFailed) Kind() Kind     { return KindFetchFailed }
func (NoData) Kind() Kind          { return KindNoData }
func (ItemCached) Kind() Kind      { return KindItemCached }
func (ItemEvicted) Kind() Kind     { return KindItemEvicted }
func (PlacementResult) Kind() Kind { return KindPlacementResult }
func (Detached) Kind() Kind        { return KindDetached }
func (PlaceRequest) Kind() Kind    { return KindPlaceRequest }
