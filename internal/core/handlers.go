package core

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/e7canasta/scanlens/internal/emitter"
	"github.com/e7canasta/scanlens/internal/metrics"
	"github.com/e7canasta/scanlens/modules/itemcache"
	"github.com/e7canasta/scanlens/modules/placement"
	"github.com/e7canasta/scanlens/modules/resultrouter"
)

// Notification kinds.
const (
	NoteDetectionFailed = "detection_failed"
	NoteFetchFailed     = "fetch_failed"
	NoteNoData          = "no_data"
	NotePlacementFailed = "placement_failed"
)

// handleUI runs on the UI loop for every routed event.
func (s *Scanner) handleUI(ev resultrouter.Event) {
	switch e := ev.(type) {
	case resultrouter.Success:
		s.onSuccess(e)
	case resultrouter.Empty:
		s.scene.ClearBoxes()
	case resultrouter.Failure:
		s.notify(NoteDetectionFailed, "", e.Message)
	case resultrouter.FetchFailed:
		s.notify(NoteFetchFailed, e.Barcode, fmt.Sprintf("could not load %s: %v", e.Barcode, e.Err))
	case resultrouter.NoData:
		s.notify(NoteNoData, e.Barcode, fmt.Sprintf("no data for %s", e.Barcode))
	case resultrouter.ItemCached:
		// Place the fresh item where it was last seen.
		if p, ok := s.points[e.Barcode]; ok {
			if item, ok := s.cache.Get(e.Barcode); ok {
				s.place(item, p)
			}
		}
	case resultrouter.ItemEvicted:
		delete(s.points, e.Barcode)
	case resultrouter.PlacementResult:
		// Forgotten means evicted mid-placement; ItemEvicted already covers it.
		if !e.Outcome.OK() && e.Outcome != placement.OutcomeForgotten {
			s.notify(NotePlacementFailed, e.Barcode, fmt.Sprintf("could not place %s: %s", e.Barcode, e.Outcome))
		}
	}

	if s.notifier != nil {
		if err := s.notifier.PublishEvent(ev); err != nil {
			s.logger.Debug("event not forwarded", "kind", ev.Kind(), "error", err)
		}
	}
}

// onSuccess draws the box, then places a cached item or starts its fetch.
func (s *Scanner) onSuccess(e resultrouter.Success) {
	b := e.Code.Value
	rect := s.scene.Project(e.Code.BoundingBox, e.FrameWidth, e.FrameHeight, e.Rotation)
	s.scene.DrawBox(b, rect)

	p := image.Point{X: (rect.Min.X + rect.Max.X) / 2, Y: (rect.Min.Y + rect.Max.Y) / 2}
	s.points[b] = p

	if item, ok := s.cache.Get(b); ok {
		item.MarkScanned()
		s.place(item, p)
		return
	}

	if s.coolingDown(b) {
		return
	}
	// Already in flight: ignored, the ItemCached event places it.
	if !s.cache.TryBeginFetch(b) {
		return
	}
	s.startFetch(b)
}

// place runs placement inline, or forwards it to the coordination loop.
func (s *Scanner) place(item *itemcache.Item, p image.Point) {
	if s.coord != nil {
		if err := s.router.Send(coordinationRoute, resultrouter.PlaceRequest{Barcode: item.Barcode, Point: p}); err != nil {
			s.logger.Warn("placement request not delivered", "barcode", item.Barcode, "error", err)
		}
		return
	}
	s.placeNow(item, p)
}

func (s *Scanner) placeNow(item *itemcache.Item, p image.Point) {
	outcome := s.machine.Place(item, p)
	s.metrics.RecordPlacement(outcome)

	// Rescanning a placed item happens every frame; not worth an event.
	if outcome == placement.OutcomeAlreadyPlaced {
		return
	}
	s.router.Publish(resultrouter.PlacementResult{Barcode: item.Barcode, Outcome: outcome})
}

// handleCoordination runs on the coordination loop.
func (s *Scanner) handleCoordination(ev resultrouter.Event) {
	req, ok := ev.(resultrouter.PlaceRequest)
	if !ok {
		return
	}
	item, ok := s.cache.Get(req.Barcode)
	if !ok {
		// Evicted between request and placement.
		s.router.Publish(resultrouter.PlacementResult{Barcode: req.Barcode, Outcome: placement.OutcomeInvalidItem})
		return
	}
	s.placeNow(item, req.Point)
}

// startFetch fetches barcode in its own goroutine and posts the completion
// back to the UI loop. The caller holds the in-flight mark.
func (s *Scanner) startFetch(barcode string) {
	s.mu.RLock()
	ctx := s.runCtx
	s.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}

	s.fetches.Add(1)
	go func() {
		defer s.fetches.Done()

		start := time.Now()
		rec, err := s.fetcher.Fetch(ctx, barcode)
		took := time.Since(start)

		if !s.uiLoop.Post(func() { s.completeFetch(barcode, rec, err, took) }) {
			// UI loop gone: nobody will observe the result.
			s.cache.AbortFetch(barcode)
		}
	}()
}

// completeFetch runs on the UI loop.
func (s *Scanner) completeFetch(barcode string, rec itemcache.Record, err error, took time.Duration) {
	log := s.logger.With("barcode", barcode, "took", took)

	if err != nil {
		s.cache.AbortFetch(barcode)
		s.coolDown(barcode)
		s.metrics.RecordFetch(metrics.FetchError, took)
		log.Warn("item fetch failed", "error", err)
		s.router.Publish(resultrouter.FetchFailed{Barcode: barcode, Err: err})
		return
	}

	inserted, err := s.cache.Put(barcode, rec)
	switch {
	case errors.Is(err, itemcache.ErrNoData):
		s.cache.AbortFetch(barcode)
		s.coolDown(barcode)
		s.metrics.RecordFetch(metrics.FetchNoData, took)
		log.Info("backend has no data for item")
		s.router.Publish(resultrouter.NoData{Barcode: barcode})
	case !inserted:
		s.cache.AbortFetch(barcode)
	default:
		if item, ok := s.cache.Get(barcode); ok {
			item.MarkScanned()
		}
		s.metrics.RecordFetch(metrics.FetchOK, took)
		log.Info("item cached", "systems", len(rec.Systems))
		s.router.Publish(resultrouter.ItemCached{Barcode: barcode})
	}
}

// onCacheEvent runs on the goroutine that mutated the cache.
func (s *Scanner) onCacheEvent(ev itemcache.Event) {
	s.metrics.RecordCacheEvent(ev, s.cache.Len())
	if ev.Type != itemcache.Evicted {
		return
	}
	s.machine.Forget(ev.Item.Barcode)
	s.router.Publish(resultrouter.ItemEvicted{Barcode: ev.Item.Barcode})
}

func (s *Scanner) coolingDown(barcode string) bool {
	return s.failed != nil && s.failed.Has(barcode)
}

func (s *Scanner) coolDown(barcode string) {
	if s.failed != nil {
		s.failed.Set(barcode, struct{}{}, ttlcache.DefaultTTL)
	}
}

// notify records a user notification and forwards it, unless an identical
// one was raised within the cooldown.
func (s *Scanner) notify(kind, barcode, message string) {
	if s.notified != nil {
		key := kind + "\x00" + barcode + "\x00" + message
		if s.notified.Has(key) {
			return
		}
		s.notified.Set(key, struct{}{}, ttlcache.DefaultTTL)
	}

	n := emitter.Notification{Kind: kind, Barcode: barcode, Message: message, At: time.Now()}

	s.notesMu.Lock()
	s.notes = append(s.notes, n)
	if len(s.notes) > maxNotifications {
		s.notes = s.notes[len(s.notes)-maxNotifications:]
	}
	s.notesMu.Unlock()

	s.logger.Info("notification", "kind", kind, "barcode", barcode, "message", message)
	if s.notifier != nil {
		if err := s.notifier.PublishNotification(n); err != nil {
			s.logger.Debug("notification not forwarded", "kind", kind, "error", err)
		}
	}
}
