package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/scanlens/modules/detection"
	"github.com/e7canasta/scanlens/modules/framechannel"
	"github.com/e7canasta/scanlens/modules/itemcache"
	"github.com/e7canasta/scanlens/modules/placement"
)

func TestObserveCycle(t *testing.T) {
	m := New()

	m.ObserveCycle(detection.Cycle{Valid: 2, Latency: 10 * time.Millisecond})
	m.ObserveCycle(detection.Cycle{Valid: 0, Dropped: 3, Latency: 5 * time.Millisecond})
	m.ObserveCycle(detection.Cycle{Err: errors.New("boom")})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.detectionCycles.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.detectionCycles.WithLabelValues("empty")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.detectionCycles.WithLabelValues("failure")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.invalidCodes))
	assert.Equal(t, 1, testutil.CollectAndCount(m.detectionLatency))
}

func TestRecordFetchAndPlacement(t *testing.T) {
	m := New()

	m.RecordFetch(FetchOK, 20*time.Millisecond)
	m.RecordFetch(FetchOK, 30*time.Millisecond)
	m.RecordFetch(FetchNoData, time.Millisecond)
	m.RecordPlacement(placement.OutcomePlaced)
	m.RecordPlacement(placement.OutcomeAlreadyPlaced)
	m.RecordPlacement(placement.OutcomeAlreadyPlaced)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.fetchRequests.WithLabelValues(FetchOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchRequests.WithLabelValues(FetchNoData)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.placements.WithLabelValues("already_placed")))
}

func TestCacheGauges(t *testing.T) {
	m := New()

	m.RecordCacheEvent(itemcache.Event{Type: itemcache.Inserted}, 1)
	m.RecordCacheEvent(itemcache.Event{Type: itemcache.Inserted}, 2)
	m.RecordCacheEvent(itemcache.Event{Type: itemcache.Evicted}, 1)
	m.SetActiveOverlays(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheItems))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.activeOverlays))

	expected := `
# HELP scanlens_cache_events_total Item cache insertions and evictions.
# TYPE scanlens_cache_events_total counter
scanlens_cache_events_total{type="evicted"} 1
scanlens_cache_events_total{type="inserted"} 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "scanlens_cache_events_total"))
}

func TestWatchFrameChannel(t *testing.T) {
	m := New()
	ch := framechannel.New(1)
	m.WatchFrameChannel(ch.Stats)

	ch.Offer(framechannel.NewFrame(nil, 1, 1, 0, time.Now(), nil))
	ch.Offer(framechannel.NewFrame(nil, 1, 1, 0, time.Now(), nil))

	expected := `
# HELP scanlens_frames_dropped_total Frames evicted by backpressure or close.
# TYPE scanlens_frames_dropped_total counter
scanlens_frames_dropped_total 1
# HELP scanlens_frames_offered_total Frames accepted by the frame channel.
# TYPE scanlens_frames_offered_total counter
scanlens_frames_offered_total 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"scanlens_frames_offered_total", "scanlens_frames_dropped_total"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.RecordPlacement(placement.OutcomePlaced)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `scanlens_placement_attempts_total{outcome="placed"} 1`)
}
