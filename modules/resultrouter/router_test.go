package resultrouter

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/scanlens/modules/barcode"
)

// recorder collects events delivered to a route and checks the goroutine.
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 128)}
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) wait(t *testing.T, n int) []Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.notify:
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d/%d", i+1, n)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestPublishFanOut(t *testing.T) {
	ui, _ := startLoop(t, "ui")
	coord, _ := startLoop(t, "coord")

	router := New(nil)
	defer router.Close()

	uiRec, coordRec := newRecorder(), newRecorder()
	require.NoError(t, router.Attach("ui", ui, uiRec.handle))
	require.NoError(t, router.Attach("coord", coord, coordRec.handle))

	batch := []Event{
		Success{Seq: 1, Code: barcode.Code{Value: "ITEM0001"}},
		Success{Seq: 1, Code: barcode.Code{Value: "ITEM0002"}},
	}
	router.Publish(batch...)
	router.Publish(Empty{Seq: 2})

	want := append(append([]Event(nil), batch...), Empty{Seq: 2})
	if diff := cmp.Diff(want, uiRec.wait(t, 3)); diff != "" {
		t.Errorf("ui route mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, coordRec.wait(t, 3)); diff != "" {
		t.Errorf("coord route mismatch (-want +got):\n%s", diff)
	}

	stats := router.Stats()
	assert.Equal(t, uint64(2), stats.TotalPublished)
	assert.Equal(t, uint64(6), stats.TotalSent)
	assert.Equal(t, uint64(3), stats.Routes["ui"].Handled)
}

func TestHandlerRunsOnLoop(t *testing.T) {
	ui, _ := startLoop(t, "ui")
	router := New(nil)

	// Work posted directly to the loop and events delivered by the router
	// share one FIFO, so they never interleave.
	var (
		mu    sync.Mutex
		trace []string
	)
	done := make(chan struct{})
	require.NoError(t, router.Attach("ui", ui, func(e Event) {
		mu.Lock()
		trace = append(trace, e.Kind().String())
		mu.Unlock()
	}))

	ui.Post(func() {
		mu.Lock()
		trace = append(trace, "direct")
		mu.Unlock()
	})
	router.Publish(Empty{})
	ui.Post(func() { close(done) })

	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"direct", "empty"}, trace)
}

func TestSendTargeted(t *testing.T) {
	ui, _ := startLoop(t, "ui")
	coord, _ := startLoop(t, "coord")

	router := New(nil)
	uiRec, coordRec := newRecorder(), newRecorder()
	require.NoError(t, router.Attach("ui", ui, uiRec.handle))
	require.NoError(t, router.Attach("coord", coord, coordRec.handle))

	require.NoError(t, router.Send("ui", NoData{Barcode: "ITEM0001"}))

	got := uiRec.wait(t, 1)
	assert.Equal(t, []Event{NoData{Barcode: "ITEM0001"}}, got)

	// Flush coord and make sure nothing arrived there.
	flushed := make(chan struct{})
	coord.Post(func() { close(flushed) })
	<-flushed
	coordRec.mu.Lock()
	assert.Empty(t, coordRec.events)
	coordRec.mu.Unlock()

	assert.ErrorIs(t, router.Send("missing", Empty{}), ErrRouteNotFound)
}

func TestHandlerPanicKeepsRestOfBatch(t *testing.T) {
	ui, _ := startLoop(t, "ui")
	router := New(nil)

	rec := newRecorder()
	require.NoError(t, router.Attach("ui", ui, func(e Event) {
		if nd, ok := e.(NoData); ok && nd.Barcode == "BAD00001" {
			panic("handler bug")
		}
		rec.handle(e)
	}))

	router.Publish(
		NoData{Barcode: "ITEM0001"},
		NoData{Barcode: "BAD00001"},
		NoData{Barcode: "ITEM0002"},
	)

	got := rec.wait(t, 2)
	assert.Equal(t, []Event{NoData{Barcode: "ITEM0001"}, NoData{Barcode: "ITEM0002"}}, got)

	require.Eventually(t, func() bool {
		return router.Stats().Routes["ui"].Handled == 2
	}, time.Second, time.Millisecond)
	rs := router.Stats().Routes["ui"]
	assert.Equal(t, uint64(3), rs.Sent)
	assert.Equal(t, uint64(1), rs.Panics)
}

func TestSendToQuitLoopDropped(t *testing.T) {
	l := NewLoop("ui", nil)
	l.Quit()

	router := New(nil)
	require.NoError(t, router.Attach("ui", l, func(Event) { t.Error("must not run") }))

	require.NoError(t, router.Send("ui", Empty{}, Empty{}))
	router.Publish(Empty{})

	rs := router.Stats().Routes["ui"]
	assert.Equal(t, uint64(3), rs.Dropped)
	assert.Zero(t, rs.Sent)
}

func TestAttachErrors(t *testing.T) {
	router := New(nil)
	l := NewLoop("ui", nil)

	require.NoError(t, router.Attach("ui", l, func(Event) {}))
	assert.ErrorIs(t, router.Attach("ui", l, func(Event) {}), ErrRouteExists)
	assert.ErrorIs(t, router.Attach("x", nil, func(Event) {}), ErrInvalidRoute)
	assert.ErrorIs(t, router.Attach("x", l, nil), ErrInvalidRoute)

	require.NoError(t, router.Detach("ui"))
	assert.ErrorIs(t, router.Detach("ui"), ErrRouteNotFound)

	require.NoError(t, router.Close())
	require.NoError(t, router.Close())
	err := router.Attach("ui", l, func(Event) {})
	assert.True(t, errors.Is(err, ErrRouterClosed))

	// Publish on a closed router is a silent no-op.
	router.Publish(Empty{})
	assert.Zero(t, router.Stats().TotalPublished)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "success", Success{}.Kind().String())
	assert.Equal(t, "placement_result", PlacementResult{}.Kind().String())
	assert.Equal(t, "kind(99)", Kind(99).String())
}
