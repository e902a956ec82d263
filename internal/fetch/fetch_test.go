package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/scanlens/modules/itemcache"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		RetryDelay:    time.Millisecond,
		Multiplier:    2,
		MaxRetryDelay: 5 * time.Millisecond,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{
		BaseURL: srv.URL,
		Timeout: time.Second,
		Retry:   fastRetry(),
	}, WithLogger(quietLogger()))
	require.NoError(t, err)
	return c, srv
}

type flatProperty struct {
	System, Name, Value string
}

func flatten(rec itemcache.Record) []flatProperty {
	var out []flatProperty
	for _, sys := range rec.Systems {
		for _, p := range sys.Properties() {
			out = append(out, flatProperty{System: sys.Name, Name: p.Name, Value: p.Value})
		}
	}
	return out
}

func TestFetchDecodesInOrder(t *testing.T) {
	var path string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"barcode": "ABC123",
			"results": [
				{"system": "erp", "properties": {"zeta": "z", "alpha": 12, "mid": true, "none": null}},
				{"system": "wms", "properties": {"bin": "A-7", "dims": {"w": 1}}},
				{"system": "empty", "properties": {}}
			]
		}`)
	})

	rec, err := c.Fetch(context.Background(), "ABC123")
	require.NoError(t, err)
	assert.Equal(t, "/items/ABC123", path)

	want := []flatProperty{
		{System: "erp", Name: "zeta", Value: "z"},
		{System: "erp", Name: "alpha", Value: "12"},
		{System: "erp", Name: "mid", Value: "true"},
		{System: "erp", Name: "none", Value: ""},
		{System: "wms", Name: "bin", Value: "A-7"},
		{System: "wms", Name: "dims", Value: `{"w": 1}`},
	}
	if diff := cmp.Diff(want, flatten(rec)); diff != "" {
		t.Errorf("unexpected record (-want +got):\n%s", diff)
	}
	assert.Len(t, rec.Systems, 2, "systems without properties are skipped")
	assert.Equal(t, uint64(1), c.Stats().Succeeded)
}

func TestDecodeRecordEmptyKeys(t *testing.T) {
	rec, err := decodeRecord([]byte(`{
		"": "ignored",
		"results": [
			{"system": "erp", "": 1, "properties": {"": "x", "name": "Widget"}},
			{"system": "wms", "properties": {"bin": "A-7"}}
		]
	}`))
	require.NoError(t, err)

	want := []flatProperty{
		{System: "erp", Name: "", Value: "x"},
		{System: "erp", Name: "name", Value: "Widget"},
		{System: "wms", Name: "bin", Value: "A-7"},
	}
	if diff := cmp.Diff(want, flatten(rec)); diff != "" {
		t.Errorf("unexpected record (-want +got):\n%s", diff)
	}
}

func TestDecodeRecordNullResults(t *testing.T) {
	rec, err := decodeRecord([]byte(`{"results": null, "barcode": "X1Y2"}`))
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestFetchNotFoundIsEmptyRecord(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	rec, err := c.Fetch(context.Background(), "MISSING1")
	require.NoError(t, err)
	assert.True(t, rec.Empty())
	assert.Equal(t, uint64(1), c.Stats().NotFound)
}

func TestFetchEmptyResults(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"barcode": "X1Y2", "results": []}`)
	})

	rec, err := c.Fetch(context.Background(), "X1Y2")
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"results": [{"system": "erp", "properties": {"name": "Widget"}}]}`)
	})

	rec, err := c.Fetch(context.Background(), "RETRY1")
	require.NoError(t, err)
	require.Len(t, rec.Systems, 1)
	assert.Equal(t, int32(3), calls.Load())

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.Attempts)
	assert.Equal(t, uint64(2), stats.Retries)
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Fetch(context.Background(), "BAD1")
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, uint64(1), c.Stats().Failures)
}

func TestFetchRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Fetch(context.Background(), "BUSY1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(4), calls.Load(), "first attempt plus three retries")
}

func TestFetchMalformedPayload(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `["not", "an", "object"]`)
	})

	_, err := c.Fetch(context.Background(), "JUNK1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "malformed payloads are not retried")
}

func TestFetchContextCancelled(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, "CANCEL1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetchEscapesBarcode(t *testing.T) {
	var raw string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw = r.URL.EscapedPath()
		http.NotFound(w, r)
	})

	_, err := c.Fetch(context.Background(), "A/B C")
	require.NoError(t, err)
	assert.Equal(t, "/items/A%2FB%20C", raw)
}

func TestFetchRejectsEmptyBarcode(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("backend must not be called")
	})

	_, err := c.Fetch(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidBarcode)
}

func TestNewRejectsInvalidBaseURL(t *testing.T) {
	_, err := New(Config{BaseURL: "not a url"})
	assert.Error(t, err)

	_, err = New(Config{BaseURL: ""})
	assert.Error(t, err)
}

func TestCalculateBackoff(t *testing.T) {
	cfg := RetryConfig{
		RetryDelay:    500 * time.Millisecond,
		Multiplier:    2,
		MaxRetryDelay: 3 * time.Second,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{10, 3 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, calculateBackoff(tt.attempt, cfg))
		})
	}
}

func TestStatusErrorRetryable(t *testing.T) {
	assert.True(t, (&StatusError{StatusCode: 500}).Retryable())
	assert.True(t, (&StatusError{StatusCode: 503}).Retryable())
	assert.True(t, (&StatusError{StatusCode: 429}).Retryable())
	assert.False(t, (&StatusError{StatusCode: 400}).Retryable())
	assert.False(t, (&StatusError{StatusCode: 403}).Retryable())
}
