package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// WorkerHealth contains detection worker health with drop rate
type WorkerHealth struct {
	Running       bool      `json:"running"`
	Cycles        uint64    `json:"cycles"`
	Failures      uint64    `json:"failures"`
	FramesDropped uint64    `json:"frames_dropped"`
	DropRate      float64   `json:"drop_rate"`
	AvgLatencyMS  float64   `json:"avg_latency_ms"`
	LastCycleAt   time.Time `json:"last_cycle_at"`
	FramesIdle    bool      `json:"frames_idle"`
}

// HealthStatus represents the health state of the scanner
type HealthStatus struct {
	Status         string       `json:"status"` // "healthy", "degraded", "unhealthy"
	InstanceID     string       `json:"instance_id"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
	Worker         WorkerHealth `json:"worker"`
	CachedItems    int          `json:"cached_items"`
	FetchesPending int          `json:"fetches_pending"`
	ActiveOverlays int          `json:"active_overlays"`
	NotifierUp     bool         `json:"notifier_up"`
}

type connectionReporter interface {
	Connected() bool
}

// HealthCheck returns the current health status of the scanner
func (s *Scanner) HealthCheck() HealthStatus {
	st := s.Stats()

	var dropRate float64
	if total := st.Frames.Offered; total > 0 {
		dropRate = float64(st.Frames.Dropped+st.Frames.Superseded) / float64(total)
	}

	status := HealthStatus{
		Status:        "healthy",
		InstanceID:    s.opts.InstanceID,
		UptimeSeconds: int64(st.Uptime.Seconds()),
		Worker: WorkerHealth{
			Running:       st.Detection.Running,
			Cycles:        st.Detection.Cycles,
			Failures:      st.Detection.Failures,
			FramesDropped: st.Frames.Dropped,
			DropRate:      dropRate,
			AvgLatencyMS:  float64(st.Detection.AvgLatency) / float64(time.Millisecond),
			LastCycleAt:   st.Detection.LastCycleAt,
			FramesIdle:    st.Frames.IsIdle,
		},
		CachedItems:    st.Cache.Len,
		FetchesPending: st.Cache.InFlight,
		ActiveOverlays: st.Placement.Active,
		NotifierUp:     true,
	}

	if r, ok := s.notifier.(connectionReporter); ok {
		status.NotifierUp = r.Connected()
	}

	// Determine overall health status
	if !st.Running || !st.Detection.Running {
		status.Status = "unhealthy"
	} else if st.Frames.IsIdle || !status.NotifierUp {
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (process is alive)
func (s *Scanner) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	started := s.started
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness (detailed check, 503 when unhealthy)
func (s *Scanner) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// ItemsHandler handles /items (cached items, most recent first)
func (s *Scanner) ItemsHandler(w http.ResponseWriter, r *http.Request) {
	type property struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	type system struct {
		Name       string     `json:"name"`
		Properties []property `json:"properties"`
	}
	type item struct {
		Barcode  string    `json:"barcode"`
		Scanned  bool      `json:"scanned"`
		Placed   bool      `json:"placed"`
		CachedAt time.Time `json:"cached_at"`
		Systems  []system  `json:"systems"`
	}

	items := s.Items()
	out := make([]item, 0, len(items))
	for _, it := range items {
		_, placed := s.machine.Handle(it.Barcode)
		entry := item{
			Barcode:  it.Barcode,
			Scanned:  it.Scanned(),
			Placed:   placed,
			CachedAt: it.CachedAt,
		}
		for _, sys := range it.Systems {
			props := make([]property, 0, sys.Len())
			for _, p := range sys.Properties() {
				props = append(props, property{Name: p.Name, Value: p.Value})
			}
			entry.Systems = append(entry.Systems, system{Name: sys.Name, Properties: props})
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Scanner) newHealthServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/items", s.ItemsHandler)
	mux.Handle("/metrics", s.metrics.Handler())

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// serveHealth runs the health server until ctx is done.
func (s *Scanner) serveHealth(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.health.Addr)
	if err != nil {
		return fmt.Errorf("health server: %w", err)
	}

	s.logger.Info("starting health check server",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/health", "/readiness", "/items", "/metrics"},
	)

	errc := make(chan error, 1)
	go func() { errc <- s.health.Serve(ln) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("health server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return s.health.Shutdown(shutdownCtx)
	}
}

// report logs a stats line and publishes health periodically.
func (s *Scanner) report(ctx context.Context) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		health := s.HealthCheck()
		s.logger.Info("scanner stats",
			"status", health.Status,
			"cycles", health.Worker.Cycles,
			"drop_rate", fmt.Sprintf("%.2f", health.Worker.DropRate),
			"avg_latency_ms", fmt.Sprintf("%.1f", health.Worker.AvgLatencyMS),
			"cached_items", health.CachedItems,
			"active_overlays", health.ActiveOverlays,
		)

		if s.notifier == nil {
			continue
		}
		payload, err := json.Marshal(health)
		if err != nil {
			s.logger.Error("failed to marshal health", "error", err)
			continue
		}
		if err := s.notifier.PublishHealth(payload); err != nil {
			s.logger.Debug("health not published", "error", err)
		}
	}
}
