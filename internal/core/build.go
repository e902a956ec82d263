package core

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/scanlens/internal/config"
	"github.com/e7canasta/scanlens/internal/emitter"
	"github.com/e7canasta/scanlens/internal/fetch"
	"github.com/e7canasta/scanlens/internal/metrics"
	"github.com/e7canasta/scanlens/internal/render"
	"github.com/e7canasta/scanlens/internal/source"
	"github.com/e7canasta/scanlens/modules/detection/subprocess"
)

// New builds a scanner from configuration: decoder subprocess, HTTP
// fetcher, headless scene, file-backed camera and, when a broker is
// configured, the MQTT emitter.
func New(cfg *config.Config, logger *slog.Logger) (*Scanner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	detector, err := subprocess.New(subprocess.Config{
		WorkerID:     cfg.InstanceID,
		Command:      cfg.Decoder.Command,
		Args:         cfg.Decoder.Args,
		Dir:          cfg.Decoder.Dir,
		WriteTimeout: cfg.Decoder.WriteTimeout(),
		StopTimeout:  cfg.Decoder.StopTimeout(),
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	fetcher, err := fetch.New(fetch.Config{
		BaseURL:  cfg.Fetch.BaseURL,
		ItemPath: cfg.Fetch.ItemPath,
		Timeout:  cfg.Fetch.Timeout(),
		Retry: fetch.RetryConfig{
			MaxRetries:    cfg.Fetch.MaxRetries,
			RetryDelay:    cfg.Fetch.RetryDelay(),
			Multiplier:    cfg.Fetch.BackoffMultiplier,
			MaxRetryDelay: fetch.DefaultRetryConfig().MaxRetryDelay,
		},
		RateLimit: cfg.Fetch.RateLimitPerS,
		Burst:     cfg.Fetch.Burst,
	}, fetch.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch client: %w", err)
	}

	sceneLogger := logger.With("component", "scene")
	scene := render.NewHeadless(render.Config{}, logger, func(c render.Change) {
		sceneLogger.Debug("overlay changed",
			"change", c.Type,
			"barcode", c.Overlay.Barcode,
			"handle", c.Overlay.Handle,
		)
	})

	camera, err := source.NewFileSim(source.Config{
		Dir:      cfg.Camera.SourceDir,
		Interval: cfg.Camera.FrameInterval(),
		Loop:     cfg.Camera.Loop,
		Rotation: cfg.Camera.Rotation,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create frame source: %w", err)
	}

	comps := Components{
		Detector: detector,
		Fetcher:  fetcher,
		Scene:    scene,
		Source:   camera,
		Metrics:  metrics.New(),
	}
	if cfg.MQTT.Enabled() {
		comps.Notifier = emitter.NewMQTTEmitter(cfg.MQTT, logger)
	}

	healthAddr := ""
	if cfg.Health.Enabled() {
		healthAddr = cfg.Health.Addr
	}

	opts := Options{
		InstanceID:           cfg.InstanceID,
		FrameChannelCapacity: cfg.Pipeline.FrameChannelCapacity,
		MinBarcodeLength:     cfg.Pipeline.MinBarcodeLength,
		DetectTimeout:        cfg.Pipeline.DetectTimeout(),
		CacheCapacity:        cfg.Cache.Capacity,
		FetchFailureCooldown: cfg.Fetch.FailureCooldown(),
		NotificationCooldown: cfg.Notifications.Cooldown(),
		Coordination:         cfg.Pipeline.CoordinationEnabled,
		HealthAddr:           healthAddr,
	}

	logger.Info("scanner configured",
		"instance_id", cfg.InstanceID,
		"decoder", cfg.Decoder.Command,
		"backend", cfg.Fetch.BaseURL,
		"mqtt_enabled", cfg.MQTT.Enabled(),
		"health_addr", healthAddr,
	)
	return NewScanner(opts, comps, logger)
}
