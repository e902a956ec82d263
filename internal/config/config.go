package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete scanlens configuration
type Config struct {
	InstanceID       string              `yaml:"instance_id" validate:"required"`
	ShutdownTimeoutS int                 `yaml:"shutdown_timeout_s" validate:"gte=0"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig        `yaml:"camera"`
	Pipeline         PipelineConfig      `yaml:"pipeline"`
	Decoder          DecoderConfig       `yaml:"decoder"`
	Cache            CacheConfig         `yaml:"cache"`
	Fetch            FetchConfig         `yaml:"fetch"`
	Notifications    NotificationsConfig `yaml:"notifications"`
	MQTT             MQTTConfig          `yaml:"mqtt"`
	Health           HealthConfig        `yaml:"health"`
	Logging          LoggingConfig       `yaml:"logging"`
}

// CameraConfig contains the simulated camera settings
type CameraConfig struct {
	SourceDir string `yaml:"source_dir" validate:"required"` // directory of JPEG/PNG frames
	FPS       int    `yaml:"fps" validate:"gte=0,lte=120"`  // frames per second (default: 10)
	Loop      bool   `yaml:"loop"`                          // restart from the first image at the end
	Rotation  int    `yaml:"rotation" validate:"oneof=0 90 180 270"`
}

// PipelineConfig contains frame hand-off and detection settings
type PipelineConfig struct {
	FrameChannelCapacity int  `yaml:"frame_channel_capacity" validate:"gte=0,lte=8"` // default: 1
	MinBarcodeLength     int  `yaml:"min_barcode_length" validate:"gte=0"`           // default: 4
	DetectTimeoutMS      int  `yaml:"detect_timeout_ms" validate:"gte=0"`            // 0 disables
	CoordinationEnabled  bool `yaml:"coordination_enabled"`                          // place items on a separate loop
}

// DecoderConfig contains the external decoder process settings
type DecoderConfig struct {
	Command        string   `yaml:"command" validate:"required"`
	Args           []string `yaml:"args"`
	Dir            string   `yaml:"dir"`
	WriteTimeoutMS int      `yaml:"write_timeout_ms" validate:"gte=0"` // default: 2000
	StopTimeoutMS  int      `yaml:"stop_timeout_ms" validate:"gte=0"`  // default: 2000
}

// CacheConfig contains item cache settings
type CacheConfig struct {
	Capacity int `yaml:"capacity" validate:"gte=0"` // default: 10
}

// FetchConfig contains item backend settings
type FetchConfig struct {
	BaseURL           string  `yaml:"base_url" validate:"required,url"`
	ItemPath          string  `yaml:"item_path"`                           // default: /items/
	TimeoutMS         int     `yaml:"timeout_ms" validate:"gte=0"`         // per attempt (default: 5000)
	MaxRetries        int     `yaml:"max_retries" validate:"gte=0,lte=10"` // default: 3
	RetryDelayMS      int     `yaml:"retry_delay_ms" validate:"gte=0"`     // default: 500
	BackoffMultiplier float64 `yaml:"backoff_multiplier" validate:"gte=0"` // default: 2.0
	RateLimitPerS     float64 `yaml:"rate_limit_per_s" validate:"gte=0"`   // 0 disables
	Burst             int     `yaml:"burst" validate:"gte=0"`              // default: 1
	FailureCooldownMS int     `yaml:"failure_cooldown_ms" validate:"gte=0"`
}

// NotificationsConfig contains UI notification settings
type NotificationsConfig struct {
	CooldownMS int `yaml:"cooldown_ms" validate:"gte=0"` // duplicate suppression window (default: 5000)
}

// MQTTConfig contains MQTT broker settings (empty broker disables the emitter)
type MQTTConfig struct {
	Broker   string     `yaml:"broker" validate:"omitempty,url"`
	ClientID string     `yaml:"client_id"`
	Topics   MQTTTopics `yaml:"topics"`
	QoS      byte       `yaml:"qos" validate:"lte=2"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Events        string `yaml:"events"`
	Notifications string `yaml:"notifications"`
	Health        string `yaml:"health"`
}

// HealthConfig contains the health/metrics HTTP server settings
type HealthConfig struct {
	Addr string `yaml:"addr"` // default: :8080, "-" disables
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `yaml:"format" validate:"omitempty,oneof=json text"`
	File       string `yaml:"file"` // optional rotating log file
	MaxSizeMB  int    `yaml:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `yaml:"max_age_days" validate:"gte=0"`
}

// Load reads, overrides from the environment and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML, applies SCANLENS_* overrides and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyEnv(&cfg, os.LookupEnv)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// FrameInterval returns the camera tick period.
func (c CameraConfig) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FPS)
}

// DetectTimeout returns the per-detection timeout (0 = none).
func (c PipelineConfig) DetectTimeout() time.Duration {
	return time.Duration(c.DetectTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the decoder stdin write timeout.
func (c DecoderConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutMS) * time.Millisecond
}

// StopTimeout returns the decoder stop grace period.
func (c DecoderConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutMS) * time.Millisecond
}

// Timeout returns the per-attempt fetch timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetryDelay returns the delay before the first retry.
func (c FetchConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// FailureCooldown returns how long a failed barcode is not refetched.
func (c FetchConfig) FailureCooldown() time.Duration {
	return time.Duration(c.FailureCooldownMS) * time.Millisecond
}

// Cooldown returns the duplicate notification window.
func (c NotificationsConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMS) * time.Millisecond
}

// Enabled reports whether the MQTT emitter should run.
func (c MQTTConfig) Enabled() bool {
	return c.Broker != ""
}

// Enabled reports whether the health server should run.
func (c HealthConfig) Enabled() bool {
	return c.Addr != "-"
}
