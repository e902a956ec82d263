package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate applies defaults and checks if the configuration is valid
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}

	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.Fetch.BackoffMultiplier < 1 {
		return fmt.Errorf("fetch.backoff_multiplier must be >= 1, got %v", cfg.Fetch.BackoffMultiplier)
	}
	if !strings.HasPrefix(cfg.Fetch.ItemPath, "/") {
		return fmt.Errorf("fetch.item_path must start with '/', got %q", cfg.Fetch.ItemPath)
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.Camera.FPS == 0 {
		cfg.Camera.FPS = 10
	}
	if cfg.Pipeline.FrameChannelCapacity == 0 {
		cfg.Pipeline.FrameChannelCapacity = 1
	}
	if cfg.Pipeline.MinBarcodeLength == 0 {
		cfg.Pipeline.MinBarcodeLength = 4
	}
	if cfg.Decoder.WriteTimeoutMS == 0 {
		cfg.Decoder.WriteTimeoutMS = 2000
	}
	if cfg.Decoder.StopTimeoutMS == 0 {
		cfg.Decoder.StopTimeoutMS = 2000
	}
	if cfg.Cache.Capacity == 0 {
		cfg.Cache.Capacity = 10
	}
	if cfg.Fetch.ItemPath == "" {
		cfg.Fetch.ItemPath = "/items/"
	}
	if cfg.Fetch.TimeoutMS == 0 {
		cfg.Fetch.TimeoutMS = 5000
	}
	if cfg.Fetch.MaxRetries == 0 {
		cfg.Fetch.MaxRetries = 3
	}
	if cfg.Fetch.RetryDelayMS == 0 {
		cfg.Fetch.RetryDelayMS = 500
	}
	if cfg.Fetch.BackoffMultiplier == 0 {
		cfg.Fetch.BackoffMultiplier = 2.0
	}
	if cfg.Fetch.Burst == 0 {
		cfg.Fetch.Burst = 1
	}
	if cfg.Notifications.CooldownMS == 0 {
		cfg.Notifications.CooldownMS = 5000
	}
	if cfg.MQTT.ClientID == "" && cfg.InstanceID != "" {
		cfg.MQTT.ClientID = "scanlens-" + cfg.InstanceID
	}
	if cfg.MQTT.Topics.Events == "" {
		cfg.MQTT.Topics.Events = fmt.Sprintf("scanlens/%s/events", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Notifications == "" {
		cfg.MQTT.Topics.Notifications = fmt.Sprintf("scanlens/%s/notifications", cfg.InstanceID)
	}
	if cfg.MQTT.Topics.Health == "" {
		cfg.MQTT.Topics.Health = fmt.Sprintf("scanlens/%s/health", cfg.InstanceID)
	}
	if cfg.Health.Addr == "" {
		cfg.Health.Addr = ":8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
	if cfg.Logging.MaxBackups == 0 {
		cfg.Logging.MaxBackups = 3
	}
	if cfg.Logging.MaxAgeDays == 0 {
		cfg.Logging.MaxAgeDays = 7
	}
}

// formatValidationError turns validator errors into "field: rule" messages
// keyed by the YAML path.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		msgs = append(msgs, fmt.Sprintf("%s: failed '%s' (got %v)", yamlPath(fe.Namespace()), rule, fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}

// yamlPath maps "Config.Fetch.BaseURL" to a readable lower-case path.
func yamlPath(ns string) string {
	ns = strings.TrimPrefix(ns, "Config.")
	return strings.ToLower(ns)
}
