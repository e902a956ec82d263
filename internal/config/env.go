package config

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

// Environment overrides, applied after the YAML file.
const (
	EnvInstanceID   = "SCANLENS_INSTANCE_ID"
	EnvMQTTBroker   = "SCANLENS_MQTT_BROKER"
	EnvFetchBaseURL = "SCANLENS_FETCH_BASE_URL"
	EnvLogLevel     = "SCANLENS_LOG_LEVEL"
	EnvHealthAddr   = "SCANLENS_HEALTH_ADDR"
	EnvDecoderCmd   = "SCANLENS_DECODER_COMMAND"
)

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment. Existing variables win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overrides selected fields from the environment.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvInstanceID, &cfg.InstanceID)
	set(EnvMQTTBroker, &cfg.MQTT.Broker)
	set(EnvFetchBaseURL, &cfg.Fetch.BaseURL)
	set(EnvLogLevel, &cfg.Logging.Level)
	set(EnvHealthAddr, &cfg.Health.Addr)
	set(EnvDecoderCmd, &cfg.Decoder.Command)
}
