package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
instance_id: aisle-07
camera:
  source_dir: ./frames
decoder:
  command: ./bin/decoder
fetch:
  base_url: http://backend.local:8081
`

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.Camera.FrameInterval())
	assert.Equal(t, 1, cfg.Pipeline.FrameChannelCapacity)
	assert.Equal(t, 4, cfg.Pipeline.MinBarcodeLength)
	assert.Equal(t, 10, cfg.Cache.Capacity)
	assert.Equal(t, 5*time.Second, cfg.Fetch.Timeout())
	assert.Equal(t, 3, cfg.Fetch.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Fetch.RetryDelay())
	assert.Equal(t, 2.0, cfg.Fetch.BackoffMultiplier)
	assert.Equal(t, "/items/", cfg.Fetch.ItemPath)
	assert.Equal(t, 2*time.Second, cfg.Decoder.WriteTimeout())
	assert.Equal(t, "scanlens/aisle-07/notifications", cfg.MQTT.Topics.Notifications)
	assert.Equal(t, "scanlens-aisle-07", cfg.MQTT.ClientID)
	assert.False(t, cfg.MQTT.Enabled())
	assert.True(t, cfg.Health.Enabled())
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing instance",
			yaml:    "camera: {source_dir: x}\ndecoder: {command: d}\nfetch: {base_url: 'http://b'}",
			wantErr: "instanceid",
		},
		{
			name:    "bad instance pattern",
			yaml:    "instance_id: Aisle_7\ncamera: {source_dir: x}\ndecoder: {command: d}\nfetch: {base_url: 'http://b'}",
			wantErr: "instance_id must match",
		},
		{
			name:    "bad url",
			yaml:    "instance_id: a\ncamera: {source_dir: x}\ndecoder: {command: d}\nfetch: {base_url: 'not a url'}",
			wantErr: "fetch.baseurl",
		},
		{
			name:    "capacity too large",
			yaml:    "instance_id: a\ncamera: {source_dir: x}\ndecoder: {command: d}\nfetch: {base_url: 'http://b'}\npipeline: {frame_channel_capacity: 9}",
			wantErr: "lte=8",
		},
		{
			name:    "rotation",
			yaml:    "instance_id: a\ncamera: {source_dir: x, rotation: 45}\ndecoder: {command: d}\nfetch: {base_url: 'http://b'}",
			wantErr: "camera.rotation",
		},
		{
			name:    "backoff below one",
			yaml:    "instance_id: a\ncamera: {source_dir: x}\ndecoder: {command: d}\nfetch: {base_url: 'http://b', backoff_multiplier: 0.5}",
			wantErr: "backoff_multiplier",
		},
		{
			name:    "log level",
			yaml:    "instance_id: a\ncamera: {source_dir: x}\ndecoder: {command: d}\nfetch: {base_url: 'http://b'}\nlogging: {level: verbose}",
			wantErr: "logging.level",
		},
		{
			name:    "malformed yaml",
			yaml:    "instance_id: [",
			wantErr: "failed to parse config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvMQTTBroker:   "tcp://broker:1883",
		EnvFetchBaseURL: "http://override:9000",
		EnvLogLevel:     "",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Config{Logging: LoggingConfig{Level: "warn"}}
	ApplyEnv(&cfg, lookup)

	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "http://override:9000", cfg.Fetch.BaseURL)
	assert.Equal(t, "warn", cfg.Logging.Level, "empty values do not override")
}

func TestLoadWithEnvFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "scanlens.yaml")
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(cfgPath, []byte(minimalYAML), 0o600))
	require.NoError(t, os.WriteFile(envPath, []byte(EnvHealthAddr+"=:9191\n"), 0o600))

	t.Setenv(EnvHealthAddr, "")
	os.Unsetenv(EnvHealthAddr)

	require.NoError(t, LoadEnvFile(envPath))
	cfg, err := Load(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, ":9191", cfg.Health.Addr)
}

func TestLoadEnvFileMissing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")))
	assert.NoError(t, LoadEnvFile(""))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
