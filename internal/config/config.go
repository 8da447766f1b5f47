// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/iflabx/opencane/internal/httpapi"
	"github.com/iflabx/opencane/internal/ingest"
	"github.com/iflabx/opencane/internal/profile"
	"github.com/iflabx/opencane/internal/transport"
	"github.com/iflabx/opencane/pkg/provider"
)

// Config is the full runtime configuration. Defaults are written on first
// run; OPENCANE_* environment variables take highest precedence.
type Config struct {
	DataDir  string `json:"data_dir"`
	LogLevel string `json:"log_level"`
	// StrictStartup makes store/provider failures fatal (exit code 2).
	StrictStartup bool `json:"strict_startup"`

	Transport struct {
		Adapter          string             `json:"adapter"` // mock | websocket | generic_mqtt | ec600
		Profile          string             `json:"profile"`
		ProfileOverrides *profile.Overrides   `json:"profile_overrides,omitempty"`
		MQTT             transport.MQTTConfig `json:"mqtt"`
		WS               transport.WSConfig   `json:"ws"`
	} `json:"transport"`

	Runtime struct {
		TTSMode                 string `json:"tts_mode"`
		TTSAudioChunkBytes      int    `json:"tts_audio_chunk_bytes"`
		NoHeartbeatTimeoutSec   int    `json:"no_heartbeat_timeout_seconds"`
		IdleTimeoutMin          int    `json:"idle_timeout_minutes"`
		DeviceAuthEnabled       bool   `json:"device_auth_enabled"`
		AllowUnboundDevices     bool   `json:"allow_unbound_devices"`
		RequireActivatedDevices bool   `json:"require_activated_devices"`
		TelemetryPersistSamples bool   `json:"telemetry_persist_samples"`
		ContextTokenBudget      int    `json:"context_token_budget"`
	} `json:"runtime"`

	Audio struct {
		JitterWindow    int  `json:"jitter_window"`
		PrebufferChunks int  `json:"prebuffer_chunks"`
		HangoverChunks  int  `json:"hangover_chunks"`
		EnableVAD       bool `json:"enable_vad"`
	} `json:"audio"`

	Ingest struct {
		Capacity       int    `json:"capacity"`
		Workers        int    `json:"workers"`
		OverflowPolicy string `json:"overflow_policy"`
	} `json:"ingest"`

	Vision struct {
		DedupThreshold int `json:"dedup_threshold"`
		DedupWindowMin int `json:"dedup_window_minutes"`
	} `json:"vision"`

	DigitalTask struct {
		DefaultTimeoutSeconds int `json:"default_timeout_seconds"`
		MaxConcurrentTasks    int `json:"max_concurrent_tasks"`
		StatusRetryCount      int `json:"status_retry_count"`
		StatusRetryBackoffMS  int `json:"status_retry_backoff_ms"`
	} `json:"digital_task"`

	Safety struct {
		Enabled                        bool    `json:"enabled"`
		LowConfidenceThreshold         float64 `json:"low_confidence_threshold"`
		DirectionalConfidenceThreshold float64 `json:"directional_confidence_threshold"`
		MaxOutputChars                 int     `json:"max_output_chars"`
		QuietHoursEnabled              bool    `json:"quiet_hours_enabled"`
		QuietHoursStart                int     `json:"quiet_hours_start"`
		QuietHoursEnd                  int     `json:"quiet_hours_end"`
	} `json:"safety"`

	HTTP struct {
		Listen   string                 `json:"listen"`
		Security httpapi.SecurityConfig `json:"security"`
	} `json:"http"`

	Providers struct {
		Transcription provider.Config `json:"transcription"`
		TTS           provider.Config `json:"tts"`
		Vision        provider.Config `json:"vision"`
		Dialogue      provider.Config `json:"dialogue"`
		Tools         provider.Config `json:"tools"`
	} `json:"providers"`
}

// Load reads the config at path, writing defaults first if it is missing.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, cfg); err != nil {
			return nil, err
		}
	} else {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	applyEnv(cfg)

	if _, err := profile.Resolve(cfg.Transport.Profile, cfg.Transport.ProfileOverrides); err != nil {
		return nil, err
	}
	switch cfg.Transport.Adapter {
	case "mock", "websocket", "generic_mqtt", "ec600":
	default:
		return nil, fmt.Errorf("unknown transport adapter: %q", cfg.Transport.Adapter)
	}
	return cfg, nil
}

func defaults() *Config {
	cfg := &Config{
		DataDir:  filepath.Join(os.Getenv("HOME"), ".opencane"),
		LogLevel: "info",
	}
	cfg.Transport.Adapter = "generic_mqtt"
	cfg.Transport.Profile = "ec600mcnle_v1"
	cfg.Transport.MQTT.BrokerURL = "tcp://127.0.0.1:1883"
	cfg.Transport.MQTT.ClientID = "opencane-runtime"
	cfg.Transport.WS.Host = "0.0.0.0"
	cfg.Transport.WS.Port = 18791

	cfg.Runtime.TTSMode = "device_text"
	cfg.Runtime.TTSAudioChunkBytes = 4096
	cfg.Runtime.NoHeartbeatTimeoutSec = 60
	cfg.Runtime.IdleTimeoutMin = 30
	cfg.Runtime.RequireActivatedDevices = true
	cfg.Runtime.ContextTokenBudget = 1024

	cfg.Audio.JitterWindow = 32
	cfg.Audio.PrebufferChunks = 10
	cfg.Audio.HangoverChunks = 6
	cfg.Audio.EnableVAD = true

	cfg.Ingest.Capacity = 128
	cfg.Ingest.Workers = 4
	cfg.Ingest.OverflowPolicy = string(ingest.Reject)

	cfg.Vision.DedupThreshold = 8
	cfg.Vision.DedupWindowMin = 60

	cfg.DigitalTask.DefaultTimeoutSeconds = 120
	cfg.DigitalTask.MaxConcurrentTasks = 4
	cfg.DigitalTask.StatusRetryCount = 2
	cfg.DigitalTask.StatusRetryBackoffMS = 300

	cfg.Safety.Enabled = true
	cfg.Safety.LowConfidenceThreshold = 0.55
	cfg.Safety.DirectionalConfidenceThreshold = 0.85
	cfg.Safety.MaxOutputChars = 320
	cfg.Safety.QuietHoursStart = 22
	cfg.Safety.QuietHoursEnd = 7

	cfg.HTTP.Listen = "127.0.0.1:18792"
	cfg.HTTP.Security = httpapi.DefaultSecurityConfig()
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENCANE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OPENCANE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPENCANE_MQTT_BROKER"); v != "" {
		cfg.Transport.MQTT.BrokerURL = v
	}
	if v := os.Getenv("OPENCANE_MQTT_USERNAME"); v != "" {
		cfg.Transport.MQTT.Username = v
	}
	if v := os.Getenv("OPENCANE_MQTT_PASSWORD"); v != "" {
		cfg.Transport.MQTT.Password = v
	}
	if v := os.Getenv("OPENCANE_HTTP_TOKEN"); v != "" {
		cfg.HTTP.Security.Token = v
	}
	if v := os.Getenv("OPENCANE_PROVIDER_API_KEY"); v != "" {
		cfg.Providers.Transcription.APIKey = v
		cfg.Providers.TTS.APIKey = v
		cfg.Providers.Vision.APIKey = v
		cfg.Providers.Dialogue.APIKey = v
		cfg.Providers.Tools.APIKey = v
	}
}

func writeDefaults(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal default config: %w", err)
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write default config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename default config: %w", err)
	}
	return nil
}
