package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration.
//
// Files may be JSON or YAML; both are decoded strictly (unknown fields are
// rejected) so typos fail loudly at startup instead of silently defaulting.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Channel   ChannelConfig   `json:"channel"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Dispatch  DispatchConfig  `json:"dispatch,omitempty"`
	Alerts    *AlertsConfig   `json:"alerts,omitempty"`
	Pprof     PprofConfig     `json:"pprof,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level,omitempty"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig locates the billing record database.
type StorageConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// ChannelConfig controls the messaging channel.
type ChannelConfig struct {
	// DataDir is the root under which each tenant gets a credential
	// directory; pairing survives restarts through it.
	DataDir string `json:"data_dir"`
}

// SchedulerConfig controls the daily sweep trigger.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// Spec is a 5-field cron expression; defaults to 08:00 daily.
	Spec string `json:"spec,omitempty"`
	// Timezone is the IANA zone defining the tenants' operating day.
	Timezone string `json:"timezone,omitempty"`
}

type DispatchConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// AlertsConfig routes operational signals to an operator Telegram chat.
type AlertsConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	ChatID  int64  `json:"chat_id,omitempty"`
}

// PprofConfig controls the optional profiling endpoint.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

// ParseDurationField reads a duration config value like "10s". Empty means
// unset and parses to zero; negative values are rejected. field names the
// offending key in errors, e.g. "storage.busy_timeout".
func ParseDurationField(field, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for an
// unset value.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
