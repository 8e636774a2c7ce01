// Package config provides environment configuration for the chat proxy.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration read at cold start. Secrets (the app
// secret and the Gemini API key) are not configured here; they live in SSM
// under ParamPrefix.
type Config struct {
	// StateTable is the DynamoDB table holding conversation history.
	StateTable string

	// ParamPrefix is the SSM path prefix for secrets.
	ParamPrefix string

	// GeminiModel is the model name used for generation.
	GeminiModel string

	// MaxHistory caps the per-conversation sliding window.
	MaxHistory int

	// HistoryTTL is how long an idle conversation stays evictable-but-live.
	HistoryTTL time.Duration

	LogLevel string
}

// Load reads configuration from CHATPROXY_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("CHATPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("GEMINI_MODEL", "gemini-2.5-flash")
	v.SetDefault("MAX_HISTORY", 20)
	v.SetDefault("HISTORY_TTL", "24h")
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		StateTable:  v.GetString("STATE_TABLE"),
		ParamPrefix: v.GetString("PARAM_PREFIX"),
		GeminiModel: v.GetString("GEMINI_MODEL"),
		MaxHistory:  v.GetInt("MAX_HISTORY"),
		HistoryTTL:  v.GetDuration("HISTORY_TTL"),
		LogLevel:    v.GetString("LOG_LEVEL"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.StateTable) == "" {
		errs = append(errs, "CHATPROXY_STATE_TABLE is required")
	}
	if strings.TrimSpace(c.ParamPrefix) == "" {
		errs = append(errs, "CHATPROXY_PARAM_PREFIX is required")
	}
	if c.MaxHistory <= 0 {
		errs = append(errs, fmt.Sprintf("CHATPROXY_MAX_HISTORY must be positive, got %d", c.MaxHistory))
	}
	if c.HistoryTTL <= 0 {
		errs = append(errs, "CHATPROXY_HISTORY_TTL must be a positive duration")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
