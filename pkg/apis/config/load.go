// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/malbuch/malbuch/pkg/logger"
)

// envPrefix is the prefix of all environment variables, e.g.
// MALBUCH_DATABASE_URL or MALBUCH_RUNPOD_TIMEOUT.
const envPrefix = "MALBUCH"

// Load reads the configuration from the environment and, when configFile is
// non-empty, from the given YAML file (environment wins). The result is
// validated and must be treated as immutable.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", logger.InfoLevel)
	v.SetDefault("log.format", logger.FormatJSON)
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("worker.concurrency", 8)
	v.SetDefault("worker.queue", "malbuch")
	v.SetDefault("worker.metrics_port", 9091)
	v.SetDefault("worker.fetch_schedule", "")
	v.SetDefault("worker.fetch_limit", 50)
	v.SetDefault("storage.backend", "s3")
	v.SetDefault("storage.region", "auto")
	v.SetDefault("runpod.poll_interval", 5*time.Second)
	v.SetDefault("runpod.timeout", 600*time.Second)
	v.SetDefault("processing.default_megapixels", 1.0)
	v.SetDefault("processing.default_steps", 30)
	v.SetDefault("processing.min_image_size", 1200)
	v.SetDefault("download.timeout", 60*time.Second)
	v.SetDefault("download.requests_per_second", 0)
	v.SetDefault("timezone", "Europe/Prague")
	v.SetDefault("cors_origins", "")
}

// bindEnvs makes AutomaticEnv see nested keys: viper only consults the
// environment for keys it knows about, so every key gets an explicit binding.
func bindEnvs(v *viper.Viper) {
	for _, key := range []string{
		"database_url", "redis_url", "timezone", "cors_origins",
		"log.level", "log.format", "log.file",
		"server.bind_address", "server.port", "server.metrics_port",
		"worker.concurrency", "worker.queue", "worker.metrics_port", "worker.fetch_schedule", "worker.fetch_limit",
		"mercure.url", "mercure.jwt_secret",
		"shopify.store", "shopify.access_token", "shopify.webhook_secret",
		"storage.backend", "storage.bucket", "storage.endpoint", "storage.region",
		"storage.access_key", "storage.secret_key", "storage.path_style", "storage.local_dir",
		"runpod.api_key", "runpod.endpoint", "runpod.poll_interval", "runpod.timeout",
		"vectorizer.api_key", "vectorizer.api_secret", "vectorizer.url",
		"processing.default_megapixels", "processing.default_steps", "processing.min_image_size",
		"download.timeout", "download.proxy_url", "download.requests_per_second",
	} {
		// The error only fires for an empty key.
		_ = v.BindEnv(key)
	}
}

// Validate checks the configuration against its struct tags and the logger
// constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.ValidateLevel(c.Log.Level); err != nil {
		return err
	}
	if err := logger.ValidateFormat(c.Log.Format); err != nil {
		return err
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	if _, err := c.CORSOriginList(); err != nil {
		return err
	}
	return nil
}

// CORSOriginList parses CORSOrigins, accepting both a comma-separated list
// and a JSON array.
func (c *Config) CORSOriginList() ([]string, error) {
	raw := strings.TrimSpace(c.CORSOrigins)
	if raw == "" {
		return nil, nil
	}

	if strings.HasPrefix(raw, "[") {
		var origins []string
		if err := json.Unmarshal([]byte(raw), &origins); err != nil {
			return nil, fmt.Errorf("invalid cors_origins JSON: %w", err)
		}
		return origins, nil
	}

	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins, nil
}

// Location returns the configured timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
