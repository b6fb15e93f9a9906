// SPDX-FileCopyrightText: 2025 the Malbuch contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package config holds the process-wide configuration. It is loaded once at
// boot, validated, and treated as an immutable snapshot afterwards.
package config

import (
	"time"
)

// Config is the immutable process configuration of both binaries.
type Config struct {
	// DatabaseURL is the Postgres connection string.
	DatabaseURL string `mapstructure:"database_url" validate:"required"`
	// RedisURL is the connection string of the keyed TTL'd KV store used for
	// the task queue, the recovery mutex and the dedup locks.
	RedisURL string `mapstructure:"redis_url" validate:"required"`

	Log        LogConfig        `mapstructure:"log"`
	Server     ServerConfig     `mapstructure:"server"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Mercure    MercureConfig    `mapstructure:"mercure"`
	Shopify    ShopifyConfig    `mapstructure:"shopify"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Runpod     RunpodConfig     `mapstructure:"runpod"`
	Vectorizer VectorizerConfig `mapstructure:"vectorizer"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Download   DownloadConfig   `mapstructure:"download"`

	// Timezone is the IANA name used for user-facing timestamps.
	Timezone string `mapstructure:"timezone"`
	// CORSOrigins is the raw allowed-origin list, comma-separated or a JSON
	// array. Use Config.CORSOriginList for the parsed form.
	CORSOrigins string `mapstructure:"cors_origins"`
}

// LogConfig configures the logger of the binary.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	// File enables rotated file logging next to stderr when non-empty.
	File string `mapstructure:"file"`
}

// ServerConfig configures the REST binary.
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port" validate:"gt=0,lte=65535"`
	// MetricsPort serves Prometheus metrics; zero disables the listener.
	MetricsPort int `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`
}

// WorkerConfig configures the queue-consuming binary.
type WorkerConfig struct {
	// Concurrency is the number of goroutines consuming tasks.
	Concurrency int `mapstructure:"concurrency" validate:"gt=0"`
	// Queue is the queue name shared by all actors.
	Queue string `mapstructure:"queue" validate:"required"`
	// MetricsPort serves Prometheus metrics; zero disables the listener.
	MetricsPort int `mapstructure:"metrics_port" validate:"gte=0,lte=65535"`
	// FetchSchedule is the cron expression of the periodic Shopify batch
	// fetch; empty disables it.
	FetchSchedule string `mapstructure:"fetch_schedule"`
	// FetchLimit is the number of orders pulled per scheduled fetch.
	FetchLimit int `mapstructure:"fetch_limit" validate:"gt=0"`
}

// MercureConfig configures publication to the SSE hub.
type MercureConfig struct {
	URL       string `mapstructure:"url" validate:"required,url"`
	JWTSecret string `mapstructure:"jwt_secret" validate:"required"`
}

// ShopifyConfig configures the upstream e-commerce API client.
type ShopifyConfig struct {
	// Store is the shop handle, e.g. "malbuch-studio" for
	// malbuch-studio.myshopify.com.
	Store         string `mapstructure:"store" validate:"required"`
	AccessToken   string `mapstructure:"access_token" validate:"required"`
	WebhookSecret string `mapstructure:"webhook_secret" validate:"required"`
}

// StorageConfig configures the object storage backend. With Backend "s3" the
// AWS fields are used; with "filesystem" objects land below LocalDir.
type StorageConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=s3 filesystem"`
	Bucket    string `mapstructure:"bucket" validate:"required"`
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	// PathStyle forces path-style addressing, required by most S3-compatible
	// providers.
	PathStyle bool `mapstructure:"path_style"`
	// LocalDir is the root directory of the filesystem backend.
	LocalDir string `mapstructure:"local_dir"`
}

// RunpodConfig configures the diffusion service client.
type RunpodConfig struct {
	APIKey   string `mapstructure:"api_key" validate:"required"`
	Endpoint string `mapstructure:"endpoint" validate:"required,url"`
	// PollInterval is the pause between job status polls.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	// Timeout is the wall-clock cap per external job.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// VectorizerConfig configures the raster-to-vector service client.
type VectorizerConfig struct {
	APIKey    string `mapstructure:"api_key" validate:"required"`
	APISecret string `mapstructure:"api_secret" validate:"required"`
	URL       string `mapstructure:"url" validate:"required,url"`
}

// ProcessingConfig carries the generation parameter defaults.
type ProcessingConfig struct {
	DefaultMegapixels float64 `mapstructure:"default_megapixels" validate:"gt=0"`
	DefaultSteps      int     `mapstructure:"default_steps" validate:"gt=0"`
	// MinImageSize is the minimum longer-side resolution in pixels; smaller
	// inputs are upscaled before submission.
	MinImageSize int `mapstructure:"min_image_size" validate:"gt=0"`
}

// DownloadConfig configures the customer photo download client.
type DownloadConfig struct {
	// Timeout bounds a single download attempt.
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
	// ProxyURL enables the proxy fallback for blocking status codes; empty
	// disables it.
	ProxyURL string `mapstructure:"proxy_url"`
	// RequestsPerSecond throttles downloads per worker process; zero means
	// unlimited.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
}
