// Copyright (C) 2025 Tidepool AI (oss@tidepool-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads service configuration from a YAML file with
// environment variable overrides for secrets and deploy-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Weaviate  WeaviateConfig  `yaml:"weaviate"`
	Providers ProvidersConfig `yaml:"providers"`
	Auth      AuthConfig      `yaml:"auth"`
	Share     ShareConfig     `yaml:"share"`
	Uploads   UploadsConfig   `yaml:"uploads"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WeaviateConfig points at the semantic memory backend. An empty host
// disables memory persistence (the service runs with a nop store).
type WeaviateConfig struct {
	Host   string `yaml:"host"`
	Scheme string `yaml:"scheme"`
}

type ProvidersConfig struct {
	OpenAI ProviderConfig `yaml:"openai"`
	Google ProviderConfig `yaml:"google"`
}

// ProviderConfig configures one OpenAI-compatible upstream. BaseURL is
// empty for the real OpenAI endpoint.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// AuthConfig maps static bearer tokens to user ids. Empty means no auth
// (every request becomes local-user).
type AuthConfig struct {
	Tokens map[string]string `yaml:"tokens"`
}

type ShareConfig struct {
	BaseURL string `yaml:"base_url"`
}

// UploadsConfig names the GCS bucket for presigned uploads. Empty
// disables the presign endpoint.
type UploadsConfig struct {
	Bucket string `yaml:"bucket"`
}

type RateLimitConfig struct {
	SendPerSecond float64 `yaml:"send_per_second"`
	SendBurst     int     `yaml:"send_burst"`
}

// TelemetryConfig points at the OTLP gRPC collector. Empty disables
// trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Default returns the built-in configuration for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{Path: "tidepool.db"},
		Weaviate: WeaviateConfig{Scheme: "http"},
		Share:    ShareConfig{BaseURL: "http://localhost:8080/share"},
		RateLimit: RateLimitConfig{
			SendPerSecond: 0.5,
			SendBurst:     3,
		},
	}
}

// Load reads the config file at path, falling back to defaults when path
// is empty, then applies environment overrides.
//
// # Environment Overrides
//
//   - TIDEPOOL_ADDR: listen address
//   - TIDEPOOL_DB_PATH: sqlite file path
//   - WEAVIATE_HOST, WEAVIATE_SCHEME
//   - OPENAI_API_KEY, OPENAI_BASE_URL
//   - GOOGLE_API_KEY, GOOGLE_BASE_URL
//   - TIDEPOOL_SHARE_BASE_URL
//   - TIDEPOOL_UPLOAD_BUCKET
//   - OTEL_EXPORTER_OTLP_ENDPOINT
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg.Server.Addr, "TIDEPOOL_ADDR")
	applyEnv(&cfg.Database.Path, "TIDEPOOL_DB_PATH")
	applyEnv(&cfg.Weaviate.Host, "WEAVIATE_HOST")
	applyEnv(&cfg.Weaviate.Scheme, "WEAVIATE_SCHEME")
	applyEnv(&cfg.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	applyEnv(&cfg.Providers.OpenAI.BaseURL, "OPENAI_BASE_URL")
	applyEnv(&cfg.Providers.Google.APIKey, "GOOGLE_API_KEY")
	applyEnv(&cfg.Providers.Google.BaseURL, "GOOGLE_BASE_URL")
	applyEnv(&cfg.Share.BaseURL, "TIDEPOOL_SHARE_BASE_URL")
	applyEnv(&cfg.Uploads.Bucket, "TIDEPOOL_UPLOAD_BUCKET")
	applyEnv(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if c.RateLimit.SendPerSecond <= 0 {
		return fmt.Errorf("rate_limit.send_per_second must be positive")
	}
	if c.RateLimit.SendBurst <= 0 {
		return fmt.Errorf("rate_limit.send_burst must be positive")
	}
	return nil
}

func applyEnv(target *string, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}
