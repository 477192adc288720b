/*
 * Copyright (c) 2025, ContractShield contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

// Package config loads the shieldctl configuration from a TOML file and
// environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/contractshield/contractshield-go/core"
)

// EnvPrefix is the prefix for environment variables overriding config values.
// Single underscores become dots (nested paths); double underscores keep a
// literal underscore.
const EnvPrefix = "SHIELDCTL_"

// Config is the complete shieldctl configuration.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Shield  ShieldConfig  `koanf:"shield"`
	Metrics MetricsConfig `koanf:"metrics"`
	Tracing TracingConfig `koanf:"tracing"`
	Logging LoggingConfig `koanf:"logging"`
}

// ServerConfig holds the demo HTTP server configuration.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`
}

// ShieldConfig holds the middleware configuration.
type ShieldConfig struct {
	PolicyFile  string `koanf:"policy_file"`
	OpenAPIFile string `koanf:"openapi_file"`

	Mode                    string `koanf:"mode"`
	ValidateRequest         bool   `koanf:"validate_request"`
	EnableVulnerabilityScan bool   `koanf:"enable_vulnerability_scan"`
	LogDecisions            bool   `koanf:"log_decisions"`

	BlockResponseCode int      `koanf:"block_response_code"`
	MaxBodySize       int64    `koanf:"max_body_size"`
	ExcludePaths      []string `koanf:"exclude_paths"`

	// UseCELGo selects the full-grammar expression backend instead of the
	// built-in safe subset.
	UseCELGo bool `koanf:"use_cel_go"`

	// JWTSecret enables the bearer-token identity provider when non-empty.
	JWTSecret string `koanf:"jwt_secret"`

	LearningOutputPath string `koanf:"learning_output_path"`
	Service            string `koanf:"service"`
	Env                string `koanf:"env"`
}

// MetricsConfig holds the Prometheus metrics server configuration.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

// TracingConfig holds the OpenTelemetry exporter configuration.
type TracingConfig struct {
	Enabled            bool          `koanf:"enabled"`
	Endpoint           string        `koanf:"endpoint"`
	Insecure           bool          `koanf:"insecure"`
	ServiceVersion     string        `koanf:"service_version"`
	BatchTimeout       time.Duration `koanf:"batch_timeout"`
	MaxExportBatchSize int           `koanf:"max_export_batch_size"`
	SamplingRate       float64       `koanf:"sampling_rate"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level can be "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format can be "json" or "text".
	Format string `koanf:"format"`
}

// Load reads configuration from the file (optional), then environment
// variables, merged over the defaults. Priority: env > file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := defaultConfig()

	k := koanf.New(".")

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
		s = strings.ReplaceAll(s, "_", ".")
		s = strings.ReplaceAll(s, "%UNDERSCORE%", "_")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Shield: ShieldConfig{
			ValidateRequest:         true,
			EnableVulnerabilityScan: true,
			LogDecisions:            true,
			MaxBodySize:             1 << 20,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			SamplingRate: 1.0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the configuration for contradictions the pipeline cannot
// start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	if c.Shield.Mode != "" && !core.Mode(c.Shield.Mode).Valid() {
		return fmt.Errorf("shield.mode %q is not one of enforce, monitor, learning", c.Shield.Mode)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not json or text", c.Logging.Format)
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate %v out of range", c.Tracing.SamplingRate)
	}
	return nil
}
