// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration of the conformance harness.
type Config struct {
	LogLevel    string            `yaml:"log_level" env:"TCK_LOG_LEVEL"`
	Target      TargetConfig      `yaml:"target"`
	Comparison  ComparisonConfig  `yaml:"comparison"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Receiver    ReceiverConfig    `yaml:"receiver"`
	Exporters   ExportersConfig   `yaml:"exporters"`
	Health      HealthConfig      `yaml:"health"`
	Scenarios   []string          `yaml:"scenarios"` // empty = all
}

// TargetConfig locates the system under test.
type TargetConfig struct {
	BaseURL        string        `yaml:"base_url" env:"TCK_TARGET_BASE_URL"`
	ContextRoot    string        `yaml:"context_root"`
	ServicePath    string        `yaml:"service_path"`
	TracerPath     string        `yaml:"tracer_path"`
	Resource       string        `yaml:"resource"` // fully qualified resource class
	Component      string        `yaml:"component"`
	OperationNames string        `yaml:"operation_names"` // "class-method" or "http-path"
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Source         string        `yaml:"source"` // "rest" or "otlp"
}

type ComparisonConfig struct {
	Mode          string   `yaml:"mode"` // "ordered" or "unordered"
	StrictParents bool     `yaml:"strict_parents"`
	TagAllow      []string `yaml:"tag_allow"`       // empty = standard tags
	ErrorTagAllow []string `yaml:"error_tag_allow"` // empty = standard tags + error
	LogFields     []string `yaml:"log_fields"`      // empty = event, error.object
}

type ConcurrencyConfig struct {
	Calls   int           `yaml:"calls"`
	Workers int           `yaml:"workers"` // 0 = logical CPU count
	Grace   time.Duration `yaml:"grace"`
	Timeout time.Duration `yaml:"timeout"`
	Tokens  string        `yaml:"tokens"` // "counter" or "uuid"
}

// ReceiverConfig configures the OTLP span receivers.
type ReceiverConfig struct {
	Enabled  bool   `yaml:"enabled"`
	GRPCAddr string `yaml:"grpc_addr"`
	HTTPAddr string `yaml:"http_addr"`
}

type ExportersConfig struct {
	OTLP   OTLPConfig   `yaml:"otlp"`
	Stdout StdoutConfig `yaml:"stdout"`
}

type OTLPConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // "grpc" or "http"
	Insecure    bool              `yaml:"insecure"`
	Headers     map[string]string `yaml:"headers"`
	Compression string            `yaml:"compression"` // "gzip" or "none"
}

type StdoutConfig struct {
	Enabled bool   `yaml:"enabled"`
	Format  string `yaml:"format"` // "text" or "json"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"TCK_HEALTH_PORT"` // e.g. ":8686"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration for a local reference deployment.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Target: TargetConfig{
			BaseURL:        "http://localhost:9080/",
			ContextRoot:    "rest",
			ServicePath:    "testServices",
			TracerPath:     "tracer",
			Resource:       "org.eclipse.microprofile.opentracing.tck.application.TestServerWebServices",
			Component:      "jaxrs",
			OperationNames: "class-method",
			RequestTimeout: 30 * time.Second,
			Source:         "rest",
		},
		Comparison: ComparisonConfig{
			Mode: "ordered",
		},
		Concurrency: ConcurrencyConfig{
			Calls:   100,
			Grace:   time.Second,
			Timeout: 2 * time.Minute,
			Tokens:  "counter",
		},
		Receiver: ReceiverConfig{
			Enabled:  false,
			GRPCAddr: ":4317",
			HTTPAddr: ":4318",
		},
		Exporters: ExportersConfig{
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Protocol:    "grpc",
				Insecure:    true,
				Compression: "gzip",
			},
			Stdout: StdoutConfig{
				Enabled: true,
				Format:  "text",
			},
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    ":8686",
		},
	}
}

// LoadDir loads section-specific YAML files from a directory and merges them
// into a single Config. Expected files:
//   - base.yaml       → log_level, receiver, exporters, health
//   - target.yaml     → target
//   - comparison.yaml → comparison, concurrency
//   - scenarios.yaml  → scenarios
//
// Missing files are silently ignored (defaults apply).
func LoadDir(dir string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadFileInto(filepath.Join(dir, "base.yaml"), cfg); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load base.yaml: %w", err)
	}

	for _, f := range []string{"target.yaml", "comparison.yaml", "scenarios.yaml"} {
		if err := loadFileInto(filepath.Join(dir, f), cfg); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// loadFileInto reads a YAML file and unmarshals it into an existing Config,
// overwriting only the fields present in the file.
func loadFileInto(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// ApplyEnvOverrides reads TCK_* environment variables and applies them
// to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"TCK_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"TCK_TARGET_BASE_URL":         func(v string) { c.Target.BaseURL = v },
		"TCK_TARGET_SOURCE":           func(v string) { c.Target.Source = v },
		"TCK_TARGET_OPERATION_NAMES":  func(v string) { c.Target.OperationNames = v },
		"TCK_COMPARISON_MODE":         func(v string) { c.Comparison.Mode = v },
		"TCK_CONCURRENCY_TOKENS":      func(v string) { c.Concurrency.Tokens = v },
		"TCK_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"TCK_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"TCK_EXPORTERS_OTLP_PROTOCOL": func(v string) { c.Exporters.OTLP.Protocol = v },
		"TCK_SCENARIOS":               func(v string) { c.Scenarios = splitList(v) },
	}

	boolOverrides := map[string]*bool{
		"TCK_COMPARISON_STRICT_PARENTS": &c.Comparison.StrictParents,
		"TCK_RECEIVER_ENABLED":          &c.Receiver.Enabled,
		"TCK_HEALTH_ENABLED":            &c.Health.Enabled,
		"TCK_EXPORTERS_OTLP_ENABLED":    &c.Exporters.OTLP.Enabled,
		"TCK_EXPORTERS_STDOUT_ENABLED":  &c.Exporters.Stdout.Enabled,
	}

	intOverrides := map[string]*int{
		"TCK_CONCURRENCY_CALLS":   &c.Concurrency.Calls,
		"TCK_CONCURRENCY_WORKERS": &c.Concurrency.Workers,
	}

	durationOverrides := map[string]*time.Duration{
		"TCK_CONCURRENCY_GRACE":      &c.Concurrency.Grace,
		"TCK_CONCURRENCY_TIMEOUT":    &c.Concurrency.Timeout,
		"TCK_TARGET_REQUEST_TIMEOUT": &c.Target.RequestTimeout,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}

	for envKey, target := range durationOverrides {
		if val := os.Getenv(envKey); val != "" {
			if d, err := time.ParseDuration(strings.TrimSpace(val)); err == nil {
				*target = d
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Target.BaseURL == "" {
		return fmt.Errorf("target.base_url is required")
	}
	if c.Target.Source != "rest" && c.Target.Source != "otlp" {
		return fmt.Errorf("target.source must be 'rest' or 'otlp'")
	}
	if c.Target.Source == "otlp" && !c.Receiver.Enabled {
		return fmt.Errorf("receiver.enabled is required when target.source is 'otlp'")
	}
	if c.Target.OperationNames != "class-method" && c.Target.OperationNames != "http-path" {
		return fmt.Errorf("target.operation_names must be 'class-method' or 'http-path'")
	}

	if c.Comparison.Mode != "ordered" && c.Comparison.Mode != "unordered" {
		return fmt.Errorf("comparison.mode must be 'ordered' or 'unordered'")
	}

	if c.Concurrency.Calls <= 0 {
		return fmt.Errorf("concurrency.calls must be positive")
	}
	if c.Concurrency.Workers < 0 {
		return fmt.Errorf("concurrency.workers must not be negative")
	}
	if c.Concurrency.Grace < 0 {
		return fmt.Errorf("concurrency.grace must not be negative")
	}
	if c.Concurrency.Timeout <= 0 {
		return fmt.Errorf("concurrency.timeout must be positive")
	}
	if c.Concurrency.Tokens != "counter" && c.Concurrency.Tokens != "uuid" {
		return fmt.Errorf("concurrency.tokens must be 'counter' or 'uuid'")
	}

	if c.Receiver.Enabled && c.Receiver.GRPCAddr == "" && c.Receiver.HTTPAddr == "" {
		return fmt.Errorf("receiver needs grpc_addr or http_addr when enabled")
	}

	if c.Exporters.OTLP.Enabled {
		if c.Exporters.OTLP.Endpoint == "" {
			return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
		}
		if c.Exporters.OTLP.Protocol != "grpc" && c.Exporters.OTLP.Protocol != "http" {
			return fmt.Errorf("exporters.otlp.protocol must be 'grpc' or 'http'")
		}
	}
	switch c.Exporters.OTLP.Compression {
	case "", "gzip", "none":
	default:
		return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
	}

	if c.Exporters.Stdout.Format != "text" && c.Exporters.Stdout.Format != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Health.Enabled && c.Health.Port == "" {
		return fmt.Errorf("health.port is required when health is enabled")
	}

	return nil
}
