// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the coordinator configuration from
// YAML. ${VAR} references are expanded from the environment before
// parsing, so credentials stay out of the file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// BackendConfig configures one backend adapter.
type BackendConfig struct {
	// Enabled includes the backend in startup and discovery.
	Enabled bool `yaml:"enabled"`

	// Backend names the implementation, e.g. "sqlite", "postgresql",
	// "weaviate", "badger", "gcs", "local", "memory".
	Backend string `yaml:"backend"`

	// Connection parameters for network-reachable stores.
	Host     string `yaml:"host"`
	Port     int    `yaml:"port" validate:"gte=0,lte=65535"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`

	// Path locates embedded stores (sqlite file, badger dir, local file
	// root) and the GCS bucket.
	Path string `yaml:"path"`

	// Pool sizing, for adapters that pool connections.
	MinConnections int `yaml:"min_connections" validate:"gte=0"`
	MaxConnections int `yaml:"max_connections" validate:"gte=0"`

	// Settings carries implementation-specific extras, forwarded untouched.
	Settings map[string]any `yaml:"settings"`
}

// PolicyConfig overrides one governance policy.
type PolicyConfig struct {
	AllowedOperations []string `yaml:"allowed_operations"`
	ForbiddenFields   []string `yaml:"forbidden_fields"`
	ForbiddenTypes    []string `yaml:"forbidden_types"`
}

// GovernanceConfig configures the governance engine.
type GovernanceConfig struct {
	// Strict makes violations hard failures. Default true.
	Strict *bool `yaml:"strict"`

	// Policies override the built-in defaults per backend kind name.
	Policies map[string]PolicyConfig `yaml:"policies"`
}

// SagaConfig tunes the orchestrator.
type SagaConfig struct {
	MaxRetries      int `yaml:"max_retries" validate:"gte=0"`
	BaseDelayMS     int `yaml:"base_delay_ms" validate:"gte=0"`
	DeadlineSeconds int `yaml:"deadline_seconds" validate:"gte=0"`
}

// RecoveryConfig tunes the recovery worker.
type RecoveryConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds" validate:"gte=0"`
	Retries         int  `yaml:"retries" validate:"gte=0"`
}

// OpsServerConfig configures the optional HTTP ops surface.
type OpsServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level   string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Dir     string `yaml:"dir"`
	Service string `yaml:"service"`
	JSON    bool   `yaml:"json"`
}

// Config is the full coordinator configuration.
type Config struct {
	Relational BackendConfig `yaml:"relational"`
	Document   BackendConfig `yaml:"document"`
	Vector     BackendConfig `yaml:"vector"`
	Graph      BackendConfig `yaml:"graph"`
	File       BackendConfig `yaml:"file"`
	KeyValue   BackendConfig `yaml:"key_value"`

	Governance GovernanceConfig `yaml:"governance"`

	// Autostart connects every enabled backend during construction.
	Autostart bool `yaml:"autostart"`

	// DiscoveryCacheTTLSeconds bounds availability snapshot staleness.
	DiscoveryCacheTTLSeconds int `yaml:"discovery_cache_ttl" validate:"gte=0"`

	// StartupTimeoutSeconds is the per-backend connect deadline.
	StartupTimeoutSeconds int `yaml:"startup_timeout_seconds" validate:"gte=0"`

	Saga      SagaConfig      `yaml:"saga"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	OpsServer OpsServerConfig `yaml:"ops_server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns the configuration used when no file is given: an
// embedded sqlite relational store plus in-memory adapters, strict
// governance, autostart on.
func Default() *Config {
	strict := true
	return &Config{
		Relational: BackendConfig{
			Enabled:        true,
			Backend:        "sqlite",
			Path:           "polystore.db",
			MinConnections: 5,
			MaxConnections: 50,
		},
		Governance:               GovernanceConfig{Strict: &strict},
		Autostart:                true,
		DiscoveryCacheTTLSeconds: 300,
		StartupTimeoutSeconds:    30,
		Saga: SagaConfig{
			MaxRetries:      3,
			BaseDelayMS:     100,
			DeadlineSeconds: 300,
		},
		Recovery: RecoveryConfig{
			Enabled:         true,
			IntervalSeconds: 60,
			Retries:         3,
		},
		Logging: LoggingConfig{Level: "info", Service: "polystore"},
	}
}

// Load reads, expands, parses, and validates a config file.
//
// Description:
//
//	Environment references use ${VAR} syntax and expand before YAML
//	parsing. Unset variables expand to the empty string. Fields that are
//	absent keep the Default() values.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse parses config bytes after environment expansion.
func Parse(raw []byte) (*Config, error) {
	expanded := os.Expand(string(raw), func(name string) string {
		return os.Getenv(name)
	})

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	for name, bc := range c.Backends() {
		if bc.MaxConnections > 0 && bc.MinConnections > bc.MaxConnections {
			return fmt.Errorf("validate config: %s min_connections %d exceeds max_connections %d",
				name, bc.MinConnections, bc.MaxConnections)
		}
	}
	return nil
}

// Backends returns the per-kind sections keyed by canonical kind name.
func (c *Config) Backends() map[string]BackendConfig {
	return map[string]BackendConfig{
		"relational": c.Relational,
		"document":   c.Document,
		"vector":     c.Vector,
		"graph":      c.Graph,
		"file":       c.File,
		"key_value":  c.KeyValue,
	}
}

// GovernanceStrict resolves the strict flag, defaulting to true.
func (c *Config) GovernanceStrict() bool {
	if c.Governance.Strict == nil {
		return true
	}
	return *c.Governance.Strict
}

// DiscoveryCacheTTL returns the snapshot TTL as a duration.
func (c *Config) DiscoveryCacheTTL() time.Duration {
	return time.Duration(c.DiscoveryCacheTTLSeconds) * time.Second
}

// StartupTimeout returns the per-backend connect deadline.
func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutSeconds) * time.Second
}

// SagaBaseDelay returns the retry backoff base.
func (c *Config) SagaBaseDelay() time.Duration {
	return time.Duration(c.Saga.BaseDelayMS) * time.Millisecond
}

// SagaDeadline returns the soft execution budget.
func (c *Config) SagaDeadline() time.Duration {
	return time.Duration(c.Saga.DeadlineSeconds) * time.Second
}

// RecoveryInterval returns the sweep period.
func (c *Config) RecoveryInterval() time.Duration {
	return time.Duration(c.Recovery.IntervalSeconds) * time.Second
}
