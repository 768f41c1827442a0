// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/envconfig"
)

// Config holds gateway settings.
//
// # Description
//
// The three reliability features (timeout, retry, circuit breaker) each
// default to disabled. With all three off the gateway is a single-attempt,
// unlimited-wait pass-through plus audit logging.
//
// # Fields
//
//   - Model: Label recorded when the provider does not report a model.
//   - Temperature: Applied when the caller does not set one. Nil leaves
//     the provider default.
//   - MaxRetries: Total attempts when retry is enabled (not extra attempts).
//   - RetryBaseDelay / RetryMaxDelay: Exponential backoff bounds.
//   - RetryJitter: Fractional jitter, 0.1 means +/-10%.
//   - DefaultTimeout: Per-attempt bound when timeout is enabled.
//   - CircuitBreakerThreshold: Consecutive failures that open the circuit.
//   - CircuitBreakerRecovery: Time spent open before a trial is allowed.
//   - CircuitBreakerHalfOpenMax: Concurrent trials allowed while half-open.
//   - UseCentralizedGateway: When false, NewClient returns a direct client
//     without audit or reliability features.
//   - KillSwitch: Static master switch. A dynamic switch can be supplied
//     with WithKillSwitch.
type Config struct {
	Model       string
	Temperature *float32 `validate:"omitempty,gte=0,lte=2"`

	MaxRetries     int           `validate:"gte=1"`
	RetryBaseDelay time.Duration `validate:"gte=0"`
	RetryMaxDelay  time.Duration `validate:"gtefield=RetryBaseDelay"`
	RetryJitter    float64       `validate:"gte=0,lte=1"`

	DefaultTimeout time.Duration `validate:"gt=0"`

	CircuitBreakerThreshold   int           `validate:"gte=1"`
	CircuitBreakerRecovery    time.Duration `validate:"gte=0"`
	CircuitBreakerHalfOpenMax int           `validate:"gte=1"`

	TimeoutEnabled        bool
	RetryEnabled          bool
	CircuitBreakerEnabled bool
	UseCentralizedGateway bool
	KillSwitch            bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:                3,
		RetryBaseDelay:            time.Second,
		RetryMaxDelay:             30 * time.Second,
		RetryJitter:               0.1,
		DefaultTimeout:            60 * time.Second,
		CircuitBreakerThreshold:   5,
		CircuitBreakerRecovery:    60 * time.Second,
		CircuitBreakerHalfOpenMax: 1,
		UseCentralizedGateway:     true,
	}
}

// ConfigFromEnv reads gateway keys from the environment.
func ConfigFromEnv() Config {
	return ConfigFromSource(envconfig.Default())
}

// ConfigFromSource reads gateway keys from src, falling back to defaults.
func ConfigFromSource(src *envconfig.Source) Config {
	def := DefaultConfig()
	cfg := Config{
		Model:                     src.String("MODEL_NAME", ""),
		MaxRetries:                src.Int("MODEL_MAX_RETRIES", def.MaxRetries),
		RetryBaseDelay:            src.Duration("MODEL_RETRY_BASE_DELAY", def.RetryBaseDelay),
		RetryMaxDelay:             src.Duration("MODEL_RETRY_MAX_DELAY", def.RetryMaxDelay),
		RetryJitter:               src.Float("MODEL_RETRY_JITTER", def.RetryJitter),
		DefaultTimeout:            src.Duration("MODEL_DEFAULT_TIMEOUT", def.DefaultTimeout),
		CircuitBreakerThreshold:   src.Int("CIRCUIT_BREAKER_THRESHOLD", def.CircuitBreakerThreshold),
		CircuitBreakerRecovery:    src.Duration("CIRCUIT_BREAKER_RECOVERY", def.CircuitBreakerRecovery),
		CircuitBreakerHalfOpenMax: src.Int("CIRCUIT_BREAKER_HALF_OPEN_MAX", def.CircuitBreakerHalfOpenMax),
		TimeoutEnabled:            src.Bool("MODEL_TIMEOUT_ENABLED", false),
		RetryEnabled:              src.Bool("MODEL_RETRY_ENABLED", false),
		CircuitBreakerEnabled:     src.Bool("CIRCUIT_BREAKER_ENABLED", false),
		UseCentralizedGateway:     src.Bool("USE_CENTRALIZED_GATEWAY", true),
		KillSwitch:                src.Bool("PLATFORM_KILL_SWITCH", false),
	}
	if _, ok := src.Lookup("MODEL_TEMPERATURE"); ok {
		t := float32(src.Float("MODEL_TEMPERATURE", 0))
		cfg.Temperature = &t
	}
	return cfg
}

// Validate checks numeric bounds.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid gateway config: %w", err)
	}
	return nil
}

// applyConfigDefaults fills zero values so a partially populated Config
// from a test or caller still behaves sensibly.
func applyConfigDefaults(c Config) Config {
	def := DefaultConfig()
	if c.MaxRetries < 1 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = def.RetryMaxDelay
	}
	if c.RetryJitter < 0 {
		c.RetryJitter = 0
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.CircuitBreakerThreshold < 1 {
		c.CircuitBreakerThreshold = def.CircuitBreakerThreshold
	}
	if c.CircuitBreakerRecovery < 0 {
		c.CircuitBreakerRecovery = def.CircuitBreakerRecovery
	}
	if c.CircuitBreakerHalfOpenMax < 1 {
		c.CircuitBreakerHalfOpenMax = def.CircuitBreakerHalfOpenMax
	}
	return c
}
