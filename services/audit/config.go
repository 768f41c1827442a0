// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/rnagulapalle/dhcs-intake-lab-sub000/pkg/envconfig"
)

// Sink type names accepted by AUDIT_SINK.
const (
	SinkStdout = "stdout"
	SinkFile   = "file"
	SinkNull   = "null"
	SinkBadger = "badger"
	SinkMemory = "memory"
)

// Config selects and configures the audit sink.
type Config struct {
	SinkType     string `validate:"oneof=stdout file null badger memory"`
	FilePath     string `validate:"required_if=SinkType file"`
	MaxFileBytes int64  `validate:"gte=0"`
	MaxBackups   int    `validate:"gte=0"`
	BadgerDir    string `validate:"required_if=SinkType badger"`
	MemoryLimit  int    `validate:"gte=0"`
	LogPrompts   bool
	LogResponses bool

	// Retention drops entries older than this from sinks that support
	// pruning (badger, memory). Zero keeps everything.
	Retention         time.Duration `validate:"gte=0"`
	RetentionInterval time.Duration `validate:"gte=0"`
}

// DefaultConfig returns stdout output with prompt/response logging off.
func DefaultConfig() Config {
	return Config{
		SinkType:     SinkStdout,
		FilePath:     "audit.log",
		MaxFileBytes: 10 * 1024 * 1024,
		MaxBackups:   5,
		BadgerDir:    "audit-db",
		MemoryLimit:  10000,

		RetentionInterval: time.Hour,
	}
}

// ConfigFromEnv reads AUDIT_* keys from the environment.
func ConfigFromEnv() Config {
	return ConfigFromSource(envconfig.Default())
}

// ConfigFromSource reads AUDIT_* keys from src.
func ConfigFromSource(src *envconfig.Source) Config {
	def := DefaultConfig()
	return Config{
		SinkType:     src.String("AUDIT_SINK", def.SinkType),
		FilePath:     src.String("AUDIT_FILE_PATH", def.FilePath),
		MaxFileBytes: src.Int64("AUDIT_MAX_FILE_BYTES", def.MaxFileBytes),
		MaxBackups:   src.Int("AUDIT_MAX_BACKUPS", def.MaxBackups),
		BadgerDir:    src.String("AUDIT_BADGER_DIR", def.BadgerDir),
		MemoryLimit:  src.Int("AUDIT_MEMORY_LIMIT", def.MemoryLimit),
		LogPrompts:   src.Bool("AUDIT_LOG_PROMPTS", false),
		LogResponses: src.Bool("AUDIT_LOG_RESPONSES", false),

		Retention:         src.Duration("AUDIT_RETENTION", 0),
		RetentionInterval: src.Duration("AUDIT_RETENTION_INTERVAL", def.RetentionInterval),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid audit config: %w", err)
	}
	return nil
}

// Privacy returns the prompt/response logging settings.
func (c Config) Privacy() Privacy {
	return Privacy{LogPrompts: c.LogPrompts, LogResponses: c.LogResponses}
}

// NewSink builds the sink named by cfg.SinkType.
func NewSink(cfg Config) (Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.SinkType {
	case SinkStdout:
		return NewStdoutSink(), nil
	case SinkFile:
		if dir := filepath.Dir(cfg.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0750); err != nil {
				return nil, fmt.Errorf("create audit directory: %w", err)
			}
		}
		return NewFileSink(cfg.FilePath, cfg.MaxFileBytes, cfg.MaxBackups)
	case SinkBadger:
		return NewBadgerSink(cfg.BadgerDir)
	case SinkMemory:
		return NewMemorySink(cfg.MemoryLimit), nil
	default:
		return NullSink{}, nil
	}
}
