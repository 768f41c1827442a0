// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envconfig resolves environment-style configuration keys.
//
// # Description
//
// Every service reads flat keys such as MODEL_MAX_RETRIES or AUDIT_SINK.
// A key is resolved from the process environment first, then from an
// optional flat YAML file named by CURATOR_CONFIG, then from the caller's
// default. Malformed values fall back to the default and are logged, so a
// typo in one key never prevents startup.
//
// # Thread Safety
//
// A Source is immutable after construction and safe for concurrent use.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnvKey names the environment variable holding the optional YAML file.
const FileEnvKey = "CURATOR_CONFIG"

// Source resolves configuration keys.
type Source struct {
	lookup func(string) (string, bool)
	file   map[string]string
}

// Default returns a Source backed by the process environment and, when
// CURATOR_CONFIG is set, the YAML file it names. A missing or unreadable
// file is logged and ignored.
func Default() *Source {
	src := &Source{lookup: os.LookupEnv}
	if path, ok := os.LookupEnv(FileEnvKey); ok && path != "" {
		file, err := readYAML(path)
		if err != nil {
			slog.Warn("Ignoring unreadable config file", "path", path, "error", err)
		} else {
			src.file = file
		}
	}
	return src
}

// FromMap returns a Source that only consults m. Used by tests.
func FromMap(m map[string]string) *Source {
	return &Source{
		lookup: func(key string) (string, bool) {
			v, ok := m[key]
			return v, ok
		},
	}
}

// LoadFile returns a Source backed by the environment and the given file.
func LoadFile(path string) (*Source, error) {
	file, err := readYAML(path)
	if err != nil {
		return nil, err
	}
	return &Source{lookup: os.LookupEnv, file: file}, nil
}

func readYAML(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	raw := map[string]any{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[strings.ToUpper(k)] = fmt.Sprint(v)
	}
	return out, nil
}

// Lookup returns the raw value for key and whether it was set anywhere.
func (s *Source) Lookup(key string) (string, bool) {
	if s.lookup != nil {
		if v, ok := s.lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v), true
		}
	}
	if v, ok := s.file[key]; ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), true
	}
	return "", false
}

// String returns the value for key or def.
func (s *Source) String(key, def string) string {
	if v, ok := s.Lookup(key); ok {
		return v
	}
	return def
}

// Int returns the integer value for key or def.
func (s *Source) Int(key string, def int) int {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// Int64 returns the 64-bit integer value for key or def.
func (s *Source) Int64(key string, def int64) int64 {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("Invalid integer config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// Float returns the float value for key or def.
func (s *Source) Float(key string, def float64) float64 {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Invalid float config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

// Bool returns the boolean value for key or def. Accepts the forms
// strconv.ParseBool accepts plus "yes"/"no" and "on"/"off".
func (s *Source) Bool(key string, def bool) bool {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "yes", "on":
		return true
	case "no", "off":
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("Invalid boolean config value, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

// Duration returns the duration for key or def. Values may be Go duration
// strings ("1.5s", "30s") or bare numbers interpreted as seconds ("1.0").
func (s *Source) Duration(key string, def time.Duration) time.Duration {
	v, ok := s.Lookup(key)
	if !ok {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	slog.Warn("Invalid duration config value, using default", "key", key, "value", v, "default", def)
	return def
}
