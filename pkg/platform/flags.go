// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package platform holds runtime switches that operators can flip without a
// restart: the master kill switch and named feature flags, read from a
// YAML file that is watched for changes.
package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Flags is the content of the flags file.
//
//	kill_switch: false
//	features:
//	  legacy_pipeline: false
type Flags struct {
	KillSwitch bool            `yaml:"kill_switch" json:"kill_switch"`
	Features   map[string]bool `yaml:"features" json:"features,omitempty"`
}

// Enabled reports a named feature. Unknown features are off.
func (f Flags) Enabled(name string) bool {
	return f.Features[name]
}

// ParseFlags decodes a flags document. An empty document is all off.
func ParseFlags(data []byte) (Flags, error) {
	var f Flags
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Flags{}, fmt.Errorf("parse flags: %w", err)
	}
	return f, nil
}

// LoadFlags reads and parses path. A missing file is all off.
func LoadFlags(path string) (Flags, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Flags{}, nil
	}
	if err != nil {
		return Flags{}, fmt.Errorf("read flags %s: %w", path, err)
	}
	return ParseFlags(data)
}

// FlagWatcher keeps the latest Flags from a file.
//
// # Description
//
// The parent directory is watched rather than the file, so editors and
// config-map mounts that replace the file by rename are picked up. A file
// that fails to parse leaves the previous flags in place. Changes are
// debounced.
//
// # Thread Safety
//
// Current and KillSwitch are lock-free and safe from any goroutine.
type FlagWatcher struct {
	path     string
	debounce time.Duration
	current  atomic.Pointer[Flags]
	onChange func(prev, next Flags)

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
}

// WatcherOption configures a FlagWatcher.
type WatcherOption func(*FlagWatcher)

// WithDebounce sets how long to wait after the last event before reloading.
// Default: 50ms.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *FlagWatcher) { w.debounce = d }
}

// WithOnChange registers a callback run after each successful reload that
// changed the kill switch or a feature.
func WithOnChange(fn func(prev, next Flags)) WatcherOption {
	return func(w *FlagWatcher) { w.onChange = fn }
}

// NewFlagWatcher loads path once. Call Start to follow changes.
func NewFlagWatcher(path string, opts ...WatcherOption) (*FlagWatcher, error) {
	w := &FlagWatcher{
		path:     filepath.Clean(path),
		debounce: 50 * time.Millisecond,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	flags, err := LoadFlags(w.path)
	if err != nil {
		return nil, err
	}
	w.current.Store(&flags)
	return w, nil
}

// Current returns the latest flags.
func (w *FlagWatcher) Current() Flags {
	return *w.current.Load()
}

// KillSwitch reports the latest kill switch. It has the signature expected
// by gateway.WithKillSwitch.
func (w *FlagWatcher) KillSwitch() bool {
	return w.current.Load().KillSwitch
}

// Start begins watching. It returns once the watch is registered; events
// are handled on a background goroutine until ctx is done or Stop is
// called.
func (w *FlagWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.watcher = watcher
	go w.loop(ctx)
	return nil
}

// Stop ends watching. Safe to call more than once.
func (w *FlagWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		if w.watcher != nil {
			w.watcher.Close()
		}
	})
}

func (w *FlagWatcher) loop(ctx context.Context) {
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			timerC = time.After(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("Flag watcher error", "path", w.path, "error", err)
		case <-timerC:
			timerC = nil
			w.reload()
		}
	}
}

// reload re-reads the file and swaps the flags in.
func (w *FlagWatcher) reload() {
	flags, err := LoadFlags(w.path)
	if err != nil {
		slog.Warn("Ignoring unreadable flags file", "path", w.path, "error", err)
		return
	}
	old := *w.current.Swap(&flags)
	if old.KillSwitch != flags.KillSwitch {
		slog.Warn("Kill switch changed", "path", w.path, "kill_switch", flags.KillSwitch)
	}
	if w.onChange != nil && !equalFlags(old, flags) {
		w.onChange(old, flags)
	}
}

func equalFlags(a, b Flags) bool {
	if a.KillSwitch != b.KillSwitch || len(a.Features) != len(b.Features) {
		return false
	}
	for k, v := range a.Features {
		if bv, ok := b.Features[k]; !ok || bv != v {
			return false
		}
	}
	return true
}
