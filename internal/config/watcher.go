// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	internallog "github.com/promptflow/runtime/internal/log"
)

// Watcher reloads the configuration file when it changes and invokes
// the registered callback with the new config. Only hot-reloadable
// settings (logging level, rate limits) should be applied from the
// callback; structural settings need a restart.
type Watcher struct {
	path     string
	logger   *slog.Logger
	onChange func(*Config)
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, logger *slog.Logger, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory: editors replace files on save, which drops
	// a watch registered on the file itself.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     path,
		logger:   internallog.WithComponent(logger, "config-watcher"),
		onChange: onChange,
		watcher:  fw,
	}, nil
}

// Start watches until the context is cancelled. Events are debounced:
// a save typically emits several write events in quick succession.
func (w *Watcher) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.watcher.Close()

	var debounce *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Warn("config reload failed, keeping previous config",
				internallog.Error(err))
			return
		}
		w.logger.Info("config reloaded", slog.String("path", w.path))
		w.onChange(cfg)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", internallog.Error(err))
		}
	}
}
