/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package common

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "github.com/DryHumorInDC/passenger/pkg/common/observability/logging"
)

// debounceDelay wait for events to settle before reloading
const debounceDelay = 250 * time.Millisecond

// WatchDir calls reload once changes in dir have settled, until ctx is done.
// Kubernetes volume updates swap a symlink, which shows up as a Create event
// in the mounted directory; editors rename over files; both are covered.
func WatchDir(ctx context.Context, name, dir string, reload func() error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create %s watcher: %w", name, err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	logger := log.FromContext(ctx).
		WithName(name+"-reloader").
		WithValues("path", dir)
	traceLogger := logger.V(logutil.TRACE)

	go func() {
		defer w.Close()

		var debounceTimer *time.Timer
		defer func() {
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
		}()

		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				traceLogger.Info("Watched path changed", "event", ev)
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if ctx.Err() != nil {
						return
					}
					if err := reload(); err != nil {
						logger.Error(err, "Failed to reload", "watcher", name)
						return
					}
					traceLogger.Info("Reloaded")
				})

			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				if err != nil {
					logger.Error(err, "Watcher failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
