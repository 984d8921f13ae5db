/*
 * Copyright 2026 Miccast Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package devices

import (
	"context"
	"sync"
	"time"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/models"
)

// EventType classifies a hot-plug event.
type EventType int

const (
	DeviceAdded EventType = iota
	DeviceRemoved
)

func (t EventType) String() string {
	switch t {
	case DeviceAdded:
		return "added"
	case DeviceRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is one observed device arrival or departure.
type Event struct {
	Type   EventType
	Device models.Device
}

// Watcher polls the registry's scan on a short interval and emits
// add/remove events as the attached device set changes. A missed poll
// edge only delays convergence: the orchestration loop also reconciles
// on its own timer.
type Watcher struct {
	registry *Registry
	interval time.Duration
	events   chan Event
	logger   logger.Logger

	done      chan struct{}
	closeOnce sync.Once

	known map[string]models.Device
}

// NewWatcher creates a watcher polling at the given interval.
func NewWatcher(registry *Registry, interval time.Duration, log logger.Logger) *Watcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	return &Watcher{
		registry: registry,
		interval: interval,
		events:   make(chan Event, 16),
		logger:   log.WithComponent("device-watcher"),
		done:     make(chan struct{}),
		known:    make(map[string]models.Device),
	}
}

// Events returns the hot-plug event channel.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Start runs the poll loop until the context is cancelled or Stop is
// called. The first scan seeds the known set without emitting events;
// the initial device population is the orchestrator's first reconcile.
func (w *Watcher) Start(ctx context.Context) error {
	if devices, err := w.registry.Scan(ctx); err == nil {
		for _, dev := range devices {
			w.known[dev.TopologyKey] = dev
		}
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info().Dur("interval", w.interval).Msg("Starting device watcher")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.done:
			return nil
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// Stop terminates the watch loop. Safe to call more than once.
func (w *Watcher) Stop() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
}

func (w *Watcher) poll(ctx context.Context) {
	devices, err := w.registry.Scan(ctx)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Device scan failed; keeping previous device set")
		return
	}

	current := make(map[string]models.Device, len(devices))
	for _, dev := range devices {
		current[dev.TopologyKey] = dev
	}

	for key, dev := range current {
		if _, ok := w.known[key]; !ok {
			w.emit(Event{Type: DeviceAdded, Device: dev})
		}
	}

	for key, dev := range w.known {
		if _, ok := current[key]; !ok {
			w.emit(Event{Type: DeviceRemoved, Device: dev})
		}
	}

	w.known = current
}

func (w *Watcher) emit(event Event) {
	w.logger.Info().
		Str("event", event.Type.String()).
		Str("topology", event.Device.TopologyKey).
		Str("product", event.Device.Product).
		Msg("Device hot-plug event")

	select {
	case w.events <- event:
	default:
		// The orchestrator's periodic reconcile covers a dropped event.
		w.logger.Warn().Msg("Event channel full; dropping hot-plug event")
	}
}
