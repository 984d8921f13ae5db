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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()

	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for hot-plug event")
		return Event{}
	}
}

func TestWatcherEmitsAddAndRemove(t *testing.T) {
	dir := t.TempDir()
	cfg := buildSysfs(t, dir,
		fakeCard{num: 1, port: "1-1.2", vendor: "0d8c", product: "0014", name: "Mic One", alsaID: "One", capture: true})

	r := newTestRegistry(t, cfg)
	w := NewWatcher(r, 20*time.Millisecond, logger.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan struct{})

	go func() {
		defer close(watchDone)

		_ = w.Start(ctx)
	}()

	// The seeded device must not produce an event; give the watcher a
	// few ticks to prove it.
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for pre-existing device: %v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	// Plug in a second device.
	buildSysfs(t, dir,
		fakeCard{num: 2, port: "1-1.4", vendor: "0d8c", product: "0015", name: "Mic Two", alsaID: "Two", capture: true})

	added := waitForEvent(t, w.Events())
	assert.Equal(t, DeviceAdded, added.Type)
	assert.Equal(t, "1-1.4", added.Device.TopologyKey)

	// Unplug the first one.
	require.NoError(t, os.Remove(filepath.Join(cfg.SysfsRoot, "class", "sound", "card1")))

	removed := waitForEvent(t, w.Events())
	assert.Equal(t, DeviceRemoved, removed.Type)
	assert.Equal(t, "1-1.2", removed.Device.TopologyKey)

	w.Stop()
	w.Stop() // idempotent

	select {
	case <-watchDone:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherKeepsDeviceSetOnScanFailure(t *testing.T) {
	dir := t.TempDir()
	cfg := buildSysfs(t, dir,
		fakeCard{num: 1, port: "1-1.2", vendor: "0d8c", product: "0014", name: "Mic", alsaID: "Mic", capture: true})

	r := newTestRegistry(t, cfg)
	w := NewWatcher(r, 10*time.Millisecond, logger.NewTestLogger())

	ctx := context.Background()

	// Seed, then make the sound class unreadable in a way Scan reports
	// as an error rather than an empty host.
	devices, err := r.Scan(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)

	for _, dev := range devices {
		w.known[dev.TopologyKey] = dev
	}

	soundDir := filepath.Join(cfg.SysfsRoot, "class", "sound")
	require.NoError(t, os.RemoveAll(soundDir))
	require.NoError(t, os.WriteFile(soundDir, []byte("not a directory"), 0o644))

	w.poll(ctx)

	assert.Len(t, w.known, 1, "failed scan must not flush the known set")

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event after failed scan: %v", ev)
	default:
	}
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "added", DeviceAdded.String())
	assert.Equal(t, "removed", DeviceRemoved.String())
	assert.Equal(t, "unknown", EventType(99).String())
}
