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

package confgen

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGenerator(t *testing.T) *Generator {
	t.Helper()

	g, err := NewGenerator(filepath.Join(t.TempDir(), "streams.json"), CaptureDefaults{}, logger.NewTestLogger())
	require.NoError(t, err)

	return g
}

func staticResolver(names map[string]models.StreamName) func(models.Device) models.StreamName {
	return func(dev models.Device) models.StreamName {
		return names[dev.TopologyKey]
	}
}

func testDevices() []models.Device {
	return []models.Device{
		{TopologyKey: "1-1.4", DevicePath: "hw:CARD=porta,DEV=0", Channels: 2, SampleRates: []int{44100, 48000}},
		{TopologyKey: "1-1.2", DevicePath: "hw:CARD=portb,DEV=0"},
	}
}

func testNames() map[string]models.StreamName {
	return map[string]models.StreamName{
		"1-1.4": "mic-porta",
		"1-1.2": "mic-portb",
	}
}

func TestRenderProducesSortedDeterministicSnapshot(t *testing.T) {
	g := newTestGenerator(t)

	first, err := g.Render(testDevices(), staticResolver(testNames()))
	require.NoError(t, err)
	require.Len(t, first.Streams, 2)

	// Sorted by stream name regardless of device order.
	assert.Equal(t, models.StreamName("mic-porta"), first.Streams[0].Name)
	assert.Equal(t, models.StreamName("mic-portb"), first.Streams[1].Name)
	// The target path is the bare media-server path name; callers join
	// it to the RTSP base with their own separator.
	assert.Equal(t, "mic-porta", first.Streams[0].TargetPath)

	// Device-reported capabilities win over defaults.
	assert.Equal(t, 48000, first.Streams[0].SampleRate)
	assert.Equal(t, 2, first.Streams[0].Channels)
	assert.Equal(t, 48000, first.Streams[1].SampleRate)
	assert.Equal(t, 1, first.Streams[1].Channels)

	reversed := testDevices()
	reversed[0], reversed[1] = reversed[1], reversed[0]

	second, err := g.Render(reversed, staticResolver(testNames()))
	require.NoError(t, err)
	assert.Equal(t, first.Hash, second.Hash)
}

func TestRenderRejectsDuplicateNames(t *testing.T) {
	g := newTestGenerator(t)

	names := map[string]models.StreamName{"1-1.4": "mic", "1-1.2": "mic"}

	_, err := g.Render(testDevices(), staticResolver(names))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRenderRejectsEmptyDevicePath(t *testing.T) {
	g := newTestGenerator(t)

	devices := []models.Device{{TopologyKey: "1-1.4", DevicePath: "  "}}

	_, err := g.Render(devices, staticResolver(testNames()))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestApplyAndLoadRoundTrip(t *testing.T) {
	g := newTestGenerator(t)

	snapshot, err := g.Render(testDevices(), staticResolver(testNames()))
	require.NoError(t, err)
	require.NoError(t, g.Apply(snapshot))

	loaded, err := g.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snapshot.Hash, loaded.Hash)
	assert.Equal(t, snapshot.Streams, loaded.Streams)
}

func TestLoadMissingSnapshot(t *testing.T) {
	g := newTestGenerator(t)

	loaded, err := g.Load()
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestLoadDetectsTamperedSnapshot(t *testing.T) {
	g := newTestGenerator(t)

	snapshot, err := g.Render(testDevices(), staticResolver(testNames()))
	require.NoError(t, err)
	require.NoError(t, g.Apply(snapshot))

	data, err := os.ReadFile(g.Path())
	require.NoError(t, err)

	var raw models.ConfigSnapshot
	require.NoError(t, json.Unmarshal(data, &raw))
	raw.Streams[0].DevicePath = "hw:CARD=tampered,DEV=0"

	tampered, err := json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(g.Path(), tampered, 0o644))

	_, err = g.Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// TestApplyIsAtomicUnderConcurrentReads hammers the snapshot with
// replacements while readers decode it. Every read must observe a
// complete snapshot whose recorded hash matches its content.
func TestApplyIsAtomicUnderConcurrentReads(t *testing.T) {
	g := newTestGenerator(t)

	devicesA := testDevices()
	devicesB := append(testDevices(), models.Device{TopologyKey: "1-1.3", DevicePath: "hw:CARD=portc,DEV=0"})

	names := testNames()
	names["1-1.3"] = "mic-portc"

	snapA, err := g.Render(devicesA, staticResolver(names))
	require.NoError(t, err)
	snapB, err := g.Render(devicesB, staticResolver(names))
	require.NoError(t, err)

	require.NoError(t, g.Apply(snapA))

	var wg sync.WaitGroup

	stop := make(chan struct{})

	wg.Add(1)

	go func() {
		defer wg.Done()

		for i := 0; i < 200; i++ {
			if i%2 == 0 {
				assert.NoError(t, g.Apply(snapB))
			} else {
				assert.NoError(t, g.Apply(snapA))
			}
		}

		close(stop)
	}()

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-stop:
				return
			default:
			}

			loaded, err := g.Load()
			assert.NoError(t, err)

			if loaded != nil {
				assert.Contains(t, []string{snapA.Hash, snapB.Hash}, loaded.Hash)
			}
		}
	}()

	wg.Wait()
}
