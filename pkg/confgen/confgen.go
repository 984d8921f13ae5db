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

// Package confgen renders the authoritative stream-to-device mapping to
// disk. Each render produces one self-consistent snapshot; apply is an
// atomic replace, so concurrent readers observe either the old or the
// new snapshot and never a mixture.
package confgen

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/models"
)

// CaptureDefaults supplies capture parameters for devices that did not
// report their own capabilities.
type CaptureDefaults struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
}

// Generator renders and applies configuration snapshots.
type Generator struct {
	path     string
	defaults CaptureDefaults
	now      func() time.Time
	logger   logger.Logger
}

// NewGenerator creates a generator writing snapshots to path.
func NewGenerator(path string, defaults CaptureDefaults, log logger.Logger) (*Generator, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errSnapshotPathRequired
	}

	if defaults.SampleRate == 0 {
		defaults.SampleRate = 48000
	}

	if defaults.Channels == 0 {
		defaults.Channels = 1
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}

	return &Generator{
		path:     path,
		defaults: defaults,
		now:      time.Now,
		logger:   log.WithComponent("confgen"),
	}, nil
}

// Path returns the snapshot file location, a stable contract for
// external read-only tooling.
func (g *Generator) Path() string {
	return g.path
}

// Render produces one snapshot for the given devices. Stream entries are
// sorted by name and the content hash covers the rendered entries, so
// identical device sets always yield identical snapshots.
func (g *Generator) Render(devices []models.Device, resolve func(models.Device) models.StreamName) (*models.ConfigSnapshot, error) {
	entries := make([]models.StreamEntry, 0, len(devices))

	for _, dev := range devices {
		name := resolve(dev)

		sampleRate := g.defaults.SampleRate
		if len(dev.SampleRates) > 0 {
			sampleRate = bestRate(dev.SampleRates, g.defaults.SampleRate)
		}

		channels := g.defaults.Channels
		if dev.Channels > 0 {
			channels = dev.Channels
		}

		entries = append(entries, models.StreamEntry{
			Name:       name,
			DevicePath: dev.DevicePath,
			SampleRate: sampleRate,
			Channels:   channels,
			TargetPath: name.String(),
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	if err := validate(entries); err != nil {
		return nil, err
	}

	hash, err := hashEntries(entries)
	if err != nil {
		return nil, err
	}

	return &models.ConfigSnapshot{
		Streams:     entries,
		Hash:        hash,
		GeneratedAt: g.now().UTC(),
	}, nil
}

// bestRate picks the device rate closest to the preferred rate, biasing
// upward on ties.
func bestRate(rates []int, preferred int) int {
	best := rates[0]

	for _, r := range rates[1:] {
		db, dr := diff(best, preferred), diff(r, preferred)
		if dr < db || (dr == db && r > best) {
			best = r
		}
	}

	return best
}

func diff(a, b int) int {
	if a > b {
		return a - b
	}

	return b - a
}

// validate rejects structurally broken snapshots before anything is
// written.
func validate(entries []models.StreamEntry) error {
	seen := make(map[models.StreamName]struct{}, len(entries))

	for _, entry := range entries {
		if strings.TrimSpace(entry.DevicePath) == "" {
			return fmt.Errorf("%w: stream '%s' has an empty device path", ErrInvalidConfig, entry.Name)
		}

		if entry.Name == "" {
			return fmt.Errorf("%w: stream with device '%s' has an empty name", ErrInvalidConfig, entry.DevicePath)
		}

		if _, dup := seen[entry.Name]; dup {
			return fmt.Errorf("%w: duplicate stream name '%s'", ErrInvalidConfig, entry.Name)
		}

		seen[entry.Name] = struct{}{}
	}

	return nil
}

func hashEntries(entries []models.StreamEntry) (string, error) {
	data, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("failed to hash stream entries: %w", err)
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

// Apply writes the snapshot to the generator's path via a temp file and
// atomic rename. On any mid-write failure the previous snapshot remains
// intact.
func (g *Generator) Apply(snapshot *models.ConfigSnapshot) error {
	if snapshot == nil {
		return fmt.Errorf("%w: nil snapshot", ErrInvalidConfig)
	}

	if err := validate(snapshot.Streams); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(g.path), "streams-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}

	encoder := json.NewEncoder(tmp)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(snapshot); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to close snapshot temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), g.path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	g.logger.Info().
		Str("path", g.path).
		Str("hash", snapshot.Hash).
		Int("streams", len(snapshot.Streams)).
		Msg("Applied configuration snapshot")

	return nil
}

// Load reads the current snapshot back, verifying its content hash. A
// missing snapshot returns nil without error.
func (g *Generator) Load() (*models.ConfigSnapshot, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read snapshot '%s': %w", g.path, err)
	}

	var snapshot models.ConfigSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot '%s': %w", g.path, err)
	}

	hash, err := hashEntries(snapshot.Streams)
	if err != nil {
		return nil, err
	}

	if hash != snapshot.Hash {
		return nil, fmt.Errorf("%w: snapshot hash mismatch (recorded %s, computed %s)",
			ErrInvalidConfig, snapshot.Hash, hash)
	}

	return &snapshot, nil
}
