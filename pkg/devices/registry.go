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

// Package devices resolves USB audio capture devices to persistent,
// human-readable stream names. Identity is keyed on the USB port path
// (topology), not the kernel's card enumeration order, so a device keeps
// its name across replugs and reboots as long as it stays in the same
// physical port.
package devices

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/models"
)

// Config holds registry paths. SysfsRoot and ProcRoot are injectable so
// tests can build fake device trees.
type Config struct {
	SysfsRoot string `json:"sysfs_root"`
	ProcRoot  string `json:"proc_root"`
	StatePath string `json:"state_path"`
	RulesPath string `json:"rules_path"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.StatePath == "" {
		return errStatePathRequired
	}

	if c.SysfsRoot == "" {
		c.SysfsRoot = "/sys"
	}

	if c.ProcRoot == "" {
		c.ProcRoot = "/proc"
	}

	if c.RulesPath == "" {
		c.RulesPath = "/etc/udev/rules.d/89-miccast.rules"
	}

	return nil
}

// tableEntry is one persisted device-to-name association. Entries are
// never removed: a device that disappears keeps its name for when it
// returns.
type tableEntry struct {
	Name      models.StreamName `json:"name"`
	VendorID  string            `json:"vendor_id"`
	ProductID string            `json:"product_id"`
	Product   string            `json:"product"`
	FirstSeen time.Time         `json:"first_seen"`
}

// Registry owns the durable device-to-name table.
type Registry struct {
	config Config
	logger logger.Logger

	mu    sync.Mutex
	table map[string]tableEntry // topology key -> entry
	now   func() time.Time
}

// NewRegistry creates a registry, loading any previously persisted name
// table from the state path.
func NewRegistry(config *Config, log logger.Logger) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	r := &Registry{
		config: *config,
		logger: log.WithComponent("devices"),
		table:  make(map[string]tableEntry),
		now:    time.Now,
	}

	if err := r.loadTable(); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *Registry) loadTable() error {
	data, err := os.ReadFile(r.config.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read registry state '%s': %w", r.config.StatePath, err)
	}

	if err := json.Unmarshal(data, &r.table); err != nil {
		return fmt.Errorf("failed to decode registry state '%s': %w", r.config.StatePath, err)
	}

	r.logger.Debug().Int("entries", len(r.table)).Msg("Loaded device name table")

	return nil
}

// ResolveName returns the stream name for the device, assigning and
// remembering one on first sight. The same topology key always yields
// the same name; name collisions between distinct ports are broken with
// a numeric disambiguator that is stable because the table is durable.
func (r *Registry) ResolveName(dev models.Device) models.StreamName {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.table[dev.TopologyKey]; ok {
		return entry.Name
	}

	base := SanitizeName(dev.Product)
	if base == "" {
		base = "mic"
	}

	candidate := models.StreamName(base + "-" + SanitizeName(dev.TopologyKey))

	name := candidate
	for suffix := 2; r.nameTaken(name); suffix++ {
		name = models.StreamName(fmt.Sprintf("%s-%d", candidate, suffix))
	}

	r.table[dev.TopologyKey] = tableEntry{
		Name:      name,
		VendorID:  dev.VendorID,
		ProductID: dev.ProductID,
		Product:   dev.Product,
		FirstSeen: r.now().UTC(),
	}

	r.logger.Info().
		Str("stream", name.String()).
		Str("topology", dev.TopologyKey).
		Str("vendor", dev.VendorID).
		Str("product", dev.ProductID).
		Msg("Assigned stream name to device")

	return name
}

func (r *Registry) nameTaken(name models.StreamName) bool {
	for _, entry := range r.table {
		if entry.Name == name {
			return true
		}
	}

	return false
}

// SanitizeName makes a raw identifier filesystem- and protocol-safe:
// lowercase, spaces and dots to dashes, everything outside [a-z0-9_-]
// dropped, runs of dashes collapsed. Applying it twice yields the same
// result as once.
func SanitizeName(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))

	var b strings.Builder

	lastDash := false

	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)

			lastDash = false
		case r == '-', r == ' ', r == '.':
			if !lastDash && b.Len() > 0 {
				b.WriteRune('-')
			}

			lastDash = true
		}
	}

	return strings.TrimRight(b.String(), "-")
}

// Persist writes the name table to the state file and renders the udev
// rules file, both via atomic replace.
func (r *Registry) Persist() error {
	r.mu.Lock()
	table := make(map[string]tableEntry, len(r.table))

	for k, v := range r.table {
		table[k] = v
	}
	r.mu.Unlock()

	if err := writeFileAtomic(r.config.StatePath, func(f *os.File) error {
		encoder := json.NewEncoder(f)
		encoder.SetIndent("", "  ")

		return encoder.Encode(table)
	}); err != nil {
		return fmt.Errorf("failed to persist registry state: %w", err)
	}

	if err := writeFileAtomic(r.config.RulesPath, func(f *os.File) error {
		_, err := f.WriteString(renderRules(table))
		return err
	}); err != nil {
		return fmt.Errorf("failed to persist udev rules: %w", err)
	}

	return nil
}

// renderRules produces the udev rules consumed by the OS device manager
// at attach time, sorted by topology key for a stable file.
func renderRules(table map[string]tableEntry) string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	var b strings.Builder

	b.WriteString("# Managed by miccastd. Manual edits will be overwritten.\n")

	for _, key := range keys {
		entry := table[key]
		fmt.Fprintf(&b,
			"SUBSYSTEM==\"sound\", KERNELS==\"%s\", ATTRS{idVendor}==\"%s\", ATTRS{idProduct}==\"%s\", SYMLINK+=\"snd/miccast-%s\"\n",
			key, entry.VendorID, entry.ProductID, entry.Name)
	}

	return b.String()
}

func writeFileAtomic(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".miccast-*.tmp")
	if err != nil {
		return err
	}

	if err := write(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return err
	}

	return os.Rename(tmp.Name(), path)
}
