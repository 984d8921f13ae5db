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

// Package heartbeat tracks per-stream liveness evidence as single
// timestamp files. The files are shared read-only with external status
// tooling, so every write is an atomic replace.
package heartbeat

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/models"
)

const beatSuffix = ".beat"

// Monitor records and queries heartbeat timestamps for supervised streams.
type Monitor struct {
	dir    string
	now    func() time.Time
	logger logger.Logger
}

// NewMonitor creates a heartbeat monitor storing beat files under dir.
func NewMonitor(dir string, log logger.Logger) (*Monitor, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errBeatDirRequired
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create heartbeat dir '%s': %w", dir, err)
	}

	return &Monitor{
		dir:    dir,
		now:    time.Now,
		logger: log.WithComponent("heartbeat"),
	}, nil
}

func (m *Monitor) beatPath(name models.StreamName) string {
	return filepath.Join(m.dir, name.String()+beatSuffix)
}

// RecordBeat stamps the current time for the stream. The write goes to a
// temp file in the same directory and is renamed over the previous beat.
func (m *Monitor) RecordBeat(name models.StreamName) error {
	path := m.beatPath(name)

	tmp, err := os.CreateTemp(m.dir, "beat-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create beat temp file: %w", err)
	}

	if _, err := tmp.WriteString(m.now().UTC().Format(time.RFC3339Nano)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to write beat for '%s': %w", name, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to close beat for '%s': %w", name, err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("failed to replace beat for '%s': %w", name, err)
	}

	return nil
}

// LastBeat returns the last recorded beat time for the stream. A missing
// or unreadable beat file yields the zero time, which callers must treat
// as maximally stale rather than as an error.
func (m *Monitor) LastBeat(name models.StreamName) time.Time {
	data, err := os.ReadFile(m.beatPath(name))
	if err != nil {
		return time.Time{}
	}

	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
	if err != nil {
		m.logger.Warn().
			Str("stream", name.String()).
			Err(err).
			Msg("Discarding unparseable heartbeat file")

		return time.Time{}
	}

	return ts
}

// IsStale reports whether the stream's last beat is older than maxAge.
func (m *Monitor) IsStale(name models.StreamName, maxAge time.Duration) bool {
	last := m.LastBeat(name)
	if last.IsZero() {
		return true
	}

	return m.now().Sub(last) > maxAge
}

// Clear removes the stream's beat file. Clearing an absent beat is a no-op.
func (m *Monitor) Clear(name models.StreamName) error {
	err := os.Remove(m.beatPath(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear beat for '%s': %w", name, err)
	}

	return nil
}
