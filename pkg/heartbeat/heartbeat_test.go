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

package heartbeat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()

	m, err := NewMonitor(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)

	return m
}

func TestRecordAndReadBeat(t *testing.T) {
	m := newTestMonitor(t)

	before := time.Now().UTC()
	require.NoError(t, m.RecordBeat("mic1"))

	last := m.LastBeat("mic1")
	require.False(t, last.IsZero())
	assert.False(t, last.Before(before.Truncate(time.Second)))
	assert.False(t, m.IsStale("mic1", time.Minute))
}

func TestMissingBeatIsMaximallyStale(t *testing.T) {
	m := newTestMonitor(t)

	assert.True(t, m.LastBeat("never-seen").IsZero())
	assert.True(t, m.IsStale("never-seen", 24*time.Hour))
}

func TestStalenessThreshold(t *testing.T) {
	m := newTestMonitor(t)

	require.NoError(t, m.RecordBeat("mic1"))

	// Move the monitor's clock forward instead of sleeping.
	m.now = func() time.Time { return time.Now().Add(31 * time.Second) }

	assert.True(t, m.IsStale("mic1", 30*time.Second))
	assert.False(t, m.IsStale("mic1", time.Minute))
}

func TestCorruptBeatTreatedAsStale(t *testing.T) {
	m := newTestMonitor(t)

	require.NoError(t, os.WriteFile(filepath.Join(m.dir, "mic1.beat"), []byte("garbage"), 0o600))

	assert.True(t, m.LastBeat("mic1").IsZero())
	assert.True(t, m.IsStale("mic1", time.Hour))
}

func TestRecordBeatOverwritesAtomically(t *testing.T) {
	m := newTestMonitor(t)

	require.NoError(t, m.RecordBeat("mic1"))
	first := m.LastBeat("mic1")

	m.now = func() time.Time { return time.Now().Add(time.Second) }
	require.NoError(t, m.RecordBeat("mic1"))

	assert.True(t, m.LastBeat("mic1").After(first))

	// No temp files may be left behind.
	entries, err := os.ReadDir(m.dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "mic1.beat", entries[0].Name())
}

func TestClearIsIdempotent(t *testing.T) {
	m := newTestMonitor(t)

	require.NoError(t, m.RecordBeat("mic1"))
	require.NoError(t, m.Clear("mic1"))
	require.NoError(t, m.Clear("mic1"))

	assert.True(t, m.IsStale("mic1", time.Hour))
}
