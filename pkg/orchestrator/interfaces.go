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

package orchestrator

import (
	"context"
	"time"

	"github.com/miccast/miccast/pkg/mediaserver"
	"github.com/miccast/miccast/pkg/models"
)

// Clock abstracts time-related operations.
type Clock interface {
	Now() time.Time
	Ticker(d time.Duration) Ticker
}

// Ticker abstracts the ticker behavior.
type Ticker interface {
	Chan() <-chan time.Time
	Stop()
}

// DeviceSource enumerates attached capture devices and resolves their
// persistent names. Satisfied by devices.Registry.
type DeviceSource interface {
	Scan(ctx context.Context) ([]models.Device, error)
	ResolveName(dev models.Device) models.StreamName
	Persist() error
}

// StreamSupervisor manages capture pipeline processes. Satisfied by
// supervisor.Supervisor.
type StreamSupervisor interface {
	Ensure(ctx context.Context, name models.StreamName, spec models.CaptureSpec) error
	Stop(ctx context.Context, name models.StreamName) error
	Restart(ctx context.Context, name models.StreamName) error
	MarkDegraded(name models.StreamName, reason string)
	MarkRecovered(name models.StreamName)
	Status(name models.StreamName) (models.StreamStatus, error)
	StatusAll() []models.StreamStatus
	Supervised() []models.StreamName
	StopAll(ctx context.Context)
}

// PathInspector is the media server control surface the orchestrator
// needs. Satisfied by mediaserver.Client.
type PathInspector interface {
	GetPath(ctx context.Context, name models.StreamName) (*mediaserver.PathStatus, error)
	RegisterPath(ctx context.Context, name models.StreamName) error
}

// BeatStore tracks last-known-good heartbeat timestamps per stream.
// Satisfied by heartbeat.Monitor.
type BeatStore interface {
	RecordBeat(name models.StreamName) error
	LastBeat(name models.StreamName) time.Time
	IsStale(name models.StreamName, maxAge time.Duration) bool
	Clear(name models.StreamName) error
}

// SnapshotStore renders and persists stream config snapshots. Satisfied
// by confgen.Generator.
type SnapshotStore interface {
	Render(devices []models.Device, resolve func(models.Device) models.StreamName) (*models.ConfigSnapshot, error)
	Apply(snapshot *models.ConfigSnapshot) error
	Load() (*models.ConfigSnapshot, error)
}
