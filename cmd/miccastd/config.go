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

package main

import (
	"time"

	"github.com/miccast/miccast/pkg/confgen"
	"github.com/miccast/miccast/pkg/devices"
	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/mediaserver"
	"github.com/miccast/miccast/pkg/models"
	"github.com/miccast/miccast/pkg/orchestrator"
	"github.com/miccast/miccast/pkg/supervisor"
)

// Config is the daemon configuration, one section per component.
type Config struct {
	Logging      *logger.Config          `json:"logging,omitempty"`
	Devices      *devices.Config         `json:"devices,omitempty"`
	Supervisor   *supervisor.Config      `json:"supervisor,omitempty"`
	MediaServer  *mediaserver.Config     `json:"media_server,omitempty"`
	Orchestrator *orchestrator.Config    `json:"orchestrator,omitempty"`
	Capture      confgen.CaptureDefaults `json:"capture,omitempty"`

	SnapshotPath string          `json:"snapshot_path"`
	HeartbeatDir string          `json:"heartbeat_dir"`
	LockPath     string          `json:"lock_path"`
	LockTimeout  models.Duration `json:"lock_timeout"`
}

// Validate implements config.Validator, defaulting every section.
func (c *Config) Validate() error {
	if c.Devices == nil {
		c.Devices = &devices.Config{}
	}

	if c.Devices.StatePath == "" {
		c.Devices.StatePath = "/var/lib/miccast/devices.json"
	}

	if c.Supervisor == nil {
		c.Supervisor = &supervisor.Config{}
	}

	if c.MediaServer == nil {
		c.MediaServer = &mediaserver.Config{}
	}

	if c.Orchestrator == nil {
		c.Orchestrator = &orchestrator.Config{}
	}

	if c.SnapshotPath == "" {
		c.SnapshotPath = "/var/lib/miccast/streams.json"
	}

	if c.HeartbeatDir == "" {
		c.HeartbeatDir = "/run/miccast/heartbeats"
	}

	if c.LockPath == "" {
		c.LockPath = "/run/miccast/miccastd.lock"
	}

	if c.LockTimeout == 0 {
		c.LockTimeout = models.Duration(5 * time.Second)
	}

	for _, section := range []interface{ Validate() error }{
		c.Devices, c.Supervisor, c.MediaServer, c.Orchestrator,
	} {
		if err := section.Validate(); err != nil {
			return err
		}
	}

	return nil
}
