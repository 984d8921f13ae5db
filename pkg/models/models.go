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

// Package models defines the shared domain types for the stream supervisor.
package models

import "time"

// StreamName is a sanitized, filesystem- and protocol-safe stream
// identifier derived deterministically from a device's topology key.
type StreamName string

func (n StreamName) String() string {
	return string(n)
}

// Device describes a USB audio capture device as enumerated from sysfs.
// TopologyKey is the USB port path (e.g. "1-1.4"), which is stable across
// reboots and re-enumeration, unlike the kernel card index.
type Device struct {
	TopologyKey string    `json:"topology_key"`
	VendorID    string    `json:"vendor_id"`
	ProductID   string    `json:"product_id"`
	KernelName  string    `json:"kernel_name"`
	Product     string    `json:"product"`
	DevicePath  string    `json:"device_path"`
	SampleRates []int     `json:"sample_rates,omitempty"`
	Channels    int       `json:"channels,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// CaptureSpec carries everything the capture pipeline needs to publish
// one device to the media server.
type CaptureSpec struct {
	DevicePath string `json:"device_path"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	SinkURL    string `json:"sink_url"`
}

// StreamEntry is one rendered stream definition inside a ConfigSnapshot.
type StreamEntry struct {
	Name       StreamName `json:"name"`
	DevicePath string     `json:"device_path"`
	SampleRate int        `json:"sample_rate"`
	Channels   int        `json:"channels"`
	TargetPath string     `json:"target_path"`
}

// ConfigSnapshot is the rendered stream-to-device mapping. A snapshot is
// immutable once written; a new snapshot fully replaces the old one.
type ConfigSnapshot struct {
	Streams     []StreamEntry `json:"streams"`
	Hash        string        `json:"hash"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// StreamStatus is the externally visible snapshot of one supervised
// stream, served unchanged to the diagnostics layer.
type StreamStatus struct {
	Name         StreamName  `json:"name"`
	State        StreamState `json:"state"`
	PID          int         `json:"pid,omitempty"`
	RestartCount int         `json:"restart_count"`
	StartedAt    time.Time   `json:"started_at,omitempty"`
	LastBeat     time.Time   `json:"last_beat,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}
