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

package models

import (
	"encoding/json"
	"fmt"
)

// StreamState is the per-stream supervision state.
type StreamState int

const (
	StateStopped StreamState = iota
	StateStarting
	StateRunning
	StateDegraded
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form.
func (s StreamState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses the string form produced by MarshalJSON.
func (s *StreamState) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	switch raw {
	case "stopped":
		*s = StateStopped
	case "starting":
		*s = StateStarting
	case "running":
		*s = StateRunning
	case "degraded":
		*s = StateDegraded
	case "failed":
		*s = StateFailed
	default:
		return fmt.Errorf("unknown stream state %q", raw)
	}

	return nil
}

// CanTransition reports whether moving from s to next is a legal state
// machine transition. Any state may move to Stopped (device removal or
// administrative stop), and any live state may move to Failed (the
// process can die at any point). Failed is terminal until an explicit
// retry puts the stream back through Starting.
func (s StreamState) CanTransition(next StreamState) bool {
	if next == StateStopped {
		return true
	}

	switch s {
	case StateStopped:
		return next == StateStarting
	case StateStarting:
		return next == StateRunning || next == StateFailed
	case StateRunning:
		return next == StateDegraded || next == StateFailed
	case StateDegraded:
		return next == StateRunning || next == StateStarting || next == StateFailed
	case StateFailed:
		return next == StateStarting
	default:
		return false
	}
}
