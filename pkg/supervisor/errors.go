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

package supervisor

import "errors"

var (
	// ErrProcessSpawn indicates the capture pipeline could not be
	// started at all (binary missing, device unopenable).
	ErrProcessSpawn = errors.New("failed to spawn capture process")

	// ErrStartTimeout indicates a spawned pipeline never became ready
	// on the media server within the start timeout.
	ErrStartTimeout = errors.New("stream did not become ready in time")

	// ErrUnknownStream indicates an operation on a stream the
	// supervisor has no bookkeeping for.
	ErrUnknownStream = errors.New("unknown stream")
)
