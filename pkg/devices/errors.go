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

package devices

import "errors"

var (
	// ErrUnresolvableDevice indicates a sound card whose USB topology
	// path could not be determined. The device is excluded from
	// streaming; the scan continues for other devices.
	ErrUnresolvableDevice = errors.New("device topology cannot be resolved")

	errStatePathRequired = errors.New("registry state path is required")
)
