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

// Package lock guards the shared supervisor state with an advisory file
// lock. At most one live supervisor instance can hold the lock; the
// holder's pid is recorded in the lock file for external diagnostics.
//
// The kernel releases a flock when its holder dies, so a crashed
// supervisor never leaves the lock held. The recorded holder pid is
// still checked on every acquisition so a stale record left by a crash
// is reported and overwritten rather than trusted.
package lock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/miccast/miccast/pkg/logger"
	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sys/unix"
)

const acquireRetryInterval = 100 * time.Millisecond

// Record identifies the current lock holder.
type Record struct {
	PID        int       `json:"pid"`
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle represents a held lock. Release is idempotent and safe to call
// from both the normal shutdown path and a signal handler.
type Handle struct {
	path        string
	file        *os.File
	record      Record
	releaseOnce sync.Once
	logger      logger.Logger
}

// Acquire takes an exclusive advisory lock on path, retrying until
// timeout. On contention with a live holder it returns ErrLockContention
// wrapped with the holder's recorded pid.
func Acquire(ctx context.Context, path string, timeout time.Duration, log logger.Logger) (*Handle, error) {
	componentLog := log.WithComponent("lock")
	deadline := time.Now().Add(timeout)

	for {
		handle, err := tryAcquire(path, componentLog)
		if err == nil {
			return handle, nil
		}

		if !isContention(err) {
			return nil, err
		}

		if time.Now().After(deadline) {
			holder := readHolder(path)
			if holder != nil {
				return nil, fmt.Errorf("%w: held by pid %d since %s",
					ErrLockContention, holder.PID, holder.AcquiredAt.Format(time.RFC3339))
			}

			return nil, ErrLockContention
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquireRetryInterval):
		}
	}
}

func tryAcquire(path string, log logger.Logger) (*Handle, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file '%s': %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()

		if isContention(err) {
			return nil, err
		}

		return nil, fmt.Errorf("failed to lock '%s': %w", path, err)
	}

	// The flock succeeded. A leftover record with a dead pid means the
	// previous holder crashed without releasing cleanly.
	if prev := readRecordFrom(file); prev != nil && prev.PID != os.Getpid() {
		alive, _ := process.PidExists(int32(prev.PID))
		if !alive {
			log.Warn().
				Int("stale_pid", prev.PID).
				Str("lock", path).
				Msg("Reclaiming lock from dead holder")
		}
	}

	record := Record{
		PID:        os.Getpid(),
		InstanceID: uuid.NewString(),
		AcquiredAt: time.Now().UTC(),
	}

	if err := writeRecord(file, &record); err != nil {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()

		return nil, err
	}

	log.Info().
		Str("lock", path).
		Int("pid", record.PID).
		Str("instance_id", record.InstanceID).
		Msg("Acquired supervisor lock")

	return &Handle{
		path:   path,
		file:   file,
		record: record,
		logger: log,
	}, nil
}

func isContention(err error) bool {
	return err == unix.EWOULDBLOCK || err == unix.EAGAIN
}

func writeRecord(file *os.File, record *Record) error {
	if err := file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate lock file: %w", err)
	}

	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind lock file: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode lock record: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write lock record: %w", err)
	}

	return file.Sync()
}

func readRecordFrom(file *os.File) *Record {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return nil
	}

	data, err := io.ReadAll(file)
	if err != nil || len(data) == 0 {
		return nil
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil
	}

	return &record
}

// readHolder reads the current holder record without taking the lock.
func readHolder(path string) *Record {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil
	}

	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil
	}

	return &record
}

// Record returns the holder record written at acquisition.
func (h *Handle) Record() Record {
	return h.record
}

// Path returns the lock file path.
func (h *Handle) Path() string {
	return h.path
}

// Release unlocks and closes the lock file. Calling Release more than
// once is a no-op.
func (h *Handle) Release() {
	h.releaseOnce.Do(func() {
		if err := unix.Flock(int(h.file.Fd()), unix.LOCK_UN); err != nil {
			h.logger.Warn().Err(err).Str("lock", h.path).Msg("Failed to unlock lock file")
		}

		if err := h.file.Close(); err != nil {
			h.logger.Warn().Err(err).Str("lock", h.path).Msg("Failed to close lock file")
		}

		h.logger.Info().Str("lock", h.path).Msg("Released supervisor lock")
	})
}
