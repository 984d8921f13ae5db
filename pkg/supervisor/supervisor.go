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

// Package supervisor owns the capture-pipeline processes: one per
// stream, spawned in its own process group, driven through the
// Stopped/Starting/Running/Degraded/Failed state machine. Restarts are
// paced with per-stream exponential backoff so one crash-looping device
// cannot starve the host.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sys/unix"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/mediaserver"
	"github.com/miccast/miccast/pkg/models"
)

const (
	defaultStartTimeout      = 20 * time.Second
	defaultStopTimeout       = 5 * time.Second
	defaultReadyPollInterval = 500 * time.Millisecond
	defaultBackoffInitial    = time.Second
	defaultBackoffMax        = 60 * time.Second
	defaultStableReset       = 5 * time.Minute
)

// Config holds supervision timing knobs.
type Config struct {
	FFmpegPath        string          `json:"ffmpeg_path"`
	StartTimeout      models.Duration `json:"start_timeout"`
	StopTimeout       models.Duration `json:"stop_timeout"`
	ReadyPollInterval models.Duration `json:"ready_poll_interval"`
	BackoffInitial    models.Duration `json:"backoff_initial"`
	BackoffMax        models.Duration `json:"backoff_max"`
	StableReset       models.Duration `json:"stable_reset"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.StartTimeout == 0 {
		c.StartTimeout = models.Duration(defaultStartTimeout)
	}

	if c.StopTimeout == 0 {
		c.StopTimeout = models.Duration(defaultStopTimeout)
	}

	if c.ReadyPollInterval == 0 {
		c.ReadyPollInterval = models.Duration(defaultReadyPollInterval)
	}

	if c.BackoffInitial == 0 {
		c.BackoffInitial = models.Duration(defaultBackoffInitial)
	}

	if c.BackoffMax == 0 {
		c.BackoffMax = models.Duration(defaultBackoffMax)
	}

	if c.StableReset == 0 {
		c.StableReset = models.Duration(defaultStableReset)
	}

	return nil
}

// streamProcess is the supervisor's private bookkeeping for one stream.
type streamProcess struct {
	name         models.StreamName
	spec         models.CaptureSpec
	proc         Process
	state        models.StreamState
	restartCount int
	startedAt    time.Time
	runningSince time.Time
	reason       string
	backoff      *backoff.ExponentialBackOff
	gen          uint64
}

// Supervisor manages the set of capture pipelines.
type Supervisor struct {
	config  Config
	runner  Runner
	checker mediaserver.PathChecker
	logger  logger.Logger

	mu      sync.Mutex
	streams map[models.StreamName]*streamProcess

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a supervisor. The runner and readiness checker are
// injected; production wiring passes FFmpegRunner and the media server
// client.
func New(config *Config, runner Runner, checker mediaserver.PathChecker, log logger.Logger) (*Supervisor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Supervisor{
		config:  *config,
		runner:  runner,
		checker: checker,
		logger:  log.WithComponent("supervisor"),
		streams: make(map[models.StreamName]*streamProcess),
		now:     time.Now,
		sleep:   sleepCtx,
	}, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Ensure guarantees a live capture pipeline for the stream, spawning
// one if absent. Ensure on a stream that is already Starting or Running
// is a no-op. The spawned stream is Starting until the media server
// reports its path active; readiness is tracked asynchronously.
func (s *Supervisor) Ensure(ctx context.Context, name models.StreamName, spec models.CaptureSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.streams[name]
	if !ok {
		entry = &streamProcess{
			name:    name,
			state:   models.StateStopped,
			backoff: s.newBackoff(),
		}
		s.streams[name] = entry
	}

	switch entry.state {
	case models.StateStarting, models.StateRunning, models.StateDegraded:
		entry.spec = spec
		return nil
	case models.StateStopped, models.StateFailed:
	}

	entry.spec = spec

	return s.spawnLocked(ctx, entry)
}

// spawnLocked starts the pipeline for entry and arranges exit reaping
// and the readiness gate. Caller holds s.mu.
func (s *Supervisor) spawnLocked(ctx context.Context, entry *streamProcess) error {
	if entry.proc != nil {
		return fmt.Errorf("%w: stream %s already has a live process", ErrProcessSpawn, entry.name)
	}

	if !s.transitionLocked(entry, models.StateStarting, "spawning capture pipeline") {
		return fmt.Errorf("%w: cannot start stream in state %s", ErrProcessSpawn, entry.state)
	}

	proc, err := s.runner.Start(ctx, entry.name, entry.spec)
	if err != nil {
		s.transitionLocked(entry, models.StateFailed, err.Error())

		if errors.Is(err, ErrProcessSpawn) {
			return err
		}

		return fmt.Errorf("%w: %w", ErrProcessSpawn, err)
	}

	entry.proc = proc
	entry.startedAt = s.now().UTC()
	entry.gen++

	gen := entry.gen

	go s.reap(entry.name, gen, proc)
	go s.awaitReady(entry.name, gen)

	return nil
}

// reap observes process exit. An exit while the stream is supposed to
// be up marks it Failed; the reconcile loop decides whether to retry.
func (s *Supervisor) reap(name models.StreamName, gen uint64, proc Process) {
	<-proc.Done()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.streams[name]
	if !ok || entry.gen != gen {
		return
	}

	if entry.state == models.StateStopped || entry.state == models.StateFailed {
		return
	}

	reason := "process exited"
	if err := proc.ExitErr(); err != nil {
		reason = fmt.Sprintf("process exited: %v", err)
	}

	s.logger.Warn().
		Str("stream", name.String()).
		Int("pid", proc.PID()).
		Str("reason", reason).
		Msg("Capture pipeline died")

	s.transitionLocked(entry, models.StateFailed, reason)
	entry.proc = nil
}

// awaitReady polls the media server until the stream's path is active,
// then promotes Starting to Running. Past the start timeout the
// pipeline is killed and the stream marked Failed.
func (s *Supervisor) awaitReady(name models.StreamName, gen uint64) {
	deadline := s.now().Add(time.Duration(s.config.StartTimeout))
	ticker := time.NewTicker(time.Duration(s.config.ReadyPollInterval))

	defer ticker.Stop()

	for {
		s.mu.Lock()
		entry, ok := s.streams[name]

		if !ok || entry.gen != gen || entry.state != models.StateStarting {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(s.config.ReadyPollInterval))
		active, err := s.checker.PathActive(ctx, name)

		cancel()

		if err != nil {
			s.logger.Debug().Str("stream", name.String()).Err(err).Msg("Readiness probe failed")
		}

		if active {
			s.mu.Lock()
			if entry, ok := s.streams[name]; ok && entry.gen == gen && entry.state == models.StateStarting {
				s.transitionLocked(entry, models.StateRunning, "media server reports path active")
				entry.runningSince = s.now().UTC()
			}
			s.mu.Unlock()

			return
		}

		if s.now().After(deadline) {
			s.failStartTimeout(name, gen)
			return
		}

		<-ticker.C
	}
}

func (s *Supervisor) failStartTimeout(name models.StreamName, gen uint64) {
	s.mu.Lock()
	entry, ok := s.streams[name]

	if !ok || entry.gen != gen || entry.state != models.StateStarting {
		s.mu.Unlock()
		return
	}

	proc := entry.proc
	s.transitionLocked(entry, models.StateFailed, ErrStartTimeout.Error())
	entry.proc = nil
	s.mu.Unlock()

	s.logger.Error().
		Str("stream", name.String()).
		Dur("timeout", time.Duration(s.config.StartTimeout)).
		Msg("Stream never became ready; killing pipeline")

	if proc != nil {
		s.terminate(proc)
	}
}

// Stop terminates the stream's process group and removes bookkeeping.
// Stopping an unknown stream is a no-op.
func (s *Supervisor) Stop(_ context.Context, name models.StreamName) error {
	s.mu.Lock()
	entry, ok := s.streams[name]

	if !ok {
		s.mu.Unlock()
		return nil
	}

	proc := entry.proc
	s.transitionLocked(entry, models.StateStopped, "administrative stop")
	entry.proc = nil
	entry.gen++ // invalidate reaper and readiness goroutines

	delete(s.streams, name)
	s.mu.Unlock()

	if proc != nil {
		s.terminate(proc)
	}

	s.logger.Info().Str("stream", name.String()).Msg("Stopped stream")

	return nil
}

// terminate asks the process group nicely, then insists.
func (s *Supervisor) terminate(proc Process) {
	if err := proc.Signal(unix.SIGTERM); err != nil {
		// Already gone.
		return
	}

	select {
	case <-proc.Done():
		return
	case <-time.After(time.Duration(s.config.StopTimeout)):
	}

	s.logger.Warn().Int("pid", proc.PID()).Msg("Process ignored SIGTERM; sending SIGKILL")

	_ = proc.Signal(unix.SIGKILL)

	select {
	case <-proc.Done():
	case <-time.After(time.Duration(s.config.StopTimeout)):
		s.logger.Error().Int("pid", proc.PID()).Msg("Process survived SIGKILL; abandoning handle")
	}
}

// Restart stops and re-ensures the stream, incrementing its restart
// counter exactly once and pacing the respawn with the stream's backoff
// schedule. A stream that held Running long enough gets a fresh
// schedule.
func (s *Supervisor) Restart(ctx context.Context, name models.StreamName) error {
	s.mu.Lock()

	entry, ok := s.streams[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}

	if !entry.runningSince.IsZero() && s.now().Sub(entry.runningSince) >= time.Duration(s.config.StableReset) {
		entry.backoff.Reset()
	}

	delay := entry.backoff.NextBackOff()

	proc := entry.proc
	s.transitionLocked(entry, models.StateStopped, "restarting")
	entry.proc = nil
	entry.gen++
	entry.runningSince = time.Time{}
	s.mu.Unlock()

	if proc != nil {
		s.terminate(proc)
	}

	s.logger.Info().
		Str("stream", name.String()).
		Dur("backoff", delay).
		Msg("Restarting stream")

	if err := s.sleep(ctx, delay); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The stream may have been stopped for good while we were backing
	// off (device unplugged mid-restart).
	entry, ok = s.streams[name]
	if !ok {
		return nil
	}

	// An Ensure may have revived the stream during the backoff window;
	// spawning on top of it would leave its process untracked.
	if entry.state != models.StateStopped {
		return nil
	}

	entry.restartCount++

	return s.spawnLocked(ctx, entry)
}

// MarkDegraded moves a Running stream to Degraded. The process is left
// alone: degradation is an observation, not an action.
func (s *Supervisor) MarkDegraded(name models.StreamName, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.streams[name]; ok && entry.state == models.StateRunning {
		s.transitionLocked(entry, models.StateDegraded, reason)
	}
}

// MarkRecovered moves a Degraded stream back to Running.
func (s *Supervisor) MarkRecovered(name models.StreamName) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.streams[name]; ok && entry.state == models.StateDegraded {
		s.transitionLocked(entry, models.StateRunning, "heartbeat recovered")
		entry.runningSince = s.now().UTC()
	}
}

// Status returns the current snapshot for one stream.
func (s *Supervisor) Status(name models.StreamName) (models.StreamStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.streams[name]
	if !ok {
		return models.StreamStatus{}, fmt.Errorf("%w: %s", ErrUnknownStream, name)
	}

	return s.statusLocked(entry), nil
}

// StatusAll returns snapshots for every supervised stream, sorted by
// name for stable output.
func (s *Supervisor) StatusAll() []models.StreamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]models.StreamStatus, 0, len(s.streams))
	for _, entry := range s.streams {
		all = append(all, s.statusLocked(entry))
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	return all
}

// Supervised reports the set of stream names currently under
// supervision, including Failed ones awaiting retry.
func (s *Supervisor) Supervised() []models.StreamName {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]models.StreamName, 0, len(s.streams))
	for name := range s.streams {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	return names
}

// StopAll terminates every supervised stream. Used on daemon shutdown.
func (s *Supervisor) StopAll(ctx context.Context) {
	for _, name := range s.Supervised() {
		if err := s.Stop(ctx, name); err != nil {
			s.logger.Error().Str("stream", name.String()).Err(err).Msg("Failed to stop stream")
		}
	}
}

func (s *Supervisor) statusLocked(entry *streamProcess) models.StreamStatus {
	status := models.StreamStatus{
		Name:         entry.name,
		State:        entry.state,
		RestartCount: entry.restartCount,
		StartedAt:    entry.startedAt,
		Reason:       entry.reason,
	}

	if entry.proc != nil {
		status.PID = entry.proc.PID()
	}

	return status
}

// transitionLocked applies a state change if the state machine allows
// it. Illegal transitions are logged and refused. Caller holds s.mu.
func (s *Supervisor) transitionLocked(entry *streamProcess, next models.StreamState, reason string) bool {
	if entry.state == next {
		entry.reason = reason
		return true
	}

	if !entry.state.CanTransition(next) {
		s.logger.Error().
			Str("stream", entry.name.String()).
			Str("from", entry.state.String()).
			Str("to", next.String()).
			Str("reason", reason).
			Msg("Refusing illegal state transition")

		return false
	}

	s.logger.Info().
		Str("stream", entry.name.String()).
		Str("from", entry.state.String()).
		Str("to", next.String()).
		Str("reason", reason).
		Msg("Stream state changed")

	entry.state = next
	entry.reason = reason

	return true
}

func (s *Supervisor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(s.config.BackoffInitial)
	b.MaxInterval = time.Duration(s.config.BackoffMax)
	b.Multiplier = 2
	b.RandomizationFactor = 0

	return b
}
