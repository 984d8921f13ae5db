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

// Package orchestrator ties the subsystem together: it reconciles the
// attached device set against the supervised stream set, and watches
// heartbeats to degrade and restart streams that stop delivering audio.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/miccast/miccast/pkg/devices"
	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/mediaserver"
	"github.com/miccast/miccast/pkg/models"
	"github.com/miccast/miccast/pkg/supervisor"
)

const (
	defaultReconcileInterval = 30 * time.Second
	defaultMonitorInterval   = 10 * time.Second
	defaultStaleAfter        = 30 * time.Second
	defaultRestartAfter      = 90 * time.Second
	defaultRTSPBase          = "rtsp://127.0.0.1:8554"
)

// Config holds orchestration timing and addressing.
type Config struct {
	ReconcileInterval models.Duration `json:"reconcile_interval"`
	MonitorInterval   models.Duration `json:"monitor_interval"`
	StaleAfter        models.Duration `json:"stale_after"`
	RestartAfter      models.Duration `json:"restart_after"`
	RTSPBase          string          `json:"rtsp_base"`
	ListenAddr        string          `json:"listen_addr"`
	APIToken          string          `json:"api_token,omitempty"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.ReconcileInterval == 0 {
		c.ReconcileInterval = models.Duration(defaultReconcileInterval)
	}

	if c.MonitorInterval == 0 {
		c.MonitorInterval = models.Duration(defaultMonitorInterval)
	}

	if c.StaleAfter == 0 {
		c.StaleAfter = models.Duration(defaultStaleAfter)
	}

	if c.RestartAfter == 0 {
		c.RestartAfter = models.Duration(defaultRestartAfter)
	}

	if c.RTSPBase == "" {
		c.RTSPBase = defaultRTSPBase
	}

	return nil
}

// Deps are the collaborating components, injected as interfaces.
type Deps struct {
	Devices    DeviceSource
	Snapshots  SnapshotStore
	Supervisor StreamSupervisor
	Beats      BeatStore
	Media      PathInspector
	Events     <-chan devices.Event
}

// Orchestrator runs the reconcile and monitor loops.
type Orchestrator struct {
	config Config
	deps   Deps
	clock  Clock
	logger logger.Logger

	mu        sync.Mutex
	lastHash  string
	specs     map[models.StreamName]models.CaptureSpec
	lastBytes map[models.StreamName]int64
	paused    map[models.StreamName]bool

	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	httpDone func(ctx context.Context) error
}

// New creates an orchestrator. A nil clock means real time.
func New(config *Config, deps Deps, clock Clock, log logger.Logger) (*Orchestrator, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if clock == nil {
		clock = realClock{}
	}

	return &Orchestrator{
		config:    *config,
		deps:      deps,
		clock:     clock,
		logger:    log.WithComponent("orchestrator"),
		specs:     make(map[models.StreamName]models.CaptureSpec),
		lastBytes: make(map[models.StreamName]int64),
		paused:    make(map[models.StreamName]bool),
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the orchestration loop in a goroutine and, if configured,
// the status HTTP listener. It returns once both are launched.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.config.ListenAddr != "" {
		if err := o.startHTTP(); err != nil {
			return err
		}
	}

	o.wg.Add(1)

	go o.run(ctx)

	return nil
}

// Stop terminates the loops and the HTTP listener. Safe to call more
// than once.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.closeOnce.Do(func() {
		close(o.done)
	})

	if o.httpDone != nil {
		if err := o.httpDone(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("HTTP listener shutdown failed")
		}
	}

	o.wg.Wait()
}

func (o *Orchestrator) run(ctx context.Context) {
	defer o.wg.Done()

	o.logger.Info().
		Dur("reconcile_interval", time.Duration(o.config.ReconcileInterval)).
		Dur("monitor_interval", time.Duration(o.config.MonitorInterval)).
		Msg("Starting orchestration loop")

	o.reconcile(ctx)

	reconcileTicker := o.clock.Ticker(time.Duration(o.config.ReconcileInterval))
	defer reconcileTicker.Stop()

	monitorTicker := o.clock.Ticker(time.Duration(o.config.MonitorInterval))
	defer monitorTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case <-reconcileTicker.Chan():
			o.reconcile(ctx)
		case <-monitorTicker.Chan():
			o.monitor(ctx)
		case <-o.kick:
			o.reconcile(ctx)
		case event, ok := <-o.deps.Events:
			if !ok {
				// Watcher shut down; periodic reconcile still covers us.
				o.deps.Events = nil
				continue
			}

			o.logger.Info().
				Str("event", event.Type.String()).
				Str("topology", event.Device.TopologyKey).
				Msg("Reconciling on hot-plug event")
			o.reconcile(ctx)
		}
	}
}

// reconcile drives the supervised stream set toward the attached
// device set. Per-stream failures are isolated; a snapshot that cannot
// be applied aborts the pass so no stream runs against a config the
// next reader cannot see.
func (o *Orchestrator) reconcile(ctx context.Context) {
	devs, err := o.deps.Devices.Scan(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("Device scan failed; skipping reconcile pass")
		return
	}

	snapshot, err := o.deps.Snapshots.Render(devs, o.deps.Devices.ResolveName)
	if err != nil {
		o.logger.Error().Err(err).Msg("Snapshot render failed; skipping reconcile pass")
		return
	}

	o.mu.Lock()
	changed := snapshot.Hash != o.lastHash
	o.mu.Unlock()

	if changed {
		if err := o.deps.Snapshots.Apply(snapshot); err != nil {
			o.logger.Error().Err(err).Msg("Snapshot apply failed; aborting reconcile pass")
			return
		}

		if err := o.deps.Devices.Persist(); err != nil {
			o.logger.Warn().Err(err).Msg("Device name persistence failed")
		}

		o.mu.Lock()
		o.lastHash = snapshot.Hash
		o.mu.Unlock()

		o.logger.Info().
			Int("streams", len(snapshot.Streams)).
			Str("hash", snapshot.Hash).
			Msg("Applied new stream snapshot")
	}

	desired := make(map[models.StreamName]models.CaptureSpec, len(snapshot.Streams))
	for _, entry := range snapshot.Streams {
		desired[entry.Name] = models.CaptureSpec{
			DevicePath: entry.DevicePath,
			SampleRate: entry.SampleRate,
			Channels:   entry.Channels,
			SinkURL:    o.config.RTSPBase + "/" + entry.TargetPath,
		}
	}

	// Stop streams whose device is gone.
	for _, name := range o.deps.Supervisor.Supervised() {
		if _, ok := desired[name]; ok {
			continue
		}

		o.logger.Info().Str("stream", name.String()).Msg("Device gone; stopping stream")

		if err := o.deps.Supervisor.Stop(ctx, name); err != nil {
			o.logger.Error().Str("stream", name.String()).Err(err).Msg("Failed to stop stream")
		}

		o.forget(name)
	}

	// Ensure streams for present devices. Failed streams get retried
	// here as long as their device is still attached.
	for name, spec := range desired {
		o.mu.Lock()
		paused := o.paused[name]
		o.mu.Unlock()

		if paused {
			continue
		}

		if status, err := o.deps.Supervisor.Status(name); err == nil {
			switch status.State {
			case models.StateStarting, models.StateRunning, models.StateDegraded:
				continue
			case models.StateStopped, models.StateFailed:
			}
		}

		if err := o.deps.Media.RegisterPath(ctx, name); err != nil {
			o.logger.Warn().Str("stream", name.String()).Err(err).Msg("Path registration failed")
		}

		if err := o.deps.Supervisor.Ensure(ctx, name, spec); err != nil {
			o.logger.Error().Str("stream", name.String()).Err(err).Msg("Failed to ensure stream")
		}
	}

	o.mu.Lock()
	o.specs = desired
	o.mu.Unlock()
}

// monitor runs one heartbeat pass over the live streams.
func (o *Orchestrator) monitor(ctx context.Context) {
	for _, status := range o.deps.Supervisor.StatusAll() {
		if status.State != models.StateRunning && status.State != models.StateDegraded {
			continue
		}

		o.monitorStream(ctx, status)
	}
}

// monitorStream collects delivery evidence for one stream and applies
// the degradation and restart policy.
func (o *Orchestrator) monitorStream(ctx context.Context, status models.StreamStatus) {
	name := status.Name

	path, err := o.deps.Media.GetPath(ctx, name)

	switch {
	case err == nil && path.Ready:
		o.mu.Lock()
		last, seen := o.lastBytes[name]
		flowing := !seen || path.BytesReceived > last
		o.lastBytes[name] = path.BytesReceived
		o.mu.Unlock()

		if flowing {
			if err := o.deps.Beats.RecordBeat(name); err != nil {
				o.logger.Warn().Str("stream", name.String()).Err(err).Msg("Failed to record heartbeat")
			}
		}
	case err != nil && !errors.Is(err, mediaserver.ErrPathNotFound):
		// Media server unreachable: no evidence either way, staleness
		// accrues on its own.
		o.logger.Debug().Str("stream", name.String()).Err(err).Msg("Path status probe failed")
	}

	lastBeat := o.deps.Beats.LastBeat(name)
	if lastBeat.IsZero() {
		// First observation of a freshly Running stream seeds the
		// staleness clock.
		if err := o.deps.Beats.RecordBeat(name); err != nil {
			o.logger.Warn().Str("stream", name.String()).Err(err).Msg("Failed to seed heartbeat")
		}

		return
	}

	if !o.deps.Beats.IsStale(name, time.Duration(o.config.StaleAfter)) {
		if status.State == models.StateDegraded {
			o.deps.Supervisor.MarkRecovered(name)
		}

		return
	}

	if status.State == models.StateRunning {
		o.deps.Supervisor.MarkDegraded(name, "heartbeat stale")
	}

	if o.clock.Now().Sub(lastBeat) < time.Duration(o.config.RestartAfter) {
		return
	}

	o.logger.Warn().
		Str("stream", name.String()).
		Time("last_beat", lastBeat).
		Msg("Heartbeat stale past restart threshold; restarting stream")

	if err := o.deps.Supervisor.Restart(ctx, name); err != nil {
		o.logger.Error().Str("stream", name.String()).Err(err).Msg("Restart failed")
		return
	}

	// Fresh process gets a fresh staleness clock.
	if err := o.deps.Beats.RecordBeat(name); err != nil {
		o.logger.Warn().Str("stream", name.String()).Err(err).Msg("Failed to reset heartbeat")
	}

	o.mu.Lock()
	delete(o.lastBytes, name)
	o.mu.Unlock()
}

func (o *Orchestrator) forget(name models.StreamName) {
	if err := o.deps.Beats.Clear(name); err != nil {
		o.logger.Warn().Str("stream", name.String()).Err(err).Msg("Failed to clear heartbeat")
	}

	o.mu.Lock()
	delete(o.lastBytes, name)
	delete(o.paused, name)
	o.mu.Unlock()
}

// StartAll lifts any administrative stops and triggers an immediate
// reconcile pass.
func (o *Orchestrator) StartAll() {
	o.mu.Lock()
	o.paused = make(map[models.StreamName]bool)
	o.mu.Unlock()

	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// StopStream administratively stops one stream. It stays down until
// RestartStream or StartAll, even if its device remains attached.
func (o *Orchestrator) StopStream(ctx context.Context, name models.StreamName) error {
	o.mu.Lock()
	_, known := o.specs[name]
	o.mu.Unlock()

	if !known {
		if _, err := o.deps.Supervisor.Status(name); err != nil {
			return err
		}
	}

	o.mu.Lock()
	o.paused[name] = true
	o.mu.Unlock()

	if err := o.deps.Supervisor.Stop(ctx, name); err != nil {
		return err
	}

	if err := o.deps.Beats.Clear(name); err != nil {
		o.logger.Warn().Str("stream", name.String()).Err(err).Msg("Failed to clear heartbeat")
	}

	return nil
}

// RestartStream restarts one stream, lifting any administrative stop.
func (o *Orchestrator) RestartStream(ctx context.Context, name models.StreamName) error {
	o.mu.Lock()
	spec, known := o.specs[name]
	wasPaused := o.paused[name]

	delete(o.paused, name)
	o.mu.Unlock()

	if wasPaused {
		if !known {
			return fmt.Errorf("%w: %s", supervisor.ErrUnknownStream, name)
		}

		return o.deps.Supervisor.Ensure(ctx, name, spec)
	}

	return o.deps.Supervisor.Restart(ctx, name)
}

// Status returns the supervision snapshot for one stream.
func (o *Orchestrator) Status(name models.StreamName) (models.StreamStatus, error) {
	status, err := o.deps.Supervisor.Status(name)
	if err != nil {
		return models.StreamStatus{}, err
	}

	status.LastBeat = o.deps.Beats.LastBeat(name)

	return status, nil
}

// StatusAll returns supervision snapshots for every stream.
func (o *Orchestrator) StatusAll() []models.StreamStatus {
	all := o.deps.Supervisor.StatusAll()
	for i := range all {
		all[i].LastBeat = o.deps.Beats.LastBeat(all[i].Name)
	}

	return all
}
