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

// miccastd supervises USB microphone capture streams: it resolves
// attached devices to stable stream names, keeps one capture pipeline
// per device publishing to the media server, and restarts pipelines
// whose audio stops flowing.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/miccast/miccast/pkg/confgen"
	"github.com/miccast/miccast/pkg/config"
	"github.com/miccast/miccast/pkg/devices"
	"github.com/miccast/miccast/pkg/heartbeat"
	"github.com/miccast/miccast/pkg/lock"
	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/mediaserver"
	"github.com/miccast/miccast/pkg/orchestrator"
	"github.com/miccast/miccast/pkg/supervisor"
)

var errFailedToLoadConfig = fmt.Errorf("failed to load config")

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/miccast/miccastd.json", "Path to miccastd config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgLoader := config.NewConfig(nil)

	var cfg Config

	if err := cfgLoader.LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("%w: %w", errFailedToLoadConfig, err)
	}

	logConfig := cfg.Logging
	if logConfig == nil {
		logConfig = logger.DefaultConfig()
	}

	mainLogger, err := logger.New(logConfig)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	// One live instance per host. A healthy holder means our work is
	// already being done; that is a clean exit, not a failure.
	handle, err := lock.Acquire(ctx, cfg.LockPath, time.Duration(cfg.LockTimeout), mainLogger)
	if err != nil {
		if errors.Is(err, lock.ErrLockContention) {
			mainLogger.Info().Err(err).Msg("Another instance is running; exiting")
			return nil
		}

		return fmt.Errorf("failed to acquire instance lock: %w", err)
	}
	defer handle.Release()

	registry, err := devices.NewRegistry(cfg.Devices, mainLogger)
	if err != nil {
		return err
	}

	generator, err := confgen.NewGenerator(cfg.SnapshotPath, cfg.Capture, mainLogger)
	if err != nil {
		return err
	}

	beats, err := heartbeat.NewMonitor(cfg.HeartbeatDir, mainLogger)
	if err != nil {
		return err
	}

	media, err := mediaserver.NewClient(cfg.MediaServer, mainLogger)
	if err != nil {
		return err
	}

	if err := media.Healthy(ctx); err != nil {
		mainLogger.Warn().Err(err).Msg("Media server not reachable yet; streams will start once it is")
	}

	runner := supervisor.NewFFmpegRunner(cfg.Supervisor.FFmpegPath, mainLogger)

	sup, err := supervisor.New(cfg.Supervisor, runner, media, mainLogger)
	if err != nil {
		return err
	}

	watcher := devices.NewWatcher(registry, 0, mainLogger)

	orch, err := orchestrator.New(cfg.Orchestrator, orchestrator.Deps{
		Devices:    registry,
		Snapshots:  generator,
		Supervisor: sup,
		Beats:      beats,
		Media:      media,
		Events:     watcher.Events(),
	}, nil, mainLogger)
	if err != nil {
		return err
	}

	go func() {
		if err := watcher.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			mainLogger.Error().Err(err).Msg("Device watcher exited")
		}
	}()

	if err := orch.Start(ctx); err != nil {
		return err
	}

	mainLogger.Info().Str("config", *configPath).Msg("miccastd started")

	<-ctx.Done()

	mainLogger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	orch.Stop(shutdownCtx)
	watcher.Stop()
	sup.StopAll(shutdownCtx)
	handle.Release()

	return nil
}
