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

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/models"
)

// Process is a handle on one spawned capture pipeline.
type Process interface {
	// PID returns the leader pid of the process group.
	PID() int
	// Signal delivers a signal to the whole process group.
	Signal(sig unix.Signal) error
	// Done is closed when the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitErr reports the exit outcome. Valid only after Done is closed.
	ExitErr() error
}

// Runner spawns capture pipelines. The supervisor depends on this
// interface so tests exercise the full lifecycle without exec'ing
// anything.
type Runner interface {
	Start(ctx context.Context, name models.StreamName, spec models.CaptureSpec) (Process, error)
}

// FFmpegRunner runs the real capture pipeline: ffmpeg reading ALSA and
// publishing Opus over RTSP to the media server.
type FFmpegRunner struct {
	binary string
	logger logger.Logger
}

// NewFFmpegRunner creates a runner using the given ffmpeg binary path
// ("ffmpeg" resolves via PATH).
func NewFFmpegRunner(binary string, log logger.Logger) *FFmpegRunner {
	if binary == "" {
		binary = "ffmpeg"
	}

	return &FFmpegRunner{binary: binary, logger: log.WithComponent("capture")}
}

// Start spawns ffmpeg in its own process group, so a later stop signals
// the pipeline and any children it forked, never the daemon itself.
func (r *FFmpegRunner) Start(_ context.Context, name models.StreamName, spec models.CaptureSpec) (Process, error) {
	args := captureArgs(spec)

	cmd := exec.Command(r.binary, args...)
	cmd.Stdout = newPipelineLogWriter(r.logger, name, "stdout")
	cmd.Stderr = newPipelineLogWriter(r.logger, name, "stderr")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProcessSpawn, err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}

	go func() {
		proc.exitErr = cmd.Wait()
		close(proc.done)
	}()

	r.logger.Info().
		Str("stream", name.String()).
		Int("pid", cmd.Process.Pid).
		Str("device", spec.DevicePath).
		Msg("Spawned capture pipeline")

	return proc, nil
}

// captureArgs builds the ffmpeg invocation for one capture spec.
func captureArgs(spec models.CaptureSpec) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "alsa",
		"-ar", strconv.Itoa(spec.SampleRate),
		"-ac", strconv.Itoa(spec.Channels),
		"-i", spec.DevicePath,
		"-c:a", "libopus",
		"-b:a", "128k",
		"-f", "rtsp",
		"-rtsp_transport", "tcp",
		spec.SinkURL,
	}
}

type execProcess struct {
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig unix.Signal) error {
	// Negative pid addresses the process group.
	return unix.Kill(-p.cmd.Process.Pid, sig)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ExitErr() error {
	return p.exitErr
}

// pipelineLogWriter forwards ffmpeg's output line by line into the
// structured log, tagged with the owning stream.
type pipelineLogWriter struct {
	logger logger.Logger
	stream models.StreamName
	fd     string
}

func newPipelineLogWriter(log logger.Logger, stream models.StreamName, fd string) *pipelineLogWriter {
	return &pipelineLogWriter{logger: log, stream: stream, fd: fd}
}

func (w *pipelineLogWriter) Write(p []byte) (int, error) {
	total := len(p)

	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')

		var line []byte

		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		w.logger.Debug().
			Str("stream", w.stream.String()).
			Str("fd", w.fd).
			Msg(string(line))
	}

	return total, nil
}
