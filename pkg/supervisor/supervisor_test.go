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
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/miccast/miccast/pkg/logger"
	"github.com/miccast/miccast/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProcess struct {
	pid        int
	ignoreTerm bool

	mu      sync.Mutex
	signals []unix.Signal

	done    chan struct{}
	once    sync.Once
	exitErr error
}

func newFakeProcess(pid int) *fakeProcess {
	return &fakeProcess{pid: pid, done: make(chan struct{})}
}

func (p *fakeProcess) PID() int { return p.pid }

func (p *fakeProcess) Signal(sig unix.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()

	if sig == unix.SIGKILL || (sig == unix.SIGTERM && !p.ignoreTerm) {
		p.exit(nil)
	}

	return nil
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitErr() error        { return p.exitErr }

func (p *fakeProcess) exit(err error) {
	p.once.Do(func() {
		p.exitErr = err
		close(p.done)
	})
}

func (p *fakeProcess) sentSignals() []unix.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]unix.Signal(nil), p.signals...)
}

type fakeRunner struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	failNext   error
	ignoreTerm bool
	nextPID    int
}

func (r *fakeRunner) Start(_ context.Context, _ models.StreamName, _ models.CaptureSpec) (Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil

		return nil, err
	}

	r.nextPID++
	proc := newFakeProcess(1000 + r.nextPID)
	proc.ignoreTerm = r.ignoreTerm
	r.procs = append(r.procs, proc)

	return proc, nil
}

func (r *fakeRunner) starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.procs)
}

func (r *fakeRunner) lastProc() *fakeProcess {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.procs) == 0 {
		return nil
	}

	return r.procs[len(r.procs)-1]
}

type fakeChecker struct {
	active atomic.Bool
}

func (c *fakeChecker) PathActive(_ context.Context, _ models.StreamName) (bool, error) {
	return c.active.Load(), nil
}

func testConfig() *Config {
	return &Config{
		StartTimeout:      models.Duration(500 * time.Millisecond),
		StopTimeout:       models.Duration(50 * time.Millisecond),
		ReadyPollInterval: models.Duration(5 * time.Millisecond),
		BackoffInitial:    models.Duration(time.Second),
		BackoffMax:        models.Duration(60 * time.Second),
		StableReset:       models.Duration(5 * time.Minute),
	}
}

func newTestSupervisor(t *testing.T, runner *fakeRunner, checker *fakeChecker) *Supervisor {
	t.Helper()

	s, err := New(testConfig(), runner, checker, logger.NewTestLogger())
	require.NoError(t, err)

	// Restart backoff pauses are recorded, not slept.
	s.sleep = func(_ context.Context, _ time.Duration) error { return nil }

	return s
}

func testSpec() models.CaptureSpec {
	return models.CaptureSpec{
		DevicePath: "hw:CARD=Mic,DEV=0",
		SampleRate: 48000,
		Channels:   1,
		SinkURL:    "rtsp://127.0.0.1:8554/mic-1-1-4",
	}
}

func waitForState(t *testing.T, s *Supervisor, name models.StreamName, want models.StreamState) models.StreamStatus {
	t.Helper()

	var status models.StreamStatus

	require.Eventually(t, func() bool {
		var err error

		status, err = s.Status(name)

		return err == nil && status.State == want
	}, 2*time.Second, 5*time.Millisecond, "stream never reached state %s", want)

	return status
}

func TestEnsureReachesRunning(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))

	status := waitForState(t, s, "mic", models.StateRunning)
	assert.NotZero(t, status.PID)
	assert.Zero(t, status.RestartCount)

	// Ensure on a live stream does not spawn a second process.
	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	assert.Equal(t, 1, runner.starts())
}

func TestEnsureStartTimeout(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{} // never active

	s := newTestSupervisor(t, runner, checker)
	s.config.StartTimeout = models.Duration(30 * time.Millisecond)

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))

	status := waitForState(t, s, "mic", models.StateFailed)
	assert.Equal(t, ErrStartTimeout.Error(), status.Reason)

	// The stuck pipeline is killed, not leaked.
	require.Eventually(t, func() bool {
		return len(runner.lastProc().sentSignals()) > 0
	}, time.Second, 5*time.Millisecond)
}

func TestEnsureSpawnFailure(t *testing.T) {
	runner := &fakeRunner{failNext: errors.New("exec: ffmpeg not found")}
	s := newTestSupervisor(t, runner, &fakeChecker{})

	err := s.Ensure(context.Background(), "mic", testSpec())
	require.ErrorIs(t, err, ErrProcessSpawn)

	status, err := s.Status("mic")
	require.NoError(t, err)
	assert.Equal(t, models.StateFailed, status.State)
}

func TestEnsureRetriesFailedStream(t *testing.T) {
	runner := &fakeRunner{failNext: errors.New("device busy")}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	require.Error(t, s.Ensure(context.Background(), "mic", testSpec()))

	// The next reconcile pass retries the Failed stream.
	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	waitForState(t, s, "mic", models.StateRunning)
}

func TestStopTerminatesAndForgets(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	waitForState(t, s, "mic", models.StateRunning)

	require.NoError(t, s.Stop(context.Background(), "mic"))

	assert.Equal(t, []unix.Signal{unix.SIGTERM}, runner.lastProc().sentSignals())

	_, err := s.Status("mic")
	assert.ErrorIs(t, err, ErrUnknownStream)

	// Unknown stream stop is a no-op.
	assert.NoError(t, s.Stop(context.Background(), "ghost"))
}

func TestStopEscalatesToKill(t *testing.T) {
	runner := &fakeRunner{ignoreTerm: true}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	waitForState(t, s, "mic", models.StateRunning)

	require.NoError(t, s.Stop(context.Background(), "mic"))

	signals := runner.lastProc().sentSignals()
	require.Len(t, signals, 2)
	assert.Equal(t, unix.SIGTERM, signals[0])
	assert.Equal(t, unix.SIGKILL, signals[1])
}

func TestRestartIncrementsCounterAndBacksOff(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	var delays []time.Duration

	var delayMu sync.Mutex

	s.sleep = func(_ context.Context, d time.Duration) error {
		delayMu.Lock()
		delays = append(delays, d)
		delayMu.Unlock()

		return nil
	}

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	waitForState(t, s, "mic", models.StateRunning)

	require.NoError(t, s.Restart(context.Background(), "mic"))
	status := waitForState(t, s, "mic", models.StateRunning)
	assert.Equal(t, 1, status.RestartCount)

	require.NoError(t, s.Restart(context.Background(), "mic"))
	status = waitForState(t, s, "mic", models.StateRunning)
	assert.Equal(t, 2, status.RestartCount)

	assert.Equal(t, 3, runner.starts())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestRestartBackoffResetsAfterStableRun(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	var delays []time.Duration

	var delayMu sync.Mutex

	s.sleep = func(_ context.Context, d time.Duration) error {
		delayMu.Lock()
		delays = append(delays, d)
		delayMu.Unlock()

		return nil
	}

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	waitForState(t, s, "mic", models.StateRunning)

	require.NoError(t, s.Restart(context.Background(), "mic"))
	waitForState(t, s, "mic", models.StateRunning)

	// A long stable run earns a fresh schedule.
	s.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	require.NoError(t, s.Restart(context.Background(), "mic"))
	waitForState(t, s, "mic", models.StateRunning)

	delayMu.Lock()
	defer delayMu.Unlock()

	require.Len(t, delays, 2)
	assert.Equal(t, time.Second, delays[0])
	assert.Equal(t, time.Second, delays[1])
}

func TestRestartYieldsToConcurrentEnsure(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	name := models.StreamName("mic-1-1-4")
	require.NoError(t, s.Ensure(context.Background(), name, testSpec()))
	waitForState(t, s, name, models.StateRunning)

	sleeping := make(chan struct{})
	release := make(chan struct{})

	s.sleep = func(_ context.Context, _ time.Duration) error {
		close(sleeping)
		<-release

		return nil
	}

	restartDone := make(chan error, 1)

	go func() { restartDone <- s.Restart(context.Background(), name) }()

	<-sleeping

	// The reconcile loop races the restart backoff: it sees Stopped and
	// revives the stream itself.
	require.NoError(t, s.Ensure(context.Background(), name, testSpec()))
	waitForState(t, s, name, models.StateRunning)

	second := runner.lastProc()

	close(release)
	require.NoError(t, <-restartDone)

	// The woken restart must not spawn on top of the revived stream:
	// exactly two processes ever started, and the second one is still
	// the tracked, running pipeline.
	assert.Equal(t, 2, runner.starts())

	status, err := s.Status(name)
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, status.State)
	assert.Equal(t, second.PID(), status.PID)
}

func TestRestartCancelledDuringBackoffKeepsCounter(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)
	s.sleep = func(_ context.Context, _ time.Duration) error { return context.Canceled }

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	waitForState(t, s, "mic", models.StateRunning)

	err := s.Restart(context.Background(), "mic")
	require.ErrorIs(t, err, context.Canceled)

	// A restart that never respawned is not a restart.
	status, err := s.Status("mic")
	require.NoError(t, err)
	assert.Zero(t, status.RestartCount)
	assert.Equal(t, models.StateStopped, status.State)
	assert.Equal(t, 1, runner.starts())
}

func TestRestartUnknownStream(t *testing.T) {
	s := newTestSupervisor(t, &fakeRunner{}, &fakeChecker{})

	err := s.Restart(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUnknownStream)
}

func TestProcessDeathMarksFailed(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	waitForState(t, s, "mic", models.StateRunning)

	runner.lastProc().exit(errors.New("alsa device disappeared"))

	status := waitForState(t, s, "mic", models.StateFailed)
	assert.Contains(t, status.Reason, "alsa device disappeared")
}

func TestMarkDegradedAndRecovered(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	require.NoError(t, s.Ensure(context.Background(), "mic", testSpec()))
	waitForState(t, s, "mic", models.StateRunning)

	s.MarkDegraded("mic", "heartbeat stale")

	status, err := s.Status("mic")
	require.NoError(t, err)
	assert.Equal(t, models.StateDegraded, status.State)
	assert.Equal(t, "heartbeat stale", status.Reason)

	s.MarkRecovered("mic")

	status, err = s.Status("mic")
	require.NoError(t, err)
	assert.Equal(t, models.StateRunning, status.State)

	// Degrading a stream that is not Running is ignored.
	s.MarkDegraded("ghost", "no such stream")
}

func TestStatusAllSorted(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	require.NoError(t, s.Ensure(context.Background(), "zebra", testSpec()))
	require.NoError(t, s.Ensure(context.Background(), "alpha", testSpec()))

	all := s.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, models.StreamName("alpha"), all[0].Name)
	assert.Equal(t, models.StreamName("zebra"), all[1].Name)

	assert.Equal(t, []models.StreamName{"alpha", "zebra"}, s.Supervised())
}

func TestStopAll(t *testing.T) {
	runner := &fakeRunner{}
	checker := &fakeChecker{}
	checker.active.Store(true)

	s := newTestSupervisor(t, runner, checker)

	require.NoError(t, s.Ensure(context.Background(), "one", testSpec()))
	require.NoError(t, s.Ensure(context.Background(), "two", testSpec()))

	s.StopAll(context.Background())

	assert.Empty(t, s.Supervised())
	assert.Empty(t, s.StatusAll())
}

func TestCaptureArgs(t *testing.T) {
	args := captureArgs(testSpec())

	assert.Contains(t, args, "alsa")
	assert.Contains(t, args, "hw:CARD=Mic,DEV=0")
	assert.Contains(t, args, "48000")
	assert.Contains(t, args, "rtsp://127.0.0.1:8554/mic-1-1-4")
}
