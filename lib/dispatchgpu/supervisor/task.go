// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// Bytes of backend output kept for error messages.
const outputTailSize = 2048

// A task runs one attempt of one model instance: it fetches the model
// files, starts the backend, waits for it to become healthy, and
// watches it until it exits or is stopped.
type task struct {
	agent   *Agent
	id      string
	attempt int
	logger  logrus.FieldLogger

	// cancelled when the task should kill its process without
	// touching the instance record
	ctx    context.Context
	cancel context.CancelFunc
	// store writes use this context, so a write that decides the
	// outcome of a killed task is not lost halfway
	bgctx context.Context

	stopOnce sync.Once
	stopReq  chan struct{}
}

func newTask(ctx context.Context, a *Agent, mi fleet.ModelInstance) *task {
	tctx, cancel := context.WithCancel(ctx)
	return &task{
		agent:   a,
		id:      mi.ID,
		attempt: mi.Attempt,
		logger: a.logger.WithFields(logrus.Fields{
			"InstanceID": mi.ID,
			"Attempt":    mi.Attempt,
		}),
		ctx:     tctx,
		cancel:  cancel,
		bgctx:   context.WithoutCancel(ctx),
		stopReq: make(chan struct{}),
	}
}

// requestStop asks the task to stop its process gracefully and
// record the instance as stopped.
func (t *task) requestStop() {
	t.stopOnce.Do(func() { close(t.stopReq) })
}

// kill makes the task stop its process without updating the
// instance.
func (t *task) kill() {
	t.cancel()
}

func (t *task) stopRequested() bool {
	select {
	case <-t.stopReq:
		return true
	default:
		return false
	}
}

// update applies fn to the instance record, unless the record has
// moved on to a different attempt or worker.
func (t *task) update(fn func(*fleet.ModelInstance) error) (fleet.ModelInstance, error) {
	return t.agent.store.UpdateInstance(t.bgctx, t.id, func(mi *fleet.ModelInstance) error {
		if mi.Attempt != t.attempt || mi.WorkerID != t.agent.workerID || !mi.State.HoldsClaim() {
			return errStale
		}
		return fn(mi)
	})
}

// fail moves the instance to the error state, which releases its
// claim.
func (t *task) fail(kind fleet.FailureKind, msg string) {
	_, err := t.update(func(mi *fleet.ModelInstance) error {
		return mi.Fail(kind, msg, time.Now())
	})
	if err != nil {
		t.logWriteError(err, "error recording failure")
		return
	}
	if kind == fleet.FailureCrash {
		t.agent.mCrashes.Inc()
	} else {
		t.agent.mLaunchFailures.Inc()
	}
	t.logger.WithFields(logrus.Fields{
		"Failure":      kind,
		"StateMessage": msg,
	}).Warn("instance failed")
}

// finishStop records a requested stop, and returns the instance to
// pending if a reschedule was requested.
func (t *task) finishStop() {
	updated, err := t.update(func(mi *fleet.ModelInstance) error {
		reschedule := mi.RescheduleRequested
		if err := mi.Transition(fleet.InstanceStateStopped, "Stopped by request."); err != nil {
			return err
		}
		mi.StopRequested = false
		if reschedule {
			mi.RestartCount = 0
			return mi.Transition(fleet.InstanceStatePending, "Rescheduled by request.")
		}
		return nil
	})
	if err != nil {
		t.logWriteError(err, "error recording stop")
		return
	}
	t.logger.WithField("State", updated.State).Info("instance stopped")
}

func (t *task) logWriteError(err error, msg string) {
	if errors.Is(err, errStale) || errors.Is(err, store.ErrNotFound) {
		t.logger.WithError(err).Info("instance changed elsewhere, leaving it alone")
		return
	}
	t.logger.WithError(err).Warn(msg)
}

func (t *task) run() {
	a := t.agent
	defer a.ports.Release(t.id)
	if t.stopRequested() {
		t.finishStop()
		return
	}

	mi, err := a.store.Instance(t.ctx, t.id)
	if err != nil {
		t.logger.WithError(err).Warn("error loading instance")
		return
	}
	m, err := a.store.Model(t.ctx, mi.ModelID)
	if err != nil {
		t.fail(fleet.FailureLaunch, fmt.Sprintf("Cannot load model %s: %s", mi.ModelID, err))
		return
	}
	t.logger = t.logger.WithFields(logrus.Fields{"Model": m.Name, "Backend": m.Backend})

	modelPath, err := a.fetcher.Fetch(t.ctx, m.Source, t.progress(false))
	if err == nil && t.ctx.Err() == nil && m.UsesDraftModel() {
		var draftPath string
		draftPath, err = a.fetcher.Fetch(t.ctx, m.Speculative.DraftSource, t.progress(true))
		mi.DraftModelPath = draftPath
	}
	if t.ctx.Err() != nil {
		return
	} else if err != nil {
		t.fail(fleet.FailureLaunch, fmt.Sprintf("Cannot fetch model files: %s", err))
		return
	}
	if t.stopRequested() {
		t.finishStop()
		return
	}

	b, strategy, err := a.registry.Resolve(m)
	if err != nil {
		t.fail(fleet.FailureLaunch, fmt.Sprintf("Cannot launch backend: %s.", err))
		return
	}
	port, err := a.ports.Allocate(t.id)
	if err != nil {
		t.fail(fleet.FailureLaunch, fmt.Sprintf("Cannot launch backend: %s.", err))
		return
	}
	draftPath := mi.DraftModelPath
	mi, err = t.update(func(mi *fleet.ModelInstance) error {
		if !mi.DownloadsComplete(m.UsesDraftModel()) {
			return errors.New("model files are not completely downloaded")
		}
		if err := mi.Transition(fleet.InstanceStateStarting, "Starting backend process."); err != nil {
			return err
		}
		mi.Port = port
		mi.ModelPath = modelPath
		mi.DraftModelPath = draftPath
		return nil
	})
	if err != nil {
		t.logWriteError(err, "error updating instance to starting")
		return
	}

	spec, err := strategy.Command(backend.LaunchRequest{
		Model:    m,
		Instance: mi,
		Backend:  b,
		Platform: a.platform,
		BinDir:   a.config.BackendBinDir,
		Host:     a.config.BindAddress,
	})
	if err != nil {
		t.fail(fleet.FailureLaunch, fmt.Sprintf("Cannot launch backend: %s.", err))
		return
	}

	launcher := a.launcher
	if spec.Image != "" {
		launcher, err = a.containerLauncher()
		if err != nil {
			t.fail(fleet.FailureLaunch, fmt.Sprintf("Cannot launch backend: %s.", err))
			return
		}
	}
	logw, err := t.openLog()
	if err != nil {
		t.fail(fleet.FailureLaunch, fmt.Sprintf("Cannot open log file: %s", err))
		return
	}
	defer logw.Close()
	tail := &tailBuffer{max: outputTailSize}
	out := io.MultiWriter(logw, tail)
	fmt.Fprintf(logw, "%s starting attempt %d: %s\n", time.Now().Format(time.RFC3339), t.attempt, spec)

	t.logger.WithFields(logrus.Fields{
		"Command":    spec.String(),
		"Image":      spec.Image,
		"Port":       port,
		"GPUIndexes": mi.GPUIndexes,
	}).Info("starting backend")
	proc, err := launcher.Launch(t.ctx, LaunchOptions{
		Name:       "gpufleet-" + t.id,
		Spec:       spec,
		GPUIndexes: mi.GPUIndexes,
		Mounts:     []string{mi.ModelPath, mi.DraftModelPath},
		Stdout:     out,
		Stderr:     out,
	})
	if err != nil {
		t.fail(fleet.FailureLaunch, fmt.Sprintf("Cannot start backend process: %s", err))
		return
	}
	a.mProcessesRunning.Inc()
	defer a.mProcessesRunning.Dec()
	t.supervise(proc, spec, port, tail)
}

// supervise waits for the backend to pass its health check and then
// to exit, or for a stop request.
func (t *task) supervise(proc Process, spec *backend.LaunchSpec, port int, tail *tailBuffer) {
	a := t.agent
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	timeout := a.config.HealthCheckTimeout.Or(defaultHealthCheckTimeout)
	probeCtx, cancelProbe := context.WithTimeout(t.ctx, timeout)
	defer cancelProbe()
	healthy := make(chan error, 1)
	go func() {
		if spec.HealthPath == "" {
			// no health endpoint: ready once it accepts connections
			healthy <- a.prober.waitListening(probeCtx, a.dialAddr(port))
		} else {
			healthy <- a.prober.probe(probeCtx, a.probeURL(port, spec.HealthPath))
		}
	}()

	running := false
	for {
		select {
		case err := <-healthy:
			healthy = nil
			if t.ctx.Err() != nil {
				continue
			} else if err != nil {
				t.logger.WithError(err).Warn("backend did not become healthy")
				t.terminate(proc, exited)
				t.fail(fleet.FailureLaunch, fmt.Sprintf("Backend did not pass its health check within %s.", timeout))
				return
			}
			_, err = t.update(func(mi *fleet.ModelInstance) error {
				return mi.Transition(fleet.InstanceStateRunning, "Backend is running.")
			})
			if err != nil {
				t.logWriteError(err, "error updating instance to running")
				continue
			}
			running = true
			t.logger.Info("backend is running")
		case err := <-exited:
			cancelProbe()
			if t.ctx.Err() != nil {
				return
			}
			cause := exitCause(err, tail)
			if running {
				t.fail(fleet.FailureCrash, "Backend process exited unexpectedly: "+cause)
			} else {
				t.fail(fleet.FailureLaunch, "Backend process exited before becoming healthy: "+cause)
			}
			return
		case <-t.stopReq:
			cancelProbe()
			t.terminate(proc, exited)
			t.finishStop()
			return
		case <-t.ctx.Done():
			cancelProbe()
			t.terminate(proc, exited)
			return
		}
	}
}

// terminate sends SIGTERM, then SIGKILL if the process hasn't exited
// after TimeoutTERM, and waits for it to exit.
func (t *task) terminate(proc Process, exited <-chan error) {
	timeout := t.agent.config.TimeoutTERM.Or(defaultTimeoutTERM)
	t.logger.Info("sending SIGTERM to backend")
	if err := proc.Terminate(); err != nil {
		t.logger.WithError(err).Warn("error sending SIGTERM")
	}
	select {
	case <-exited:
		return
	case <-time.After(timeout):
	}
	t.logger.WithField("TimeoutTERM", timeout).Warn("backend did not exit after SIGTERM, sending SIGKILL")
	if err := proc.Kill(); err != nil {
		t.logger.WithError(err).Warn("error sending SIGKILL")
	}
	<-exited
}

// progress returns a callback that records download progress on the
// instance.
func (t *task) progress(draft bool) func(float64) {
	var last float64 = -1
	return func(p float64) {
		if p < 1 && p-last < 0.01 {
			return
		}
		last = p
		_, err := t.update(func(mi *fleet.ModelInstance) error {
			if draft {
				mi.DraftDownloadProgress = p
			} else {
				mi.DownloadProgress = p
			}
			return nil
		})
		if err != nil {
			t.logWriteError(err, "error updating download progress")
		}
	}
}

// openLog returns the writer for the backend's output: a per-instance
// file in LogDir if configured, otherwise the agent's stderr.
func (t *task) openLog() (io.WriteCloser, error) {
	dir := t.agent.config.LogDir
	if dir == "" {
		return nopCloser{t.agent.stderr}, nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, t.id+".log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// exitCause describes a process exit for the instance's state
// message, including the last line of output if any.
func exitCause(err error, tail *tailBuffer) string {
	cause := "exit status 0"
	if err != nil {
		cause = err.Error()
	}
	if line := tail.lastLine(); line != "" {
		cause += ": " + line
	}
	return cause
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	mtx sync.Mutex
	buf []byte
}

func (tb *tailBuffer) Write(p []byte) (int, error) {
	tb.mtx.Lock()
	defer tb.mtx.Unlock()
	tb.buf = append(tb.buf, p...)
	if over := len(tb.buf) - tb.max; over > 0 {
		tb.buf = append(tb.buf[:0], tb.buf[over:]...)
	}
	return len(p), nil
}

func (tb *tailBuffer) lastLine() string {
	tb.mtx.Lock()
	defer tb.mtx.Unlock()
	trimmed := bytes.TrimRight(tb.buf, "\r\n ")
	if i := bytes.LastIndexByte(trimmed, '\n'); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	return strings.TrimSpace(string(trimmed))
}
