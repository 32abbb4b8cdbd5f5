// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package supervisor implements the worker agent, which registers a
// worker, and starts, monitors and stops the backend processes of the
// model instances placed on it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"strconv"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	defaultSyncInterval        = 5 * time.Second
	defaultHeartbeatInterval   = 15 * time.Second
	defaultHealthCheckTimeout  = 10 * time.Minute
	defaultHealthCheckInterval = time.Second
	defaultTimeoutTERM         = 30 * time.Second

	// returned from an UpdateInstance callback when the instance
	// no longer belongs to the task doing the update
	errStale = errors.New("instance attempt is no longer owned by this worker")
)

// An Agent supervises the backend processes of one worker.
type Agent struct {
	logger   logrus.FieldLogger
	store    store.Store
	registry *backend.Registry
	config   fleet.SupervisorConfig
	workerID string
	platform fleet.Platform

	fetcher  Fetcher
	launcher Launcher
	// container launcher, connected on first use
	docker   Launcher
	prober   *prober
	ports    *portAllocator
	stderr   io.Writer
	probeURL func(port int, path string) string
	dialAddr func(port int) string

	mtx   sync.Mutex
	tasks map[string]*task
	wg    sync.WaitGroup
	wake  chan struct{}

	// if syncBackends, the registry is rebuilt from the stored
	// entries with configured merged over them before each sync
	syncBackends bool
	configured   []fleet.InferenceBackend

	mProcessesRunning prometheus.Gauge
	mLaunchFailures   prometheus.Counter
	mCrashes          prometheus.Counter
}

// New returns an Agent for the worker described by cfg. Call Run to
// register the worker and start supervising.
func New(ctx context.Context, st store.Store, reg *backend.Registry, cfg fleet.SupervisorConfig, promReg *prometheus.Registry) (*Agent, error) {
	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("no WorkerID configured, and cannot get hostname: %w", err)
		}
		workerID = hostname
	}
	logger := ctxlog.FromContext(ctx).WithField("WorkerID", workerID)
	a := &Agent{
		logger:   logger,
		store:    st,
		registry: reg,
		config:   cfg,
		workerID: workerID,
		fetcher:  LocalFetcher{},
		launcher: execLauncher{},
		prober:   newProber(logger, cfg.HealthCheckInterval.Or(defaultHealthCheckInterval)),
		ports:    newPortAllocator(cfg.PortRangeStart, cfg.PortRangeEnd),
		stderr:   os.Stderr,
		probeURL: func(port int, path string) string {
			return "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + path
		},
		dialAddr: func(port int) string {
			return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
		},
		tasks: map[string]*task{},
		wake:  make(chan struct{}, 1),
	}
	a.platform = a.labels().platform()
	a.registerMetrics(promReg)
	return a, nil
}

func (a *Agent) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a.mProcessesRunning = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Subsystem: "supervisor",
		Name:      "processes_running",
		Help:      "Number of backend processes started and not yet exited.",
	})
	reg.MustRegister(a.mProcessesRunning)
	a.mLaunchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "supervisor",
		Name:      "launch_failures_total",
		Help:      "Number of instances that failed before their backend became healthy.",
	})
	reg.MustRegister(a.mLaunchFailures)
	a.mCrashes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "supervisor",
		Name:      "process_crashes_total",
		Help:      "Number of backend processes that exited after becoming healthy.",
	})
	reg.MustRegister(a.mCrashes)
}

type labels map[string]string

func (l labels) platform() fleet.Platform {
	return fleet.Platform{OS: l[fleet.LabelOS], Arch: l[fleet.LabelArch]}
}

// labels returns the configured worker labels, with os and arch
// filled in from the running system unless configured explicitly.
func (a *Agent) labels() labels {
	l := labels{}
	for k, v := range a.config.Labels {
		l[k] = v
	}
	if l[fleet.LabelOS] == "" {
		l[fleet.LabelOS] = runtime.GOOS
	}
	if l[fleet.LabelArch] == "" {
		l[fleet.LabelArch] = runtime.GOARCH
	}
	return l
}

// Register creates or updates the worker record with the configured
// (or detected) capacity, and marks the worker ready.
func (a *Agent) Register(ctx context.Context) error {
	ram := int64(a.config.RAM)
	if ram == 0 {
		detected, err := detectRAM()
		if err != nil {
			return fmt.Errorf("detecting RAM size: %w", err)
		}
		ram = detected
	}
	gpus := a.config.GPUs
	if len(gpus) == 0 && a.config.DetectGPUs {
		detected, err := detectGPUs(ctx)
		if err != nil {
			return fmt.Errorf("detecting GPUs: %w", err)
		}
		gpus = detected
	}
	w := fleet.Worker{
		ID:          a.workerID,
		Name:        a.workerID,
		Labels:      a.labels(),
		RAM:         fleet.ByteSize(ram),
		GPUs:        gpus,
		State:       fleet.WorkerStateReady,
		HeartbeatAt: time.Now(),
	}
	if err := a.store.PutWorker(ctx, w); err != nil {
		return err
	}
	fields := logrus.Fields{
		"Platform": a.platform.String(),
		"RAM":      humanize.IBytes(uint64(ram)),
		"GPUs":     len(gpus),
	}
	for _, gpu := range gpus {
		fields[fmt.Sprintf("GPU%d", gpu.Index)] = fmt.Sprintf("%s (%s)", gpu.Name, humanize.IBytes(uint64(gpu.VRAM)))
	}
	a.logger.WithFields(fields).Info("registered worker")
	return nil
}

// Run registers the worker and supervises its instances until ctx
// is cancelled. Then it stops all backend processes and marks the
// worker not ready.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Register(ctx); err != nil {
		return err
	}
	notify := a.store.Subscribe()
	defer a.store.Unsubscribe(notify)

	heartbeat := time.NewTicker(a.config.HeartbeatInterval.Or(defaultHeartbeatInterval))
	defer heartbeat.Stop()
	poll := time.NewTicker(a.config.SyncInterval.Or(defaultSyncInterval))
	defer poll.Stop()

	for {
		a.sync(ctx)
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-heartbeat.C:
			if err := a.store.Heartbeat(ctx, a.workerID, time.Now()); err != nil {
				a.logger.WithError(err).Warn("error sending heartbeat")
			}
		case <-notify:
		case <-poll.C:
		case <-a.wake:
		}
	}
}

// SyncBackends makes the agent rebuild its backend registry before
// each sync from the entries in the store (written by the dispatcher)
// with the given configured entries merged over them. Agents that
// share a registry with a dispatcher in the same process don't need
// this.
func (a *Agent) SyncBackends(configured []fleet.InferenceBackend) {
	a.mtx.Lock()
	a.syncBackends = true
	a.configured = configured
	a.mtx.Unlock()
	a.poke()
}

func (a *Agent) refreshBackends(ctx context.Context) {
	a.mtx.Lock()
	enabled, configured := a.syncBackends, a.configured
	a.mtx.Unlock()
	if !enabled {
		return
	}
	stored, err := a.store.Backends(ctx)
	if err != nil {
		a.logger.WithError(err).Warn("error loading backend registry entries")
		return
	}
	if err := a.registry.Update(stored, configured); err != nil {
		a.logger.WithError(err).Warn("error updating backend registry")
	}
}

// poke arranges for another sync soon.
func (a *Agent) poke() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// sync starts tasks for newly scheduled instances on this worker,
// passes stop requests to running tasks, and kills tasks whose
// instance has been deleted, moved or restarted elsewhere.
func (a *Agent) sync(ctx context.Context) {
	a.refreshBackends(ctx)
	instances, err := a.store.Instances(ctx, store.InstanceFilter{WorkerID: a.workerID})
	if err != nil {
		a.logger.WithError(err).Warn("error loading instances")
		return
	}
	a.mtx.Lock()
	defer a.mtx.Unlock()
	seen := map[string]bool{}
	for _, mi := range instances {
		seen[mi.ID] = true
		t := a.tasks[mi.ID]
		if t != nil && t.attempt != mi.Attempt {
			// The old task will remove itself when it's done;
			// the new attempt starts on a later sync.
			t.kill()
			continue
		}
		switch {
		case !mi.State.HoldsClaim():
			if t != nil {
				t.kill()
			}
		case t != nil:
			if mi.StopRequested || mi.RescheduleRequested {
				t.requestStop()
			}
		case mi.State == fleet.InstanceStateScheduled:
			a.startTask(ctx, mi)
		default:
			a.failOrphan(ctx, mi)
		}
	}
	for id, t := range a.tasks {
		if !seen[id] {
			t.kill()
		}
	}
}

// startTask starts a task for a scheduled instance. Caller must have
// lock.
func (a *Agent) startTask(ctx context.Context, mi fleet.ModelInstance) {
	t := newTask(ctx, a, mi)
	if mi.StopRequested || mi.RescheduleRequested {
		t.requestStop()
	}
	a.tasks[mi.ID] = t
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t.run()
		a.mtx.Lock()
		if a.tasks[mi.ID] == t {
			delete(a.tasks, mi.ID)
		}
		a.mtx.Unlock()
		a.poke()
	}()
}

// failOrphan fails an instance that is starting or running on this
// worker according to the store, but has no process here (the agent
// was restarted).
func (a *Agent) failOrphan(ctx context.Context, mi fleet.ModelInstance) {
	logger := a.logger.WithFields(logrus.Fields{
		"InstanceID": mi.ID,
		"State":      mi.State,
	})
	_, err := a.store.UpdateInstance(ctx, mi.ID, func(cur *fleet.ModelInstance) error {
		if cur.WorkerID != a.workerID || cur.Attempt != mi.Attempt || !cur.State.HoldsClaim() {
			return errStale
		}
		return cur.Fail(fleet.FailureCrash, "Backend process was lost when the worker agent restarted.", time.Now())
	})
	if errors.Is(err, errStale) || errors.Is(err, store.ErrNotFound) {
		return
	} else if err != nil {
		logger.WithError(err).Warn("error failing orphaned instance")
		return
	}
	logger.Info("failed orphaned instance")
}

// shutdown stops all tasks and marks the worker not ready.
func (a *Agent) shutdown() {
	a.mtx.Lock()
	for _, t := range a.tasks {
		t.kill()
	}
	a.mtx.Unlock()
	a.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w, err := a.store.Worker(ctx, a.workerID)
	if err == nil {
		w.State = fleet.WorkerStateNotReady
		err = a.store.PutWorker(ctx, w)
	}
	if err != nil {
		a.logger.WithError(err).Warn("error marking worker not ready")
		return
	}
	a.logger.Info("worker agent stopped")
}

// containerLauncher returns the docker launcher, connecting on the
// first call.
func (a *Agent) containerLauncher() (Launcher, error) {
	a.mtx.Lock()
	defer a.mtx.Unlock()
	if a.docker == nil {
		dl, err := newDockerLauncher(a.config.DockerHost, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to docker: %w", err)
		}
		a.docker = dl
	}
	return a.docker, nil
}
