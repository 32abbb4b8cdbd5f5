// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package planner assigns pending model instances to workers and
// GPUs.
package planner

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/estimate"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/ledger"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	defaultPollInterval    = 10 * time.Second
	defaultRestartDelay    = 10 * time.Second
	defaultMaxRestartDelay = 5 * time.Minute
	defaultLiveTimeout     = time.Minute

	// returned from an UpdateInstance callback to skip a write
	// that would change nothing
	errUnchanged = errors.New("unchanged")
)

// A Planner maps pending instances onto workers, in creation order,
// whenever the store changes. It also keeps the number of instances
// of each model at the model's replica count, and returns crashed
// and lost instances to pending after a backoff delay.
//
// Only one Planner should run against a given store at a time (see
// store.LockPlanner).
type Planner struct {
	logger    logrus.FieldLogger
	store     store.Store
	ledger    *ledger.Ledger
	estimator *estimate.Estimator
	registry  *backend.Registry
	config    fleet.SchedulerConfig

	ctx     context.Context
	cancel  context.CancelFunc
	runOnce sync.Once
	stop    chan struct{}
	stopped chan struct{}
	wakeup  *time.Timer

	mtx sync.Mutex
	// instance ID -> cluster fingerprint when placement failed for
	// lack of a compatible worker
	blocked map[string]string
	// next time a backoff delay expires
	nextWake time.Time

	mInstancesPending       prometheus.Gauge
	mInstancesUnschedulable prometheus.Gauge
	mPlanningCycle          prometheus.Histogram
	mInstancesScheduled     prometheus.Counter
	mRestarts               prometheus.Counter
}

// New returns a new unstarted Planner.
func New(ctx context.Context, st store.Store, led *ledger.Ledger, est *estimate.Estimator, reg *backend.Registry, cfg fleet.SchedulerConfig, promReg *prometheus.Registry) *Planner {
	ctx, cancel := context.WithCancel(ctx)
	p := &Planner{
		logger:    ctxlog.FromContext(ctx),
		store:     st,
		ledger:    led,
		estimator: est,
		registry:  reg,
		config:    cfg,
		ctx:       ctx,
		cancel:    cancel,
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
		wakeup:    time.NewTimer(time.Second),
		blocked:   map[string]string{},
	}
	p.registerMetrics(promReg)
	return p
}

func (p *Planner) registerMetrics(reg *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	p.mInstancesPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Subsystem: "dispatchgpu",
		Name:      "instances_pending",
		Help:      "Number of model instances waiting to be placed.",
	})
	reg.MustRegister(p.mInstancesPending)
	p.mInstancesUnschedulable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gpufleet",
		Subsystem: "dispatchgpu",
		Name:      "instances_unschedulable",
		Help:      "Number of pending model instances that did not fit on any worker in the last planning cycle.",
	})
	reg.MustRegister(p.mInstancesUnschedulable)
	p.mPlanningCycle = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gpufleet",
		Subsystem: "dispatchgpu",
		Name:      "planning_cycle_seconds",
		Help:      "Time taken by one planning cycle.",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	})
	reg.MustRegister(p.mPlanningCycle)
	p.mInstancesScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "dispatchgpu",
		Name:      "instances_scheduled_total",
		Help:      "Number of model instances placed on a worker.",
	})
	reg.MustRegister(p.mInstancesScheduled)
	p.mRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gpufleet",
		Subsystem: "dispatchgpu",
		Name:      "instances_restarted_total",
		Help:      "Number of crashed or lost model instances returned to pending.",
	})
	reg.MustRegister(p.mRestarts)
}

// Start starts the planner.
func (p *Planner) Start() {
	go p.runOnce.Do(p.run)
}

// Stop stops the planner. No other method should be called after
// Stop.
func (p *Planner) Stop() {
	p.cancel()
	close(p.stop)
	<-p.stopped
}

func (p *Planner) run() {
	defer close(p.stopped)

	notify := p.store.Subscribe()
	defer p.store.Unsubscribe(notify)

	poll := time.NewTicker(p.config.PollInterval.Or(defaultPollInterval))
	defer poll.Stop()

	for {
		p.runCycle(p.ctx)
		select {
		case <-p.stop:
			return
		case <-notify:
		case <-poll.C:
		case <-p.wakeup.C:
		}
	}
}

// runCycle brings replica counts up to date, recovers failed and
// orphaned instances, and places pending instances.
func (p *Planner) runCycle(ctx context.Context) {
	t0 := time.Now()
	defer func() { p.mPlanningCycle.Observe(time.Since(t0).Seconds()) }()

	p.mtx.Lock()
	p.nextWake = time.Time{}
	p.mtx.Unlock()

	if err := p.syncReplicas(ctx); err != nil {
		p.logger.WithError(err).Warn("error syncing replica counts")
	}
	if err := p.recover(ctx); err != nil {
		p.logger.WithError(err).Warn("error recovering instances")
	}
	if err := p.placePending(ctx); err != nil {
		p.logger.WithError(err).Warn("error placing pending instances")
	}

	p.mtx.Lock()
	if !p.nextWake.IsZero() {
		p.wakeup.Reset(time.Until(p.nextWake))
	}
	p.mtx.Unlock()
}

// wakeAt arranges for a planning cycle no later than t.
func (p *Planner) wakeAt(t time.Time) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	if p.nextWake.IsZero() || t.Before(p.nextWake) {
		p.nextWake = t
	}
}

func (p *Planner) liveTimeout() time.Duration {
	return p.config.WorkerHeartbeatTimeout.Or(defaultLiveTimeout)
}

// restartDelay returns the backoff before an instance that has been
// restarted n times is restarted again.
func (p *Planner) restartDelay(n int) time.Duration {
	delay := p.config.RestartDelay.Or(defaultRestartDelay)
	max := p.config.MaxRestartDelay.Or(defaultMaxRestartDelay)
	for i := 0; i < n && delay < max; i++ {
		delay *= 2
	}
	if delay > max {
		delay = max
	}
	return delay
}
