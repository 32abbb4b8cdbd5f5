// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package dispatchgpu runs the placement planner (and optionally a
// worker agent) against the configured store, and serves the
// management API.
package dispatchgpu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/config"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/estimate"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/ledger"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/planner"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/supervisor"
	"git.gpufleet.org/gpufleet.git/sdk/go/auth"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	defaultDBPollInterval   = 2 * time.Second
	defaultSnapshotTimeout  = 10 * time.Second
	lockCheckInterval       = 10 * time.Second
	defaultHealthCheckDelay = 5 * time.Second
)

type dispatcher struct {
	Cluster  *fleet.Cluster
	Context  context.Context
	Registry *prometheus.Registry
	Store    store.Store

	// close Store when the dispatcher stops
	ownStore bool

	logger      logrus.FieldLogger
	backends    *backend.Registry
	ledger      *ledger.Ledger
	estimator   *estimate.Estimator
	agent       *supervisor.Agent
	locker      *store.DBLocker
	httpHandler http.Handler
	initErr     error

	// guards Cluster.Backends and Cluster.Models while reloading
	configMtx sync.Mutex

	setupOnce sync.Once
	stop      chan struct{}
	stopped   chan struct{}
}

// Start starts the dispatcher. Start can be called multiple times
// with no ill effect.
func (disp *dispatcher) Start() {
	disp.setupOnce.Do(disp.setup)
}

// ServeHTTP implements service.Handler.
func (disp *dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	disp.Start()
	disp.httpHandler.ServeHTTP(w, r)
}

// CheckHealth implements service.Handler.
func (disp *dispatcher) CheckHealth() error {
	disp.Start()
	if disp.initErr != nil {
		return disp.initErr
	}
	ctx, cancel := context.WithTimeout(disp.Context, defaultHealthCheckDelay)
	defer cancel()
	if err := disp.Store.Ping(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

// Done implements service.Handler.
func (disp *dispatcher) Done() <-chan struct{} {
	return disp.stopped
}

// ReloadConfig implements service.Reloader. Changes to the backend
// registry and model list take effect immediately; other changes
// need a restart.
func (disp *dispatcher) ReloadConfig(cc *fleet.Cluster) {
	disp.Start()
	disp.configMtx.Lock()
	disp.Cluster.Backends = cc.Backends
	disp.Cluster.Models = cc.Models
	disp.configMtx.Unlock()
	ctx, cancel := context.WithTimeout(disp.Context, time.Minute)
	defer cancel()
	if err := disp.loadConfigState(ctx); err != nil {
		disp.logger.WithError(err).Error("error applying reloaded config")
		return
	}
	disp.logger.Info("applied reloaded backend registry and model list")
}

// Stop dispatching and release resources. Typically used in tests.
func (disp *dispatcher) Close() {
	disp.Start()
	select {
	case disp.stop <- struct{}{}:
	default:
	}
	<-disp.stopped
}

func (disp *dispatcher) setup() {
	disp.initialize()
	go disp.run()
}

func (disp *dispatcher) initialize() {
	disp.logger = ctxlog.FromContext(disp.Context)
	disp.stop = make(chan struct{}, 1)
	disp.stopped = make(chan struct{})
	disp.backends = backend.NewRegistry()
	disp.ledger = ledger.New(disp.Store, disp.logger)

	ss, _ := disp.Store.(*store.SQLStore)
	disp.locker = ss.Locker(store.LockPlanner)

	disp.estimator, disp.initErr = estimate.New(disp.Cluster.Estimator)
	if disp.initErr == nil {
		disp.initErr = disp.loadConfigState(disp.Context)
	}
	if disp.initErr == nil && disp.Cluster.Supervisor.InProcess {
		disp.agent, disp.initErr = supervisor.New(disp.Context, disp.Store, disp.backends, disp.Cluster.Supervisor, disp.Registry)
	}
	if disp.initErr != nil {
		disp.logger.WithError(disp.initErr).Error("dispatcher initialization failed")
	}

	if disp.Cluster.ManagementToken == "" {
		disp.httpHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "Management API authentication is not configured", http.StatusForbidden)
		})
	} else {
		mux := httprouter.New()
		mux.HandlerFunc("GET", "/gpufleet/v1/dispatch/instances", disp.apiInstances)
		mux.HandlerFunc("POST", "/gpufleet/v1/dispatch/instances/stop", disp.apiInstanceStop)
		mux.HandlerFunc("POST", "/gpufleet/v1/dispatch/instances/reschedule", disp.apiInstanceReschedule)
		mux.HandlerFunc("GET", "/gpufleet/v1/dispatch/workers", disp.apiWorkers)
		mux.HandlerFunc("GET", "/gpufleet/v1/dispatch/claims", disp.apiClaims)
		mux.HandlerFunc("GET", "/gpufleet/v1/dispatch/compatibility", disp.apiCompatibility)
		mux.HandlerFunc("GET", "/gpufleet/v1/dispatch/backends", disp.apiBackends)
		disp.httpHandler = auth.RequireLiteralToken(disp.Cluster.ManagementToken, mux)
	}
}

// loadConfigState copies the configured backend registry entries and
// models into the store, removes stored models that are no longer
// configured, and rebuilds the in-memory backend registry.
func (disp *dispatcher) loadConfigState(ctx context.Context) error {
	disp.configMtx.Lock()
	entries := config.BackendEntries(disp.Cluster)
	models := disp.Cluster.Models
	disp.configMtx.Unlock()

	if err := disp.backends.Update(entries); err != nil {
		return fmt.Errorf("backend registry: %w", err)
	}
	for _, b := range entries {
		if err := disp.Store.PutBackend(ctx, b); err != nil {
			return fmt.Errorf("saving backend %s: %w", b.Name, err)
		}
	}
	stored, err := disp.Store.Models(ctx)
	if err != nil {
		return err
	}
	for _, m := range stored {
		if _, ok := models[m.ID]; ok {
			continue
		}
		if err := disp.Store.DeleteModel(ctx, m.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("deleting model %s: %w", m.ID, err)
		}
		disp.logger.WithField("ModelID", m.ID).Info("deleted model that is no longer configured")
	}
	for id, m := range models {
		m.ID = id
		if m.Name == "" {
			m.Name = id
		}
		if err := disp.Store.PutModel(ctx, m); err != nil {
			return fmt.Errorf("saving model %s: %w", id, err)
		}
	}
	return nil
}

func (disp *dispatcher) run() {
	defer close(disp.stopped)
	if disp.ownStore {
		defer disp.Store.Close()
	}
	if disp.initErr != nil {
		return
	}
	ctx, cancel := context.WithCancel(disp.Context)
	defer cancel()

	var wg sync.WaitGroup
	if disp.agent != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := disp.agent.Run(ctx); err != nil {
				disp.logger.WithError(err).Error("worker agent failed")
				disp.requestStop()
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if !disp.runPlanner(ctx) {
			disp.requestStop()
		}
	}()

	select {
	case <-disp.stop:
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
}

func (disp *dispatcher) requestStop() {
	select {
	case disp.stop <- struct{}{}:
	default:
	}
}

// runPlanner waits for the planner lock, then runs the planner until
// ctx is done (returning true) or the lock is lost (returning
// false).
func (disp *dispatcher) runPlanner(ctx context.Context) bool {
	disp.logger.Debug("waiting for planner lock")
	if !disp.locker.Lock(ctx) {
		return true
	}
	defer disp.locker.Unlock()
	disp.logger.Info("acquired planner lock, starting planner")

	p := planner.New(ctx, disp.Store, disp.ledger, disp.estimator, disp.backends, disp.Cluster.Scheduler, disp.Registry)
	p.Start()
	defer p.Stop()

	ticker := time.NewTicker(lockCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return true
		case <-ticker.C:
			if !disp.locker.Check(ctx) {
				disp.logger.Error("lost planner lock, shutting down")
				return false
			}
		}
	}
}

func (disp *dispatcher) snapshotTimeout() time.Duration {
	return disp.Cluster.Estimator.SnapshotTimeout.Or(defaultSnapshotTimeout)
}
