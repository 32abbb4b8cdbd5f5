// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchgpu

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"git.gpufleet.org/gpufleet.git/lib/cmd"
	"git.gpufleet.org/gpufleet.git/lib/config"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/supervisor"
	"git.gpufleet.org/gpufleet.git/lib/service"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"git.gpufleet.org/gpufleet.git/sdk/go/httpserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// WorkerAgentCommand runs a worker agent without a planner, against
// a database shared with a dispatch-gpu service on another host.
var WorkerAgentCommand cmd.Handler = service.Command(service.ServiceNameWorkerAgent, newAgentHandler)

func newAgentHandler(ctx context.Context, cluster *fleet.Cluster, token string, reg *prometheus.Registry) service.Handler {
	if cluster.Database.Driver == "memory" {
		return service.ErrorHandler(ctx, errors.New("worker-agent needs a database shared with dispatch-gpu, but Database.Driver is \"memory\""))
	}
	st, err := openStore(ctx, cluster)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	h, err := startAgent(ctx, cluster, st, reg)
	if err != nil {
		st.Close()
		return service.ErrorHandler(ctx, err)
	}
	go func() {
		<-h.done
		st.Close()
	}()
	return h
}

// agentHandler is the service.Handler for a standalone worker
// agent. Its only HTTP endpoints are the /metrics and /_health/ping
// endpoints provided by the service wrapper.
type agentHandler struct {
	ctx      context.Context
	logger   logrus.FieldLogger
	store    store.Store
	backends *backend.Registry
	agent    *supervisor.Agent

	mtx  sync.Mutex
	err  error
	done chan struct{}
}

func startAgent(ctx context.Context, cluster *fleet.Cluster, st store.Store, reg *prometheus.Registry) (*agentHandler, error) {
	h := &agentHandler{
		ctx:      ctx,
		logger:   ctxlog.FromContext(ctx),
		store:    st,
		backends: backend.NewRegistry(),
		done:     make(chan struct{}),
	}
	if err := h.backends.Update(config.BackendEntries(cluster)); err != nil {
		return nil, fmt.Errorf("backend registry: %w", err)
	}
	agent, err := supervisor.New(ctx, st, h.backends, cluster.Supervisor, reg)
	if err != nil {
		return nil, err
	}
	// Backends defined only in the dispatcher's config reach this
	// agent through the store.
	agent.SyncBackends(config.BackendEntries(cluster))
	h.agent = agent
	go func() {
		defer close(h.done)
		err := agent.Run(ctx)
		if err != nil {
			h.logger.WithError(err).Error("worker agent failed")
			h.mtx.Lock()
			h.err = err
			h.mtx.Unlock()
		}
	}()
	return h, nil
}

func (h *agentHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	httpserver.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
}

func (h *agentHandler) CheckHealth() error {
	h.mtx.Lock()
	err := h.err
	h.mtx.Unlock()
	if err != nil {
		return err
	}
	return h.store.Ping(h.ctx)
}

func (h *agentHandler) Done() <-chan struct{} {
	return h.done
}

// ReloadConfig implements service.Reloader.
func (h *agentHandler) ReloadConfig(cc *fleet.Cluster) {
	entries := config.BackendEntries(cc)
	if err := h.backends.Update(entries); err != nil {
		h.logger.WithError(err).Error("error applying reloaded backend registry")
		return
	}
	h.agent.SyncBackends(entries)
	h.logger.Info("applied reloaded backend registry")
}
