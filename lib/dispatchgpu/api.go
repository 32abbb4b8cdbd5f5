// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchgpu

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/estimate"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"git.gpufleet.org/gpufleet.git/sdk/go/httpserver"
)

// returned from an UpdateInstance callback when the request is
// already satisfied
var errNoop = errors.New("no change needed")

// WorkerView is a worker as reported by the management API.
type WorkerView struct {
	fleet.Worker
	Live        bool              `json:"live"`
	Allocatable fleet.Allocatable `json:"allocatable"`
	Instances   int               `json:"instances"`
}

// Management API: model instances, optionally filtered by model_id,
// worker_id and state.
func (disp *dispatcher) apiInstances(w http.ResponseWriter, r *http.Request) {
	filter := store.InstanceFilter{
		ModelID:  r.FormValue("model_id"),
		WorkerID: r.FormValue("worker_id"),
	}
	if state := r.FormValue("state"); state != "" {
		filter.States = []fleet.InstanceState{fleet.InstanceState(state)}
	}
	var resp struct {
		Items []fleet.ModelInstance `json:"items"`
	}
	var err error
	resp.Items, err = disp.Store.Instances(r.Context(), filter)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	if resp.Items == nil {
		resp.Items = []fleet.ModelInstance{}
	}
	writeJSON(w, resp)
}

// Management API: stop the specified instance. The supervisor (or,
// if no worker has the instance, the planner) terminates its
// backend process and moves it to the stopped state.
func (disp *dispatcher) apiInstanceStop(w http.ResponseWriter, r *http.Request) {
	disp.apiInstanceRequest(w, r, func(mi *fleet.ModelInstance) error {
		if mi.State == fleet.InstanceStateStopped || mi.StopRequested {
			return errNoop
		}
		mi.StopRequested = true
		mi.RescheduleRequested = false
		return nil
	})
}

// Management API: stop the specified instance if it is running, and
// return it to pending so the planner places it again.
func (disp *dispatcher) apiInstanceReschedule(w http.ResponseWriter, r *http.Request) {
	disp.apiInstanceRequest(w, r, func(mi *fleet.ModelInstance) error {
		if mi.State == fleet.InstanceStatePending || mi.RescheduleRequested {
			return errNoop
		}
		mi.RescheduleRequested = true
		mi.StopRequested = false
		return nil
	})
}

func (disp *dispatcher) apiInstanceRequest(w http.ResponseWriter, r *http.Request, fn func(*fleet.ModelInstance) error) {
	id := r.FormValue("instance_id")
	if id == "" {
		httpserver.Error(w, "instance_id parameter not provided", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	mi, err := disp.Store.UpdateInstance(ctx, id, fn)
	if errors.Is(err, errNoop) {
		mi, err = disp.Store.Instance(ctx, id)
	}
	if errors.Is(err, store.ErrNotFound) {
		httpserver.Error(w, err.Error(), http.StatusNotFound)
		return
	} else if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	ctxlog.FromContext(ctx).WithField("InstanceID", id).WithField("Path", r.URL.Path).Info("instance request via management API")
	writeJSON(w, mi)
}

// Management API: workers with their allocatable resources.
func (disp *dispatcher) apiWorkers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workers, err := disp.Store.Workers(ctx)
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	instances, err := disp.Store.Instances(ctx, store.InstanceFilter{})
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	count := map[string]int{}
	for _, mi := range instances {
		if mi.State.HoldsClaim() {
			count[mi.WorkerID]++
		}
	}
	fleet.SortWorkers(workers)
	now := time.Now()
	liveTimeout := disp.Cluster.Scheduler.WorkerHeartbeatTimeout.Or(time.Minute)
	var resp struct {
		Items []WorkerView `json:"items"`
	}
	resp.Items = []WorkerView{}
	for _, wkr := range workers {
		alloc, err := disp.ledger.AllocatableResources(ctx, wkr)
		if err != nil {
			httpserver.WriteError(w, err)
			return
		}
		resp.Items = append(resp.Items, WorkerView{
			Worker:      wkr,
			Live:        wkr.Live(now, liveTimeout),
			Allocatable: alloc,
			Instances:   count[wkr.ID],
		})
	}
	writeJSON(w, resp)
}

// Management API: RAM and VRAM claimed by each model's live
// instances.
func (disp *dispatcher) apiClaims(w http.ResponseWriter, r *http.Request) {
	claims, err := disp.ledger.ClaimsByModel(r.Context())
	if err != nil {
		httpserver.WriteError(w, err)
		return
	}
	var resp struct {
		Items []store.ModelClaims `json:"items"`
	}
	resp.Items = []store.ModelClaims{}
	for _, mc := range claims {
		resp.Items = append(resp.Items, mc)
	}
	sort.Slice(resp.Items, func(i, j int) bool { return resp.Items[i].ModelID < resp.Items[j].ModelID })
	writeJSON(w, resp)
}

// Management API: whether the configured models (or the one given
// by model_id) could run on the current workers.
func (disp *dispatcher) apiCompatibility(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var specs []fleet.Model
	if id := r.FormValue("model_id"); id != "" {
		m, err := disp.Store.Model(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			httpserver.Error(w, err.Error(), http.StatusNotFound)
			return
		} else if err != nil {
			httpserver.WriteError(w, err)
			return
		}
		specs = []fleet.Model{m}
	} else {
		var err error
		specs, err = disp.Store.Models(ctx)
		if err != nil {
			httpserver.WriteError(w, err)
			return
		}
	}
	var resp struct {
		Items []estimate.Annotation `json:"items"`
	}
	resp.Items = disp.estimator.AnnotateSpecs(ctx, ctxlog.FromContext(ctx), disp.ledger, disp.snapshotTimeout(), specs, disp.backends.Lookup)
	writeJSON(w, resp)
}

// Management API: backend registry entries in effect.
func (disp *dispatcher) apiBackends(w http.ResponseWriter, r *http.Request) {
	var resp struct {
		Items []fleet.InferenceBackend `json:"items"`
	}
	resp.Items = disp.backends.Entries()
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
