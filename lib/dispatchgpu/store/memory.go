// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

type memInstance struct {
	mi    fleet.ModelInstance // ComputedResourceClaim is always nil here
	claim []byte
}

// MemoryStore is a Store that keeps everything in process memory.
// Claims are kept in their serialized form, like a database row.
type MemoryStore struct {
	notifier
	mtx       sync.Mutex
	workers   map[string]fleet.Worker
	models    map[string]fleet.Model
	backends  map[fleet.BackendName]fleet.InferenceBackend
	instances map[string]*memInstance
	// Per-worker locks for ClaimTx. Held while fn runs, so fn may
	// call back into the store.
	workerLocks map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:     map[string]fleet.Worker{},
		models:      map[string]fleet.Model{},
		backends:    map[fleet.BackendName]fleet.InferenceBackend{},
		instances:   map[string]*memInstance{},
		workerLocks: map[string]*sync.Mutex{},
	}
}

func (ms *MemoryStore) Workers(context.Context) ([]fleet.Worker, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	workers := make([]fleet.Worker, 0, len(ms.workers))
	for _, w := range ms.workers {
		workers = append(workers, copyWorker(w))
	}
	fleet.SortWorkers(workers)
	return workers, nil
}

func (ms *MemoryStore) Worker(_ context.Context, id string) (fleet.Worker, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	w, ok := ms.workers[id]
	if !ok {
		return fleet.Worker{}, fmt.Errorf("worker %q: %w", id, ErrNotFound)
	}
	return copyWorker(w), nil
}

func (ms *MemoryStore) PutWorker(_ context.Context, w fleet.Worker) error {
	ms.mtx.Lock()
	ms.workers[w.ID] = copyWorker(w)
	ms.mtx.Unlock()
	ms.notify()
	return nil
}

func (ms *MemoryStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	w, ok := ms.workers[id]
	if !ok {
		return fmt.Errorf("worker %q: %w", id, ErrNotFound)
	}
	w.HeartbeatAt = at
	ms.workers[id] = w
	return nil
}

func (ms *MemoryStore) Models(context.Context) ([]fleet.Model, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	models := make([]fleet.Model, 0, len(ms.models))
	for _, m := range ms.models {
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func (ms *MemoryStore) Model(_ context.Context, id string) (fleet.Model, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	m, ok := ms.models[id]
	if !ok {
		return fleet.Model{}, fmt.Errorf("model %q: %w", id, ErrNotFound)
	}
	return m, nil
}

func (ms *MemoryStore) PutModel(_ context.Context, m fleet.Model) error {
	ms.mtx.Lock()
	now := time.Now()
	if old, ok := ms.models[m.ID]; ok {
		m.CreatedAt = old.CreatedAt
	} else if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	ms.models[m.ID] = m
	ms.mtx.Unlock()
	ms.notify()
	return nil
}

func (ms *MemoryStore) DeleteModel(_ context.Context, id string) error {
	ms.mtx.Lock()
	delete(ms.models, id)
	for iid, rec := range ms.instances {
		if rec.mi.ModelID == id {
			delete(ms.instances, iid)
		}
	}
	ms.mtx.Unlock()
	ms.notify()
	return nil
}

func (ms *MemoryStore) Backends(context.Context) ([]fleet.InferenceBackend, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var backends []fleet.InferenceBackend
	for _, b := range ms.backends {
		backends = append(backends, b)
	}
	sort.Slice(backends, func(i, j int) bool { return backends[i].Name < backends[j].Name })
	return backends, nil
}

func (ms *MemoryStore) PutBackend(_ context.Context, b fleet.InferenceBackend) error {
	ms.mtx.Lock()
	ms.backends[b.Name] = b
	ms.mtx.Unlock()
	ms.notify()
	return nil
}

func (ms *MemoryStore) Instances(_ context.Context, filter InstanceFilter) ([]fleet.ModelInstance, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	var list []fleet.ModelInstance
	for _, rec := range ms.instances {
		if filter.match(&rec.mi) {
			list = append(list, rec.load())
		}
	}
	sortInstances(list)
	return list, nil
}

func (ms *MemoryStore) Instance(_ context.Context, id string) (fleet.ModelInstance, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	rec, ok := ms.instances[id]
	if !ok {
		return fleet.ModelInstance{}, fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	return rec.load(), nil
}

func (ms *MemoryStore) CreateInstance(_ context.Context, mi fleet.ModelInstance) error {
	ms.mtx.Lock()
	if _, ok := ms.instances[mi.ID]; ok {
		ms.mtx.Unlock()
		return fmt.Errorf("instance %q: %w", mi.ID, ErrExists)
	}
	now := time.Now()
	if mi.CreatedAt.IsZero() {
		mi.CreatedAt = now
	}
	mi.UpdatedAt = now
	rec := &memInstance{}
	rec.save(mi, nil, true)
	ms.instances[mi.ID] = rec
	ms.mtx.Unlock()
	ms.notify()
	return nil
}

func (ms *MemoryStore) DeleteInstance(_ context.Context, id string) error {
	ms.mtx.Lock()
	_, ok := ms.instances[id]
	delete(ms.instances, id)
	ms.mtx.Unlock()
	if !ok {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	ms.notify()
	return nil
}

func (ms *MemoryStore) UpdateInstance(_ context.Context, id string, fn func(*fleet.ModelInstance) error) (fleet.ModelInstance, error) {
	ms.mtx.Lock()
	mi, err := ms.updateLocked(id, fn)
	ms.mtx.Unlock()
	if err == nil {
		ms.notify()
	}
	return mi, err
}

// Caller must have ms.mtx.
func (ms *MemoryStore) updateLocked(id string, fn func(*fleet.ModelInstance) error) (fleet.ModelInstance, error) {
	rec, ok := ms.instances[id]
	if !ok {
		return fleet.ModelInstance{}, fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	mi := rec.mi
	mi.GPUIndexes = append([]int(nil), rec.mi.GPUIndexes...)
	parsed := decodeClaim(&mi, rec.claim)
	if err := fn(&mi); err != nil {
		return fleet.ModelInstance{}, err
	}
	mi.ID = id
	mi.UpdatedAt = time.Now()
	rec.save(mi, rec.claim, parsed)
	return rec.load(), nil
}

func (ms *MemoryStore) LiveClaims(_ context.Context, workerID string) ([]LiveClaim, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	return ms.liveClaimsLocked(workerID, ""), nil
}

func (ms *MemoryStore) liveClaimsLocked(workerID, exclude string) []LiveClaim {
	var live []LiveClaim
	for id, rec := range ms.instances {
		if id == exclude || rec.mi.WorkerID != workerID || !rec.mi.State.HoldsClaim() {
			continue
		}
		live = append(live, LiveClaim{
			InstanceID: id,
			ModelID:    rec.mi.ModelID,
			State:      rec.mi.State,
			Raw:        append([]byte(nil), rec.claim...),
		})
	}
	sort.Slice(live, func(i, j int) bool { return live[i].InstanceID < live[j].InstanceID })
	return live
}

func (ms *MemoryStore) ClaimTx(_ context.Context, workerID, instanceID string, fn ClaimFunc) (fleet.ModelInstance, error) {
	ms.mtx.Lock()
	wlock, ok := ms.workerLocks[workerID]
	if !ok {
		wlock = &sync.Mutex{}
		ms.workerLocks[workerID] = wlock
	}
	ms.mtx.Unlock()

	wlock.Lock()
	defer wlock.Unlock()

	ms.mtx.Lock()
	w, ok := ms.workers[workerID]
	if !ok {
		ms.mtx.Unlock()
		return fleet.ModelInstance{}, fmt.Errorf("worker %q: %w", workerID, ErrNotFound)
	}
	w = copyWorker(w)
	live := ms.liveClaimsLocked(workerID, instanceID)
	mi, err := ms.updateLocked(instanceID, func(mi *fleet.ModelInstance) error {
		return fn(w, live, mi)
	})
	ms.mtx.Unlock()
	if err == nil {
		ms.notify()
	}
	return mi, err
}

func (ms *MemoryStore) ClaimsByModel(context.Context) (map[string]ModelClaims, error) {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	sums := map[string]ModelClaims{}
	for _, rec := range ms.instances {
		if !rec.mi.State.HoldsClaim() {
			continue
		}
		rc, err := fleet.ParseResourceClaim(rec.claim)
		if err != nil || rc == nil {
			continue
		}
		sum := sums[rec.mi.ModelID]
		sum.ModelID = rec.mi.ModelID
		sum.Instances++
		sum.RAM += rc.RAM
		sum.VRAM += rc.TotalVRAM()
		sums[rec.mi.ModelID] = sum
	}
	return sums, nil
}

// setRawClaim replaces an instance's stored claim document without
// validation.
func (ms *MemoryStore) setRawClaim(id string, raw []byte) error {
	ms.mtx.Lock()
	defer ms.mtx.Unlock()
	rec, ok := ms.instances[id]
	if !ok {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	rec.claim = append([]byte(nil), raw...)
	return nil
}

func (ms *MemoryStore) Ping(context.Context) error { return nil }

func (ms *MemoryStore) Close() error { return nil }

func (rec *memInstance) load() fleet.ModelInstance {
	mi := rec.mi
	mi.GPUIndexes = append([]int(nil), rec.mi.GPUIndexes...)
	if len(mi.GPUIndexes) == 0 {
		mi.GPUIndexes = nil
	}
	decodeClaim(&mi, rec.claim)
	return mi
}

func (rec *memInstance) save(mi fleet.ModelInstance, orig []byte, origParsed bool) {
	rec.claim = encodeClaim(&mi, orig, origParsed)
	mi.ComputedResourceClaim = nil
	mi.GPUIndexes = append([]int(nil), mi.GPUIndexes...)
	rec.mi = mi
}

func copyWorker(w fleet.Worker) fleet.Worker {
	labels := make(map[string]string, len(w.Labels))
	for k, v := range w.Labels {
		labels[k] = v
	}
	w.Labels = labels
	w.GPUs = append([]fleet.GPUDevice(nil), w.GPUs...)
	return w
}

func sortInstances(list []fleet.ModelInstance) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
