// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package store persists workers, models, backend registry entries
// and model instances, and provides the per-worker critical section
// in which resource claims are written.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

var (
	ErrNotFound = errors.New("not found")
	ErrExists   = errors.New("already exists")
)

// InstanceFilter selects instances in Instances(). Zero-valued
// fields match everything.
type InstanceFilter struct {
	WorkerID string
	ModelID  string
	States   []fleet.InstanceState
}

func (f InstanceFilter) match(mi *fleet.ModelInstance) bool {
	if f.WorkerID != "" && mi.WorkerID != f.WorkerID {
		return false
	}
	if f.ModelID != "" && mi.ModelID != f.ModelID {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if mi.State == s {
			return true
		}
	}
	return false
}

// A LiveClaim is the stored resource claim of an instance in a
// claim-holding state. Raw is the claim document exactly as stored,
// which might not parse.
type LiveClaim struct {
	InstanceID string
	ModelID    string
	State      fleet.InstanceState
	Raw        []byte
}

// ModelClaims is the sum of live claims held by one model's
// instances.
type ModelClaims struct {
	ModelID   string `json:"model_id" db:"model_id"`
	Instances int    `json:"instances" db:"instances"`
	RAM       int64  `json:"ram" db:"ram"`
	VRAM      int64  `json:"vram" db:"vram"`
}

// ClaimFunc is called by ClaimTx with the worker, the live claims of
// the worker's other instances, and the instance being placed. It
// modifies mi in place, or returns an error to abort the
// transaction.
type ClaimFunc func(worker fleet.Worker, live []LiveClaim, mi *fleet.ModelInstance) error

// A Store is the shared record of cluster state. All methods are
// safe to call concurrently.
type Store interface {
	Workers(context.Context) ([]fleet.Worker, error)
	Worker(ctx context.Context, id string) (fleet.Worker, error)
	// PutWorker creates or replaces a worker record.
	PutWorker(context.Context, fleet.Worker) error
	Heartbeat(ctx context.Context, id string, at time.Time) error

	Models(context.Context) ([]fleet.Model, error)
	Model(ctx context.Context, id string) (fleet.Model, error)
	PutModel(context.Context, fleet.Model) error
	// DeleteModel deletes the model and all of its instances.
	DeleteModel(ctx context.Context, id string) error

	Backends(context.Context) ([]fleet.InferenceBackend, error)
	PutBackend(context.Context, fleet.InferenceBackend) error

	// Instances returns matching instances ordered by creation
	// time, then ID.
	Instances(context.Context, InstanceFilter) ([]fleet.ModelInstance, error)
	Instance(ctx context.Context, id string) (fleet.ModelInstance, error)
	CreateInstance(context.Context, fleet.ModelInstance) error
	DeleteInstance(ctx context.Context, id string) error
	// UpdateInstance applies fn to the current record and saves
	// the result, as one atomic read-modify-write. If fn returns
	// an error, nothing is saved.
	UpdateInstance(ctx context.Context, id string, fn func(*fleet.ModelInstance) error) (fleet.ModelInstance, error)

	// LiveClaims returns the stored claims of the worker's
	// instances in claim-holding states.
	LiveClaims(ctx context.Context, workerID string) ([]LiveClaim, error)
	// ClaimTx runs fn in a critical section that excludes every
	// other ClaimTx on the same worker, and saves the modified
	// instance before the section ends.
	ClaimTx(ctx context.Context, workerID, instanceID string, fn ClaimFunc) (fleet.ModelInstance, error)
	// ClaimsByModel sums live claims per model.
	ClaimsByModel(context.Context) (map[string]ModelClaims, error)

	// Subscribe returns a channel that becomes ready to receive
	// when anything in the store changes.
	Subscribe() <-chan struct{}
	Unsubscribe(<-chan struct{})

	Ping(context.Context) error
	Close() error
}

// notifier implements Subscribe/Unsubscribe.
type notifier struct {
	mtx         sync.Mutex
	subscribers map[<-chan struct{}]chan struct{}
}

func (n *notifier) Subscribe() <-chan struct{} {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	if n.subscribers == nil {
		n.subscribers = map[<-chan struct{}]chan struct{}{}
	}
	ch := make(chan struct{}, 1)
	n.subscribers[ch] = ch
	return ch
}

func (n *notifier) Unsubscribe(ch <-chan struct{}) {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	delete(n.subscribers, ch)
}

func (n *notifier) notify() {
	n.mtx.Lock()
	defer n.mtx.Unlock()
	for _, ch := range n.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// encodeClaim returns the stored form of mi's claim. If the claim
// was unreadable when loaded (orig is non-nil but the parsed claim
// is nil) and the caller did not assign a new one, the original
// bytes are kept so they are still reported by LiveClaims.
func encodeClaim(mi *fleet.ModelInstance, orig []byte, origParsed bool) []byte {
	if mi.ComputedResourceClaim == nil {
		if mi.State.HoldsClaim() && len(orig) > 0 && !origParsed {
			return orig
		}
		return nil
	}
	buf, _ := json.Marshal(mi.ComputedResourceClaim)
	return buf
}

// decodeClaim sets mi's claim from the stored form, and reports
// whether raw was a readable claim.
func decodeClaim(mi *fleet.ModelInstance, raw []byte) bool {
	rc, err := fleet.ParseResourceClaim(raw)
	mi.ComputedResourceClaim = rc
	return err == nil
}
