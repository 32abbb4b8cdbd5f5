// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package ledger computes the resources a worker has left after the
// claims of its live instances, and is the only writer of claims.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInsufficient means the worker no longer has room for the
	// claim, typically because a concurrent placement used it.
	ErrInsufficient = errors.New("insufficient allocatable resources")
	// ErrNotPending means the instance left the pending state
	// before the claim could be written.
	ErrNotPending = errors.New("instance is not pending")
)

type Ledger struct {
	store  store.Store
	logger logrus.FieldLogger
}

func New(st store.Store, logger logrus.FieldLogger) *Ledger {
	return &Ledger{store: st, logger: logger}
}

// Allocatable returns the worker's capacity minus the given live
// claims. A claim that cannot be parsed is logged and counted as
// zero. Claims on GPUs the worker no longer has are ignored.
// Allocatable amounts can be negative if the worker shrank.
func Allocatable(logger logrus.FieldLogger, w fleet.Worker, live []store.LiveClaim) fleet.Allocatable {
	alloc := fleet.Allocatable{
		RAM:  int64(w.RAM),
		VRAM: make(map[int]int64, len(w.GPUs)),
	}
	for _, gpu := range w.GPUs {
		alloc.VRAM[gpu.Index] = int64(gpu.VRAM)
	}
	for _, lc := range live {
		rc, err := fleet.ParseResourceClaim(lc.Raw)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"WorkerID":   w.ID,
				"InstanceID": lc.InstanceID,
			}).WithError(err).Warn("ignoring unreadable resource claim")
			continue
		} else if rc == nil {
			continue
		}
		alloc.RAM -= rc.RAM
		for idx, v := range rc.VRAM {
			if _, ok := alloc.VRAM[idx]; ok {
				alloc.VRAM[idx] -= v
			}
		}
	}
	return alloc
}

// AllocatableResources returns the worker's current allocatable RAM
// and per-GPU VRAM.
func (l *Ledger) AllocatableResources(ctx context.Context, w fleet.Worker) (fleet.Allocatable, error) {
	live, err := l.store.LiveClaims(ctx, w.ID)
	if err != nil {
		return fleet.Allocatable{}, fmt.Errorf("live claims on worker %s: %w", w.ID, err)
	}
	return Allocatable(l.logger, w, live), nil
}

// A ClaimRequest asks to place a pending instance on a worker.
type ClaimRequest struct {
	InstanceID string
	WorkerID   string
	Claim      fleet.ResourceClaim
	// State message recorded with the transition to scheduled,
	// e.g., a partial offload warning.
	Message string
}

// Claim re-checks the fit against the worker's current live claims
// and, if it still fits, writes the claim and the worker/GPU
// assignment and moves the instance to scheduled, all in one
// critical section of the worker.
func (l *Ledger) Claim(ctx context.Context, req ClaimRequest) (fleet.ModelInstance, error) {
	return l.store.ClaimTx(ctx, req.WorkerID, req.InstanceID, func(w fleet.Worker, live []store.LiveClaim, mi *fleet.ModelInstance) error {
		if mi.State != fleet.InstanceStatePending {
			return fmt.Errorf("%w (state is %s)", ErrNotPending, mi.State)
		}
		if err := Fits(Allocatable(l.logger, w, live), w, req.Claim); err != nil {
			return err
		}
		if err := mi.Transition(fleet.InstanceStateScheduled, req.Message); err != nil {
			return err
		}
		claim := req.Claim
		claim.VRAM = make(map[int]int64, len(req.Claim.VRAM))
		for idx, v := range req.Claim.VRAM {
			claim.VRAM[idx] = v
		}
		mi.WorkerID = w.ID
		mi.GPUIndexes = claim.GPUIndexes()
		if len(mi.GPUIndexes) == 0 {
			mi.GPUIndexes = nil
		}
		mi.ComputedResourceClaim = &claim
		return nil
	})
}

// Fits returns nil if the claim fits within alloc and references
// only GPUs the worker has, otherwise an error wrapping
// ErrInsufficient.
func Fits(alloc fleet.Allocatable, w fleet.Worker, rc fleet.ResourceClaim) error {
	if rc.RAM > alloc.RAM {
		return fmt.Errorf("%w: need %s RAM, %s allocatable on worker %s", ErrInsufficient,
			humanize.IBytes(uint64(rc.RAM)), ibytes(alloc.RAM), w.ID)
	}
	for idx, v := range rc.VRAM {
		if _, ok := w.GPU(idx); !ok {
			return fmt.Errorf("%w: worker %s has no GPU %d", ErrInsufficient, w.ID, idx)
		}
		if v > alloc.VRAM[idx] {
			return fmt.Errorf("%w: need %s VRAM on GPU %d, %s allocatable on worker %s", ErrInsufficient,
				humanize.IBytes(uint64(v)), idx, ibytes(alloc.VRAM[idx]), w.ID)
		}
	}
	return nil
}

// Release moves the instance to pending, error or stopped, which
// clears its claim in the same write.
func (l *Ledger) Release(ctx context.Context, instanceID string, to fleet.InstanceState, message string) (fleet.ModelInstance, error) {
	if to.HoldsClaim() {
		return fleet.ModelInstance{}, fmt.Errorf("%w: cannot release into state %s", fleet.ErrInvalidTransition, to)
	}
	return l.store.UpdateInstance(ctx, instanceID, func(mi *fleet.ModelInstance) error {
		return mi.Transition(to, message)
	})
}

// ClaimsByModel returns the sum of live claims per model. If the
// store cannot aggregate (e.g., a stored claim is not valid JSON
// for the database's JSON functions) the sums are computed here
// from the readable claims.
func (l *Ledger) ClaimsByModel(ctx context.Context) (map[string]store.ModelClaims, error) {
	sums, err := l.store.ClaimsByModel(ctx)
	if err == nil {
		return sums, nil
	}
	l.logger.WithError(err).Warn("store could not aggregate claims, summing instance records instead")
	instances, err := l.store.Instances(ctx, store.InstanceFilter{States: []fleet.InstanceState{
		fleet.InstanceStateScheduled, fleet.InstanceStateStarting, fleet.InstanceStateRunning,
	}})
	if err != nil {
		return nil, err
	}
	sums = map[string]store.ModelClaims{}
	for _, mi := range instances {
		if mi.ComputedResourceClaim == nil {
			continue
		}
		sum := sums[mi.ModelID]
		sum.ModelID = mi.ModelID
		sum.Instances++
		sum.RAM += mi.ComputedResourceClaim.RAM
		sum.VRAM += mi.ComputedResourceClaim.TotalVRAM()
		sums[mi.ModelID] = sum
	}
	return sums, nil
}

func ibytes(n int64) string {
	return fleet.ByteSize(n).String()
}
