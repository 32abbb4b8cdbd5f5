// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package ledger

import (
	"context"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// A Snapshot is a point-in-time view of the workers and their
// allocatable resources.
type Snapshot struct {
	Workers     []fleet.Worker
	Allocatable map[string]fleet.Allocatable
	TakenAt     time.Time
}

// Snapshot returns the current workers, sorted by ID, with their
// allocatable resources. If liveTimeout is non-zero, workers that
// are not ready or have not sent a heartbeat within liveTimeout are
// left out.
func (l *Ledger) Snapshot(ctx context.Context, liveTimeout time.Duration) (Snapshot, error) {
	workers, err := l.store.Workers(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	now := time.Now()
	snap := Snapshot{
		Allocatable: make(map[string]fleet.Allocatable, len(workers)),
		TakenAt:     now,
	}
	for _, w := range workers {
		if liveTimeout != 0 && !w.Live(now, liveTimeout) {
			continue
		}
		alloc, err := l.AllocatableResources(ctx, w)
		if err != nil {
			return Snapshot{}, err
		}
		snap.Workers = append(snap.Workers, w)
		snap.Allocatable[w.ID] = alloc
	}
	fleet.SortWorkers(snap.Workers)
	return snap, nil
}

// TotalAllocatable returns the sum of allocatable RAM and VRAM over
// all workers in the snapshot. Negative per-worker amounts count as
// zero.
func (snap Snapshot) TotalAllocatable() (ram, vram int64) {
	for _, w := range snap.Workers {
		alloc := snap.Allocatable[w.ID]
		if alloc.RAM > 0 {
			ram += alloc.RAM
		}
		for _, v := range alloc.VRAM {
			if v > 0 {
				vram += v
			}
		}
	}
	return
}

// Platforms returns the set of os/arch pairs advertised by the
// snapshot's workers.
func (snap Snapshot) Platforms() map[fleet.Platform]bool {
	platforms := map[fleet.Platform]bool{}
	for _, w := range snap.Workers {
		platforms[w.Platform()] = true
	}
	return platforms
}
