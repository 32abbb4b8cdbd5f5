// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/estimate"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/ledger"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// Number of times placement is retried when a claim loses a race
// with another writer on the same worker.
var claimAttempts = 3

// placePending tries to place every pending instance, oldest first.
// Placement failures are recorded in the instance's state message;
// they never stop the cycle.
func (p *Planner) placePending(ctx context.Context) error {
	pending, err := p.store.Instances(ctx, store.InstanceFilter{States: []fleet.InstanceState{fleet.InstanceStatePending}})
	if err != nil {
		return err
	}
	p.mInstancesPending.Set(float64(len(pending)))
	p.forgetBlocked(pending)
	if len(pending) == 0 {
		p.mInstancesUnschedulable.Set(0)
		return nil
	}
	snap, err := p.ledger.Snapshot(ctx, p.liveTimeout())
	if err != nil {
		return fmt.Errorf("reading cluster state: %w", err)
	}
	candidates := make([]Candidate, 0, len(snap.Workers))
	for _, w := range snap.Workers {
		candidates = append(candidates, Candidate{Worker: w, Allocatable: snap.Allocatable[w.ID]})
	}
	platforms := strings.Join(estimate.SortedPlatforms(snap), ",")

	p.logger.WithFields(logrus.Fields{
		"Pending": len(pending),
		"Workers": len(candidates),
	}).Debug("placePending")

	unschedulable := 0
	for _, mi := range pending {
		if mi.StopRequested {
			// recover() will stop it
			continue
		}
		if !p.placeOne(ctx, mi, candidates, platforms) {
			unschedulable++
		}
	}
	p.mInstancesUnschedulable.Set(float64(unschedulable))
	return nil
}

// placeOne tries to place one pending instance, and returns false if
// it remains pending. Successful claims are subtracted from
// candidates.
func (p *Planner) placeOne(ctx context.Context, mi fleet.ModelInstance, candidates []Candidate, platforms string) bool {
	logger := p.logger.WithFields(logrus.Fields{
		"InstanceID": mi.ID,
		"ModelID":    mi.ModelID,
	})
	m, err := p.store.Model(ctx, mi.ModelID)
	if err != nil {
		logger.WithError(err).Warn("cannot load model for pending instance")
		return false
	}
	logger = logger.WithFields(logrus.Fields{"Model": m.Name, "Backend": m.Backend})

	b, _, err := p.registry.Resolve(m)
	fingerprint := platforms + "|" + backendFingerprint(b, err == nil)
	if p.isBlocked(mi.ID, fingerprint) {
		return false
	}
	if err != nil {
		p.block(mi.ID, fingerprint)
		p.setMessage(ctx, logger, mi.ID, fmt.Sprintf("Cannot place instance: %s.", err))
		return false
	}

	req := Request{Requirements: p.estimator.Requirements(m), Backend: b}
	policy := p.config.PartialOffload
	for attempt := 1; ; attempt++ {
		pl, err := Place(req, candidates, policy)
		var compatErr *estimate.CompatibilityError
		if errors.As(err, &compatErr) {
			p.block(mi.ID, fingerprint)
			logger.WithField("Reason", compatErr.Message).Info("no compatible worker")
			p.setMessage(ctx, logger, mi.ID, compatErr.Message)
			return false
		} else if err != nil {
			logger.WithError(err).Debug("instance does not fit")
			p.setMessage(ctx, logger, mi.ID, err.Error())
			return false
		}

		placed, err := p.ledger.Claim(ctx, ledger.ClaimRequest{
			InstanceID: mi.ID,
			WorkerID:   pl.WorkerID,
			Claim:      pl.Claim,
			Message:    pl.Message,
		})
		if errors.Is(err, ledger.ErrInsufficient) && attempt < claimAttempts {
			// someone else claimed resources on this worker
			// since the snapshot; refresh and try again
			logger.WithError(err).Info("claim lost a race, retrying")
			p.refresh(ctx, candidates, pl.WorkerID)
			continue
		} else if errors.Is(err, ledger.ErrNotPending) || errors.Is(err, store.ErrNotFound) {
			return true
		} else if err != nil {
			logger.WithError(err).Warn("error writing claim")
			return false
		}
		p.mInstancesScheduled.Inc()
		subtract(candidates, pl.WorkerID, pl.Claim)
		logger.WithFields(logrus.Fields{
			"WorkerID":      placed.WorkerID,
			"GPUIndexes":    placed.GPUIndexes,
			"RAM":           placed.ComputedResourceClaim.RAM,
			"VRAM":          placed.ComputedResourceClaim.TotalVRAM(),
			"OffloadLayers": placed.ComputedResourceClaim.OffloadLayers,
			"TotalLayers":   placed.ComputedResourceClaim.TotalLayers,
		}).Info("instance scheduled")
		return true
	}
}

// setMessage records why an instance is still pending, if the reason
// has changed.
func (p *Planner) setMessage(ctx context.Context, logger logrus.FieldLogger, id, msg string) {
	_, err := p.store.UpdateInstance(ctx, id, func(mi *fleet.ModelInstance) error {
		if mi.State != fleet.InstanceStatePending || mi.StateMessage == msg {
			return errUnchanged
		}
		mi.StateMessage = msg
		return nil
	})
	if err != nil && !errors.Is(err, errUnchanged) && !errors.Is(err, store.ErrNotFound) {
		logger.WithError(err).Warn("error updating state message")
	}
}

// refresh re-reads the allocatable resources of one candidate.
func (p *Planner) refresh(ctx context.Context, candidates []Candidate, workerID string) {
	for i := range candidates {
		if candidates[i].Worker.ID != workerID {
			continue
		}
		alloc, err := p.ledger.AllocatableResources(ctx, candidates[i].Worker)
		if err != nil {
			p.logger.WithField("WorkerID", workerID).WithError(err).Warn("error refreshing allocatable resources")
			return
		}
		candidates[i].Allocatable = alloc
	}
}

// subtract deducts a new claim from a candidate's allocatable
// resources, so later instances in the same cycle see it.
func subtract(candidates []Candidate, workerID string, rc fleet.ResourceClaim) {
	for i := range candidates {
		if candidates[i].Worker.ID != workerID {
			continue
		}
		alloc := fleet.Allocatable{
			RAM:  candidates[i].Allocatable.RAM - rc.RAM,
			VRAM: make(map[int]int64, len(candidates[i].Allocatable.VRAM)),
		}
		for idx, v := range candidates[i].Allocatable.VRAM {
			alloc.VRAM[idx] = v - rc.VRAM[idx]
		}
		candidates[i].Allocatable = alloc
	}
}

// backendFingerprint changes whenever a registry change could make
// a compatibility-blocked instance placeable.
func backendFingerprint(b fleet.InferenceBackend, known bool) string {
	if !known {
		return "unknown"
	}
	var platforms []string
	for _, pl := range b.Platforms {
		platforms = append(platforms, pl.String())
	}
	sort.Strings(platforms)
	return string(b.Name) + ":" + strings.Join(platforms, ",")
}

func (p *Planner) isBlocked(id, fingerprint string) bool {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	fp, ok := p.blocked[id]
	if ok && fp != fingerprint {
		delete(p.blocked, id)
		return false
	}
	return ok
}

func (p *Planner) block(id, fingerprint string) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	p.blocked[id] = fingerprint
}

// forgetBlocked drops entries for instances that are no longer
// pending.
func (p *Planner) forgetBlocked(pending []fleet.ModelInstance) {
	p.mtx.Lock()
	defer p.mtx.Unlock()
	ids := make(map[string]bool, len(pending))
	for _, mi := range pending {
		ids[mi.ID] = true
	}
	for id := range p.blocked {
		if !ids[id] {
			delete(p.blocked, id)
		}
	}
}
