// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// syncReplicas creates or deletes instances so each model has as
// many instances as its replica count. When scaling down, instances
// that are not running are deleted first, newest first.
func (p *Planner) syncReplicas(ctx context.Context) error {
	models, err := p.store.Models(ctx)
	if err != nil {
		return err
	}
	instances, err := p.store.Instances(ctx, store.InstanceFilter{})
	if err != nil {
		return err
	}
	byModel := map[string][]fleet.ModelInstance{}
	for _, mi := range instances {
		byModel[mi.ModelID] = append(byModel[mi.ModelID], mi)
	}
	for _, m := range models {
		have := byModel[m.ID]
		logger := p.logger.WithFields(logrus.Fields{
			"ModelID":  m.ID,
			"Model":    m.Name,
			"Replicas": m.Replicas,
		})
		for n := len(have); n < m.Replicas; n++ {
			mi := fleet.ModelInstance{
				ID:        uuid.NewString(),
				ModelID:   m.ID,
				ModelName: m.Name,
				State:     fleet.InstanceStatePending,
			}
			if err := p.store.CreateInstance(ctx, mi); err != nil {
				return fmt.Errorf("creating instance of model %s: %w", m.ID, err)
			}
			logger.WithField("InstanceID", mi.ID).Info("created instance")
		}
		if len(have) <= m.Replicas {
			continue
		}
		sort.SliceStable(have, func(i, j int) bool {
			ri, rj := have[i].State.HoldsClaim(), have[j].State.HoldsClaim()
			if ri != rj {
				return !ri
			}
			return have[i].CreatedAt.After(have[j].CreatedAt)
		})
		for _, mi := range have[:len(have)-m.Replicas] {
			err := p.store.DeleteInstance(ctx, mi.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("deleting instance %s: %w", mi.ID, err)
			}
			logger.WithFields(logrus.Fields{
				"InstanceID": mi.ID,
				"State":      mi.State,
			}).Info("deleted surplus instance")
		}
	}
	return nil
}

// recover resolves instances that need the planner's attention
// outside the normal pending -> scheduled path:
//
// Instances holding a claim on a worker that is gone or not live
// are failed as lost (or stopped, if a stop was requested).
//
// Instances in error state after a crash or worker loss return to
// pending once their backoff delay has passed.
//
// Stop and reschedule requests on instances that no supervisor is
// running (pending, error, stopped) are carried out here.
func (p *Planner) recover(ctx context.Context) error {
	workers, err := p.store.Workers(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	live := map[string]bool{}
	for _, w := range workers {
		live[w.ID] = w.Live(now, p.liveTimeout())
	}
	instances, err := p.store.Instances(ctx, store.InstanceFilter{})
	if err != nil {
		return err
	}
	for _, mi := range instances {
		logger := p.logger.WithFields(logrus.Fields{
			"InstanceID": mi.ID,
			"WorkerID":   mi.WorkerID,
			"State":      mi.State,
		})
		var fn func(*fleet.ModelInstance) error
		switch {
		case mi.State.HoldsClaim() && !live[mi.WorkerID]:
			fn = func(mi *fleet.ModelInstance) error {
				if !mi.State.HoldsClaim() || live[mi.WorkerID] {
					return errUnchanged
				}
				if mi.StopRequested {
					return mi.Transition(fleet.InstanceStateStopped, "Stopped by request.")
				}
				return mi.Fail(fleet.FailureLost, fmt.Sprintf("Worker %s is not responding.", mi.WorkerID), now)
			}
		case mi.StopRequested && (mi.State == fleet.InstanceStatePending || mi.State == fleet.InstanceStateError):
			fn = func(mi *fleet.ModelInstance) error {
				if !mi.StopRequested || mi.State.HoldsClaim() || mi.State == fleet.InstanceStateStopped {
					return errUnchanged
				}
				mi.StopRequested = false
				return mi.Transition(fleet.InstanceStateStopped, "Stopped by request.")
			}
		case mi.RescheduleRequested && mi.State == fleet.InstanceStatePending:
			fn = func(mi *fleet.ModelInstance) error {
				if !mi.RescheduleRequested || mi.State != fleet.InstanceStatePending {
					return errUnchanged
				}
				mi.RescheduleRequested = false
				return nil
			}
		case mi.RescheduleRequested && (mi.State == fleet.InstanceStateError || mi.State == fleet.InstanceStateStopped):
			fn = func(mi *fleet.ModelInstance) error {
				if !mi.RescheduleRequested || mi.State.HoldsClaim() || mi.State == fleet.InstanceStatePending {
					return errUnchanged
				}
				mi.RestartCount = 0
				return mi.Transition(fleet.InstanceStatePending, "Rescheduled by request.")
			}
		case mi.State == fleet.InstanceStateError && mi.Failure.Retryable():
			due := mi.FailedAt.Add(p.restartDelay(mi.RestartCount))
			if now.Before(due) {
				p.wakeAt(due)
				continue
			}
			fn = func(mi *fleet.ModelInstance) error {
				if mi.State != fleet.InstanceStateError || !mi.Failure.Retryable() {
					return errUnchanged
				}
				msg := fmt.Sprintf("Restarting after %s: %s", mi.Failure, mi.StateMessage)
				mi.RestartCount++
				return mi.Transition(fleet.InstanceStatePending, msg)
			}
		default:
			continue
		}
		updated, err := p.store.UpdateInstance(ctx, mi.ID, fn)
		if errors.Is(err, errUnchanged) || errors.Is(err, store.ErrNotFound) {
			continue
		} else if err != nil {
			logger.WithError(err).Warn("error updating instance")
			continue
		}
		if updated.State == fleet.InstanceStatePending && mi.State == fleet.InstanceStateError && !mi.RescheduleRequested {
			p.mRestarts.Inc()
		}
		logger.WithFields(logrus.Fields{
			"NewState":     updated.State,
			"StateMessage": updated.StateMessage,
		}).Info("instance state changed")
	}
	return nil
}
