// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// InstanceState is a model instance's position in its lifecycle.
type InstanceState string

const (
	InstanceStatePending   InstanceState = "pending"
	InstanceStateScheduled InstanceState = "scheduled"
	InstanceStateStarting  InstanceState = "starting"
	InstanceStateRunning   InstanceState = "running"
	InstanceStateError     InstanceState = "error"
	InstanceStateStopped   InstanceState = "stopped"
)

// HoldsClaim returns true for states whose resource claim counts
// against worker capacity.
func (s InstanceState) HoldsClaim() bool {
	return s == InstanceStateScheduled || s == InstanceStateStarting || s == InstanceStateRunning
}

var transitions = map[InstanceState][]InstanceState{
	InstanceStatePending:   {InstanceStateScheduled, InstanceStateStopped},
	InstanceStateScheduled: {InstanceStateStarting, InstanceStateError, InstanceStateStopped, InstanceStatePending},
	InstanceStateStarting:  {InstanceStateRunning, InstanceStateError, InstanceStateStopped},
	InstanceStateRunning:   {InstanceStateError, InstanceStateStopped},
	InstanceStateError:     {InstanceStatePending, InstanceStateStopped},
	InstanceStateStopped:   {InstanceStatePending},
}

// ErrInvalidTransition is returned by Transition for a state change
// the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid instance state transition")

// CanTransition returns true if an instance may move from one state
// to the other.
func CanTransition(from, to InstanceState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// FailureKind records why an instance entered the error state. It
// decides whether the planner retries the instance on its own.
type FailureKind string

const (
	FailureNone   FailureKind = ""
	FailureLaunch FailureKind = "launch" // needs operator action
	FailureCrash  FailureKind = "crash"  // exited after reaching running
	FailureLost   FailureKind = "lost"   // worker stopped reporting
)

// Retryable returns true for failures the planner retries without
// operator action.
func (k FailureKind) Retryable() bool {
	return k == FailureCrash || k == FailureLost
}

// A ResourceClaim is the RAM and per-GPU VRAM reserved by a placed
// instance.
type ResourceClaim struct {
	RAM           int64         `json:"ram"`
	VRAM          map[int]int64 `json:"vram"`
	OffloadLayers int           `json:"offload_layers"`
	TotalLayers   int           `json:"total_layers"`
	TensorSplit   bool          `json:"tensor_split,omitempty"`
}

// TotalVRAM returns the sum of VRAM claimed on all GPUs.
func (rc ResourceClaim) TotalVRAM() int64 {
	var total int64
	for _, v := range rc.VRAM {
		total += v
	}
	return total
}

// GPUIndexes returns the claimed GPU indexes in ascending order.
func (rc ResourceClaim) GPUIndexes() []int {
	idx := make([]int, 0, len(rc.VRAM))
	for i := range rc.VRAM {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}

// ParseResourceClaim decodes and validates a stored claim. A nil or
// empty document (or JSON null) yields a nil claim.
func ParseResourceClaim(raw []byte) (*ResourceClaim, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var rc ResourceClaim
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, fmt.Errorf("malformed resource claim: %w", err)
	}
	if rc.RAM < 0 {
		return nil, fmt.Errorf("malformed resource claim: negative ram %d", rc.RAM)
	}
	for idx, v := range rc.VRAM {
		if idx < 0 || v < 0 {
			return nil, fmt.Errorf("malformed resource claim: vram[%d]=%d", idx, v)
		}
	}
	return &rc, nil
}

// A ModelInstance is one deployment attempt of a model.
type ModelInstance struct {
	ID                    string         `json:"id"`
	ModelID               string         `json:"model_id"`
	ModelName             string         `json:"model_name"`
	WorkerID              string         `json:"worker_id"`
	GPUIndexes            []int          `json:"gpu_indexes"`
	ComputedResourceClaim *ResourceClaim `json:"computed_resource_claim"`
	Port                  int            `json:"port"`
	State                 InstanceState  `json:"state"`
	StateMessage          string         `json:"state_message"`
	DownloadProgress      float64        `json:"download_progress"`
	DraftDownloadProgress float64        `json:"draft_model_download_progress"`
	ModelPath             string         `json:"model_path"`
	DraftModelPath        string         `json:"draft_model_path"`
	Attempt               int            `json:"attempt"`
	RestartCount          int            `json:"restart_count"`
	Failure               FailureKind    `json:"failure"`
	FailedAt              time.Time      `json:"failed_at"`
	StopRequested         bool           `json:"stop_requested"`
	RescheduleRequested   bool           `json:"reschedule_requested"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// DownloadsComplete returns true if every file the instance needs has
// been fetched.
func (mi *ModelInstance) DownloadsComplete(needDraft bool) bool {
	if mi.DownloadProgress < 1 {
		return false
	}
	return !needDraft || mi.DraftDownloadProgress >= 1
}

// Transition moves the instance to state "to" with the given message.
// Moving to pending, error or stopped releases the claim and GPU
// assignment; moving to scheduled starts a new attempt.
func (mi *ModelInstance) Transition(to InstanceState, message string) error {
	if !CanTransition(mi.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, mi.State, to)
	}
	mi.State = to
	mi.StateMessage = message
	switch to {
	case InstanceStateScheduled:
		mi.Attempt++
		mi.Failure = FailureNone
	case InstanceStatePending:
		mi.WorkerID = ""
		mi.release()
		mi.DownloadProgress = 0
		mi.DraftDownloadProgress = 0
		mi.StopRequested = false
		mi.RescheduleRequested = false
	case InstanceStateError, InstanceStateStopped:
		mi.release()
	}
	return nil
}

// Fail moves the instance to the error state and records the kind of
// failure.
func (mi *ModelInstance) Fail(kind FailureKind, message string, now time.Time) error {
	if err := mi.Transition(InstanceStateError, message); err != nil {
		return err
	}
	mi.Failure = kind
	mi.FailedAt = now
	return nil
}

func (mi *ModelInstance) release() {
	mi.ComputedResourceClaim = nil
	mi.GPUIndexes = nil
	mi.Port = 0
}
