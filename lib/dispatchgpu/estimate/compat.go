// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package estimate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/ledger"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/sirupsen/logrus"
)

// Result is the outcome of a compatibility check. Message is empty
// when Compatible is true.
type Result struct {
	Compatible bool   `json:"compatible"`
	Message    string `json:"compatibility_message,omitempty"`
}

// CompatibilityError is returned when no worker could ever run a
// model, as opposed to there being no room for it right now.
type CompatibilityError struct {
	Message string
}

func (e *CompatibilityError) Error() string {
	return e.Message
}

var displayOS = map[string]string{
	"linux":   "Linux",
	"darwin":  "macOS",
	"windows": "Windows",
}

var displayBackend = map[fleet.BackendName]string{
	fleet.BackendVLLM:     "vLLM",
	fleet.BackendLlamaBox: "llama-box",
}

func describePlatform(p fleet.Platform) string {
	os := displayOS[p.OS]
	if os == "" {
		os = p.OS
	}
	article := "a"
	if p.Arch != "" && strings.ContainsAny(p.Arch[:1], "aeiou") {
		article = "an"
	}
	return fmt.Sprintf("%s %s %s worker", article, p.Arch, os)
}

// PlatformMessage explains that the backend needs a platform that no
// worker has.
func PlatformMessage(backend fleet.InferenceBackend) string {
	name := displayBackend[backend.Name]
	if name == "" {
		name = string(backend.Name)
	}
	var alts []string
	for _, p := range backend.Platforms {
		alts = append(alts, describePlatform(p))
	}
	return fmt.Sprintf("%s backend requires %s, but none is available.", name, strings.Join(alts, " or "))
}

// CheckCompatibility reports whether any worker in the snapshot can
// run the backend, and whether the model could fit in the cluster's
// total allocatable RAM plus VRAM. It is advisory: the planner makes
// the exact per-worker decision.
func (e *Estimator) CheckCompatibility(m fleet.Model, backend fleet.InferenceBackend, snap ledger.Snapshot) Result {
	if len(backend.Platforms) > 0 {
		ok := false
		for p := range snap.Platforms() {
			if backend.SupportsPlatform(p) {
				ok = true
				break
			}
		}
		if !ok {
			return Result{Message: PlatformMessage(backend)}
		}
	}
	if m.ParamSize > 0 && m.Quantization != "" {
		size := e.EstimateSize(m.ParamSize, m.Quantization)
		ram, vram := snap.TotalAllocatable()
		if size > ram+vram {
			return Result{Message: fmt.Sprintf("The model size is too large for the current setup. "+
				"Estimated size: %.1f GB (roughly). Allocatable RAM: %.1f GB, VRAM: %.1f GB.",
				fleet.ByteSize(size).GB(), fleet.ByteSize(ram).GB(), fleet.ByteSize(vram).GB())}
		}
	}
	return Result{Compatible: true}
}

// An Annotation is the compatibility of one model spec. Known is
// false if the cluster state could not be read in time.
type Annotation struct {
	Model string `json:"model"`
	Known bool   `json:"known"`
	Result
}

// A SnapshotSource provides the cluster state for compatibility
// checks, typically a *ledger.Ledger.
type SnapshotSource interface {
	Snapshot(ctx context.Context, liveTimeout time.Duration) (ledger.Snapshot, error)
}

// AnnotateSpecs checks each model spec against one cluster snapshot.
// Taking the snapshot is bounded by timeout; if it fails, every spec
// is returned with Known=false and no error.
func (e *Estimator) AnnotateSpecs(ctx context.Context, logger logrus.FieldLogger, src SnapshotSource, timeout time.Duration, specs []fleet.Model, lookup func(fleet.BackendName) (fleet.InferenceBackend, bool)) []Annotation {
	annotations := make([]Annotation, len(specs))
	for i, m := range specs {
		annotations[i].Model = m.Name
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	snap, err := src.Snapshot(sctx, 0)
	if err != nil {
		logger.WithError(err).Warn("cannot read cluster state for compatibility check")
		return annotations
	}
	for i, m := range specs {
		backend, ok := lookup(m.Backend)
		if !ok {
			backend = fleet.InferenceBackend{Name: m.Backend}
		}
		annotations[i].Known = true
		annotations[i].Result = e.CheckCompatibility(m, backend, snap)
	}
	return annotations
}

// SortedPlatforms lists the snapshot's platforms in a stable order,
// for messages and logs.
func SortedPlatforms(snap ledger.Snapshot) []string {
	var list []string
	for p := range snap.Platforms() {
		list = append(list, p.String())
	}
	sort.Strings(list)
	return list
}
