// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"sort"
	"time"
)

// Well known worker labels.
const (
	LabelOS   = "os"
	LabelArch = "arch"
)

// WorkerState indicates whether a worker is accepting instances.
type WorkerState string

const (
	WorkerStateReady       WorkerState = "ready"
	WorkerStateNotReady    WorkerState = "not_ready"
	WorkerStateUnreachable WorkerState = "unreachable"
)

// A GPUDevice is one accelerator on a worker. Index is stable within
// the worker.
type GPUDevice struct {
	Index int      `json:"index"`
	Name  string   `json:"name"`
	VRAM  ByteSize `json:"vram"`
}

// A Worker is a cluster node that can host model instances.
type Worker struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Labels      map[string]string `json:"labels"`
	RAM         ByteSize          `json:"ram"`
	GPUs        []GPUDevice       `json:"gpus"`
	State       WorkerState       `json:"state"`
	HeartbeatAt time.Time         `json:"heartbeat_at"`
}

// Live returns true if the worker is ready and has sent a heartbeat
// within the given timeout (a non-positive timeout disables the
// heartbeat check).
func (w Worker) Live(now time.Time, timeout time.Duration) bool {
	if w.State != WorkerStateReady {
		return false
	}
	return timeout <= 0 || now.Sub(w.HeartbeatAt) <= timeout
}

// GPU returns the device with the given index.
func (w Worker) GPU(index int) (GPUDevice, bool) {
	for _, gpu := range w.GPUs {
		if gpu.Index == index {
			return gpu, true
		}
	}
	return GPUDevice{}, false
}

// TotalVRAM returns the sum of all GPU capacities.
func (w Worker) TotalVRAM() int64 {
	var total int64
	for _, gpu := range w.GPUs {
		total += int64(gpu.VRAM)
	}
	return total
}

// Platform returns the worker's os/arch labels.
func (w Worker) Platform() Platform {
	return Platform{OS: w.Labels[LabelOS], Arch: w.Labels[LabelArch]}
}

// SortWorkers sorts workers by ascending ID.
func SortWorkers(workers []Worker) {
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
}

// A Platform is an os/arch pair using Go naming (linux, darwin,
// windows / amd64, arm64).
type Platform struct {
	OS   string `json:"os"`
	Arch string `json:"arch"`
}

func (p Platform) String() string {
	return p.OS + "/" + p.Arch
}

// Allocatable is the part of a worker's capacity that is not claimed
// by live instances.
type Allocatable struct {
	RAM  int64         `json:"ram"`
	VRAM map[int]int64 `json:"vram"`
}

// TotalVRAM returns the sum of allocatable VRAM over all GPUs.
func (a Allocatable) TotalVRAM() int64 {
	var total int64
	for _, v := range a.VRAM {
		total += v
	}
	return total
}
