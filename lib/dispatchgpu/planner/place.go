// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package planner

import (
	"fmt"
	"math/bits"
	"sort"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/estimate"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// A Candidate is a live worker with its allocatable resources.
type Candidate struct {
	Worker      fleet.Worker
	Allocatable fleet.Allocatable
}

// A Request is what Place needs to know about the instance being
// placed.
type Request struct {
	Requirements estimate.Requirements
	Backend      fleet.InferenceBackend
}

// A Placement is a worker and the claim to write for the instance.
// Message is recorded as the instance's state message (e.g., a
// partial offload warning).
type Placement struct {
	WorkerID string
	Claim    fleet.ResourceClaim
	Message  string
}

// CapacityError means no candidate has room for the instance. It
// reports the requirement and the resources of the best candidate,
// which is the one with the most allocatable VRAM on a single GPU.
type CapacityError struct {
	VRAM int64
	RAM  int64

	BestWorker   string
	BestGPUVRAM  int64
	BestVRAM     int64
	BestRAM      int64
	NoCandidates bool
}

func (e *CapacityError) Error() string {
	if e.NoCandidates {
		return fmt.Sprintf("No live worker is available. The model needs %s VRAM and %s RAM.",
			ibytes(e.VRAM), ibytes(e.RAM))
	}
	return fmt.Sprintf("No worker has enough allocatable resources. The model needs %s VRAM and %s RAM; "+
		"the best available worker %s has %s VRAM on one GPU (%s on all GPUs) and %s RAM.",
		ibytes(e.VRAM), ibytes(e.RAM), e.BestWorker, ibytes(e.BestGPUVRAM), ibytes(e.BestVRAM), ibytes(e.BestRAM))
}

func ibytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return fleet.ByteSize(n).String()
}

// Place chooses a worker and GPUs for one instance. It tries, in
// order:
//
// A single GPU with room for every layer. The GPU with the smallest
// VRAM surplus wins; ties go to the lowest worker ID, then the
// lowest GPU index.
//
// If the backend supports multiple GPUs, the fewest GPUs of one
// worker whose combined VRAM covers the requirement, with VRAM
// claimed in proportion to each GPU's allocatable VRAM.
//
// If the backend supports partial offload and policy allows it, the
// largest number of layers (reduced in steps of policy.Step, not
// below policy.MinLayers) that fits on one GPU, with the remaining
// layers in host RAM. With MinLayers 0, a worker's RAM alone can
// host the model.
//
// Workers whose platform the backend does not support are not
// considered; if that leaves none, Place returns an
// *estimate.CompatibilityError. If nothing fits, it returns a
// *CapacityError.
//
// Place is deterministic: it depends only on its arguments, not on
// the order of candidates.
func Place(req Request, candidates []Candidate, policy fleet.PartialOffloadPolicy) (Placement, error) {
	rq := req.Requirements
	var compatible []Candidate
	for _, c := range candidates {
		if req.Backend.SupportsPlatform(c.Worker.Platform()) {
			compatible = append(compatible, c)
		}
	}
	if len(candidates) > 0 && len(compatible) == 0 {
		return Placement{}, &estimate.CompatibilityError{Message: estimate.PlatformMessage(req.Backend)}
	}
	sort.Slice(compatible, func(i, j int) bool { return compatible[i].Worker.ID < compatible[j].Worker.ID })

	if pl, ok := placeSingle(rq, compatible); ok {
		return pl, nil
	}
	if req.Backend.SupportsMultiGPU() {
		if pl, ok := placeSplit(rq, compatible); ok {
			return pl, nil
		}
	}
	if req.Backend.SupportsPartialOffload() && policy.Enable && rq.PerLayer > 0 && rq.TotalLayers > 0 {
		if pl, ok := placePartial(rq, compatible, policy); ok {
			return pl, nil
		}
	}
	return Placement{}, capacityError(rq, compatible)
}

// gpus returns the worker's GPU indexes in ascending order.
func gpus(w fleet.Worker) []int {
	idx := make([]int, 0, len(w.GPUs))
	for _, gpu := range w.GPUs {
		idx = append(idx, gpu.Index)
	}
	sort.Ints(idx)
	return idx
}

func placeSingle(rq estimate.Requirements, candidates []Candidate) (Placement, bool) {
	var best Placement
	var bestSurplus int64
	found := false
	for _, c := range candidates {
		if c.Allocatable.RAM < rq.RAM {
			continue
		}
		for _, idx := range gpus(c.Worker) {
			avail := c.Allocatable.VRAM[idx]
			if avail < rq.VRAM {
				continue
			}
			if surplus := avail - rq.VRAM; !found || surplus < bestSurplus {
				found, bestSurplus = true, surplus
				best = Placement{
					WorkerID: c.Worker.ID,
					Claim: fleet.ResourceClaim{
						RAM:           rq.RAM,
						VRAM:          map[int]int64{idx: rq.VRAM},
						OffloadLayers: rq.TotalLayers,
						TotalLayers:   rq.TotalLayers,
					},
				}
			}
		}
	}
	return best, found
}

func placeSplit(rq estimate.Requirements, candidates []Candidate) (Placement, bool) {
	var best Placement
	var bestCount int
	var bestSurplus int64
	found := false
	for _, c := range candidates {
		if c.Allocatable.RAM < rq.RAM {
			continue
		}
		var usable []int
		for _, idx := range gpus(c.Worker) {
			if c.Allocatable.VRAM[idx] > 0 {
				usable = append(usable, idx)
			}
		}
		// largest first, so the prefix that covers the
		// requirement is as short as possible
		sort.SliceStable(usable, func(i, j int) bool {
			return c.Allocatable.VRAM[usable[i]] > c.Allocatable.VRAM[usable[j]]
		})
		var sum int64
		for n, idx := range usable {
			sum += c.Allocatable.VRAM[idx]
			if sum < rq.VRAM {
				continue
			}
			if n+1 < 2 {
				// single GPU placement would have
				// found this
				break
			}
			surplus := sum - rq.VRAM
			if !found || n+1 < bestCount || n+1 == bestCount && surplus < bestSurplus {
				found, bestCount, bestSurplus = true, n+1, surplus
				best = Placement{
					WorkerID: c.Worker.ID,
					Claim: fleet.ResourceClaim{
						RAM:           rq.RAM,
						VRAM:          proportional(rq.VRAM, usable[:n+1], c.Allocatable.VRAM),
						OffloadLayers: rq.TotalLayers,
						TotalLayers:   rq.TotalLayers,
						TensorSplit:   true,
					},
				}
			}
			break
		}
	}
	return best, found
}

// proportional divides need among the given GPUs in proportion to
// their allocatable VRAM. The shares add up to need exactly, and no
// share exceeds its GPU's allocatable VRAM.
func proportional(need int64, idxs []int, avail map[int]int64) map[int]int64 {
	sorted := append([]int(nil), idxs...)
	sort.Ints(sorted)
	var total int64
	for _, idx := range sorted {
		total += avail[idx]
	}
	shares := make(map[int]int64, len(sorted))
	var assigned int64
	for _, idx := range sorted {
		hi, lo := bits.Mul64(uint64(need), uint64(avail[idx]))
		q, _ := bits.Div64(hi, lo, uint64(total))
		shares[idx] = int64(q)
		assigned += int64(q)
	}
	// rounding leaves less than one byte per GPU
	for _, idx := range sorted {
		if assigned == need {
			break
		}
		shares[idx]++
		assigned++
	}
	return shares
}

type offloadOption struct {
	workerID string
	gpu      int // -1 for RAM only
	layers   int
	vram     int64
	ram      int64
	surplus  int64
}

func (o offloadOption) better(than offloadOption) bool {
	if o.layers != than.layers {
		return o.layers > than.layers
	}
	return o.surplus < than.surplus
}

func placePartial(rq estimate.Requirements, candidates []Candidate, policy fleet.PartialOffloadPolicy) (Placement, bool) {
	step := policy.Step
	if step < 1 {
		step = 1
	}
	minLayers := policy.MinLayers
	if minLayers < 0 {
		minLayers = 0
	}
	total := rq.TotalLayers
	var best offloadOption
	found := false
	consider := func(o offloadOption) {
		if !found || o.better(best) {
			found, best = true, o
		}
	}
	for _, c := range candidates {
		for _, idx := range gpus(c.Worker) {
			avail := c.Allocatable.VRAM[idx]
			if avail <= rq.Overhead {
				continue
			}
			fit := int((avail - rq.Overhead) / rq.PerLayer)
			if fit >= total {
				fit = total - 1
			}
			// remove whole steps from the full layer count
			k := (total - fit + step - 1) / step
			n := total - k*step
			if n < minLayers || n < 1 {
				continue
			}
			vram := rq.Overhead + int64(n)*rq.PerLayer
			ram := rq.RAM + int64(total-n)*rq.PerLayer
			if ram > c.Allocatable.RAM {
				continue
			}
			consider(offloadOption{workerID: c.Worker.ID, gpu: idx, layers: n, vram: vram, ram: ram, surplus: avail - vram})
		}
		if minLayers == 0 {
			ram := rq.RAM + rq.Overhead + int64(total)*rq.PerLayer
			if ram <= c.Allocatable.RAM {
				consider(offloadOption{workerID: c.Worker.ID, gpu: -1, ram: ram, surplus: c.Allocatable.RAM - ram})
			}
		}
	}
	if !found {
		return Placement{}, false
	}
	pl := Placement{
		WorkerID: best.workerID,
		Claim: fleet.ResourceClaim{
			RAM:           best.ram,
			OffloadLayers: best.layers,
			TotalLayers:   total,
		},
	}
	if best.gpu >= 0 {
		pl.Claim.VRAM = map[int]int64{best.gpu: best.vram}
		pl.Message = fmt.Sprintf("Partial offload: %d of %d layers on GPU %d, the rest in RAM. Inference will be slower.", best.layers, total, best.gpu)
	} else {
		pl.Message = fmt.Sprintf("No GPU has room for the model; running all %d layers in RAM. Inference will be much slower.", total)
	}
	return pl, true
}

func capacityError(rq estimate.Requirements, candidates []Candidate) *CapacityError {
	ce := &CapacityError{VRAM: rq.VRAM, RAM: rq.RAM}
	if len(candidates) == 0 {
		ce.NoCandidates = true
		return ce
	}
	found := false
	for _, c := range candidates {
		var gpuMax int64
		for _, v := range c.Allocatable.VRAM {
			if v > gpuMax {
				gpuMax = v
			}
		}
		total := c.Allocatable.TotalVRAM()
		if found && (gpuMax < ce.BestGPUVRAM ||
			gpuMax == ce.BestGPUVRAM && (total < ce.BestVRAM ||
				total == ce.BestVRAM && c.Allocatable.RAM <= ce.BestRAM)) {
			continue
		}
		found = true
		ce.BestWorker = c.Worker.ID
		ce.BestGPUVRAM = gpuMax
		ce.BestVRAM = total
		ce.BestRAM = c.Allocatable.RAM
	}
	return ce
}
