// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package planner

import (
	"math/rand"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/estimate"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

const GiB = int64(fleet.GiB)

var _ = check.Suite(&PlaceSuite{})

type PlaceSuite struct {
	llamaBox fleet.InferenceBackend
	vllm     fleet.InferenceBackend
	policy   fleet.PartialOffloadPolicy
}

func (s *PlaceSuite) SetUpTest(c *check.C) {
	builtIn := backend.BuiltIn()
	s.llamaBox = builtIn[fleet.BackendLlamaBox]
	s.vllm = builtIn[fleet.BackendVLLM]
	s.policy = fleet.PartialOffloadPolicy{Enable: true, Step: 1, MinLayers: 1}
}

// candidate returns a linux/amd64 worker with the given RAM and GPU
// VRAM (GiB), all of it allocatable.
func candidate(id string, ram int64, vram ...int64) Candidate {
	return platformCandidate(id, "linux", "amd64", ram, vram...)
}

func platformCandidate(id, os, arch string, ram int64, vram ...int64) Candidate {
	c := Candidate{
		Worker: fleet.Worker{
			ID:     id,
			Labels: map[string]string{fleet.LabelOS: os, fleet.LabelArch: arch},
			RAM:    fleet.ByteSize(ram * GiB),
			State:  fleet.WorkerStateReady,
		},
		Allocatable: fleet.Allocatable{RAM: ram * GiB, VRAM: map[int]int64{}},
	}
	for i, v := range vram {
		c.Worker.GPUs = append(c.Worker.GPUs, fleet.GPUDevice{Index: i, Name: "NVIDIA GeForce RTX 4090", VRAM: fleet.ByteSize(v * GiB)})
		c.Allocatable.VRAM[i] = v * GiB
	}
	return c
}

func requirements(vram, ram int64) estimate.Requirements {
	return estimate.Requirements{
		VRAM:        vram,
		RAM:         ram,
		Overhead:    GiB,
		TotalLayers: 32,
		PerLayer:    (vram - GiB) / 32,
	}
}

func (s *PlaceSuite) TestSingleGPU(c *check.C) {
	pl, err := Place(Request{Requirements: requirements(16*GiB, 4*GiB), Backend: s.llamaBox}, []Candidate{candidate("w1", 64, 24)}, s.policy)
	c.Assert(err, check.IsNil)
	c.Check(pl.WorkerID, check.Equals, "w1")
	c.Check(pl.Claim, check.DeepEquals, fleet.ResourceClaim{
		RAM:           4 * GiB,
		VRAM:          map[int]int64{0: 16 * GiB},
		OffloadLayers: 32,
		TotalLayers:   32,
	})
	c.Check(pl.Message, check.Equals, "")
}

func (s *PlaceSuite) TestBestFit(c *check.C) {
	req := Request{Requirements: requirements(16*GiB, 4*GiB), Backend: s.llamaBox}
	for _, trial := range []struct {
		candidates []Candidate
		worker     string
		gpu        int
	}{
		// smallest surplus wins
		{[]Candidate{candidate("w1", 64, 24, 20), candidate("w2", 64, 17)}, "w2", 0},
		{[]Candidate{candidate("w1", 64, 24, 20), candidate("w2", 64, 24)}, "w1", 1},
		// ties go to the lowest worker ID, then GPU index
		{[]Candidate{candidate("w2", 64, 20), candidate("w1", 64, 20)}, "w1", 0},
		{[]Candidate{candidate("w1", 64, 8, 20, 20)}, "w1", 1},
		// not enough RAM on the otherwise best worker
		{[]Candidate{candidate("w1", 2, 16), candidate("w2", 64, 24)}, "w2", 0},
	} {
		pl, err := Place(req, trial.candidates, s.policy)
		c.Assert(err, check.IsNil)
		c.Check(pl.WorkerID, check.Equals, trial.worker)
		c.Check(pl.Claim.GPUIndexes(), check.DeepEquals, []int{trial.gpu})
	}
}

func (s *PlaceSuite) TestDeterministic(c *check.C) {
	var candidates []Candidate
	for _, id := range []string{"w5", "w3", "w1", "w4", "w2"} {
		candidates = append(candidates, candidate(id, 64, 20, 18, 20))
	}
	req := Request{Requirements: requirements(16*GiB, 4*GiB), Backend: s.llamaBox}
	first, err := Place(req, candidates, s.policy)
	c.Assert(err, check.IsNil)
	c.Check(first.WorkerID, check.Equals, "w1")
	c.Check(first.Claim.GPUIndexes(), check.DeepEquals, []int{1})
	for i := 0; i < 20; i++ {
		rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
		pl, err := Place(req, candidates, s.policy)
		c.Assert(err, check.IsNil)
		c.Check(pl, check.DeepEquals, first)
	}
}

func (s *PlaceSuite) TestTensorSplit(c *check.C) {
	req := Request{Requirements: requirements(14*GiB, 4*GiB), Backend: s.llamaBox}
	pl, err := Place(req, []Candidate{candidate("w1", 64, 8, 8)}, s.policy)
	c.Assert(err, check.IsNil)
	c.Check(pl.WorkerID, check.Equals, "w1")
	c.Check(pl.Claim.VRAM, check.DeepEquals, map[int]int64{0: 7 * GiB, 1: 7 * GiB})
	c.Check(pl.Claim.TensorSplit, check.Equals, true)
	c.Check(pl.Claim.OffloadLayers, check.Equals, 32)

	// proportional to allocatable VRAM
	pl, err = Place(Request{Requirements: requirements(9*GiB, GiB), Backend: s.llamaBox}, []Candidate{candidate("w1", 64, 8, 4)}, s.policy)
	c.Assert(err, check.IsNil)
	c.Check(pl.Claim.VRAM, check.DeepEquals, map[int]int64{0: 6 * GiB, 1: 3 * GiB})

	// shares add up exactly when the division is uneven
	rq := requirements(10*GiB+1, GiB)
	pl, err = Place(Request{Requirements: rq, Backend: s.llamaBox}, []Candidate{candidate("w1", 64, 6, 6, 6)}, s.policy)
	c.Assert(err, check.IsNil)
	c.Check(pl.Claim.GPUIndexes(), check.DeepEquals, []int{0, 1})
	c.Check(pl.Claim.TotalVRAM(), check.Equals, rq.VRAM)

	// fewest GPUs wins over lower worker ID
	pl, err = Place(Request{Requirements: requirements(20*GiB, GiB), Backend: s.llamaBox},
		[]Candidate{candidate("w1", 64, 7, 7, 7, 7), candidate("w2", 64, 12, 12)}, s.policy)
	c.Assert(err, check.IsNil)
	c.Check(pl.WorkerID, check.Equals, "w2")
	c.Check(pl.Claim.VRAM, check.DeepEquals, map[int]int64{0: 10 * GiB, 1: 10 * GiB})

	// GPUs are never combined across workers
	_, err = Place(req, []Candidate{candidate("w1", 64, 8), candidate("w2", 64, 8)}, fleet.PartialOffloadPolicy{})
	c.Check(err, check.FitsTypeOf, &CapacityError{})

	// backend without multi-GPU support
	single := s.llamaBox
	single.MultiGPU = fleet.Bool(false)
	_, err = Place(Request{Requirements: req.Requirements, Backend: single}, []Candidate{candidate("w1", 64, 8, 8)}, fleet.PartialOffloadPolicy{})
	c.Check(err, check.FitsTypeOf, &CapacityError{})
}

func (s *PlaceSuite) TestPartialOffload(c *check.C) {
	rq := estimate.Requirements{
		VRAM:        21 * GiB,
		RAM:         GiB / 2,
		Overhead:    GiB,
		TotalLayers: 40,
		PerLayer:    GiB / 2,
	}
	single := s.llamaBox
	single.MultiGPU = fleet.Bool(false)
	req := Request{Requirements: rq, Backend: single}

	pl, err := Place(req, []Candidate{candidate("w1", 64, 10, 6)}, s.policy)
	c.Assert(err, check.IsNil)
	c.Check(pl.Claim, check.DeepEquals, fleet.ResourceClaim{
		RAM:           GiB/2 + 22*GiB/2,
		VRAM:          map[int]int64{0: 10 * GiB},
		OffloadLayers: 18,
		TotalLayers:   40,
	})
	c.Check(pl.Message, check.Equals, "Partial offload: 18 of 40 layers on GPU 0, the rest in RAM. Inference will be slower.")

	// whole steps are removed from the full layer count
	pl, err = Place(req, []Candidate{candidate("w1", 64, 10)}, fleet.PartialOffloadPolicy{Enable: true, Step: 4, MinLayers: 1})
	c.Assert(err, check.IsNil)
	c.Check(pl.Claim.OffloadLayers, check.Equals, 16)
	c.Check(pl.Claim.VRAM, check.DeepEquals, map[int]int64{0: 9 * GiB})

	// too few layers would fit
	_, err = Place(req, []Candidate{candidate("w1", 64, 10)}, fleet.PartialOffloadPolicy{Enable: true, Step: 1, MinLayers: 20})
	c.Check(err, check.FitsTypeOf, &CapacityError{})

	// not enough RAM for the layers left on the host
	_, err = Place(req, []Candidate{candidate("w1", 4, 10)}, s.policy)
	c.Check(err, check.FitsTypeOf, &CapacityError{})

	// policy disabled
	_, err = Place(req, []Candidate{candidate("w1", 64, 10)}, fleet.PartialOffloadPolicy{Step: 1, MinLayers: 1})
	c.Check(err, check.FitsTypeOf, &CapacityError{})

	// backend without partial offload
	_, err = Place(Request{Requirements: rq, Backend: s.vllm}, []Candidate{candidate("w1", 64, 10)}, s.policy)
	c.Check(err, check.FitsTypeOf, &CapacityError{})
}

func (s *PlaceSuite) TestRAMOnly(c *check.C) {
	rq := estimate.Requirements{
		VRAM:        21 * GiB,
		RAM:         GiB / 2,
		Overhead:    GiB,
		TotalLayers: 40,
		PerLayer:    GiB / 2,
	}
	req := Request{Requirements: rq, Backend: s.llamaBox}
	cpu := candidate("cpu1", 64)

	_, err := Place(req, []Candidate{cpu}, s.policy)
	c.Check(err, check.FitsTypeOf, &CapacityError{})

	pl, err := Place(req, []Candidate{cpu}, fleet.PartialOffloadPolicy{Enable: true, MinLayers: 0})
	c.Assert(err, check.IsNil)
	c.Check(pl.WorkerID, check.Equals, "cpu1")
	c.Check(pl.Claim.VRAM, check.HasLen, 0)
	c.Check(pl.Claim.OffloadLayers, check.Equals, 0)
	c.Check(pl.Claim.RAM, check.Equals, GiB/2+GiB+20*GiB)
	c.Check(pl.Message, check.Matches, `No GPU has room .* all 40 layers in RAM.*`)

	// any layers on a GPU beat none
	pl, err = Place(req, []Candidate{cpu, candidate("gpu1", 64, 4)}, fleet.PartialOffloadPolicy{Enable: true, MinLayers: 0})
	c.Assert(err, check.IsNil)
	c.Check(pl.WorkerID, check.Equals, "gpu1")
	c.Check(pl.Claim.OffloadLayers, check.Equals, 6)
}

func (s *PlaceSuite) TestIncompatiblePlatform(c *check.C) {
	req := Request{Requirements: requirements(16*GiB, 4*GiB), Backend: s.vllm}
	_, err := Place(req, []Candidate{
		platformCandidate("mac1", "darwin", "arm64", 64, 48),
		platformCandidate("mac2", "darwin", "arm64", 128, 96),
	}, s.policy)
	c.Assert(err, check.FitsTypeOf, &estimate.CompatibilityError{})
	c.Check(err, check.ErrorMatches, `vLLM backend requires an amd64 Linux worker, but none is available\.`)

	// incompatible workers are skipped, even if they fit better
	pl, err := Place(req, []Candidate{
		platformCandidate("a-mac", "darwin", "arm64", 64, 16),
		candidate("b-linux", 64, 24),
	}, s.policy)
	c.Assert(err, check.IsNil)
	c.Check(pl.WorkerID, check.Equals, "b-linux")
}

func (s *PlaceSuite) TestCapacityError(c *check.C) {
	req := Request{Requirements: requirements(30*GiB, 4*GiB), Backend: s.vllm}
	_, err := Place(req, nil, s.policy)
	c.Check(err, check.ErrorMatches, `No live worker is available\. The model needs 30 GiB VRAM and 4\.0 GiB RAM\.`)

	_, err = Place(req, []Candidate{candidate("w1", 64, 24), candidate("w2", 32, 12, 12)}, s.policy)
	var ce *CapacityError
	c.Assert(err, check.FitsTypeOf, ce)
	ce = err.(*CapacityError)
	c.Check(ce.BestWorker, check.Equals, "w1")
	c.Check(ce.BestGPUVRAM, check.Equals, 24*GiB)
	c.Check(err, check.ErrorMatches, `No worker has enough allocatable resources\. The model needs 30 GiB VRAM and 4\.0 GiB RAM; the best available worker w1 has 24 GiB VRAM on one GPU \(24 GiB on all GPUs\) and 64 GiB RAM\.`)
}
