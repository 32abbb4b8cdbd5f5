// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// llama-box ships one executable per platform.
var llamaBoxBinaries = map[fleet.Platform]string{
	{OS: "windows", Arch: "amd64"}: "llama-box-windows-amd64-cuda-12.5.exe",
	{OS: "darwin", Arch: "amd64"}:  "llama-box-darwin-amd64-metal",
	{OS: "darwin", Arch: "arm64"}:  "llama-box-darwin-arm64-metal",
	{OS: "linux", Arch: "amd64"}:   "llama-box-linux-amd64-cuda-12.5",
}

type llamaBox struct{}

func (llamaBox) Name() fleet.BackendName { return fleet.BackendLlamaBox }

func (llamaBox) Command(req LaunchRequest) (*LaunchSpec, error) {
	binary, ok := llamaBoxBinaries[req.Platform]
	if !ok {
		return nil, &PlatformError{Backend: fleet.BackendLlamaBox, Platform: req.Platform}
	}
	if req.Instance.ModelPath == "" {
		return nil, errors.New("model path is not set")
	}
	gpuLayers := -1
	if rc := req.Instance.ComputedResourceClaim; rc != nil && rc.TotalLayers > 0 {
		gpuLayers = rc.OffloadLayers
	}
	args := []string{
		"--host", req.host(),
		"--embeddings",
		"--gpu-layers", strconv.Itoa(gpuLayers),
		"--parallel", strconv.Itoa(DefaultParallel),
		"--ctx-size", strconv.Itoa(DefaultCtxSize),
		"--port", strconv.Itoa(req.Instance.Port),
		"--model", req.Instance.ModelPath,
	}
	if split := tensorSplit(req); split != "" {
		args = append(args, "--tensor-split", split)
	}
	if req.Instance.DraftModelPath != "" {
		args = append(args, "--model-draft", req.Instance.DraftModelPath)
		if spec := req.Model.Speculative; spec != nil && spec.NumDraftTokens > 0 {
			args = append(args, "--draft", strconv.Itoa(spec.NumDraftTokens))
		}
	}
	args = append(args, req.extraArgs()...)

	spec := &LaunchSpec{
		Path:       filepath.Join(req.BinDir, binary),
		Args:       args,
		Image:      req.image(),
		HealthPath: req.Backend.HealthCheckPath,
	}
	if spec.Image != "" {
		spec.Path = "llama-box"
	}
	if req.Platform.OS == "linux" {
		if devs := req.visibleDevices(); devs != "" {
			spec.Env = append(spec.Env, "CUDA_VISIBLE_DEVICES="+devs)
		}
	}
	return spec, nil
}

// tensorSplit returns the --tensor-split proportions (VRAM claimed
// on each GPU, in MiB, in GPU index order) for a multi-GPU claim.
func tensorSplit(req LaunchRequest) string {
	rc := req.Instance.ComputedResourceClaim
	if rc == nil || len(rc.VRAM) < 2 {
		return ""
	}
	var parts []string
	for _, idx := range rc.GPUIndexes() {
		parts = append(parts, strconv.FormatInt(rc.VRAM[idx]>>20, 10))
	}
	return strings.Join(parts, ",")
}
