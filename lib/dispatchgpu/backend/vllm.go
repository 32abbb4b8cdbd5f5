// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"errors"
	"strconv"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

var vllmPlatform = fleet.Platform{OS: "linux", Arch: "amd64"}

type vllm struct{}

func (vllm) Name() fleet.BackendName { return fleet.BackendVLLM }

func (vllm) Command(req LaunchRequest) (*LaunchSpec, error) {
	if req.Platform != vllmPlatform {
		return nil, &PlatformError{Backend: fleet.BackendVLLM, Platform: req.Platform}
	}
	if req.Instance.ModelPath == "" {
		return nil, errors.New("model path is not set")
	}
	name := req.Model.Name
	if name == "" {
		name = req.Instance.ModelName
	}
	args := []string{
		"serve", req.Instance.ModelPath,
		"--host", req.host(),
		"--port", strconv.Itoa(req.Instance.Port),
		"--max-model-len", strconv.Itoa(DefaultMaxModelLen),
		"--served-model-name", name,
		"--trust-remote-code",
	}
	if n := len(req.gpuIndexes()); n > 1 {
		args = append(args, "--tensor-parallel-size", strconv.Itoa(n))
	}
	if req.Model.EmbeddingOnly {
		args = append(args, "--task", "embed")
	}
	if req.Instance.DraftModelPath != "" {
		args = append(args, "--speculative-model", req.Instance.DraftModelPath)
		if spec := req.Model.Speculative; spec != nil && spec.NumDraftTokens > 0 {
			args = append(args, "--num-speculative-tokens", strconv.Itoa(spec.NumDraftTokens))
		}
	}
	if kv := req.Model.ExtendedKVCache; kv != nil && kv.Enabled && kv.RAMSize > 0 {
		gib := int64(kv.RAMSize) >> 30
		if gib < 1 {
			gib = 1
		}
		args = append(args, "--swap-space", strconv.FormatInt(gib, 10))
	}
	args = append(args, req.extraArgs()...)
	spec := &LaunchSpec{
		Path:       "vllm",
		Args:       args,
		Image:      req.image(),
		HealthPath: req.Backend.HealthCheckPath,
	}
	if devs := req.visibleDevices(); devs != "" {
		spec.Env = append(spec.Env, "CUDA_VISIBLE_DEVICES="+devs)
	}
	return spec, nil
}
