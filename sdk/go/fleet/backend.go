// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

// BackendVersionConfig overrides launch settings for one version of
// a backend.
type BackendVersionConfig struct {
	RunCommand string `json:"run_command"`
	ImageName  string `json:"image_name"`
}

// An InferenceBackend describes how to invoke one backend kind. The
// built-in entries can be overridden (or new ones added) in the
// cluster config.
type InferenceBackend struct {
	Name              BackendName                     `json:"backend_name"`
	Description       string                          `json:"description"`
	DefaultVersion    string                          `json:"default_version"`
	DefaultRunCommand string                          `json:"default_run_command"`
	HealthCheckPath   string                          `json:"health_check_path"`
	VersionConfigs    map[string]BackendVersionConfig `json:"version_configs"`
	DefaultParameters []string                        `json:"default_backend_param"`
	BuiltIn           bool                            `json:"is_built_in"`

	// Platforms the backend can run on. Empty means any.
	Platforms []Platform `json:"platforms"`
	// MultiGPU backends accept tensor-split placements. Nil
	// means unset (false, unless a lower registry layer says
	// otherwise).
	MultiGPU *bool `json:"multi_gpu,omitempty"`
	// PartialOffload backends can run with fewer layers on GPU.
	PartialOffload *bool `json:"partial_offload,omitempty"`
}

// Bool returns a pointer to v, for InferenceBackend capabilities.
func Bool(v bool) *bool {
	return &v
}

// SupportsMultiGPU returns true if the backend accepts tensor-split
// placements.
func (b InferenceBackend) SupportsMultiGPU() bool {
	return b.MultiGPU != nil && *b.MultiGPU
}

// SupportsPartialOffload returns true if the backend can run with
// only some layers on GPU.
func (b InferenceBackend) SupportsPartialOffload() bool {
	return b.PartialOffload != nil && *b.PartialOffload
}

// RunCommandFor returns the run command template for the given
// version, falling back to the default.
func (b InferenceBackend) RunCommandFor(version string) string {
	if version == "" {
		version = b.DefaultVersion
	}
	if vc, ok := b.VersionConfigs[version]; ok && vc.RunCommand != "" {
		return vc.RunCommand
	}
	return b.DefaultRunCommand
}

// ImageFor returns the container image for the given version, if any.
func (b InferenceBackend) ImageFor(version string) string {
	if version == "" {
		version = b.DefaultVersion
	}
	return b.VersionConfigs[version].ImageName
}

// SupportsPlatform returns true if the backend can run on p.
func (b InferenceBackend) SupportsPlatform(p Platform) bool {
	if len(b.Platforms) == 0 {
		return true
	}
	for _, bp := range b.Platforms {
		if bp == p {
			return true
		}
	}
	return false
}
