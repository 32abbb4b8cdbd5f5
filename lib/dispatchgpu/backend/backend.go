// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package backend turns a placed model instance into the command
// line, environment and (optionally) container image of its
// inference server.
package backend

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// Server defaults shared by the built-in backends.
const (
	DefaultHost        = "0.0.0.0"
	DefaultCtxSize     = 8192
	DefaultParallel    = 4
	DefaultMaxModelLen = 8192
)

// A LaunchRequest has everything a strategy needs to build a
// command.
type LaunchRequest struct {
	Model    fleet.Model
	Instance fleet.ModelInstance
	// Registry entry for the model's backend.
	Backend  fleet.InferenceBackend
	Platform fleet.Platform
	// Directory holding platform-specific backend executables.
	BinDir string
	Host   string
}

// A LaunchSpec is a resolved command. If Image is not empty, the
// command runs in a container made from that image, and Path is
// looked up inside the container.
type LaunchSpec struct {
	Path       string
	Args       []string
	Env        []string
	Image      string
	HealthPath string
}

// String returns the command line, for logs.
func (ls *LaunchSpec) String() string {
	return strings.Join(append([]string{ls.Path}, ls.Args...), " ")
}

// A Strategy builds launch commands for one backend kind.
type Strategy interface {
	Name() fleet.BackendName
	Command(LaunchRequest) (*LaunchSpec, error)
}

// PlatformError means a backend has no executable for the platform
// it was asked to run on.
type PlatformError struct {
	Backend  fleet.BackendName
	Platform fleet.Platform
}

func (e *PlatformError) Error() string {
	return fmt.Sprintf("backend %s is not supported on platform %s", e.Backend, e.Platform)
}

func (req LaunchRequest) host() string {
	if req.Host != "" {
		return req.Host
	}
	return DefaultHost
}

func (req LaunchRequest) image() string {
	if req.Model.ImageName != "" {
		return req.Model.ImageName
	}
	return req.Backend.ImageFor(req.Model.BackendVersion)
}

func (req LaunchRequest) gpuIndexes() []int {
	idx := append([]int(nil), req.Instance.GPUIndexes...)
	if len(idx) == 0 && req.Instance.ComputedResourceClaim != nil {
		idx = req.Instance.ComputedResourceClaim.GPUIndexes()
	}
	sort.Ints(idx)
	return idx
}

// visibleDevices returns the CUDA_VISIBLE_DEVICES value for the
// instance's GPUs, or "" if it has none. A container only has the
// claimed GPUs, renumbered from 0 by the container runtime.
func (req LaunchRequest) visibleDevices() string {
	var list []string
	for i, idx := range req.gpuIndexes() {
		if req.image() != "" {
			idx = i
		}
		list = append(list, strconv.Itoa(idx))
	}
	return strings.Join(list, ",")
}

// extraArgs returns the registry's default parameters followed by
// the model's own.
func (req LaunchRequest) extraArgs() []string {
	args := append([]string(nil), req.Backend.DefaultParameters...)
	return append(args, req.Model.BackendParameters...)
}
