// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"dario.cat/mergo"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// BuiltIn returns the built-in registry entries.
func BuiltIn() map[fleet.BackendName]fleet.InferenceBackend {
	return map[fleet.BackendName]fleet.InferenceBackend{
		fleet.BackendLlamaBox: {
			Name:            fleet.BackendLlamaBox,
			Description:     "llama.cpp based server for GGUF models on CUDA and Metal",
			DefaultVersion:  "v0.0.75",
			HealthCheckPath: "/health",
			BuiltIn:         true,
			Platforms: []fleet.Platform{
				{OS: "windows", Arch: "amd64"},
				{OS: "darwin", Arch: "amd64"},
				{OS: "darwin", Arch: "arm64"},
				{OS: "linux", Arch: "amd64"},
			},
			MultiGPU:       fleet.Bool(true),
			PartialOffload: fleet.Bool(true),
		},
		fleet.BackendVLLM: {
			Name:            fleet.BackendVLLM,
			Description:     "vLLM OpenAI-compatible server",
			DefaultVersion:  "0.6.3",
			HealthCheckPath: "/health",
			BuiltIn:         true,
			Platforms:       []fleet.Platform{vllmPlatform},
			MultiGPU:        fleet.Bool(true),
		},
	}
}

var builtInStrategies = map[fleet.BackendName]Strategy{
	fleet.BackendLlamaBox: llamaBox{},
	fleet.BackendVLLM:     vllm{},
}

// A Registry resolves a model's backend to a registry entry and a
// launch strategy. Entries are the built-ins with operator entries
// merged over them; it is safe to Update while other goroutines
// Resolve.
type Registry struct {
	mtx     sync.RWMutex
	entries map[fleet.BackendName]fleet.InferenceBackend
}

func NewRegistry() *Registry {
	return &Registry{entries: BuiltIn()}
}

// Update replaces the operator layer. Each layer's entries are
// merged field by field over the previous layers: non-empty fields
// replace, so an operator can, e.g., change the default version of
// a built-in backend without restating its platforms. Capabilities
// that are set replace the lower layer's even when false. Later
// layers win.
func (r *Registry) Update(layers ...[]fleet.InferenceBackend) error {
	entries := BuiltIn()
	for _, layer := range layers {
		for _, b := range layer {
			if b.Name == "" {
				return fmt.Errorf("backend registry entry has no name")
			}
			cur, ok := entries[b.Name]
			if !ok {
				b.BuiltIn = false
				entries[b.Name] = b
				continue
			}
			if err := mergo.Merge(&cur, b, mergo.WithOverride, mergo.WithTransformers(capabilityTransformer{})); err != nil {
				return fmt.Errorf("backend %s: %w", b.Name, err)
			}
			// built-in status is not operator editable
			cur.BuiltIn = entries[b.Name].BuiltIn
			entries[b.Name] = cur
		}
	}
	r.mtx.Lock()
	r.entries = entries
	r.mtx.Unlock()
	return nil
}

// capabilityTransformer makes a set *bool capability replace the
// destination's, so an entry can turn a capability off.
type capabilityTransformer struct{}

func (capabilityTransformer) Transformer(t reflect.Type) func(dst, src reflect.Value) error {
	if t != reflect.TypeOf((*bool)(nil)) {
		return nil
	}
	return func(dst, src reflect.Value) error {
		if !src.IsNil() && dst.CanSet() {
			dst.Set(src)
		}
		return nil
	}
}

// Lookup returns the registry entry for the named backend.
func (r *Registry) Lookup(name fleet.BackendName) (fleet.InferenceBackend, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	b, ok := r.entries[name]
	return b, ok
}

// Entries returns all entries, sorted by name.
func (r *Registry) Entries() []fleet.InferenceBackend {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	list := make([]fleet.InferenceBackend, 0, len(r.entries))
	for _, b := range r.entries {
		list = append(list, b)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Resolve returns the registry entry and strategy for the model. A
// model with its own RunCommand, or a backend whose entry has a
// default run command, uses the command template strategy.
func (r *Registry) Resolve(m fleet.Model) (fleet.InferenceBackend, Strategy, error) {
	b, ok := r.Lookup(m.Backend)
	if !ok {
		if m.RunCommand == "" {
			return b, nil, fmt.Errorf("unknown backend %q", m.Backend)
		}
		b = fleet.InferenceBackend{Name: m.Backend}
	}
	if st, ok := builtInStrategies[b.Name]; ok && m.RunCommand == "" && b.DefaultRunCommand == "" {
		return b, st, nil
	}
	return b, custom{name: b.Name}, nil
}
