// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package fleet

import "time"

// BackendName identifies an inference backend kind.
type BackendName string

const (
	BackendLlamaBox BackendName = "llama-box"
	BackendVLLM     BackendName = "vllm"
)

// SpeculativeConfig enables speculative decoding with a draft model.
type SpeculativeConfig struct {
	Enabled        bool   `json:"enabled"`
	Algorithm      string `json:"algorithm"`
	DraftModel     string `json:"draft_model"`
	DraftSource    string `json:"draft_source"`
	NumDraftTokens int    `json:"num_draft_tokens"`
}

// ExtendedKVCacheConfig lets the backend spill KV cache into host RAM.
type ExtendedKVCacheConfig struct {
	Enabled  bool     `json:"enabled"`
	RAMRatio float64  `json:"ram_ratio"`
	RAMSize  ByteSize `json:"ram_size"`
}

// A Model is an inference workload definition.
type Model struct {
	ID                string                 `json:"id"`
	Name              string                 `json:"name"`
	ParamSize         float64                `json:"param_size"` // billions of parameters
	Quantization      string                 `json:"quantization"`
	Layers            int                    `json:"layers"` // 0 = estimate from ParamSize
	Backend           BackendName            `json:"backend"`
	BackendVersion    string                 `json:"backend_version"`
	BackendParameters []string               `json:"backend_parameters"`
	ImageName         string                 `json:"image_name"`
	RunCommand        string                 `json:"run_command"`
	EmbeddingOnly     bool                   `json:"embedding_only"`
	Speculative       *SpeculativeConfig     `json:"speculative_config"`
	ExtendedKVCache   *ExtendedKVCacheConfig `json:"extended_kv_cache"`
	Source            string                 `json:"source"` // local path of the model file
	Replicas          int                    `json:"replicas"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// UsesDraftModel returns true if the model needs a draft model file
// before it can start.
func (m Model) UsesDraftModel() bool {
	return m.Speculative != nil && m.Speculative.Enabled && m.Speculative.DraftSource != ""
}
