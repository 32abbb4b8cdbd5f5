// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package estimate predicts model memory footprints and checks
// whether a model can run anywhere in the cluster.
package estimate

import (
	"math"
	"strings"

	"dario.cat/mergo"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// Bits per parameter for known quantization identifiers. GGUF
// k-quant figures include the per-block scale overhead.
var defaultBits = map[string]float64{
	"F32":     32,
	"FP32":    32,
	"F16":     16,
	"FP16":    16,
	"BF16":    16,
	"Q8_0":    8.5,
	"INT8":    8,
	"FP8":     8,
	"W8A8":    8,
	"Q6_K":    6.5625,
	"Q5_1":    6,
	"Q5_K_M":  5.69,
	"Q5_0":    5.5,
	"Q5_K_S":  5.5,
	"Q4_1":    5,
	"Q4_K_M":  4.85,
	"Q4_0":    4.5,
	"Q4_K_S":  4.5,
	"AWQ":     4.25,
	"GPTQ":    4.25,
	"INT4":    4.25,
	"IQ4_XS":  4.25,
	"Q3_K_L":  4.27,
	"Q3_K_M":  3.91,
	"Q3_K_S":  3.5,
	"IQ3_XXS": 3.06,
	"Q2_K":    3.35,
	"IQ2_XXS": 2.06,
}

// Used for unknown or empty quantization identifiers.
const fallbackBits = 16

const (
	defaultRuntimeOverhead = 1 << 30
	defaultHostRAMOverhead = 512 << 20
)

// An Estimator is configured with the cluster's estimator section.
type Estimator struct {
	bits            map[string]float64
	runtimeOverhead int64
	hostRAMOverhead int64
}

func New(cfg fleet.EstimatorConfig) (*Estimator, error) {
	bits := map[string]float64{}
	for q, b := range cfg.Quantizations {
		bits[normalize(q)] = b
	}
	// entries from the config take precedence
	if err := mergo.Merge(&bits, defaultBits); err != nil {
		return nil, err
	}
	e := &Estimator{
		bits:            bits,
		runtimeOverhead: int64(cfg.RuntimeOverhead),
		hostRAMOverhead: int64(cfg.HostRAMOverhead),
	}
	if e.runtimeOverhead == 0 {
		e.runtimeOverhead = defaultRuntimeOverhead
	}
	if e.hostRAMOverhead == 0 {
		e.hostRAMOverhead = defaultHostRAMOverhead
	}
	return e, nil
}

func normalize(quantization string) string {
	return strings.ToUpper(strings.TrimSpace(quantization))
}

// BitsPerParam returns the storage cost of one parameter at the given
// quantization. Unknown identifiers cost as much as F16.
func (e *Estimator) BitsPerParam(quantization string) float64 {
	if b, ok := e.bits[normalize(quantization)]; ok {
		return b
	}
	return fallbackBits
}

// WeightsSize returns the estimated size in bytes of the model
// weights alone.
func (e *Estimator) WeightsSize(paramsBillions float64, quantization string) int64 {
	if paramsBillions <= 0 {
		return 0
	}
	return int64(math.Ceil(paramsBillions * 1e9 * e.BitsPerParam(quantization) / 8))
}

// EstimateSize returns the weights size plus the runtime overhead
// allowance for context and compute buffers.
func (e *Estimator) EstimateSize(paramsBillions float64, quantization string) int64 {
	return e.WeightsSize(paramsBillions, quantization) + e.runtimeOverhead
}

// Requirements is what a model needs to run with every layer on GPU.
type Requirements struct {
	// VRAM for weights and runtime buffers.
	VRAM int64
	// Host RAM for the server process and any KV cache spill.
	RAM int64
	// Runtime buffers, which stay on the GPU whatever the
	// number of offloaded layers.
	Overhead    int64
	TotalLayers int
	// Weight bytes per layer, for partial offload.
	PerLayer int64
}

// Requirements estimates what the model needs.
func (e *Estimator) Requirements(m fleet.Model) Requirements {
	weights := e.WeightsSize(m.ParamSize, m.Quantization)
	layers := m.Layers
	if layers <= 0 {
		layers = EstimateLayers(m.ParamSize)
	}
	req := Requirements{
		VRAM:        weights + e.runtimeOverhead,
		RAM:         e.hostRAMOverhead,
		Overhead:    e.runtimeOverhead,
		TotalLayers: layers,
		PerLayer:    int64(math.Ceil(float64(weights) / float64(layers))),
	}
	if kv := m.ExtendedKVCache; kv != nil && kv.Enabled {
		if kv.RAMSize > 0 {
			req.RAM += int64(kv.RAMSize)
		} else if kv.RAMRatio > 0 {
			req.RAM += int64(kv.RAMRatio * float64(e.runtimeOverhead))
		}
	}
	return req
}

// EstimateLayers guesses the number of transformer blocks of a
// model from its parameter count, for models that don't say.
func EstimateLayers(paramsBillions float64) int {
	switch {
	case paramsBillions <= 0:
		return 1
	case paramsBillions <= 2:
		return 24
	case paramsBillions <= 4:
		return 28
	case paramsBillions <= 9:
		return 32
	case paramsBillions <= 15:
		return 40
	case paramsBillions <= 35:
		return 60
	case paramsBillions <= 75:
		return 80
	default:
		return 126
	}
}
