// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package supervisor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
)

// detectGPUs lists the host's NVIDIA GPUs using nvidia-smi.
func detectGPUs(ctx context.Context) ([]fleet.GPUDevice, error) {
	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseNvidiaSmi(out)
}

// parseNvidiaSmi parses lines like "0, NVIDIA GeForce RTX 4090,
// 24564" (memory in MiB).
func parseNvidiaSmi(out []byte) ([]fleet.GPUDevice, error) {
	var gpus []fleet.GPUDevice
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("cannot parse nvidia-smi output %q", line)
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			return nil, fmt.Errorf("cannot parse GPU index in %q: %w", line, err)
		}
		mib, err := strconv.ParseInt(strings.TrimSpace(fields[len(fields)-1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse GPU memory in %q: %w", line, err)
		}
		gpus = append(gpus, fleet.GPUDevice{
			Index: idx,
			Name:  strings.TrimSpace(strings.Join(fields[1:len(fields)-1], ",")),
			VRAM:  fleet.ByteSize(mib) * fleet.MiB,
		})
	}
	return gpus, scanner.Err()
}
