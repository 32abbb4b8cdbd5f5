// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package backend

import (
	"fmt"
	"strconv"
	"strings"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/google/shlex"
)

// custom runs an operator-supplied command template: the model's
// RunCommand if set, otherwise the registry entry's run command for
// the model's backend version. The template is split into words
// like a shell would, and then these placeholders are replaced in
// each word:
//
//	{{model_path}} {{draft_model_path}} {{port}} {{host}}
//	{{model_name}} {{gpu_indexes}}
type custom struct {
	name fleet.BackendName
}

func (cs custom) Name() fleet.BackendName { return cs.name }

func (cs custom) Command(req LaunchRequest) (*LaunchSpec, error) {
	if !req.Backend.SupportsPlatform(req.Platform) {
		return nil, &PlatformError{Backend: cs.name, Platform: req.Platform}
	}
	tmpl := req.Model.RunCommand
	if tmpl == "" {
		tmpl = req.Backend.RunCommandFor(req.Model.BackendVersion)
	}
	if strings.TrimSpace(tmpl) == "" {
		return nil, fmt.Errorf("backend %s has no run command", cs.name)
	}
	words, err := shlex.Split(tmpl)
	if err != nil {
		return nil, fmt.Errorf("cannot parse run command %q: %w", tmpl, err)
	}
	if len(words) == 0 {
		return nil, fmt.Errorf("backend %s has no run command", cs.name)
	}
	name := req.Model.Name
	if name == "" {
		name = req.Instance.ModelName
	}
	repl := strings.NewReplacer(
		"{{model_path}}", req.Instance.ModelPath,
		"{{draft_model_path}}", req.Instance.DraftModelPath,
		"{{port}}", strconv.Itoa(req.Instance.Port),
		"{{host}}", req.host(),
		"{{model_name}}", name,
		"{{gpu_indexes}}", req.visibleDevices(),
	)
	for i, w := range words {
		words[i] = repl.Replace(w)
	}
	spec := &LaunchSpec{
		Path:       words[0],
		Args:       append(words[1:], req.extraArgs()...),
		Image:      req.image(),
		HealthPath: req.Backend.HealthCheckPath,
	}
	if req.Platform.OS == "linux" {
		if devs := req.visibleDevices(); devs != "" {
			spec.Env = append(spec.Env, "CUDA_VISIBLE_DEVICES="+devs)
		}
	}
	return spec, nil
}
