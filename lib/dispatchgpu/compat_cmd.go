// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchgpu

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"git.gpufleet.org/gpufleet.git/lib/cmd"
	"git.gpufleet.org/gpufleet.git/lib/config"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/estimate"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/ledger"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/ghodss/yaml"
)

// CheckCompatCommand reports whether model specs could run on the
// workers currently registered in the configured database. Specs
// are read from a YAML or JSON file (a list of models, or a map of
// model ID to model, like the Models config section), or taken from
// the config file if no spec file is given.
//
// The exit code is 0 if every spec is compatible, 1 if any is not,
// and 2 for usage errors.
var CheckCompatCommand cmd.Handler = checkCompatCommand{}

type checkCompatCommand struct{}

func (checkCompatCommand) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	logger := ctxlog.New(stderr, "text", "info")
	defer func() {
		if err != nil {
			logger.WithError(err).Error("check-compat failed")
		}
	}()

	flags := flag.NewFlagSet("", flag.ContinueOnError)
	loader := config.NewLoader(nil, logger)
	loader.SetupFlags(flags)
	if ok, code := cmd.ParseFlags(flags, prog, args, "[spec-file|-]", stderr); !ok {
		return code
	}
	cfg, err := loader.Load()
	if err != nil {
		return 1
	}
	cluster, err := cfg.GetCluster("")
	if err != nil {
		return 1
	}
	var specs []fleet.Model
	if flags.NArg() == 1 {
		specs, err = readSpecs(flags.Arg(0), stdin)
	} else {
		specs = configuredModels(cluster)
	}
	if err != nil {
		return 1
	}

	ctx := ctxlog.Context(context.Background(), logger)
	st, err := openStore(ctx, cluster)
	if err != nil {
		return 1
	}
	defer st.Close()
	est, err := estimate.New(cluster.Estimator)
	if err != nil {
		return 1
	}
	backends := backend.NewRegistry()
	if err = backends.Update(config.BackendEntries(cluster)); err != nil {
		return 1
	}
	annotations := est.AnnotateSpecs(ctx, logger, ledger.New(st, logger), cluster.Estimator.SnapshotTimeout.Or(defaultSnapshotTimeout), specs, backends.Lookup)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(annotations); err != nil {
		return 1
	}
	for _, a := range annotations {
		if !a.Known || !a.Compatible {
			return 1
		}
	}
	return 0
}

func configuredModels(cluster *fleet.Cluster) []fleet.Model {
	var specs []fleet.Model
	for id, m := range cluster.Models {
		m.ID = id
		specs = append(specs, m)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// readSpecs reads model specs from the named file, or stdin if path
// is "-".
func readSpecs(path string, stdin io.Reader) ([]fleet.Model, error) {
	var buf []byte
	var err error
	if path == "-" {
		buf, err = io.ReadAll(stdin)
	} else {
		buf, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, err
	}
	var list []fleet.Model
	if err := yaml.Unmarshal(buf, &list); err == nil {
		for i := range list {
			if list[i].Name == "" {
				list[i].Name = list[i].ID
			}
		}
		return list, nil
	}
	var byID map[string]fleet.Model
	if err := yaml.Unmarshal(buf, &byID); err != nil {
		return nil, fmt.Errorf("%s: cannot parse model specs: %w", path, err)
	}
	cluster := fleet.Cluster{Models: byID}
	list = configuredModels(&cluster)
	for i := range list {
		if list[i].Name == "" {
			list[i].Name = list[i].ID
		}
	}
	return list, nil
}
