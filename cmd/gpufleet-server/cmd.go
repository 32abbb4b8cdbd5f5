// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"os"

	"git.gpufleet.org/gpufleet.git/lib/cmd"
	"git.gpufleet.org/gpufleet.git/lib/config"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu"
)

var (
	handler = cmd.Multi(map[string]cmd.Handler{
		"version":   cmd.Version,
		"-version":  cmd.Version,
		"--version": cmd.Version,

		"dispatch-gpu":    dispatchgpu.Command,
		"worker-agent":    dispatchgpu.WorkerAgentCommand,
		"check-compat":    dispatchgpu.CheckCompatCommand,
		"config-check":    config.CheckCommand,
		"config-dump":     config.DumpCommand,
		"config-defaults": config.DumpDefaultsCommand,
	})
)

func main() {
	os.Exit(handler.RunCommand(os.Args[0], os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}
