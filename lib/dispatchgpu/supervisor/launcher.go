// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package supervisor

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"

	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/backend"
)

// LaunchOptions describe one backend process.
type LaunchOptions struct {
	// Unique name, used for the container name if any.
	Name       string
	Spec       *backend.LaunchSpec
	GPUIndexes []int
	// Host directories the process needs to read (model files).
	Mounts []string
	Stdout io.Writer
	Stderr io.Writer
}

// A Launcher starts backend processes.
type Launcher interface {
	Launch(context.Context, LaunchOptions) (Process, error)
}

// A Process is a started backend process.
type Process interface {
	// Wait waits for the process to exit, and returns nil if it
	// exited with status 0.
	Wait() error
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	// Kill forces the process to exit (SIGKILL).
	Kill() error
}

// execLauncher runs backend executables directly on the host, each
// in its own process group so any children are signalled with it.
type execLauncher struct{}

func (execLauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	cmd := exec.Command(opts.Spec.Path, opts.Spec.Args...)
	cmd.Env = append(os.Environ(), opts.Spec.Env...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	// don't wait forever for output from orphaned children
	cmd.WaitDelay = 5 * time.Second
	setProcessGroup(cmd)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error      { return p.cmd.Wait() }
func (p *execProcess) Terminate() error { return terminateGroup(p.cmd) }
func (p *execProcess) Kill() error      { return killGroup(p.cmd) }
