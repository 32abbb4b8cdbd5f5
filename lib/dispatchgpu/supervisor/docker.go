// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"
)

// dockerLauncher runs backends whose model or registry entry names
// a container image. Containers use the host network, so the
// backend's port is reachable like a host process, and get the
// instance's GPUs through the nvidia device driver.
type dockerLauncher struct {
	client *dockerclient.Client
	logger logrus.FieldLogger
}

func newDockerLauncher(host string, logger logrus.FieldLogger) (*dockerLauncher, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	client, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &dockerLauncher{client: client, logger: logger}, nil
}

func (dl *dockerLauncher) Launch(ctx context.Context, opts LaunchOptions) (Process, error) {
	cfg, hostCfg := containerConfig(opts)

	// Remove any container left over from a previous agent
	// process with the same name.
	err := dl.client.ContainerRemove(ctx, opts.Name, dockercontainer.RemoveOptions{Force: true})
	if err != nil && !strings.Contains(err.Error(), "No such container") {
		dl.logger.WithError(err).WithField("Container", opts.Name).Warn("error removing old container")
	}

	created, err := dl.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}
	proc := &dockerProcess{
		client: dl.client,
		id:     created.ID,
		doneIO: make(chan struct{}),
	}
	resp, err := dl.client.ContainerAttach(ctx, created.ID, dockercontainer.AttachOptions{
		Stream: true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		proc.remove()
		return nil, fmt.Errorf("attaching container stdout/stderr: %w", err)
	}
	go func() {
		defer close(proc.doneIO)
		defer resp.Close()
		if _, err := stdcopy.StdCopy(opts.Stdout, opts.Stderr, resp.Reader); err != nil {
			dl.logger.WithError(err).WithField("ContainerID", created.ID).Debug("error copying container output")
		}
	}()
	if err := dl.client.ContainerStart(ctx, created.ID, dockercontainer.StartOptions{}); err != nil {
		proc.remove()
		return nil, fmt.Errorf("starting container: %w", err)
	}
	return proc, nil
}

// containerConfig returns the container and host configs for a
// backend launch. DeviceIDs are host GPU indexes; the command's own
// GPU references are already container-relative.
func containerConfig(opts LaunchOptions) (*dockercontainer.Config, *dockercontainer.HostConfig) {
	spec := opts.Spec
	cfg := &dockercontainer.Config{
		Image:        spec.Image,
		Entrypoint:   []string{spec.Path},
		Cmd:          spec.Args,
		Env:          spec.Env,
		AttachStdout: true,
		AttachStderr: true,
		Labels:       map[string]string{"org.gpufleet.instance": opts.Name},
	}
	hostCfg := &dockercontainer.HostConfig{
		LogConfig: dockercontainer.LogConfig{
			Type: "none",
		},
		NetworkMode: dockercontainer.NetworkMode("host"),
		IpcMode:     dockercontainer.IpcMode("host"),
	}
	if len(opts.GPUIndexes) > 0 {
		var ids []string
		for _, idx := range opts.GPUIndexes {
			ids = append(ids, strconv.Itoa(idx))
		}
		hostCfg.Resources.DeviceRequests = []dockercontainer.DeviceRequest{{
			Driver:       "nvidia",
			DeviceIDs:    ids,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	seen := map[string]bool{}
	for _, path := range opts.Mounts {
		dir := filepath.Dir(path)
		if path == "" || seen[dir] {
			continue
		}
		seen[dir] = true
		hostCfg.Binds = append(hostCfg.Binds, dir+":"+dir+":ro")
	}
	return cfg, hostCfg
}

type dockerProcess struct {
	client *dockerclient.Client
	id     string
	doneIO chan struct{}
}

// Wait waits for the container to stop, then for its output to be
// copied, and removes it.
func (p *dockerProcess) Wait() error {
	defer p.remove()
	waitOK, waitErr := p.client.ContainerWait(context.Background(), p.id, dockercontainer.WaitConditionNotRunning)
	select {
	case body := <-waitOK:
		select {
		case <-p.doneIO:
		case <-time.After(5 * time.Second):
		}
		if body.Error != nil {
			return errors.New(body.Error.Message)
		} else if body.StatusCode != 0 {
			return fmt.Errorf("container exited with status %d", body.StatusCode)
		}
		return nil
	case err := <-waitErr:
		return fmt.Errorf("container wait: %w", err)
	}
}

func (p *dockerProcess) Terminate() error {
	return p.client.ContainerKill(context.Background(), p.id, "SIGTERM")
}

func (p *dockerProcess) Kill() error {
	return p.client.ContainerKill(context.Background(), p.id, "SIGKILL")
}

func (p *dockerProcess) remove() {
	p.client.ContainerRemove(context.Background(), p.id, dockercontainer.RemoveOptions{Force: true})
}
