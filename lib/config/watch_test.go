// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	check "gopkg.in/check.v1"
)

var _ = check.Suite(&WatchSuite{})

type WatchSuite struct{}

func (s *WatchSuite) TestReloadOnChange(c *check.C) {
	path := filepath.Join(c.MkDir(), "config.yml")
	c.Assert(os.WriteFile(path, []byte("Clusters: {zzzzz: {}}\n"), 0644), check.IsNil)
	ldr := testLoader(c, "", nil)
	ldr.Path = path
	cfg, err := ldr.Load()
	c.Assert(err, check.IsNil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reloaded := make(chan *fleet.Config, 10)
	go Watch(ctx, ctxlog.TestLogger(c), path, cfg, func(cfg *fleet.Config) { reloaded <- cfg })
	// give the watcher time to start
	time.Sleep(100 * time.Millisecond)

	// unparseable config is ignored
	c.Assert(os.WriteFile(path, []byte("Clusters: {zzzzz: {Database: {Driver: bogus}}}\n"), 0644), check.IsNil)
	select {
	case <-reloaded:
		c.Fatal("callback called for invalid config")
	case <-time.After(200 * time.Millisecond):
	}

	// replace the file by renaming a new one into place
	tmp := path + ".tmp"
	c.Assert(os.WriteFile(tmp, []byte("Clusters: {zzzzz: {Backends: {sglang: {default_run_command: sglang-server}}}}\n"), 0644), check.IsNil)
	c.Assert(os.Rename(tmp, path), check.IsNil)
	select {
	case cfg := <-reloaded:
		c.Check(cfg.Clusters["zzzzz"].Backends["sglang"].DefaultRunCommand, check.Equals, "sglang-server")
	case <-time.After(5 * time.Second):
		c.Fatal("timed out waiting for reload")
	}
}
