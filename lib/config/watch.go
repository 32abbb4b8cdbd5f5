// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package config

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"reflect"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watch calls fn with the reloaded config each time the config file
// at path changes, until ctx is done. Changes that fail to load, or
// that load to a config DeepEqual to the previous one, are ignored.
//
// The containing directory is watched, rather than the file itself,
// so editors and config management tools that replace the file by
// renaming a new one into place are noticed.
func Watch(ctx context.Context, logger logrus.FieldLogger, path string, prevcfg *fleet.Config, fn func(*fleet.Config)) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("fsnotify setup failed")
		return
	}
	defer watcher.Close()

	err = watcher.Add(filepath.Dir(path))
	if err != nil {
		logger.WithError(err).Error("fsnotify watcher failed")
		return
	}
	abspath, _ := filepath.Abs(path)

	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.WithError(err).Warn("fsnotify watcher reported error")
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if evpath, _ := filepath.Abs(ev.Name); evpath != abspath {
				continue
			}
			for len(watcher.Events) > 0 {
				<-watcher.Events
			}
			quiet := logrus.New()
			quiet.Out = io.Discard
			loader := NewLoader(&bytes.Buffer{}, quiet)
			loader.Path = path
			cfg, err := loader.Load()
			if err != nil {
				logger.WithError(err).Warn("error reloading config file after change detected; ignoring new config for now")
			} else if reflect.DeepEqual(cfg, prevcfg) {
				logger.Debug("config file changed but is still DeepEqual to the existing config")
			} else {
				logger.Info("config file changed, reloading")
				fn(cfg)
				prevcfg = cfg
			}
		}
	}
}
