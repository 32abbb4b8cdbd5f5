// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package dispatchgpu

import (
	"context"
	"fmt"

	"git.gpufleet.org/gpufleet.git/lib/cmd"
	"git.gpufleet.org/gpufleet.git/lib/dispatchgpu/store"
	"git.gpufleet.org/gpufleet.git/lib/service"
	"git.gpufleet.org/gpufleet.git/sdk/go/ctxlog"
	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/prometheus/client_golang/prometheus"
)

var Command cmd.Handler = service.Command(service.ServiceNameDispatchGPU, newHandler)

func newHandler(ctx context.Context, cluster *fleet.Cluster, token string, reg *prometheus.Registry) service.Handler {
	st, err := openStore(ctx, cluster)
	if err != nil {
		return service.ErrorHandler(ctx, err)
	}
	d := &dispatcher{
		Cluster:  cluster,
		Context:  ctx,
		Registry: reg,
		Store:    st,
		ownStore: true,
	}
	go d.Start()
	return d
}

// openStore returns the store configured in cluster.Database.
func openStore(ctx context.Context, cluster *fleet.Cluster) (store.Store, error) {
	db := cluster.Database
	switch db.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	case "sqlite", "postgres":
		st, err := store.OpenSQL(ctx, ctxlog.FromContext(ctx), db.Driver, db.DSN, db.PollInterval.Or(defaultDBPollInterval))
		if err != nil {
			return nil, fmt.Errorf("error opening %s database: %w", db.Driver, err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", db.Driver)
	}
}
