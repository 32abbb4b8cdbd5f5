// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Advisory lock keys.
const (
	LockPlanner = 20001 // held by the process running the placement planner
)

var lockRetryDelay = 5 * time.Second

// A DBLocker holds a cluster-wide lock for a long-running task, so
// only one process at a time runs it. On PostgreSQL it uses
// pg_advisory_lock on a dedicated connection. Other engines are not
// shared between hosts in a way that needs this, and the lock is
// process-local.
type DBLocker struct {
	key    int
	ss     *SQLStore
	logger logrus.FieldLogger

	mtx  sync.Mutex
	held bool
	conn *sql.Conn
}

// Locker returns a DBLocker for the given key. A nil *SQLStore gives
// a process-local lock.
func (ss *SQLStore) Locker(key int) *DBLocker {
	dbl := &DBLocker{key: key, ss: ss}
	if ss != nil {
		dbl.logger = ss.logger.WithField("LockKey", key)
	}
	return dbl
}

// Lock waits until the lock is acquired, and returns true. It returns
// false if ctx is cancelled first.
func (dbl *DBLocker) Lock(ctx context.Context) bool {
	for ; ; time.Sleep(lockRetryDelay) {
		if ctx.Err() != nil {
			return false
		}
		dbl.mtx.Lock()
		if dbl.held {
			dbl.mtx.Unlock()
			continue
		}
		if dbl.ss == nil || dbl.ss.dialect.driver != "postgres" {
			dbl.held = true
			dbl.mtx.Unlock()
			return true
		}
		conn, err := dbl.ss.db.Conn(ctx)
		if err != nil {
			dbl.logger.WithError(err).Info("error getting database connection")
			dbl.mtx.Unlock()
			continue
		}
		var locked bool
		err = conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, dbl.key).Scan(&locked)
		if err != nil || !locked {
			if err != nil {
				dbl.logger.WithError(err).Info("error calling pg_try_advisory_lock")
			} else {
				dbl.logger.Debug("waiting for another process to release lock")
			}
			conn.Close()
			dbl.mtx.Unlock()
			continue
		}
		dbl.logger.Debug("acquired pg_advisory_lock")
		dbl.held, dbl.conn = true, conn
		dbl.mtx.Unlock()
		return true
	}
}

// Check returns true if the lock is still held: i.e., the database
// session that holds it is still alive.
func (dbl *DBLocker) Check(ctx context.Context) bool {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	if !dbl.held {
		return false
	}
	if dbl.conn == nil {
		return true
	}
	if err := dbl.conn.PingContext(ctx); err != nil {
		dbl.logger.WithError(err).Info("database connection holding lock is gone")
		dbl.conn.Close()
		dbl.conn, dbl.held = nil, false
		return false
	}
	return true
}

func (dbl *DBLocker) Unlock() {
	dbl.mtx.Lock()
	defer dbl.mtx.Unlock()
	if dbl.conn != nil {
		_, err := dbl.conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, dbl.key)
		if err != nil {
			dbl.logger.WithError(err).Info("error releasing pg_advisory_lock")
		}
		dbl.conn.Close()
		dbl.conn = nil
	}
	dbl.held = false
}
