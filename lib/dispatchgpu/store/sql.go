// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"git.gpufleet.org/gpufleet.git/sdk/go/fleet"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	// database/sql drivers
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// SQLStore is a Store backed by a sqlite or PostgreSQL database,
// which can be shared by several processes (e.g., a dispatcher and
// remote worker agents).
type SQLStore struct {
	notifier
	db      *sqlx.DB
	dialect dialect
	logger  logrus.FieldLogger

	// Serializes ClaimTx calls in this process; the database
	// serializes them across processes.
	workerLocks sync.Map

	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}
}

// OpenSQL connects to the database, creates the tables if needed,
// and (if pollInterval > 0) starts polling for changes made by other
// processes.
func OpenSQL(ctx context.Context, logger logrus.FieldLogger, driver, dsn string, pollInterval time.Duration) (*SQLStore, error) {
	d, err := getDialect(driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if d.singleConn {
		db.SetMaxOpenConns(1)
	}
	ss := &SQLStore{
		db:      sqlx.NewDb(db, d.bindType),
		dialect: d,
		logger:  logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if err := ss.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if pollInterval > 0 {
		go ss.poll(pollInterval)
	} else {
		close(ss.stopped)
	}
	return ss, nil
}

func (ss *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := ss.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// poll notifies subscribers when the instance or worker tables
// change outside this process.
func (ss *SQLStore) poll(interval time.Duration) {
	defer close(ss.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last string
	for {
		select {
		case <-ss.stop:
			return
		case <-ticker.C:
		}
		var sig struct {
			Instances  int64 `db:"instances"`
			InstanceTS int64 `db:"instance_ts"`
			Workers    int64 `db:"workers"`
			WorkerTS   int64 `db:"worker_ts"`
		}
		err := ss.db.Get(&sig, `SELECT
			(SELECT COUNT(*) FROM model_instances) AS instances,
			(SELECT COALESCE(MAX(updated_at), 0) FROM model_instances) AS instance_ts,
			(SELECT COUNT(*) FROM workers) AS workers,
			(SELECT COALESCE(MAX(heartbeat_at), 0) FROM workers) AS worker_ts`)
		if err != nil {
			ss.logger.WithError(err).Warn("error polling database for changes")
			continue
		}
		if s := fmt.Sprintf("%+v", sig); s != last {
			last = s
			ss.notify()
		}
	}
}

func (ss *SQLStore) Ping(ctx context.Context) error {
	return ss.db.PingContext(ctx)
}

func (ss *SQLStore) Close() error {
	ss.stopOnce.Do(func() { close(ss.stop) })
	<-ss.stopped
	return ss.db.Close()
}

type workerRow struct {
	ID          string `db:"id"`
	Name        string `db:"name"`
	Labels      string `db:"labels"`
	RAM         int64  `db:"ram"`
	GPUs        string `db:"gpus"`
	State       string `db:"state"`
	HeartbeatAt int64  `db:"heartbeat_at"`
}

func (r workerRow) worker() (fleet.Worker, error) {
	w := fleet.Worker{
		ID:          r.ID,
		Name:        r.Name,
		RAM:         fleet.ByteSize(r.RAM),
		State:       fleet.WorkerState(r.State),
		HeartbeatAt: fromNanos(r.HeartbeatAt),
	}
	if err := json.Unmarshal([]byte(r.Labels), &w.Labels); err != nil {
		return w, fmt.Errorf("worker %q: bad labels: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(r.GPUs), &w.GPUs); err != nil {
		return w, fmt.Errorf("worker %q: bad gpus: %w", r.ID, err)
	}
	return w, nil
}

func (ss *SQLStore) Workers(ctx context.Context) ([]fleet.Worker, error) {
	var rows []workerRow
	if err := ss.db.SelectContext(ctx, &rows, `SELECT * FROM workers ORDER BY id`); err != nil {
		return nil, err
	}
	workers := make([]fleet.Worker, 0, len(rows))
	for _, r := range rows {
		w, err := r.worker()
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

func (ss *SQLStore) Worker(ctx context.Context, id string) (fleet.Worker, error) {
	return ss.getWorker(ctx, ss.db, id, "")
}

func (ss *SQLStore) getWorker(ctx context.Context, q sqlx.QueryerContext, id, suffix string) (fleet.Worker, error) {
	var r workerRow
	err := sqlx.GetContext(ctx, q, &r, ss.db.Rebind(`SELECT * FROM workers WHERE id=?`+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Worker{}, fmt.Errorf("worker %q: %w", id, ErrNotFound)
	} else if err != nil {
		return fleet.Worker{}, err
	}
	return r.worker()
}

func (ss *SQLStore) PutWorker(ctx context.Context, w fleet.Worker) error {
	labels, _ := json.Marshal(w.Labels)
	gpus, _ := json.Marshal(w.GPUs)
	_, err := ss.db.ExecContext(ctx, ss.db.Rebind(`INSERT INTO workers (id, name, labels, ram, gpus, state, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name=excluded.name, labels=excluded.labels, ram=excluded.ram,
			gpus=excluded.gpus, state=excluded.state, heartbeat_at=excluded.heartbeat_at`),
		w.ID, w.Name, string(labels), int64(w.RAM), string(gpus), string(w.State), toNanos(w.HeartbeatAt))
	if err == nil {
		ss.notify()
	}
	return err
}

func (ss *SQLStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := ss.db.ExecContext(ctx, ss.db.Rebind(`UPDATE workers SET heartbeat_at=? WHERE id=?`), toNanos(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("worker %q: %w", id, ErrNotFound)
	}
	return nil
}

type modelRow struct {
	ID        string `db:"id"`
	Name      string `db:"name"`
	Spec      string `db:"spec"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r modelRow) model() (fleet.Model, error) {
	var m fleet.Model
	if err := json.Unmarshal([]byte(r.Spec), &m); err != nil {
		return m, fmt.Errorf("model %q: bad spec: %w", r.ID, err)
	}
	m.ID, m.Name = r.ID, r.Name
	m.CreatedAt, m.UpdatedAt = fromNanos(r.CreatedAt), fromNanos(r.UpdatedAt)
	return m, nil
}

func (ss *SQLStore) Models(ctx context.Context) ([]fleet.Model, error) {
	var rows []modelRow
	if err := ss.db.SelectContext(ctx, &rows, `SELECT * FROM models ORDER BY id`); err != nil {
		return nil, err
	}
	models := make([]fleet.Model, 0, len(rows))
	for _, r := range rows {
		m, err := r.model()
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, nil
}

func (ss *SQLStore) Model(ctx context.Context, id string) (fleet.Model, error) {
	var r modelRow
	err := ss.db.GetContext(ctx, &r, ss.db.Rebind(`SELECT * FROM models WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Model{}, fmt.Errorf("model %q: %w", id, ErrNotFound)
	} else if err != nil {
		return fleet.Model{}, err
	}
	return r.model()
}

func (ss *SQLStore) PutModel(ctx context.Context, m fleet.Model) error {
	spec, err := json.Marshal(m)
	if err != nil {
		return err
	}
	now := toNanos(time.Now())
	created := toNanos(m.CreatedAt)
	if created == 0 {
		created = now
	}
	_, err = ss.db.ExecContext(ctx, ss.db.Rebind(`INSERT INTO models (id, name, spec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name=excluded.name, spec=excluded.spec, updated_at=excluded.updated_at`),
		m.ID, m.Name, string(spec), created, now)
	if err == nil {
		ss.notify()
	}
	return err
}

func (ss *SQLStore) DeleteModel(ctx context.Context, id string) error {
	err := ss.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM model_instances WHERE model_id=?`), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM models WHERE id=?`), id)
		return err
	})
	if err == nil {
		ss.notify()
	}
	return err
}

type backendRow struct {
	Name              string `db:"backend_name"`
	Description       string `db:"description"`
	DefaultVersion    string `db:"default_version"`
	DefaultRunCommand string `db:"default_run_command"`
	HealthCheckPath   string `db:"health_check_path"`
	VersionConfigs    string `db:"version_configs"`
	DefaultParameters string `db:"default_backend_param"`
	Capabilities      string `db:"capabilities"`
	BuiltIn           bool   `db:"is_built_in"`
}

type backendCapabilities struct {
	Platforms      []fleet.Platform `json:"platforms"`
	MultiGPU       *bool            `json:"multi_gpu,omitempty"`
	PartialOffload *bool            `json:"partial_offload,omitempty"`
}

func (ss *SQLStore) Backends(ctx context.Context) ([]fleet.InferenceBackend, error) {
	var rows []backendRow
	if err := ss.db.SelectContext(ctx, &rows, `SELECT * FROM inference_backends ORDER BY backend_name`); err != nil {
		return nil, err
	}
	var backends []fleet.InferenceBackend
	for _, r := range rows {
		b := fleet.InferenceBackend{
			Name:              fleet.BackendName(r.Name),
			Description:       r.Description,
			DefaultVersion:    r.DefaultVersion,
			DefaultRunCommand: r.DefaultRunCommand,
			HealthCheckPath:   r.HealthCheckPath,
			BuiltIn:           r.BuiltIn,
		}
		var caps backendCapabilities
		for _, field := range []struct {
			src string
			dst interface{}
		}{
			{r.VersionConfigs, &b.VersionConfigs},
			{r.DefaultParameters, &b.DefaultParameters},
			{r.Capabilities, &caps},
		} {
			if err := json.Unmarshal([]byte(field.src), field.dst); err != nil {
				return nil, fmt.Errorf("backend %q: %w", r.Name, err)
			}
		}
		b.Platforms, b.MultiGPU, b.PartialOffload = caps.Platforms, caps.MultiGPU, caps.PartialOffload
		backends = append(backends, b)
	}
	return backends, nil
}

func (ss *SQLStore) PutBackend(ctx context.Context, b fleet.InferenceBackend) error {
	vc, _ := json.Marshal(b.VersionConfigs)
	params, _ := json.Marshal(b.DefaultParameters)
	caps, _ := json.Marshal(backendCapabilities{b.Platforms, b.MultiGPU, b.PartialOffload})
	_, err := ss.db.ExecContext(ctx, ss.db.Rebind(`INSERT INTO inference_backends
		(backend_name, description, default_version, default_run_command, health_check_path,
		 version_configs, default_backend_param, capabilities, is_built_in)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (backend_name) DO UPDATE SET description=excluded.description,
			default_version=excluded.default_version, default_run_command=excluded.default_run_command,
			health_check_path=excluded.health_check_path, version_configs=excluded.version_configs,
			default_backend_param=excluded.default_backend_param, capabilities=excluded.capabilities,
			is_built_in=excluded.is_built_in`),
		string(b.Name), b.Description, b.DefaultVersion, b.DefaultRunCommand, b.HealthCheckPath,
		string(vc), string(params), string(caps), b.BuiltIn)
	if err == nil {
		ss.notify()
	}
	return err
}

type instanceRow struct {
	ID                    string         `db:"id"`
	ModelID               string         `db:"model_id"`
	ModelName             string         `db:"model_name"`
	WorkerID              string         `db:"worker_id"`
	GPUIndexes            string         `db:"gpu_indexes"`
	Claim                 sql.NullString `db:"computed_resource_claim"`
	Port                  int            `db:"port"`
	State                 string         `db:"state"`
	StateMessage          string         `db:"state_message"`
	DownloadProgress      float64        `db:"download_progress"`
	DraftDownloadProgress float64        `db:"draft_model_download_progress"`
	ModelPath             string         `db:"model_path"`
	DraftModelPath        string         `db:"draft_model_path"`
	Attempt               int            `db:"attempt"`
	RestartCount          int            `db:"restart_count"`
	Failure               string         `db:"failure"`
	FailedAt              int64          `db:"failed_at"`
	StopRequested         bool           `db:"stop_requested"`
	RescheduleRequested   bool           `db:"reschedule_requested"`
	CreatedAt             int64          `db:"created_at"`
	UpdatedAt             int64          `db:"updated_at"`
}

const instanceColumns = `id, model_id, model_name, worker_id, gpu_indexes, computed_resource_claim,
	port, state, state_message, download_progress, draft_model_download_progress,
	model_path, draft_model_path, attempt, restart_count, failure, failed_at,
	stop_requested, reschedule_requested, created_at, updated_at`

// instance returns the decoded record, and whether the stored claim
// was readable.
func (r instanceRow) instance() (fleet.ModelInstance, bool) {
	mi := fleet.ModelInstance{
		ID:                    r.ID,
		ModelID:               r.ModelID,
		ModelName:             r.ModelName,
		WorkerID:              r.WorkerID,
		Port:                  r.Port,
		State:                 fleet.InstanceState(r.State),
		StateMessage:          r.StateMessage,
		DownloadProgress:      r.DownloadProgress,
		DraftDownloadProgress: r.DraftDownloadProgress,
		ModelPath:             r.ModelPath,
		DraftModelPath:        r.DraftModelPath,
		Attempt:               r.Attempt,
		RestartCount:          r.RestartCount,
		Failure:               fleet.FailureKind(r.Failure),
		FailedAt:              fromNanos(r.FailedAt),
		StopRequested:         r.StopRequested,
		RescheduleRequested:   r.RescheduleRequested,
		CreatedAt:             fromNanos(r.CreatedAt),
		UpdatedAt:             fromNanos(r.UpdatedAt),
	}
	json.Unmarshal([]byte(r.GPUIndexes), &mi.GPUIndexes)
	if len(mi.GPUIndexes) == 0 {
		mi.GPUIndexes = nil
	}
	return mi, decodeClaim(&mi, []byte(r.Claim.String))
}

func newInstanceRow(mi fleet.ModelInstance, orig []byte, origParsed bool) instanceRow {
	gpus, _ := json.Marshal(mi.GPUIndexes)
	if mi.GPUIndexes == nil {
		gpus = []byte("[]")
	}
	r := instanceRow{
		ID:                    mi.ID,
		ModelID:               mi.ModelID,
		ModelName:             mi.ModelName,
		WorkerID:              mi.WorkerID,
		GPUIndexes:            string(gpus),
		Port:                  mi.Port,
		State:                 string(mi.State),
		StateMessage:          mi.StateMessage,
		DownloadProgress:      mi.DownloadProgress,
		DraftDownloadProgress: mi.DraftDownloadProgress,
		ModelPath:             mi.ModelPath,
		DraftModelPath:        mi.DraftModelPath,
		Attempt:               mi.Attempt,
		RestartCount:          mi.RestartCount,
		Failure:               string(mi.Failure),
		FailedAt:              toNanos(mi.FailedAt),
		StopRequested:         mi.StopRequested,
		RescheduleRequested:   mi.RescheduleRequested,
		CreatedAt:             toNanos(mi.CreatedAt),
		UpdatedAt:             toNanos(mi.UpdatedAt),
	}
	if claim := encodeClaim(&mi, orig, origParsed); claim != nil {
		r.Claim = sql.NullString{String: string(claim), Valid: true}
	}
	return r
}

func (ss *SQLStore) Instances(ctx context.Context, filter InstanceFilter) ([]fleet.ModelInstance, error) {
	var where []string
	var args []interface{}
	if filter.WorkerID != "" {
		where = append(where, "worker_id=?")
		args = append(args, filter.WorkerID)
	}
	if filter.ModelID != "" {
		where = append(where, "model_id=?")
		args = append(args, filter.ModelID)
	}
	if len(filter.States) > 0 {
		where = append(where, "state IN (?)")
		var states []string
		for _, s := range filter.States {
			states = append(states, string(s))
		}
		args = append(args, states)
	}
	query := `SELECT ` + instanceColumns + ` FROM model_instances`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`
	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}
	var rows []instanceRow
	if err := ss.db.SelectContext(ctx, &rows, ss.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	list := make([]fleet.ModelInstance, 0, len(rows))
	for _, r := range rows {
		mi, _ := r.instance()
		list = append(list, mi)
	}
	return list, nil
}

func (ss *SQLStore) Instance(ctx context.Context, id string) (fleet.ModelInstance, error) {
	r, err := ss.getInstanceRow(ctx, ss.db, id, "")
	if err != nil {
		return fleet.ModelInstance{}, err
	}
	mi, _ := r.instance()
	return mi, nil
}

func (ss *SQLStore) getInstanceRow(ctx context.Context, q sqlx.QueryerContext, id, suffix string) (instanceRow, error) {
	var r instanceRow
	err := sqlx.GetContext(ctx, q, &r, ss.db.Rebind(`SELECT `+instanceColumns+` FROM model_instances WHERE id=?`+suffix), id)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	return r, err
}

func (ss *SQLStore) CreateInstance(ctx context.Context, mi fleet.ModelInstance) error {
	now := time.Now()
	if mi.CreatedAt.IsZero() {
		mi.CreatedAt = now
	}
	mi.UpdatedAt = now
	_, err := ss.db.NamedExecContext(ctx, `INSERT INTO model_instances (`+instanceColumns+`) VALUES (
		:id, :model_id, :model_name, :worker_id, :gpu_indexes, :computed_resource_claim,
		:port, :state, :state_message, :download_progress, :draft_model_download_progress,
		:model_path, :draft_model_path, :attempt, :restart_count, :failure, :failed_at,
		:stop_requested, :reschedule_requested, :created_at, :updated_at)`,
		newInstanceRow(mi, nil, true))
	if err != nil {
		if _, gerr := ss.Instance(ctx, mi.ID); gerr == nil {
			return fmt.Errorf("instance %q: %w", mi.ID, ErrExists)
		}
		return err
	}
	ss.notify()
	return nil
}

func (ss *SQLStore) DeleteInstance(ctx context.Context, id string) error {
	res, err := ss.db.ExecContext(ctx, ss.db.Rebind(`DELETE FROM model_instances WHERE id=?`), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	ss.notify()
	return nil
}

func (ss *SQLStore) UpdateInstance(ctx context.Context, id string, fn func(*fleet.ModelInstance) error) (fleet.ModelInstance, error) {
	var mi fleet.ModelInstance
	err := ss.inTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		mi, err = ss.updateInTx(ctx, tx, id, fn)
		return err
	})
	if err != nil {
		return fleet.ModelInstance{}, err
	}
	ss.notify()
	return mi, nil
}

// updateInTx reads, modifies and rewrites an instance row. The row
// stays locked until tx ends, so concurrent updates of the same
// instance are applied one after another.
func (ss *SQLStore) updateInTx(ctx context.Context, tx *sqlx.Tx, id string, fn func(*fleet.ModelInstance) error) (fleet.ModelInstance, error) {
	r, err := ss.getInstanceRow(ctx, tx, id, ss.dialect.lockRow)
	if err != nil {
		return fleet.ModelInstance{}, err
	}
	mi, parsed := r.instance()
	if err := fn(&mi); err != nil {
		return fleet.ModelInstance{}, err
	}
	mi.ID = id
	mi.UpdatedAt = time.Now()
	nr := newInstanceRow(mi, []byte(r.Claim.String), parsed)
	_, err = tx.NamedExecContext(ctx, `UPDATE model_instances SET
		model_id=:model_id, model_name=:model_name, worker_id=:worker_id, gpu_indexes=:gpu_indexes,
		computed_resource_claim=:computed_resource_claim, port=:port, state=:state,
		state_message=:state_message, download_progress=:download_progress,
		draft_model_download_progress=:draft_model_download_progress, model_path=:model_path,
		draft_model_path=:draft_model_path, attempt=:attempt, restart_count=:restart_count,
		failure=:failure, failed_at=:failed_at, stop_requested=:stop_requested,
		reschedule_requested=:reschedule_requested, updated_at=:updated_at
		WHERE id=:id`, nr)
	if err != nil {
		return fleet.ModelInstance{}, err
	}
	saved, _ := nr.instance()
	return saved, nil
}

func (ss *SQLStore) LiveClaims(ctx context.Context, workerID string) ([]LiveClaim, error) {
	return ss.liveClaims(ctx, ss.db, workerID, "")
}

func (ss *SQLStore) liveClaims(ctx context.Context, q sqlx.QueryerContext, workerID, exclude string) ([]LiveClaim, error) {
	var rows []struct {
		ID      string         `db:"id"`
		ModelID string         `db:"model_id"`
		State   string         `db:"state"`
		Claim   sql.NullString `db:"computed_resource_claim"`
	}
	err := sqlx.SelectContext(ctx, q, &rows, ss.db.Rebind(`SELECT id, model_id, state, computed_resource_claim
		FROM model_instances
		WHERE worker_id=? AND id<>? AND state IN `+liveStates+`
		ORDER BY id`), workerID, exclude)
	if err != nil {
		return nil, err
	}
	var live []LiveClaim
	for _, r := range rows {
		live = append(live, LiveClaim{
			InstanceID: r.ID,
			ModelID:    r.ModelID,
			State:      fleet.InstanceState(r.State),
			Raw:        []byte(r.Claim.String),
		})
	}
	return live, nil
}

func (ss *SQLStore) ClaimTx(ctx context.Context, workerID, instanceID string, fn ClaimFunc) (fleet.ModelInstance, error) {
	lk, _ := ss.workerLocks.LoadOrStore(workerID, &sync.Mutex{})
	wlock := lk.(*sync.Mutex)
	wlock.Lock()
	defer wlock.Unlock()

	var mi fleet.ModelInstance
	err := ss.inTx(ctx, func(tx *sqlx.Tx) error {
		w, err := ss.getWorker(ctx, tx, workerID, ss.dialect.lockRow)
		if err != nil {
			return err
		}
		live, err := ss.liveClaims(ctx, tx, workerID, instanceID)
		if err != nil {
			return err
		}
		mi, err = ss.updateInTx(ctx, tx, instanceID, func(mi *fleet.ModelInstance) error {
			return fn(w, live, mi)
		})
		return err
	})
	if err != nil {
		return fleet.ModelInstance{}, err
	}
	ss.notify()
	return mi, nil
}

func (ss *SQLStore) ClaimsByModel(ctx context.Context) (map[string]ModelClaims, error) {
	var rows []ModelClaims
	err := ss.db.SelectContext(ctx, &rows, ss.dialect.claimsByModel)
	if err != nil {
		return nil, err
	}
	sums := map[string]ModelClaims{}
	for _, r := range rows {
		sums[r.ModelID] = r
	}
	return sums, nil
}

func (ss *SQLStore) inTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	tx, err := ss.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
