// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

// Timestamps are stored as unix nanoseconds so the same schema and
// scan code serve both dialects.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		labels TEXT NOT NULL DEFAULT '{}',
		ram BIGINT NOT NULL DEFAULT 0,
		gpus TEXT NOT NULL DEFAULT '[]',
		state TEXT NOT NULL DEFAULT '',
		heartbeat_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS models (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		spec TEXT NOT NULL,
		created_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS inference_backends (
		backend_name TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT '',
		default_version TEXT NOT NULL DEFAULT '',
		default_run_command TEXT NOT NULL DEFAULT '',
		health_check_path TEXT NOT NULL DEFAULT '',
		version_configs TEXT NOT NULL DEFAULT '{}',
		default_backend_param TEXT NOT NULL DEFAULT '[]',
		capabilities TEXT NOT NULL DEFAULT '{}',
		is_built_in BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS model_instances (
		id TEXT PRIMARY KEY,
		model_id TEXT NOT NULL,
		model_name TEXT NOT NULL DEFAULT '',
		worker_id TEXT NOT NULL DEFAULT '',
		gpu_indexes TEXT NOT NULL DEFAULT '[]',
		computed_resource_claim TEXT,
		port INTEGER NOT NULL DEFAULT 0,
		state TEXT NOT NULL,
		state_message TEXT NOT NULL DEFAULT '',
		download_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		draft_model_download_progress DOUBLE PRECISION NOT NULL DEFAULT 0,
		model_path TEXT NOT NULL DEFAULT '',
		draft_model_path TEXT NOT NULL DEFAULT '',
		attempt INTEGER NOT NULL DEFAULT 0,
		restart_count INTEGER NOT NULL DEFAULT 0,
		failure TEXT NOT NULL DEFAULT '',
		failed_at BIGINT NOT NULL DEFAULT 0,
		stop_requested BOOLEAN NOT NULL DEFAULT FALSE,
		reschedule_requested BOOLEAN NOT NULL DEFAULT FALSE,
		created_at BIGINT NOT NULL DEFAULT 0,
		updated_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS model_instances_worker ON model_instances (worker_id, state)`,
	`CREATE INDEX IF NOT EXISTS model_instances_model ON model_instances (model_id)`,
}
