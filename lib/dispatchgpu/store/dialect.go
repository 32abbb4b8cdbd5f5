// Copyright (C) The gpufleet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package store

import (
	"fmt"
)

// A dialect holds the parts of the SQL store that differ between
// database engines.
type dialect struct {
	// name given to sql.Open
	driver string
	// name given to sqlx, which decides the bind variable style
	bindType string
	// suffix of a SELECT that reads a row (worker or instance)
	// to be updated in the same transaction. Empty if the engine
	// serializes write transactions by itself.
	lockRow string
	// per-model sums of live claims: model_id, instances, ram, vram
	claimsByModel string
	// one connection only (in-memory sqlite has one database per
	// connection)
	singleConn bool
}

const liveStates = `('scheduled','starting','running')`

var dialects = map[string]dialect{
	"sqlite": {
		driver:   "sqlite",
		bindType: "sqlite3",
		claimsByModel: `SELECT model_id, COUNT(*) AS instances,
			COALESCE(SUM(ram), 0) AS ram, COALESCE(SUM(vram), 0) AS vram
			FROM (SELECT model_id,
				CAST(json_extract(computed_resource_claim, '$.ram') AS INTEGER) AS ram,
				(SELECT SUM(value) FROM json_each(computed_resource_claim, '$.vram')) AS vram
				FROM model_instances
				WHERE state IN ` + liveStates + ` AND json_valid(computed_resource_claim)) AS c
			GROUP BY model_id`,
		singleConn: true,
	},
	"postgres": {
		driver:   "postgres",
		bindType: "postgres",
		lockRow:  ` FOR UPDATE`,
		claimsByModel: `SELECT model_id, COUNT(*) AS instances,
			COALESCE(SUM(ram), 0) AS ram, COALESCE(SUM(vram), 0) AS vram
			FROM (SELECT model_id,
				json_extract_path_text(computed_resource_claim::json, 'ram')::bigint AS ram,
				(SELECT SUM(value::bigint) FROM json_each_text(computed_resource_claim::json->'vram')) AS vram
				FROM model_instances
				WHERE state IN ` + liveStates + ` AND computed_resource_claim IS NOT NULL) AS c
			GROUP BY model_id`,
	},
}

func getDialect(driver string) (dialect, error) {
	d, ok := dialects[driver]
	if !ok {
		return dialect{}, fmt.Errorf("unsupported database driver %q", driver)
	}
	return d, nil
}
