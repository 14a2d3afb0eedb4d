package routingdb

import (
	"database/sql"
	"fmt"
)

// schema creates the routing brain's tables: the operator-defined rules
// index, the prediction history the GEPA loop trains on, its optimization
// iteration log, and per-module cooldown bookkeeping.
const schema = `
CREATE TABLE IF NOT EXISTS routing_rules (
    id TEXT PRIMARY KEY,
    pattern TEXT NOT NULL,
    target_transport TEXT NOT NULL,
    confidence REAL NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS prediction_records (
    id TEXT PRIMARY KEY,
    module TEXT NOT NULL,
    context_hash INTEGER NOT NULL DEFAULT 0,
    predicted_tool TEXT NOT NULL,
    actual_tool TEXT,
    correct BOOLEAN,
    prediction_data TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_prediction_records_module_created
    ON prediction_records(module, created_at DESC);

CREATE TABLE IF NOT EXISTS optimization_iterations (
    module TEXT NOT NULL,
    iteration INTEGER NOT NULL,
    original_prompt TEXT,
    optimized_prompt TEXT,
    expected_improvement REAL,
    actual_improvement REAL,
    reasoning TEXT,
    timestamp TIMESTAMP NOT NULL,
    PRIMARY KEY (module, iteration)
);

CREATE TABLE IF NOT EXISTS module_runs (
    module TEXT PRIMARY KEY,
    last_run TIMESTAMP NOT NULL
);
`

// initSchema creates the routing brain's tables if they don't already exist.
func initSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("initialize routing schema: %w", err)
	}
	return nil
}
