// Package routingdb is the sqlite-backed persistence layer for the
// routing brain: operator-defined routing rules, the prediction history
// the GEPA loop trains on, and its optimization iteration log.
package routingdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/maceip/acdp-gateway/internal/domain/routing"
)

// Config configures the routing brain's sqlite store.
type Config struct {
	// Path is the database file path. ":memory:" opens a private,
	// in-process database, mainly useful for tests.
	Path string

	// BusyTimeout bounds how long a write waits on SQLITE_BUSY before
	// giving up. Defaults to 5s.
	BusyTimeout time.Duration

	// JournalMode is the sqlite journal mode. Defaults to "WAL".
	JournalMode string
}

// DefaultConfig returns a Config with production-ready defaults.
func DefaultConfig() Config {
	return Config{
		Path:        "routing.db",
		BusyTimeout: 5 * time.Second,
		JournalMode: "WAL",
	}
}

// Store implements proxy.RoutingRuleSource and proxy.PredictionRecorder,
// and additionally exposes the window/history queries the GEPA
// optimization loop needs.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if necessary) the sqlite database at
// config.Path and ensures the routing brain's schema exists.
func NewStore(config Config) (*Store, error) {
	if config.Path == "" {
		config = DefaultConfig()
	}
	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("open routing database: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer; avoid SQLITE_BUSY churn

	journalMode := config.JournalMode
	if journalMode == "" {
		journalMode = "WAL"
	}
	busyTimeout := config.BusyTimeout
	if busyTimeout == 0 {
		busyTimeout = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()),
		fmt.Sprintf("PRAGMA journal_mode = %s", journalMode),
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// FindMatchingRule implements proxy.RoutingRuleSource: it loads the
// operator-defined rule set and applies the longest-substring-match
// policy against msgContext.
func (s *Store) FindMatchingRule(ctx context.Context, msgContext string) (*routing.RoutingRule, bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, pattern, target_transport, confidence FROM routing_rules`)
	if err != nil {
		return nil, false, fmt.Errorf("query routing rules: %w", err)
	}
	defer rows.Close()

	var rules []routing.RoutingRule
	for rows.Next() {
		var r routing.RoutingRule
		if err := rows.Scan(&r.ID, &r.Pattern, &r.TargetTransport, &r.Confidence); err != nil {
			return nil, false, fmt.Errorf("scan routing rule: %w", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}

	rule, ok := routing.FindMatchingRule(rules, msgContext)
	if !ok {
		return nil, false, nil
	}
	return &rule, true, nil
}

// UpsertRule creates or replaces an operator-defined routing rule.
func (s *Store) UpsertRule(ctx context.Context, rule routing.RoutingRule) (routing.RoutingRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routing_rules (id, pattern, target_transport, confidence)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			pattern = excluded.pattern,
			target_transport = excluded.target_transport,
			confidence = excluded.confidence
	`, rule.ID, rule.Pattern, rule.TargetTransport, rule.Confidence)
	if err != nil {
		return routing.RoutingRule{}, fmt.Errorf("upsert routing rule: %w", err)
	}
	return rule, nil
}

// DeleteRule removes an operator-defined routing rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routing_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete routing rule: %w", err)
	}
	return nil
}

// Insert implements proxy.PredictionRecorder. It assigns the record an ID
// (using the serialized context as its ContextHash for later dedup/cache
// use) and persists it with no outcome yet known.
func (s *Store) Insert(ctx context.Context, record routing.PredictionRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.Module == "" {
		record.Module = "default"
	}
	if record.Context != "" {
		record.ContextHash = xxhash.Sum64String(record.Context)
	}

	predictionData, err := json.Marshal(record.PredictionData)
	if err != nil {
		return fmt.Errorf("marshal prediction data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO prediction_records (id, module, context_hash, predicted_tool, prediction_data)
		VALUES (?, ?, ?, ?, ?)
	`, record.ID, record.Module, record.ContextHash, record.PredictedTool, string(predictionData))
	if err != nil {
		return fmt.Errorf("insert prediction record: %w", err)
	}
	return nil
}

// UpdateOutcome implements proxy.PredictionRecorder: it records the
// observed tool and whether the prediction was correct.
func (s *Store) UpdateOutcome(ctx context.Context, recordID, actualTool string) error {
	row := s.db.QueryRowContext(ctx, `SELECT predicted_tool FROM prediction_records WHERE id = ?`, recordID)
	var predictedTool string
	if err := row.Scan(&predictedTool); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("lookup prediction record: %w", err)
	}

	record := routing.PredictionRecord{PredictedTool: predictedTool}
	record.MarkOutcome(actualTool)

	_, err := s.db.ExecContext(ctx, `
		UPDATE prediction_records SET actual_tool = ?, correct = ? WHERE id = ?
	`, *record.ActualTool, *record.Correct, recordID)
	if err != nil {
		return fmt.Errorf("update prediction outcome: %w", err)
	}
	return nil
}

// RecentPredictions returns up to limit of a module's most recent
// prediction records, freshest first, for the GEPA loop's window split.
func (s *Store) RecentPredictions(ctx context.Context, module string, limit int) ([]routing.PredictionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, module, context_hash, predicted_tool, actual_tool, correct, prediction_data, created_at
		FROM prediction_records
		WHERE module = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, module, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent predictions: %w", err)
	}
	defer rows.Close()

	var records []routing.PredictionRecord
	for rows.Next() {
		var (
			r              routing.PredictionRecord
			actualTool     sql.NullString
			correct        sql.NullBool
			predictionData sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Module, &r.ContextHash, &r.PredictedTool, &actualTool, &correct, &predictionData, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan prediction record: %w", err)
		}
		if actualTool.Valid {
			r.ActualTool = &actualTool.String
		}
		if correct.Valid {
			r.Correct = &correct.Bool
		}
		if predictionData.Valid && predictionData.String != "" {
			_ = json.Unmarshal([]byte(predictionData.String), &r.PredictionData)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecordIteration persists one GEPA optimization iteration.
func (s *Store) RecordIteration(ctx context.Context, it routing.OptimizationIteration) error {
	var actual sql.NullFloat64
	if it.ActualImprovement != nil {
		actual = sql.NullFloat64{Float64: *it.ActualImprovement, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO optimization_iterations
			(module, iteration, original_prompt, optimized_prompt, expected_improvement, actual_improvement, reasoning, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(module, iteration) DO UPDATE SET
			original_prompt = excluded.original_prompt,
			optimized_prompt = excluded.optimized_prompt,
			expected_improvement = excluded.expected_improvement,
			actual_improvement = excluded.actual_improvement,
			reasoning = excluded.reasoning,
			timestamp = excluded.timestamp
	`, it.Module, it.Iteration, it.OriginalPrompt, it.OptimizedPrompt, it.ExpectedImprovement, actual, it.Reasoning, it.Timestamp)
	if err != nil {
		return fmt.Errorf("record optimization iteration: %w", err)
	}
	return nil
}

// IterationHistory returns a module's optimization iterations, most
// recent first.
func (s *Store) IterationHistory(ctx context.Context, module string, limit int) ([]routing.OptimizationIteration, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module, iteration, original_prompt, optimized_prompt, expected_improvement, actual_improvement, reasoning, timestamp
		FROM optimization_iterations
		WHERE module = ?
		ORDER BY iteration DESC
		LIMIT ?
	`, module, limit)
	if err != nil {
		return nil, fmt.Errorf("query iteration history: %w", err)
	}
	defer rows.Close()

	var iterations []routing.OptimizationIteration
	for rows.Next() {
		var (
			it     routing.OptimizationIteration
			actual sql.NullFloat64
		)
		if err := rows.Scan(&it.Module, &it.Iteration, &it.OriginalPrompt, &it.OptimizedPrompt, &it.ExpectedImprovement, &actual, &it.Reasoning, &it.Timestamp); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		if actual.Valid {
			v := actual.Float64
			it.ActualImprovement = &v
		}
		iterations = append(iterations, it)
	}
	return iterations, rows.Err()
}

// LastRun returns the last time the GEPA loop ran for module, or the
// zero time if it has never run.
func (s *Store) LastRun(ctx context.Context, module string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `SELECT last_run FROM module_runs WHERE module = ?`, module)
	var lastRun time.Time
	if err := row.Scan(&lastRun); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("query last run: %w", err)
	}
	return lastRun, nil
}

// MarkRun records that the GEPA loop just ran for module, resetting its
// cooldown.
func (s *Store) MarkRun(ctx context.Context, module string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_runs (module, last_run) VALUES (?, ?)
		ON CONFLICT(module) DO UPDATE SET last_run = excluded.last_run
	`, module, at)
	if err != nil {
		return fmt.Errorf("mark gepa run: %w", err)
	}
	return nil
}
