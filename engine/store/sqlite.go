package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/cpgflow/engine"
)

// SQLiteDB is a single-file SQLite connection shared by SQLiteGraphStore,
// SQLiteInstanceStore, and SQLiteDecisionTracer. Designed for
// single-process deployments and local development; each port's data is
// stored as a JSON blob alongside a handful of indexed columns, the same
// shape as the teacher's checkpoint tables.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite database at path. Use
// ":memory:" for an ephemeral, process-local store.
func OpenSQLite(path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteDB{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteDB) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_graphs (
			graph_id TEXT NOT NULL,
			version TEXT NOT NULL,
			status TEXT NOT NULL,
			data TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (graph_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_graphs_published ON process_graphs(graph_id, status)`,
		`CREATE TABLE IF NOT EXISTS process_instances (
			instance_id TEXT NOT NULL PRIMARY KEY,
			graph_id TEXT NOT NULL,
			graph_version TEXT NOT NULL,
			status TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_status ON process_instances(status)`,
		`CREATE TABLE IF NOT EXISTS decision_traces (
			trace_id TEXT NOT NULL PRIMARY KEY,
			instance_id TEXT NOT NULL,
			trace_type TEXT NOT NULL,
			timestamp_ns INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_instance ON decision_traces(instance_id, timestamp_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_traces_instance_type ON decision_traces(instance_id, trace_type)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteDB) Close() error {
	return s.db.Close()
}

// GraphStore returns the GraphStore view of this connection.
func (s *SQLiteDB) GraphStore() *SQLiteGraphStore { return &SQLiteGraphStore{db: s.db} }

// InstanceStore returns the InstanceStore view of this connection.
func (s *SQLiteDB) InstanceStore() *SQLiteInstanceStore { return &SQLiteInstanceStore{db: s.db} }

// DecisionTracer returns the DecisionTracer view of this connection.
func (s *SQLiteDB) DecisionTracer() *SQLiteDecisionTracer { return &SQLiteDecisionTracer{db: s.db} }

// SQLiteGraphStore is the GraphStore view of a SQLiteDB.
type SQLiteGraphStore struct{ db *sql.DB }

// Put upserts a graph, for use by authoring tooling ahead of the
// orchestrator loading it.
func (s *SQLiteGraphStore) Put(ctx context.Context, graph engine.ProcessGraph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_graphs (graph_id, version, status, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(graph_id, version) DO UPDATE SET
			status = excluded.status, data = excluded.data
	`, graph.GraphID, graph.Version, string(graph.Status), string(data))
	if err != nil {
		return fmt.Errorf("failed to save graph: %w", err)
	}
	return nil
}

func (s *SQLiteGraphStore) Load(ctx context.Context, graphID, version string) (engine.ProcessGraph, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM process_graphs WHERE graph_id = ? AND version = ?`, graphID, version).Scan(&data)
	if err == sql.ErrNoRows {
		return engine.ProcessGraph{}, ErrNotFound
	}
	if err != nil {
		return engine.ProcessGraph{}, fmt.Errorf("failed to load graph: %w", err)
	}
	var graph engine.ProcessGraph
	if err := json.Unmarshal([]byte(data), &graph); err != nil {
		return engine.ProcessGraph{}, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return graph, nil
}

func (s *SQLiteGraphStore) LoadLatestPublished(ctx context.Context, graphID string) (engine.ProcessGraph, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM process_graphs
		WHERE graph_id = ? AND status = ?
		ORDER BY version DESC LIMIT 1
	`, graphID, string(engine.GraphPublished)).Scan(&data)
	if err == sql.ErrNoRows {
		return engine.ProcessGraph{}, ErrNotFound
	}
	if err != nil {
		return engine.ProcessGraph{}, fmt.Errorf("failed to load latest published graph: %w", err)
	}
	var graph engine.ProcessGraph
	if err := json.Unmarshal([]byte(data), &graph); err != nil {
		return engine.ProcessGraph{}, fmt.Errorf("failed to unmarshal graph: %w", err)
	}
	return graph, nil
}

// SQLiteInstanceStore is the InstanceStore view of a SQLiteDB.
type SQLiteInstanceStore struct{ db *sql.DB }

func (s *SQLiteInstanceStore) Load(ctx context.Context, instanceID string) (engine.ProcessInstance, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM process_instances WHERE instance_id = ?`, instanceID).Scan(&data)
	if err == sql.ErrNoRows {
		return engine.ProcessInstance{}, ErrNotFound
	}
	if err != nil {
		return engine.ProcessInstance{}, fmt.Errorf("failed to load instance: %w", err)
	}
	var inst engine.ProcessInstance
	if err := json.Unmarshal([]byte(data), &inst); err != nil {
		return engine.ProcessInstance{}, fmt.Errorf("failed to unmarshal instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteInstanceStore) Create(ctx context.Context, instance engine.ProcessInstance) error {
	instance.Version = 1
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_instances (instance_id, graph_id, graph_version, status, version, data)
		VALUES (?, ?, ?, ?, ?, ?)
	`, instance.InstanceID, instance.GraphID, instance.GraphVersion, string(instance.Status), instance.Version, string(data))
	if err != nil {
		return fmt.Errorf("failed to create instance: %w", err)
	}
	return nil
}

func (s *SQLiteInstanceStore) Save(ctx context.Context, instance engine.ProcessInstance, expectedVersion int64) error {
	instance.Version = expectedVersion + 1
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_instances
		SET status = ?, version = ?, data = ?, updated_at = CURRENT_TIMESTAMP
		WHERE instance_id = ? AND version = ?
	`, string(instance.Status), instance.Version, string(data), instance.InstanceID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to save instance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check save result: %w", err)
	}
	if rows == 0 {
		var exists int
		if qerr := s.db.QueryRowContext(ctx, `SELECT 1 FROM process_instances WHERE instance_id = ?`, instance.InstanceID).Scan(&exists); qerr == sql.ErrNoRows {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}

// IdempotencyKey reports whether key has already been used by any recorded
// node execution, by scanning recorded instance data. Backed by the same
// instance JSON blobs rather than a dedicated idempotency table, since
// node-execution idempotency keys are already namespaced per instance.
func (s *SQLiteInstanceStore) IdempotencyKey(ctx context.Context, key string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM process_instances`)
	if err != nil {
		return false, fmt.Errorf("failed to scan instances for idempotency: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return false, err
		}
		var inst engine.ProcessInstance
		if err := json.Unmarshal([]byte(data), &inst); err != nil {
			continue
		}
		for _, ne := range inst.NodeExecutions {
			if v, ok := ne.Result["idempotencyKey"].(string); ok && v == key {
				return true, nil
			}
		}
	}
	return false, rows.Err()
}

// IdempotencyIndex returns a seenFn suitable for Orchestrator.WithIdempotencyIndex.
func (s *SQLiteInstanceStore) IdempotencyIndex() func(key string) bool {
	return func(key string) bool {
		seen, err := s.IdempotencyKey(context.Background(), key)
		return err == nil && seen
	}
}

// SQLiteDecisionTracer is the DecisionTracer view of a SQLiteDB.
type SQLiteDecisionTracer struct{ db *sql.DB }

func (s *SQLiteDecisionTracer) Append(ctx context.Context, trace engine.DecisionTrace) error {
	data, err := json.Marshal(trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO decision_traces (trace_id, instance_id, trace_type, timestamp_ns, data)
		VALUES (?, ?, ?, ?, ?)
	`, trace.TraceID, trace.InstanceID, string(trace.Type), trace.Timestamp.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("failed to append trace: %w", err)
	}
	return nil
}

func scanTraces(rows *sql.Rows) ([]engine.DecisionTrace, error) {
	var out []engine.DecisionTrace
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var trace engine.DecisionTrace
		if err := json.Unmarshal([]byte(data), &trace); err != nil {
			return nil, err
		}
		out = append(out, trace)
	}
	return out, rows.Err()
}

func (s *SQLiteDecisionTracer) ByInstance(ctx context.Context, instanceID string) ([]engine.DecisionTrace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM decision_traces WHERE instance_id = ? ORDER BY timestamp_ns ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTraces(rows)
}

func (s *SQLiteDecisionTracer) ByInstanceAndType(ctx context.Context, instanceID string, t engine.TraceType) ([]engine.DecisionTrace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM decision_traces WHERE instance_id = ? AND trace_type = ? ORDER BY timestamp_ns ASC`, instanceID, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTraces(rows)
}

func (s *SQLiteDecisionTracer) ByInstanceAndTimeRange(ctx context.Context, instanceID string, fromUnixNano, toUnixNano int64) ([]engine.DecisionTrace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM decision_traces
		WHERE instance_id = ? AND timestamp_ns BETWEEN ? AND ?
		ORDER BY timestamp_ns ASC
	`, instanceID, fromUnixNano, toUnixNano)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTraces(rows)
}

func (s *SQLiteDecisionTracer) ByID(ctx context.Context, traceID string) (engine.DecisionTrace, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM decision_traces WHERE trace_id = ?`, traceID).Scan(&data)
	if err == sql.ErrNoRows {
		return engine.DecisionTrace{}, ErrNotFound
	}
	if err != nil {
		return engine.DecisionTrace{}, fmt.Errorf("failed to load trace: %w", err)
	}
	var trace engine.DecisionTrace
	if err := json.Unmarshal([]byte(data), &trace); err != nil {
		return engine.DecisionTrace{}, fmt.Errorf("failed to unmarshal trace: %w", err)
	}
	return trace, nil
}

func (s *SQLiteDecisionTracer) LatestForInstance(ctx context.Context, instanceID string) (engine.DecisionTrace, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM decision_traces WHERE instance_id = ? ORDER BY timestamp_ns DESC LIMIT 1
	`, instanceID).Scan(&data)
	if err == sql.ErrNoRows {
		return engine.DecisionTrace{}, ErrNotFound
	}
	if err != nil {
		return engine.DecisionTrace{}, fmt.Errorf("failed to load latest trace: %w", err)
	}
	var trace engine.DecisionTrace
	if err := json.Unmarshal([]byte(data), &trace); err != nil {
		return engine.DecisionTrace{}, fmt.Errorf("failed to unmarshal trace: %w", err)
	}
	return trace, nil
}

func (s *SQLiteDecisionTracer) DeleteBefore(ctx context.Context, instanceID string, cutoffUnixNano int64) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM decision_traces WHERE instance_id = ? AND timestamp_ns < ?`, instanceID, cutoffUnixNano)
	if err != nil {
		return 0, fmt.Errorf("failed to delete traces: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check delete result: %w", err)
	}
	return int(rows), nil
}
