package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/cpgflow/engine"
)

// MySQLDB is a pooled MySQL/MariaDB connection shared by MySQLGraphStore,
// MySQLInstanceStore, and MySQLDecisionTracer. Designed for production
// deployments with multiple orchestrator workers sharing instance state;
// MySQLInstanceStore.Save enforces optimistic concurrency with a
// conditional UPDATE on the version column rather than row locking.
type MySQLDB struct {
	db *sql.DB
}

// OpenMySQL opens a pooled connection to dsn (e.g.
// "user:pass@tcp(localhost:3306)/cpgflow?parseTime=true") and migrates the
// schema if needed.
func OpenMySQL(dsn string) (*MySQLDB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql connection: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	s := &MySQLDB{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLDB) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_graphs (
			graph_id VARCHAR(191) NOT NULL,
			version VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			data LONGTEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (graph_id, version),
			INDEX idx_graphs_published (graph_id, status)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS process_instances (
			instance_id VARCHAR(191) NOT NULL PRIMARY KEY,
			graph_id VARCHAR(191) NOT NULL,
			graph_version VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			version BIGINT NOT NULL,
			data LONGTEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			INDEX idx_instances_status (status)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS decision_traces (
			trace_id VARCHAR(191) NOT NULL PRIMARY KEY,
			instance_id VARCHAR(191) NOT NULL,
			trace_type VARCHAR(64) NOT NULL,
			timestamp_ns BIGINT NOT NULL,
			data LONGTEXT NOT NULL,
			INDEX idx_traces_instance (instance_id, timestamp_ns),
			INDEX idx_traces_instance_type (instance_id, trace_type)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *MySQLDB) Close() error {
	return s.db.Close()
}

// GraphStore returns the GraphStore view of this connection.
func (s *MySQLDB) GraphStore() *MySQLGraphStore { return &MySQLGraphStore{db: s.db} }

// InstanceStore returns the InstanceStore view of this connection.
func (s *MySQLDB) InstanceStore() *MySQLInstanceStore { return &MySQLInstanceStore{db: s.db} }

// DecisionTracer returns the DecisionTracer view of this connection.
func (s *MySQLDB) DecisionTracer() *MySQLDecisionTracer { return &MySQLDecisionTracer{db: s.db} }

// MySQLGraphStore is the GraphStore view of a MySQLDB.
type MySQLGraphStore struct{ db *sql.DB }

// Put upserts a graph, for use by authoring tooling ahead of the
// orchestrator loading it.
func (s *MySQLGraphStore) Put(ctx context.Context, graph engine.ProcessGraph) error {
	data, err := json.Marshal(graph)
	if err != nil {
		return fmt.Errorf("failed to marshal graph: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_graphs (graph_id, version, status, data)
		VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status = VALUES(status), data = VALUES(data)
	`, graph.GraphID, graph.Version, string(graph.Status), string(data))
	if err != nil {
		return fmt.Errorf("failed to save graph: %w", err)
	}
	return nil
}

func (s *MySQLGraphStore) Load(ctx context.Context, graphID, version string) (engine.ProcessGraph, error) {
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

func (s *MySQLGraphStore) LoadLatestPublished(ctx context.Context, graphID string) (engine.ProcessGraph, error) {
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

// MySQLInstanceStore is the InstanceStore view of a MySQLDB.
type MySQLInstanceStore struct{ db *sql.DB }

func (s *MySQLInstanceStore) Load(ctx context.Context, instanceID string) (engine.ProcessInstance, error) {
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

func (s *MySQLInstanceStore) Create(ctx context.Context, instance engine.ProcessInstance) error {
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

// Save applies an optimistic-concurrency compare-and-swap via a
// conditional UPDATE on the version column, the same approach the teacher
// uses for its idempotency-key uniqueness check: let the database enforce
// the invariant atomically rather than locking in application code.
func (s *MySQLInstanceStore) Save(ctx context.Context, instance engine.ProcessInstance, expectedVersion int64) error {
	instance.Version = expectedVersion + 1
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("failed to marshal instance: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_instances
		SET status = ?, version = ?, data = ?
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
// node execution, by scanning recorded instance data.
func (s *MySQLInstanceStore) IdempotencyKey(ctx context.Context, key string) (bool, error) {
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
func (s *MySQLInstanceStore) IdempotencyIndex() func(key string) bool {
	return func(key string) bool {
		seen, err := s.IdempotencyKey(context.Background(), key)
		return err == nil && seen
	}
}

// MySQLDecisionTracer is the DecisionTracer view of a MySQLDB.
type MySQLDecisionTracer struct{ db *sql.DB }

func (s *MySQLDecisionTracer) Append(ctx context.Context, trace engine.DecisionTrace) error {
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

func (s *MySQLDecisionTracer) ByInstance(ctx context.Context, instanceID string) ([]engine.DecisionTrace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM decision_traces WHERE instance_id = ? ORDER BY timestamp_ns ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTraces(rows)
}

func (s *MySQLDecisionTracer) ByInstanceAndType(ctx context.Context, instanceID string, t engine.TraceType) ([]engine.DecisionTrace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM decision_traces WHERE instance_id = ? AND trace_type = ? ORDER BY timestamp_ns ASC`, instanceID, string(t))
	if err != nil {
		return nil, fmt.Errorf("failed to query traces: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTraces(rows)
}

func (s *MySQLDecisionTracer) ByInstanceAndTimeRange(ctx context.Context, instanceID string, fromUnixNano, toUnixNano int64) ([]engine.DecisionTrace, error) {
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

func (s *MySQLDecisionTracer) ByID(ctx context.Context, traceID string) (engine.DecisionTrace, error) {
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

func (s *MySQLDecisionTracer) LatestForInstance(ctx context.Context, instanceID string) (engine.DecisionTrace, error) {
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

func (s *MySQLDecisionTracer) DeleteBefore(ctx context.Context, instanceID string, cutoffUnixNano int64) (int, error) {
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
