package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/skeinhq/skein/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Node Definitions ---

// PutDefinition inserts a new immutable version of the definition inside a
// transaction. The assigned version and prev_version are written back to def.
func (s *LibSQLStore) PutDefinition(ctx context.Context, def *schema.NodeDefinition) error {
	inputs, err := marshalOrNil(def.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	outputs, err := marshalOrNil(def.Outputs)
	if err != nil {
		return fmt.Errorf("marshal outputs: %w", err)
	}
	runtime, err := json.Marshal(def.Runtime)
	if err != nil {
		return fmt.Errorf("marshal runtime: %w", err)
	}
	deps, err := marshalOrNil(def.Dependencies)
	if err != nil {
		return fmt.Errorf("marshal dependencies: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var latest int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM node_definitions WHERE id = ?`, def.ID,
	).Scan(&latest)
	if err != nil {
		return fmt.Errorf("get latest version: %w", err)
	}
	def.PrevVersion = latest
	def.Version = latest + 1
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO node_definitions (id, version, prev_version, name, inputs, outputs, script, entry, runtime, dependencies, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		def.ID, def.Version, def.PrevVersion, def.Name, inputs, outputs,
		def.Script, def.Entry, string(runtime), deps, def.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert definition: %w", err)
	}
	return tx.Commit()
}

// GetDefinition returns the given version of a definition; version <= 0 means latest.
func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*schema.NodeDefinition, error) {
	query := `SELECT id, version, prev_version, name, inputs, outputs, script, entry, runtime, dependencies, created_at
	 FROM node_definitions WHERE id = ?`
	args := []any{id}
	if version > 0 {
		query += ` AND version = ?`
		args = append(args, version)
	} else {
		query += ` ORDER BY version DESC LIMIT 1`
	}

	def := &schema.NodeDefinition{}
	var inputs, outputs, deps sql.NullString
	var runtime string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&def.ID, &def.Version, &def.PrevVersion, &def.Name, &inputs, &outputs,
		&def.Script, &def.Entry, &runtime, &deps, &def.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalDefinitionColumns(def, inputs, outputs, runtime, deps); err != nil {
		return nil, err
	}
	return def, nil
}

// ListDefinitions returns the latest version of every definition.
func (s *LibSQLStore) ListDefinitions(ctx context.Context) ([]*schema.NodeDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.version, d.prev_version, d.name, d.inputs, d.outputs, d.script, d.entry, d.runtime, d.dependencies, d.created_at
		 FROM node_definitions d
		 JOIN (SELECT id, MAX(version) AS version FROM node_definitions GROUP BY id) latest
		   ON d.id = latest.id AND d.version = latest.version
		 ORDER BY d.id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.NodeDefinition
	for rows.Next() {
		def := &schema.NodeDefinition{}
		var inputs, outputs, deps sql.NullString
		var runtime string
		if err := rows.Scan(&def.ID, &def.Version, &def.PrevVersion, &def.Name, &inputs, &outputs,
			&def.Script, &def.Entry, &runtime, &deps, &def.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalDefinitionColumns(def, inputs, outputs, runtime, deps); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func unmarshalDefinitionColumns(def *schema.NodeDefinition, inputs, outputs sql.NullString, runtime string, deps sql.NullString) error {
	if inputs.Valid && inputs.String != "" {
		if err := json.Unmarshal([]byte(inputs.String), &def.Inputs); err != nil {
			return fmt.Errorf("unmarshal inputs: %w", err)
		}
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &def.Outputs); err != nil {
			return fmt.Errorf("unmarshal outputs: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(runtime), &def.Runtime); err != nil {
		return fmt.Errorf("unmarshal runtime: %w", err)
	}
	if deps.Valid && deps.String != "" {
		if err := json.Unmarshal([]byte(deps.String), &def.Dependencies); err != nil {
			return fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	return nil
}

// --- Graphs ---

func (s *LibSQLStore) SaveGraph(ctx context.Context, g *Graph) error {
	spec, err := json.Marshal(g.Spec)
	if err != nil {
		return fmt.Errorf("marshal graph spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO graphs (id, name, spec, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, spec=excluded.spec, updated_at=CURRENT_TIMESTAMP`,
		g.ID, nullStr(g.Name), string(spec), timeOrNow(g.CreatedAt), timeOrNow(g.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetGraph(ctx context.Context, id string) (*Graph, error) {
	g := &Graph{}
	var name sql.NullString
	var spec string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, spec, created_at, updated_at FROM graphs WHERE id = ?`, id,
	).Scan(&g.ID, &name, &spec, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("graph", id)
	}
	if err != nil {
		return nil, err
	}
	g.Name = name.String
	if err := json.Unmarshal([]byte(spec), &g.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal graph spec: %w", err)
	}
	return g, nil
}

func (s *LibSQLStore) ListGraphs(ctx context.Context) ([]*Graph, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, spec, created_at, updated_at FROM graphs ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var graphs []*Graph
	for rows.Next() {
		g := &Graph{}
		var name sql.NullString
		var spec string
		if err := rows.Scan(&g.ID, &name, &spec, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.Name = name.String
		if err := json.Unmarshal([]byte(spec), &g.Spec); err != nil {
			return nil, fmt.Errorf("unmarshal graph spec: %w", err)
		}
		graphs = append(graphs, g)
	}
	return graphs, rows.Err()
}

func (s *LibSQLStore) DeleteGraph(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM graphs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "graph", id)
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	graph, err := json.Marshal(run.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph snapshot: %w", err)
	}
	inputs, err := marshalWire(run.InitialInputs)
	if err != nil {
		return fmt.Errorf("marshal initial inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, graph_id, graph, status, initial_inputs, error, trigger_id, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.GraphID, string(graph), string(run.Status),
		nullRaw(inputs), nullRaw(run.Error), nullStr(run.TriggerID),
		timeOrNow(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.CompletedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	run := &Run{}
	var (
		graphJSON              string
		inputsJSON, errorJSON  sql.NullString
		triggerID              sql.NullString
		startedAt, completedAt sql.NullTime
		status                 string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, graph_id, graph, status, initial_inputs, error, trigger_id, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.GraphID, &graphJSON, &status, &inputsJSON, &errorJSON, &triggerID,
		&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.TriggerID = triggerID.String
	if err := json.Unmarshal([]byte(graphJSON), &run.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal graph snapshot: %w", err)
	}
	run.InitialInputs, err = unmarshalWire(inputsJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal initial inputs: %w", err)
	}
	run.Error = rawOrNil(errorJSON)
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT id, graph_id, graph, status, initial_inputs, error, trigger_id, created_at, started_at, completed_at, updated_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run := &Run{}
		var (
			graphJSON              string
			inputsJSON, errorJSON  sql.NullString
			triggerID              sql.NullString
			startedAt, completedAt sql.NullTime
			status                 string
		)
		if err := rows.Scan(&run.ID, &run.GraphID, &graphJSON, &status, &inputsJSON, &errorJSON, &triggerID,
			&run.CreatedAt, &startedAt, &completedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.TriggerID = triggerID.String
		if err := json.Unmarshal([]byte(graphJSON), &run.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal graph snapshot: %w", err)
		}
		run.InitialInputs, err = unmarshalWire(inputsJSON)
		if err != nil {
			return nil, fmt.Errorf("unmarshal initial inputs: %w", err)
		}
		run.Error = rawOrNil(errorJSON)
		if startedAt.Valid {
			run.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Node Records ---

func (s *LibSQLStore) UpsertNodeRecord(ctx context.Context, rec *NodeRecord) error {
	inputs, err := marshalWire(rec.Inputs)
	if err != nil {
		return fmt.Errorf("marshal record inputs: %w", err)
	}
	outputs, err := marshalWire(rec.Outputs)
	if err != nil {
		return fmt.Errorf("marshal record outputs: %w", err)
	}
	usage, err := marshalOrNil(rec.Usage)
	if err != nil {
		return fmt.Errorf("marshal record usage: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO node_records (run_id, node_id, definition_id, definition_version, status, inputs, outputs, error, retry_count, usage, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id) DO UPDATE SET
		   status=excluded.status, inputs=excluded.inputs, outputs=excluded.outputs, error=excluded.error,
		   retry_count=excluded.retry_count, usage=excluded.usage, started_at=excluded.started_at,
		   completed_at=excluded.completed_at, duration_ms=excluded.duration_ms`,
		rec.RunID, rec.NodeID, nullStr(rec.DefinitionID), rec.DefinitionVersion, string(rec.Status),
		nullRaw(inputs), nullRaw(outputs), nullRaw(rec.Error),
		rec.RetryCount, nullRaw(usage), nullTime(rec.StartedAt), nullTime(rec.CompletedAt), rec.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeRecord(ctx context.Context, runID, nodeID string) (*NodeRecord, error) {
	rec, err := s.scanNodeRecord(s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, definition_id, definition_version, status, inputs, outputs, error, retry_count, usage, started_at, completed_at, duration_ms
		 FROM node_records WHERE run_id = ? AND node_id = ?`, runID, nodeID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_record", runID+"/"+nodeID)
	}
	return rec, err
}

func (s *LibSQLStore) ListNodeRecords(ctx context.Context, runID string) ([]*NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, node_id, definition_id, definition_version, status, inputs, outputs, error, retry_count, usage, started_at, completed_at, duration_ms
		 FROM node_records WHERE run_id = ? ORDER BY node_id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*NodeRecord
	for rows.Next() {
		rec, err := s.scanNodeRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// rowScanner covers both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *LibSQLStore) scanNodeRecord(row rowScanner) (*NodeRecord, error) {
	rec := &NodeRecord{}
	var (
		defID                            sql.NullString
		status                           string
		inputsJSON, outputsJSON, errJSON sql.NullString
		usageJSON                        sql.NullString
		startedAt, completedAt           sql.NullTime
	)
	err := row.Scan(&rec.RunID, &rec.NodeID, &defID, &rec.DefinitionVersion, &status,
		&inputsJSON, &outputsJSON, &errJSON, &rec.RetryCount, &usageJSON,
		&startedAt, &completedAt, &rec.DurationMs)
	if err != nil {
		return nil, err
	}
	rec.DefinitionID = defID.String
	rec.Status = schema.NodeRunStatus(status)
	if rec.Inputs, err = unmarshalWire(inputsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal record inputs: %w", err)
	}
	if rec.Outputs, err = unmarshalWire(outputsJSON); err != nil {
		return nil, fmt.Errorf("unmarshal record outputs: %w", err)
	}
	rec.Error = rawOrNil(errJSON)
	if usageJSON.Valid && usageJSON.String != "" {
		rec.Usage = &schema.ResourceUsage{}
		if err := json.Unmarshal([]byte(usageJSON.String), rec.Usage); err != nil {
			return nil, fmt.Errorf("unmarshal record usage: %w", err)
		}
	}
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this run
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, run_id, node_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Blobs ---

// RetainBlob records the blob metadata (idempotent, content-addressed) and adds
// a reference from the given run.
func (s *LibSQLStore) RetainBlob(ctx context.Context, runID string, ref schema.BlobRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blobs (id, size, checksum, encoding) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		ref.ID, ref.Size, ref.Checksum, ref.Encoding,
	); err != nil {
		return fmt.Errorf("insert blob: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO blob_refs (run_id, blob_id) VALUES (?, ?)
		 ON CONFLICT(run_id, blob_id) DO NOTHING`,
		runID, ref.ID,
	); err != nil {
		return fmt.Errorf("insert blob ref: %w", err)
	}
	return tx.Commit()
}

// ReleaseBlobs drops all blob references held by a run. The blobs themselves
// remain until garbage collection.
func (s *LibSQLStore) ReleaseBlobs(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blob_refs WHERE run_id = ?`, runID)
	return err
}

// ListUnreferencedBlobs returns blobs with zero live references, ready for
// deletion from the blob store.
func (s *LibSQLStore) ListUnreferencedBlobs(ctx context.Context) ([]*BlobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT b.id, b.size, b.checksum, b.encoding, b.created_at
		 FROM blobs b LEFT JOIN blob_refs r ON b.id = r.blob_id
		 WHERE r.blob_id IS NULL`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var blobs []*BlobRecord
	for rows.Next() {
		b := &BlobRecord{}
		if err := rows.Scan(&b.ID, &b.Size, &b.Checksum, &b.Encoding, &b.CreatedAt); err != nil {
			return nil, err
		}
		blobs = append(blobs, b)
	}
	return blobs, rows.Err()
}

func (s *LibSQLStore) DeleteBlob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "blob", id)
}

// --- Triggers ---

func (s *LibSQLStore) CreateTrigger(ctx context.Context, trg *Trigger) error {
	inputs, err := marshalWire(trg.Inputs)
	if err != nil {
		return fmt.Errorf("marshal trigger inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO triggers (id, graph_id, cron_expression, filter, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trg.ID, trg.GraphID, trg.CronExpr, nullStr(trg.Filter), nullRaw(inputs),
		boolToInt(trg.Enabled), nullTime(trg.LastRunAt), nullTime(trg.NextRunAt),
		nullStr(trg.LastRunStatus), timeOrNow(trg.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, graph_id, cron_expression, filter, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM triggers WHERE id = ?`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	triggers, err := scanTriggers(rows)
	if err != nil {
		return nil, err
	}
	if len(triggers) == 0 {
		return nil, storeNotFound("trigger", id)
	}
	return triggers[0], nil
}

func (s *LibSQLStore) UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolToInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func (s *LibSQLStore) ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolToInt(*filter.Enabled))
	}
	if filter.GraphID != "" {
		where = append(where, "graph_id = ?")
		args = append(args, filter.GraphID)
	}

	query := `SELECT id, graph_id, cron_expression, filter, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at FROM triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTriggers(rows)
}

func (s *LibSQLStore) DeleteTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger", id)
}

func scanTriggers(rows *sql.Rows) ([]*Trigger, error) {
	var triggers []*Trigger
	for rows.Next() {
		t := &Trigger{}
		var filter, inputsJSON, lastStatus sql.NullString
		var enabled int
		var lastRunAt, nextRunAt sql.NullTime
		if err := rows.Scan(&t.ID, &t.GraphID, &t.CronExpr, &filter, &inputsJSON,
			&enabled, &lastRunAt, &nextRunAt, &lastStatus, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Filter = filter.String
		t.Enabled = enabled != 0
		t.LastRunStatus = lastStatus.String
		var err error
		if t.Inputs, err = unmarshalWire(inputsJSON); err != nil {
			return nil, fmt.Errorf("unmarshal trigger inputs: %w", err)
		}
		if lastRunAt.Valid {
			t.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			t.NextRunAt = &nextRunAt.Time
		}
		triggers = append(triggers, t)
	}
	return triggers, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// marshalOrNil marshals v unless it is empty, returning nil for SQL NULL.
func marshalOrNil(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []schema.Port:
		if len(t) == 0 {
			return nil, nil
		}
	case []schema.PackageDep:
		if len(t) == 0 {
			return nil, nil
		}
	case *schema.ResourceUsage:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func marshalWire(m map[string]schema.WireValue) (json.RawMessage, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalWire(ns sql.NullString) (map[string]schema.WireValue, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var m map[string]schema.WireValue
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return nil, err
	}
	return m, nil
}
