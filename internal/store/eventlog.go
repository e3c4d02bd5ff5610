package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/skeinhq/skein/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Acquire the write lock up front by executing a write-intent statement.
	// In WAL mode, BeginTx alone may start a deferred transaction, letting a
	// concurrent writer interleave sequence reads and writes.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(event.Payload)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.NodeID), event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// NodeSnapshot is the payload shape carried by node lifecycle events.
type NodeSnapshot struct {
	Outputs map[string]schema.WireValue `json:"outputs,omitempty"`
	Error   json.RawMessage             `json:"error,omitempty"`
}

// ReplayEvents replays all events for a run and returns the reconstructed node
// records. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, runID string) (map[string]*NodeRecord, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*NodeRecord), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	records := make(map[string]*NodeRecord)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		rec, ok := records[e.NodeID]
		if !ok {
			rec = &NodeRecord{
				RunID:  runID,
				NodeID: e.NodeID,
				Status: schema.NodeStatusPending,
			}
			records[e.NodeID] = rec
		}

		switch e.Type {
		case schema.EventNodeStarted:
			rec.Status = schema.NodeStatusRunning
			ts := e.Timestamp
			rec.StartedAt = &ts

		case schema.EventNodeSucceeded:
			rec.Status = schema.NodeStatusSucceeded
			ts := e.Timestamp
			rec.CompletedAt = &ts
			if len(e.Payload) > 0 {
				var snap NodeSnapshot
				if err := json.Unmarshal(e.Payload, &snap); err == nil {
					rec.Outputs = snap.Outputs
				}
			}
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}

		case schema.EventNodeFailed:
			rec.Status = schema.NodeStatusFailed
			ts := e.Timestamp
			rec.CompletedAt = &ts
			rec.Error = e.Payload

		case schema.EventNodeSkipped:
			rec.Status = schema.NodeStatusSkipped

		case schema.EventNodeRetrying:
			rec.Status = schema.NodeStatusRetrying
			rec.RetryCount++

		case schema.EventNodeCancelled:
			rec.Status = schema.NodeStatusCancelled
		}
	}

	return records, nil
}
