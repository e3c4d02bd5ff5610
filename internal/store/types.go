package store

import (
	"encoding/json"
	"time"

	"github.com/skeinhq/skein/pkg/schema"
)

// Run is the persisted representation of one workflow execution. The graph is
// snapshotted at submission time so later graph edits never affect a run in
// flight.
type Run struct {
	ID            string                     `json:"id"`
	GraphID       string                     `json:"graph_id"`
	Graph         schema.WorkflowGraph       `json:"graph"`
	Status        schema.RunStatus           `json:"status"`
	InitialInputs map[string]schema.WireValue `json:"initial_inputs,omitempty"`
	Error         json.RawMessage            `json:"error,omitempty"`
	TriggerID     string                     `json:"trigger_id,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
	StartedAt     *time.Time                 `json:"started_at,omitempty"`
	CompletedAt   *time.Time                 `json:"completed_at,omitempty"`
	UpdatedAt     time.Time                  `json:"updated_at"`
}

// NodeRecord is the materialized view of one node execution within a run.
// Once the status is terminal the record is never rewritten.
type NodeRecord struct {
	RunID             string                     `json:"run_id"`
	NodeID            string                     `json:"node_id"`
	DefinitionID      string                     `json:"definition_id,omitempty"`
	DefinitionVersion int                        `json:"definition_version,omitempty"`
	Status            schema.NodeRunStatus       `json:"status"`
	Inputs            map[string]schema.WireValue `json:"inputs,omitempty"`
	Outputs           map[string]schema.WireValue `json:"outputs,omitempty"`
	Error             json.RawMessage            `json:"error,omitempty"`
	RetryCount        int                        `json:"retry_count"`
	Usage             *schema.ResourceUsage      `json:"usage,omitempty"`
	StartedAt         *time.Time                 `json:"started_at,omitempty"`
	CompletedAt       *time.Time                 `json:"completed_at,omitempty"`
	DurationMs        int64                      `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	NodeID    string          `json:"node_id,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// Graph is a stored workflow graph available for submission.
type Graph struct {
	ID        string               `json:"id"`
	Name      string               `json:"name,omitempty"`
	Spec      schema.WorkflowGraph `json:"spec"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// BlobRecord is the durable metadata for a spilled payload. RefCount is the
// number of live run references; zero means the blob is garbage.
type BlobRecord struct {
	ID        string    `json:"id"`
	Size      int64     `json:"size"`
	Checksum  string    `json:"checksum"`
	Encoding  string    `json:"encoding"`
	RefCount  int       `json:"ref_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Trigger is a cron-scheduled run submission, optionally gated by a payload
// filter expression.
type Trigger struct {
	ID            string                     `json:"id"`
	GraphID       string                     `json:"graph_id"`
	CronExpr      string                     `json:"cron_expression"`
	Filter        string                     `json:"filter,omitempty"`
	Inputs        map[string]schema.WireValue `json:"inputs,omitempty"`
	Enabled       bool                       `json:"enabled"`
	LastRunAt     *time.Time                 `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time                 `json:"next_run_at,omitempty"`
	LastRunStatus string                     `json:"last_run_status,omitempty"`
	CreatedAt     time.Time                  `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status  *schema.RunStatus `json:"status,omitempty"`
	GraphID string            `json:"graph_id,omitempty"`
	Since   *time.Time        `json:"since,omitempty"`
	Limit   int               `json:"limit,omitempty"`
	Offset  int               `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      *schema.RunStatus `json:"status,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events by type.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	NodeID string     `json:"node_id,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// TriggerUpdate specifies mutable fields of a trigger.
type TriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// TriggerFilter specifies criteria for listing triggers.
type TriggerFilter struct {
	Enabled *bool  `json:"enabled,omitempty"`
	GraphID string `json:"graph_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
