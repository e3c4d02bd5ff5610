package store

import (
	"context"

	"github.com/skeinhq/skein/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Node definitions (versioned, append-only)
	PutDefinition(ctx context.Context, def *schema.NodeDefinition) error
	GetDefinition(ctx context.Context, id string, version int) (*schema.NodeDefinition, error)
	ListDefinitions(ctx context.Context) ([]*schema.NodeDefinition, error)

	// Graphs
	SaveGraph(ctx context.Context, g *Graph) error
	GetGraph(ctx context.Context, id string) (*Graph, error)
	ListGraphs(ctx context.Context) ([]*Graph, error)
	DeleteGraph(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Node records (materialized view)
	UpsertNodeRecord(ctx context.Context, rec *NodeRecord) error
	GetNodeRecord(ctx context.Context, runID, nodeID string) (*NodeRecord, error)
	ListNodeRecords(ctx context.Context, runID string) ([]*NodeRecord, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Blob bookkeeping
	RetainBlob(ctx context.Context, runID string, ref schema.BlobRef) error
	ReleaseBlobs(ctx context.Context, runID string) error
	ListUnreferencedBlobs(ctx context.Context) ([]*BlobRecord, error)
	DeleteBlob(ctx context.Context, id string) error

	// Triggers
	CreateTrigger(ctx context.Context, trg *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	UpdateTrigger(ctx context.Context, id string, update TriggerUpdate) error
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
