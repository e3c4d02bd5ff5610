package engine

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/pkg/schema"
)

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit
// events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{appender: appender}
}

// Transition validates and executes a run state transition, emitting the
// corresponding event with the optional payload. The caller is responsible
// for persisting the new state to the store.
func (f *RunFSM) Transition(ctx context.Context, runID string, from, to schema.RunStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := runEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID:   runID,
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit run event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	allowed, ok := ValidRunTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		return schema.EventRunStarted
	case schema.RunStatusSucceeded:
		return schema.EventRunSucceeded
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	case schema.RunStatusCancelled:
		return schema.EventRunCancelled
	default:
		return ""
	}
}

// --- Node FSM ---

// NodeFSM manages node execution record state transitions.
type NodeFSM struct {
	mu       sync.Mutex
	appender EventAppender
}

// NewNodeFSM creates a NodeFSM that emits events via the given appender.
func NewNodeFSM(appender EventAppender) *NodeFSM {
	return &NodeFSM{appender: appender}
}

// Transition validates and executes a node state transition, emitting the
// corresponding event. The payload carries outputs on success and the
// serialized error on failure, so event replay can rebuild records.
func (f *NodeFSM) Transition(ctx context.Context, runID, nodeID string, from, to schema.NodeRunStatus, payload json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidNodeTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid node transition: %s -> %s", from, to).
			WithNode(nodeID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}

	eventType := nodeEventType(to)
	if eventType != "" {
		event := &store.Event{
			RunID:   runID,
			NodeID:  nodeID,
			Type:    eventType,
			Payload: payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit node event: %s", err.Error()).
				WithNode(nodeID).WithCause(err)
		}
	}
	return nil
}

func isValidNodeTransition(from, to schema.NodeRunStatus) bool {
	allowed, ok := ValidNodeTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func nodeEventType(to schema.NodeRunStatus) string {
	switch to {
	case schema.NodeStatusRunning:
		return schema.EventNodeStarted
	case schema.NodeStatusSucceeded:
		return schema.EventNodeSucceeded
	case schema.NodeStatusFailed:
		return schema.EventNodeFailed
	case schema.NodeStatusSkipped:
		return schema.EventNodeSkipped
	case schema.NodeStatusRetrying:
		return schema.EventNodeRetrying
	case schema.NodeStatusCancelled:
		return schema.EventNodeCancelled
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidRunTransitions defines the allowed state transitions for runs.
// Cancellation is reachable from every non-terminal state.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:    {schema.RunStatusValidating, schema.RunStatusCancelled},
	schema.RunStatusValidating: {schema.RunStatusScheduling, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusScheduling: {schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusRunning:    {schema.RunStatusSucceeded, schema.RunStatusFailed, schema.RunStatusCancelled},
	schema.RunStatusSucceeded:  {},
	schema.RunStatusFailed:     {},
	schema.RunStatusCancelled:  {},
}

// ValidNodeTransitions defines the allowed state transitions for node records.
var ValidNodeTransitions = map[schema.NodeRunStatus][]schema.NodeRunStatus{
	schema.NodeStatusPending:   {schema.NodeStatusRunning, schema.NodeStatusSkipped, schema.NodeStatusCancelled},
	schema.NodeStatusRunning:   {schema.NodeStatusSucceeded, schema.NodeStatusFailed, schema.NodeStatusRetrying, schema.NodeStatusCancelled},
	schema.NodeStatusRetrying:  {schema.NodeStatusRunning, schema.NodeStatusFailed, schema.NodeStatusCancelled},
	schema.NodeStatusSucceeded: {},
	schema.NodeStatusFailed:    {},
	schema.NodeStatusSkipped:   {},
	schema.NodeStatusCancelled: {},
}
