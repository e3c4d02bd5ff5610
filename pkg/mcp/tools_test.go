package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/skeinhq/skein/internal/engine"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/internal/typesys"
	"github.com/skeinhq/skein/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock Store ---

type mockStore struct {
	store.Store // embed for unimplemented methods

	definitions []*schema.NodeDefinition
	graphs      []*store.Graph
	runs        []*store.Run
	events      []*store.Event
	triggers    []*store.Trigger

	triggerUpdates map[string]store.TriggerUpdate
	deletedIDs     []string
}

func newMockStore() *mockStore {
	return &mockStore{triggerUpdates: make(map[string]store.TriggerUpdate)}
}

func (m *mockStore) PutDefinition(_ context.Context, def *schema.NodeDefinition) error {
	version := 1
	for _, d := range m.definitions {
		if d.ID == def.ID && d.Version >= version {
			version = d.Version + 1
		}
	}
	stored := *def
	stored.Version = version
	m.definitions = append(m.definitions, &stored)
	return nil
}

func (m *mockStore) GetDefinition(_ context.Context, id string, version int) (*schema.NodeDefinition, error) {
	var latest *schema.NodeDefinition
	for _, d := range m.definitions {
		if d.ID != id {
			continue
		}
		if version > 0 && d.Version == version {
			return d, nil
		}
		if latest == nil || d.Version > latest.Version {
			latest = d
		}
	}
	if version <= 0 && latest != nil {
		return latest, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition %q not found", id)
}

func (m *mockStore) ListDefinitions(_ context.Context) ([]*schema.NodeDefinition, error) {
	return m.definitions, nil
}

func (m *mockStore) SaveGraph(_ context.Context, g *store.Graph) error {
	m.graphs = append(m.graphs, g)
	return nil
}

func (m *mockStore) GetGraph(_ context.Context, id string) (*store.Graph, error) {
	for _, g := range m.graphs {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "graph %q not found", id)
}

func (m *mockStore) ListGraphs(_ context.Context) ([]*store.Graph, error) {
	return m.graphs, nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Run, error) {
	result := make([]*store.Run, 0)
	for _, r := range m.runs {
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.GraphID != "" && r.GraphID != filter.GraphID {
			continue
		}
		result = append(result, r)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) GetEvents(_ context.Context, runID string, since int64) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.RunID != runID || e.Sequence <= since {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (m *mockStore) GetEventsByType(_ context.Context, eventType string, filter store.EventFilter) ([]*store.Event, error) {
	result := make([]*store.Event, 0)
	for _, e := range m.events {
		if e.Type != eventType {
			continue
		}
		if filter.RunID != "" && e.RunID != filter.RunID {
			continue
		}
		result = append(result, e)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockStore) CreateTrigger(_ context.Context, trg *store.Trigger) error {
	m.triggers = append(m.triggers, trg)
	return nil
}

func (m *mockStore) UpdateTrigger(_ context.Context, id string, update store.TriggerUpdate) error {
	m.triggerUpdates[id] = update
	return nil
}

func (m *mockStore) ListTriggers(_ context.Context, filter store.TriggerFilter) ([]*store.Trigger, error) {
	result := make([]*store.Trigger, 0)
	for _, t := range m.triggers {
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		if filter.GraphID != "" && t.GraphID != filter.GraphID {
			continue
		}
		result = append(result, t)
	}
	return result, nil
}

func (m *mockStore) DeleteTrigger(_ context.Context, id string) error {
	m.deletedIDs = append(m.deletedIDs, id)
	return nil
}

// --- Mock Engine ---

type mockEngine struct {
	submitID  string
	submitErr error

	statusResult *engine.RunSnapshot
	statusErr    error
	cancelErr    error

	submittedGraph  *schema.WorkflowGraph
	submittedInputs map[string]schema.WireValue
	cancelledRun    string
	cancelReason    string
}

func (m *mockEngine) SubmitRun(_ context.Context, wf *schema.WorkflowGraph, inputs map[string]schema.WireValue) (string, error) {
	m.submittedGraph = wf
	m.submittedInputs = inputs
	return m.submitID, m.submitErr
}

func (m *mockEngine) RunStatus(_ context.Context, _ string) (*engine.RunSnapshot, error) {
	return m.statusResult, m.statusErr
}

func (m *mockEngine) CancelRun(_ context.Context, runID, reason string) error {
	m.cancelledRun = runID
	m.cancelReason = reason
	return m.cancelErr
}

// --- Mock Checker ---

type mockChecker struct {
	report   *schema.ValidationResult
	checkErr error
}

func (m *mockChecker) Validate(_ context.Context, _ *schema.WorkflowGraph, _ map[string]*schema.NodeDefinition) *schema.ValidationResult {
	if m.report == nil {
		return &schema.ValidationResult{}
	}
	return m.report
}

func (m *mockChecker) CheckDefinition(_ *schema.NodeDefinition) error {
	return m.checkErr
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func testRegistry(t *testing.T) *typesys.Registry {
	t.Helper()
	registry, _, err := typesys.NewBuiltinRegistry()
	require.NoError(t, err)
	return registry
}

func inlineGraph() map[string]any {
	return map[string]any{
		"id": "g-1",
		"nodes": []any{
			map[string]any{"id": "a", "definition_id": "def-a"},
		},
	}
}

// --- Submit ---

func TestSubmitToolInlineGraph(t *testing.T) {
	eng := &mockEngine{submitID: "run-1"}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng, Store: newMockStore()})

	req := buildRequest("skein.submit", map[string]any{
		"graph":  inlineGraph(),
		"inputs": map[string]any{"a.in": 42},
	})

	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "run-1")
	assert.Contains(t, text, "accepted")

	require.NotNil(t, eng.submittedGraph)
	assert.Equal(t, "g-1", eng.submittedGraph.ID)

	// Inputs arrive as JSON-encoded wire values.
	wire, ok := eng.submittedInputs["a.in"]
	require.True(t, ok)
	assert.Equal(t, schema.EncodingJSON, wire.Encoding)
	assert.JSONEq(t, "42", string(wire.Data))
}

func TestSubmitToolSavedGraph(t *testing.T) {
	ms := newMockStore()
	ms.graphs = []*store.Graph{{
		ID:   "g-9",
		Spec: schema.WorkflowGraph{ID: "g-9", Nodes: []schema.NodeInstance{{ID: "a", DefinitionID: "def-a"}}},
	}}
	eng := &mockEngine{submitID: "run-2"}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng, Store: ms})

	req := buildRequest("skein.submit", map[string]any{"graph_id": "g-9"})

	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.NotNil(t, eng.submittedGraph)
	assert.Equal(t, "g-9", eng.submittedGraph.ID)
}

func TestSubmitToolMissingGraph(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Engine: &mockEngine{}, Store: newMockStore()})

	req := buildRequest("skein.submit", map[string]any{})
	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitToolUnknownGraphID(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Engine: &mockEngine{}, Store: newMockStore()})

	req := buildRequest("skein.submit", map[string]any{"graph_id": "missing"})
	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSubmitToolRejectedRun(t *testing.T) {
	eng := &mockEngine{
		submitID:  "run-3",
		submitErr: schema.NewError(schema.ErrCodeValidation, "graph failed validation with 2 error(s)"),
	}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng, Store: newMockStore()})

	req := buildRequest("skein.submit", map[string]any{"graph": inlineGraph()})

	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)

	// A rejected run is still a recorded run; the client gets its ID plus the error.
	assert.False(t, result.IsError)
	text := extractText(t, result)
	assert.Contains(t, text, "run-3")
	assert.Contains(t, text, "rejected")
	assert.Contains(t, text, schema.ErrCodeValidation)
}

func TestSubmitToolStoreFailure(t *testing.T) {
	eng := &mockEngine{
		submitErr: schema.NewError(schema.ErrCodeStore, "create run: disk full"),
	}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng, Store: newMockStore()})

	req := buildRequest("skein.submit", map[string]any{"graph": inlineGraph()})
	result, err := s.handleSubmit(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Status ---

func TestStatusTool(t *testing.T) {
	eng := &mockEngine{
		statusResult: &engine.RunSnapshot{
			Run: &store.Run{ID: "run-5", Status: schema.RunStatusRunning},
			Nodes: map[string]*store.NodeRecord{
				"a": {RunID: "run-5", NodeID: "a", Status: schema.NodeStatusSucceeded},
			},
		},
	}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng})

	req := buildRequest("skein.status", map[string]any{"run_id": "run-5"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "run-5")
	assert.Contains(t, text, "running")
	assert.Contains(t, text, "succeeded")
}

func TestStatusToolMissingID(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Engine: &mockEngine{}})

	req := buildRequest("skein.status", map[string]any{})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStatusToolNotFound(t *testing.T) {
	eng := &mockEngine{statusErr: schema.NewError(schema.ErrCodeNotFound, "run not found")}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng})

	req := buildRequest("skein.status", map[string]any{"run_id": "missing"})
	result, err := s.handleStatus(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Cancel ---

func TestCancelTool(t *testing.T) {
	eng := &mockEngine{}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng})

	req := buildRequest("skein.cancel", map[string]any{
		"run_id": "run-7",
		"reason": "operator abort",
	})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	assert.Equal(t, "run-7", eng.cancelledRun)
	assert.Equal(t, "operator abort", eng.cancelReason)
}

func TestCancelToolDefaultReason(t *testing.T) {
	eng := &mockEngine{}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng})

	req := buildRequest("skein.cancel", map[string]any{"run_id": "run-7"})
	_, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "cancelled via mcp", eng.cancelReason)
}

func TestCancelToolConflict(t *testing.T) {
	eng := &mockEngine{cancelErr: schema.NewError(schema.ErrCodeConflict, "run already succeeded")}
	s := NewSkeinServer(SkeinServerDeps{Engine: eng})

	req := buildRequest("skein.cancel", map[string]any{"run_id": "run-7"})
	result, err := s.handleCancel(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Define ---

func TestDefineTool(t *testing.T) {
	ms := newMockStore()
	s := NewSkeinServer(SkeinServerDeps{Store: ms, Checker: &mockChecker{}})

	req := buildRequest("skein.define", map[string]any{
		"definition": map[string]any{
			"id":      "parse",
			"name":    "Parse CSV",
			"outputs": []any{map[string]any{"name": "rows", "type": "list"}},
			"script":  "def main():\n    return {'rows': []}",
			"entry":   "main",
			"runtime": map[string]any{"kind": "python", "version": "3.12"},
		},
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ms.definitions, 1)
	assert.Equal(t, "parse", ms.definitions[0].ID)
	assert.Equal(t, 1, ms.definitions[0].Version)

	text := extractText(t, result)
	assert.Contains(t, text, "parse")
}

func TestDefineToolVersionIncrement(t *testing.T) {
	ms := newMockStore()
	ms.definitions = []*schema.NodeDefinition{
		{ID: "parse", Version: 1},
		{ID: "parse", Version: 2},
	}
	s := NewSkeinServer(SkeinServerDeps{Store: ms, Checker: &mockChecker{}})

	req := buildRequest("skein.define", map[string]any{
		"definition": map[string]any{
			"id":      "parse",
			"script":  "def main(): pass",
			"entry":   "main",
			"runtime": map[string]any{"kind": "python"},
		},
	})

	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, `"version":3`)
}

func TestDefineToolRejected(t *testing.T) {
	checker := &mockChecker{checkErr: schema.NewError(schema.ErrCodeValidation, "duplicate output port")}
	s := NewSkeinServer(SkeinServerDeps{Store: newMockStore(), Checker: checker})

	req := buildRequest("skein.define", map[string]any{
		"definition": map[string]any{"id": "bad"},
	})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDefineToolMissingDefinition(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Store: newMockStore(), Checker: &mockChecker{}})

	req := buildRequest("skein.define", map[string]any{})
	result, err := s.handleDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Graph ---

func TestGraphToolValidSaves(t *testing.T) {
	ms := newMockStore()
	ms.definitions = []*schema.NodeDefinition{{ID: "def-a", Version: 1}}
	s := NewSkeinServer(SkeinServerDeps{Store: ms, Checker: &mockChecker{}})

	req := buildRequest("skein.graph", map[string]any{
		"name":  "etl",
		"graph": inlineGraph(),
	})

	result, err := s.handleGraph(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ms.graphs, 1)
	assert.Equal(t, "g-1", ms.graphs[0].ID)
	assert.Equal(t, "etl", ms.graphs[0].Name)

	text := extractText(t, result)
	assert.Contains(t, text, `"valid":true`)
}

func TestGraphToolInvalidReportsWithoutSaving(t *testing.T) {
	ms := newMockStore()
	ms.definitions = []*schema.NodeDefinition{{ID: "def-a", Version: 1}}
	checker := &mockChecker{report: &schema.ValidationResult{
		Errors: []schema.ValidationIssue{{
			Code:    schema.ErrCodeTypeMismatch,
			Message: "output type integer cannot feed input type string",
		}},
	}}
	s := NewSkeinServer(SkeinServerDeps{Store: ms, Checker: checker})

	req := buildRequest("skein.graph", map[string]any{"graph": inlineGraph()})
	result, err := s.handleGraph(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, `"valid":false`)
	assert.Contains(t, text, schema.ErrCodeTypeMismatch)
	assert.Empty(t, ms.graphs, "invalid graph must not be saved")
}

func TestGraphToolUnknownDefinition(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Store: newMockStore(), Checker: &mockChecker{}})

	req := buildRequest("skein.graph", map[string]any{"graph": inlineGraph()})
	result, err := s.handleGraph(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "def-a")
}

// --- Query ---

func TestQueryRuns(t *testing.T) {
	ms := newMockStore()
	ms.runs = []*store.Run{
		{ID: "r-1", GraphID: "g-1", Status: schema.RunStatusSucceeded},
		{ID: "r-2", GraphID: "g-1", Status: schema.RunStatusRunning},
		{ID: "r-3", GraphID: "g-2", Status: schema.RunStatusSucceeded},
	}
	s := NewSkeinServer(SkeinServerDeps{Store: ms})

	req := buildRequest("skein.query", map[string]any{"resource": "runs"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)

	var body struct {
		Runs []*store.Run `json:"runs"`
	}
	unmarshalResult(t, result, &body)
	assert.Len(t, body.Runs, 3)

	req = buildRequest("skein.query", map[string]any{
		"resource": "runs",
		"filter":   map[string]any{"status": "succeeded"},
	})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	unmarshalResult(t, result, &body)
	assert.Len(t, body.Runs, 2)
}

func TestQueryEvents(t *testing.T) {
	ms := newMockStore()
	ms.events = []*store.Event{
		{ID: 1, RunID: "r-1", Type: "node_started", Sequence: 1},
		{ID: 2, RunID: "r-1", Type: "node_succeeded", Sequence: 2},
		{ID: 3, RunID: "r-2", Type: "node_started", Sequence: 1},
	}
	s := NewSkeinServer(SkeinServerDeps{Store: ms})

	req := buildRequest("skein.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"run_id": "r-1"},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)

	var body struct {
		Events []*store.Event `json:"events"`
	}
	unmarshalResult(t, result, &body)
	assert.Len(t, body.Events, 2)

	// By type across runs.
	req = buildRequest("skein.query", map[string]any{
		"resource": "events",
		"filter":   map[string]any{"event_type": "node_started"},
	})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	unmarshalResult(t, result, &body)
	assert.Len(t, body.Events, 2)
}

func TestQueryEventsRequiresFilter(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Store: newMockStore()})

	req := buildRequest("skein.query", map[string]any{"resource": "events"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryDefinitionsAndGraphs(t *testing.T) {
	ms := newMockStore()
	ms.definitions = []*schema.NodeDefinition{{ID: "parse", Version: 1}, {ID: "train", Version: 1}}
	ms.graphs = []*store.Graph{{ID: "g-1", Name: "etl"}}
	s := NewSkeinServer(SkeinServerDeps{Store: ms})

	req := buildRequest("skein.query", map[string]any{"resource": "definitions"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	var defBody struct {
		Definitions []*schema.NodeDefinition `json:"definitions"`
	}
	unmarshalResult(t, result, &defBody)
	assert.Len(t, defBody.Definitions, 2)

	req = buildRequest("skein.query", map[string]any{"resource": "graphs"})
	result, err = s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	var graphBody struct {
		Graphs []*store.Graph `json:"graphs"`
	}
	unmarshalResult(t, result, &graphBody)
	assert.Len(t, graphBody.Graphs, 1)
}

func TestQueryTriggers(t *testing.T) {
	ms := newMockStore()
	ms.triggers = []*store.Trigger{
		{ID: "t-1", GraphID: "g-1", Enabled: true},
		{ID: "t-2", GraphID: "g-1", Enabled: false},
	}
	s := NewSkeinServer(SkeinServerDeps{Store: ms})

	req := buildRequest("skein.query", map[string]any{
		"resource": "triggers",
		"filter":   map[string]any{"enabled": true},
	})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)

	var body struct {
		Triggers []*store.Trigger `json:"triggers"`
	}
	unmarshalResult(t, result, &body)
	require.Len(t, body.Triggers, 1)
	assert.Equal(t, "t-1", body.Triggers[0].ID)
}

func TestQueryUnknownResource(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Store: newMockStore()})

	req := buildRequest("skein.query", map[string]any{"resource": "invalid"})
	result, err := s.handleQuery(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Types ---

func TestTypesToolListsAll(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Types: testRegistry(t)})

	req := buildRequest("skein.types", map[string]any{})
	result, err := s.handleTypes(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "integer")
	assert.Contains(t, text, "dataframe")
}

func TestTypesToolCompatibleTargets(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Types: testRegistry(t)})

	req := buildRequest("skein.types", map[string]any{"output_type": "integer"})
	result, err := s.handleTypes(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "float")
	assert.Contains(t, text, "any")
}

func TestTypesToolUnknownType(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Types: testRegistry(t)})

	req := buildRequest("skein.types", map[string]any{"output_type": "quaternion"})
	result, err := s.handleTypes(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTypesToolPairSuggestsConversion(t *testing.T) {
	registry, conversions, err := typesys.NewBuiltinRegistry()
	require.NoError(t, err)
	s := NewSkeinServer(SkeinServerDeps{Types: registry, Conversions: conversions})

	req := buildRequest("skein.types", map[string]any{"output_type": "string", "input_type": "integer"})
	result, err := s.handleTypes(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var parsed map[string]any
	unmarshalResult(t, result, &parsed)
	assert.Equal(t, false, parsed["compatible"])
	conv, ok := parsed["conversion"].(map[string]any)
	require.True(t, ok, "incompatible pair with a registered operator should carry a suggestion")
	assert.Equal(t, "string_to_integer", conv["name"])
	assert.Equal(t, "string", conv["from"])
	assert.Equal(t, "integer", conv["to"])
}

func TestTypesToolPairCompatible(t *testing.T) {
	registry, conversions, err := typesys.NewBuiltinRegistry()
	require.NoError(t, err)
	s := NewSkeinServer(SkeinServerDeps{Types: registry, Conversions: conversions})

	req := buildRequest("skein.types", map[string]any{"output_type": "integer", "input_type": "float"})
	result, err := s.handleTypes(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var parsed map[string]any
	unmarshalResult(t, result, &parsed)
	assert.Equal(t, true, parsed["compatible"])
	assert.NotContains(t, parsed, "conversion")
}

func TestTypesToolPairUnknownInputType(t *testing.T) {
	registry, conversions, err := typesys.NewBuiltinRegistry()
	require.NoError(t, err)
	s := NewSkeinServer(SkeinServerDeps{Types: registry, Conversions: conversions})

	req := buildRequest("skein.types", map[string]any{"output_type": "string", "input_type": "quaternion"})
	result, err := s.handleTypes(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Trigger ---

func TestTriggerCreate(t *testing.T) {
	ms := newMockStore()
	ms.graphs = []*store.Graph{{ID: "g-1"}}
	s := NewSkeinServer(SkeinServerDeps{Store: ms})

	req := buildRequest("skein.trigger", map[string]any{
		"action":   "create",
		"graph_id": "g-1",
		"cron":     "0 9 * * 1",
		"filter":   "weekday == 1",
		"inputs":   map[string]any{"entry.seed": "monday"},
	})

	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, ms.triggers, 1)
	trg := ms.triggers[0]
	assert.Equal(t, "g-1", trg.GraphID)
	assert.Equal(t, "0 9 * * 1", trg.CronExpr)
	assert.Equal(t, "weekday == 1", trg.Filter)
	assert.True(t, trg.Enabled)
	require.NotNil(t, trg.NextRunAt)
	assert.True(t, trg.NextRunAt.After(time.Now().UTC().Add(-time.Minute)))

	wire, ok := trg.Inputs["entry.seed"]
	require.True(t, ok)
	assert.JSONEq(t, `"monday"`, string(wire.Data))
}

func TestTriggerCreateInvalidCron(t *testing.T) {
	ms := newMockStore()
	ms.graphs = []*store.Graph{{ID: "g-1"}}
	s := NewSkeinServer(SkeinServerDeps{Store: ms})

	req := buildRequest("skein.trigger", map[string]any{
		"action":   "create",
		"graph_id": "g-1",
		"cron":     "not a cron",
	})
	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, ms.triggers)
}

func TestTriggerCreateMissingGraph(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Store: newMockStore()})

	req := buildRequest("skein.trigger", map[string]any{
		"action":   "create",
		"graph_id": "missing",
		"cron":     "* * * * *",
	})
	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTriggerEnableDisable(t *testing.T) {
	ms := newMockStore()
	s := NewSkeinServer(SkeinServerDeps{Store: ms})

	req := buildRequest("skein.trigger", map[string]any{
		"action":     "disable",
		"trigger_id": "t-1",
	})
	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)

	update, ok := ms.triggerUpdates["t-1"]
	require.True(t, ok)
	require.NotNil(t, update.Enabled)
	assert.False(t, *update.Enabled)

	req = buildRequest("skein.trigger", map[string]any{
		"action":     "enable",
		"trigger_id": "t-1",
	})
	_, err = s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, *ms.triggerUpdates["t-1"].Enabled)
}

func TestTriggerDelete(t *testing.T) {
	ms := newMockStore()
	s := NewSkeinServer(SkeinServerDeps{Store: ms})

	req := buildRequest("skein.trigger", map[string]any{
		"action":     "delete",
		"trigger_id": "t-9",
	})
	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"t-9"}, ms.deletedIDs)
}

func TestTriggerMissingParams(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{Store: newMockStore()})

	// Missing action.
	req := buildRequest("skein.trigger", map[string]any{})
	result, err := s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing trigger_id for delete.
	req = buildRequest("skein.trigger", map[string]any{"action": "delete"})
	result, err = s.handleTrigger(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Watch ---

func TestWatchToolNoSession(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{})

	req := buildRequest("skein.watch", map[string]any{"run_id": "run-1"})
	result, err := s.handleWatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWatchToolMissingRunID(t *testing.T) {
	s := NewSkeinServer(SkeinServerDeps{})

	req := buildRequest("skein.watch", map[string]any{})
	result, err := s.handleWatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

// --- Helpers ---

func TestExtractInt(t *testing.T) {
	assert.Equal(t, 50, extractInt(nil, "limit", 50))
	assert.Equal(t, 10, extractInt(map[string]any{"limit": float64(10)}, "limit", 50))
	assert.Equal(t, 7, extractInt(map[string]any{"limit": 7}, "limit", 50))
	assert.Equal(t, 3, extractInt(map[string]any{"limit": "3"}, "limit", 50))
	assert.Equal(t, 50, extractInt(map[string]any{"limit": "x"}, "limit", 50))
}

// --- Test helpers ---

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}
