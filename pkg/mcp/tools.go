package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/robfig/cron/v3"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/pkg/schema"
)

// triggerCronParser matches the five-field spec the trigger scheduler uses.
var triggerCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// handleSubmit starts a run from a saved graph or an inline graph object.
func (s *SkeinServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphID := req.GetString("graph_id", "")
	graphRaw := mcp.ParseStringMap(req, "graph", nil)

	if graphID == "" && graphRaw == nil {
		return mcp.NewToolResultError("either graph_id or graph is required"), nil
	}

	var spec *schema.WorkflowGraph
	if graphID != "" {
		g, err := s.store.GetGraph(ctx, graphID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("graph not found: %v", err)), nil
		}
		spec = &g.Spec
	} else {
		wf, err := decodeInto[schema.WorkflowGraph](graphRaw)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
		}
		spec = wf
	}

	inputs, err := toWireInputs(mcp.ParseStringMap(req, "inputs", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid inputs: %v", err)), nil
	}

	runID, err := s.engine.SubmitRun(ctx, spec, inputs)
	if err != nil {
		// Rejected submissions still record a failed run; surface both.
		var ee *schema.EngineError
		if runID != "" && errors.As(err, &ee) {
			return marshalResult(map[string]any{
				"run_id": runID,
				"status": "rejected",
				"error":  ee,
			})
		}
		return mcp.NewToolResultError(fmt.Sprintf("submission failed: %v", err)), nil
	}

	// Map the submitting session to the run so notifications flow without an
	// explicit skein.watch call.
	s.captureSession(ctx, runID)

	return marshalResult(map[string]any{
		"run_id": runID,
		"status": "accepted",
	})
}

// handleStatus returns the run row, per-node records, and the event history.
func (s *SkeinServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snap, err := s.engine.RunStatus(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status lookup failed: %v", err)), nil
	}
	return marshalResult(snap)
}

// handleCancel stops a run.
func (s *SkeinServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	if err := s.engine.CancelRun(ctx, runID, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"run_id": runID,
		"status": "cancelling",
	})
}

// handleDefine registers a node definition, producing a new immutable version.
func (s *SkeinServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	def, err := decodeInto[schema.NodeDefinition](defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	if err := s.checker.CheckDefinition(def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition rejected: %v", err)), nil
	}

	if err := s.store.PutDefinition(ctx, def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store definition: %v", err)), nil
	}

	// Read back the assigned version (the store auto-increments).
	stored, err := s.store.GetDefinition(ctx, def.ID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read back definition: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"id":      stored.ID,
		"version": stored.Version,
	})
}

// handleGraph validates a workflow graph and saves it for later submission.
func (s *SkeinServer) handleGraph(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphRaw := mcp.ParseStringMap(req, "graph", nil)
	if graphRaw == nil {
		return mcp.NewToolResultError("graph is required"), nil
	}

	wf, err := decodeInto[schema.WorkflowGraph](graphRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid graph: %v", err)), nil
	}
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if name := req.GetString("name", ""); name != "" {
		wf.Name = name
	}

	defs := make(map[string]*schema.NodeDefinition, len(wf.Nodes))
	for _, node := range wf.Nodes {
		if _, ok := defs[node.DefinitionID]; ok {
			continue
		}
		def, defErr := s.store.GetDefinition(ctx, node.DefinitionID, node.DefinitionVersion)
		if defErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("node %q references unknown definition %q", node.ID, node.DefinitionID)), nil
		}
		defs[node.DefinitionID] = def
	}

	report := s.checker.Validate(ctx, wf, defs)
	if !report.Valid() {
		return marshalResult(map[string]any{
			"valid":  false,
			"report": report,
		})
	}

	now := time.Now().UTC()
	g := &store.Graph{
		ID:        wf.ID,
		Name:      wf.Name,
		Spec:      *wf,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.SaveGraph(ctx, g); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save graph: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"graph_id": g.ID,
		"valid":    true,
		"warnings": report.Warnings,
	})
}

// handleQuery lists runs, events, definitions, graphs, or triggers based on filters.
func (s *SkeinServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "definitions":
		return s.queryDefinitions(ctx)
	case "graphs":
		return s.queryGraphs(ctx)
	case "triggers":
		return s.queryTriggers(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleTypes lists the data type registry, resolves compatible connection
// targets, or checks a single (output, input) pair with a conversion hint.
func (s *SkeinServer) handleTypes(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	outputType := req.GetString("output_type", "")
	if outputType == "" {
		return marshalResult(map[string]any{"types": s.types.List()})
	}

	if !s.types.Has(outputType) {
		return mcp.NewToolResultError(fmt.Sprintf("unknown type: %s", outputType)), nil
	}

	if inputType := req.GetString("input_type", ""); inputType != "" {
		if !s.types.Has(inputType) {
			return mcp.NewToolResultError(fmt.Sprintf("unknown type: %s", inputType)), nil
		}
		result := map[string]any{
			"output_type": outputType,
			"input_type":  inputType,
			"compatible":  s.types.IsCompatible(outputType, inputType),
		}
		if result["compatible"] == false && s.conversions != nil {
			if c := s.conversions.Suggest(outputType, inputType); c != nil {
				result["conversion"] = map[string]string{
					"name": c.Name,
					"from": c.From,
					"to":   c.To,
				}
			}
		}
		return marshalResult(result)
	}

	return marshalResult(map[string]any{
		"output_type": outputType,
		"compatible":  s.types.CompatibleTargets(outputType),
	})
}

// handleTrigger creates, toggles, or deletes cron triggers.
func (s *SkeinServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		return s.createTrigger(ctx, req)
	case "enable", "disable":
		triggerID, idErr := req.RequireString("trigger_id")
		if idErr != nil {
			return mcp.NewToolResultError("trigger_id is required"), nil
		}
		enabled := action == "enable"
		if updErr := s.store.UpdateTrigger(ctx, triggerID, store.TriggerUpdate{Enabled: &enabled}); updErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to update trigger: %v", updErr)), nil
		}
		return marshalResult(map[string]any{
			"trigger_id": triggerID,
			"enabled":    enabled,
		})
	case "delete":
		triggerID, idErr := req.RequireString("trigger_id")
		if idErr != nil {
			return mcp.NewToolResultError("trigger_id is required"), nil
		}
		if delErr := s.store.DeleteTrigger(ctx, triggerID); delErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to delete trigger: %v", delErr)), nil
		}
		return marshalResult(map[string]any{
			"trigger_id": triggerID,
			"deleted":    true,
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleWatch maps the calling session to a run for push notifications.
func (s *SkeinServer) handleWatch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("no active session; watch requires a connected client"), nil
	}
	s.sessions.Register(runID, session.SessionID())

	return marshalResult(map[string]any{
		"run_id":   runID,
		"watching": true,
	})
}

// --- Trigger helpers ---

func (s *SkeinServer) createTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	graphID, err := req.RequireString("graph_id")
	if err != nil {
		return mcp.NewToolResultError("graph_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}

	schedule, err := triggerCronParser.Parse(cronExpr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	if _, err := s.store.GetGraph(ctx, graphID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("graph not found: %v", err)), nil
	}

	inputs, err := toWireInputs(mcp.ParseStringMap(req, "inputs", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid inputs: %v", err)), nil
	}

	now := time.Now().UTC()
	next := schedule.Next(now)
	trg := &store.Trigger{
		ID:        uuid.NewString(),
		GraphID:   graphID,
		CronExpr:  cronExpr,
		Filter:    req.GetString("filter", ""),
		Inputs:    inputs,
		Enabled:   true,
		NextRunAt: &next,
		CreatedAt: now,
	}
	if err := s.store.CreateTrigger(ctx, trg); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create trigger: %v", err)), nil
	}

	return marshalResult(map[string]any{
		"trigger_id":  trg.ID,
		"next_run_at": next.Format(time.RFC3339),
	})
}

// --- Query helpers ---

func (s *SkeinServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		rf.Status = &rs
	}
	if graphID, ok := filter["graph_id"].(string); ok {
		rf.GraphID = graphID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *SkeinServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if nodeID, ok := filter["node_id"].(string); ok {
		ef.NodeID = nodeID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if eventType, ok := filter["event_type"].(string); ok && eventType != "" {
		events, err := s.store.GetEventsByType(ctx, eventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'run_id' in filter"), nil
	}
	sinceSeq := int64(extractInt(filter, "since_seq", 0))
	events, err := s.store.GetEvents(ctx, ef.RunID, sinceSeq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *SkeinServer) queryDefinitions(ctx context.Context) (*mcp.CallToolResult, error) {
	defs, err := s.store.ListDefinitions(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

func (s *SkeinServer) queryGraphs(ctx context.Context) (*mcp.CallToolResult, error) {
	graphs, err := s.store.ListGraphs(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"graphs": graphs})
}

func (s *SkeinServer) queryTriggers(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TriggerFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &enabled
	}
	if graphID, ok := filter["graph_id"].(string); ok {
		tf.GraphID = graphID
	}

	triggers, err := s.store.ListTriggers(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"triggers": triggers})
}

// --- Internal helpers ---

// captureSession maps a run ID to the caller's MCP session for notifications.
func (s *SkeinServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// decodeInto round-trips a raw argument map through JSON into a typed value.
func decodeInto[T any](raw map[string]any) (*T, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// toWireInputs converts plain JSON argument values into type-tagged wire
// values. Callers supply untyped data; validation happens per node port.
func toWireInputs(raw map[string]any) (map[string]schema.WireValue, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	inputs := make(map[string]schema.WireValue, len(raw))
	for key, value := range raw {
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", key, err)
		}
		inputs[key] = schema.WireValue{
			Type:     "any",
			Encoding: schema.EncodingJSON,
			Data:     data,
		}
	}
	return inputs, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
