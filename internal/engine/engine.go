package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skeinhq/skein/internal/codec"
	"github.com/skeinhq/skein/internal/executor"
	"github.com/skeinhq/skein/internal/isolation"
	"github.com/skeinhq/skein/internal/sandbox"
	"github.com/skeinhq/skein/internal/store"
	"github.com/skeinhq/skein/pkg/schema"
)

// DefaultPoolSize is the default global worker pool concurrency.
const DefaultPoolSize = 10

// DefaultRunConcurrency is the default per-run node concurrency.
const DefaultRunConcurrency = 4

// Validator checks a submitted graph before scheduling. The result carries
// every problem found, not just the first.
type Validator interface {
	Validate(ctx context.Context, wf *schema.WorkflowGraph, defs map[string]*schema.NodeDefinition) *schema.ValidationResult
}

// Notifier receives every persisted event for live streaming. Publish must
// not block.
type Notifier interface {
	Publish(event *store.Event)
}

// SandboxProvider leases execution environments. Satisfied by
// *sandbox.Manager.
type SandboxProvider interface {
	Acquire(ctx context.Context, runID string, spec schema.RuntimeSpec, deps []schema.PackageDep) (*sandbox.Sandbox, error)
	Release(sb *sandbox.Sandbox, healthy bool)
	Destroy(sb *sandbox.Sandbox)
	ReleaseRun(runID string)
}

// NodeRunner executes one node attempt inside a sandbox. Satisfied by
// *executor.Executor.
type NodeRunner interface {
	Run(ctx context.Context, def *schema.NodeDefinition, nodeID string, inputs map[string]schema.WireValue, sb *sandbox.Sandbox, limits isolation.ResourceLimits) executor.Result
}

// EventLogger abstracts the event log operations needed by the engine.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	ReplayEvents(ctx context.Context, runID string) (map[string]*store.NodeRecord, error)
}

// Config holds engine tuning knobs. Zero fields take documented defaults.
type Config struct {
	PoolSize       int                      // global max concurrent node executions
	RunConcurrency int                      // default per-run node concurrency
	Retry          RetryPolicy              // zero value means DefaultRetryPolicy
	Limits         isolation.ResourceLimits // default per-node resource limits
}

// Engine coordinates run execution: validation, scheduling, node dispatch,
// retries, skip cascades, and cancellation.
type Engine struct {
	store     store.Store
	eventLog  EventLogger
	validator Validator
	sandboxes SandboxProvider
	exec      NodeRunner
	blobs     codec.BlobStore
	notify    Notifier
	cfg       Config
	runFSM    *RunFSM
	nodeFSM   *NodeFSM
	pool      *WorkerPool
	logger    *slog.Logger

	// mu guards running.
	mu      sync.Mutex
	running map[string]*activeRun
}

// activeRun tracks a single in-flight run.
type activeRun struct {
	runID       string
	graph       *Graph
	concurrency int
	cancel      context.CancelFunc
	done        chan struct{}

	// mu guards records and outputs.
	mu      sync.Mutex
	records map[string]*store.NodeRecord
	outputs map[string]map[string]schema.WireValue
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store     store.Store
	EventLog  EventLogger
	Validator Validator
	Sandboxes SandboxProvider
	Executor  NodeRunner
	Blobs     codec.BlobStore
	Notify    Notifier // optional
	Logger    *slog.Logger
}

// New creates an Engine.
func New(d Deps, cfg Config) *Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.RunConcurrency <= 0 {
		cfg.RunConcurrency = DefaultRunConcurrency
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}

	e := &Engine{
		store:     d.Store,
		eventLog:  d.EventLog,
		validator: d.Validator,
		sandboxes: d.Sandboxes,
		exec:      d.Executor,
		blobs:     d.Blobs,
		notify:    d.Notify,
		cfg:       cfg,
		pool:      NewWorkerPool(cfg.PoolSize),
		logger:    d.Logger,
		running:   make(map[string]*activeRun),
	}
	e.runFSM = NewRunFSM(e)
	e.nodeFSM = NewNodeFSM(e)
	return e
}

// AppendEvent persists an event and forwards it to the streaming notifier.
// Implements EventAppender for the FSMs.
func (e *Engine) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := e.eventLog.AppendEvent(ctx, event); err != nil {
		return err
	}
	if e.notify != nil {
		e.notify.Publish(event)
	}
	return nil
}

// SubmitRun validates a graph and, if it passes, schedules it for execution.
// The returned run ID is valid either way: a rejected submission leaves a
// failed run whose error carries the full validation report.
func (e *Engine) SubmitRun(ctx context.Context, wf *schema.WorkflowGraph, inputs map[string]schema.WireValue) (string, error) {
	runID := uuid.New().String()

	defs, resolveErr := e.resolveDefinitions(ctx, wf)

	run := &store.Run{
		ID:            runID,
		GraphID:       wf.ID,
		Graph:         *wf,
		Status:        schema.RunStatusPending,
		InitialInputs: inputs,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create run: %s", err.Error()).WithCause(err)
	}

	if err := e.transitionRun(ctx, runID, schema.RunStatusPending, schema.RunStatusValidating, nil); err != nil {
		return runID, err
	}

	if resolveErr != nil {
		return runID, e.failValidation(ctx, runID, resolveErr)
	}

	if result := e.validator.Validate(ctx, wf, defs); !result.Valid() {
		report, _ := json.Marshal(result)
		verr := schema.NewErrorf(schema.ErrCodeValidation,
			"graph failed validation with %d error(s)", len(result.Errors)).
			WithDetails(map[string]any{"report": json.RawMessage(report)})
		return runID, e.failValidation(ctx, runID, verr)
	}

	graph, err := BuildGraph(wf, defs)
	if err != nil {
		engErr, ok := err.(*schema.EngineError)
		if !ok {
			engErr = schema.NewError(schema.ErrCodeValidation, err.Error())
		}
		return runID, e.failValidation(ctx, runID, engErr)
	}

	if err := e.transitionRun(ctx, runID, schema.RunStatusValidating, schema.RunStatusScheduling, nil); err != nil {
		return runID, err
	}

	// Materialize pending records for every node up front so status queries
	// see the whole graph immediately.
	ar := &activeRun{
		runID:       runID,
		graph:       graph,
		concurrency: wf.Concurrency,
		done:        make(chan struct{}),
		records:     make(map[string]*store.NodeRecord, len(graph.Nodes)),
		outputs:     make(map[string]map[string]schema.WireValue),
	}
	for id, node := range graph.Nodes {
		rec := &store.NodeRecord{
			RunID:             runID,
			NodeID:            id,
			DefinitionID:      node.DefinitionID,
			DefinitionVersion: graph.Defs[id].Version,
			Status:            schema.NodeStatusPending,
		}
		ar.records[id] = rec
		if err := e.store.UpsertNodeRecord(ctx, rec); err != nil {
			return runID, schema.NewErrorf(schema.ErrCodeStore, "init node record %s: %s", id, err.Error()).WithCause(err)
		}
	}

	now := time.Now().UTC()
	runningStatus := schema.RunStatusRunning
	if err := e.transitionRun(ctx, runID, schema.RunStatusScheduling, schema.RunStatusRunning, nil); err != nil {
		return runID, err
	}
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &runningStatus, StartedAt: &now}); err != nil {
		return runID, schema.NewErrorf(schema.ErrCodeStore, "update run status: %s", err.Error()).WithCause(err)
	}

	// The run outlives the submitting request.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ar.cancel = cancel

	e.mu.Lock()
	e.running[runID] = ar
	e.mu.Unlock()

	go e.executeGraph(runCtx, ar, run.InitialInputs)

	return runID, nil
}

// resolveDefinitions loads the pinned (or latest) definition version for
// every node instance.
func (e *Engine) resolveDefinitions(ctx context.Context, wf *schema.WorkflowGraph) (map[string]*schema.NodeDefinition, *schema.EngineError) {
	defs := make(map[string]*schema.NodeDefinition, len(wf.Nodes))
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		def, err := e.store.GetDefinition(ctx, node.DefinitionID, node.DefinitionVersion)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node %s references unknown definition %q", node.ID, node.DefinitionID).
				WithNode(node.ID).WithCause(err)
		}
		defs[node.ID] = def
	}
	return defs, nil
}

// failValidation records a rejected submission and returns the error.
func (e *Engine) failValidation(ctx context.Context, runID string, verr *schema.EngineError) error {
	payload, _ := json.Marshal(verr)
	_ = e.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    schema.EventValidationFailed,
		Payload: payload,
	})
	_ = e.transitionRun(ctx, runID, schema.RunStatusValidating, schema.RunStatusFailed, payload)

	now := time.Now().UTC()
	failed := schema.RunStatusFailed
	_ = e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &failed,
		Error:       payload,
		CompletedAt: &now,
	})
	return verr
}

func (e *Engine) transitionRun(ctx context.Context, runID string, from, to schema.RunStatus, payload json.RawMessage) error {
	if err := e.runFSM.Transition(ctx, runID, from, to, payload); err != nil {
		return err
	}
	status := to
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{Status: &status}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist run status: %s", err.Error()).WithCause(err)
	}
	return nil
}

// --- Run execution ---

type nodeDone struct {
	nodeID string
	result executor.Result
}

// executeGraph dispatches ready nodes until the run drains. A node becomes
// ready when every upstream producer has succeeded. One producer failing
// skips its descendants; independent branches keep running.
func (e *Engine) executeGraph(ctx context.Context, ar *activeRun, inputs map[string]schema.WireValue) {
	defer func() {
		ar.cancel()
		e.sandboxes.ReleaseRun(ar.runID)
		e.mu.Lock()
		delete(e.running, ar.runID)
		e.mu.Unlock()
		close(ar.done)
	}()

	graph := ar.graph
	concurrency := e.cfg.RunConcurrency
	if ar.concurrency > 0 {
		concurrency = ar.concurrency
	}

	pendingDeps := make(map[string]int, len(graph.Nodes))
	for id := range graph.Nodes {
		pendingDeps[id] = len(graph.Deps[id])
	}

	ready := make([]string, len(graph.Roots))
	copy(ready, graph.Roots)

	results := make(chan nodeDone, len(graph.Nodes))
	inFlight := 0
	var firstErr *schema.EngineError

	// Background ctx for bookkeeping writes; the run ctx dies on cancellation
	// but terminal states must still be persisted.
	bg := context.WithoutCancel(ctx)

	for len(ready) > 0 || inFlight > 0 {
		for len(ready) > 0 && inFlight < concurrency && ctx.Err() == nil {
			nodeID := ready[0]
			ready = ready[1:]
			if e.recordStatus(ar, nodeID) != schema.NodeStatusPending {
				continue
			}
			inFlight++
			id := nodeID
			err := e.pool.Submit(ctx, func(runCtx context.Context) error {
				// Every submitted node must deliver exactly one nodeDone or
				// the drain below blocks forever, so a panicking runNode is
				// converted into a failure result before it reaches the pool.
				nd := nodeDone{nodeID: id}
				defer func() {
					if r := recover(); r != nil {
						nd.result = executor.Failure(schema.NewErrorf(schema.ErrCodeSandboxFault,
							"node execution panicked: %v", r).WithNode(id), schema.ResourceUsage{})
						e.markNode(bg, ar, id, schema.NodeStatusFailed, nil, nd.result)
					}
					results <- nd
				}()
				nd.result = e.runNode(runCtx, ar, id, inputs)
				return nil
			})
			if err != nil {
				// Pool rejected (shutdown or cancellation); surface as a
				// cancelled node so the drain loop stays balanced.
				results <- nodeDone{nodeID: id, result: executor.Failure(
					schema.NewError(schema.ErrCodeCancelled, "node dispatch aborted").WithNode(id),
					schema.ResourceUsage{},
				)}
			}
		}

		if inFlight == 0 {
			break
		}

		nd := <-results
		inFlight--

		switch {
		case nd.result.Outcome == executor.OutcomeSuccess:
			ar.mu.Lock()
			ar.outputs[nd.nodeID] = nd.result.Outputs
			ar.mu.Unlock()
			for _, dep := range graph.Reverse[nd.nodeID] {
				pendingDeps[dep]--
				if pendingDeps[dep] == 0 {
					ready = append(ready, dep)
				}
			}

		case nd.result.Err != nil && nd.result.Err.Code == schema.ErrCodeCancelled:
			e.markNode(bg, ar, nd.nodeID, schema.NodeStatusCancelled, nil, nd.result)

		default:
			if firstErr == nil {
				firstErr = nd.result.Err
			}
			e.skipDescendants(bg, ar, nd.nodeID)
		}
	}

	e.finishRun(bg, ctx, ar, firstErr)
}

// finishRun settles leftover nodes and persists the terminal run status.
func (e *Engine) finishRun(bg, runCtx context.Context, ar *activeRun, firstErr *schema.EngineError) {
	cancelled := runCtx.Err() != nil

	ar.mu.Lock()
	var leftover []string
	for id, rec := range ar.records {
		if !schema.TerminalNode(rec.Status) && rec.Status != schema.NodeStatusRunning {
			leftover = append(leftover, id)
		}
	}
	ar.mu.Unlock()
	sortStrings(leftover)

	for _, id := range leftover {
		if cancelled {
			e.markNode(bg, ar, id, schema.NodeStatusCancelled, nil, executor.Result{})
		} else {
			e.skipNode(bg, ar, id)
		}
	}

	var status schema.RunStatus
	var payload json.RawMessage
	switch {
	case cancelled:
		status = schema.RunStatusCancelled
		payload, _ = json.Marshal(schema.NewError(schema.ErrCodeCancelled, "run cancelled"))
	case firstErr != nil:
		status = schema.RunStatusFailed
		payload, _ = json.Marshal(firstErr)
	default:
		status = schema.RunStatusSucceeded
	}

	if err := e.runFSM.Transition(bg, ar.runID, schema.RunStatusRunning, status, payload); err != nil {
		e.logger.Error("run transition failed", "run_id", ar.runID, "status", status, "error", err)
	}
	now := time.Now().UTC()
	if err := e.store.UpdateRun(bg, ar.runID, store.RunUpdate{
		Status:      &status,
		Error:       payload,
		CompletedAt: &now,
	}); err != nil {
		e.logger.Error("persist run end failed", "run_id", ar.runID, "error", err)
	}
	e.logger.Info("run finished", "run_id", ar.runID, "status", status)
}

// runNode executes one node, retrying environment faults on fresh sandboxes
// up to the retry policy's bound.
func (e *Engine) runNode(ctx context.Context, ar *activeRun, nodeID string, initialInputs map[string]schema.WireValue) executor.Result {
	def := ar.graph.Defs[nodeID]
	bg := context.WithoutCancel(ctx)

	nodeInputs, inErr := e.gatherInputs(ar, nodeID, initialInputs)
	if inErr != nil {
		res := executor.Failure(inErr, schema.ResourceUsage{})
		e.markNode(bg, ar, nodeID, schema.NodeStatusFailed, nodeInputs, res)
		return res
	}

	started := time.Now().UTC()
	if err := e.nodeFSM.Transition(ctx, ar.runID, nodeID, schema.NodeStatusPending, schema.NodeStatusRunning, nil); err != nil {
		engErr, ok := err.(*schema.EngineError)
		if !ok {
			engErr = schema.NewError(schema.ErrCodeStore, err.Error()).WithNode(nodeID)
		}
		return executor.Failure(engErr, schema.ResourceUsage{})
	}
	e.updateRecord(bg, ar, nodeID, func(rec *store.NodeRecord) {
		rec.Status = schema.NodeStatusRunning
		rec.Inputs = nodeInputs
		rec.StartedAt = &started
	})

	var res executor.Result
	for attempt := 0; ; attempt++ {
		res = e.attemptNode(ctx, ar, nodeID, def, nodeInputs)
		if res.Outcome == executor.OutcomeSuccess {
			break
		}
		if ctx.Err() != nil || res.Err == nil || res.Err.Code == schema.ErrCodeCancelled {
			break
		}
		if !res.Err.IsRetryable() || attempt >= e.cfg.Retry.MaxRetries {
			break
		}

		retryPayload, _ := json.Marshal(res.Err)
		if err := e.nodeFSM.Transition(ctx, ar.runID, nodeID, schema.NodeStatusRunning, schema.NodeStatusRetrying, retryPayload); err != nil {
			break
		}
		e.updateRecord(bg, ar, nodeID, func(rec *store.NodeRecord) {
			rec.Status = schema.NodeStatusRetrying
			rec.RetryCount = attempt + 1
		})
		e.logger.Warn("retrying node", "run_id", ar.runID, "node_id", nodeID,
			"attempt", attempt+1, "code", res.Err.Code)

		if err := WaitForBackoff(ctx, e.cfg.Retry.ComputeBackoff(attempt)); err != nil {
			break
		}
		if err := e.nodeFSM.Transition(ctx, ar.runID, nodeID, schema.NodeStatusRetrying, schema.NodeStatusRunning, nil); err != nil {
			break
		}
		e.updateRecord(bg, ar, nodeID, func(rec *store.NodeRecord) {
			rec.Status = schema.NodeStatusRunning
		})
	}

	if res.Err != nil {
		res.Err = e.attributeUpstream(ar, nodeID, res.Err)
	}

	switch {
	case res.Outcome == executor.OutcomeSuccess:
		e.retainBlobs(bg, ar.runID, res.Outputs)
		e.markNode(bg, ar, nodeID, schema.NodeStatusSucceeded, nodeInputs, res)
	case res.Err != nil && res.Err.Code == schema.ErrCodeCancelled:
		e.markNode(bg, ar, nodeID, schema.NodeStatusCancelled, nodeInputs, res)
	default:
		e.markNode(bg, ar, nodeID, schema.NodeStatusFailed, nodeInputs, res)
	}
	return res
}

// attemptNode runs one execution attempt on a freshly leased sandbox. A
// failed sandbox is destroyed, never returned to its pool.
func (e *Engine) attemptNode(ctx context.Context, ar *activeRun, nodeID string, def *schema.NodeDefinition, inputs map[string]schema.WireValue) executor.Result {
	sb, err := e.sandboxes.Acquire(ctx, ar.runID, def.Runtime, def.Dependencies)
	if err != nil {
		engErr, ok := err.(*schema.EngineError)
		if !ok {
			engErr = schema.NewErrorf(schema.ErrCodeSandboxFault, "acquire sandbox: %s", err.Error()).WithCause(err)
		}
		return executor.Failure(engErr.WithNode(nodeID), schema.ResourceUsage{})
	}

	res := e.exec.Run(ctx, def, nodeID, inputs, sb, e.cfg.Limits)
	if res.Outcome == executor.OutcomeSuccess {
		e.sandboxes.Release(sb, true)
	} else {
		e.sandboxes.Destroy(sb)
	}
	return res
}

// attributeUpstream re-points a decode-stage error at the node that produced
// the offending wire value. The consuming node still owns the failure record;
// only the error's blame moves. Unwired ports (initial inputs) stay put.
func (e *Engine) attributeUpstream(ar *activeRun, nodeID string, err *schema.EngineError) *schema.EngineError {
	if err.Code != schema.ErrCodeTypeMismatch && err.Code != schema.ErrCodeCodec {
		return err
	}
	port, ok := err.Details["input_port"].(string)
	if !ok {
		return err
	}
	for _, conn := range ar.graph.Inbound[nodeID] {
		if conn.TargetPort == port {
			return err.WithNode(conn.SourceNode)
		}
	}
	return err
}

// gatherInputs assembles a node's input ports from upstream outputs and the
// run's initial inputs. Initial inputs are keyed "node.port"; a bare port key
// also matches root nodes for single-node convenience.
func (e *Engine) gatherInputs(ar *activeRun, nodeID string, initial map[string]schema.WireValue) (map[string]schema.WireValue, *schema.EngineError) {
	def := ar.graph.Defs[nodeID]
	inputs := make(map[string]schema.WireValue, len(def.Inputs))

	wired := make(map[string]bool)
	ar.mu.Lock()
	for _, conn := range ar.graph.Inbound[nodeID] {
		if out, ok := ar.outputs[conn.SourceNode]; ok {
			if wv, ok := out[conn.SourcePort]; ok {
				inputs[conn.TargetPort] = wv
				wired[conn.TargetPort] = true
			}
		}
	}
	ar.mu.Unlock()

	isRoot := len(ar.graph.Deps[nodeID]) == 0
	for i := range def.Inputs {
		port := def.Inputs[i].Name
		if wired[port] {
			continue
		}
		if wv, ok := initial[nodeID+"."+port]; ok {
			inputs[port] = wv
			continue
		}
		if isRoot {
			if wv, ok := initial[port]; ok {
				inputs[port] = wv
				continue
			}
		}
		return inputs, schema.NewErrorf(schema.ErrCodeValidation,
			"input port %q has no producer and no initial value", port).WithNode(nodeID)
	}
	return inputs, nil
}

// retainBlobs records run references for every spilled output payload.
func (e *Engine) retainBlobs(ctx context.Context, runID string, outputs map[string]schema.WireValue) {
	for port, wv := range outputs {
		if wv.Blob == nil {
			continue
		}
		if err := e.store.RetainBlob(ctx, runID, *wv.Blob); err != nil {
			e.logger.Error("retain blob failed", "run_id", runID, "port", port, "blob", wv.Blob.ID, "error", err)
		}
	}
}

// skipDescendants marks every still-pending node downstream of a failed node
// as skipped. Already finished work on other branches is untouched.
func (e *Engine) skipDescendants(ctx context.Context, ar *activeRun, failedID string) {
	for _, id := range ar.graph.Descendants(failedID) {
		if e.recordStatus(ar, id) != schema.NodeStatusPending {
			continue
		}
		e.skipNode(ctx, ar, id)
	}
}

func (e *Engine) skipNode(ctx context.Context, ar *activeRun, nodeID string) {
	if err := e.nodeFSM.Transition(ctx, ar.runID, nodeID, schema.NodeStatusPending, schema.NodeStatusSkipped, nil); err != nil {
		e.logger.Error("skip transition failed", "run_id", ar.runID, "node_id", nodeID, "error", err)
		return
	}
	e.updateRecord(ctx, ar, nodeID, func(rec *store.NodeRecord) {
		rec.Status = schema.NodeStatusSkipped
	})
}

// markNode persists a node's terminal state and emits the FSM transition.
func (e *Engine) markNode(ctx context.Context, ar *activeRun, nodeID string, to schema.NodeRunStatus, inputs map[string]schema.WireValue, res executor.Result) {
	from := e.recordStatus(ar, nodeID)
	if schema.TerminalNode(from) {
		return
	}

	var payload json.RawMessage
	switch to {
	case schema.NodeStatusSucceeded:
		payload, _ = json.Marshal(store.NodeSnapshot{Outputs: res.Outputs})
	case schema.NodeStatusFailed:
		if res.Err != nil {
			payload, _ = json.Marshal(res.Err)
		}
	}

	if err := e.nodeFSM.Transition(ctx, ar.runID, nodeID, from, to, payload); err != nil {
		e.logger.Error("node transition failed", "run_id", ar.runID, "node_id", nodeID,
			"from", from, "to", to, "error", err)
		return
	}

	completed := time.Now().UTC()
	e.updateRecord(ctx, ar, nodeID, func(rec *store.NodeRecord) {
		rec.Status = to
		if inputs != nil {
			rec.Inputs = inputs
		}
		if res.Outputs != nil {
			rec.Outputs = res.Outputs
		}
		if res.Err != nil {
			rec.Error, _ = json.Marshal(res.Err)
		}
		if res.Usage != (schema.ResourceUsage{}) {
			usage := res.Usage
			rec.Usage = &usage
		}
		if to == schema.NodeStatusSucceeded || to == schema.NodeStatusFailed || to == schema.NodeStatusCancelled {
			rec.CompletedAt = &completed
			if rec.StartedAt != nil {
				rec.DurationMs = completed.Sub(*rec.StartedAt).Milliseconds()
			}
		}
	})
}

func (e *Engine) recordStatus(ar *activeRun, nodeID string) schema.NodeRunStatus {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	if rec, ok := ar.records[nodeID]; ok {
		return rec.Status
	}
	return schema.NodeStatusPending
}

// updateRecord mutates the in-memory record under the run lock and persists it.
func (e *Engine) updateRecord(ctx context.Context, ar *activeRun, nodeID string, fn func(*store.NodeRecord)) {
	ar.mu.Lock()
	rec := ar.records[nodeID]
	fn(rec)
	snapshot := *rec
	ar.mu.Unlock()

	if err := e.store.UpsertNodeRecord(ctx, &snapshot); err != nil {
		e.logger.Error("persist node record failed", "run_id", ar.runID, "node_id", nodeID, "error", err)
	}
}

// --- Queries and control ---

// RunSnapshot is the queryable state of a run.
type RunSnapshot struct {
	Run    *store.Run                   `json:"run"`
	Nodes  map[string]*store.NodeRecord `json:"nodes,omitempty"`
	Events []*store.Event               `json:"events,omitempty"`
}

// RunStatus returns the current state of a run, its node records, and its
// event log.
func (e *Engine) RunStatus(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	records, err := e.store.ListNodeRecords(ctx, runID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list node records: %s", err.Error()).WithCause(err)
	}
	nodes := make(map[string]*store.NodeRecord, len(records))
	for _, rec := range records {
		nodes[rec.NodeID] = rec
	}
	events, err := e.eventLog.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err.Error()).WithCause(err)
	}
	return &RunSnapshot{Run: run, Nodes: nodes, Events: events}, nil
}

// CancelRun stops a run. In-flight nodes are interrupted; their sandboxes get
// a short grace to exit before they are killed. Completed node results are
// preserved.
func (e *Engine) CancelRun(ctx context.Context, runID string, reason string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if schema.TerminalRun(run.Status) {
		return schema.NewErrorf(schema.ErrCodeConflict, "run already %s", run.Status)
	}

	payload, _ := json.Marshal(map[string]string{"reason": reason})

	e.mu.Lock()
	ar, active := e.running[runID]
	e.mu.Unlock()

	if active {
		// The drain loop observes the dead context and settles every node
		// and the run itself.
		ar.cancel()
		return nil
	}

	// Not actively executing (still pending, or orphaned); settle directly.
	if err := e.runFSM.Transition(ctx, runID, run.Status, schema.RunStatusCancelled, payload); err != nil {
		return err
	}
	now := time.Now().UTC()
	cancelled := schema.RunStatusCancelled
	if err := e.store.UpdateRun(ctx, runID, store.RunUpdate{
		Status:      &cancelled,
		Error:       payload,
		CompletedAt: &now,
	}); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "persist cancel: %s", err.Error()).WithCause(err)
	}

	records, err := e.store.ListNodeRecords(ctx, runID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list node records: %s", err.Error()).WithCause(err)
	}
	for _, rec := range records {
		if schema.TerminalNode(rec.Status) {
			continue
		}
		if err := e.nodeFSM.Transition(ctx, runID, rec.NodeID, rec.Status, schema.NodeStatusCancelled, nil); err != nil {
			continue
		}
		rec.Status = schema.NodeStatusCancelled
		_ = e.store.UpsertNodeRecord(ctx, rec)
	}
	return nil
}

// Wait blocks until the run finishes executing, or returns immediately if it
// is not active. Used by the CLI and tests.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	e.mu.Lock()
	ar, ok := e.running[runID]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeleteRun removes a finished run, releasing its blob references first.
func (e *Engine) DeleteRun(ctx context.Context, runID string) error {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if !schema.TerminalRun(run.Status) {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %s is still %s", runID, run.Status)
	}
	if err := e.store.ReleaseBlobs(ctx, runID); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "release blobs: %s", err.Error()).WithCause(err)
	}
	return e.store.DeleteRun(ctx, runID)
}

// CollectGarbage deletes blobs with no remaining run references from both the
// blob store and the bookkeeping table. Returns the number of blobs removed.
func (e *Engine) CollectGarbage(ctx context.Context) (int, error) {
	orphans, err := e.store.ListUnreferencedBlobs(ctx)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeStore, "list unreferenced blobs: %s", err.Error()).WithCause(err)
	}
	removed := 0
	for _, b := range orphans {
		if e.blobs != nil {
			if err := e.blobs.Delete(ctx, b.ID); err != nil {
				e.logger.Error("delete blob payload failed", "blob", b.ID, "error", err)
				continue
			}
		}
		if err := e.store.DeleteBlob(ctx, b.ID); err != nil {
			e.logger.Error("delete blob record failed", "blob", b.ID, "error", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// Shutdown cancels every active run and drains the worker pool.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	actives := make([]*activeRun, 0, len(e.running))
	for _, ar := range e.running {
		actives = append(actives, ar)
	}
	e.mu.Unlock()

	for _, ar := range actives {
		ar.cancel()
	}
	for _, ar := range actives {
		<-ar.done
	}
	e.pool.Shutdown()
}
