package schema

import "time"

// TypeCategory classifies a registered data type.
type TypeCategory string

const (
	CategoryScalar     TypeCategory = "scalar"
	CategoryCollection TypeCategory = "collection"
	CategoryOpaque     TypeCategory = "opaque"
	CategoryUniversal  TypeCategory = "universal"
)

// TypeAny is the universal type: compatible with, and accepted by, everything.
const TypeAny = "any"

// DataType is a named entry in the type registry. CompatibleWith is declared on
// the producer's side: values of this type may flow into inputs of those types.
// Compatibility is a single declared hop, not an inheritance chain, and is not
// required to be symmetric.
type DataType struct {
	ID             string       `json:"id"`
	Category       TypeCategory `json:"category"`
	CompatibleWith []string     `json:"compatible_with,omitempty"`
}

// Port is a named, typed input or output slot on a node definition.
type Port struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RuntimeSpec identifies the runtime a node's script executes under.
type RuntimeSpec struct {
	Kind    string `json:"kind"`    // e.g. "python", "node"
	Version string `json:"version"` // e.g. "3.12"
}

// String renders the spec as "kind:version" for pool keys and logs.
func (r RuntimeSpec) String() string {
	if r.Version == "" {
		return r.Kind
	}
	return r.Kind + ":" + r.Version
}

// PackageDep is one entry in a node's dependency manifest.
type PackageDep struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"` // optional constraint, e.g. ">=2.0"
}

// NodeDefinition is a registered, versioned script node. Each edit produces a
// new immutable version referencing the prior one; a definition is never
// deleted while a workflow references it.
type NodeDefinition struct {
	ID           string       `json:"id"`
	Version      int          `json:"version"`
	PrevVersion  int          `json:"prev_version,omitempty"`
	Name         string       `json:"name"`
	Inputs       []Port       `json:"inputs,omitempty"`
	Outputs      []Port       `json:"outputs,omitempty"`
	Script       string       `json:"script"`
	Entry        string       `json:"entry"` // designated entry function
	Runtime      RuntimeSpec  `json:"runtime"`
	Dependencies []PackageDep `json:"dependencies,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// InputPort returns the input port with the given name, or nil.
func (d *NodeDefinition) InputPort(name string) *Port {
	for i := range d.Inputs {
		if d.Inputs[i].Name == name {
			return &d.Inputs[i]
		}
	}
	return nil
}

// OutputPort returns the output port with the given name, or nil.
func (d *NodeDefinition) OutputPort(name string) *Port {
	for i := range d.Outputs {
		if d.Outputs[i].Name == name {
			return &d.Outputs[i]
		}
	}
	return nil
}

// NodeInstance places a node definition into a workflow graph.
type NodeInstance struct {
	ID                string `json:"id"`
	DefinitionID      string `json:"definition_id"`
	DefinitionVersion int    `json:"definition_version,omitempty"` // 0 = latest
}

// Connection is a typed edge (sourceNode, sourcePort) -> (targetNode, targetPort).
// An input port accepts at most one connection; output ports may fan out.
type Connection struct {
	SourceNode string `json:"source_node"`
	SourcePort string `json:"source_port"`
	TargetNode string `json:"target_node"`
	TargetPort string `json:"target_port"`
}

// String renders the edge as "node.port -> node.port" for error reports.
func (c Connection) String() string {
	return c.SourceNode + "." + c.SourcePort + " -> " + c.TargetNode + "." + c.TargetPort
}

// WorkflowGraph is a set of node instances plus connections. The connection
// graph must be acyclic; every edge must be type-compatible at validation time.
type WorkflowGraph struct {
	ID          string         `json:"id"`
	Name        string         `json:"name,omitempty"`
	Nodes       []NodeInstance `json:"nodes"`
	Connections []Connection   `json:"connections,omitempty"`
	Concurrency int            `json:"concurrency,omitempty"` // 0 = engine default
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// RunStatus is the lifecycle state of an execution run.
type RunStatus string

const (
	RunStatusPending    RunStatus = "pending"
	RunStatusValidating RunStatus = "validating"
	RunStatusScheduling RunStatus = "scheduling"
	RunStatusRunning    RunStatus = "running"
	RunStatusSucceeded  RunStatus = "succeeded"
	RunStatusFailed     RunStatus = "failed"
	RunStatusCancelled  RunStatus = "cancelled"
)

// NodeRunStatus is the lifecycle state of one node execution record.
type NodeRunStatus string

const (
	NodeStatusPending   NodeRunStatus = "pending"
	NodeStatusRunning   NodeRunStatus = "running"
	NodeStatusRetrying  NodeRunStatus = "retrying"
	NodeStatusSucceeded NodeRunStatus = "succeeded"
	NodeStatusFailed    NodeRunStatus = "failed"
	NodeStatusSkipped   NodeRunStatus = "skipped"
	NodeStatusCancelled NodeRunStatus = "cancelled"
)

// TerminalNode reports whether a node status is terminal. Records are
// append-only once terminal.
func TerminalNode(s NodeRunStatus) bool {
	switch s {
	case NodeStatusSucceeded, NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled:
		return true
	}
	return false
}

// TerminalRun reports whether a run status is terminal.
func TerminalRun(s RunStatus) bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// ResourceUsage is a sample of resources consumed by one node execution.
type ResourceUsage struct {
	CPUMillis       int64 `json:"cpu_millis,omitempty"`
	MemoryPeakBytes int64 `json:"memory_peak_bytes,omitempty"`
	WallMillis      int64 `json:"wall_millis,omitempty"`
}
