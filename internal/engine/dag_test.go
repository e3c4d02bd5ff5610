package engine

import (
	"testing"

	"github.com/skeinhq/skein/pkg/schema"
)

// --- helpers ---

func inst(id string) schema.NodeInstance {
	return schema.NodeInstance{ID: id, DefinitionID: "def-" + id}
}

func conn(srcNode, srcPort, tgtNode, tgtPort string) schema.Connection {
	return schema.Connection{
		SourceNode: srcNode,
		SourcePort: srcPort,
		TargetNode: tgtNode,
		TargetPort: tgtPort,
	}
}

func defsFor(wf *schema.WorkflowGraph) map[string]*schema.NodeDefinition {
	defs := make(map[string]*schema.NodeDefinition, len(wf.Nodes))
	for _, n := range wf.Nodes {
		defs[n.ID] = &schema.NodeDefinition{ID: n.DefinitionID, Version: 1}
	}
	return defs
}

func assertEngineError(t *testing.T, err error, expectedCode string) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	engErr, ok := err.(*schema.EngineError)
	if !ok {
		t.Fatalf("expected EngineError, got %T: %v", err, err)
	}
	if engErr.Code != expectedCode {
		t.Errorf("expected code %s, got %s: %s", expectedCode, engErr.Code, engErr.Message)
	}
}

// indexOf returns the position of each node in the sorted order.
func indexOf(g *Graph) map[string]int {
	m := make(map[string]int, len(g.Sorted))
	for i, id := range g.Sorted {
		m[id] = i
	}
	return m
}

// --- graph structure tests ---

func TestBuildGraph_LinearChain(t *testing.T) {
	wf := &schema.WorkflowGraph{
		Nodes: []schema.NodeInstance{inst("a"), inst("b"), inst("c")},
		Connections: []schema.Connection{
			conn("a", "out", "b", "in"),
			conn("b", "out", "c", "in"),
		},
	}

	g, err := BuildGraph(wf, defsFor(wf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := indexOf(g)
	if idx["a"] >= idx["b"] || idx["b"] >= idx["c"] {
		t.Errorf("incorrect topological order: %v", g.Sorted)
	}
	if len(g.Roots) != 1 || g.Roots[0] != "a" {
		t.Errorf("expected roots=[a], got %v", g.Roots)
	}
}

func TestBuildGraph_Diamond(t *testing.T) {
	wf := &schema.WorkflowGraph{
		Nodes: []schema.NodeInstance{inst("a"), inst("b"), inst("c"), inst("d")},
		Connections: []schema.Connection{
			conn("a", "out", "b", "in"),
			conn("a", "out", "c", "in"),
			conn("b", "out", "d", "left"),
			conn("c", "out", "d", "right"),
		},
	}

	g, err := BuildGraph(wf, defsFor(wf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	idx := indexOf(g)
	if idx["a"] >= idx["b"] || idx["a"] >= idx["c"] {
		t.Errorf("a must come before b and c: %v", g.Sorted)
	}
	if idx["b"] >= idx["d"] || idx["c"] >= idx["d"] {
		t.Errorf("b and c must come before d: %v", g.Sorted)
	}
	if len(g.Deps["d"]) != 2 {
		t.Errorf("d should depend on b and c, got %v", g.Deps["d"])
	}
	if len(g.Inbound["d"]) != 2 {
		t.Errorf("d should have 2 inbound connections, got %v", g.Inbound["d"])
	}
}

func TestBuildGraph_MultiplePortsSameProducerPair(t *testing.T) {
	// Two connections between the same node pair count as one dependency.
	wf := &schema.WorkflowGraph{
		Nodes: []schema.NodeInstance{inst("a"), inst("b")},
		Connections: []schema.Connection{
			conn("a", "first", "b", "x"),
			conn("a", "second", "b", "y"),
		},
	}

	g, err := BuildGraph(wf, defsFor(wf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Deps["b"]) != 1 {
		t.Errorf("expected one distinct dependency, got %v", g.Deps["b"])
	}
	if len(g.Inbound["b"]) != 2 {
		t.Errorf("both connections must be kept, got %v", g.Inbound["b"])
	}
}

func TestBuildGraph_DisconnectedComponents(t *testing.T) {
	wf := &schema.WorkflowGraph{
		Nodes: []schema.NodeInstance{inst("a"), inst("b"), inst("x"), inst("y")},
		Connections: []schema.Connection{
			conn("a", "out", "b", "in"),
			conn("x", "out", "y", "in"),
		},
	}

	g, err := BuildGraph(wf, defsFor(wf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(g.Roots) != 2 {
		t.Errorf("expected roots [a x], got %v", g.Roots)
	}
	if len(g.Sorted) != 4 {
		t.Errorf("all nodes must be sorted, got %v", g.Sorted)
	}
}

func TestBuildGraph_Cycle(t *testing.T) {
	wf := &schema.WorkflowGraph{
		Nodes: []schema.NodeInstance{inst("a"), inst("b"), inst("c")},
		Connections: []schema.Connection{
			conn("a", "out", "b", "in"),
			conn("b", "out", "c", "in"),
			conn("c", "out", "a", "in"),
		},
	}

	_, err := BuildGraph(wf, defsFor(wf))
	assertEngineError(t, err, schema.ErrCodeCycleDetected)
}

func TestBuildGraph_SelfConnection(t *testing.T) {
	wf := &schema.WorkflowGraph{
		Nodes:       []schema.NodeInstance{inst("a")},
		Connections: []schema.Connection{conn("a", "out", "a", "in")},
	}

	_, err := BuildGraph(wf, defsFor(wf))
	assertEngineError(t, err, schema.ErrCodeCycleDetected)
}

func TestBuildGraph_DuplicateNodeID(t *testing.T) {
	wf := &schema.WorkflowGraph{
		Nodes: []schema.NodeInstance{inst("a"), inst("a")},
	}

	_, err := BuildGraph(wf, map[string]*schema.NodeDefinition{
		"a": {ID: "def-a", Version: 1},
	})
	assertEngineError(t, err, schema.ErrCodeValidation)
}

func TestBuildGraph_UnknownConnectionTarget(t *testing.T) {
	wf := &schema.WorkflowGraph{
		Nodes:       []schema.NodeInstance{inst("a")},
		Connections: []schema.Connection{conn("a", "out", "ghost", "in")},
	}

	_, err := BuildGraph(wf, defsFor(wf))
	assertEngineError(t, err, schema.ErrCodeValidation)
}

func TestBuildGraph_MissingDefinition(t *testing.T) {
	wf := &schema.WorkflowGraph{
		Nodes: []schema.NodeInstance{inst("a"), inst("b")},
	}

	_, err := BuildGraph(wf, map[string]*schema.NodeDefinition{
		"a": {ID: "def-a", Version: 1},
	})
	assertEngineError(t, err, schema.ErrCodeValidation)
}

func TestBuildGraph_Empty(t *testing.T) {
	_, err := BuildGraph(&schema.WorkflowGraph{}, nil)
	assertEngineError(t, err, schema.ErrCodeValidation)

	_, err = BuildGraph(nil, nil)
	assertEngineError(t, err, schema.ErrCodeValidation)
}

func TestDescendants(t *testing.T) {
	//     a
	//    / \
	//   b   c
	//   |   |
	//   d   e
	//    \ /
	//     f
	wf := &schema.WorkflowGraph{
		Nodes: []schema.NodeInstance{
			inst("a"), inst("b"), inst("c"), inst("d"), inst("e"), inst("f"),
		},
		Connections: []schema.Connection{
			conn("a", "out", "b", "in"),
			conn("a", "out", "c", "in"),
			conn("b", "out", "d", "in"),
			conn("c", "out", "e", "in"),
			conn("d", "out", "f", "left"),
			conn("e", "out", "f", "right"),
		},
	}

	g, err := BuildGraph(wf, defsFor(wf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	desc := g.Descendants("b")
	if len(desc) != 2 {
		t.Fatalf("expected descendants of b to be [d f], got %v", desc)
	}
	if desc[0] != "d" || desc[1] != "f" {
		t.Errorf("expected [d f], got %v", desc)
	}

	if got := g.Descendants("a"); len(got) != 5 {
		t.Errorf("expected all 5 descendants of a, got %v", got)
	}
	if got := g.Descendants("f"); len(got) != 0 {
		t.Errorf("sink has no descendants, got %v", got)
	}
}
