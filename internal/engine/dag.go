package engine

import (
	"github.com/skeinhq/skein/pkg/schema"
)

// Graph is the in-memory executable form of a workflow graph. Built from a
// WorkflowGraph plus the resolved node definitions, used by the Engine to
// determine execution order.
type Graph struct {
	Nodes   map[string]*schema.NodeInstance   // node ID → instance
	Defs    map[string]*schema.NodeDefinition // node ID → resolved definition
	Deps    map[string][]string               // node ID → upstream node IDs
	Reverse map[string][]string               // node ID → downstream node IDs
	Inbound map[string][]schema.Connection    // node ID → connections targeting it
	Sorted  []string                          // topological order
	Roots   []string                          // nodes with no upstream producers
}

// BuildGraph assembles an executable Graph from a workflow graph and the
// resolved definitions of every node instance. It builds adjacency lists,
// performs topological sorting using Kahn's algorithm, and detects cycles.
// Structural and type checks are the validator's job; BuildGraph only rejects
// what would make execution order undefined.
func BuildGraph(wf *schema.WorkflowGraph, defs map[string]*schema.NodeDefinition) (*Graph, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}
	if len(wf.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow graph has no nodes")
	}

	g := &Graph{
		Nodes:   make(map[string]*schema.NodeInstance, len(wf.Nodes)),
		Defs:    defs,
		Deps:    make(map[string][]string, len(wf.Nodes)),
		Reverse: make(map[string][]string, len(wf.Nodes)),
		Inbound: make(map[string][]schema.Connection),
	}

	// First pass: register all nodes and check for duplicates.
	for i := range wf.Nodes {
		node := &wf.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "node at index %d has empty ID", i)
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		if defs != nil {
			if _, ok := defs[node.ID]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"node %s has no resolved definition (%s)", node.ID, node.DefinitionID)
			}
		}
		g.Nodes[node.ID] = node
	}

	// Second pass: derive dependencies from connections. A node depends on
	// every distinct upstream node wired into one of its input ports.
	depSet := make(map[string]map[string]bool, len(wf.Nodes))
	for _, conn := range wf.Connections {
		if _, ok := g.Nodes[conn.SourceNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection %s references non-existent source node", conn.String())
		}
		if _, ok := g.Nodes[conn.TargetNode]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection %s references non-existent target node", conn.String())
		}
		if conn.SourceNode == conn.TargetNode {
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"node %s is connected to itself", conn.SourceNode)
		}
		g.Inbound[conn.TargetNode] = append(g.Inbound[conn.TargetNode], conn)

		set, ok := depSet[conn.TargetNode]
		if !ok {
			set = make(map[string]bool)
			depSet[conn.TargetNode] = set
		}
		if !set[conn.SourceNode] {
			set[conn.SourceNode] = true
			g.Deps[conn.TargetNode] = append(g.Deps[conn.TargetNode], conn.SourceNode)
			g.Reverse[conn.SourceNode] = append(g.Reverse[conn.SourceNode], conn.TargetNode)
		}
	}
	for id := range g.Nodes {
		if _, ok := g.Deps[id]; !ok {
			g.Deps[id] = nil
		}
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		inDegree[id] = len(g.Deps[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sortStrings(queue)
	g.Roots = make([]string, len(queue))
	copy(g.Roots, queue)

	sorted := make([]string, 0, len(g.Nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(g.Reverse[node]))
		copy(dependents, g.Reverse[node])
		sortStrings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(g.Nodes) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "workflow graph contains a cycle")
	}
	g.Sorted = sorted

	return g, nil
}

// Descendants returns every node reachable downstream of the given node, in
// deterministic order. Used to cascade skips when a producer fails.
func (g *Graph) Descendants(nodeID string) []string {
	visited := make(map[string]bool)
	var out []string
	var walk func(id string)
	walk = func(id string) {
		next := make([]string, len(g.Reverse[id]))
		copy(next, g.Reverse[id])
		sortStrings(next)
		for _, d := range next {
			if visited[d] {
				continue
			}
			visited[d] = true
			out = append(out, d)
			walk(d)
		}
	}
	walk(nodeID)
	return out
}

// sortStrings sorts a slice of strings in-place using insertion sort.
// Used for small slices to avoid importing sort package.
func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		key := s[i]
		j := i - 1
		for j >= 0 && s[j] > key {
			s[j+1] = s[j]
			j--
		}
		s[j+1] = key
	}
}
