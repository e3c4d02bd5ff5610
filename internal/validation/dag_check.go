package validation

import (
	"fmt"
	"sort"

	"github.com/skeinhq/skein/pkg/schema"
)

// validateDAG performs graph analysis on the connection graph: cycle
// detection (Kahn's algorithm) and unreachable-node analysis (BFS from roots).
func validateDAG(wf *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodeIDs[n.ID] = true
	}

	// edges[id] = upstream producers of node id, reverse[id] = consumers.
	edges := make(map[string][]string, len(wf.Nodes))
	reverse := make(map[string][]string, len(wf.Nodes))
	seen := make(map[string]map[string]bool, len(wf.Nodes))

	for _, conn := range wf.Connections {
		if !nodeIDs[conn.SourceNode] || !nodeIDs[conn.TargetNode] {
			continue // invalid refs already caught by semantic
		}
		if conn.SourceNode == conn.TargetNode {
			result.AddConnectionError(conn, schema.ErrCodeCycleDetected,
				fmt.Sprintf("node %q is connected to itself", conn.SourceNode))
			continue
		}
		if seen[conn.TargetNode] == nil {
			seen[conn.TargetNode] = make(map[string]bool)
		}
		if seen[conn.TargetNode][conn.SourceNode] {
			continue
		}
		seen[conn.TargetNode][conn.SourceNode] = true
		edges[conn.TargetNode] = append(edges[conn.TargetNode], conn.SourceNode)
		reverse[conn.SourceNode] = append(reverse[conn.SourceNode], conn.TargetNode)
	}
	if !result.Valid() {
		return result
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(wf.Nodes))
	for id := range nodeIDs {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(wf.Nodes))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(nodeIDs) {
		result.AddError("connections", schema.ErrCodeCycleDetected,
			"workflow graph contains a dependency cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from root nodes through consumer edges. An island is
	// legal but usually a mistake, so it is reported as a warning.
	roots := make([]string, 0)
	for id := range nodeIDs {
		if len(edges[id]) == 0 {
			roots = append(roots, id)
		}
	}

	reachable := make(map[string]bool, len(nodeIDs))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, dep := range reverse[node] {
			if !reachable[dep] {
				reachable[dep] = true
				bfsQueue = append(bfsQueue, dep)
			}
		}
	}

	for _, n := range wf.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from any root node", n.ID))
		}
	}

	return result
}
