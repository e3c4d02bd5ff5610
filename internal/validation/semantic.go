package validation

import (
	"fmt"

	"github.com/skeinhq/skein/internal/typesys"
	"github.com/skeinhq/skein/pkg/schema"
)

// TypeChecker answers type existence and compatibility questions. Satisfied
// by *typesys.Registry; nil skips type-level checks.
type TypeChecker interface {
	Has(id string) bool
	IsCompatible(outputType, inputType string) bool
}

// validateSemantic checks every connection against the resolved definitions:
// port existence, single producer per input port, and one-hop type
// compatibility. All problems are reported in one pass. Mismatched pairs that
// a registered conversion could bridge name the operator in the message.
func validateSemantic(wf *schema.WorkflowGraph, defs map[string]*schema.NodeDefinition, types TypeChecker, conv *typesys.Conversions) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	nodeIDs := make(map[string]bool, len(wf.Nodes))
	for _, n := range wf.Nodes {
		nodeIDs[n.ID] = true
	}

	// Definitions must declare types the registry knows about.
	if types != nil {
		checked := make(map[string]bool)
		for _, n := range wf.Nodes {
			def, ok := defs[n.ID]
			if !ok || checked[def.ID] {
				continue
			}
			checked[def.ID] = true
			for _, p := range def.Inputs {
				if !types.Has(p.Type) {
					result.AddError(fmt.Sprintf("nodes[%s].inputs[%s]", n.ID, p.Name),
						schema.ErrCodeValidation,
						fmt.Sprintf("unknown data type %q", p.Type))
				}
			}
			for _, p := range def.Outputs {
				if !types.Has(p.Type) {
					result.AddError(fmt.Sprintf("nodes[%s].outputs[%s]", n.ID, p.Name),
						schema.ErrCodeValidation,
						fmt.Sprintf("unknown data type %q", p.Type))
				}
			}
		}
	}

	// producers[node][port] counts wired producers per input port.
	producers := make(map[string]map[string]int)

	for _, conn := range wf.Connections {
		if !nodeIDs[conn.SourceNode] {
			result.AddConnectionError(conn, schema.ErrCodeValidation,
				fmt.Sprintf("source node %q does not exist", conn.SourceNode))
			continue
		}
		if !nodeIDs[conn.TargetNode] {
			result.AddConnectionError(conn, schema.ErrCodeValidation,
				fmt.Sprintf("target node %q does not exist", conn.TargetNode))
			continue
		}

		srcDef, tgtDef := defs[conn.SourceNode], defs[conn.TargetNode]
		if srcDef == nil || tgtDef == nil {
			continue // unresolved definitions already reported upstream
		}

		outPort := srcDef.OutputPort(conn.SourcePort)
		if outPort == nil {
			result.AddConnectionError(conn, schema.ErrCodeValidation,
				fmt.Sprintf("definition %q has no output port %q", srcDef.ID, conn.SourcePort))
		}
		inPort := tgtDef.InputPort(conn.TargetPort)
		if inPort == nil {
			result.AddConnectionError(conn, schema.ErrCodeValidation,
				fmt.Sprintf("definition %q has no input port %q", tgtDef.ID, conn.TargetPort))
		}

		if ports, ok := producers[conn.TargetNode]; ok {
			ports[conn.TargetPort]++
		} else {
			producers[conn.TargetNode] = map[string]int{conn.TargetPort: 1}
		}
		if producers[conn.TargetNode][conn.TargetPort] == 2 {
			// Reported once, on the second wire.
			result.AddConnectionError(conn, schema.ErrCodePortConflict,
				fmt.Sprintf("input port %s.%s already has a producer", conn.TargetNode, conn.TargetPort))
		}

		if outPort != nil && inPort != nil && types != nil {
			if !types.IsCompatible(outPort.Type, inPort.Type) {
				msg := fmt.Sprintf("output type %q is not compatible with input type %q", outPort.Type, inPort.Type)
				if conv != nil {
					if c := conv.Suggest(outPort.Type, inPort.Type); c != nil {
						msg += fmt.Sprintf("; conversion %q can bridge it", c.Name)
					}
				}
				result.AddConnectionError(conn, schema.ErrCodeTypeMismatch, msg)
			}
		}
	}

	// Input ports with no producer must be supplied at submission time.
	for _, n := range wf.Nodes {
		def := defs[n.ID]
		if def == nil {
			continue
		}
		for _, p := range def.Inputs {
			if producers[n.ID][p.Name] == 0 {
				result.AddWarning(fmt.Sprintf("nodes[%s].inputs[%s]", n.ID, p.Name),
					schema.ErrCodeValidation,
					fmt.Sprintf("input port %q has no producer; a value must be supplied at submission", p.Name))
			}
		}
	}

	return result
}
