package validation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skeinhq/skein/internal/typesys"
	"github.com/skeinhq/skein/pkg/schema"
)

// --- helpers ---

func newValidator(t *testing.T) *GraphValidator {
	t.Helper()
	reg, conv, err := typesys.NewBuiltinRegistry()
	require.NoError(t, err)
	gv, err := NewGraphValidator(reg, conv)
	require.NoError(t, err)
	return gv
}

func simpleDef(id string, inputs, outputs []schema.Port) *schema.NodeDefinition {
	return &schema.NodeDefinition{
		ID:      id,
		Version: 1,
		Name:    id,
		Inputs:  inputs,
		Outputs: outputs,
		Script:  "def main(**kwargs):\n    return {}\n",
		Entry:   "main",
		Runtime: schema.RuntimeSpec{Kind: "python", Version: "3.12"},
	}
}

func twoNodeGraph(srcType, tgtType string) (*schema.WorkflowGraph, map[string]*schema.NodeDefinition) {
	wf := &schema.WorkflowGraph{
		ID: "g",
		Nodes: []schema.NodeInstance{
			{ID: "a", DefinitionID: "def-a"},
			{ID: "b", DefinitionID: "def-b"},
		},
		Connections: []schema.Connection{
			{SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},
		},
	}
	defs := map[string]*schema.NodeDefinition{
		"a": simpleDef("def-a", nil, []schema.Port{{Name: "out", Type: srcType}}),
		"b": simpleDef("def-b", []schema.Port{{Name: "in", Type: tgtType}}, nil),
	}
	return wf, defs
}

func issueCodes(result *schema.ValidationResult) []string {
	codes := make([]string, len(result.Errors))
	for i, issue := range result.Errors {
		codes[i] = issue.Code
	}
	return codes
}

// --- pipeline ---

func TestValidate_ValidGraph(t *testing.T) {
	gv := newValidator(t)
	wf, defs := twoNodeGraph("string", "string")

	result := gv.Validate(context.Background(), wf, defs)
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestValidate_NilGraph(t *testing.T) {
	gv := newValidator(t)
	result := gv.Validate(context.Background(), nil, nil)
	require.False(t, result.Valid())
}

func TestValidate_StructuralShortCircuits(t *testing.T) {
	gv := newValidator(t)

	// Empty node ID is a structural error; the dangling connection must not
	// additionally produce semantic errors.
	wf := &schema.WorkflowGraph{
		ID:          "g",
		Nodes:       []schema.NodeInstance{{ID: "", DefinitionID: "def-a"}},
		Connections: []schema.Connection{{SourceNode: "x", SourcePort: "o", TargetNode: "y", TargetPort: "i"}},
	}

	result := gv.Validate(context.Background(), wf, nil)
	require.False(t, result.Valid())
	for _, issue := range result.Errors {
		assert.Equal(t, schema.ErrCodeValidation, issue.Code)
		assert.Empty(t, issue.Connection)
	}
}

func TestValidate_DuplicateNodeID(t *testing.T) {
	gv := newValidator(t)
	wf := &schema.WorkflowGraph{
		ID: "g",
		Nodes: []schema.NodeInstance{
			{ID: "a", DefinitionID: "def-a"},
			{ID: "a", DefinitionID: "def-a"},
		},
	}

	result := gv.Validate(context.Background(), wf, nil)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate node id")
}

func TestValidate_NoNodes(t *testing.T) {
	gv := newValidator(t)
	result := gv.Validate(context.Background(), &schema.WorkflowGraph{ID: "g"}, nil)
	require.False(t, result.Valid())
}

// --- semantic ---

func TestValidate_TypeMismatch(t *testing.T) {
	gv := newValidator(t)
	wf, defs := twoNodeGraph("string", "integer")

	result := gv.Validate(context.Background(), wf, defs)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), schema.ErrCodeTypeMismatch)
	assert.Equal(t, "a.out -> b.in", result.Errors[0].Connection)
	assert.Contains(t, result.Errors[0].Message, `conversion "string_to_integer"`,
		"a registered operator for the pair should be suggested")
}

func TestValidate_TypeMismatchWithoutConversionHasNoHint(t *testing.T) {
	gv := newValidator(t)
	wf, defs := twoNodeGraph("boolean", "integer")

	result := gv.Validate(context.Background(), wf, defs)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), schema.ErrCodeTypeMismatch)
	assert.NotContains(t, result.Errors[0].Message, "conversion")
}

func TestValidate_OneHopCompatibility(t *testing.T) {
	gv := newValidator(t)

	// string declares text: one hop, allowed.
	wf, defs := twoNodeGraph("string", "text")
	assert.True(t, gv.Validate(context.Background(), wf, defs).Valid())

	// integer -> float is declared, but integer -> string would need two
	// hops and is rejected.
	wf, defs = twoNodeGraph("integer", "float")
	assert.True(t, gv.Validate(context.Background(), wf, defs).Valid())

	wf, defs = twoNodeGraph("integer", "string")
	assert.False(t, gv.Validate(context.Background(), wf, defs).Valid())
}

func TestValidate_AnyAcceptsEverything(t *testing.T) {
	gv := newValidator(t)
	wf, defs := twoNodeGraph("dataframe", schema.TypeAny)
	assert.True(t, gv.Validate(context.Background(), wf, defs).Valid())
}

func TestValidate_UnknownPort(t *testing.T) {
	gv := newValidator(t)
	wf, defs := twoNodeGraph("string", "string")
	wf.Connections[0].SourcePort = "nope"

	result := gv.Validate(context.Background(), wf, defs)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `no output port "nope"`)
}

func TestValidate_UnknownType(t *testing.T) {
	gv := newValidator(t)
	wf, defs := twoNodeGraph("quaternion", "string")

	result := gv.Validate(context.Background(), wf, defs)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, `unknown data type "quaternion"`)
}

func TestValidate_PortConflict(t *testing.T) {
	gv := newValidator(t)
	wf := &schema.WorkflowGraph{
		ID: "g",
		Nodes: []schema.NodeInstance{
			{ID: "a", DefinitionID: "def-a"},
			{ID: "b", DefinitionID: "def-b"},
			{ID: "c", DefinitionID: "def-c"},
		},
		Connections: []schema.Connection{
			{SourceNode: "a", SourcePort: "out", TargetNode: "c", TargetPort: "in"},
			{SourceNode: "b", SourcePort: "out", TargetNode: "c", TargetPort: "in"},
		},
	}
	defs := map[string]*schema.NodeDefinition{
		"a": simpleDef("def-a", nil, []schema.Port{{Name: "out", Type: "string"}}),
		"b": simpleDef("def-b", nil, []schema.Port{{Name: "out", Type: "string"}}),
		"c": simpleDef("def-c", []schema.Port{{Name: "in", Type: "string"}}, nil),
	}

	result := gv.Validate(context.Background(), wf, defs)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), schema.ErrCodePortConflict)
}

func TestValidate_ReportsEveryBadConnection(t *testing.T) {
	gv := newValidator(t)
	wf := &schema.WorkflowGraph{
		ID: "g",
		Nodes: []schema.NodeInstance{
			{ID: "a", DefinitionID: "def-a"},
			{ID: "b", DefinitionID: "def-b"},
			{ID: "c", DefinitionID: "def-c"},
		},
		Connections: []schema.Connection{
			{SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},   // mismatch
			{SourceNode: "a", SourcePort: "out", TargetNode: "c", TargetPort: "in"},   // mismatch
			{SourceNode: "a", SourcePort: "ghost", TargetNode: "c", TargetPort: "in"}, // bad port
		},
	}
	defs := map[string]*schema.NodeDefinition{
		"a": simpleDef("def-a", nil, []schema.Port{{Name: "out", Type: "boolean"}}),
		"b": simpleDef("def-b", []schema.Port{{Name: "in", Type: "integer"}}, nil),
		"c": simpleDef("def-c", []schema.Port{{Name: "in", Type: "float"}}, nil),
	}

	result := gv.Validate(context.Background(), wf, defs)
	require.False(t, result.Valid())
	// One batch report: both mismatches plus the unknown port, not just the
	// first problem found.
	assert.GreaterOrEqual(t, len(result.Errors), 3)
}

func TestValidate_UnproducedInputWarns(t *testing.T) {
	gv := newValidator(t)
	wf := &schema.WorkflowGraph{
		ID:    "g",
		Nodes: []schema.NodeInstance{{ID: "a", DefinitionID: "def-a"}},
	}
	defs := map[string]*schema.NodeDefinition{
		"a": simpleDef("def-a", []schema.Port{{Name: "seed", Type: "integer"}}, nil),
	}

	result := gv.Validate(context.Background(), wf, defs)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "supplied at submission")
}

// --- DAG ---

func TestValidate_CycleDetected(t *testing.T) {
	gv := newValidator(t)
	wf := &schema.WorkflowGraph{
		ID: "g",
		Nodes: []schema.NodeInstance{
			{ID: "a", DefinitionID: "def-a"},
			{ID: "b", DefinitionID: "def-b"},
		},
		Connections: []schema.Connection{
			{SourceNode: "a", SourcePort: "out", TargetNode: "b", TargetPort: "in"},
			{SourceNode: "b", SourcePort: "out", TargetNode: "a", TargetPort: "in"},
		},
	}
	defs := map[string]*schema.NodeDefinition{
		"a": simpleDef("def-a", []schema.Port{{Name: "in", Type: "string"}}, []schema.Port{{Name: "out", Type: "string"}}),
		"b": simpleDef("def-b", []schema.Port{{Name: "in", Type: "string"}}, []schema.Port{{Name: "out", Type: "string"}}),
	}

	result := gv.Validate(context.Background(), wf, defs)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), schema.ErrCodeCycleDetected)
}

func TestValidate_SelfConnection(t *testing.T) {
	gv := newValidator(t)
	wf := &schema.WorkflowGraph{
		ID:    "g",
		Nodes: []schema.NodeInstance{{ID: "a", DefinitionID: "def-a"}},
		Connections: []schema.Connection{
			{SourceNode: "a", SourcePort: "out", TargetNode: "a", TargetPort: "in"},
		},
	}
	defs := map[string]*schema.NodeDefinition{
		"a": simpleDef("def-a",
			[]schema.Port{{Name: "in", Type: "string"}},
			[]schema.Port{{Name: "out", Type: "string"}}),
	}

	result := gv.Validate(context.Background(), wf, defs)
	require.False(t, result.Valid())
	assert.Contains(t, issueCodes(result), schema.ErrCodeCycleDetected)
}

// --- definition checks ---

func TestCheckDefinition_Valid(t *testing.T) {
	gv := newValidator(t)
	def := simpleDef("def-a",
		[]schema.Port{{Name: "in", Type: "string"}},
		[]schema.Port{{Name: "out", Type: "string"}})
	assert.NoError(t, gv.CheckDefinition(def))
}

func TestCheckDefinition_MissingFields(t *testing.T) {
	gv := newValidator(t)

	err := gv.CheckDefinition(&schema.NodeDefinition{ID: "def-a"})
	require.Error(t, err)
	engErr, ok := err.(*schema.EngineError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, engErr.Code)
}

func TestCheckDefinition_DuplicatePortName(t *testing.T) {
	gv := newValidator(t)
	def := simpleDef("def-a", nil, []schema.Port{
		{Name: "out", Type: "string"},
		{Name: "out", Type: "integer"},
	})

	err := gv.CheckDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `duplicate port name "out"`)
}

func TestCheckDefinition_Nil(t *testing.T) {
	gv := newValidator(t)
	assert.Error(t, gv.CheckDefinition(nil))
}
