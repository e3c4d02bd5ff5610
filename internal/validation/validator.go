package validation

import (
	"context"

	"github.com/skeinhq/skein/internal/typesys"
	"github.com/skeinhq/skein/pkg/schema"
)

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ports, producers, type compatibility)
// 3. DAG (cycles, reachability)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	types      TypeChecker
	conv       *typesys.Conversions
}

// NewGraphValidator creates a GraphValidator. types may be nil to skip
// type-level checks; conv may be nil to report type mismatches without
// conversion hints.
func NewGraphValidator(types TypeChecker, conv *typesys.Conversions) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{
		jsonSchema: jsv,
		types:      types,
		conv:       conv,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result naming
// every offending connection. Structural errors short-circuit: semantic and
// DAG stages are skipped.
func (gv *GraphValidator) Validate(_ context.Context, wf *schema.WorkflowGraph, defs map[string]*schema.NodeDefinition) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow graph is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(gv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(wf, defs, gv.types, gv.conv))

	// Stage 3: DAG (skip if semantic errors; graph may be malformed).
	if result.Valid() {
		result.Merge(validateDAG(wf))
	}

	return result
}

// CheckDefinition validates a definition document before registration.
func (gv *GraphValidator) CheckDefinition(def *schema.NodeDefinition) error {
	return gv.jsonSchema.ValidateDefinition(def)
}

// validateStructural wraps JSONSchemaValidator.ValidateGraph, converting its
// error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, wf *schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateGraph(wf)
	if err == nil {
		return result
	}

	engErr, ok := err.(*schema.EngineError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if engErr.Details != nil {
		if violations, ok := engErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, engErr.Message)
	return result
}
