package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/skeinhq/skein/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for WorkflowGraph validation.
// Embedded as a constant to avoid filesystem dependencies.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://skein.dev/schemas/graph.json",
  "type": "object",
  "required": ["nodes"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "connections": {
      "type": "array",
      "items": { "$ref": "#/$defs/connection" }
    },
    "concurrency": {
      "type": "integer",
      "minimum": 0
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "definition_id"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "definition_id": {
          "type": "string",
          "minLength": 1
        },
        "definition_version": {
          "type": "integer",
          "minimum": 0
        }
      },
      "additionalProperties": false
    },
    "connection": {
      "type": "object",
      "required": ["source_node", "source_port", "target_node", "target_port"],
      "properties": {
        "source_node": { "type": "string", "minLength": 1 },
        "source_port": { "type": "string", "minLength": 1 },
        "target_node": { "type": "string", "minLength": 1 },
        "target_port": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// definitionSchemaJSON is the JSON Schema for NodeDefinition registration.
const definitionSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://skein.dev/schemas/definition.json",
  "type": "object",
  "required": ["id", "script", "entry", "runtime"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "version": { "type": "integer", "minimum": 0 },
    "prev_version": { "type": "integer", "minimum": 0 },
    "name": { "type": "string" },
    "inputs": {
      "type": "array",
      "items": { "$ref": "#/$defs/port" }
    },
    "outputs": {
      "type": "array",
      "items": { "$ref": "#/$defs/port" }
    },
    "script": { "type": "string", "minLength": 1 },
    "entry": { "type": "string", "minLength": 1 },
    "runtime": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": { "type": "string", "minLength": 1 },
        "version": { "type": "string" }
      },
      "additionalProperties": false
    },
    "dependencies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "version": { "type": "string" }
        },
        "additionalProperties": false
      }
    },
    "created_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "port": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator performs structural validation of graph and definition
// documents using JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema      *jsonschema.Schema
	definitionSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with both schemas
// pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	graphCompiled, err := compileSchema("https://skein.dev/schemas/graph.json", graphSchemaJSON)
	if err != nil {
		return nil, err
	}
	defCompiled, err := compileSchema("https://skein.dev/schemas/definition.json", definitionSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &JSONSchemaValidator{
		graphSchema:      graphCompiled,
		definitionSchema: defCompiled,
	}, nil
}

func compileSchema(url, raw string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateGraph validates a WorkflowGraph against the graph JSON Schema.
func (v *JSONSchemaValidator) ValidateGraph(wf *schema.WorkflowGraph) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow graph is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow graph").WithCause(err)
	}

	if err := v.graphSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	// Structural checks JSON Schema cannot express: duplicate node IDs.
	seen := make(map[string]struct{}, len(wf.Nodes))
	for _, node := range wf.Nodes {
		if _, exists := seen[node.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID)
		}
		seen[node.ID] = struct{}{}
	}

	return nil
}

// ValidateDefinition validates a NodeDefinition document against the
// definition JSON Schema. Used on registration.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.NodeDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "node definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize node definition").WithCause(err)
	}

	if err := v.definitionSchema.Validate(doc); err != nil {
		return toEngineError(err)
	}

	// Port names must be unique within each side of the definition.
	for _, ports := range [][]schema.Port{def.Inputs, def.Outputs} {
		seen := make(map[string]struct{}, len(ports))
		for _, p := range ports {
			if _, exists := seen[p.Name]; exists {
				return schema.NewErrorf(schema.ErrCodeValidation, "duplicate port name %q", p.Name)
			}
			seen[p.Name] = struct{}{}
		}
	}

	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toEngineError converts a jsonschema.ValidationError into an EngineError
// carrying every leaf violation, not just the first.
func toEngineError(err error) *schema.EngineError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
