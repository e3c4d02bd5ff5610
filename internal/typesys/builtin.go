package typesys

import "github.com/skeinhq/skein/pkg/schema"

// builtinTypes is the default closed type enumeration. Compatibility is
// declared on the producer's side and holds for exactly one hop.
var builtinTypes = []schema.DataType{
	{ID: schema.TypeAny, Category: schema.CategoryUniversal},

	{ID: "string", Category: schema.CategoryScalar, CompatibleWith: []string{"text"}},
	{ID: "text", Category: schema.CategoryScalar, CompatibleWith: []string{"string"}},
	{ID: "integer", Category: schema.CategoryScalar, CompatibleWith: []string{"float"}},
	{ID: "float", Category: schema.CategoryScalar},
	{ID: "boolean", Category: schema.CategoryScalar},

	// list -> array is declared; the reverse is deliberately absent.
	{ID: "list", Category: schema.CategoryCollection, CompatibleWith: []string{"array"}},
	{ID: "array", Category: schema.CategoryCollection},
	{ID: "object", Category: schema.CategoryCollection},

	{ID: "binary", Category: schema.CategoryOpaque},
	{ID: "dataframe", Category: schema.CategoryOpaque},
	{ID: "model", Category: schema.CategoryOpaque},
}

// NewBuiltinRegistry returns a Registry pre-loaded with the builtin types and
// a Conversions table pre-loaded with the builtin one-step operators.
func NewBuiltinRegistry() (*Registry, *Conversions, error) {
	reg := NewRegistry()
	for _, t := range builtinTypes {
		if err := reg.Register(t); err != nil {
			return nil, nil, err
		}
	}

	conv := NewConversions()
	for _, c := range builtinConversions {
		if err := conv.Register(c.name, c.from, c.to, c.program); err != nil {
			return nil, nil, err
		}
	}
	return reg, conv, nil
}

// builtinConversions are the named one-step conversion operators. Each is a jq
// program applied to the decoded value.
var builtinConversions = []struct {
	name, from, to, program string
}{
	{"string_to_integer", "string", "integer", `tonumber | floor`},
	{"string_to_float", "string", "float", `tonumber`},
	{"integer_to_string", "integer", "string", `tostring`},
	{"float_to_string", "float", "string", `tostring`},
	{"list_to_array", "list", "array", `.`},
	{"object_to_list", "object", "list", `to_entries | map({key: .key, value: .value})`},
	{"string_to_list", "string", "list", `[.]`},
}
