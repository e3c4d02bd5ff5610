package typesys

import (
	"context"
	"testing"

	"github.com/skeinhq/skein/pkg/schema"
)

func TestSuggest_RegisteredOperator(t *testing.T) {
	_, conv, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}

	c := conv.Suggest("string", "integer")
	if c == nil {
		t.Fatal("expected a string -> integer conversion")
	}
	if c.Name != "string_to_integer" {
		t.Errorf("expected string_to_integer, got %s", c.Name)
	}
}

func TestSuggest_NoOperator(t *testing.T) {
	_, conv, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}
	if c := conv.Suggest("boolean", "dataframe"); c != nil {
		t.Errorf("expected nil, got %s", c.Name)
	}
}

func TestSuggest_NeverChains(t *testing.T) {
	conv := NewConversions()
	if err := conv.Register("a_to_b", "a", "b", "."); err != nil {
		t.Fatal(err)
	}
	if err := conv.Register("b_to_c", "b", "c", "."); err != nil {
		t.Fatal(err)
	}
	// a -> c is reachable in two hops but must not be suggested.
	if c := conv.Suggest("a", "c"); c != nil {
		t.Errorf("expected nil for chained pair, got %s", c.Name)
	}
}

func TestApply_StringToInteger(t *testing.T) {
	_, conv, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}

	c := conv.Suggest("string", "integer")
	out, err := c.Apply(context.Background(), "42")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if out != 42 && out != float64(42) {
		t.Errorf("expected 42, got %v (%T)", out, out)
	}
}

func TestApply_MalformedInput(t *testing.T) {
	_, conv, err := NewBuiltinRegistry()
	if err != nil {
		t.Fatalf("builtin registry: %v", err)
	}

	c := conv.Suggest("string", "integer")
	_, err = c.Apply(context.Background(), "not a number")
	assertCode(t, err, schema.ErrCodeCodec)
}

func TestRegister_DuplicatePair(t *testing.T) {
	conv := NewConversions()
	if err := conv.Register("first", "x", "y", "."); err != nil {
		t.Fatal(err)
	}
	err := conv.Register("second", "x", "y", ".")
	assertCode(t, err, schema.ErrCodeConflict)
}

func TestRegister_BadProgram(t *testing.T) {
	conv := NewConversions()
	err := conv.Register("broken", "x", "y", ".foo |")
	assertCode(t, err, schema.ErrCodeValidation)
}
