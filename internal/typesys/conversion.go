package typesys

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/skeinhq/skein/pkg/schema"
)

// Conversion is a named one-step operator from one type to another,
// implemented as a compiled jq program over the decoded value.
type Conversion struct {
	Name string
	From string
	To   string
	code *gojq.Code
}

// Conversions is the table consulted by SuggestConversion. At most one
// operator may be registered per (from, to) pair.
type Conversions struct {
	mu    sync.RWMutex
	byKey map[convKey]*Conversion
}

type convKey struct {
	from, to string
}

// NewConversions creates an empty conversion table.
func NewConversions() *Conversions {
	return &Conversions{
		byKey: make(map[convKey]*Conversion),
	}
}

// Register compiles the jq program and adds the operator. Fails with CONFLICT
// if a conversion for the (from, to) pair already exists.
func (c *Conversions) Register(name, from, to, program string) error {
	if name == "" || from == "" || to == "" {
		return schema.NewError(schema.ErrCodeValidation, "conversion name, from, and to are required")
	}

	query, err := gojq.Parse(program)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"conversion %q: jq parse error: %s", name, err.Error()).WithCause(err)
	}
	// Block $ENV and env access: conversion programs are pure value reshaping.
	code, err := gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"conversion %q: jq compile error: %s", name, err.Error()).WithCause(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	key := convKey{from, to}
	if _, exists := c.byKey[key]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"conversion %s -> %s already registered", from, to)
	}
	c.byKey[key] = &Conversion{Name: name, From: from, To: to, code: code}
	return nil
}

// Suggest returns the registered one-step conversion from outputType to
// inputType, or nil if none exists. Chained conversions are never suggested.
func (c *Conversions) Suggest(outputType, inputType string) *Conversion {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byKey[convKey{outputType, inputType}]
}

// Apply runs the conversion's jq program against the decoded value. jq
// programs can emit multiple outputs; a single output is returned directly,
// multiple outputs are collected into a slice.
func (v *Conversion) Apply(ctx context.Context, value any) (any, error) {
	iter := v.code.RunWithContext(ctx, normalize(value))

	var results []any
	for {
		out, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := out.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeCodec,
				"conversion %q failed: %s", v.Name, err.Error()).WithCause(err)
		}
		results = append(results, out)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalize converts Go native numeric types to jq-compatible float64, and
// recurses through maps and slices.
func normalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
