package typesys

import (
	"sort"
	"sync"

	"github.com/skeinhq/skein/pkg/schema"
)

// Registry holds the closed set of data types and their declared one-hop
// compatibility relations. Registration is write-once per identifier; all
// lookups are pure reads over immutable entries, so the registry is safe for
// concurrent use with a single RWMutex.
type Registry struct {
	mu    sync.RWMutex
	types map[string]schema.DataType
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		types: make(map[string]schema.DataType),
	}
}

// Register adds a type. Fails with DUPLICATE_TYPE if the identifier exists.
// The entry is copied in; later mutation of the caller's slice has no effect.
func (r *Registry) Register(t schema.DataType) error {
	if t.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "type identifier is empty")
	}
	switch t.Category {
	case schema.CategoryScalar, schema.CategoryCollection, schema.CategoryOpaque, schema.CategoryUniversal:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "type %q has unknown category %q", t.ID, t.Category)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeDuplicateType, "type %q already registered", t.ID)
	}

	compat := make([]string, len(t.CompatibleWith))
	copy(compat, t.CompatibleWith)
	t.CompatibleWith = compat
	r.types[t.ID] = t
	return nil
}

// Get returns the registered type, or an error if unknown.
func (r *Registry) Get(id string) (schema.DataType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[id]
	if !ok {
		return schema.DataType{}, schema.NewErrorf(schema.ErrCodeNotFound, "type %q not registered", id)
	}
	return t, nil
}

// Has reports whether the identifier is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[id]
	return ok
}

// IsCompatible reports whether a value of outputType may feed an input of
// inputType: same type, either side universal, or inputType appears in
// outputType's declared compatible set. The relation is a single declared hop
// and is directional: no transitive closure, no implied symmetry.
func (r *Registry) IsCompatible(outputType, inputType string) bool {
	if outputType == inputType {
		return true
	}
	if outputType == schema.TypeAny || inputType == schema.TypeAny {
		return true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	out, ok := r.types[outputType]
	if !ok {
		return false
	}
	if out.Category == schema.CategoryUniversal {
		return true
	}
	if in, ok := r.types[inputType]; ok && in.Category == schema.CategoryUniversal {
		return true
	}
	for _, target := range out.CompatibleWith {
		if target == inputType {
			return true
		}
	}
	return false
}

// CompatibleTargets returns every registered type a value of outputType may
// flow into, sorted by identifier. The set is the declared one-hop relation
// plus the type itself and the universal type.
func (r *Registry) CompatibleTargets(outputType string) []schema.DataType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out, ok := r.types[outputType]
	if !ok {
		return nil
	}

	var targets []schema.DataType
	for id, t := range r.types {
		if id == outputType || t.Category == schema.CategoryUniversal || out.Category == schema.CategoryUniversal {
			targets = append(targets, t)
			continue
		}
		for _, declared := range out.CompatibleWith {
			if declared == id {
				targets = append(targets, t)
				break
			}
		}
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	return targets
}

// List returns all registered types sorted by identifier.
func (r *Registry) List() []schema.DataType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]schema.DataType, 0, len(r.types))
	for _, t := range r.types {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].ID < types[j].ID })
	return types
}
