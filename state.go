package gestalt

import (
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
)

// MergeRule decides how a partial update combines with a field's current value.
type MergeRule int

const (
	// OverwriteIfUnset accepts the first write and rejects every later one.
	OverwriteIfUnset MergeRule = iota

	// UnionMerge combines map values key by key. Writing an equal value
	// under an existing key is a no-op; a different value is a conflict.
	UnionMerge
)

// String returns the string representation of the rule.
func (r MergeRule) String() string {
	switch r {
	case OverwriteIfUnset:
		return "overwrite-if-unset"
	case UnionMerge:
		return "union-merge"
	default:
		return "unknown"
	}
}

// Field declares a named state field and its merge rule.
type Field struct {
	Name string
	Rule MergeRule
}

// Schema is the set of fields a state may hold.
type Schema struct {
	rules map[string]MergeRule
	order []string
}

// NewSchema creates a schema from field declarations. Later declarations of
// the same name replace earlier ones.
func NewSchema(fields ...Field) *Schema {
	s := &Schema{rules: make(map[string]MergeRule, len(fields))}
	for _, f := range fields {
		if _, seen := s.rules[f.Name]; !seen {
			s.order = append(s.order, f.Name)
		}
		s.rules[f.Name] = f.Rule
	}
	return s
}

// Rule returns the merge rule for a field.
func (s *Schema) Rule(name string) (MergeRule, bool) {
	r, ok := s.rules[name]
	return r, ok
}

// Fields returns the declared fields in declaration order.
func (s *Schema) Fields() []Field {
	out := make([]Field, len(s.order))
	for i, name := range s.order {
		out[i] = Field{Name: name, Rule: s.rules[name]}
	}
	return out
}

// Update is a partial state update produced by a node.
type Update map[string]any

// State is an immutable snapshot of a run's data. Merge returns a new
// snapshot; the receiver and any maps it holds are never modified.
type State struct {
	schema *Schema
	values map[string]any
}

// NewState creates a state for schema and merges initial into it.
func NewState(schema *Schema, initial Update) (State, error) {
	s := State{schema: schema, values: map[string]any{}}
	return s.Merge(initial)
}

// Schema returns the schema the state was created with.
func (s State) Schema() *Schema { return s.schema }

// Get returns the value of a field. Maps, slices and Cloner values are
// copied, so changing the result never changes the state.
func (s State) Get(name string) (any, bool) {
	v, ok := s.values[name]
	if !ok {
		return nil, false
	}
	return detach(v), true
}

// Has reports whether a field is set.
func (s State) Has(name string) bool {
	_, ok := s.values[name]
	return ok
}

// Snapshot returns a copy of the field values that shares no memory with
// the state.
func (s State) Snapshot() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[k] = detach(v)
	}
	return out
}

// Merge applies u according to each field's rule. Fields are applied in
// sorted order so that the reported error is deterministic.
func (s State) Merge(u Update) (State, error) {
	if len(u) == 0 {
		return s, nil
	}
	if s.schema == nil {
		return s, fmt.Errorf("gestalt: merge into state without schema")
	}

	names := make([]string, 0, len(u))
	for name := range u {
		names = append(names, name)
	}
	sort.Strings(names)

	next := make(map[string]any, len(s.values)+len(u))
	maps.Copy(next, s.values)

	for _, name := range names {
		incoming := u[name]
		if incoming == nil {
			continue
		}
		rule, ok := s.schema.rules[name]
		if !ok {
			return s, &MergeError{Field: name, Err: ErrUnknownField}
		}

		current, exists := next[name]
		switch rule {
		case OverwriteIfUnset:
			if exists {
				return s, &MergeError{Field: name, Err: ErrFieldAlreadySet}
			}
			next[name] = detach(incoming)
		case UnionMerge:
			merged, err := unionMerge(name, current, incoming)
			if err != nil {
				return s, err
			}
			next[name] = merged
		}
	}

	return State{schema: s.schema, values: next}, nil
}

// Cloner is implemented by field values that hold references, such as
// structs with slice fields. CloneState returns a copy sharing no memory
// with the receiver.
type Cloner interface {
	CloneState() any
}

// detach copies v when it could share memory with the state.
func detach(v any) any {
	switch val := v.(type) {
	case map[string]string:
		return maps.Clone(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = detach(item)
		}
		return out
	case []string:
		return slices.Clone(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = detach(item)
		}
		return out
	case Cloner:
		return val.CloneState()
	default:
		return v
	}
}

// unionMerge returns a fresh map holding the keys of both current and incoming.
func unionMerge(field string, current, incoming any) (any, error) {
	switch in := incoming.(type) {
	case map[string]string:
		out := make(map[string]string, len(in))
		if current != nil {
			cur, ok := current.(map[string]string)
			if !ok {
				return nil, &MergeError{Field: field, Err: fmt.Errorf("%w: have %T, got %T", ErrTypeMismatch, current, incoming)}
			}
			maps.Copy(out, cur)
		}
		for k, v := range in {
			if old, ok := out[k]; ok && old != v {
				return nil, &MergeError{Field: field, Key: k, Err: ErrKeyConflict}
			}
			out[k] = v
		}
		return out, nil
	case map[string]any:
		out := make(map[string]any, len(in))
		if current != nil {
			cur, ok := current.(map[string]any)
			if !ok {
				return nil, &MergeError{Field: field, Err: fmt.Errorf("%w: have %T, got %T", ErrTypeMismatch, current, incoming)}
			}
			maps.Copy(out, cur)
		}
		for k, v := range in {
			if old, ok := out[k]; ok && !reflect.DeepEqual(old, v) {
				return nil, &MergeError{Field: field, Key: k, Err: ErrKeyConflict}
			}
			out[k] = detach(v)
		}
		return out, nil
	default:
		return nil, &MergeError{Field: field, Err: fmt.Errorf("%w: union-merge needs a string-keyed map, got %T", ErrTypeMismatch, incoming)}
	}
}

// Key provides typed access to a state field.
type Key[T any] struct {
	name string
}

// NewKey creates a typed accessor for the named field.
func NewKey[T any](name string) Key[T] {
	return Key[T]{name: name}
}

// Name returns the field name.
func (k Key[T]) Name() string { return k.name }

// Get reads the field. It reports false when the field is unset or holds
// a value of another type.
func (k Key[T]) Get(s State) (T, bool) {
	var zero T
	v, ok := s.values[k.name]
	if !ok {
		return zero, false
	}
	typed, ok := detach(v).(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Set writes v into u, allocating u when nil, and returns it.
func (k Key[T]) Set(u Update, v T) Update {
	if u == nil {
		u = Update{}
	}
	u[k.name] = v
	return u
}
