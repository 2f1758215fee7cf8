package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// ErrDuplicateTool reports a second registration of a tool name with a
// different implementation. It can only occur during bootstrap and never
// reaches a client.
var ErrDuplicateTool = errors.New("duplicate tool")

// Registry holds the set of callable tools. It is populated once during
// bootstrap and read-only afterwards; Register rejects changes to an
// existing name with a different implementation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
}

type registration struct {
	desc Descriptor
	impl Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

// Register adds a tool to the registry. Registration is idempotent by name:
// re-registering the same name with the same implementation is a no-op, while
// a different implementation is rejected.
func (r *Registry) Register(desc Descriptor, impl Tool) error {
	if desc.Name == "" {
		return fmt.Errorf("registry: descriptor must have a non-empty name")
	}
	if impl == nil {
		return fmt.Errorf("registry: tool %q must have an implementation", desc.Name)
	}
	if desc.Visibility == "" {
		desc.Visibility = VisibilityCore
	}
	if !desc.Visibility.IsValid() {
		return fmt.Errorf("registry: tool %q has unknown visibility %q", desc.Name, desc.Visibility)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.tools[desc.Name]; ok {
		if sameTool(prev.impl, impl) {
			return nil
		}
		return fmt.Errorf("registry: %w: %q already registered with a different implementation", ErrDuplicateTool, desc.Name)
	}
	r.tools[desc.Name] = registration{desc: desc, impl: impl}
	return nil
}

// sameTool reports whether two Tool values refer to the same implementation.
// Function values are compared by code pointer since they are not comparable.
func sameTool(a, b Tool) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Func && vb.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	return a == b
}

// Get returns the descriptor and implementation for name. The error is a
// [*Error] of kind UnknownTool when the name is not registered.
func (r *Registry) Get(name string) (Descriptor, Tool, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()

	if !ok {
		return Descriptor{}, nil, Errorf(KindUnknownTool, "tool %q is not registered", name)
	}
	return reg.desc, reg.impl, nil
}

// List returns descriptors filtered by visibility, sorted by name so client
// listings are order-stable. includeAdvanced additionally includes advanced
// tools; hidden tools are never listed.
func (r *Registry) List(includeAdvanced bool) []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.tools))
	for _, reg := range r.tools {
		switch reg.desc.Visibility {
		case VisibilityCore:
			out = append(out, reg.desc)
		case VisibilityAdvanced:
			if includeAdvanced {
				out = append(out, reg.desc)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// ValidateArgs checks args against the descriptor's input schema: required
// fields must be present and declared primitive types must match. Returns a
// [*Error] of kind InvalidArgs on the first violation found.
//
// Validation is deliberately shallow — presence and primitive type only.
// Tools needing richer constraints enforce them in Execute.
func (d Descriptor) ValidateArgs(args map[string]any) *Error {
	schema := d.InputSchema
	if schema == nil {
		return nil
	}

	for _, key := range schema.Required {
		if _, ok := args[key]; !ok {
			return &Error{
				Kind:    KindInvalidArgs,
				Message: fmt.Sprintf("missing required argument %q", key),
				Detail:  map[string]any{"argument": key},
			}
		}
	}

	for key, prop := range schema.Properties {
		v, ok := args[key]
		if !ok || prop == nil || prop.Type == "" {
			continue
		}
		if !matchesType(v, prop.Type) {
			return &Error{
				Kind:    KindInvalidArgs,
				Message: fmt.Sprintf("argument %q must be of type %s", key, prop.Type),
				Detail:  map[string]any{"argument": key, "expected": prop.Type},
			}
		}
	}
	return nil
}

// matchesType reports whether a decoded JSON value matches a JSON Schema
// primitive type name.
func matchesType(v any, typ string) bool {
	switch typ {
	case "string":
		_, ok := v.(string)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "number":
		return isJSONNumber(v)
	case "integer":
		switch n := v.(type) {
		case float64:
			return n == float64(int64(n))
		case int, int32, int64:
			return true
		case json.Number:
			_, err := n.Int64()
			return err == nil
		}
		return false
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	case "null":
		return v == nil
	default:
		// Unknown type names never fail shallow validation.
		return true
	}
}

func isJSONNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}
