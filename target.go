package capweb

import (
	"context"
	"fmt"
	"reflect"
)

// Target is a capability which is passed by reference: the peer receives
// a stub and its calls are delivered to `Invoke`.
//
// Arguments are borrowed: stubs they contain are disposed once `Invoke`
// returns, use `Stub.Dup` to keep one.
type Target interface {
	Invoke(ctx context.Context, method string, args []any) (any, error)
}

// Func is a callable capability.
type Func func(ctx context.Context, args []any) (any, error)

// PropertyGetter may be implemented by a `Target` exposing properties
// readable with `Stub.Get`.
type PropertyGetter interface {
	Property(ctx context.Context, name string) (any, error)
}

// Disposer may be implemented by a `Target` which wants to be notified
// when its last reference, local or remote, is dropped.
type Disposer interface {
	Dispose()
}

// Methods is a `Target` built from a set of named functions.
type Methods map[string]Func

// Invoke calls the function registered under method.
func (m Methods) Invoke(ctx context.Context, method string, args []any) (any, error) {
	f, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMethodNotFound, method)
	}
	return f(ctx, args)
}

type methodsKey uintptr

// exportKey identifies target in the export table so that exporting it
// again reuses its entry. Funcs are never shared: closures of one literal
// have the same code pointer.
func exportKey(target any) any {
	if m, ok := target.(Methods); ok {
		return methodsKey(reflect.ValueOf(m).Pointer())
	}
	if isComparable(target) {
		return target
	}
	return nil
}

// property reads a single path element from a local value.
func property(ctx context.Context, subject any, key any) (any, error) {
	switch s := subject.(type) {
	case map[string]any:
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %v on object", ErrNoSuchProperty, key)
		}
		v, ok := s[name]
		if !ok {
			return Undefined{}, nil
		}
		return v, nil
	case []any:
		if name, ok := key.(string); ok && name == "length" {
			return int64(len(s)), nil
		}
		idx, ok := asIndex(key)
		if !ok || idx < 0 || idx >= len(s) {
			return Undefined{}, nil
		}
		return s[idx], nil
	case *Map:
		v, ok := s.Get(key)
		if !ok {
			return Undefined{}, nil
		}
		return v, nil
	case PropertyGetter:
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrNoSuchProperty, key)
		}
		return s.Property(ctx, name)
	case Methods:
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: %v", ErrNoSuchProperty, key)
		}
		if f, ok := s[name]; ok {
			return f, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrNoSuchProperty, name)
	default:
		return nil, fmt.Errorf("%w: %v on %T", ErrNoSuchProperty, key, subject)
	}
}

func asIndex(key any) (int, bool) {
	switch k := key.(type) {
	case int:
		return k, true
	case int64:
		return int(k), true
	case float64:
		if k == float64(int(k)) {
			return int(k), true
		}
	}
	return 0, false
}
