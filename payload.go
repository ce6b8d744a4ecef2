package capweb

import "context"

// dupPayload copies v, duplicating every stub and promise it holds.
func dupPayload(v any) any {
	switch v := v.(type) {
	case *Stub:
		return v.Dup()
	case *Promise:
		return v.Dup()
	case []any:
		out := make([]any, len(v))
		for i := range v {
			out[i] = dupPayload(v[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = dupPayload(val)
		}
		return out
	case *Map:
		out := NewMap()
		v.Range(func(key, val any) bool {
			out.Set(dupPayload(key), dupPayload(val))
			return true
		})
		return out
	case *Set:
		out := NewSet()
		for _, elem := range v.Values() {
			out.Add(dupPayload(elem))
		}
		return out
	default:
		return v
	}
}

// disposePayload disposes every stub and promise held by v.
func disposePayload(v any) {
	switch v := v.(type) {
	case *Stub:
		v.Dispose()
	case *Promise:
		v.Dispose()
	case []any:
		for _, elem := range v {
			disposePayload(elem)
		}
	case map[string]any:
		for _, elem := range v {
			disposePayload(elem)
		}
	case *Map:
		v.Range(func(key, val any) bool {
			disposePayload(key)
			disposePayload(val)
			return true
		})
	case *Set:
		for _, elem := range v.Values() {
			disposePayload(elem)
		}
	}
}

// adoptPayload wraps raw capabilities returned by application code in
// stubs so their lifetime is tracked.
func adoptPayload(v any) any {
	switch val := v.(type) {
	case *Stub, *Promise:
		return v
	case Target, Func:
		return &Stub{h: newTargetHook(val)}
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = adoptPayload(val[i])
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = adoptPayload(elem)
		}
		return out
	case *Map:
		out := NewMap()
		val.Range(func(key, elem any) bool {
			out.Set(key, adoptPayload(elem))
			return true
		})
		return out
	default:
		return v
	}
}

// awaitArgs replaces every promise in args with its settled value. The
// returned release func disposes what was substituted.
func awaitArgs(ctx context.Context, args []any) ([]any, func(), error) {
	if !hasPromise(args) {
		return args, func() {}, nil
	}

	var owned []any
	var walk func(v any) (any, error)
	walk = func(v any) (any, error) {
		switch val := v.(type) {
		case *Promise:
			res, err := val.h.pull(ctx)
			if err != nil {
				return nil, err
			}
			res = dupPayload(res)
			owned = append(owned, res)
			return res, nil
		case []any:
			out := make([]any, len(val))
			for i := range val {
				elem, err := walk(val[i])
				if err != nil {
					return nil, err
				}
				out[i] = elem
			}
			return out, nil
		case map[string]any:
			out := make(map[string]any, len(val))
			for k, elem := range val {
				res, err := walk(elem)
				if err != nil {
					return nil, err
				}
				out[k] = res
			}
			return out, nil
		default:
			return v, nil
		}
	}

	release := func() {
		for _, v := range owned {
			disposePayload(v)
		}
	}

	out, err := walk(args)
	if err != nil {
		release()
		return nil, func() {}, err
	}
	return out.([]any), release, nil
}

func hasPromise(v any) bool {
	switch val := v.(type) {
	case *Promise:
		return true
	case []any:
		for _, elem := range val {
			if hasPromise(elem) {
				return true
			}
		}
	case map[string]any:
		for _, elem := range val {
			if hasPromise(elem) {
				return true
			}
		}
	}
	return false
}
