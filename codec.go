package capweb

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"regexp"
	"time"

	"github.com/raskyld/capweb/pkg/wire"
)

// Serialize encodes v without a session. Capabilities cannot be encoded.
func Serialize(v any) (string, error) {
	d := &devaluator{}
	expr, err := d.devaluate(v, "value")
	if err != nil {
		return "", err
	}
	return wire.Encode(expr)
}

// Deserialize decodes a value produced by `Serialize`.
func Deserialize(s string) (any, error) {
	expr, err := wire.Decode(s)
	if err != nil {
		return nil, err
	}
	ev := &evaluator{}
	return ev.evaluate(expr)
}

type promiseExport struct {
	id int64
}

// devaluator turns application values into wire expressions. Exports made
// along the way are undone by rollback when the frame is not sent.
type devaluator struct {
	s           *Session
	m           *Mapper
	onSendError func(error) error

	// resolving is set when encoding a resolution, which is still sent
	// while the session drains.
	resolving bool

	exported []int64
	promises []promiseExport
}

func (d *devaluator) checkLocked() error {
	if d.resolving && d.s.state != stateClosed {
		return nil
	}
	return d.s.outboundErrLocked()
}

func (d *devaluator) devaluateArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		expr, err := d.devaluate(arg, fmt.Sprintf("args[%d]", i))
		if err != nil {
			return nil, err
		}
		out[i] = expr
	}
	return out, nil
}

func (d *devaluator) devaluate(v any, path string) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case Undefined:
		return []any{wire.TagUndefined}, nil
	case bool:
		return val, nil
	case string:
		return val, nil
	case int:
		return int64(val), nil
	case int8:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int32:
		return int64(val), nil
	case int64:
		return val, nil
	case uint:
		return d.devaluateUint(uint64(val)), nil
	case uint8:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint64:
		return d.devaluateUint(val), nil
	case float32:
		return devaluateFloat(float64(val)), nil
	case float64:
		return devaluateFloat(val), nil
	case *big.Int:
		if val == nil {
			return nil, nil
		}
		return []any{wire.TagBigInt, val.String()}, nil
	case []byte:
		return []any{wire.TagBytes, base64.StdEncoding.EncodeToString(val)}, nil
	case time.Time:
		return []any{wire.TagDate, val.UnixMilli()}, nil
	case *regexp.Regexp:
		return []any{wire.TagRegExp, val.String()}, nil
	case *Stub:
		if val.disposed.Load() {
			return nil, fmt.Errorf("%w: at %s", ErrDisposed, path)
		}
		return d.devaluateHook(val.h, false, path)
	case *Promise:
		if val.disposed.Load() {
			return nil, fmt.Errorf("%w: at %s", ErrDisposed, path)
		}
		return d.devaluateHook(val.h, true, path)
	case Target, Func:
		return d.devaluateTarget(val, path)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			expr, err := d.devaluate(elem, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = expr
		}
		// literal arrays are escaped so they cannot be mistaken for a tag
		return []any{out}, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			expr, err := d.devaluate(elem, path+"."+k)
			if err != nil {
				return nil, err
			}
			out[k] = expr
		}
		return out, nil
	case *Map:
		pairs := make([]any, 0, val.Len())
		var err error
		val.Range(func(key, elem any) bool {
			var k, e any
			if k, err = d.devaluate(key, path+".key"); err != nil {
				return false
			}
			if e, err = d.devaluate(elem, fmt.Sprintf("%s[%v]", path, key)); err != nil {
				return false
			}
			pairs = append(pairs, []any{k, e})
			return true
		})
		if err != nil {
			return nil, err
		}
		return []any{wire.TagMap, pairs}, nil
	case *Set:
		elems := make([]any, 0, val.Len())
		for i, elem := range val.Values() {
			expr, err := d.devaluate(elem, fmt.Sprintf("%s{%d}", path, i))
			if err != nil {
				return nil, err
			}
			elems = append(elems, expr)
		}
		return []any{wire.TagSet, elems}, nil
	case error:
		return d.devaluateError(val), nil
	case io.Reader:
		data, err := io.ReadAll(val)
		if err != nil {
			return nil, fmt.Errorf("codec: reading stream at %s: %w", path, err)
		}
		return []any{wire.TagStream, base64.StdEncoding.EncodeToString(data)}, nil
	default:
		return nil, &UnserializableValueError{Path: path, Type: fmt.Sprintf("%T", v)}
	}
}

func (d *devaluator) devaluateUint(v uint64) any {
	if v > math.MaxInt64 {
		return []any{wire.TagBigInt, new(big.Int).SetUint64(v).String()}
	}
	return int64(v)
}

func devaluateFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return []any{wire.TagNaN}
	case math.IsInf(f, 1):
		return []any{wire.TagInf}
	case math.IsInf(f, -1):
		return []any{wire.TagNegInf}
	default:
		return wire.Float(f)
	}
}

// devaluateError runs the redaction hook and encodes the outcome. Stacks
// are only sent when the hook returned a replacement carrying one.
func (d *devaluator) devaluateError(err error) []any {
	withStack := false
	if d.onSendError != nil {
		if repl := d.onSendError(err); repl != nil {
			err = repl
			withStack = true
		}
	}

	name, msg := wireName(err)
	if name == "" {
		name = "Error"
	}
	expr := []any{wire.TagError, name, msg}

	var rce *RemoteCallError
	if withStack && errors.As(err, &rce) && rce.Stack != "" {
		expr = append(expr, rce.Stack)
	}
	return expr
}

func (d *devaluator) devaluateTarget(target any, path string) (any, error) {
	if d.m != nil {
		h := newTargetHook(target)
		defer h.dispose()
		return d.m.captureRef(h), nil
	}
	if d.s == nil {
		return nil, &UnserializableValueError{Path: path, Type: fmt.Sprintf("capability %T", target)}
	}

	key := exportKey(target)

	s := d.s
	s.lk.Lock()
	defer s.lk.Unlock()
	if err := d.checkLocked(); err != nil {
		return nil, err
	}
	if id, ok := s.tbl.exportExisting(key); ok {
		d.exported = append(d.exported, id)
		return []any{wire.TagExport, id}, nil
	}
	id, _ := s.tbl.export(newTargetHook(target), key)
	d.exported = append(d.exported, id)
	return []any{wire.TagExport, id}, nil
}

func (d *devaluator) devaluateHook(h hook, promise bool, path string) (any, error) {
	if mh, ok := h.(*mapVarHook); ok {
		if d.m == nil || mh.m != d.m {
			return nil, fmt.Errorf("%w: at %s", ErrForeignMapper, path)
		}
		return []any{wire.TagPipeline, mh.idx, pathOf(mh.path)}, nil
	}
	if d.m != nil {
		return d.m.captureRef(h), nil
	}
	if d.s == nil {
		return nil, &UnserializableValueError{Path: path, Type: "capability"}
	}

	if ih, ok := h.(*importHook); ok && ih.s == d.s && d.s.settledNode(ih.e) == nil {
		if promise || len(ih.path) > 0 || ih.e.node != nil {
			return []any{wire.TagPipeline, ih.e.id, pathOf(ih.path)}, nil
		}
		return []any{wire.TagImport, ih.e.id}, nil
	}

	if promise {
		id, err := d.exportPromise(h)
		if err != nil {
			return nil, err
		}
		return []any{wire.TagPromise, id}, nil
	}
	id, err := d.exportHook(h)
	if err != nil {
		return nil, err
	}
	return []any{wire.TagExport, id}, nil
}

// exportHook exports a capability, reusing the id of an entry sharing the
// same underlying target.
func (d *devaluator) exportHook(h hook) (int64, error) {
	s := d.s
	key := hookKey(h)

	s.lk.Lock()
	if err := d.checkLocked(); err != nil {
		s.lk.Unlock()
		return 0, err
	}
	if id, ok := s.tbl.exportExisting(key); ok {
		s.lk.Unlock()
		d.exported = append(d.exported, id)
		return id, nil
	}
	s.lk.Unlock()

	// dup may lock another session, never do it while holding ours
	dup := h.dup()

	s.lk.Lock()
	if err := d.checkLocked(); err != nil {
		s.lk.Unlock()
		dup.dispose()
		return 0, err
	}
	id, retained := s.tbl.export(dup, key)
	s.lk.Unlock()
	if !retained {
		dup.dispose()
	}
	d.exported = append(d.exported, id)
	return id, nil
}

// exportPromise exports a pending result. Its resolution is sent without
// waiting for a pull once the frame is committed.
func (d *devaluator) exportPromise(h hook) (int64, error) {
	s := d.s
	dup := h.dup()

	s.lk.Lock()
	if err := d.checkLocked(); err != nil {
		s.lk.Unlock()
		dup.dispose()
		return 0, err
	}
	id, _ := s.tbl.export(dup, nil)
	s.tbl.exports[id].pulled = true
	s.lk.Unlock()

	d.exported = append(d.exported, id)
	d.promises = append(d.promises, promiseExport{id: id})
	return id, nil
}

// rollback releases every export made by this devaluator.
func (d *devaluator) rollback() {
	if d.s == nil {
		return
	}
	for i := len(d.exported) - 1; i >= 0; i-- {
		d.s.lk.Lock()
		h, _, _ := d.s.tbl.releaseExport(d.exported[i], 1)
		d.s.lk.Unlock()
		if h != nil {
			h.dispose()
		}
	}
	d.exported = nil
	d.promises = nil
}

// commit starts resolving the promises exported by this devaluator.
func (d *devaluator) commit() {
	for _, p := range d.promises {
		d.s.resolveExport(p.id)
	}
	d.exported = nil
	d.promises = nil
}

func hookKey(h hook) any {
	switch h := h.(type) {
	case *targetHook:
		return h.t
	case *nodeHook:
		return h.n
	case *importHook:
		if len(h.path) == 0 {
			return h.e
		}
	}
	return nil
}

func pathOf(path []any) []any {
	if path == nil {
		return []any{}
	}
	return path
}

// evaluator turns wire expressions into application values.
type evaluator struct {
	s     *Session
	scope *remapScope

	// created holds handles to dispose when evaluation fails halfway.
	created []any
}

func (e *evaluator) evaluate(expr any) (any, error) {
	v, err := e.eval(expr)
	if err != nil {
		e.abandon()
		return nil, err
	}
	e.created = nil
	return v, nil
}

// evaluateArgs decodes a call argument list, a plain array of expressions.
func (e *evaluator) evaluateArgs(expr any) ([]any, error) {
	arr, ok := expr.([]any)
	if !ok {
		return nil, malformed("call arguments must be an array")
	}
	out := make([]any, len(arr))
	for i, elem := range arr {
		v, err := e.eval(elem)
		if err != nil {
			e.abandon()
			return nil, err
		}
		out[i] = v
	}
	e.created = nil
	return out, nil
}

func (e *evaluator) abandon() {
	for _, v := range e.created {
		disposePayload(v)
	}
	e.created = nil
}

func (e *evaluator) eval(expr any) (any, error) {
	switch v := expr.(type) {
	case nil, bool, string, int64, float64:
		return v, nil
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return nil, malformed("bad number")
		}
		return f, nil
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, elem := range v {
			res, err := e.eval(elem)
			if err != nil {
				return nil, err
			}
			out[k] = res
		}
		return out, nil
	case []any:
		if len(v) == 0 {
			return nil, malformed("empty array")
		}
		if inner, ok := v[0].([]any); ok && len(v) == 1 {
			out := make([]any, len(inner))
			for i, elem := range inner {
				res, err := e.eval(elem)
				if err != nil {
					return nil, err
				}
				out[i] = res
			}
			return out, nil
		}
		tag, ok := v[0].(string)
		if !ok {
			return nil, malformed("unescaped array")
		}
		return e.evalTagged(tag, v)
	default:
		return nil, malformed(fmt.Sprintf("unexpected %T", expr))
	}
}

func (e *evaluator) evalTagged(tag string, arr []any) (any, error) {
	switch tag {
	case wire.TagUndefined:
		return Undefined{}, nil
	case wire.TagInf:
		return math.Inf(1), nil
	case wire.TagNegInf:
		return math.Inf(-1), nil
	case wire.TagNaN:
		return math.NaN(), nil
	case wire.TagBigInt:
		s, err := stringArg(arr, 1)
		if err != nil {
			return nil, err
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, malformed("invalid bigint " + s)
		}
		return n, nil
	case wire.TagDate:
		if len(arr) != 2 {
			return nil, malformed("date expects one element")
		}
		if ms, ok := wire.AsInt(arr[1]); ok {
			return time.UnixMilli(ms).UTC(), nil
		}
		if f, ok := arr[1].(float64); ok {
			return time.UnixMilli(int64(f)).UTC(), nil
		}
		return nil, malformed("date is not a number")
	case wire.TagBytes, wire.TagStream:
		s, err := stringArg(arr, 1)
		if err != nil {
			return nil, err
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, malformed(err.Error())
		}
		if tag == wire.TagStream {
			return bytes.NewReader(data), nil
		}
		return data, nil
	case wire.TagRegExp:
		s, err := stringArg(arr, 1)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(s)
		if err != nil {
			return nil, malformed(err.Error())
		}
		return re, nil
	case wire.TagError:
		if len(arr) < 3 || len(arr) > 4 {
			return nil, malformed("error expects name, message and an optional stack")
		}
		name, _ := arr[1].(string)
		msg, _ := arr[2].(string)
		rce := &RemoteCallError{Name: name, Message: msg}
		if len(arr) == 4 {
			rce.Stack, _ = arr[3].(string)
		}
		return rce, nil
	case wire.TagMap:
		if len(arr) != 2 {
			return nil, malformed("map expects one element")
		}
		pairs, ok := arr[1].([]any)
		if !ok {
			return nil, malformed("map entries must be an array")
		}
		m := NewMap()
		for _, pair := range pairs {
			kv, ok := pair.([]any)
			if !ok || len(kv) != 2 {
				return nil, malformed("map entry must be a pair")
			}
			k, err := e.eval(kv[0])
			if err != nil {
				return nil, err
			}
			v, err := e.eval(kv[1])
			if err != nil {
				return nil, err
			}
			m.Set(k, v)
		}
		return m, nil
	case wire.TagSet:
		if len(arr) != 2 {
			return nil, malformed("set expects one element")
		}
		elems, ok := arr[1].([]any)
		if !ok {
			return nil, malformed("set elements must be an array")
		}
		set := NewSet()
		for _, elem := range elems {
			v, err := e.eval(elem)
			if err != nil {
				return nil, err
			}
			set.Add(v)
		}
		return set, nil
	case wire.TagExport, wire.TagPromise:
		if e.s == nil {
			return nil, ErrNoSession
		}
		id, err := intArg(arr, 1)
		if err != nil {
			return nil, err
		}
		v, err := e.s.importRef(id, tag == wire.TagPromise)
		if err != nil {
			return nil, err
		}
		e.created = append(e.created, v)
		return v, nil
	case wire.TagPipeline, wire.TagImport:
		if e.scope != nil && tag == wire.TagPipeline {
			v, err := e.scope.eval(e, arr)
			if err != nil {
				return nil, err
			}
			e.created = append(e.created, v)
			return v, nil
		}
		if e.s == nil {
			return nil, ErrNoSession
		}
		h, stub, err := e.s.evalExportRef(e, tag, arr)
		if err != nil {
			return nil, err
		}
		var v any
		if stub {
			v = &Stub{h: h}
		} else {
			v = &Promise{h: h}
		}
		e.created = append(e.created, v)
		return v, nil
	case wire.TagRemap:
		if e.s == nil {
			return nil, ErrNoSession
		}
		v := &Promise{h: e.s.evalRemap(arr)}
		e.created = append(e.created, v)
		return v, nil
	default:
		return nil, malformed("unknown tag " + tag)
	}
}

func malformed(msg string) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, msg)
}

func stringArg(arr []any, i int) (string, error) {
	if len(arr) <= i {
		return "", malformed(fmt.Sprintf("%v expects %d elements", arr[0], i+1))
	}
	s, ok := arr[i].(string)
	if !ok {
		return "", malformed(fmt.Sprintf("%v element %d is not a string", arr[0], i))
	}
	return s, nil
}

func intArg(arr []any, i int) (int64, error) {
	if len(arr) <= i {
		return 0, malformed(fmt.Sprintf("%v expects %d elements", arr[0], i+1))
	}
	id, ok := wire.AsInt(arr[i])
	if !ok {
		return 0, malformed(fmt.Sprintf("%v element %d is not an integer", arr[0], i))
	}
	return id, nil
}

// parsePath validates a property path made of names and indexes.
func parsePath(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, malformed("path must be an array")
	}
	for _, elem := range arr {
		switch elem.(type) {
		case string, int64:
		default:
			return nil, malformed(fmt.Sprintf("invalid path element %v", elem))
		}
	}
	return arr, nil
}

// remapScope holds the variables of a remap program being evaluated.
// Index 0 is the input, negative indexes name captures.
type remapScope struct {
	ctx      context.Context
	vars     []any
	captures []*Stub
}

func (sc *remapScope) subject(idx int64) (any, error) {
	if idx < 0 {
		i := -idx - 1
		if i >= int64(len(sc.captures)) {
			return nil, malformed(fmt.Sprintf("capture %d out of range", idx))
		}
		return sc.captures[i], nil
	}
	if idx >= int64(len(sc.vars)) {
		return nil, malformed(fmt.Sprintf("variable %d out of range", idx))
	}
	return sc.vars[idx], nil
}

func (sc *remapScope) eval(e *evaluator, arr []any) (any, error) {
	idx, err := intArg(arr, 1)
	if err != nil {
		return nil, err
	}
	var path []any
	if len(arr) >= 3 {
		if path, err = parsePath(arr[2]); err != nil {
			return nil, err
		}
	}
	subject, err := sc.subject(idx)
	if err != nil {
		return nil, err
	}

	if len(arr) < 4 {
		return getPath(sc.ctx, subject, path)
	}

	args, err := (&evaluator{s: e.s, scope: sc}).evaluateArgs(arr[3])
	if err != nil {
		return nil, err
	}
	defer disposePayload(args)
	return invoke(sc.ctx, subject, path, args)
}
