package capweb

import (
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/capweb/pkg/wire"
)

// Mapper records the calls made by a `Promise.Map` callback. The callback
// never sees real values: it receives placeholders and the calls made on
// them are replayed where the data lives.
type Mapper struct {
	lk       sync.Mutex
	captures []hook
	capIdx   map[any]int
	instrs   []any
	err      error
}

func newMapper() *Mapper {
	return &Mapper{capIdx: make(map[any]int)}
}

// Capture makes s usable from the callback. Stubs used directly as call
// arguments or in the returned value are captured implicitly.
func (m *Mapper) Capture(s *Stub) *Stub {
	if s.disposed.Load() {
		return &Stub{h: rejected(ErrDisposed)}
	}
	idx := m.captureIndex(s.h)
	return &Stub{h: &mapVarHook{m: m, idx: -int64(idx) - 1}}
}

func (m *Mapper) captureIndex(h hook) int {
	key := hookKey(h)
	if key == nil {
		key = h
	}

	m.lk.Lock()
	defer m.lk.Unlock()
	if idx, ok := m.capIdx[key]; ok {
		return idx
	}
	idx := len(m.captures)
	m.captures = append(m.captures, h.dup())
	m.capIdx[key] = idx
	return idx
}

// captureRef returns the expression reading capture h.
func (m *Mapper) captureRef(h hook) any {
	idx := m.captureIndex(h)
	return []any{wire.TagPipeline, -int64(idx) - 1, []any{}}
}

// record appends an instruction and returns the variable holding its result.
func (m *Mapper) record(instr any) int64 {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.instrs = append(m.instrs, instr)
	return int64(len(m.instrs))
}

func (m *Mapper) fail(err error) {
	m.lk.Lock()
	if m.err == nil {
		m.err = err
	}
	m.lk.Unlock()
}

func (m *Mapper) release() {
	m.lk.Lock()
	captures := m.captures
	m.captures = nil
	m.lk.Unlock()
	for _, h := range captures {
		h.dispose()
	}
}

// Map runs fn on each element of the eventual array, or on the value itself
// when it is not an array. Null and undefined results are passed through.
//
// fn is invoked once, right away, to record a program. When the promise
// lives in the peer, the program is sent along and runs there, saving a
// round trip per element.
func (p *Promise) Map(fn func(m *Mapper, elem *Promise) any) *Promise {
	if p.disposed.Load() {
		return &Promise{h: rejected(ErrDisposed)}
	}

	m := newMapper()
	out := fn(m, &Promise{h: &mapVarHook{m: m}})

	d := &devaluator{m: m}
	expr, err := d.devaluate(out, "map")
	if err == nil {
		err = m.err
	}
	if err != nil {
		m.release()
		return &Promise{h: rejected(err)}
	}
	m.instrs = append(m.instrs, expr)

	if ih, ok := p.h.(*importHook); ok && ih.s.settledNode(ih.e) == nil {
		return &Promise{h: ih.s.sendRemap(ih, m)}
	}
	return &Promise{h: localRemap(p.h, m)}
}

// sendRemap queues a push running the program of m on import ih.
func (s *Session) sendRemap(ih *importHook, m *Mapper) hook {
	d := &devaluator{s: s, onSendError: s.config.onSendError}
	captures := make([]any, len(m.captures))
	for i, c := range m.captures {
		expr, err := d.devaluateHook(c, false, fmt.Sprintf("captures[%d]", i))
		if err != nil {
			d.rollback()
			m.release()
			return rejected(err)
		}
		captures[i] = expr
	}
	expr := []any{wire.TagRemap, ih.e.id, pathOf(ih.path), captures, m.instrs}

	s.lk.Lock()
	if err := s.outboundErrLocked(); err != nil {
		s.lk.Unlock()
		d.rollback()
		m.release()
		return rejected(err)
	}
	if ih.e.settled && ih.e.node != nil {
		s.lk.Unlock()
		d.rollback()
		return localRemap(ih, m)
	}
	if err := s.queueLocked(wire.Push(expr)); err != nil {
		s.lk.Unlock()
		d.rollback()
		m.release()
		return rejected(err)
	}
	res := s.tbl.importPushResult()
	s.lk.Unlock()

	d.commit()
	m.release()
	s.schedulePush()
	return &importHook{s: s, e: res}
}

// localRemap runs the program of m once the value of h is available.
func localRemap(h hook, m *Mapper) hook {
	in := h.dup()
	m.lk.Lock()
	captures := make([]*Stub, len(m.captures))
	for i, c := range m.captures {
		captures[i] = &Stub{h: c}
	}
	m.captures = nil
	instrs := m.instrs
	m.lk.Unlock()

	return spawn(func(ctx context.Context) (any, error) {
		defer in.dispose()
		defer releaseCaptures(captures)
		v, err := in.pull(ctx)
		if err != nil {
			return nil, err
		}
		return runRemap(ctx, nil, v, captures, instrs)
	})
}

// runRemap applies instrs to input, element-wise when input is an array.
// input is borrowed, the result is owned by the caller.
func runRemap(ctx context.Context, s *Session, input any, captures []*Stub, instrs []any) (any, error) {
	switch v := input.(type) {
	case nil, Undefined:
		return v, nil
	case []any:
		out := make([]any, len(v))
		for i, elem := range v {
			res, err := runProgram(ctx, s, elem, captures, instrs)
			if err != nil {
				disposePayload(out)
				return nil, err
			}
			out[i] = res
		}
		return out, nil
	default:
		return runProgram(ctx, s, input, captures, instrs)
	}
}

func runProgram(ctx context.Context, s *Session, input any, captures []*Stub, instrs []any) (any, error) {
	if len(instrs) == 0 {
		return dupPayload(input), nil
	}

	sc := &remapScope{ctx: ctx, vars: []any{input}, captures: captures}
	defer func() {
		for _, v := range sc.vars[1:] {
			disposePayload(v)
		}
	}()

	for _, instr := range instrs {
		v, err := (&evaluator{s: s, scope: sc}).evaluate(instr)
		if err != nil {
			return nil, err
		}
		sc.vars = append(sc.vars, v)
	}
	return dupPayload(sc.vars[len(sc.vars)-1]), nil
}

func releaseCaptures(captures []*Stub) {
	for _, c := range captures {
		c.Dispose()
	}
}

// mapVarHook is a placeholder for a value computed by a remap program.
// Negative indexes name captures.
type mapVarHook struct {
	m    *Mapper
	idx  int64
	path []any
}

func (h *mapVarHook) call(path []any, args []any) hook {
	defer disposePayload(args)
	d := &devaluator{m: h.m}
	encoded, err := d.devaluateArgs(args)
	if err != nil {
		h.m.fail(err)
		return rejected(err)
	}
	idx := h.m.record([]any{wire.TagPipeline, h.idx, pathOf(concatPath(h.path, path)), encoded})
	return &mapVarHook{m: h.m, idx: idx}
}

func (h *mapVarHook) get(path []any) hook {
	return &mapVarHook{m: h.m, idx: h.idx, path: concatPath(h.path, path)}
}

func (h *mapVarHook) pull(context.Context) (any, error) {
	return nil, ErrMapPlaceholder
}

func (h *mapVarHook) dup() hook {
	return h
}

func (h *mapVarHook) dispose() {}

func (h *mapVarHook) onBroken(func(error)) {}
