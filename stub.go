package capweb

import (
	"fmt"
	"sync/atomic"
)

// Stub is a handle to a capability, either local or living in the peer.
//
// Each handle must be disposed exactly once, further calls to `Dispose`
// are no-ops. `Dup` returns an independent handle to the same capability.
type Stub struct {
	h        hook
	disposed atomic.Bool
}

// NewStub wraps a `Target` or a `Func` in a local stub.
func NewStub(target any) *Stub {
	switch target.(type) {
	case Target, Func:
		return &Stub{h: newTargetHook(target)}
	default:
		panic(fmt.Sprintf("capweb: %T is neither a Target nor a Func", target))
	}
}

// Call invokes method with args and returns the eventual result. An empty
// method calls the capability itself, which must be a `Func`.
//
// Args are copied: stubs they contain are duplicated and remain owned by
// the caller.
func (s *Stub) Call(method string, args ...any) *Promise {
	if s.disposed.Load() {
		return &Promise{h: rejected(ErrDisposed)}
	}
	var path []any
	if method != "" {
		path = []any{method}
	}
	return &Promise{h: s.h.call(path, dupPayload(args).([]any))}
}

// Get reads a property path.
func (s *Stub) Get(path ...any) *Promise {
	if s.disposed.Load() {
		return &Promise{h: rejected(ErrDisposed)}
	}
	return &Promise{h: s.h.get(path)}
}

// Dup returns a new handle to the same capability. Each handle must be
// disposed on its own.
func (s *Stub) Dup() *Stub {
	if s.disposed.Load() {
		return &Stub{h: rejected(ErrDisposed)}
	}
	return &Stub{h: s.h.dup()}
}

// Dispose drops this handle. The capability is released once its last
// handle is gone. Calling Dispose twice is a no-op.
func (s *Stub) Dispose() {
	if s.disposed.Swap(true) {
		return
	}
	s.h.dispose()
}

// OnBroken registers cb to be called once if the capability becomes
// unreachable, typically because the session ended.
func (s *Stub) OnBroken(cb func(error)) {
	if s.disposed.Load() {
		return
	}
	s.h.onBroken(cb)
}
