package capweb

import (
	"context"
	"sync/atomic"
)

// Promise is the eventual result of a call or a property read. It can be
// awaited, and it can be the receiver of further calls before it settles:
// when it lives in the peer, those calls are pipelined without waiting for
// a round trip.
//
// Values returned by `Await` are owned by the promise: stubs they contain
// are disposed with it, use `Stub.Dup` to keep one.
type Promise struct {
	h        hook
	disposed atomic.Bool
}

// Await blocks until the promise settles. Pending calls are flushed to the
// transport first.
func (p *Promise) Await(ctx context.Context) (any, error) {
	if p.disposed.Load() {
		return nil, ErrDisposed
	}
	return p.h.pull(ctx)
}

// Then registers fn to be called once, on its own goroutine, with the
// outcome of the promise.
func (p *Promise) Then(fn func(any, error)) {
	if p.disposed.Load() {
		go fn(nil, ErrDisposed)
		return
	}
	h := p.h.dup()
	go func() {
		defer h.dispose()
		fn(h.pull(context.Background()))
	}()
}

// Call invokes method on the eventual result.
func (p *Promise) Call(method string, args ...any) *Promise {
	if p.disposed.Load() {
		return &Promise{h: rejected(ErrDisposed)}
	}
	var path []any
	if method != "" {
		path = []any{method}
	}
	return &Promise{h: p.h.call(path, dupPayload(args).([]any))}
}

// Get reads a property path of the eventual result.
func (p *Promise) Get(path ...any) *Promise {
	if p.disposed.Load() {
		return &Promise{h: rejected(ErrDisposed)}
	}
	return &Promise{h: p.h.get(path)}
}

// Stub returns a stub for the capability the promise resolves to. Calls on
// the stub are pipelined like calls on the promise.
func (p *Promise) Stub() *Stub {
	if p.disposed.Load() {
		return &Stub{h: rejected(ErrDisposed)}
	}
	return &Stub{h: p.h.dup()}
}

// Dup returns a new handle to the same pending result.
func (p *Promise) Dup() *Promise {
	if p.disposed.Load() {
		return &Promise{h: rejected(ErrDisposed)}
	}
	return &Promise{h: p.h.dup()}
}

// Dispose releases the promise. A call in flight is not cancelled, but its
// result is released as soon as it arrives.
func (p *Promise) Dispose() {
	if p.disposed.Swap(true) {
		return
	}
	p.h.dispose()
}

// OnBroken registers cb to be called once if the promise rejects or its
// session ends before it settles.
func (p *Promise) OnBroken(cb func(error)) {
	if p.disposed.Load() {
		return
	}
	p.h.onBroken(cb)
}

// AwaitAll waits for every promise. Pulls for promises living in the same
// session are sent in a single batch. The first error encountered is
// returned along with the values of the other promises.
func AwaitAll(ctx context.Context, promises ...*Promise) ([]any, error) {
	sessions := make(map[*Session]struct{})
	for _, p := range promises {
		if p.disposed.Load() {
			continue
		}
		if ih, ok := p.h.(*importHook); ok {
			if s := ih.requestPull(); s != nil {
				sessions[s] = struct{}{}
			}
		}
	}
	for s := range sessions {
		_ = s.Flush()
	}

	var firstErr error
	values := make([]any, len(promises))
	for i, p := range promises {
		v, err := p.Await(ctx)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		values[i] = v
	}
	return values, firstErr
}
