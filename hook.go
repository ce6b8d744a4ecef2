package capweb

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// hook is the polymorphic backend shared by `Stub` and `Promise`.
//
// Values returned by pull are borrowed from the hook and stay valid until
// it is disposed. Args passed to call are owned by the hook.
type hook interface {
	call(path []any, args []any) hook
	get(path []any) hook
	pull(ctx context.Context) (any, error)
	dup() hook
	dispose()
	onBroken(cb func(error))
}

// node is a pending result which settles exactly once.
type node struct {
	done chan struct{}

	lk      sync.Mutex
	settled bool
	value   any
	err     error
	refs    int32
}

func newNode() *node {
	return &node{
		done: make(chan struct{}),
		refs: 1,
	}
}

func settledNode(v any, err error) *node {
	n := newNode()
	n.settle(v, err)
	return n
}

// settle stores the outcome, the payload is disposed right away when no
// handle is left to observe it.
func (n *node) settle(v any, err error) bool {
	n.lk.Lock()
	if n.settled {
		n.lk.Unlock()
		disposePayload(v)
		return false
	}
	n.settled = true
	n.value = v
	n.err = err
	orphan := n.refs <= 0
	close(n.done)
	n.lk.Unlock()

	if orphan {
		disposePayload(v)
	}
	return true
}

func (n *node) wait(ctx context.Context) (any, error) {
	select {
	case <-n.done:
		return n.value, n.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *node) incRef() {
	n.lk.Lock()
	n.refs++
	n.lk.Unlock()
}

func (n *node) decRef() {
	n.lk.Lock()
	n.refs--
	last := n.refs == 0 && n.settled
	v := n.value
	n.lk.Unlock()

	if last {
		disposePayload(v)
	}
}

// spawn runs fn on a new goroutine and returns a hook settled with its
// outcome.
func spawn(fn func(ctx context.Context) (any, error)) *nodeHook {
	n := newNode()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				n.settle(nil, fmt.Errorf("target panicked: %v", r))
			}
		}()
		v, err := fn(context.Background())
		if err != nil {
			disposePayload(v)
			v = nil
		}
		n.settle(v, err)
	}()
	return &nodeHook{n: n}
}

func rejected(err error) *nodeHook {
	return &nodeHook{n: settledNode(nil, err)}
}

func resolved(v any) *nodeHook {
	return &nodeHook{n: settledNode(v, nil)}
}

// nodeHook is a local pending or settled result.
type nodeHook struct {
	n        *node
	disposed atomic.Bool
}

func (h *nodeHook) call(path []any, args []any) hook {
	h.n.incRef()
	return spawn(func(ctx context.Context) (any, error) {
		defer h.n.decRef()
		defer disposePayload(args)
		v, err := h.n.wait(ctx)
		if err != nil {
			return nil, err
		}
		return invoke(ctx, v, path, args)
	})
}

func (h *nodeHook) get(path []any) hook {
	if len(path) == 0 {
		return h.dup()
	}
	h.n.incRef()
	return spawn(func(ctx context.Context) (any, error) {
		defer h.n.decRef()
		v, err := h.n.wait(ctx)
		if err != nil {
			return nil, err
		}
		return getPath(ctx, v, path)
	})
}

func (h *nodeHook) pull(ctx context.Context) (any, error) {
	return h.n.wait(ctx)
}

func (h *nodeHook) dup() hook {
	h.n.incRef()
	return &nodeHook{n: h.n}
}

func (h *nodeHook) dispose() {
	if h.disposed.Swap(true) {
		return
	}
	h.n.decRef()
}

func (h *nodeHook) onBroken(cb func(error)) {
	h.n.incRef()
	go func() {
		defer h.n.decRef()
		<-h.n.done
		if h.n.err != nil {
			cb(h.n.err)
			return
		}
		if inner := handleOf(h.n.value); inner != nil {
			inner.onBroken(cb)
		}
	}()
}

// localTarget is a `Target` or `Func` shared by every handle pointing
// at it. Its `Disposer` runs when the last handle goes away.
type localTarget struct {
	value any
	refs  atomic.Int32
}

func (t *localTarget) retain() {
	t.refs.Add(1)
}

func (t *localTarget) release() {
	if t.refs.Add(-1) == 0 {
		if d, ok := t.value.(Disposer); ok {
			d.Dispose()
		}
	}
}

type targetHook struct {
	t        *localTarget
	disposed atomic.Bool
}

func newTargetHook(v any) *targetHook {
	t := &localTarget{value: v}
	t.refs.Store(1)
	return &targetHook{t: t}
}

func (h *targetHook) call(path []any, args []any) hook {
	h.t.retain()
	return spawn(func(ctx context.Context) (any, error) {
		defer h.t.release()
		defer disposePayload(args)
		return invoke(ctx, h.t.value, path, args)
	})
}

func (h *targetHook) get(path []any) hook {
	if len(path) == 0 {
		return resolved(&Stub{h: h.dup()})
	}
	h.t.retain()
	return spawn(func(ctx context.Context) (any, error) {
		defer h.t.release()
		return getPath(ctx, h.t.value, path)
	})
}

// pull on a capability yields a borrowed stub sharing this hook.
func (h *targetHook) pull(_ context.Context) (any, error) {
	return &Stub{h: h}, nil
}

func (h *targetHook) dup() hook {
	h.t.retain()
	return &targetHook{t: h.t}
}

func (h *targetHook) dispose() {
	if h.disposed.Swap(true) {
		return
	}
	h.t.release()
}

func (h *targetHook) onBroken(func(error)) {}

// handleOf returns the hook behind a stub or a promise.
func handleOf(v any) hook {
	switch v := v.(type) {
	case *Stub:
		return v.h
	case *Promise:
		return v.h
	default:
		return nil
	}
}

// invoke walks path from subject and calls what it finds with args. Args
// stay owned by the caller, the result is owned by the caller.
func invoke(ctx context.Context, subject any, path []any, args []any) (any, error) {
	args, release, err := awaitArgs(ctx, args)
	if err != nil {
		return nil, err
	}
	defer release()

	for i := 0; i < len(path); i++ {
		if h := handleOf(subject); h != nil {
			return remoteCall(ctx, h, path[i:], args)
		}

		if i == len(path)-1 {
			if t, ok := subject.(Target); ok {
				method, ok := path[i].(string)
				if !ok {
					return nil, fmt.Errorf("%w: method name %v", ErrMethodNotFound, path[i])
				}
				v, err := t.Invoke(ctx, method, args)
				if err != nil {
					return nil, err
				}
				return adoptPayload(v), nil
			}
		}

		subject, err = property(ctx, subject, path[i])
		if err != nil {
			return nil, err
		}
	}

	switch s := subject.(type) {
	case Func:
		v, err := s(ctx, args)
		if err != nil {
			return nil, err
		}
		return adoptPayload(v), nil
	case *Stub, *Promise:
		return remoteCall(ctx, handleOf(s), nil, args)
	default:
		return nil, fmt.Errorf("%w: %T", ErrNotCallable, subject)
	}
}

func remoteCall(ctx context.Context, h hook, path []any, args []any) (any, error) {
	res := h.call(path, dupPayload(args).([]any))
	defer res.dispose()
	v, err := res.pull(ctx)
	if err != nil {
		return nil, err
	}
	return dupPayload(v), nil
}

// getPath reads path from subject. The result is owned by the caller.
func getPath(ctx context.Context, subject any, path []any) (any, error) {
	var err error
	for i := 0; i < len(path); i++ {
		if h := handleOf(subject); h != nil {
			res := h.get(path[i:])
			defer res.dispose()
			v, err := res.pull(ctx)
			if err != nil {
				return nil, err
			}
			return dupPayload(v), nil
		}
		subject, err = property(ctx, subject, path[i])
		if err != nil {
			return nil, err
		}
	}
	return adoptPayload(dupPayload(subject)), nil
}
