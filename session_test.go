package capweb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/capweb/pkg/transport"
	"github.com/raskyld/capweb/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recordingPipe keeps a copy of every batch going through it.
type recordingPipe struct {
	*transport.Pipe

	lk       sync.Mutex
	batches  []string
	received []string
}

func (p *recordingPipe) Send(ctx context.Context, batch string) error {
	p.lk.Lock()
	p.batches = append(p.batches, batch)
	p.lk.Unlock()
	return p.Pipe.Send(ctx, batch)
}

func (p *recordingPipe) Receive(ctx context.Context) (string, error) {
	batch, err := p.Pipe.Receive(ctx)
	if err == nil {
		p.lk.Lock()
		p.received = append(p.received, wire.SplitBatch(batch)...)
		p.lk.Unlock()
	}
	return batch, err
}

func (p *recordingPipe) receivedFrame(frame string) bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	for _, f := range p.received {
		if f == frame {
			return true
		}
	}
	return false
}

func (p *recordingPipe) sent() []string {
	p.lk.Lock()
	defer p.lk.Unlock()
	return append([]string{}, p.batches...)
}

func newSessionPair(t *testing.T, clientMain, serverMain any, serverOpts ...Option) (*Session, *Session, *recordingPipe) {
	t.Helper()
	return newSessionPairWith(t, clientMain, serverMain, nil, serverOpts...)
}

func newSessionPairWith(t *testing.T, clientMain, serverMain any, clientOpts []Option, serverOpts ...Option) (*Session, *Session, *recordingPipe) {
	t.Helper()
	a, b := transport.NewPipe(16)
	rec := &recordingPipe{Pipe: a}

	client, err := NewSession(rec, clientMain, append([]Option{
		WithLog(testLogHandler("client")),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
	}, clientOpts...)...)
	require.NoError(t, err)

	opts := append([]Option{
		WithLog(testLogHandler("server")),
		WithMetricSink(metrics.NewInmemSink(time.Second, time.Minute)),
	}, serverOpts...)
	server, err := NewSession(b, serverMain, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server, rec
}

func userAPI() Methods {
	user := Methods{
		"whoami": func(context.Context, []any) (any, error) {
			return "alice", nil
		},
	}
	return Methods{
		"hello": func(_ context.Context, args []any) (any, error) {
			return fmt.Sprintf("Hello, %s!", args[0]), nil
		},
		"authenticate": func(_ context.Context, args []any) (any, error) {
			if args[0] != "token" {
				return nil, NewRemoteError("AuthError", "bad token")
			}
			return user, nil
		},
		"double": func(_ context.Context, args []any) (any, error) {
			return args[0].(int64) * 2, nil
		},
		"list": func(context.Context, []any) (any, error) {
			return []any{
				map[string]any{"id": int64(1)},
				map[string]any{"id": int64(2)},
			}, nil
		},
		"leak": func(context.Context, []any) (any, error) {
			return nil, errors.New("db password is hunter2")
		},
	}
}

func TestSession_Hello(t *testing.T) {
	ctx := testContext(t)
	client, server, _ := newSessionPair(t, nil, userAPI())

	api := client.RemoteMain()
	defer api.Dispose()

	p := api.Call("hello", "World")
	v, err := p.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "Hello, World!", v)
	p.Dispose()

	require.Eventually(t, func() bool {
		return server.Stats() == Stats{} && client.Stats() == Stats{}
	}, 5*time.Second, 10*time.Millisecond, "result slots must be released")
}

func TestSession_PipelineSingleBatch(t *testing.T) {
	ctx := testContext(t)
	client, _, rec := newSessionPairWith(t, nil, userAPI(), []Option{WithBatchWindow(time.Minute)})

	api := client.RemoteMain()
	defer api.Dispose()

	user := api.Call("authenticate", "token")
	defer user.Dispose()
	name := user.Call("whoami")
	defer name.Dispose()

	require.Empty(t, rec.sent(), "pushes wait for the batch window")

	v, err := name.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "alice", v)

	batches := rec.sent()
	require.NotEmpty(t, batches)
	require.Equal(t, []string{
		`["push",["pipeline",0,["authenticate"],["token"]]]`,
		`["push",["pipeline",1,["whoami"],[]]]`,
		`["pull",2]`,
	}, wire.SplitBatch(batches[0]))
}

func TestSession_Rejection(t *testing.T) {
	ctx := testContext(t)
	client, _, _ := newSessionPair(t, nil, userAPI())

	api := client.RemoteMain()
	defer api.Dispose()

	t.Run("application error", func(t *testing.T) {
		p := api.Call("authenticate", "nope")
		defer p.Dispose()
		_, err := p.Await(ctx)
		require.ErrorIs(t, err, ErrRemoteCall)

		var rce *RemoteCallError
		require.ErrorAs(t, err, &rce)
		require.Equal(t, "AuthError", rce.Name)
		require.Equal(t, "bad token", rce.Message)
	})

	t.Run("pipelined on a rejection", func(t *testing.T) {
		user := api.Call("authenticate", "nope")
		defer user.Dispose()
		name := user.Call("whoami")
		defer name.Dispose()

		_, err := name.Await(ctx)
		var rce *RemoteCallError
		require.ErrorAs(t, err, &rce)
		require.Equal(t, "AuthError", rce.Name)
	})

	t.Run("unknown method", func(t *testing.T) {
		p := api.Call("missing")
		defer p.Dispose()
		_, err := p.Await(ctx)

		var rce *RemoteCallError
		require.ErrorAs(t, err, &rce)
		require.Equal(t, "TypeError", rce.Name)
	})
}

func TestSession_OnSendError(t *testing.T) {
	ctx := testContext(t)
	redact := WithOnSendError(func(err error) error {
		return NewRemoteError("InternalError", "something went wrong")
	})
	client, _, _ := newSessionPair(t, nil, userAPI(), redact)

	api := client.RemoteMain()
	defer api.Dispose()

	p := api.Call("leak")
	defer p.Dispose()
	_, err := p.Await(ctx)

	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	require.Equal(t, "InternalError", rce.Name)
	require.Equal(t, "something went wrong", rce.Message)
	require.NotContains(t, err.Error(), "hunter2")
	require.Empty(t, rce.Stack)
}

type mockCallback struct {
	mock.Mock
	disposed chan struct{}
}

func (cb *mockCallback) Invoke(ctx context.Context, method string, args []any) (any, error) {
	ret := cb.Called(method, args)
	return ret.Get(0), ret.Error(1)
}

func (cb *mockCallback) Dispose() {
	cb.Called()
	close(cb.disposed)
}

func TestSession_ArgumentStubReleased(t *testing.T) {
	ctx := testContext(t)

	var called atomic.Bool
	server := Methods{
		"notify": func(ctx context.Context, args []any) (any, error) {
			called.Store(true)
			cb := args[0].(*Stub)
			res := cb.Call("ping", "from server")
			defer res.Dispose()
			return res.Await(ctx)
		},
	}
	client, srv, rec := newSessionPair(t, nil, server)

	cb := &mockCallback{disposed: make(chan struct{})}
	cb.On("Invoke", "ping", []any{"from server"}).Return("pong", nil).Once()
	cb.On("Dispose").Return().Once()

	api := client.RemoteMain()
	defer api.Dispose()

	p := api.Call("notify", cb)
	defer p.Dispose()
	require.Equal(t, 1, client.Stats().Exports, "the callback is exported with the push")

	v, err := p.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, "pong", v)
	require.True(t, called.Load())

	select {
	case <-cb.disposed:
	case <-ctx.Done():
		t.Fatal("callback was never disposed")
	}
	require.True(t, rec.receivedFrame(`["release",-1,1]`))
	require.Eventually(t, func() bool {
		return client.Stats().Exports == 0 && srv.Stats().Imports == 0
	}, 5*time.Second, 10*time.Millisecond)
	cb.AssertExpectations(t)
}

func TestSession_ExportDedup(t *testing.T) {
	ctx := testContext(t)

	received := make(chan *Stub, 2)
	server := Methods{
		"keep": func(_ context.Context, args []any) (any, error) {
			received <- args[0].(*Stub).Dup()
			return nil, nil
		},
	}
	client, srv, _ := newSessionPair(t, nil, server)

	cb := &mockCallback{disposed: make(chan struct{})}
	cb.On("Dispose").Return().Once()

	api := client.RemoteMain()
	defer api.Dispose()

	first := api.Call("keep", cb)
	second := api.Call("keep", cb)
	_, err := AwaitAll(ctx, first, second)
	require.NoError(t, err)
	first.Dispose()
	second.Dispose()

	require.Equal(t, 1, client.Stats().Exports, "the same target is exported once")
	require.Eventually(t, func() bool {
		return srv.Stats().Imports == 1
	}, 5*time.Second, 10*time.Millisecond)

	(<-received).Dispose()
	require.Equal(t, 1, client.Stats().Exports, "one reference is still held")
	(<-received).Dispose()

	select {
	case <-cb.disposed:
	case <-ctx.Done():
		t.Fatal("callback was never disposed")
	}
	require.Eventually(t, func() bool {
		return client.Stats().Exports == 0 && srv.Stats().Imports == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_ExportMethodsOnce(t *testing.T) {
	ctx := testContext(t)
	server := Methods{
		"subscribe": func(context.Context, []any) (any, error) {
			return nil, nil
		},
	}
	client, _, _ := newSessionPairWith(t, nil, server, []Option{WithBatchWindow(time.Minute)})

	listener := Methods{
		"event": func(context.Context, []any) (any, error) {
			return nil, nil
		},
	}

	api := client.RemoteMain()
	defer api.Dispose()

	first := api.Call("subscribe", listener)
	second := api.Call("subscribe", listener)
	require.Equal(t, 1, client.Stats().Exports, "the same Methods is exported once")

	_, err := AwaitAll(ctx, first, second)
	require.NoError(t, err)
	first.Dispose()
	second.Dispose()

	require.Eventually(t, func() bool {
		return client.Stats().Exports == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSession_Map(t *testing.T) {
	ctx := testContext(t)
	client, _, rec := newSessionPairWith(t, nil, userAPI(), []Option{WithBatchWindow(time.Minute)})

	api := client.RemoteMain()
	defer api.Dispose()

	list := api.Call("list")
	defer list.Dispose()
	doubled := list.Map(func(m *Mapper, elem *Promise) any {
		return m.Capture(api).Call("double", elem.Get("id"))
	})
	defer doubled.Dispose()

	v, err := doubled.Await(ctx)
	require.NoError(t, err)
	require.Equal(t, []any{int64(2), int64(4)}, v)

	frames := wire.SplitBatch(rec.sent()[0])
	require.Equal(t,
		`["push",["remap",1,[],[["import",0]],[["pipeline",-1,["double"],[["pipeline",0,["id"]]]],["pipeline",1,[]]]]]`,
		frames[1],
	)
}

func TestSession_FireAndForget(t *testing.T) {
	ctx := testContext(t)

	events := make(chan any, 2)
	server := Methods{
		"notify": func(_ context.Context, args []any) (any, error) {
			events <- args[0]
			return nil, nil
		},
	}
	client, _, rec := newSessionPairWith(t, nil, server, []Option{WithBatchWindow(50 * time.Millisecond)})

	api := client.RemoteMain()
	defer api.Dispose()

	first := api.Call("notify", "started")
	defer first.Dispose()
	second := api.Call("notify", "stopped")
	defer second.Dispose()

	var got []any
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-ctx.Done():
			t.Fatal("never-awaited calls did not reach the server")
		}
	}
	require.ElementsMatch(t, []any{"started", "stopped"}, got)
	require.Equal(t, []string{
		`["push",["pipeline",0,["notify"],["started"]]]`,
		`["push",["pipeline",0,["notify"],["stopped"]]]`,
	}, wire.SplitBatch(rec.sent()[0]), "pushes issued back to back share a batch")
}

func TestSession_OnBrokenAfterResolution(t *testing.T) {
	ctx := testContext(t)
	client, server, _ := newSessionPair(t, nil, userAPI())

	api := client.RemoteMain()
	defer api.Dispose()

	user := api.Call("authenticate", "token")
	defer user.Dispose()
	early := make(chan error, 2)
	user.OnBroken(func(err error) { early <- err })

	v, err := user.Await(ctx)
	require.NoError(t, err)
	require.IsType(t, &Stub{}, v)
	v.(*Stub).Dispose()

	stub := user.Stub()
	defer stub.Dispose()
	late := make(chan error, 2)
	stub.OnBroken(func(err error) { late <- err })

	server.Abort(NewRemoteError("Maintenance", "restarting"))

	for _, ch := range []chan error{early, late} {
		select {
		case err := <-ch:
			var cerr *SessionClosedError
			require.ErrorAs(t, err, &cerr)
			require.Equal(t, ClosedByRemote, cerr.By)
		case <-ctx.Done():
			t.Fatal("OnBroken callback did not fire")
		}
	}
	time.Sleep(20 * time.Millisecond)
	require.Empty(t, early, "callbacks fire once")
	require.Empty(t, late, "callbacks fire once")
}

// scriptedTransport lets a test decide when Receive fails.
type scriptedTransport struct {
	fail chan error
	lk   sync.Mutex
	sent []string
}

func (tr *scriptedTransport) Send(_ context.Context, batch string) error {
	tr.lk.Lock()
	defer tr.lk.Unlock()
	tr.sent = append(tr.sent, batch)
	return nil
}

func (tr *scriptedTransport) Receive(ctx context.Context) (string, error) {
	select {
	case err := <-tr.fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func TestSession_ReceiveFailure(t *testing.T) {
	ctx := testContext(t)

	t.Run("with outstanding calls", func(t *testing.T) {
		tr := &scriptedTransport{fail: make(chan error, 1)}
		sess, err := NewSession(tr, nil, WithLog(testLogHandler("client")))
		require.NoError(t, err)
		defer sess.Close()

		api := sess.RemoteMain()
		defer api.Dispose()

		broken := make(chan error, 1)
		api.OnBroken(func(err error) { broken <- err })

		first := api.Call("a")
		defer first.Dispose()
		second := api.Call("b")
		defer second.Dispose()

		tr.fail <- errors.New("connection reset by peer")
		<-sess.Done()

		for _, p := range []*Promise{first, second} {
			_, err := p.Await(ctx)
			require.ErrorIs(t, err, ErrSessionClosed)
			require.ErrorIs(t, err, ErrTransport)

			var terr *TransportError
			require.ErrorAs(t, err, &terr)
			require.Equal(t, "receive", terr.Op)
		}

		var cerr *SessionClosedError
		require.ErrorAs(t, sess.Err(), &cerr)
		require.Equal(t, ClosedByTransport, cerr.By)

		select {
		case err := <-broken:
			require.ErrorIs(t, err, ErrTransport)
		case <-ctx.Done():
			t.Fatal("broken callback was not invoked")
		}

		p := api.Call("c")
		defer p.Dispose()
		_, err = p.Await(ctx)
		require.ErrorIs(t, err, ErrSessionClosed, "calls after teardown fail fast")
	})

	t.Run("nothing outstanding", func(t *testing.T) {
		tr := &scriptedTransport{fail: make(chan error, 1)}
		sess, err := NewSession(tr, nil, WithLog(testLogHandler("client")))
		require.NoError(t, err)
		defer sess.Close()

		tr.fail <- errors.New("connection reset by peer")
		<-sess.Done()
		require.NoError(t, sess.Err(), "shutdown is silent")
	})
}

func TestSession_ProtocolViolation(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.NewPipe(4)
	sess, err := NewSession(b, userAPI(), WithLog(testLogHandler("server")))
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, a.Send(ctx, `["pull",42]`))

	batch, err := a.Receive(ctx)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(batch, `["abort",["error","ExportNotFound"`), batch)

	<-sess.Done()
	var cerr *SessionClosedError
	require.ErrorAs(t, sess.Err(), &cerr)
	require.Equal(t, ClosedByProtocol, cerr.By)
	require.ErrorIs(t, sess.Err(), ErrProtocolViolation)
	require.ErrorIs(t, b.Cause(), ErrProtocolViolation, "the transport is aborted")
}

func TestSession_RemoteAbort(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.NewPipe(4)
	sess, err := NewSession(b, nil, WithLog(testLogHandler("client")))
	require.NoError(t, err)
	defer sess.Close()

	api := sess.RemoteMain()
	defer api.Dispose()
	p := api.Call("slow")
	defer p.Dispose()
	require.NoError(t, sess.Flush())

	require.NoError(t, a.Send(ctx, `["abort",["error","Error","going away"]]`))

	_, err = p.Await(ctx)
	var cerr *SessionClosedError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ClosedByRemote, cerr.By)

	var rce *RemoteCallError
	require.ErrorAs(t, err, &rce)
	require.Equal(t, "going away", rce.Message)
}

func TestSession_ReleaseUnknownIgnored(t *testing.T) {
	ctx := testContext(t)
	a, b := transport.NewPipe(4)
	sess, err := NewSession(b, userAPI(), WithLog(testLogHandler("server")))
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, a.Send(ctx, "[\"release\",-9,1]\n[\"push\",[\"pipeline\",0,[\"hello\"],[\"you\"]]]\n[\"pull\",1]"))

	batch, err := a.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, `["resolve",1,"Hello, you!"]`, batch)
	require.NoError(t, sess.Err())

	require.NoError(t, a.Send(ctx, `["release",1,3]`))
	require.Eventually(t, func() bool {
		return sess.Stats().Exports == 0
	}, 5*time.Second, 10*time.Millisecond, "an over-release clamps to zero")
}

func TestSession_Drain(t *testing.T) {
	ctx := testContext(t)

	started := make(chan struct{})
	unblock := make(chan struct{})
	server := Methods{
		"slow": func(ctx context.Context, _ []any) (any, error) {
			close(started)
			<-unblock
			return "done", nil
		},
	}
	client, srv, _ := newSessionPair(t, nil, server)

	api := client.RemoteMain()
	defer api.Dispose()
	p := api.Call("slow")
	defer p.Dispose()

	result := make(chan any, 1)
	p.Then(func(v any, err error) {
		result <- v
	})

	<-started
	require.Eventually(t, func() bool {
		srv.lk.Lock()
		defer srv.lk.Unlock()
		return srv.inflight == 1
	}, 5*time.Second, 10*time.Millisecond)

	drained := make(chan error, 1)
	go func() { drained <- srv.Drain(ctx) }()

	require.Eventually(t, func() bool {
		srv.lk.Lock()
		defer srv.lk.Unlock()
		return srv.state == stateDraining
	}, 5*time.Second, 10*time.Millisecond)

	back := srv.RemoteMain()
	defer back.Dispose()
	q := back.Call("anything")
	defer q.Dispose()
	_, err := q.Await(ctx)
	require.ErrorIs(t, err, ErrSessionDraining, "new outbound work is refused")

	select {
	case <-drained:
		t.Fatal("drain returned before the pulled result settled")
	default:
	}

	close(unblock)
	require.NoError(t, <-drained)
	require.Equal(t, "done", <-result)
	require.NoError(t, srv.Err())
}

func TestSession_Close(t *testing.T) {
	ctx := testContext(t)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	client, server, _ := newSessionPair(t, nil, Methods{
		"never": func(context.Context, []any) (any, error) {
			<-release
			return nil, nil
		},
	})

	api := client.RemoteMain()
	defer api.Dispose()
	p := api.Call("never")
	defer p.Dispose()
	require.NoError(t, client.Flush())

	require.NoError(t, client.Close())
	_, err := p.Await(ctx)
	var cerr *SessionClosedError
	require.ErrorAs(t, err, &cerr)
	require.Equal(t, ClosedByUser, cerr.By)
	require.NoError(t, client.Err(), "a user close is not an error")

	<-server.Done()
	require.Equal(t, Stats{}, client.Stats())
}

func TestNewSession_InvalidOptions(t *testing.T) {
	a, _ := transport.NewPipe(1)
	_, err := NewSession(a, nil, WithSendTimeout(-time.Second))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewSession(a, nil, WithBatchWindow(-time.Millisecond))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewSession(a, "not a capability")
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewSession(nil, nil)
	require.ErrorIs(t, err, ErrInvalidCfg)
}
