package capweb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/capweb/pkg/wire"
)

type sessionState uint8

const (
	stateActive sessionState = iota
	stateDraining
	stateClosed
)

var sessionIDs atomic.Uint64

// Session runs the protocol over a `Transport`. It owns the import and
// export tables of the connection and every pending result it created.
type Session struct {
	id     uint64
	tr     Transport
	config *config
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	ctx    context.Context
	cancel context.CancelFunc

	// lk guards everything below. It is never held while calling into
	// another hook, the application or the transport.
	lk       sync.Mutex
	state    sessionState
	closeErr *SessionClosedError
	silent   bool
	tbl      *capTable
	main     *importEntry
	outbox   []string
	inflight int
	idleCh   chan struct{}

	// sendLk keeps batches in order on the transport.
	sendLk  sync.Mutex
	flushCh chan struct{}
	pushCh  chan struct{}
	doneCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSession starts a session over tr. localMain, a `Target`, a `Func` or
// a `*Stub`, is exposed to the peer as its main capability, it may be nil.
func NewSession(tr Transport, localMain any, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrInvalidCfg)
	}

	var mainHook hook
	switch m := localMain.(type) {
	case nil:
	case *Stub:
		mainHook = m.Dup().h
	case Target, Func:
		mainHook = newTargetHook(m)
	default:
		return nil, fmt.Errorf("%w: main capability %T is neither a Target nor a Func", ErrInvalidCfg, localMain)
	}

	s := &Session{
		id:      sessionIDs.Add(1),
		tr:      tr,
		config:  cfg,
		tbl:     newCapTable(),
		flushCh: make(chan struct{}, 1),
		pushCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	if cfg.logHandler != nil {
		s.logger = slog.New(cfg.logHandler)
	} else {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(LabelSessionID.L(s.id))

	if cfg.metricSink != nil {
		s.msink = cfg.metricSink
	} else {
		s.msink = metrics.Default()
	}
	s.labels = append(append([]metrics.Label{}, cfg.metricLabels...), LabelSessionID.M(strconv.FormatUint(s.id, 10)))

	if mainHook != nil {
		s.tbl.exportMain(mainHook)
	}
	s.main = s.tbl.importMain()

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg.Add(2)
	go s.receiveLoop()
	go s.flushLoop()

	s.logger.Debug("session started")
	return s, nil
}

// RemoteMain returns a stub to the main capability of the peer.
func (s *Session) RemoteMain() *Stub {
	s.lk.Lock()
	s.main.localRefs++
	s.lk.Unlock()
	return &Stub{h: &importHook{s: s, e: s.main}}
}

// Stats reports how many entries live in the tables.
func (s *Session) Stats() Stats {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.tbl.stats()
}

// Flush sends every queued frame in a single batch.
func (s *Session) Flush() error {
	s.sendLk.Lock()
	s.lk.Lock()
	if s.state == stateClosed {
		err := s.errLocked()
		s.lk.Unlock()
		s.sendLk.Unlock()
		return err
	}
	frames := s.outbox
	s.outbox = nil
	st := s.tbl.stats()
	s.lk.Unlock()

	if len(frames) == 0 {
		s.sendLk.Unlock()
		return nil
	}
	err := s.send(frames)
	s.sendLk.Unlock()

	s.msink.SetGaugeWithLabels(MetricCapwebImportsGauge, float32(st.Imports), s.labels)
	s.msink.SetGaugeWithLabels(MetricCapwebExportsGauge, float32(st.Exports), s.labels)

	if err != nil {
		terr := &TransportError{Op: "send", Err: err}
		s.shutdown(ClosedByTransport, terr, false, nil)
		return terr
	}
	return nil
}

// Drain stops accepting new outbound work, waits for the resolutions the
// peer pulled and flushes them. The tables are left untouched.
func (s *Session) Drain(ctx context.Context) error {
	s.lk.Lock()
	if s.state == stateClosed {
		err := s.errLocked()
		s.lk.Unlock()
		return err
	}
	s.state = stateDraining
	for s.inflight > 0 {
		if s.idleCh == nil {
			s.idleCh = make(chan struct{})
		}
		idle := s.idleCh
		s.lk.Unlock()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}

		s.lk.Lock()
		if s.state == stateClosed {
			err := s.errLocked()
			s.lk.Unlock()
			return err
		}
	}
	s.lk.Unlock()
	return s.Flush()
}

// Close flushes what is queued and ends the session. Pending results are
// rejected with a `*SessionClosedError`.
func (s *Session) Close() error {
	s.shutdown(ClosedByUser, nil, true, nil)
	s.wg.Wait()
	return nil
}

// Abort sends an abort frame carrying reason and ends the session.
func (s *Session) Abort(reason error) {
	d := &devaluator{onSendError: s.config.onSendError}
	frame, err := wire.Abort(d.devaluateError(reason)).Marshal()
	var final []string
	if err == nil {
		final = []string{frame}
	}
	s.shutdown(ClosedByUser, reason, false, final)
	s.wg.Wait()
}

// Done is closed once the session ended.
func (s *Session) Done() <-chan struct{} {
	return s.doneCh
}

// Err returns why the session ended. It is nil while the session runs and
// after a clean shutdown.
func (s *Session) Err() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.errLocked()
}

func (s *Session) errLocked() error {
	if s.closeErr == nil || s.silent {
		return nil
	}
	return s.closeErr
}

func (s *Session) outboundErrLocked() error {
	switch s.state {
	case stateClosed:
		return s.closeErr
	case stateDraining:
		return ErrSessionDraining
	default:
		return nil
	}
}

func (s *Session) queueLocked(msg wire.Message) error {
	frame, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnserializable, err)
	}
	s.outbox = append(s.outbox, frame)
	return nil
}

func (s *Session) send(frames []string) error {
	batch := wire.JoinBatch(frames)
	ctx, cancel := context.WithTimeout(context.Background(), s.config.sendTimeout)
	defer cancel()

	if err := s.tr.Send(ctx, batch); err != nil {
		s.msink.IncrCounterWithLabels(MetricCapwebTransportErrorCount, 1.0, s.withLabels(LabelError.M("send")))
		return err
	}
	s.msink.IncrCounterWithLabels(MetricCapwebFramesOutCount, float32(len(frames)), s.labels)
	s.msink.IncrCounterWithLabels(MetricCapwebBatchOutCount, 1.0, s.labels)
	s.msink.AddSampleWithLabels(MetricCapwebBatchOutBytes, float32(len(batch)), s.labels)
	s.logger.Debug("batch sent", "frames", len(frames), "bytes", len(batch))
	return nil
}

func (s *Session) withLabels(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(s.labels)+len(extra))
	out = append(out, s.labels...)
	return append(out, extra...)
}

func (s *Session) scheduleFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// schedulePush arranges for queued pushes to be sent once the batch
// window elapsed, so pushes issued back to back share a batch.
func (s *Session) schedulePush() {
	if !s.config.autoFlush {
		return
	}
	select {
	case s.pushCh <- struct{}{}:
	default:
	}
}

func (s *Session) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.flushCh:
		case <-s.pushCh:
			window := time.NewTimer(s.config.batchWindow)
			select {
			case <-s.ctx.Done():
				window.Stop()
				return
			case <-s.flushCh:
			case <-window.C:
			}
			window.Stop()
		}
		if err := s.Flush(); err != nil {
			s.logger.Debug("background flush failed", LabelError.L(err))
		}
	}
}

func (s *Session) beginWorkLocked() {
	s.inflight++
}

func (s *Session) endWork() {
	s.lk.Lock()
	s.inflight--
	if s.inflight == 0 && s.idleCh != nil {
		close(s.idleCh)
		s.idleCh = nil
	}
	s.lk.Unlock()
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	for {
		batch, err := s.tr.Receive(s.ctx)
		if err != nil {
			s.receiveFailed(err)
			return
		}
		s.msink.AddSampleWithLabels(MetricCapwebBatchInBytes, float32(len(batch)), s.labels)

		for _, frame := range wire.SplitBatch(batch) {
			if !s.handleFrame(frame) {
				return
			}
		}
		s.scheduleFlush()
	}
}

func (s *Session) receiveFailed(err error) {
	s.lk.Lock()
	if s.state == stateClosed {
		s.lk.Unlock()
		return
	}
	outstanding := s.tbl.outstanding()
	s.lk.Unlock()

	terr := &TransportError{Op: "receive", Err: err}
	if !errors.Is(err, io.EOF) {
		s.msink.IncrCounterWithLabels(MetricCapwebTransportErrorCount, 1.0, s.withLabels(LabelError.M("receive")))
	}
	s.shutdown(ClosedByTransport, terr, !outstanding, nil)
}

// handleFrame processes one inbound frame. It returns false once the
// session ended.
func (s *Session) handleFrame(frame string) bool {
	msg, err := wire.Unmarshal(frame)
	if err != nil {
		s.protocolViolation(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
		return false
	}
	s.msink.IncrCounterWithLabels(MetricCapwebFramesInCount, 1.0, s.withLabels(LabelFrameType.M(msg.Type.String())))

	switch msg.Type {
	case wire.MessagePush:
		s.handlePush(msg.Expr)
	case wire.MessagePull:
		err = s.handlePull(msg.ID)
	case wire.MessageResolve, wire.MessageReject:
		err = s.handleResolve(msg)
	case wire.MessageRelease:
		s.handleRelease(msg.ID, msg.Count)
	case wire.MessageAbort:
		s.handleAbort(msg.Expr)
		return false
	}

	if err != nil {
		s.protocolViolation(fmt.Errorf("%w: %w", ErrProtocolViolation, err))
		return false
	}
	return true
}

// handlePush evaluates a call descriptor. The result slot is allocated even
// when evaluation fails so ids stay in sync with the peer.
func (s *Session) handlePush(expr any) {
	var h hook
	ev := &evaluator{s: s}
	v, err := ev.evaluate(expr)
	switch {
	case err != nil:
		s.logger.Debug("push evaluation failed", LabelError.L(err))
		h = rejected(err)
	default:
		if p, ok := v.(*Promise); ok {
			h = p.h
		} else {
			h = resolved(v)
		}
	}

	s.lk.Lock()
	if s.state == stateClosed {
		s.lk.Unlock()
		h.dispose()
		return
	}
	s.tbl.exportPushResult(h)
	s.lk.Unlock()
}

func (s *Session) handlePull(id int64) error {
	s.lk.Lock()
	e, err := s.tbl.lookupExport(id)
	if err != nil {
		s.lk.Unlock()
		return err
	}
	if e.pulled {
		s.lk.Unlock()
		return nil
	}
	e.pulled = true
	s.lk.Unlock()

	s.resolveExport(id)
	return nil
}

// resolveExport waits for the export to settle and queues its resolution.
func (s *Session) resolveExport(id int64) {
	s.lk.Lock()
	e, ok := s.tbl.exports[id]
	if !ok || s.state == stateClosed {
		s.lk.Unlock()
		return
	}
	e.refs++
	h := e.h
	s.beginWorkLocked()
	s.lk.Unlock()

	go func() {
		defer s.endWork()
		defer s.unpinExport(id)

		d := &devaluator{s: s, onSendError: s.config.onSendError, resolving: true}
		var msg wire.Message
		v, err := h.pull(s.ctx)
		if err == nil {
			var expr any
			expr, err = d.devaluate(v, "result")
			if err == nil {
				msg = wire.Resolve(id, expr)
			} else {
				d.rollback()
			}
		}
		if err != nil {
			msg = wire.Reject(id, d.devaluateError(err))
		}

		s.lk.Lock()
		if s.state == stateClosed {
			s.lk.Unlock()
			d.rollback()
			return
		}
		err = s.queueLocked(msg)
		s.lk.Unlock()
		if err != nil {
			s.logger.Error("cannot encode resolution", LabelExportID.L(id), LabelError.L(err))
			d.rollback()
			return
		}
		d.commit()
		s.scheduleFlush()
	}()
}

// withExport runs fn with the hook of export id, the entry is pinned for
// the duration of the call.
func (s *Session) withExport(id int64, fn func(hook) error) error {
	s.lk.Lock()
	if s.state == stateClosed {
		err := s.closeErr
		s.lk.Unlock()
		return err
	}
	e, err := s.tbl.lookupExport(id)
	if err != nil {
		s.lk.Unlock()
		return err
	}
	e.refs++
	h := e.h
	s.lk.Unlock()

	defer s.unpinExport(id)
	return fn(h)
}

func (s *Session) unpinExport(id int64) {
	s.lk.Lock()
	h, _, _ := s.tbl.releaseExport(id, 1)
	s.lk.Unlock()
	if h != nil {
		h.dispose()
	}
}

func (s *Session) handleResolve(msg wire.Message) error {
	s.lk.Lock()
	e, err := s.tbl.lookupImport(msg.ID)
	if err != nil {
		s.lk.Unlock()
		return err
	}
	if e.node == nil || e.settled {
		s.lk.Unlock()
		return fmt.Errorf("import %d is not awaiting a resolution", msg.ID)
	}
	s.lk.Unlock()

	ev := &evaluator{s: s}
	v, err := ev.evaluate(msg.Expr)
	if err == nil && msg.Type == wire.MessageReject {
		err = asError(v)
		v = nil
	}

	s.lk.Lock()
	if e.settled {
		s.lk.Unlock()
		disposePayload(v)
		return nil
	}
	e.settled = true
	s.tbl.dropImport(e)
	orphan := e.localRefs == 0
	broken := e.broken
	e.broken = nil
	qerr := s.queueLocked(wire.Release(e.id, e.remoteRefs))
	s.lk.Unlock()
	if qerr != nil {
		s.logger.Error("cannot encode release", LabelImportID.L(e.id), LabelError.L(qerr))
	}

	e.node.settle(v, err)
	switch {
	case err != nil:
		for _, cb := range broken {
			go cb(err)
		}
	case len(broken) > 0:
		// A promise resolved to a capability breaks with it.
		if h := handleOf(v); h != nil {
			for _, cb := range broken {
				h.onBroken(cb)
			}
		}
	}
	if orphan {
		e.node.decRef()
	}
	return nil
}

// asError turns a decoded rejection into an error, disposing the payload.
func asError(v any) error {
	if err, ok := v.(error); ok {
		return err
	}
	defer disposePayload(v)
	return &RemoteCallError{Name: "Error", Message: fmt.Sprint(v)}
}

func (s *Session) handleRelease(id, count int64) {
	if id == 0 {
		s.logger.Debug("ignoring release of the main capability")
		return
	}

	s.lk.Lock()
	h, clamped, err := s.tbl.releaseExport(id, count)
	s.lk.Unlock()

	if err != nil {
		s.logger.Warn("release of an unknown export", LabelExportID.L(id), LabelError.L(err))
		return
	}
	if clamped {
		s.logger.Warn("release count exceeds refcount", LabelExportID.L(id), "count", count)
		s.msink.IncrCounterWithLabels(MetricCapwebReleaseClampedCount, 1.0, s.labels)
	}
	if h != nil {
		h.dispose()
	}
}

func (s *Session) handleAbort(expr any) {
	v, err := (&evaluator{}).evaluate(expr)
	if err != nil {
		err = fmt.Errorf("undecodable abort reason: %w", err)
	} else {
		err = asError(v)
	}
	s.logger.Info("peer aborted the session", LabelError.L(err))
	s.shutdown(ClosedByRemote, err, false, nil)
}

func (s *Session) protocolViolation(err error) {
	s.logger.Error("protocol violation", LabelError.L(err))
	s.msink.IncrCounterWithLabels(MetricCapwebProtocolErrorCount, 1.0, s.labels)

	d := &devaluator{onSendError: s.config.onSendError}
	var final []string
	if frame, merr := wire.Abort(d.devaluateError(err)).Marshal(); merr == nil {
		final = []string{frame}
	}
	s.shutdown(ClosedByProtocol, err, false, final)
}

// shutdown moves the session to its terminal state. Queued frames and
// final are sent unless the transport is the one which failed.
func (s *Session) shutdown(by ClosedBy, cause error, silent bool, final []string) {
	s.lk.Lock()
	if s.state == stateClosed {
		s.lk.Unlock()
		return
	}
	s.state = stateClosed
	s.closeErr = &SessionClosedError{By: by, Cause: cause}
	s.silent = silent
	closeErr := s.closeErr
	queued := s.outbox
	s.outbox = nil
	if s.idleCh != nil {
		close(s.idleCh)
		s.idleCh = nil
	}

	exports, imports := s.tbl.clear()
	var pending []*node
	var orphans []*node
	var broken []func(error)
	for _, e := range imports {
		broken = append(broken, e.broken...)
		e.broken = nil
		if e.pending() {
			e.settled = true
			pending = append(pending, e.node)
			if e.localRefs == 0 {
				orphans = append(orphans, e.node)
			}
		}
	}
	s.lk.Unlock()

	if by != ClosedByTransport {
		frames := append(queued, final...)
		if len(frames) > 0 {
			s.sendLk.Lock()
			if err := s.send(frames); err != nil {
				s.logger.Debug("cannot send final batch", LabelError.L(err))
			}
			s.sendLk.Unlock()
		}
	}
	s.cancel()

	for _, n := range pending {
		n.settle(nil, closeErr)
	}
	for _, n := range orphans {
		n.decRef()
	}
	for _, cb := range broken {
		go cb(closeErr)
	}
	for _, e := range exports {
		e.h.dispose()
	}

	if cause != nil {
		if ab, ok := s.tr.(Aborter); ok {
			ab.Abort(cause)
		} else if c, ok := s.tr.(io.Closer); ok {
			_ = c.Close()
		}
	} else if c, ok := s.tr.(io.Closer); ok {
		_ = c.Close()
	}

	s.msink.IncrCounterWithLabels(MetricCapwebSessionClosedCount, 1.0, s.withLabels(LabelClosedBy.M(by.String())))
	if silent {
		s.logger.Debug("session closed", LabelClosedBy.L(by.String()))
	} else {
		s.logger.Info("session closed", LabelClosedBy.L(by.String()), LabelError.L(cause))
	}
	close(s.doneCh)
}

func (s *Session) settledNode(e *importEntry) *node {
	s.lk.Lock()
	defer s.lk.Unlock()
	if e.settled && e.node != nil {
		return e.node
	}
	return nil
}

// importRef evaluates an `export` or `promise` expression of the peer.
func (s *Session) importRef(id int64, promise bool) (any, error) {
	s.lk.Lock()
	if s.state == stateClosed {
		err := s.closeErr
		s.lk.Unlock()
		return nil, err
	}
	e, err := s.tbl.importCap(id, promise)
	s.lk.Unlock()
	if err != nil {
		return nil, err
	}

	h := &importHook{s: s, e: e}
	if promise {
		return &Promise{h: h}, nil
	}
	return &Stub{h: h}, nil
}

// evalExportRef evaluates an `import` or `pipeline` expression, both name
// one of our exports. It reports whether the result is a capability.
func (s *Session) evalExportRef(ev *evaluator, tag string, arr []any) (hook, bool, error) {
	id, err := intArg(arr, 1)
	if err != nil {
		return nil, false, err
	}

	if tag == wire.TagImport {
		if len(arr) != 2 {
			return nil, false, malformed("import expects one element")
		}
		var h hook
		err := s.withExport(id, func(x hook) error {
			h = x.dup()
			return nil
		})
		return h, true, err
	}

	if len(arr) > 4 {
		return nil, false, malformed("pipeline expects at most three elements")
	}
	var path []any
	if len(arr) >= 3 {
		if path, err = parsePath(arr[2]); err != nil {
			return nil, false, err
		}
	}
	var args []any
	hasArgs := len(arr) == 4
	if hasArgs {
		if args, err = (&evaluator{s: s, scope: ev.scope}).evaluateArgs(arr[3]); err != nil {
			return nil, false, err
		}
	}

	var h hook
	err = s.withExport(id, func(x hook) error {
		if hasArgs {
			h = x.call(path, args)
		} else {
			h = x.get(path)
		}
		return nil
	})
	if err != nil {
		disposePayload(args)
		return nil, false, err
	}
	return h, false, nil
}

// sendCall queues a push against import e. Args are owned by the call.
func (s *Session) sendCall(e *importEntry, path []any, args []any, isCall bool) hook {
	d := &devaluator{s: s, onSendError: s.config.onSendError}
	expr := []any{wire.TagPipeline, e.id, pathOf(path)}
	if isCall {
		encoded, err := d.devaluateArgs(args)
		if err != nil {
			d.rollback()
			disposePayload(args)
			return rejected(err)
		}
		expr = append(expr, encoded)
	}

	s.lk.Lock()
	if err := s.outboundErrLocked(); err != nil {
		s.lk.Unlock()
		d.rollback()
		disposePayload(args)
		return rejected(err)
	}
	if e.settled && e.node != nil {
		n := e.node
		s.lk.Unlock()
		d.rollback()
		if isCall {
			return (&nodeHook{n: n}).call(path, args)
		}
		return (&nodeHook{n: n}).get(path)
	}
	if err := s.queueLocked(wire.Push(expr)); err != nil {
		s.lk.Unlock()
		d.rollback()
		disposePayload(args)
		return rejected(err)
	}
	res := s.tbl.importPushResult()
	s.lk.Unlock()

	d.commit()
	disposePayload(args)
	s.schedulePush()
	return &importHook{s: s, e: res}
}

// evalRemap evaluates a `remap` expression: a program run on the value of
// one of our exports, element-wise when it is an array.
func (s *Session) evalRemap(arr []any) hook {
	if len(arr) != 5 {
		return rejected(malformed("remap expects four elements"))
	}
	id, err := intArg(arr, 1)
	if err != nil {
		return rejected(err)
	}
	path, err := parsePath(arr[2])
	if err != nil {
		return rejected(err)
	}
	rawCaps, ok := arr[3].([]any)
	if !ok {
		return rejected(malformed("remap captures must be an array"))
	}
	instrs, ok := arr[4].([]any)
	if !ok {
		return rejected(malformed("remap instructions must be an array"))
	}

	captures := make([]*Stub, 0, len(rawCaps))
	for _, raw := range rawCaps {
		ev := &evaluator{s: s}
		v, err := ev.evaluate(raw)
		if err == nil {
			switch c := v.(type) {
			case *Stub:
				captures = append(captures, c)
				continue
			case *Promise:
				captures = append(captures, &Stub{h: c.h})
				continue
			default:
				disposePayload(v)
				err = malformed(fmt.Sprintf("remap capture %v is not a capability", raw))
			}
		}
		releaseCaptures(captures)
		return rejected(err)
	}

	var in hook
	err = s.withExport(id, func(x hook) error {
		in = x.get(path)
		return nil
	})
	if err != nil {
		releaseCaptures(captures)
		return rejected(err)
	}

	return spawn(func(ctx context.Context) (any, error) {
		defer in.dispose()
		defer releaseCaptures(captures)
		v, err := in.pull(ctx)
		if err != nil {
			return nil, err
		}
		return runRemap(ctx, s, v, captures, instrs)
	})
}

// importHook is a handle to an entry of the import table, optionally
// extended with a property path which is only sent when used.
type importHook struct {
	s        *Session
	e        *importEntry
	path     []any
	disposed atomic.Bool

	childLk sync.Mutex
	child   hook
}

func (h *importHook) call(path []any, args []any) hook {
	full := concatPath(h.path, path)
	if n := h.s.settledNode(h.e); n != nil {
		return (&nodeHook{n: n}).call(full, args)
	}
	return h.s.sendCall(h.e, full, args, true)
}

func (h *importHook) get(path []any) hook {
	full := concatPath(h.path, path)
	if n := h.s.settledNode(h.e); n != nil {
		return (&nodeHook{n: n}).get(full)
	}

	s := h.s
	s.lk.Lock()
	if s.state == stateClosed {
		err := s.closeErr
		s.lk.Unlock()
		return rejected(err)
	}
	h.e.localRefs++
	s.lk.Unlock()
	return &importHook{s: s, e: h.e, path: full}
}

func (h *importHook) pull(ctx context.Context) (any, error) {
	if len(h.path) > 0 {
		return h.pathChild().pull(ctx)
	}
	if n := h.s.settledNode(h.e); n != nil {
		return n.wait(ctx)
	}
	if h.e.node == nil {
		return &Stub{h: h}, nil
	}

	if s := h.requestPull(); s != nil {
		_ = s.Flush()
	}
	return h.e.node.wait(ctx)
}

// pathChild returns the hook fetching the property path, the push is sent
// the first time it is needed.
func (h *importHook) pathChild() hook {
	h.childLk.Lock()
	defer h.childLk.Unlock()
	if h.child == nil {
		if n := h.s.settledNode(h.e); n != nil {
			h.child = (&nodeHook{n: n}).get(h.path)
		} else {
			h.child = h.s.sendCall(h.e, h.path, nil, false)
		}
	}
	return h.child
}

// requestPull queues a pull frame if the result was never requested. It
// returns the session to flush, if any.
func (h *importHook) requestPull() *Session {
	if len(h.path) > 0 {
		if child, ok := h.pathChild().(*importHook); ok {
			return child.requestPull()
		}
		return nil
	}

	s := h.s
	s.lk.Lock()
	defer s.lk.Unlock()
	e := h.e
	if s.state == stateClosed || e.node == nil || e.settled {
		return nil
	}
	if !e.pulled {
		e.pulled = true
		if err := s.queueLocked(wire.Pull(e.id)); err != nil {
			return nil
		}
	}
	return s
}

func (h *importHook) dup() hook {
	h.s.lk.Lock()
	h.e.localRefs++
	h.s.lk.Unlock()
	return &importHook{s: h.s, e: h.e, path: h.path}
}

func (h *importHook) dispose() {
	if h.disposed.Swap(true) {
		return
	}
	h.childLk.Lock()
	child := h.child
	h.child = nil
	h.childLk.Unlock()
	if child != nil {
		child.dispose()
	}

	s := h.s
	e := h.e
	s.lk.Lock()
	e.localRefs--
	if e.localRefs > 0 || e.id == 0 {
		s.lk.Unlock()
		return
	}
	if e.settled {
		s.lk.Unlock()
		if e.node != nil {
			e.node.decRef()
		}
		return
	}
	if e.node != nil && e.pulled {
		// the resolution is on its way, it releases the entry
		s.lk.Unlock()
		return
	}
	if s.state == stateClosed {
		s.lk.Unlock()
		return
	}

	s.tbl.dropImport(e)
	e.settled = true
	err := s.queueLocked(wire.Release(e.id, e.remoteRefs))
	s.lk.Unlock()

	if err != nil {
		s.logger.Error("cannot encode release", LabelImportID.L(e.id), LabelError.L(err))
	}
	if e.node != nil {
		e.node.decRef()
	}
	s.scheduleFlush()
}

func (h *importHook) onBroken(cb func(error)) {
	s := h.s
	s.lk.Lock()
	if s.state == stateClosed {
		err := s.closeErr
		s.lk.Unlock()
		go cb(err)
		return
	}
	if h.e.settled && h.e.node != nil {
		n := h.e.node
		s.lk.Unlock()
		(&nodeHook{n: n}).onBroken(cb)
		return
	}
	h.e.broken = append(h.e.broken, cb)
	s.lk.Unlock()
}

func concatPath(base, path []any) []any {
	if len(base) == 0 {
		return path
	}
	out := make([]any, 0, len(base)+len(path))
	out = append(out, base...)
	return append(out, path...)
}
