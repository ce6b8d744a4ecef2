package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// NextProto is the ALPN protocol negotiated by the QUIC transport.
const NextProto = "capweb"

// QUICConfig configures both ends of the QUIC transport.
type QUICConfig struct {
	Config

	// TLSConfig should be configured to ensure mTLS is enabled between the
	// peers.
	TLSConfig *tls.Config

	// MaxIdleTimeout after which an inactive connection is closed.
	MaxIdleTimeout time.Duration
}

func (cfg *QUICConfig) tlsConfig() (*tls.Config, error) {
	if cfg.TLSConfig == nil {
		return nil, ErrNoTLSConfig
	}
	tc := cfg.TLSConfig.Clone()
	if len(tc.NextProtos) == 0 {
		tc.NextProtos = []string{NextProto}
	}
	return tc, nil
}

func (cfg *QUICConfig) quicConfig() *quic.Config {
	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = 1 * time.Minute
	}
	return &quic.Config{
		Versions:           []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout:     idle,
		KeepAlivePeriod:    idle / 2,
		MaxIncomingStreams: 1,
	}
}

// QUICListener accepts sessions over QUIC, one connection per session.
type QUICListener struct {
	cfg *QUICConfig
	tel telemetry
	ln  *quic.Listener
}

func ListenQUIC(addr string, cfg *QUICConfig) (*QUICListener, error) {
	tc, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}

	ln, err := quic.ListenAddr(addr, tc, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}

	return &QUICListener{
		cfg: cfg,
		tel: cfg.telemetry("quic"),
		ln:  ln,
	}, nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for a peer to connect and open its stream.
func (l *QUICListener) Accept(ctx context.Context) (*QUICConn, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}

	peer := conn.RemoteAddr().String()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.tel.msink.IncrCounterWithLabels(
			MetricTransportErrorCount,
			1.0,
			l.tel.with(LabelPeerAddr.M(peer), LabelError.M("no_stream")),
		)
		_ = QErrProtocolViolation.Close(conn, "no stream opened")
		return nil, fmt.Errorf("transport: waiting for the stream of %s: %w", peer, err)
	}

	l.tel.msink.IncrCounterWithLabels(MetricTransportAcceptCount, 1.0, l.tel.with(LabelPeerAddr.M(peer)))
	l.tel.logger.Debug("accepted a session", LabelPeerAddr.L(peer))
	return newQUICConn(conn, stream, &l.cfg.Config, l.tel), nil
}

func (l *QUICListener) Close() error {
	return l.ln.Close()
}

// DialQUIC connects to a `QUICListener`.
func DialQUIC(ctx context.Context, addr string, cfg *QUICConfig) (*QUICConn, error) {
	tc, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}
	tel := cfg.telemetry("quic")

	conn, err := quic.DialAddr(ctx, addr, tc, cfg.quicConfig())
	if err != nil {
		tel.msink.IncrCounterWithLabels(
			MetricTransportErrorCount,
			1.0,
			tel.with(LabelPeerAddr.M(addr), LabelError.M("dial")),
		)
		return nil, err
	}

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = QErrShutdown.Close(conn, "cannot open stream")
		return nil, err
	}

	// The stream is only announced to the peer once something is
	// written on it.
	if err := writeFrame(stream, nil); err != nil {
		_ = QErrShutdown.Close(conn, "cannot open stream")
		return nil, err
	}

	tel.msink.IncrCounterWithLabels(MetricTransportDialCount, 1.0, tel.with(LabelPeerAddr.M(addr)))
	return newQUICConn(conn, stream, &cfg.Config, tel), nil
}

// QUICConn carries batches as varint length-prefixed frames on a single
// bidirectional stream.
type QUICConn struct {
	conn   quic.Connection
	stream quic.Stream
	tel    telemetry
	labels []metrics.Label
	logger *slog.Logger

	sendLk sync.Mutex
	*pump

	closeOnce sync.Once
}

func newQUICConn(conn quic.Connection, stream quic.Stream, cfg *Config, tel telemetry) *QUICConn {
	peer := conn.RemoteAddr().String()
	c := &QUICConn{
		conn:   conn,
		stream: stream,
		tel:    tel,
		labels: tel.with(LabelPeerAddr.M(peer)),
		logger: tel.logger.With(LabelPeerAddr.L(peer)),
	}

	r := bufio.NewReader(stream)
	limit := cfg.maxFrameSize()
	read := func() (string, error) {
		for {
			buf, err := readFrame(r, limit)
			if err != nil {
				return "", err
			}
			if len(buf) == 0 {
				continue
			}
			c.tel.msink.IncrCounterWithLabels(MetricTransportInBytes, float32(len(buf)), c.labels)
			return string(buf), nil
		}
	}
	closer := func() error {
		stream.CancelRead(quic.StreamErrorCode(0))
		return nil
	}
	c.pump = newPump(read, closer, cfg.bufferSize())
	return c
}

func (c *QUICConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *QUICConn) Send(ctx context.Context, batch string) error {
	c.sendLk.Lock()
	defer c.sendLk.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(deadline)
		defer func() { _ = c.stream.SetWriteDeadline(time.Time{}) }()
	}

	if err := writeFrame(c.stream, []byte(batch)); err != nil {
		c.tel.msink.IncrCounterWithLabels(MetricTransportErrorCount, 1.0, append(c.labels, LabelError.M("write")))
		return err
	}
	c.tel.msink.IncrCounterWithLabels(MetricTransportOutBytes, float32(len(batch)), c.labels)
	return nil
}

func (c *QUICConn) Receive(ctx context.Context) (string, error) {
	batch, err := c.recv(ctx)
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == quic.ApplicationErrorCode(QErrShutdown.Code) {
		return "", fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return batch, err
}

// Abort closes the connection with an application error carrying cause.
func (c *QUICConn) Abort(cause error) {
	c.closeOnce.Do(func() {
		_ = c.pump.close(ErrClosed)
		c.logger.Debug("aborting connection", LabelError.L(cause))
		_ = QErrAborted.Close(c.conn, cause.Error())
	})
}

func (c *QUICConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.stream.Close()
		_ = c.pump.close(ErrClosed)
		err = QErrShutdown.Close(c.conn, "session closed")
	})
	return err
}
