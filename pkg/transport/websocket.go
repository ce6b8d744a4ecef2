package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-metrics"
)

// maxCloseReason is the room left for a reason in a close control frame.
const maxCloseReason = 123

// WebSocketConn carries one batch per text message.
type WebSocketConn struct {
	ws     *websocket.Conn
	tel    telemetry
	labels []metrics.Label
	logger *slog.Logger

	writeLk sync.Mutex
	*pump

	closeOnce sync.Once
}

// NewWebSocketConn wraps an established connection.
func NewWebSocketConn(ws *websocket.Conn, cfg *Config) *WebSocketConn {
	if cfg == nil {
		cfg = &Config{}
	}
	tel := cfg.telemetry("websocket")
	peer := ws.RemoteAddr().String()
	c := &WebSocketConn{
		ws:     ws,
		tel:    tel,
		labels: tel.with(LabelPeerAddr.M(peer)),
		logger: tel.logger.With(LabelPeerAddr.L(peer)),
	}

	ws.SetReadLimit(int64(cfg.maxFrameSize()))
	read := func() (string, error) {
		for {
			typ, buf, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return "", fmt.Errorf("%w: %w", ErrClosed, err)
				}
				return "", err
			}
			if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
				continue
			}
			c.tel.msink.IncrCounterWithLabels(MetricTransportInBytes, float32(len(buf)), c.labels)
			return string(buf), nil
		}
	}
	c.pump = newPump(read, ws.Close, cfg.bufferSize())
	return c
}

// DialWebSocket connects to a WebSocket endpoint, typically served by
// `UpgradeWebSocket`.
func DialWebSocket(ctx context.Context, url string, header http.Header, cfg *Config) (*WebSocketConn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing %s: %w", url, err)
	}
	return NewWebSocketConn(ws, cfg), nil
}

// UpgradeWebSocket upgrades an HTTP request. Origins are not checked, do
// it in a middleware if browsers can reach the endpoint.
func UpgradeWebSocket(w http.ResponseWriter, r *http.Request, cfg *Config) (*WebSocketConn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, cfg), nil
}

func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

func (c *WebSocketConn) Send(ctx context.Context, batch string) error {
	c.writeLk.Lock()
	defer c.writeLk.Unlock()

	deadline, _ := ctx.Deadline()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, []byte(batch)); err != nil {
		c.tel.msink.IncrCounterWithLabels(MetricTransportErrorCount, 1.0, append(c.labels, LabelError.M("write")))
		return err
	}
	c.tel.msink.IncrCounterWithLabels(MetricTransportOutBytes, float32(len(batch)), c.labels)
	return nil
}

func (c *WebSocketConn) Receive(ctx context.Context) (string, error) {
	return c.recv(ctx)
}

// Abort closes the connection with an internal error status carrying
// cause.
func (c *WebSocketConn) Abort(cause error) {
	reason := cause.Error()
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	c.shutdown(websocket.CloseInternalServerErr, reason)
}

func (c *WebSocketConn) Close() error {
	c.shutdown(websocket.CloseNormalClosure, "")
	return nil
}

func (c *WebSocketConn) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeLk.Lock()
		err := c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeLk.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			c.logger.Debug("cannot send close frame", LabelError.L(err))
		}
		_ = c.pump.close(ErrClosed)
	})
}
