// Package httpbatch serves and consumes the HTTP batch variant of the
// protocol: the client POSTs all its frames at once and the response body
// carries every frame the server produced, one per line.
package httpbatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/raskyld/capweb"
	"github.com/raskyld/capweb/pkg/wire"
)

const defaultMaxBodySize = 16 << 20

var (
	ErrBatchSent      = errors.New("httpbatch: the batch was already sent")
	ErrUnexpectedCode = errors.New("httpbatch: unexpected status code")
)

// Handler runs one session per request.
type Handler struct {
	// Main returns the capability exposed to the client of a request.
	Main func(r *http.Request) any

	// Options are applied to every session.
	Options []capweb.Option

	// MaxBodySize bounds the size of a request, in bytes.
	MaxBodySize int64

	Logger *slog.Logger
}

func NewHandler(main func(r *http.Request) any, opts ...capweb.Option) *Handler {
	return &Handler{
		Main:    main,
		Options: opts,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "batch requests must be POSTed", http.StatusMethodNotAllowed)
		return
	}

	limit := h.MaxBodySize
	if limit <= 0 {
		limit = defaultMaxBodySize
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	tr := newServerTransport(string(body))
	var main any
	if h.Main != nil {
		main = h.Main(r)
	}
	sess, err := capweb.NewSession(tr, main, h.Options...)
	if err != nil {
		logger.Error("cannot start batch session", capweb.LabelError.L(err))
		http.Error(w, "cannot start session", http.StatusInternalServerError)
		return
	}

	select {
	case <-tr.processed:
	case <-sess.Done():
	case <-r.Context().Done():
	}
	if err := sess.Drain(r.Context()); err != nil {
		logger.Debug("batch session did not drain", capweb.LabelError.L(err))
	}
	_ = sess.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, tr.response())
}

// serverTransport replays the request body and collects the response.
type serverTransport struct {
	request string

	lk        sync.Mutex
	received  int
	frames    []string
	processed chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newServerTransport(request string) *serverTransport {
	return &serverTransport{
		request:   request,
		processed: make(chan struct{}),
		closeCh:   make(chan struct{}),
	}
}

func (tr *serverTransport) Send(_ context.Context, batch string) error {
	tr.lk.Lock()
	defer tr.lk.Unlock()
	tr.frames = append(tr.frames, wire.SplitBatch(batch)...)
	return nil
}

// Receive returns the request once. The second call means every frame of
// the request was processed.
func (tr *serverTransport) Receive(ctx context.Context) (string, error) {
	tr.lk.Lock()
	tr.received++
	first := tr.received == 1
	if tr.received == 2 {
		close(tr.processed)
	}
	tr.lk.Unlock()

	if first {
		return tr.request, nil
	}
	select {
	case <-tr.closeCh:
		return "", io.EOF
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (tr *serverTransport) Close() error {
	tr.closeOnce.Do(func() { close(tr.closeCh) })
	return nil
}

func (tr *serverTransport) response() string {
	tr.lk.Lock()
	defer tr.lk.Unlock()
	return wire.JoinBatch(tr.frames)
}

// ClientTransport sends a single batch in a POST request and receives the
// response as the only inbound batch.
type ClientTransport struct {
	url    string
	client *http.Client

	lk     sync.Mutex
	sent   bool
	respCh chan response
	done   bool
}

type response struct {
	body string
	err  error
}

func NewClientTransport(url string, client *http.Client) *ClientTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &ClientTransport{
		url:    url,
		client: client,
		respCh: make(chan response, 1),
	}
}

// Dial starts a session whose pipeline is sent in one request, at the
// first flush. Pushes are never sent on their own: await a result or call
// `Session.Flush`.
func Dial(url string, client *http.Client, opts ...capweb.Option) (*capweb.Session, error) {
	opts = append(append([]capweb.Option{}, opts...), capweb.WithoutAutoFlush())
	return capweb.NewSession(NewClientTransport(url, client), nil, opts...)
}

// Send posts the batch. Releases produced once the response arrived are
// dropped, the server session is already gone.
func (tr *ClientTransport) Send(ctx context.Context, batch string) error {
	tr.lk.Lock()
	if tr.sent {
		tr.lk.Unlock()
		if onlyReleases(batch) {
			return nil
		}
		return ErrBatchSent
	}
	tr.sent = true
	tr.lk.Unlock()

	body, err := tr.post(ctx, batch)
	tr.respCh <- response{body: body, err: err}
	return err
}

func (tr *ClientTransport) post(ctx context.Context, batch string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tr.url, strings.NewReader(batch))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := tr.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %d %s", ErrUnexpectedCode, resp.StatusCode, strings.TrimSpace(buf.String()))
	}
	return buf.String(), nil
}

func (tr *ClientTransport) Receive(ctx context.Context) (string, error) {
	tr.lk.Lock()
	done := tr.done
	tr.lk.Unlock()
	if done {
		return "", io.EOF
	}

	select {
	case resp := <-tr.respCh:
		tr.lk.Lock()
		tr.done = true
		tr.lk.Unlock()
		if resp.err != nil {
			return "", resp.err
		}
		return resp.body, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func onlyReleases(batch string) bool {
	for _, frame := range wire.SplitBatch(batch) {
		msg, err := wire.Unmarshal(frame)
		if err != nil || msg.Type != wire.MessageRelease {
			return false
		}
	}
	return true
}
