package capweb

import (
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

type config struct {
	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
	onSendError  func(error) error
	sendTimeout  time.Duration
	batchWindow  time.Duration
	autoFlush    bool
}

const defaultBatchWindow = 2 * time.Millisecond

// Option to pass to `NewSession`
type Option func(*config) error

func defaultConfig() *config {
	return &config{
		sendTimeout: 30 * time.Second,
		batchWindow: defaultBatchWindow,
		autoFlush:   true,
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the Session.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your `Session`.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithOnSendError installs a hook invoked whenever an error is about to be
// sent to the peer. It may return a replacement error, typically to redact
// internal details. Stack traces are only sent when the replacement is a
// `*RemoteCallError` carrying one.
func WithOnSendError(hook func(error) error) Option {
	return func(c *config) error {
		c.onSendError = hook
		return nil
	}
}

// WithSendTimeout bounds how long a single transport `Send` may take.
func WithSendTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return ErrInvalidCfg
		}
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		c.sendTimeout = timeout
		return nil
	}
}

// WithBatchWindow sets how long a queued push waits for others before the
// session sends it on its own. Awaiting a result flushes immediately.
func WithBatchWindow(window time.Duration) Option {
	return func(c *config) error {
		if window < 0 {
			return ErrInvalidCfg
		}
		if window == 0 {
			window = defaultBatchWindow
		}
		c.batchWindow = window
		return nil
	}
}

// WithoutAutoFlush keeps pushes queued until a result is awaited or
// `Session.Flush` is called.
func WithoutAutoFlush() Option {
	return func(c *config) error {
		c.autoFlush = false
		return nil
	}
}
