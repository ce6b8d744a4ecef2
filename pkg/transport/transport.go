// Package transport provides `capweb.Transport` implementations.
//
// All of them deliver whole batches in order. `Receive` is served by a
// pump goroutine so it can honour its context while the underlying read
// blocks.
package transport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

var (
	// ErrClosed wraps io.EOF so sessions treat it as an orderly end.
	ErrClosed            = fmt.Errorf("transport: closed: %w", io.EOF)
	ErrFrameTooLarge     = errors.New("transport: frame exceeds the size limit")
	ErrNoTLSConfig       = errors.New("transport: TLSConfig is required")
	ErrProtocolViolation = errors.New("transport: protocol violation")
)

var (
	QErrShutdown = QuicApplicationError{
		Code:   0x1,
		Prefix: "shutdown",
	}
	QErrAborted = QuicApplicationError{
		Code:   0x2,
		Prefix: "aborted",
	}
	QErrProtocolViolation = QuicApplicationError{
		Code:   0x3,
		Prefix: "protocol violation",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}

const (
	defaultMaxFrameSize = 16 << 20
	defaultBufferSize   = 64
)

// Config is shared by every transport of this package.
type Config struct {
	// MaxFrameSize bounds the size of a received batch, in bytes.
	MaxFrameSize int

	// BufferSize is the number of received batches buffered before the
	// transport stops reading from the network.
	BufferSize uint

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// MetricLabels to add to every metrics emitted by the transport.
	MetricLabels []metrics.Label
}

type telemetry struct {
	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func (cfg *Config) telemetry(kind string) telemetry {
	var tel telemetry
	if cfg.LogHandler == nil {
		tel.logger = slog.Default()
	} else {
		tel.logger = slog.New(cfg.LogHandler)
	}
	tel.logger = tel.logger.With(LabelTransport.L(kind))

	if cfg.MetricSink == nil {
		tel.msink = metrics.Default()
	} else {
		tel.msink = cfg.MetricSink
	}
	tel.labels = append(append([]metrics.Label{}, cfg.MetricLabels...), LabelTransport.M(kind))
	return tel
}

func (tel telemetry) with(extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(tel.labels)+len(extra))
	out = append(out, tel.labels...)
	return append(out, extra...)
}

func (cfg *Config) maxFrameSize() int {
	if cfg.MaxFrameSize <= 0 {
		return defaultMaxFrameSize
	}
	return cfg.MaxFrameSize
}

func (cfg *Config) bufferSize() uint {
	if cfg.BufferSize == 0 {
		return defaultBufferSize
	}
	return cfg.BufferSize
}
