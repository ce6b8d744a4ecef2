package transport

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricTransportInBytes     = []string{"capweb", "transport", "in", "bytes"}
	MetricTransportOutBytes    = []string{"capweb", "transport", "out", "bytes"}
	MetricTransportErrorCount  = []string{"capweb", "transport", "error", "count"}
	MetricTransportAcceptCount = []string{"capweb", "transport", "accept", "count"}
	MetricTransportDialCount   = []string{"capweb", "transport", "dial", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelTransport TelemetryLabel = "transport"
	LabelPeerAddr  TelemetryLabel = "peer_addr"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}
