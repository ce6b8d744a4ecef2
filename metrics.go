package capweb

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	// MetricCapwebFramesInCount counts frames received, labelled by type.
	MetricCapwebFramesInCount       = []string{"capweb", "frames", "in", "count"}
	MetricCapwebFramesOutCount      = []string{"capweb", "frames", "out", "count"}
	MetricCapwebBatchOutCount       = []string{"capweb", "batch", "out", "count"}
	MetricCapwebBatchOutBytes       = []string{"capweb", "batch", "out", "bytes"}
	MetricCapwebBatchInBytes        = []string{"capweb", "batch", "in", "bytes"}
	MetricCapwebSessionClosedCount  = []string{"capweb", "session", "closed", "count"}
	MetricCapwebProtocolErrorCount  = []string{"capweb", "protocol", "error", "count"}
	MetricCapwebReleaseClampedCount = []string{"capweb", "release", "clamped", "count"}
	MetricCapwebImportsGauge        = []string{"capweb", "imports"}
	MetricCapwebExportsGauge        = []string{"capweb", "exports"}
	MetricCapwebTransportErrorCount = []string{"capweb", "transport", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelSessionID TelemetryLabel = "session_id"
	LabelFrameType TelemetryLabel = "frame_type"
	LabelClosedBy  TelemetryLabel = "closed_by"
	LabelExportID  TelemetryLabel = "export_id"
	LabelImportID  TelemetryLabel = "import_id"
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
