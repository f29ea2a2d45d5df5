package monitor

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recordsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordflow_records_processed_total",
		Help: "Number of records accounted for, committed and skipped alike.",
	})
	recordsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recordflow_records_skipped_total",
		Help: "Number of records skipped, by reason.",
	}, []string{"reason"})
	bytesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recordflow_bytes_processed_total",
		Help: "Payload bytes accounted for.",
	})
	recordSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recordflow_record_duration_seconds",
		Help:    "Time from loader start on a record to its outcome.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)

// skipReasonLabel buckets free-form skip messages into a bounded label set.
func skipReasonLabel(reason string) string {
	switch {
	case strings.HasPrefix(reason, "id "):
		return "id_mismatch"
	case strings.HasPrefix(reason, "existing uri"):
		return "existing_uri"
	default:
		return "other"
	}
}
