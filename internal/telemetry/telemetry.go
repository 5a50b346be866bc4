// Package telemetry records local Prometheus metrics for the sync engine.
//
// Nothing here transmits data. Metrics are only readable through the
// loopback /metrics endpoint of the desktop host.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pass results used as the "result" label of formsync_sync_passes_total.
const (
	PassCompleted = "completed"
	PassPartial   = "partial"
	PassSkipped   = "skipped"
	PassFault     = "fault"
)

var (
	syncPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_sync_passes_total",
			Help: "Reconciliation passes by result",
		},
		[]string{"result"},
	)

	syncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "formsync_sync_pass_duration_seconds",
		Help:    "Duration of reconciliation passes that ran",
		Buckets: prometheus.DefBuckets,
	})

	recordSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_record_sends_total",
			Help: "Remote delivery attempts by result",
		},
		[]string{"result"},
	)

	probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_connectivity_probes_total",
			Help: "Active connectivity probes by result",
		},
		[]string{"result"},
	)

	reachableGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "formsync_remote_reachable",
		Help: "1 when the remote side is believed reachable",
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "formsync_pending_records",
		Help: "Records waiting for delivery, as of the last pass",
	})

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "formsync_http_requests_total",
			Help: "Local API requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "formsync_http_request_duration_seconds",
			Help:    "Local API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordSyncPass counts a pass. Skipped passes are not timed.
func RecordSyncPass(result string, d time.Duration) {
	syncPassesTotal.WithLabelValues(result).Inc()
	if result != PassSkipped {
		syncPassDuration.Observe(d.Seconds())
	}
}

// RecordSend counts one remote delivery attempt.
func RecordSend(ok bool) {
	recordSendsTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// RecordProbe counts one active connectivity probe.
func RecordProbe(ok bool) {
	probesTotal.WithLabelValues(resultLabel(ok)).Inc()
}

// SetReachable publishes the connectivity state.
func SetReachable(reachable bool) {
	if reachable {
		reachableGauge.Set(1)
		return
	}
	reachableGauge.Set(0)
}

// SetPending publishes the pending record count.
func SetPending(n int) {
	pendingGauge.Set(float64(n))
}

// RecordHTTPRequest counts one local API request.
func RecordHTTPRequest(method, path, status string, d time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
