package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a measurement run.
type Metrics struct {
	FetchesTotal *prometheus.CounterVec
	RetriesTotal *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec
	BytesTotal   prometheus.Counter
	InFlight     prometheus.Gauge
	PendingItems prometheus.Gauge
}

// NewMetrics registers the run's metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FetchesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "urlmeter_fetches_total",
			Help: "The total number of fetch attempts, by status class.",
		}, []string{"class"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "urlmeter_retries_total",
			Help: "The total number of retries scheduled, by status code.",
		}, []string{"status"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "urlmeter_errors_total",
			Help: "The total number of errors encountered.",
		}, []string{"type"}), // e.g. 'transport', 'ledger_append', 'worker_panic'
		BytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "urlmeter_bytes_downloaded_total",
			Help: "The total number of bytes measured across all fetches.",
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "urlmeter_fetches_in_flight",
			Help: "The number of fetches currently holding a slot.",
		}),
		PendingItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "urlmeter_pending_items",
			Help: "Submitted work items not yet final, including waiting retries.",
		}),
	}
}

// ObserveFetch records one completed attempt.
func (m *Metrics) ObserveFetch(statusCode int, bytes int64, transportErr bool) {
	if transportErr {
		m.FetchesTotal.WithLabelValues("error").Inc()
		m.ErrorsTotal.WithLabelValues("transport").Inc()
		return
	}
	m.FetchesTotal.WithLabelValues(statusClass(statusCode)).Inc()
	m.BytesTotal.Add(float64(bytes))
}

// ObserveRetry records one scheduled retry.
func (m *Metrics) ObserveRetry(statusCode int) {
	m.RetriesTotal.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	}
	return "unknown"
}
