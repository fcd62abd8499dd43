// Package metrics exposes the fleet's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nanofleet",
		Name:      "http_requests_total",
		Help:      "Operator API requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "nanofleet",
		Name:      "http_request_duration_seconds",
		Help:      "Operator API request latency.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"handler", "method"})

	rpcFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nanofleet",
		Name:      "rpc_endpoint_failures_total",
		Help:      "Per-endpoint RPC failures that were recovered by failover.",
	}, []string{"endpoint", "action"})

	nodeUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nanofleet",
		Name:      "rpc_node_up",
		Help:      "1 when the last health probe of the node succeeded.",
	}, []string{"endpoint"})

	nodeLatency = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nanofleet",
		Name:      "rpc_node_latency_ms",
		Help:      "Latency of the last successful health probe.",
	}, []string{"endpoint"})

	workerStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nanofleet",
		Name:      "workers",
		Help:      "Number of workers by lifecycle status.",
	}, []string{"status"})

	sweeps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nanofleet",
		Name:      "sweeps_total",
		Help:      "Consolidation attempts by outcome.",
	}, []string{"result"})

	rescues = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nanofleet",
		Name:      "rescue_entries_total",
		Help:      "Wallets recorded in the rescue ledger.",
	})
)

func init() {
	registry.MustRegister(httpRequests, httpLatency, rpcFailures, nodeUp, nodeLatency, workerStatus, sweeps, rescues)
}

// Handler serves the metrics registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Registry returns the collector registry, mainly for tests.
func Registry() *prometheus.Registry { return registry }

// ObserveHTTPRequest records metrics about an operator API request.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveEndpointFailure counts a failed request to one RPC endpoint.
func ObserveEndpointFailure(endpoint, action string) {
	rpcFailures.WithLabelValues(endpoint, action).Inc()
}

// SetNodeHealth records the outcome of a node health probe.
func SetNodeHealth(endpoint string, healthy bool, latency time.Duration) {
	if healthy {
		nodeUp.WithLabelValues(endpoint).Set(1)
		nodeLatency.WithLabelValues(endpoint).Set(float64(latency.Milliseconds()))
		return
	}
	nodeUp.WithLabelValues(endpoint).Set(0)
}

// SetWorkerCounts replaces the per-status worker gauge.
func SetWorkerCounts(counts map[string]int) {
	workerStatus.Reset()
	for status, n := range counts {
		workerStatus.WithLabelValues(status).Set(float64(n))
	}
}

// ObserveSweep counts a consolidation outcome ("success", "empty", "failed").
func ObserveSweep(result string) {
	sweeps.WithLabelValues(result).Inc()
}

// ObserveRescue counts a new rescue ledger entry.
func ObserveRescue() {
	rescues.Inc()
}
