package nbd

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry collects the counters ListenAndServe and serve update as
// connections come and go and requests are dispatched. It is created and the
// counters are registered with it at package initialization; MetricsHandler
// only exposes it.
var (
	metricsConnections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "nbd",
		Name:      "connections_total",
		Help:      "Total number of client connections accepted.",
	})
	metricsRequests = requestCounter{prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nbd",
		Name:      "requests_total",
		Help:      "Total number of transmission-phase requests handled, by command.",
	}, []string{"command"})}
	metricsErrors = errnoCounter{prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nbd",
		Name:      "errors_total",
		Help:      "Total number of error replies sent, by errno.",
	}, []string{"errno"})}

	metricsRegistry = newMetricsRegistry()
)

func newMetricsRegistry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(metricsConnections, metricsRequests.CounterVec, metricsErrors.CounterVec)
	return r
}

// requestCounter narrows the *CounterVec down to the one label serve uses, so
// call sites read as metricsRequests.WithCmd("read").Add(1) instead of
// repeating the label name everywhere.
type requestCounter struct{ *prometheus.CounterVec }

func (c requestCounter) WithCmd(cmd string) prometheus.Counter {
	return c.WithLabelValues(cmd)
}

type errnoCounter struct{ *prometheus.CounterVec }

func (c errnoCounter) WithErrno(e Errno) prometheus.Counter {
	return c.WithLabelValues(itoa(uint64(e)))
}

// MetricsHandler returns an http.Handler serving Prometheus-format metrics
// for all exports served by this process. Callers typically mount it at
// /metrics on their own admin listener; ListenAndServe does not start an
// HTTP server itself.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{})
}
