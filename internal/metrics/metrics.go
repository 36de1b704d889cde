// Package metrics holds the Prometheus collectors exposed on the admin
// listener's /metrics endpoint. The collector set mirrors the teacher's
// promauto globals (proxyRulesTotal, proxyCSVReloadTotal, ...), renamed and
// regrouped for the route-table/ACME/HTTP-engine domain.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector the core registers. A single instance is
// constructed at startup and threaded into the components that emit samples.
type Metrics struct {
	RoutesActive      *prometheus.GaugeVec
	ConfigReloadTotal prometheus.Counter
	ConfigReloadError prometheus.Counter
	WatcherRestarts   prometheus.Counter

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	BackendFailures *prometheus.CounterVec

	CertificatesReady    *prometheus.GaugeVec
	CertificateIssueTotal *prometheus.CounterVec
	CertificateRenewTotal *prometheus.CounterVec

	ListenersActive prometheus.Gauge
}

// New registers every collector against the given registerer (typically
// prometheus.DefaultRegisterer) and returns the bundle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RoutesActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minipx_routes_active",
			Help: "Whether a route key is present in the live route table (1) or not (0).",
		}, []string{"host"}),
		ConfigReloadTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "minipx_config_reload_total",
			Help: "Total number of configuration reload attempts.",
		}),
		ConfigReloadError: factory.NewCounter(prometheus.CounterOpts{
			Name: "minipx_config_reload_errors_total",
			Help: "Total number of configuration reload failures.",
		}),
		WatcherRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "minipx_watcher_restarts_total",
			Help: "Total number of file watcher restarts.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minipx_requests_total",
			Help: "Total number of proxied requests by host and status code.",
		}, []string{"host", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "minipx_request_duration_seconds",
			Help:    "Proxy request duration in seconds by host.",
			Buckets: prometheus.DefBuckets,
		}, []string{"host"}),
		BackendFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minipx_backend_failures_total",
			Help: "Total number of backend dial/forward failures by host.",
		}, []string{"host"}),
		CertificatesReady: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "minipx_certificate_ready",
			Help: "Whether a host currently has a Ready ACME certificate (1) or not (0).",
		}, []string{"host"}),
		CertificateIssueTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minipx_certificate_issue_total",
			Help: "Total number of certificate issuance attempts by host and outcome.",
		}, []string{"host", "outcome"}),
		CertificateRenewTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "minipx_certificate_renew_total",
			Help: "Total number of certificate renewal attempts by host and outcome.",
		}, []string{"host", "outcome"}),
		ListenersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "minipx_listeners_active",
			Help: "Number of currently bound listener sockets.",
		}),
	}
}
