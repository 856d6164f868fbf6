package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Configuration metrics
	ListenersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_proxy_listeners_total",
			Help: "Number of listeners in the last applied configuration by protocol",
		},
		[]string{"protocol"},
	)

	PortGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_proxy_port_groups_total",
			Help: "Number of port groups bound by the last applied configuration",
		},
	)

	TargetGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_proxy_target_groups_total",
			Help: "Number of target groups in the last applied configuration",
		},
	)

	TargetsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nexus_proxy_targets_total",
			Help: "Number of backend targets in the last applied configuration",
		},
	)

	CertBotsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nexus_proxy_certbots_active",
			Help: "Active certbot registrations by readiness",
		},
		[]string{"ready"},
	)

	// Reconciler metrics
	ReconcileTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_proxy_reconcile_ticks_total",
			Help: "Reconciliation ticks by outcome",
		},
		[]string{"outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nexus_proxy_reconciliation_duration_seconds",
			Help:    "Duration of reconciliation ticks that applied a change",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_proxy_reloads_total",
			Help: "Proxy reload attempts by result",
		},
		[]string{"result"},
	)

	CertificatesStaged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_proxy_certificates_staged_total",
			Help: "Certificates written to the certificate directory",
		},
	)

	CertBotsMarkedReady = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nexus_proxy_certbots_marked_ready_total",
			Help: "Certbot registrations marked ready after a successful reload",
		},
	)

	// Store metrics
	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nexus_proxy_store_operation_duration_seconds",
			Help:    "Duration of store phases in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Issuance metrics
	CertificateRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nexus_proxy_certificate_renewals_total",
			Help: "Certificate renewal attempts by result",
		},
		[]string{"result"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ListenersTotal)
	prometheus.MustRegister(PortGroupsTotal)
	prometheus.MustRegister(TargetGroupsTotal)
	prometheus.MustRegister(TargetsTotal)
	prometheus.MustRegister(CertBotsActive)
	prometheus.MustRegister(ReconcileTicksTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReloadsTotal)
	prometheus.MustRegister(CertificatesStaged)
	prometheus.MustRegister(CertBotsMarkedReady)
	prometheus.MustRegister(StoreOperationDuration)
	prometheus.MustRegister(CertificateRenewalsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServeMux returns a mux exposing /metrics and the health endpoints
func NewServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.Handle("/health", HealthHandler())
	mux.Handle("/ready", ReadyHandler())
	mux.Handle("/live", LivenessHandler())
	return mux
}
