package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Congress metrics
	CongressIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_congress_is_leader",
			Help: "Whether this replica is the congress leader (1 = leader, 0 = not)",
		},
	)

	CongressTerm = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_congress_term",
			Help: "Current congress term on this replica",
		},
	)

	CongressPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_congress_peers_total",
			Help: "Number of peers currently connected to the congress mesh",
		},
	)

	// Certificate metrics
	CertificatesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_certificates_total",
			Help: "Number of certificates in the in-memory store",
		},
	)

	ChallengesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawbridge_acme_challenges_active",
			Help: "Number of active HTTP-01 challenges",
		},
	)

	ACMEOrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_acme_orders_total",
			Help: "Total ACME orders by outcome",
		},
		[]string{"outcome"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drawbridge_reconciliation_duration_seconds",
			Help:    "Time taken for a certificate reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Data plane metrics
	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_proxy_requests_total",
			Help: "Total data-plane requests by outcome",
		},
		[]string{"outcome"},
	)

	ProxyRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "drawbridge_proxy_request_duration_seconds",
			Help:    "Data-plane request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TLSHandshakesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawbridge_tls_handshakes_total",
			Help: "TLS handshakes by outcome (completed, unknown_sni, failed)",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(CongressIsLeader)
	prometheus.MustRegister(CongressTerm)
	prometheus.MustRegister(CongressPeers)
	prometheus.MustRegister(CertificatesTotal)
	prometheus.MustRegister(ChallengesActive)
	prometheus.MustRegister(ACMEOrdersTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(ProxyRequestDuration)
	prometheus.MustRegister(TLSHandshakesTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
