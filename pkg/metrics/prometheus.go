package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ScanCounters exports the scanner's attempt statistics to Prometheus.
type ScanCounters struct {
	Attempts  prometheus.Counter
	Successes *prometheus.CounterVec // by engine
	Failures  *prometheus.CounterVec // by reason
	Sessions  prometheus.Histogram
}

// NewScanCounters creates the scanner collectors and registers them with reg.
// A nil reg leaves them unregistered, which is what tests usually want.
func NewScanCounters(reg prometheus.Registerer) *ScanCounters {
	c := &ScanCounters{
		Attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shelfscan",
			Name:      "scan_attempts_total",
			Help:      "Scan sessions that reached a terminal outcome.",
		}),
		Successes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelfscan",
			Name:      "scan_successes_total",
			Help:      "Scan sessions resolved to a barcode.",
		}, []string{"engine"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shelfscan",
			Name:      "scan_failures_total",
			Help:      "Scan sessions that failed.",
		}, []string{"reason"}),
		Sessions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "shelfscan",
			Name:      "scan_session_seconds",
			Help:      "Time from scan start to teardown.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}),
	}
	if reg != nil {
		reg.MustRegister(c.Attempts, c.Successes, c.Failures, c.Sessions)
	}
	return c
}
