package core

// metrics.go – ambient Prometheus metrics surface. Purely observational:
// nothing on the forwarding path depends on these being registered or
// scraped. Callers that don't want metrics never look at this file.

import "github.com/prometheus/client_golang/prometheus"

var (
	poolOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reticula",
		Subsystem: "bufferpool",
		Name:      "free_slots",
		Help:      "Free slots remaining per buffer pool tier.",
	}, []string{"tier"})

	poolFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reticula",
		Subsystem: "bufferpool",
		Name:      "fallbacks_total",
		Help:      "Buffer acquisitions that fell back to a heap allocation.",
	})

	tableOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reticula",
		Subsystem: "transport",
		Name:      "table_entries",
		Help:      "In-use slot count per transport table.",
	}, []string{"table"})

	linkRTT = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "reticula",
		Subsystem: "link",
		Name:      "rtt_seconds",
		Help:      "Smoothed round-trip time per active link.",
	}, []string{"link_id"})
)

// Collectors returns every metric this package defines, for callers that
// want to register them on their own *prometheus.Registry rather than the
// default one.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{poolOccupancy, poolFallbacks, tableOccupancy, linkRTT}
}

// MustRegister registers every metric on reg. Deferred to caller choice
// since the core has no ambient global registry of its own.
func MustRegister(reg *prometheus.Registry) {
	for _, c := range Collectors() {
		reg.MustRegister(c)
	}
}

// reportTableOccupancy pushes a TransportState's table sizes into
// tableOccupancy, called once per tablesCull pass rather than on every
// mutation since nothing scrapes it faster than that.
func (ts *TransportState) reportTableOccupancy() {
	for name, n := range ts.Occupancy() {
		tableOccupancy.WithLabelValues(name).Set(float64(n))
	}
}
