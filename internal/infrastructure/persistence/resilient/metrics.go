package resilient

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the store's prometheus collectors. One Metrics may be shared
// by many stores; series are labelled by tier, not by store.
type Metrics struct {
	Writes       *prometheus.CounterVec
	Reads        *prometheus.CounterVec
	Fallbacks    *prometheus.CounterVec
	Errors       *prometheus.CounterVec
	PayloadBytes prometheus.Histogram
	Degraded     prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Writes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roadmap_store_writes_total",
			Help: "Record writes by tier and outcome",
		}, []string{"tier", "outcome"}),
		Reads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roadmap_store_reads_total",
			Help: "Record reads by tier and outcome",
		}, []string{"tier", "outcome"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roadmap_store_fallbacks_total",
			Help: "Writes served by a tier other than the active one, and permanent demotions",
		}, []string{"from", "to", "reason"}),
		Errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "roadmap_store_errors_total",
			Help: "Store errors by kind",
		}, []string{"kind"}),
		PayloadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "roadmap_store_record_bytes",
			Help:    "Serialized record size",
			Buckets: prometheus.ExponentialBuckets(256, 4, 8),
		}),
		Degraded: f.NewGauge(prometheus.GaugeOpts{
			Name: "roadmap_store_degraded",
			Help: "Stores currently demoted away from their primary tier",
		}),
	}
}

// nopMetrics backs stores created without WithMetrics.
func nopMetrics() *Metrics { return NewMetrics(nil) }
