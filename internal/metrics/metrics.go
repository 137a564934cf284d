// Package metrics exposes Prometheus collectors for newsletter sending.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	emailsTotal      *prometheus.CounterVec
	chunkDuration    *prometheus.HistogramVec
	verifyRetries    prometheus.Counter
	transportResends prometheus.Counter
	stageAdvances    prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		emailsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "newsletter_emails_total",
				Help: "Recipients processed by the chunk sender by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		),
		chunkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "newsletter_chunk_duration_seconds",
				Help:    "Time spent sending one chunk.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"mode"},
		),
		verifyRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_transport_verify_retries_total",
			Help: "SMTP verification attempts retried after a connection error.",
		}),
		transportResends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_transport_recreated_total",
			Help: "Sends retried on a recreated transport.",
		}),
		stageAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsletter_retry_stage_advances_total",
			Help: "Retry stages advanced after an attempt failed completely.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.emailsTotal, m.chunkDuration, m.verifyRetries, m.transportResends, m.stageAdvances)
	}
	return m
}

func (m *Metrics) ObserveChunk(mode string, sent, failed int, took time.Duration) {
	if m == nil {
		return
	}
	m.emailsTotal.WithLabelValues(mode, "sent").Add(float64(sent))
	m.emailsTotal.WithLabelValues(mode, "failed").Add(float64(failed))
	m.chunkDuration.WithLabelValues(mode).Observe(took.Seconds())
}

func (m *Metrics) VerifyRetry() {
	if m == nil {
		return
	}
	m.verifyRetries.Inc()
}

func (m *Metrics) TransportRecreated() {
	if m == nil {
		return
	}
	m.transportResends.Inc()
}

func (m *Metrics) StageAdvanced() {
	if m == nil {
		return
	}
	m.stageAdvances.Inc()
}
