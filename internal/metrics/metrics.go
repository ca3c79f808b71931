// Package metrics exposes message-handler counters to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/phax/phase4-sub011/pkg/msh"
)

var _ msh.Recorder = (*Recorder)(nil)

// Recorder implements msh.Recorder on Prometheus collectors.
type Recorder struct {
	received   prometheus.Counter
	sent       prometheus.Counter
	attempts   prometheus.Histogram
	duplicates prometheus.Counter
	errors     *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg and returns the
// recorder. Pass prometheus.DefaultRegisterer for the global registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		received: factory.NewCounter(prometheus.CounterOpts{
			Name: "as4_messages_received_total",
			Help: "Inbound AS4 requests accepted for processing.",
		}),
		sent: factory.NewCounter(prometheus.CounterOpts{
			Name: "as4_messages_sent_total",
			Help: "Outbound user messages delivered with a receipt.",
		}),
		attempts: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "as4_send_attempts",
			Help:    "Transmission attempts needed per delivered message.",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		}),
		duplicates: factory.NewCounter(prometheus.CounterOpts{
			Name: "as4_duplicates_detected_total",
			Help: "Re-delivered message ids suppressed by duplicate elimination.",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "as4_errors_total",
			Help: "ebMS error signals raised, by error code.",
		}, []string{"code"}),
	}
}

func (r *Recorder) MessageReceived() {
	r.received.Inc()
}

func (r *Recorder) MessageSent(attempts int) {
	r.sent.Inc()
	r.attempts.Observe(float64(attempts))
}

func (r *Recorder) DuplicateDetected() {
	r.duplicates.Inc()
}

func (r *Recorder) ErrorRaised(code string) {
	r.errors.WithLabelValues(code).Inc()
}
