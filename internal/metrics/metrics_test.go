package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := NewRecorder(reg)

	rec.MessageReceived()
	rec.MessageReceived()
	rec.MessageSent(3)
	rec.DuplicateDetected()
	rec.ErrorRaised("EBMS:0004")
	rec.ErrorRaised("EBMS:0004")
	rec.ErrorRaised("EBMS:0101")

	assert.Equal(t, 2.0, testutil.ToFloat64(rec.received))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.sent))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.duplicates))
	assert.Equal(t, 2.0, testutil.ToFloat64(rec.errors.WithLabelValues("EBMS:0004")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.errors.WithLabelValues("EBMS:0101")))
}

func TestRecorderRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewRecorder(reg)

	families, err := reg.Gather()
	assert.NoError(t, err)
	// Histograms and counter vecs only appear after first observation,
	// plain counters are present immediately.
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "as4_messages_received_total")
	assert.Contains(t, names, "as4_messages_sent_total")
	assert.Contains(t, names, "as4_duplicates_detected_total")
}
