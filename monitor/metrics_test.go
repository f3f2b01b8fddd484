package monitor

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func TestCollectorCounts(t *testing.T) {
	reg := newTestRegistry()
	c, err := NewCollector("crossgate", reg)
	require.NoError(t, err)

	c.AttemptSubmitted()
	c.MessageDelivered(250 * time.Millisecond)
	c.MessageFailed("transport")
	c.MessageFailed("transport")
	c.MessageAccepted()
	c.MessageRejected("trust")
	c.HandlerFault()

	assert.Equal(t, float64(1), testutil.ToFloat64(c.attemptsSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.messagesDelivered))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.messagesFailed.WithLabelValues("transport")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.messagesAccepted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.messagesRejected.WithLabelValues("trust")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.handlerFaults))
}
