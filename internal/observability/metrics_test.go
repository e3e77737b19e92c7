package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors_RegisteredWithDefaultRegistry(t *testing.T) {
	for _, c := range []prometheus.Collector{ConnectionsActive, ConnectionsRejected, Requests, Deliveries, AuthAttempts} {
		err := prometheus.Register(c)
		var are prometheus.AlreadyRegisteredError
		require.ErrorAs(t, err, &are)
	}
}

func TestCollectors_Count(t *testing.T) {
	g := ConnectionsActive.WithLabelValues(TransportWS)
	before := testutil.ToFloat64(g)
	g.Inc()
	g.Inc()
	g.Dec()
	assert.Equal(t, before+1, testutil.ToFloat64(g))

	r := Requests.WithLabelValues("chat", "ok")
	before = testutil.ToFloat64(r)
	r.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(r))

	before = testutil.ToFloat64(Deliveries)
	Deliveries.Add(3)
	assert.Equal(t, before+3, testutil.ToFloat64(Deliveries))
}
