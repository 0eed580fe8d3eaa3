package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Request("call_tool", OutcomeOK)
	m.Call("svc", OutcomeOK, time.Second)
	m.OracleFallback("intent", "unavailable")
	m.PipelineRun("COMPLETED", 5)
	assert.Nil(t, m.Registry())
}

func TestCountersIncrement(t *testing.T) {
	m := New()
	m.Request("call_tool", OutcomeOK)
	m.Request("call_tool", OutcomeOK)
	m.Call("svc", OutcomePlaceholder, 0)
	m.Call("service_404_missing", OutcomeUnknown, 0)
	m.OracleFallback("pipeline", "malformed")
	m.PipelineRun("COMPLETED", 5)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchRequests.WithLabelValues("call_tool", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.capabilityCalls.WithLabelValues("svc", OutcomePlaceholder)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.capabilityCalls.WithLabelValues(UnknownCapability, OutcomeUnknown)))
	assert.Equal(t, 2, testutil.CollectAndCount(m.capabilityCalls), "unknown names must not add series")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.oracleFallbacks.WithLabelValues("pipeline", "malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.pipelineRuns.WithLabelValues("COMPLETED")))
}

func TestUnknownCapabilitiesShareOneSeries(t *testing.T) {
	m := New()
	for _, name := range []string{"service_404_a", "service_404_b", "drop table"} {
		m.Call(name, OutcomeUnknown, 0)
	}

	assert.Equal(t, 3.0, testutil.ToFloat64(m.capabilityCalls.WithLabelValues(UnknownCapability, OutcomeUnknown)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.capabilityCalls))
	assert.Equal(t, 0, testutil.CollectAndCount(m.capabilityDuration))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Request("list_tools", OutcomeOK)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `envom_dispatch_requests_total{method="list_tools",outcome="ok"} 1`)
}
