package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderGather(t *testing.T) {
	reg := prom.NewRegistry()
	r := NewPrometheusRecorder(reg)

	r.IncRetry("query", "timeout")
	r.IncRetry("query", "timeout")
	r.IncRetryExhausted("write")
	r.IncReconnect(true)
	r.SetConnectionState("degraded")
	r.SetTemperature(32.5)
	r.ObserveTransition("heating", 90*time.Second)
	r.IncCyclesCompleted()
	r.IncRunOutcome("stopped")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"ttx_bus_retries_total",
		"ttx_bus_retry_exhausted_total",
		"ttx_bus_reconnects_total",
		"ttx_bus_connection_state",
		"ttx_chamber_temperature",
		"ttx_transition_duration_seconds",
		"ttx_cycles_completed_total",
		"ttx_run_outcomes_total",
	} {
		assert.True(t, names[want], "missing %s", want)
	}

	rec := httptest.NewRecorder()
	HTTPHandler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `ttx_bus_retries_total{kind="timeout",op="query"} 2`)
	assert.Contains(t, body, `ttx_bus_connection_state{state="degraded"} 1`)
	assert.True(t, strings.Contains(body, `ttx_bus_connection_state{state="connected"} 0`))
}

func TestNilAndNoopRecorders(t *testing.T) {
	var p *PrometheusRecorder
	assert.NotPanics(t, func() {
		p.IncRetry("query", "io")
		p.IncReconnect(false)
		p.SetTemperature(1)
	})

	r := OrNoop(nil)
	assert.IsType(t, NoopRecorder{}, r)
	assert.NotPanics(t, func() { r.ObserveTransition("cooling", time.Second) })
}
