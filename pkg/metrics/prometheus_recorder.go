package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ttx"

var connectionStates = []string{"disconnected", "connected", "degraded"}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	retries          *prom.CounterVec
	retriesExhausted *prom.CounterVec
	reconnects       *prom.CounterVec
	connectionState  *prom.GaugeVec
	temperature      prom.Gauge
	transitions      *prom.HistogramVec
	cycles           prom.Counter
	runOutcomes      *prom.CounterVec
}

// NewPrometheusRecorder constructs and registers the metrics on reg. A nil reg
// gets a fresh registry.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		retries: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "bus_retries_total",
			Help:      "Instrument bus call retries by operation and fault kind",
		}, []string{"op", "kind"}),
		retriesExhausted: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "bus_retry_exhausted_total",
			Help:      "Instrument bus calls that failed after every retry",
		}, []string{"op"}),
		reconnects: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "Reconnection attempts by result",
		}, []string{"result"}),
		connectionState: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "bus_connection_state",
			Help:      "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		temperature: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "chamber_temperature",
			Help:      "Last chamber temperature reading",
		}),
		transitions: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "transition_duration_seconds",
			Help:      "Duration of heating and cooling transitions",
			Buckets:   prom.ExponentialBuckets(30, 2, 10),
		}, []string{"direction"}),
		cycles: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_completed_total",
			Help:      "Completed low/high temperature cycles",
		}),
		runOutcomes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "run_outcomes_total",
			Help:      "Cycling runs by final outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(pr.retries, pr.retriesExhausted, pr.reconnects, pr.connectionState,
		pr.temperature, pr.transitions, pr.cycles, pr.runOutcomes)
	return pr
}

func (p *PrometheusRecorder) IncRetry(op, kind string) {
	if p == nil {
		return
	}
	p.retries.WithLabelValues(op, kind).Inc()
}

func (p *PrometheusRecorder) IncRetryExhausted(op string) {
	if p == nil {
		return
	}
	p.retriesExhausted.WithLabelValues(op).Inc()
}

func (p *PrometheusRecorder) IncReconnect(success bool) {
	if p == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.reconnects.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) SetConnectionState(state string) {
	if p == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		p.connectionState.WithLabelValues(s).Set(v)
	}
}

func (p *PrometheusRecorder) SetTemperature(v float64) {
	if p == nil {
		return
	}
	p.temperature.Set(v)
}

func (p *PrometheusRecorder) ObserveTransition(direction string, d time.Duration) {
	if p == nil {
		return
	}
	p.transitions.WithLabelValues(direction).Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncCyclesCompleted() {
	if p == nil {
		return
	}
	p.cycles.Inc()
}

func (p *PrometheusRecorder) IncRunOutcome(outcome string) {
	if p == nil {
		return
	}
	p.runOutcomes.WithLabelValues(outcome).Inc()
}

// HTTPHandler returns an http.Handler that serves the metrics in reg.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
