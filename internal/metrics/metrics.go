package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	ResultOK           = "ok"
	ResultFailed       = "failed"
	ResultTimeout      = "timeout"
	ResultServerError  = "server_error"
	ResultNotConnected = "not_connected"
)

// Recorder receives connection and session events.
type Recorder interface {
	ConnectionState(state string)
	ConnectionError()
	SessionsRegistered(n int)
	CatchUp(result string)
	HistoryLoad(result string, d time.Duration, messages int)
	InboundMessage(delivered bool)
}

// Nop discards everything.
type Nop struct{}

func (Nop) ConnectionState(string)                 {}
func (Nop) ConnectionError()                       {}
func (Nop) SessionsRegistered(int)                 {}
func (Nop) CatchUp(string)                         {}
func (Nop) HistoryLoad(string, time.Duration, int) {}
func (Nop) InboundMessage(bool)                    {}

var states = []string{"disconnected", "connecting", "connected"}

// Prometheus records events as Prometheus metrics.
type Prometheus struct {
	registry *prometheus.Registry

	state           *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	errors          prometheus.Counter
	sessions        prometheus.Gauge
	catchUps        *prometheus.CounterVec
	historyLoads    *prometheus.CounterVec
	historyLatency  prometheus.Histogram
	historyMessages prometheus.Counter
	inboundMessages *prometheus.CounterVec
}

// NewPrometheus creates the metrics and registers them on a fresh registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sessionmux",
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionmux",
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions by target state.",
		}, []string{"state"}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionmux",
			Name:      "connection_errors_total",
			Help:      "Transport errors reported by the connection.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sessionmux",
			Name:      "sessions_registered",
			Help:      "Sessions currently registered on the shared connection.",
		}),
		catchUps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionmux",
			Name:      "catch_up_total",
			Help:      "Catch-up requests by outcome.",
		}, []string{"result"}),
		historyLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionmux",
			Name:      "history_loads_total",
			Help:      "History loads by outcome.",
		}, []string{"result"}),
		historyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sessionmux",
			Name:      "history_load_seconds",
			Help:      "History load round-trip latency.",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		historyMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sessionmux",
			Name:      "history_messages_total",
			Help:      "Messages received through history replay.",
		}),
		inboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sessionmux",
			Name:      "inbound_messages_total",
			Help:      "Live session messages by delivery outcome.",
		}, []string{"delivered"}),
	}

	p.registry.MustRegister(
		p.state,
		p.transitions,
		p.errors,
		p.sessions,
		p.catchUps,
		p.historyLoads,
		p.historyLatency,
		p.historyMessages,
		p.inboundMessages,
	)
	p.ConnectionState("disconnected")
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *Prometheus) ConnectionState(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		p.state.WithLabelValues(s).Set(v)
	}
	p.transitions.WithLabelValues(state).Inc()
}

func (p *Prometheus) ConnectionError() {
	p.errors.Inc()
}

func (p *Prometheus) SessionsRegistered(n int) {
	p.sessions.Set(float64(n))
}

func (p *Prometheus) CatchUp(result string) {
	p.catchUps.WithLabelValues(result).Inc()
}

func (p *Prometheus) HistoryLoad(result string, d time.Duration, messages int) {
	p.historyLoads.WithLabelValues(result).Inc()
	p.historyLatency.Observe(d.Seconds())
	p.historyMessages.Add(float64(messages))
}

func (p *Prometheus) InboundMessage(delivered bool) {
	label := "false"
	if delivered {
		label = "true"
	}
	p.inboundMessages.WithLabelValues(label).Inc()
}
