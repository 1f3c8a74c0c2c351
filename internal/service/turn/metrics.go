package turn

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts turn outcomes. A nil *Metrics records nothing.
type Metrics struct {
	turns           *prometheus.CounterVec
	chunks          prometheus.Counter
	providerErrors  *prometheus.CounterVec
	persistFailures prometheus.Counter
}

// NewMetrics creates the turn collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_turns_total",
			Help: "Turns by terminal outcome.",
		}, []string{"outcome"}),
		chunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_turn_chunks_total",
			Help: "Text chunks relayed to clients.",
		}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relaychat_provider_errors_total",
			Help: "Provider failures surfaced as error frames.",
		}, []string{"provider"}),
		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relaychat_persist_failures_total",
			Help: "Completed turns whose messages could not be stored.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.turns, m.chunks, m.providerErrors, m.persistFailures)
	}
	return m
}

func (m *Metrics) outcome(s State) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) chunk() {
	if m == nil {
		return
	}
	m.chunks.Inc()
}

func (m *Metrics) providerError(name string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(name).Inc()
}

func (m *Metrics) persistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}
