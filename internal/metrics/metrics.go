// Package metrics exposes Prometheus counters for the poll loop.
package metrics

import (
	"errors"
	"net/http"

	"github.com/jaam8/piazza_poll_bot/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pollbot"

type Metrics struct {
	Cycles        prometheus.Counter
	FetchFailures prometheus.Counter
	PollsDetected prometheus.Counter
	ParseErrors   prometheus.Counter
	Votes         *prometheus.CounterVec
	Skipped       *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	Answered      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. reg is also used to serve /metrics
// when it implements prometheus.Gatherer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Number of completed poll loop cycles.",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Number of cycles that could not fetch the post list.",
		}),
		PollsDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_detected_total",
			Help:      "Number of poll posts seen across all cycles.",
		}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "parse_errors_total",
			Help:      "Number of poll posts whose structure could not be parsed.",
		}),
		Votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_total",
			Help:      "Final vote attempt outcomes.",
		}, []string{"outcome"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_skipped_total",
			Help:      "Polls skipped before submission, by reason.",
		}, []string{"reason"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retries of network-bound operations.",
		}, []string{"operation", "outcome"}),
		Answered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "answered_polls",
			Help:      "Size of the in-memory answered set.",
		}),
	}

	var errs []error
	for _, c := range []prometheus.Collector{
		m.Cycles, m.FetchFailures, m.PollsDetected, m.ParseErrors,
		m.Votes, m.Skipped, m.Retries, m.Answered,
	} {
		errs = append(errs, reg.Register(c))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m, nil
}

func (m *Metrics) ObserveRetry(operation string, kind models.OutcomeKind) {
	m.Retries.WithLabelValues(operation, kind.String()).Inc()
}

func (m *Metrics) ObserveVote(kind models.OutcomeKind) {
	m.Votes.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) ObserveSkip(reason string) {
	m.Skipped.WithLabelValues(reason).Inc()
}

// Handler serves the registry m was created with.
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
