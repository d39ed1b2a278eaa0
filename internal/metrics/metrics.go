// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/codevault/backend/internal/apperror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Mutations counts public mutations by operation code and outcome kind.
	Mutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codevault",
		Name:      "mutations_total",
		Help:      "Mutations processed, labelled by operation and outcome",
	}, []string{"operation", "outcome"})

	// LiveQueries tracks the number of running live queries by name.
	LiveQueries = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "codevault",
		Name:      "live_queries",
		Help:      "Live queries currently subscribed to the change feed",
	}, []string{"query"})

	// LiveQueryErrors counts failed live query reloads.
	LiveQueryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "codevault",
		Name:      "live_query_errors_total",
		Help:      "Live query reloads that returned an error",
	}, []string{"query"})

	// LiveSessions tracks open websocket sessions.
	LiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "codevault",
		Name:      "live_sessions",
		Help:      "Open websocket sessions",
	})

	// TransactionDuration observes the latency of multi-document commits.
	TransactionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "codevault",
		Name:      "transaction_duration_seconds",
		Help:      "Duration of multi-document transactions",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"operation"})
)

// ObserveMutation records the outcome of a mutation. outcome is "ok" or an
// error kind.
func ObserveMutation(operation, outcome string) {
	if outcome == "" {
		outcome = "ok"
	}
	Mutations.WithLabelValues(operation, outcome).Inc()
}

// Result converts err into the public result value and records its outcome.
func Result(operation string, err error) apperror.Result {
	result := apperror.ToResult(err)
	ObserveMutation(operation, string(result.Kind))
	return result
}

// ObserveTransaction records the time elapsed since started. It is meant to be
// deferred at the top of a transactional operation.
func ObserveTransaction(operation string, started time.Time) {
	TransactionDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
