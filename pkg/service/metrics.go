package service

import "github.com/prometheus/client_golang/prometheus"

var (
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_turns_total",
			Help: "Customer turns by outcome (replied, suppressed, skipped, failed, cancelled).",
		},
		[]string{"outcome"},
	)
	activeTurns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "concierge_active_turns",
			Help: "Generation tasks currently running.",
		},
	)
	completionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "concierge_completion_duration_seconds",
			Help:    "Latency of model completion calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		},
		[]string{"mode"},
	)
	completionFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_completion_failures_total",
			Help: "Failed completion calls by error kind.",
		},
		[]string{"kind"},
	)
	actionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_actions_total",
			Help: "Action intents by action name and outcome.",
		},
		[]string{"action", "outcome"},
	)
	retrievalDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "concierge_retrieval_duration_seconds",
			Help:    "Latency of context retrieval.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retrievalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "concierge_retrieval_unavailable_total",
			Help: "Retrievals where both the vector index and the chunk table failed.",
		},
	)
	knowledgeChunksIndexed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_knowledge_chunks_indexed_total",
			Help: "Knowledge chunks written by the indexer.",
		},
		[]string{"source_type"},
	)
	compactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "concierge_compactions_total",
			Help: "Compaction passes by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		turnsTotal,
		activeTurns,
		completionDuration,
		completionFailures,
		actionsExecuted,
		retrievalDuration,
		retrievalFailures,
		knowledgeChunksIndexed,
		compactionsTotal,
	)
}
