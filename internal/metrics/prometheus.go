package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CompletionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatwiki_completion_duration_seconds",
			Help:    "Completion request duration from resolve to terminal state",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"entry", "outcome"},
	)

	CompletionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_completion_total",
			Help: "Completion requests by entry point and terminal state",
		},
		[]string{"entry", "outcome"},
	)

	ChunksStreamed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_chunks_streamed_total",
			Help: "Chunks forwarded to callers",
		},
		[]string{"kind"},
	)

	RetrievalOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_retrieval_outcomes_total",
			Help: "Retrieval gate outcomes",
		},
		[]string{"outcome"},
	)

	RetrievalMatches = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatwiki_retrieval_matches",
			Help:    "Matches returned per knowledge base search",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
	)

	QuotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_quota_decisions_total",
			Help: "Quota reservations by decision",
		},
		[]string{"decision"},
	)

	QuotaTokensDebited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwiki_quota_tokens_debited_total",
			Help: "Tokens debited from share balances",
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_llm_tokens_used",
			Help: "Tokens sent to or produced by the generation service",
		},
		[]string{"model", "type"},
	)

	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_llm_requests_total",
			Help: "Generation and embedding calls",
		},
		[]string{"kind", "status"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatwiki_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	DocumentsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatwiki_documents_processed_total",
			Help: "Documents ingested into a knowledge base",
		},
		[]string{"status"},
	)

	ChunksIndexed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chatwiki_chunks_indexed_total",
			Help: "Chunks embedded and written to the vector store",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			CompletionDuration,
			CompletionTotal,
			ChunksStreamed,
			RetrievalOutcomes,
			RetrievalMatches,
			QuotaDecisions,
			QuotaTokensDebited,
			LLMTokensUsed,
			LLMRequests,
			BreakerState,
			CacheHits,
			CacheMisses,
			DocumentsProcessed,
			ChunksIndexed,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
