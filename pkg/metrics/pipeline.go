package metrics

import "github.com/prometheus/client_golang/prometheus"

// Pipeline groups the metrics recorded by the retrieval and generation core.
type Pipeline struct {
	Queries         *prometheus.CounterVec   // status
	ProviderCalls   *prometheus.CounterVec   // provider, outcome
	ProviderLatency *prometheus.HistogramVec // provider
	IndexBuilds     *prometheus.CounterVec   // outcome: built|skipped|failed
	ChunksIndexed   *prometheus.CounterVec   // tenant
	EmbedCalls      *prometheus.CounterVec   // outcome
	SearchLatency   *prometheus.HistogramVec // backend
	IngestSkipped   *prometheus.CounterVec   // reason
}

// NewPipeline registers the pipeline metrics on r.
func NewPipeline(r *Registry) *Pipeline {
	return &Pipeline{
		Queries:         r.Counter("queries_total", "Queries processed by reply status", "status"),
		ProviderCalls:   r.Counter("provider_calls_total", "LLM provider attempts", "provider", "outcome"),
		ProviderLatency: r.Histogram("provider_duration_seconds", "LLM provider call latency", nil, "provider"),
		IndexBuilds:     r.Counter("index_builds_total", "Tenant index build attempts", "outcome"),
		ChunksIndexed:   r.Counter("chunks_indexed_total", "Chunks written to tenant indexes", "tenant"),
		EmbedCalls:      r.Counter("embed_calls_total", "Embedding service batch calls", "outcome"),
		SearchLatency:   r.Histogram("index_search_duration_seconds", "Tenant index search latency", nil, "backend"),
		IngestSkipped:   r.Counter("ingest_documents_skipped_total", "Source documents skipped during chunking", "reason"),
	}
}

// Discard returns pipeline metrics bound to a private registry, for
// components constructed without an explicit registry.
func Discard() *Pipeline {
	return NewPipeline(New("shopbot"))
}
