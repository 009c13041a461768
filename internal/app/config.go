package app

import (
	"strings"

	"github.com/quillgraph/quillgraph-backend/internal/platform/envutil"
	"github.com/quillgraph/quillgraph-backend/internal/platform/logger"
	"github.com/quillgraph/quillgraph-backend/internal/retrieval"
)

type Config struct {
	Port        string
	CORSOrigins []string

	// DemoTenantPrefix marks tenants that land in the shared read-only
	// demo graph.
	DemoTenantPrefix string

	// EmbedCacheMaxBytes bounds the in-process embedding cache.
	EmbedCacheMaxBytes int64

	// OpenAIPerMinute / OpenAIBurst shape the shared LLM rate limiter.
	OpenAIPerMinute int
	OpenAIBurst     int

	// BatchWorkers bounds concurrent documents inside one ingest batch.
	BatchWorkers int

	Retrieval retrieval.Limits
}

func LoadConfig(log *logger.Logger) Config {
	cfg := Config{
		Port:               envutil.Str("PORT", "8080"),
		DemoTenantPrefix:   envutil.Str("DEMO_TENANT_PREFIX", "demo"),
		EmbedCacheMaxBytes: int64(envutil.Int("EMBED_CACHE_MAX_BYTES", 64<<20)),
		OpenAIPerMinute:    envutil.Int("OPENAI_REQUESTS_PER_MINUTE", 300),
		OpenAIBurst:        envutil.Int("OPENAI_BURST", 30),
		BatchWorkers:       envutil.Int("INGEST_BATCH_WORKERS", 4),
		Retrieval: retrieval.Limits{
			NeighborLimit: envutil.Int("RETRIEVE_NEIGHBOR_LIMIT", 80),
			VectorCap:     envutil.Int("RETRIEVE_VECTOR_CAP", 2000),
			MaxConcepts:   envutil.Int("RETRIEVE_MAX_CONCEPTS", 20),
			TraceMax:      envutil.Int("RETRIEVE_TRACE_MAX", 10),
			ClaimTrim:     envutil.Int("RETRIEVE_CLAIM_TRIM", 200),
		},
	}

	if raw := envutil.Str("CORS_ORIGINS", ""); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}

	log.Info("Config loaded",
		"port", cfg.Port,
		"batch_workers", cfg.BatchWorkers,
		"embed_cache_bytes", cfg.EmbedCacheMaxBytes,
	)
	return cfg
}
