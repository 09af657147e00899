package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all application configuration loaded from environment
// variables. It is immutable after Load() returns.
type Config struct {
	Port             int
	Environment      string
	DatabaseURL      string
	DatabaseMaxConns int
	RedisURL         string

	GCPProject        string
	VertexAILocation  string
	VertexAIModel     string
	OpenAIModel       string
	GenAIProvider     string // "vertex" or "openai"
	EmbeddingLocation string
	EmbeddingModel    string
	EmbeddingDims     int
	CrossEncoderURL   string

	CollectionNameStructured   string
	CollectionNameUnstructured string

	RetrievalTopK            int
	RetrievalStrategy         string // similarity | mmr | threshold | filter
	RetrievalThreshold        float64
	MMRLambda                 float64
	RerankTopK                int
	RerankScoreThreshold      float64
	RerankAggregateThreshold  float64
	BM25K1                    float64
	BM25B                     float64

	ExactCacheTTLSeconds    int
	SemanticCacheTTLSeconds int
	SemanticCacheThreshold  float64

	ChunkSizeChars      int
	ChunkOverlapPercent int

	ConfidenceThreshold float64

	FrontendURL        string
	InternalAuthSecret string
}

// Load reads configuration from environment variables.
// DATABASE_URL and REDIS_URL are required and cause an error if missing.
// Everything else has a sensible default tuned for a single-tenant
// deployment of the deprescribing assistant.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config.Load: DATABASE_URL is required")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		return nil, fmt.Errorf("config.Load: REDIS_URL is required")
	}

	cfg := &Config{
		Port:             envInt("PORT", 8080),
		Environment:      envStr("ENVIRONMENT", "development"),
		DatabaseURL:      dbURL,
		DatabaseMaxConns: envInt("DATABASE_MAX_CONNS", 25),
		RedisURL:         redisURL,

		GCPProject:        envStr("GOOGLE_CLOUD_PROJECT", ""),
		VertexAILocation:  envStr("VERTEX_AI_LOCATION", "global"),
		VertexAIModel:     envStr("VERTEX_AI_MODEL", "gemini-3-pro-preview"),
		OpenAIModel:       envStr("OPENAI_MODEL", "gpt-4o"),
		GenAIProvider:     envStr("GENAI_PROVIDER", "vertex"),
		EmbeddingLocation: envStr("VERTEX_AI_EMBEDDING_LOCATION", envStr("GCP_REGION", "us-east4")),
		EmbeddingModel:    envStr("VERTEX_AI_EMBEDDING_MODEL", "text-embedding-004"),
		EmbeddingDims:     envInt("EMBEDDING_DIMENSIONS", 768),
		CrossEncoderURL:   envStr("CROSS_ENCODER_URL", "http://localhost:8090/rerank"),

		CollectionNameStructured:   envStr("COLLECTION_NAME_S", "structured"),
		CollectionNameUnstructured: envStr("COLLECTION_NAME_U", "unstructured"),

		RetrievalTopK:            envInt("RETRIEVAL_TOP_K", 20),
		RetrievalStrategy:        envStr("RETRIEVAL_STRATEGY", "similarity"),
		RetrievalThreshold:       envFloat("RETRIEVAL_THRESHOLD", 0.35),
		MMRLambda:                envFloat("MMR_LAMBDA", 0.5),
		RerankTopK:               envInt("RERANK_TOP_K", 5),
		RerankScoreThreshold:     envFloat("RERANK_SCORE_THRESHOLD", 0.0),
		RerankAggregateThreshold: envFloat("RERANK_AGGREGATE_THRESHOLD", 0.8),
		BM25K1:                   envFloat("BM25_K1", 1.5),
		BM25B:                    envFloat("BM25_B", 0.75),

		ExactCacheTTLSeconds:    envInt("EXACT_CACHE_TTL_SECONDS", 3600),
		SemanticCacheTTLSeconds: envInt("SEMANTIC_CACHE_TTL_SECONDS", 3600),
		SemanticCacheThreshold:  envFloat("SEMANTIC_CACHE_THRESHOLD", 0.70),

		ChunkSizeChars:      envInt("CHUNK_SIZE_CHARS", 1200),
		ChunkOverlapPercent: envInt("CHUNK_OVERLAP_PERCENT", 20),

		ConfidenceThreshold: envFloat("CONFIDENCE_THRESHOLD", 0.60),

		FrontendURL:        envStr("FRONTEND_URL", "http://localhost:3000"),
		InternalAuthSecret: envStr("INTERNAL_AUTH_SECRET", ""),
	}

	if cfg.Environment != "development" && cfg.InternalAuthSecret == "" {
		return nil, fmt.Errorf("config.Load: INTERNAL_AUTH_SECRET is required in %s environment", cfg.Environment)
	}

	return cfg, nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
