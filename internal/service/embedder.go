package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

const (
	// maxBatchSize is the max texts per embedding API call.
	maxBatchSize = 250
	// embeddingDimensions is the expected vector dimensionality.
	embeddingDimensions = 768
)

// EmbeddingClient abstracts the embedding API for testability.
type EmbeddingClient interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// ChunkStore abstracts bulk insertion of chunks with vectors.
type ChunkStore interface {
	BulkInsert(ctx context.Context, chunks []model.Chunk, vectors [][]float32) error
}

// QueryEmbeddingCache abstracts a query-string-keyed vector cache, so
// EmbedOne can skip a model round trip for a query it has already
// embedded. Satisfied by *cache.EmbeddingCache without an import cycle
// (cache imports neither model nor service).
type QueryEmbeddingCache interface {
	Get(queryHash string) ([]float32, bool)
	Set(queryHash string, vec []float32)
}

// EmbedderService generates vector embeddings and stores them with chunks.
type EmbedderService struct {
	client     EmbeddingClient
	chunkStore ChunkStore
	queryCache QueryEmbeddingCache // nil = no caching
}

// NewEmbedderService creates an EmbedderService.
func NewEmbedderService(client EmbeddingClient, chunkStore ChunkStore) *EmbedderService {
	return &EmbedderService{
		client:     client,
		chunkStore: chunkStore,
	}
}

// SetQueryCache attaches a QueryEmbeddingCache used by EmbedOne to avoid
// re-embedding repeated query strings (the fingerprint-keyed retrieval
// query in particular repeats heavily across cache-miss turns for the
// same patient).
func (s *EmbedderService) SetQueryCache(c QueryEmbeddingCache) {
	s.queryCache = c
}

// Embed generates embeddings for a slice of texts, batching as needed.
// Returns one 768-dim L2-normalized vector per input text.
func (s *EmbedderService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("service.Embed: no texts provided")
	}

	allVectors := make([][]float32, 0, len(texts))

	for i := 0; i < len(texts); i += maxBatchSize {
		end := i + maxBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[i:end]

		vectors, err := s.client.EmbedTexts(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("service.Embed: batch %d-%d: %w", i, end, err)
		}

		for j, vec := range vectors {
			if len(vec) != embeddingDimensions {
				return nil, fmt.Errorf("service.Embed: vector %d has %d dimensions, want %d", i+j, len(vec), embeddingDimensions)
			}
			vectors[j] = l2Normalize(vec)
		}

		allVectors = append(allVectors, vectors...)
	}

	if len(allVectors) != len(texts) {
		return nil, fmt.Errorf("service.Embed: got %d vectors for %d texts", len(allVectors), len(texts))
	}

	return allVectors, nil
}

// EmbedAndStore generates embeddings for chunks and persists them via ChunkStore.
func (s *EmbedderService) EmbedAndStore(ctx context.Context, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors, err := s.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("service.EmbedAndStore: %w", err)
	}

	if err := s.chunkStore.BulkInsert(ctx, chunks, vectors); err != nil {
		return fmt.Errorf("service.EmbedAndStore: store: %w", err)
	}

	return nil
}

// AsFunc adapts EmbedOne to a plain func for callers (e.g. the semantic
// cache) that only need a single-string embedding and don't want to
// depend on the service type directly.
func (s *EmbedderService) AsFunc() func(ctx context.Context, text string) ([]float32, error) {
	return s.EmbedOne
}

// EmbedOne embeds a single string and returns its vector, consulting the
// query cache first when one is attached. Empty or whitespace-only text
// is rejected with an error.
func (s *EmbedderService) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("service.EmbedOne: empty text")
	}
	var hash string
	if s.queryCache != nil {
		hash = queryEmbeddingHash(text)
		if vec, ok := s.queryCache.Get(hash); ok {
			return vec, nil
		}
	}

	vecs, err := s.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("service.EmbedOne: %w", err)
	}

	if s.queryCache != nil {
		s.queryCache.Set(hash, vecs[0])
	}
	return vecs[0], nil
}

// queryEmbeddingHash normalizes (lowercase, trim) and hashes text for the
// query embedding cache key, matching cache.EmbeddingQueryHash's scheme.
func queryEmbeddingHash(text string) string {
	normalized := strings.ToLower(strings.TrimSpace(text))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("emb:%x", h[:16])
}

// l2Normalize normalizes a vector to unit length (L2 norm = 1).
func l2Normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	if norm == 0 {
		return vec
	}

	result := make([]float32, len(vec))
	for i, v := range vec {
		result[i] = float32(float64(v) / norm)
	}
	return result
}
