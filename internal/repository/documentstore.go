package repository

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
	"github.com/windermere-labs/clinician-deprescriber/internal/service"
)

// DocumentStore implements service.ChunkStore and service.VectorSearcher
// over a single pgvector-backed "document_chunks" table, partitioned by
// the Collection column (structured vs. unstructured).
type DocumentStore struct {
	pool *pgxpool.Pool
}

// NewDocumentStore creates a DocumentStore.
func NewDocumentStore(pool *pgxpool.Pool) *DocumentStore {
	return &DocumentStore{pool: pool}
}

var (
	_ service.ChunkStore     = (*DocumentStore)(nil)
	_ service.VectorSearcher = (*DocumentStore)(nil)
)

// BulkInsert stores chunks with their embedding vectors using pgx batching.
func (r *DocumentStore) BulkInsert(ctx context.Context, chunks []model.Chunk, vectors [][]float32) error {
	if len(chunks) == 0 {
		return nil
	}
	if len(chunks) != len(vectors) {
		return fmt.Errorf("repository.BulkInsert: chunk count (%d) != vector count (%d)", len(chunks), len(vectors))
	}

	batch := &pgx.Batch{}
	now := time.Now().UTC()

	for i, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		embedding := pgvector.NewVector(vectors[i])

		batch.Queue(`
			INSERT INTO document_chunks (id, source_id, collection, chunk_index, content, content_hash, metadata, embedding, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO UPDATE SET
				source_id = EXCLUDED.source_id,
				collection = EXCLUDED.collection,
				chunk_index = EXCLUDED.chunk_index,
				content = EXCLUDED.content,
				content_hash = EXCLUDED.content_hash,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding`,
			c.ID, c.SourceID, string(c.Collection), c.ChunkIndex, c.Content, c.ContentHash, metadataToJSON(c.Metadata), embedding, now,
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < len(chunks); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("repository.BulkInsert: chunk %d: %w", i, err)
		}
	}

	return nil
}

// SimilaritySearch finds the top-K chunks most similar to queryVec by
// cosine distance, scoped to a single collection.
func (r *DocumentStore) SimilaritySearch(ctx context.Context, queryVec []float32, topK int, threshold float64, collection model.Collection) ([]model.RetrievedDocument, error) {
	embedding := pgvector.NewVector(queryVec)

	query := `
		SELECT id, source_id, collection, chunk_index, content, content_hash, metadata, created_at,
			1 - (embedding <=> $1::vector) AS similarity
		FROM document_chunks
		WHERE collection = $3
			AND (1 - (embedding <=> $1::vector)) > $2
		ORDER BY embedding <=> $1::vector
		LIMIT $4`

	slog.Info("[DEBUG-REPO] executing similarity search", "top_k", topK, "threshold", threshold, "collection", collection)

	rows, err := r.pool.Query(ctx, query, embedding, threshold, string(collection), topK)
	if err != nil {
		slog.Error("[DEBUG-REPO] similarity search query failed", "error", err)
		return nil, fmt.Errorf("repository.SimilaritySearch: %w", err)
	}
	defer rows.Close()

	var results []model.RetrievedDocument
	for rows.Next() {
		var rd model.RetrievedDocument
		var collStr string
		var metaJSON []byte
		err := rows.Scan(
			&rd.Chunk.ID, &rd.Chunk.SourceID, &collStr, &rd.Chunk.ChunkIndex,
			&rd.Chunk.Content, &rd.Chunk.ContentHash, &metaJSON, &rd.Chunk.CreatedAt,
			&rd.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("repository.SimilaritySearch: scan: %w", err)
		}
		rd.Chunk.Collection = model.Collection(collStr)
		rd.Chunk.Metadata = metadataFromJSON(metaJSON)
		results = append(results, rd)
	}

	slog.Info("[DEBUG-REPO] similarity search complete", "results_count", len(results), "threshold", threshold, "top_k", topK)
	return results, nil
}

// AllChunks returns every chunk in a collection, for the in-process BM25
// scorer (spec's corpora are small enough that a full scan beats
// maintaining a separate lexical index — see SPEC_FULL.md §4.4).
func (r *DocumentStore) AllChunks(ctx context.Context, collection model.Collection) ([]model.Chunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, source_id, collection, chunk_index, content, content_hash, metadata, created_at
		FROM document_chunks WHERE collection = $1`, string(collection))
	if err != nil {
		return nil, fmt.Errorf("repository.AllChunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.Chunk
	for rows.Next() {
		var c model.Chunk
		var collStr string
		var metaJSON []byte
		if err := rows.Scan(&c.ID, &c.SourceID, &collStr, &c.ChunkIndex, &c.Content, &c.ContentHash, &metaJSON, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.AllChunks: scan: %w", err)
		}
		c.Collection = model.Collection(collStr)
		c.Metadata = metadataFromJSON(metaJSON)
		chunks = append(chunks, c)
	}
	return chunks, nil
}

// DeleteBySourceID removes every chunk originating from a given source
// document (re-ingestion of a PDF/CSV supersedes its prior chunks). A
// no-match is logged, not raised — delete is a no-op on an unknown source.
func (r *DocumentStore) DeleteBySourceID(ctx context.Context, sourceID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM document_chunks WHERE source_id = $1`, sourceID)
	if err != nil {
		return fmt.Errorf("repository.DeleteBySourceID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("repository.DeleteBySourceID: no chunks matched", "source_id", sourceID)
	}
	return nil
}

// DeleteByID removes a single chunk. A no-match is logged, not raised.
func (r *DocumentStore) DeleteByID(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM document_chunks WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository.DeleteByID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("repository.DeleteByID: no chunk matched", "id", id)
	}
	return nil
}

// DeleteByMetadataID deletes every chunk whose metadata contains the
// given key/value pair. No btree-on-expression index backs this lookup
// (see DESIGN.md); it is a full scan, acceptable at the corpus sizes
// this assistant's document store is expected to hold. A no-match is
// logged, not raised.
func (r *DocumentStore) DeleteByMetadataID(ctx context.Context, key, value string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM document_chunks WHERE metadata->>$1 = $2`, key, value)
	if err != nil {
		return fmt.Errorf("repository.DeleteByMetadataID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Warn("repository.DeleteByMetadataID: no chunks matched", "key", key, "value", value)
	}
	return nil
}

// CountByCollection returns the number of chunks in a collection.
func (r *DocumentStore) CountByCollection(ctx context.Context, collection model.Collection) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM document_chunks WHERE collection = $1`, string(collection)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository.CountByCollection: %w", err)
	}
	return count, nil
}
