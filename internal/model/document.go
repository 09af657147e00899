package model

import "time"

// Collection names the two partitions the document store maintains.
// Structured holds tabular drug-interaction data ingested from CSV;
// Unstructured holds narrative guidance ingested from PDF.
type Collection string

const (
	CollectionStructured   Collection = "structured"
	CollectionUnstructured Collection = "unstructured"
)

// Chunk is a unit of retrievable text stored alongside its embedding.
type Chunk struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"sourceId"`
	Collection  Collection        `json:"collection"`
	Content     string            `json:"content"`
	ContentHash string            `json:"contentHash"`
	ChunkIndex  int               `json:"chunkIndex"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
}

// RetrievedDocument pairs a Chunk with the score it earned during
// retrieval or re-ranking. Score's meaning depends on the stage that
// produced it (cosine similarity, RRF score, or cross-encoder score).
type RetrievedDocument struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// CitationRef maps an inline citation number to the chunk it came from.
type CitationRef struct {
	Index    int    `json:"index"`
	ChunkID  string `json:"chunkId"`
	SourceID string `json:"sourceId"`
	Excerpt  string `json:"excerpt"`
}
