package service

import (
	"fmt"
	"testing"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

func BenchmarkParseGenerationResponse(b *testing.B) {
	raw := `{
		"answer": "Taper lorazepam gradually over 8-12 weeks to avoid withdrawal [1]. Watch for fall risk with concurrent zolpidem [2]. Consider specialist review before any abrupt change [1][3].",
		"confidence": 0.87,
		"citations": [
			{"chunkIndex": 1, "excerpt": "taper gradually over 8-12 weeks", "relevance": 0.92},
			{"chunkIndex": 2, "excerpt": "increases fall risk", "relevance": 0.88},
			{"chunkIndex": 3, "excerpt": "specialist review recommended", "relevance": 0.85}
		]
	}`

	docs := make([]model.RetrievedDocument, 5)
	for i := 0; i < 5; i++ {
		docs[i] = model.RetrievedDocument{
			Chunk: model.Chunk{
				ID:         fmt.Sprintf("chunk-%d", i),
				SourceID:   "deprescribing-benzos.pdf",
				Collection: model.CollectionUnstructured,
				ChunkIndex: i,
				Content:    fmt.Sprintf("Chunk %d content about benzodiazepine tapering.", i),
			},
			Score: 0.85,
		}
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = parseGenerationResponse(raw, docs)
	}
}
