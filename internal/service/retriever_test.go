package service

import (
	"context"
	"fmt"
	"testing"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	vecs := make([][]float32, len(texts))
	for i := range texts {
		vecs[i] = f.vec
	}
	return vecs, nil
}

type fakeSearcher struct {
	results []model.RetrievedDocument
	err     error
}

func (f *fakeSearcher) SimilaritySearch(ctx context.Context, queryVec []float32, topK int, threshold float64, collection model.Collection) ([]model.RetrievedDocument, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeChunkLister struct {
	chunks []model.Chunk
}

func (f *fakeChunkLister) AllChunks(ctx context.Context, collection model.Collection) ([]model.Chunk, error) {
	return f.chunks, nil
}

func chunkDoc(id, sourceID string, score float64) model.RetrievedDocument {
	return model.RetrievedDocument{
		Chunk: model.Chunk{ID: id, SourceID: sourceID, Content: fmt.Sprintf("content for %s", id), Collection: model.CollectionUnstructured},
		Score: score,
	}
}

func TestRetrieve_VectorOnly(t *testing.T) {
	searcher := &fakeSearcher{results: []model.RetrievedDocument{
		chunkDoc("c1", "doc-1", 0.9),
		chunkDoc("c2", "doc-2", 0.8),
	}}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1, 0.2}}, searcher, 0, 0)

	result, err := svc.Retrieve(context.Background(), "taper benzodiazepines", model.CollectionUnstructured)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(result.Documents) != 2 {
		t.Errorf("documents = %d, want 2", len(result.Documents))
	}
	if result.TotalSourcesFound != 2 {
		t.Errorf("TotalSourcesFound = %d, want 2", result.TotalSourcesFound)
	}
}

func TestRetrieveSimilarity_HonorsK(t *testing.T) {
	searcher := &fakeSearcher{results: []model.RetrievedDocument{
		chunkDoc("c1", "doc-1", 0.95),
		chunkDoc("c2", "doc-1", 0.90),
		chunkDoc("c3", "doc-1", 0.85),
	}}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, searcher, 0, 0)

	result, err := svc.RetrieveSimilarity(context.Background(), "taper benzodiazepines", model.CollectionUnstructured, 3)
	if err != nil {
		t.Fatalf("RetrieveSimilarity() error: %v", err)
	}
	if len(result.Documents) != 3 {
		t.Fatalf("documents = %d, want 3 (no per-source cap)", len(result.Documents))
	}
	if result.Documents[0].Chunk.ID != "c1" || result.Documents[0].Score != 0.95 {
		t.Errorf("top document = %+v, want c1 with score 0.95", result.Documents[0])
	}
}

func TestRetrieveSimilarity_EmptyQuery(t *testing.T) {
	svc := NewRetrieverService(&fakeEmbedder{}, &fakeSearcher{}, 0, 0)
	if _, err := svc.RetrieveSimilarity(context.Background(), "", model.CollectionUnstructured, 5); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	svc := NewRetrieverService(&fakeEmbedder{}, &fakeSearcher{}, 0, 0)
	if _, err := svc.Retrieve(context.Background(), "", model.CollectionUnstructured); err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestRetrieve_EmbedderError(t *testing.T) {
	svc := NewRetrieverService(&fakeEmbedder{err: fmt.Errorf("embedding api down")}, &fakeSearcher{}, 0, 0)
	if _, err := svc.Retrieve(context.Background(), "query", model.CollectionUnstructured); err == nil {
		t.Fatal("expected error when embedder fails")
	}
}

func TestRetrieve_SearcherError(t *testing.T) {
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, &fakeSearcher{err: fmt.Errorf("pgvector down")}, 0, 0)
	if _, err := svc.Retrieve(context.Background(), "query", model.CollectionUnstructured); err == nil {
		t.Fatal("expected error when searcher fails")
	}
}

func TestRetrieve_HybridFusesBM25(t *testing.T) {
	searcher := &fakeSearcher{results: []model.RetrievedDocument{
		chunkDoc("c1", "doc-1", 0.9),
	}}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, searcher, 0, 0)

	reranker := NewReRanker(nil, 5, 0, 0, 0, 0)
	lister := &fakeChunkLister{chunks: []model.Chunk{
		{ID: "c1", SourceID: "doc-1", Content: "taper benzodiazepines gradually"},
		{ID: "c2", SourceID: "doc-2", Content: "zolpidem fall risk elderly patients"},
	}}
	svc.SetBM25(reranker, lister)

	result, err := svc.Retrieve(context.Background(), "taper benzodiazepines", model.CollectionUnstructured)
	if err != nil {
		t.Fatalf("Retrieve() error: %v", err)
	}
	if len(result.Documents) == 0 {
		t.Fatal("expected fused results")
	}
}

func TestRetrieveThreshold_FiltersLowScores(t *testing.T) {
	searcher := &fakeSearcher{results: []model.RetrievedDocument{
		chunkDoc("c1", "doc-1", 0.9),
		chunkDoc("c2", "doc-2", 0.2),
	}}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, searcher, 0, 0)

	result, err := svc.RetrieveThreshold(context.Background(), "query", model.CollectionUnstructured, 0.5)
	if err != nil {
		t.Fatalf("RetrieveThreshold() error: %v", err)
	}
	for _, d := range result.Documents {
		if d.Score < 0.5 {
			t.Errorf("document %s scored %v, below threshold 0.5", d.Chunk.ID, d.Score)
		}
	}
}

func TestRetrieveFiltered_MatchesAllKeys(t *testing.T) {
	docs := []model.RetrievedDocument{
		{Chunk: model.Chunk{ID: "c1", SourceID: "doc-1", Metadata: map[string]string{"drug_class": "benzodiazepine"}}, Score: 0.9},
		{Chunk: model.Chunk{ID: "c2", SourceID: "doc-2", Metadata: map[string]string{"drug_class": "statin"}}, Score: 0.8},
	}
	searcher := &fakeSearcher{results: docs}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, searcher, 0, 0)

	result, err := svc.RetrieveFiltered(context.Background(), "query", model.CollectionUnstructured, map[string]string{"drug_class": "benzodiazepine"})
	if err != nil {
		t.Fatalf("RetrieveFiltered() error: %v", err)
	}
	if len(result.Documents) != 1 || result.Documents[0].Chunk.ID != "c1" {
		t.Errorf("expected only c1 to survive the filter, got %+v", result.Documents)
	}
}

func TestMatchesFilter(t *testing.T) {
	meta := map[string]string{"a": "1", "b": "2"}
	if !matchesFilter(meta, map[string]string{"a": "1"}) {
		t.Error("expected single-key match")
	}
	if matchesFilter(meta, map[string]string{"a": "1", "c": "3"}) {
		t.Error("expected mismatch when a key is absent")
	}
}

func TestRetrieveMMR_DiversifiesSelection(t *testing.T) {
	docs := []model.RetrievedDocument{
		{Chunk: model.Chunk{ID: "c1", SourceID: "doc-1", Content: "taper benzodiazepines gradually over weeks"}, Score: 0.95},
		{Chunk: model.Chunk{ID: "c2", SourceID: "doc-2", Content: "taper benzodiazepines gradually over weeks"}, Score: 0.90},
		{Chunk: model.Chunk{ID: "c3", SourceID: "doc-3", Content: "statin interactions with grapefruit juice"}, Score: 0.50},
	}
	searcher := &fakeSearcher{results: docs}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, searcher, 0, 0)

	result, err := svc.RetrieveMMR(context.Background(), "query", model.CollectionUnstructured, 0.5, 2)
	if err != nil {
		t.Fatalf("RetrieveMMR() error: %v", err)
	}
	if len(result.Documents) != 2 {
		t.Fatalf("documents = %d, want 2", len(result.Documents))
	}
	ids := map[string]bool{result.Documents[0].Chunk.ID: true, result.Documents[1].Chunk.ID: true}
	if !ids["c1"] || !ids["c3"] {
		t.Errorf("expected MMR to pick the diverse pair {c1, c3}, got %v", ids)
	}
}

func TestJaccardSimilarity(t *testing.T) {
	if sim := jaccardSimilarity("taper benzodiazepines gradually", "taper benzodiazepines gradually"); sim != 1 {
		t.Errorf("identical text similarity = %v, want 1", sim)
	}
	if sim := jaccardSimilarity("taper benzodiazepines", "statin grapefruit"); sim != 0 {
		t.Errorf("disjoint text similarity = %v, want 0", sim)
	}
	if sim := jaccardSimilarity("", "anything"); sim != 0 {
		t.Errorf("empty text similarity = %v, want 0", sim)
	}
}

func TestRetrieveMultiQuery_FusesAcrossVariants(t *testing.T) {
	searcher := &fakeSearcher{results: []model.RetrievedDocument{
		chunkDoc("c1", "doc-1", 0.9),
	}}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, searcher, 0, 0)

	queries := []string{
		"What are the recommendations for a 72 years old female taking lorazepam?",
		"What are the recommendations for a 72 years old female with insomnia?",
	}
	result, err := svc.RetrieveMultiQuery(context.Background(), queries, model.CollectionUnstructured)
	if err != nil {
		t.Fatalf("RetrieveMultiQuery() error: %v", err)
	}
	if len(result.Documents) == 0 {
		t.Fatal("expected fused documents across both sub-questions")
	}
}

func TestRetrieveMultiQuery_NoQueries(t *testing.T) {
	svc := NewRetrieverService(&fakeEmbedder{}, &fakeSearcher{}, 0, 0)
	if _, err := svc.RetrieveMultiQuery(context.Background(), nil, model.CollectionUnstructured); err == nil {
		t.Fatal("expected error for empty query set")
	}
}

type fakeRephraser struct {
	rewritten string
	err       error
}

func (f *fakeRephraser) Rephrase(ctx context.Context, query string) (string, error) {
	return f.rewritten, f.err
}

func TestRetrieveRephrased_UsesRewrite(t *testing.T) {
	searcher := &fakeSearcher{results: []model.RetrievedDocument{chunkDoc("c1", "doc-1", 0.9)}}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, searcher, 0, 0)

	result, err := svc.RetrieveRephrased(context.Background(), &fakeRephraser{rewritten: "benzodiazepine tapering schedule"}, "can we stop it", model.CollectionUnstructured)
	if err != nil {
		t.Fatalf("RetrieveRephrased() error: %v", err)
	}
	if len(result.Documents) == 0 {
		t.Fatal("expected documents from the rephrased query")
	}
}

func TestRetrieveRephrased_FallsBackToOriginalOnEmptyRewrite(t *testing.T) {
	searcher := &fakeSearcher{results: []model.RetrievedDocument{chunkDoc("c1", "doc-1", 0.9)}}
	svc := NewRetrieverService(&fakeEmbedder{vec: []float32{0.1}}, searcher, 0, 0)

	_, err := svc.RetrieveRephrased(context.Background(), &fakeRephraser{rewritten: ""}, "original query", model.CollectionUnstructured)
	if err != nil {
		t.Fatalf("RetrieveRephrased() error: %v", err)
	}
}

func TestReciprocalRankFusion_CombinesRanks(t *testing.T) {
	a := []model.RetrievedDocument{chunkDoc("c1", "doc-1", 0), chunkDoc("c2", "doc-2", 0)}
	b := []model.RetrievedDocument{chunkDoc("c2", "doc-2", 0), chunkDoc("c3", "doc-3", 0)}

	fused := reciprocalRankFusion(a, b)
	if len(fused) != 3 {
		t.Fatalf("fused = %d docs, want 3", len(fused))
	}
	if fused[0].Chunk.ID != "c2" {
		t.Errorf("top fused doc = %s, want c2 (appears in both lists)", fused[0].Chunk.ID)
	}
}

func TestDeduplicate_CapsPerSource(t *testing.T) {
	docs := []model.RetrievedDocument{
		chunkDoc("c1", "doc-1", 0.9),
		chunkDoc("c2", "doc-1", 0.8),
		chunkDoc("c3", "doc-1", 0.7),
		chunkDoc("c4", "doc-2", 0.6),
	}
	deduped := deduplicate(docs, 2)
	count := map[string]int{}
	for _, d := range deduped {
		count[d.Chunk.SourceID]++
	}
	if count["doc-1"] != 2 {
		t.Errorf("doc-1 count = %d, want 2 (capped)", count["doc-1"])
	}
	if count["doc-2"] != 1 {
		t.Errorf("doc-2 count = %d, want 1", count["doc-2"])
	}
}
