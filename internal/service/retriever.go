package service

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

const (
	defaultTopK           = 20
	defaultThreshold      = 0.35
	defaultReturnLimit    = 5
	maxChunksPerSourceDoc = 2
	rrfK                  = 60
)

// VectorSearcher abstracts cosine-similarity search over a collection.
type VectorSearcher interface {
	SimilaritySearch(ctx context.Context, queryVec []float32, topK int, threshold float64, collection model.Collection) ([]model.RetrievedDocument, error)
}

// QueryEmbedder abstracts query embedding for testability.
type QueryEmbedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// BM25Scorer abstracts lexical scoring over a full corpus. ReRanker
// satisfies this via its BM25Rerank method.
type BM25Scorer interface {
	BM25Rerank(query string, corpus []model.Chunk, topK int) []model.RetrievedDocument
}

// ChunkLister abstracts fetching every chunk in a collection, the input
// BM25Scorer needs since it has no persistent lexical index.
type ChunkLister interface {
	AllChunks(ctx context.Context, collection model.Collection) ([]model.Chunk, error)
}

// RetrievalResult contains the ranked documents and query metadata.
type RetrievalResult struct {
	Documents           []model.RetrievedDocument `json:"documents"`
	QueryEmbedding      []float32                 `json:"-"`
	TotalCandidates     int                       `json:"totalCandidates"`
	TotalSourcesFound   int                       `json:"totalSourcesFound"`
}

// RetrieverService processes queries and retrieves relevant document chunks
// using dense vector search fused with lexical BM25 via Reciprocal Rank
// Fusion, with additional MMR/threshold/filter strategies layered on top.
type RetrieverService struct {
	embedder    QueryEmbedder
	searcher    VectorSearcher
	bm25        BM25Scorer  // nil = vector-only
	chunkLister ChunkLister // nil = vector-only
	topK        int
	threshold   float64
}

// NewRetrieverService creates a RetrieverService.
func NewRetrieverService(embedder QueryEmbedder, searcher VectorSearcher, topK int, threshold float64) *RetrieverService {
	if topK <= 0 {
		topK = defaultTopK
	}
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &RetrieverService{
		embedder:  embedder,
		searcher:  searcher,
		topK:      topK,
		threshold: threshold,
	}
}

// SetBM25 attaches a BM25Scorer + ChunkLister for hybrid retrieval.
// When unset, retrieval is vector-only.
func (s *RetrieverService) SetBM25(bm25 BM25Scorer, lister ChunkLister) {
	s.bm25 = bm25
	s.chunkLister = lister
}

// RetrieveSimilarity implements the spec's base "similarity" strategy
// literally: top-k by cosine similarity to the query embedding, nothing
// else. Unlike Retrieve (the hybrid vector+BM25 path used by the other
// strategies below), it runs no RRF fusion and no per-source dedup cap,
// so a caller-supplied k is honored exactly and a higher-similarity
// chunk is never dropped in favor of a lower-similarity one from a
// different source (testable property 2). k<=0 falls back to the
// service's configured default.
func (s *RetrieverService) RetrieveSimilarity(ctx context.Context, query string, collection model.Collection, k int) (*RetrievalResult, error) {
	if query == "" {
		return nil, fmt.Errorf("service.RetrieveSimilarity: query is empty")
	}
	if k <= 0 {
		k = s.topK
	}

	queryVecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("service.RetrieveSimilarity: embed: %w", err)
	}

	results, err := s.searcher.SimilaritySearch(ctx, queryVecs[0], k, 0, collection)
	if err != nil {
		return nil, fmt.Errorf("service.RetrieveSimilarity: search: %w", err)
	}
	if len(results) > k {
		results = results[:k]
	}

	sourceSet := make(map[string]struct{})
	for _, c := range results {
		sourceSet[c.Chunk.SourceID] = struct{}{}
	}

	return &RetrievalResult{
		Documents:         results,
		QueryEmbedding:    queryVecs[0],
		TotalCandidates:   len(results),
		TotalSourcesFound: len(sourceSet),
	}, nil
}

// Retrieve embeds a query, runs the hybrid vector+BM25 path fused with
// RRF and deduplicated (the teacher's default retrieval path, reused by
// the threshold/filter/MMR/ensemble strategies below), and returns the
// top results.
func (s *RetrieverService) Retrieve(ctx context.Context, query string, collection model.Collection) (*RetrievalResult, error) {
	if query == "" {
		return nil, fmt.Errorf("service.Retrieve: query is empty")
	}

	queryVecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("service.Retrieve: embed: %w", err)
	}

	return s.RetrieveWithVec(ctx, query, queryVecs[0], collection)
}

// RetrieveWithVec performs retrieval using a pre-computed query embedding,
// skipping the embedding step so a cache check and embedding can run
// concurrently upstream.
func (s *RetrieverService) RetrieveWithVec(ctx context.Context, query string, queryVec []float32, collection model.Collection) (*RetrievalResult, error) {
	candidates, totalSources, err := s.hybridCandidates(ctx, query, queryVec, collection)
	if err != nil {
		return nil, err
	}

	deduped := deduplicate(candidates, maxChunksPerSourceDoc)

	limit := defaultReturnLimit
	if limit > len(deduped) {
		limit = len(deduped)
	}

	return &RetrievalResult{
		Documents:         deduped[:limit],
		QueryEmbedding:    queryVec,
		TotalCandidates:   len(candidates),
		TotalSourcesFound: totalSources,
	}, nil
}

// hybridCandidates runs the dense + BM25 fan-out and RRF fusion shared by
// every strategy below.
func (s *RetrieverService) hybridCandidates(ctx context.Context, query string, queryVec []float32, collection model.Collection) ([]model.RetrievedDocument, int, error) {
	var vectorResults, bm25Results []model.RetrievedDocument

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		vectorResults, err = s.searcher.SimilaritySearch(gCtx, queryVec, s.topK, s.threshold, collection)
		return err
	})

	if s.bm25 != nil && s.chunkLister != nil && query != "" {
		g.Go(func() error {
			corpus, err := s.chunkLister.AllChunks(gCtx, collection)
			if err != nil {
				return err
			}
			bm25Results = s.bm25.BM25Rerank(query, corpus, s.topK)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, fmt.Errorf("service.Retrieve: search: %w", err)
	}

	slog.Info("[DEBUG-RETRIEVER] search done",
		"collection", collection,
		"vector_candidates", len(vectorResults),
		"bm25_candidates", len(bm25Results),
		"top_k", s.topK,
		"threshold", s.threshold,
	)

	var candidates []model.RetrievedDocument
	if len(bm25Results) > 0 {
		candidates = reciprocalRankFusion(vectorResults, bm25Results)
	} else {
		candidates = vectorResults
	}

	sourceSet := make(map[string]struct{})
	for _, c := range candidates {
		sourceSet[c.Chunk.SourceID] = struct{}{}
	}

	return candidates, len(sourceSet), nil
}

// RetrieveThreshold runs hybrid retrieval and keeps only documents whose
// fused score clears minScore, without the default return-limit cap.
func (s *RetrieverService) RetrieveThreshold(ctx context.Context, query string, collection model.Collection, minScore float64) (*RetrievalResult, error) {
	queryVecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("service.RetrieveThreshold: embed: %w", err)
	}

	candidates, totalSources, err := s.hybridCandidates(ctx, query, queryVecs[0], collection)
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if c.Score >= minScore {
			filtered = append(filtered, c)
		}
	}

	return &RetrievalResult{
		Documents:         deduplicate(filtered, maxChunksPerSourceDoc),
		QueryEmbedding:    queryVecs[0],
		TotalCandidates:   len(candidates),
		TotalSourcesFound: totalSources,
	}, nil
}

// RetrieveFiltered runs hybrid retrieval and keeps only documents whose
// metadata matches every key/value pair in filter.
func (s *RetrieverService) RetrieveFiltered(ctx context.Context, query string, collection model.Collection, filter map[string]string) (*RetrievalResult, error) {
	queryVecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("service.RetrieveFiltered: embed: %w", err)
	}

	candidates, totalSources, err := s.hybridCandidates(ctx, query, queryVecs[0], collection)
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0:0]
	for _, c := range candidates {
		if matchesFilter(c.Chunk.Metadata, filter) {
			filtered = append(filtered, c)
		}
	}

	return &RetrievalResult{
		Documents:         deduplicate(filtered, maxChunksPerSourceDoc),
		QueryEmbedding:    queryVecs[0],
		TotalCandidates:   len(candidates),
		TotalSourcesFound: totalSources,
	}, nil
}

func matchesFilter(metadata map[string]string, filter map[string]string) bool {
	for k, v := range filter {
		if metadata[k] != v {
			return false
		}
	}
	return true
}

// RetrieveMMR runs hybrid retrieval, then re-selects the returned set
// greedily to trade relevance against diversity (Maximal Marginal
// Relevance): at each step pick the candidate maximizing
// lambda*relevance - (1-lambda)*max_similarity_to_already_selected.
func (s *RetrieverService) RetrieveMMR(ctx context.Context, query string, collection model.Collection, lambda float64, topK int) (*RetrievalResult, error) {
	queryVecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("service.RetrieveMMR: embed: %w", err)
	}

	candidates, totalSources, err := s.hybridCandidates(ctx, query, queryVecs[0], collection)
	if err != nil {
		return nil, err
	}
	if topK <= 0 || topK > len(candidates) {
		topK = len(candidates)
	}

	selected := mmrSelect(candidates, lambda, topK)

	return &RetrievalResult{
		Documents:         selected,
		QueryEmbedding:    queryVecs[0],
		TotalCandidates:   len(candidates),
		TotalSourcesFound: totalSources,
	}, nil
}

// mmrSelect greedily selects topK candidates balancing relevance (Score
// as hybrid retrieval produced it: cosine similarity, or the RRF score
// when BM25 is fused in; it is not rescaled) against lexical diversity
// from already-picked content.
func mmrSelect(candidates []model.RetrievedDocument, lambda float64, topK int) []model.RetrievedDocument {
	if len(candidates) == 0 {
		return nil
	}

	pool := make([]model.RetrievedDocument, len(candidates))
	copy(pool, candidates)

	selected := make([]model.RetrievedDocument, 0, topK)
	chosen := make(map[int]bool)

	for len(selected) < topK && len(chosen) < len(pool) {
		bestIdx := -1
		bestScore := math.Inf(-1)

		for i, c := range pool {
			if chosen[i] {
				continue
			}
			maxSim := 0.0
			for _, sel := range selected {
				sim := jaccardSimilarity(c.Chunk.Content, sel.Chunk.Content)
				if sim > maxSim {
					maxSim = sim
				}
			}
			mmrScore := lambda*c.Score - (1-lambda)*maxSim
			if mmrScore > bestScore {
				bestScore = mmrScore
				bestIdx = i
			}
		}

		if bestIdx == -1 {
			break
		}
		chosen[bestIdx] = true
		selected = append(selected, pool[bestIdx])
	}

	return selected
}

// jaccardSimilarity measures lexical overlap between two chunks' token sets.
func jaccardSimilarity(a, b string) float64 {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	intersection := 0
	for t := range ta {
		if tb[t] {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(text) {
		set[t] = true
	}
	return set
}

// RetrieveMultiQuery runs hybrid retrieval for each query variant (e.g.
// an LLM-generated paraphrase set) and fuses the per-query candidate
// lists with RRF, giving each variant equal weight.
func (s *RetrieverService) RetrieveMultiQuery(ctx context.Context, queries []string, collection model.Collection) (*RetrievalResult, error) {
	if len(queries) == 0 {
		return nil, fmt.Errorf("service.RetrieveMultiQuery: no queries provided")
	}

	perQuery := make([][]model.RetrievedDocument, len(queries))
	var lastVec []float32

	for i, q := range queries {
		queryVecs, err := s.embedder.Embed(ctx, []string{q})
		if err != nil {
			return nil, fmt.Errorf("service.RetrieveMultiQuery: embed %q: %w", q, err)
		}
		lastVec = queryVecs[0]

		candidates, _, err := s.hybridCandidates(ctx, q, lastVec, collection)
		if err != nil {
			return nil, fmt.Errorf("service.RetrieveMultiQuery: %w", err)
		}
		perQuery[i] = candidates
	}

	fused := perQuery[0]
	for i := 1; i < len(perQuery); i++ {
		fused = reciprocalRankFusion(fused, perQuery[i])
	}

	sourceSet := make(map[string]struct{})
	for _, c := range fused {
		sourceSet[c.Chunk.SourceID] = struct{}{}
	}

	deduped := deduplicate(fused, maxChunksPerSourceDoc)
	limit := defaultReturnLimit
	if limit > len(deduped) {
		limit = len(deduped)
	}

	return &RetrievalResult{
		Documents:         deduped[:limit],
		QueryEmbedding:    lastVec,
		TotalCandidates:   len(fused),
		TotalSourcesFound: len(sourceSet),
	}, nil
}

// Rephraser abstracts an LLM call that rewrites a query for better recall
// (e.g. expanding clinical abbreviations, fixing ambiguous phrasing).
type Rephraser interface {
	Rephrase(ctx context.Context, query string) (string, error)
}

// RetrieveRephrased rewrites query with rephraser before running the
// standard hybrid retrieval, useful when the clinician's raw phrasing is
// too terse or colloquial for good embedding recall.
func (s *RetrieverService) RetrieveRephrased(ctx context.Context, rephraser Rephraser, query string, collection model.Collection) (*RetrievalResult, error) {
	rephrased, err := rephraser.Rephrase(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("service.RetrieveRephrased: %w", err)
	}
	if rephrased == "" {
		rephrased = query
	}
	return s.Retrieve(ctx, rephrased, collection)
}

// reciprocalRankFusion combines results from vector and BM25 search.
// score = sum(1 / (k + rank_in_list)) for each list the chunk appears in.
// k=60 is the standard RRF constant that balances rank positions.
func reciprocalRankFusion(a, b []model.RetrievedDocument) []model.RetrievedDocument {
	scores := make(map[string]float64)
	items := make(map[string]model.RetrievedDocument)

	for rank, item := range a {
		id := item.Chunk.ID
		scores[id] += 1.0 / float64(rrfK+rank+1)
		if _, exists := items[id]; !exists {
			items[id] = item
		}
	}
	for rank, item := range b {
		id := item.Chunk.ID
		scores[id] += 1.0 / float64(rrfK+rank+1)
		if _, exists := items[id]; !exists {
			items[id] = item
		}
	}

	type scored struct {
		doc   model.RetrievedDocument
		score float64
	}
	sorted := make([]scored, 0, len(items))
	for id, item := range items {
		item.Score = scores[id]
		sorted = append(sorted, scored{item, scores[id]})
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	results := make([]model.RetrievedDocument, len(sorted))
	for i, s := range sorted {
		results[i] = s.doc
	}
	return results
}

// deduplicate limits the number of chunks from any single source document.
func deduplicate(ranked []model.RetrievedDocument, maxPerSource int) []model.RetrievedDocument {
	sourceCount := make(map[string]int)
	var result []model.RetrievedDocument

	for _, r := range ranked {
		if sourceCount[r.Chunk.SourceID] >= maxPerSource {
			continue
		}
		sourceCount[r.Chunk.SourceID]++
		result = append(result, r)
	}

	return result
}
