package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

// CrossEncoderClient scores a query against a batch of passages, returning
// one relevance score per passage in the same order.
type CrossEncoderClient interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// ReRanker re-scores retrieved documents with a cross-encoder (precise,
// query-aware) or a hand-rolled BM25 (lexical, no network round trip).
type ReRanker struct {
	client             CrossEncoderClient
	topK               int
	scoreThreshold     float64
	aggregateThreshold float64
	bm25K1             float64
	bm25B              float64
}

// NewReRanker creates a ReRanker.
func NewReRanker(client CrossEncoderClient, topK int, scoreThreshold, aggregateThreshold, bm25K1, bm25B float64) *ReRanker {
	if topK <= 0 {
		topK = 5
	}
	if bm25K1 <= 0 {
		bm25K1 = 1.5
	}
	if bm25B <= 0 {
		bm25B = 0.75
	}
	return &ReRanker{
		client:             client,
		topK:               topK,
		scoreThreshold:     scoreThreshold,
		aggregateThreshold: aggregateThreshold,
		bm25K1:             bm25K1,
		bm25B:              bm25B,
	}
}

// Rerank scores docs against query with the cross-encoder and returns the
// top-K, sorted by descending score.
func (r *ReRanker) Rerank(ctx context.Context, query string, docs []model.RetrievedDocument) ([]model.RetrievedDocument, error) {
	if len(docs) == 0 {
		return nil, nil
	}

	passages := make([]string, len(docs))
	for i, d := range docs {
		passages[i] = d.Chunk.Content
	}

	scores, err := r.client.Score(ctx, query, passages)
	if err != nil {
		return nil, fmt.Errorf("service.Rerank: %w", err)
	}
	if len(scores) != len(docs) {
		return nil, fmt.Errorf("service.Rerank: got %d scores for %d docs", len(scores), len(docs))
	}

	ranked := make([]model.RetrievedDocument, len(docs))
	copy(ranked, docs)
	for i := range ranked {
		ranked[i].Score = scores[i]
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	if len(ranked) > r.topK {
		ranked = ranked[:r.topK]
	}
	return ranked, nil
}

// RerankWithThreshold reranks and then drops any document scoring below
// the configured score threshold.
func (r *ReRanker) RerankWithThreshold(ctx context.Context, query string, docs []model.RetrievedDocument) ([]model.RetrievedDocument, error) {
	ranked, err := r.Rerank(ctx, query, docs)
	if err != nil {
		return nil, err
	}

	filtered := ranked[:0:0]
	for _, d := range ranked {
		if d.Score >= r.scoreThreshold {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// RerankAcrossQueries scores docs against every query (a multi-query
// expansion's variants) and aggregates each document's score as the sum
// across queries, keeping only documents whose aggregate clears
// aggregateThreshold. This is the open question resolved in DESIGN.md:
// the threshold is a tunable, not hard-coded.
func (r *ReRanker) RerankAcrossQueries(ctx context.Context, queries []string, docs []model.RetrievedDocument) ([]model.RetrievedDocument, error) {
	if len(docs) == 0 || len(queries) == 0 {
		return nil, nil
	}

	sums := make([]float64, len(docs))
	passages := make([]string, len(docs))
	for i, d := range docs {
		passages[i] = d.Chunk.Content
	}

	for _, q := range queries {
		scores, err := r.client.Score(ctx, q, passages)
		if err != nil {
			return nil, fmt.Errorf("service.RerankAcrossQueries: query %q: %w", q, err)
		}
		if len(scores) != len(docs) {
			return nil, fmt.Errorf("service.RerankAcrossQueries: got %d scores for %d docs", len(scores), len(docs))
		}
		for i, s := range scores {
			sums[i] += s
		}
	}

	ranked := make([]model.RetrievedDocument, len(docs))
	copy(ranked, docs)
	for i := range ranked {
		ranked[i].Score = sums[i]
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	filtered := ranked[:0:0]
	for _, d := range ranked {
		if d.Score >= r.aggregateThreshold {
			filtered = append(filtered, d)
		}
	}
	if len(filtered) > r.topK {
		filtered = filtered[:r.topK]
	}
	return filtered, nil
}

// BM25Rerank scores a query against a full corpus of chunks with the
// Okapi BM25 formula and returns the top-K as RetrievedDocuments. Used
// as the lexical half of hybrid retrieval's RRF fusion.
func (r *ReRanker) BM25Rerank(query string, corpus []model.Chunk, topK int) []model.RetrievedDocument {
	if len(corpus) == 0 {
		return nil
	}
	if topK <= 0 {
		topK = r.topK
	}

	queryTerms := tokenize(query)
	docTerms := make([][]string, len(corpus))
	docLen := make([]int, len(corpus))
	df := make(map[string]int)

	for i, c := range corpus {
		terms := tokenize(c.Content)
		docTerms[i] = terms
		docLen[i] = len(terms)
		seen := make(map[string]bool)
		for _, t := range terms {
			if !seen[t] {
				df[t]++
				seen[t] = true
			}
		}
	}

	var totalLen int
	for _, l := range docLen {
		totalLen += l
	}
	avgdl := float64(totalLen) / float64(len(corpus))
	n := float64(len(corpus))

	scores := make([]float64, len(corpus))
	for i, terms := range docTerms {
		tf := make(map[string]int)
		for _, t := range terms {
			tf[t]++
		}
		var score float64
		for _, qt := range queryTerms {
			f := float64(tf[qt])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[qt])+0.5)/(float64(df[qt])+0.5))
			denom := f + r.bm25K1*(1-r.bm25B+r.bm25B*float64(docLen[i])/avgdl)
			score += idf * (f * (r.bm25K1 + 1)) / denom
		}
		scores[i] = score
	}

	ranked := make([]model.RetrievedDocument, len(corpus))
	for i, c := range corpus {
		ranked[i] = model.RetrievedDocument{Chunk: c, Score: scores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

// stopwords excluded from BM25 scoring and jaccard diversity comparisons.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "has": true, "he": true,
	"in": true, "is": true, "it": true, "its": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "was": true, "were": true,
	"will": true, "with": true,
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := fields[:0:0]
	for _, f := range fields {
		if !stopwords[f] {
			out = append(out, f)
		}
	}
	return out
}
