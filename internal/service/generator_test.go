package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

// mockGenAIClient implements GenAIClient for testing.
type mockGenAIClient struct {
	response string
	err      error
}

func (m *mockGenAIClient) GenerateContent(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.response, nil
}

func testDocs() []model.RetrievedDocument {
	return []model.RetrievedDocument{
		{
			Chunk: model.Chunk{ID: "chunk-1", SourceID: "deprescribing-benzos.pdf", Collection: model.CollectionUnstructured,
				Content: "Taper benzodiazepines gradually over 8-12 weeks to avoid withdrawal."},
			Score: 0.95,
		},
		{
			Chunk: model.Chunk{ID: "chunk-2", SourceID: "interactions.csv", Collection: model.CollectionStructured,
				Content: "Lorazepam with zolpidem increases fall risk in elderly patients."},
			Score: 0.88,
		},
	}
}

func testFacts() model.PatientFacts {
	return model.PatientFacts{
		Age:         72,
		Gender:      model.GenderFemale,
		Medications: []string{"lorazepam", "zolpidem"},
		Conditions:  []string{"insomnia"},
	}
}

func TestGenerate_Success(t *testing.T) {
	client := &mockGenAIClient{
		response: `{"answer": "Taper slowly [1]. Watch for fall risk [2].", "citations": [{"chunkIndex": 1, "excerpt": "Taper benzodiazepines gradually", "relevance": 0.95}, {"chunkIndex": 2, "excerpt": "increases fall risk", "relevance": 0.88}], "confidence": 0.92}`,
	}
	svc := NewGeneratorService(client, "gemini-1.5-flash")

	result, err := svc.Generate(context.Background(), testFacts(), "Can we stop the lorazepam?", testDocs())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if result.Answer == "" {
		t.Error("expected non-empty answer")
	}
	if len(result.Citations) != 2 {
		t.Errorf("citations count = %d, want 2", len(result.Citations))
	}
	if result.Confidence < 0.9 {
		t.Errorf("confidence = %f, want >= 0.9", result.Confidence)
	}
	if result.ModelUsed != "gemini-1.5-flash" {
		t.Errorf("ModelUsed = %q, want %q", result.ModelUsed, "gemini-1.5-flash")
	}
	if result.LatencyMs < 0 {
		t.Errorf("LatencyMs = %d, want >= 0", result.LatencyMs)
	}
}

func TestGenerate_CitationMapping(t *testing.T) {
	client := &mockGenAIClient{
		response: `{"answer": "Answer [1].", "citations": [{"chunkIndex": 1, "excerpt": "the excerpt", "relevance": 0.9}], "confidence": 0.85}`,
	}
	svc := NewGeneratorService(client, "gemini-1.5-flash")

	result, err := svc.Generate(context.Background(), testFacts(), "query", testDocs())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if len(result.Citations) != 1 {
		t.Fatalf("citations = %d, want 1", len(result.Citations))
	}

	cit := result.Citations[0]
	if cit.ChunkID != "chunk-1" {
		t.Errorf("ChunkID = %q, want %q", cit.ChunkID, "chunk-1")
	}
	if cit.SourceID != "deprescribing-benzos.pdf" {
		t.Errorf("SourceID = %q, want %q", cit.SourceID, "deprescribing-benzos.pdf")
	}
	if cit.Index != 1 {
		t.Errorf("Index = %d, want 1", cit.Index)
	}
}

func TestGenerate_EmptyQuery(t *testing.T) {
	svc := NewGeneratorService(&mockGenAIClient{}, "model")

	_, err := svc.Generate(context.Background(), testFacts(), "", nil)
	if err == nil {
		t.Fatal("expected error for empty query")
	}
}

func TestGenerate_ClientError(t *testing.T) {
	client := &mockGenAIClient{err: fmt.Errorf("rate limit")}
	svc := NewGeneratorService(client, "model")

	_, err := svc.Generate(context.Background(), testFacts(), "query", testDocs())
	if err == nil {
		t.Fatal("expected error when client fails")
	}
}

func TestGenerate_MalformedJSON(t *testing.T) {
	client := &mockGenAIClient{response: "Taper gradually over several weeks."}
	svc := NewGeneratorService(client, "model")

	result, err := svc.Generate(context.Background(), testFacts(), "query", testDocs())
	if err != nil {
		t.Fatalf("Generate() should handle malformed JSON gracefully: %v", err)
	}

	if result.Answer != "Taper gradually over several weeks." {
		t.Errorf("answer = %q, want raw text", result.Answer)
	}
	if len(result.Citations) != 0 {
		t.Errorf("citations = %d, want 0 for malformed response", len(result.Citations))
	}
	if result.Confidence != 0.5 {
		t.Errorf("confidence = %f, want 0.5 (fallback)", result.Confidence)
	}
}

func TestGenerate_JSONWithCodeFences(t *testing.T) {
	client := &mockGenAIClient{
		response: "```json\n{\"answer\": \"fenced answer\", \"citations\": [], \"confidence\": 0.8}\n```",
	}
	svc := NewGeneratorService(client, "model")

	result, err := svc.Generate(context.Background(), testFacts(), "query", testDocs())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if result.Answer != "fenced answer" {
		t.Errorf("answer = %q, want %q", result.Answer, "fenced answer")
	}
}

func TestGenerate_OutOfRangeCitation(t *testing.T) {
	client := &mockGenAIClient{
		response: `{"answer": "answer", "citations": [{"chunkIndex": 5, "excerpt": "bad", "relevance": 0.9}], "confidence": 0.7}`,
	}
	svc := NewGeneratorService(client, "model")

	result, err := svc.Generate(context.Background(), testFacts(), "query", testDocs())
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	if len(result.Citations) != 0 {
		t.Errorf("citations = %d, want 0 (out-of-range filtered)", len(result.Citations))
	}
}

func TestGenerate_EmptyDocsUsesSentinel(t *testing.T) {
	client := &mockGenAIClient{response: `{"answer": "no guidance found", "citations": [], "confidence": 0.3}`}
	svc := NewGeneratorService(client, "model")

	result, err := svc.Generate(context.Background(), testFacts(), "query", nil)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if result.Answer != "no guidance found" {
		t.Errorf("answer = %q", result.Answer)
	}
}

func TestBuildGenerationPrompt(t *testing.T) {
	prompt := buildGenerationPrompt(testFacts(), "Can we stop the lorazepam?", testDocs())

	if !strings.Contains(prompt, "[1]") {
		t.Error("prompt should index the first chunk as [1]")
	}
	if !strings.Contains(prompt, "Can we stop the lorazepam?") {
		t.Error("prompt should contain the query")
	}
	if !strings.Contains(prompt, testFacts().Fingerprint()) {
		t.Error("prompt should contain the patient fingerprint")
	}
}

func TestBuildGenerationPrompt_EmptyDocsUsesSentinel(t *testing.T) {
	prompt := buildGenerationPrompt(testFacts(), "query", nil)
	if !strings.Contains(prompt, sentinelAugmentation) {
		t.Error("prompt should contain the sentinel augmentation when no docs were retrieved")
	}
}

func TestParseGenerationResponse_ValidJSON(t *testing.T) {
	raw := `{"answer": "test answer", "citations": [{"chunkIndex": 1, "excerpt": "ex", "relevance": 0.9}], "confidence": 0.88}`

	result, err := parseGenerationResponse(raw, testDocs())
	if err != nil {
		t.Fatalf("parseGenerationResponse() error: %v", err)
	}

	if result.Answer != "test answer" {
		t.Errorf("answer = %q, want %q", result.Answer, "test answer")
	}
	if result.Confidence != 0.88 {
		t.Errorf("confidence = %f, want 0.88", result.Confidence)
	}
}

func TestParseGenerationResponse_ZeroConfidenceWithCitations(t *testing.T) {
	raw := `{"answer": "answer", "citations": [{"chunkIndex": 1, "excerpt": "ex", "relevance": 0.9}], "confidence": 0}`

	result, _ := parseGenerationResponse(raw, testDocs())
	if result.Confidence <= 0 {
		t.Errorf("confidence should be estimated from citations, got %f", result.Confidence)
	}
}

func TestGenerateWarning(t *testing.T) {
	client := &mockGenAIClient{response: "I can't continue with this request — please rephrase your question."}
	svc := NewGeneratorService(client, "model")

	msg, err := svc.GenerateWarning(context.Background(), []GuardCategory{GuardCategoryProfanity})
	if err != nil {
		t.Fatalf("GenerateWarning() error: %v", err)
	}
	if msg == "" {
		t.Error("expected non-empty warning message")
	}
}

func TestGenerateWarning_ClientError(t *testing.T) {
	client := &mockGenAIClient{err: fmt.Errorf("timeout")}
	svc := NewGeneratorService(client, "model")

	_, err := svc.GenerateWarning(context.Background(), []GuardCategory{GuardCategoryHate})
	if err == nil {
		t.Fatal("expected error when client fails")
	}
}
