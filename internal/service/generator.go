package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

// GenAIClient abstracts the generative model (Gemini or GPT-4) for testability.
type GenAIClient interface {
	GenerateContent(ctx context.Context, systemPrompt string, userPrompt string) (string, error)
}

// GenerationResult is the output of a single generation call.
type GenerationResult struct {
	Answer     string              `json:"answer"`
	Citations  []model.CitationRef `json:"citations"`
	Confidence float64             `json:"confidence"`
	ModelUsed  string              `json:"modelUsed"`
	LatencyMs  int64               `json:"latencyMs"`
}

// GeneratorService produces grounded, cited deprescribing guidance from
// retrieved context.
type GeneratorService struct {
	client GenAIClient
	model  string
}

// NewGeneratorService creates a GeneratorService.
func NewGeneratorService(client GenAIClient, model string) *GeneratorService {
	return &GeneratorService{client: client, model: model}
}

// Generate produces a cited answer for a query using reranked chunks as context.
func (s *GeneratorService) Generate(ctx context.Context, facts model.PatientFacts, query string, docs []model.RetrievedDocument) (*GenerationResult, error) {
	if query == "" {
		return nil, fmt.Errorf("service.Generate: query is empty")
	}

	start := time.Now()

	userPrompt := buildGenerationPrompt(facts, query, docs)

	raw, err := s.client.GenerateContent(ctx, deprescribingSystemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("service.Generate: %w", err)
	}

	result, err := parseGenerationResponse(raw, docs)
	if err != nil {
		return nil, fmt.Errorf("service.Generate: parse: %w", err)
	}

	result.ModelUsed = s.model
	result.LatencyMs = time.Since(start).Milliseconds()

	return result, nil
}

const deprescribingSystemPrompt = `You are a clinical deprescribing assistant. You help clinicians decide
whether and how to safely taper or stop a patient's medications, grounded
strictly in the provided context.

Rules:
- Only use the provided context chunks to answer. Never speculate or use
  outside knowledge about drug interactions or tapering schedules.
- Cite every factual claim inline as [1], [2], [3] referencing the chunk
  index it came from.
- If the context is insufficient to give a safe recommendation, say so
  explicitly rather than guessing.
- If the context chunks say no matching guidance was found, answer with
  general deprescribing caution only, explicitly flagged as not sourced
  from the knowledge base, and recommend specialist review.
- Never recommend stopping a medication abruptly when the context
  describes a taper schedule.
- Return your response as JSON: {"answer": "...", "citations":
  [{"chunkIndex": 1, "excerpt": "...", "relevance": 0.9}], "confidence": 0.85}`

// sentinelAugmentation is the fixed context string used when retrieval
// returns no documents.
const sentinelAugmentation = "No matching clinical guidance was found in the knowledge base for this patient profile."

// warningSystemPrompt drives GenerateWarning: a short, templated refusal
// for a turn the Guard flagged (profanity/PII/threat/hate) but did not
// hard-reject. No patient context is included — the point is to decline
// the turn, not to answer it.
const warningSystemPrompt = `A clinician's message to a deprescribing assistant tripped a content
filter (not a prompt-injection attempt). Write one short, professional
sentence declining to proceed with this turn and asking the clinician to
rephrase. Do not repeat or quote the flagged content. Do not mention the
filter categories by name.`

// GenerateWarning produces the templated decline-and-ask-to-rephrase
// message for non-injection Guard violations.
func (s *GeneratorService) GenerateWarning(ctx context.Context, violations []GuardCategory) (string, error) {
	labels := make([]string, len(violations))
	for i, v := range violations {
		labels[i] = string(v)
	}
	prompt := fmt.Sprintf("Flagged categories: %s", strings.Join(labels, ", "))

	raw, err := s.client.GenerateContent(ctx, warningSystemPrompt, prompt)
	if err != nil {
		return "", fmt.Errorf("service.GenerateWarning: %w", err)
	}
	return strings.TrimSpace(raw), nil
}

// buildGenerationPrompt assembles the user message: patient facts,
// reranked context chunks, and the clinician's query.
func buildGenerationPrompt(facts model.PatientFacts, query string, docs []model.RetrievedDocument) string {
	var sb strings.Builder

	sb.WriteString("=== PATIENT ===\n")
	sb.WriteString(facts.Fingerprint())
	sb.WriteString("\n\n=== CONTEXT CHUNKS ===\n")
	if len(docs) == 0 {
		sb.WriteString(sentinelAugmentation)
		sb.WriteString("\n\n")
	}
	for i, d := range docs {
		sb.WriteString(fmt.Sprintf("[%d] (source: %s, collection: %s, score: %.3f)\n%s\n\n",
			i+1, d.Chunk.SourceID, d.Chunk.Collection, d.Score, d.Chunk.Content))
	}

	sb.WriteString("=== QUERY ===\n")
	sb.WriteString(query)
	sb.WriteString("\n\nRespond with JSON: {\"answer\": \"...\", \"citations\": [{\"chunkIndex\": N, \"excerpt\": \"...\", \"relevance\": 0.0-1.0}], \"confidence\": 0.0-1.0}")

	return sb.String()
}

// generationJSON is the expected JSON structure from the model.
type generationJSON struct {
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Citations  []struct {
		ChunkIndex int     `json:"chunkIndex"`
		Excerpt    string  `json:"excerpt"`
		Relevance  float64 `json:"relevance"`
	} `json:"citations"`
}

// parseGenerationResponse extracts structured data from the model's raw response.
func parseGenerationResponse(raw string, docs []model.RetrievedDocument) (*GenerationResult, error) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) >= 3 {
			cleaned = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	var parsed generationJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return &GenerationResult{
			Answer:     raw,
			Citations:  []model.CitationRef{},
			Confidence: 0.5,
		}, nil
	}

	citations := make([]model.CitationRef, 0, len(parsed.Citations))
	for _, c := range parsed.Citations {
		idx := c.ChunkIndex
		if idx < 1 || idx > len(docs) {
			continue
		}
		chunk := docs[idx-1].Chunk
		citations = append(citations, model.CitationRef{
			Index:    idx,
			ChunkID:  chunk.ID,
			SourceID: chunk.SourceID,
			Excerpt:  c.Excerpt,
		})
	}

	confidence := parsed.Confidence
	if confidence <= 0 && len(citations) > 0 {
		confidence = float64(len(citations)) * 0.2
		if confidence > 1.0 {
			confidence = 1.0
		}
	}

	return &GenerationResult{
		Answer:     parsed.Answer,
		Citations:  citations,
		Confidence: confidence,
	}, nil
}
