package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Validator gates the slot-filling controller: a JSON-mode-bound LLM call
// that judges whether the accumulated patient facts are complete enough
// to proceed to retrieval. Its only allowed response shape is
// {"score": true} or {"score": false} — any other output is treated as
// false per spec, with one retry on malformed output since not every
// provider honors a JSON-mode binding as reliably as Gemini's.
type Validator struct {
	client GenAIClient
}

// NewValidator creates a Validator.
func NewValidator(client GenAIClient) *Validator {
	return &Validator{client: client}
}

const validatorSystemPrompt = `You are a strict completeness gate for a clinical deprescribing
assistant's intake form. Given the patient information collected so far,
decide whether ALL of the following are present: a patient age, a gender
(male or female), at least one medication, and at least one medical
condition. Respond with JSON only, no other text: {"score": true} or
{"score": false}.`

// Validate asks the bound LLM whether currentInfoText describes a
// complete patient intake. Malformed output is retried once, then
// treated as false.
func (v *Validator) Validate(ctx context.Context, currentInfoText string) (bool, error) {
	raw, err := v.client.GenerateContent(ctx, validatorSystemPrompt, currentInfoText)
	if err != nil {
		return false, fmt.Errorf("service.Validate: %w", err)
	}

	score, ok := parseValidatorResponse(raw)
	if ok {
		return score, nil
	}

	raw, err = v.client.GenerateContent(ctx, validatorSystemPrompt, currentInfoText)
	if err != nil {
		return false, fmt.Errorf("service.Validate: retry: %w", err)
	}
	score, ok = parseValidatorResponse(raw)
	if !ok {
		return false, nil
	}
	return score, nil
}

type validatorJSON struct {
	Score bool `json:"score"`
}

// parseValidatorResponse strictly parses the {"score": bool} shape.
// ok is false for anything that doesn't match — callers must treat that
// as "false", not as an error.
func parseValidatorResponse(raw string) (score bool, ok bool) {
	cleaned := strings.TrimSpace(raw)
	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) >= 3 {
			cleaned = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	var parsed validatorJSON
	if err := json.Unmarshal([]byte(cleaned), &parsed); err != nil {
		return false, false
	}
	return parsed.Score, true
}
