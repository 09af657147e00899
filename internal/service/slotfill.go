package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

// SlotFiller is the `retrieve_patient_info` LLM call: given the user's
// message and the prior current_info_text, it emits a four-line block
// with canonical field names, leaving a field blank when nothing new was
// said about it.
//
// Keeping structured PatientFacts as the source of truth and rendering
// the string only for prompts, this service parses that
// four-line block straight into model.PatientFacts and merges it into
// the conversation's accumulated facts — current_info_text is rendered
// only as the prompt input, never stored as the accumulator.
type SlotFiller struct {
	client GenAIClient
}

// NewSlotFiller creates a SlotFiller.
func NewSlotFiller(client GenAIClient) *SlotFiller {
	return &SlotFiller{client: client}
}

const slotFillSystemPrompt = `You extract patient facts from a clinician's message for a
deprescribing assistant. Given the message and what is already known,
output EXACTLY four lines, nothing else, in this format:

Age:
Gender:
Medications:
Medical Conditions:

Fill in a field only with facts explicitly stated in the message or
already known. Leave a field blank (just the label) if still unknown.
Age is a number. Gender is Male or Female. Medications and Medical
Conditions are comma-separated lists.`

// Extract renders currentInfoText from facts, calls the LLM with
// message, parses the returned four-line block, and merges it into
// facts. Fields already set in facts are only overwritten when the
// model reports a new, non-blank value for the same slot — silence
// never clears an accumulated slot.
func (s *SlotFiller) Extract(ctx context.Context, facts model.PatientFacts, message string) (model.PatientFacts, error) {
	if strings.TrimSpace(message) == "" {
		return facts, nil
	}

	currentInfoText := renderCurrentInfoText(facts)
	prompt := fmt.Sprintf("=== KNOWN SO FAR ===\n%s\n\n=== NEW MESSAGE ===\n%s", currentInfoText, message)

	raw, err := s.client.GenerateContent(ctx, slotFillSystemPrompt, prompt)
	if err != nil {
		return facts, fmt.Errorf("service.SlotFiller.Extract: %w", err)
	}

	extracted := parseSlotFillBlock(raw)
	return mergeFacts(facts, extracted), nil
}

// renderCurrentInfoText renders facts as the four-line block the slot
// filler prompt expects as "known so far" context.
func renderCurrentInfoText(facts model.PatientFacts) string {
	var sb strings.Builder
	sb.WriteString("Age: ")
	if facts.Age > 0 {
		fmt.Fprintf(&sb, "%d", facts.Age)
	}
	sb.WriteString("\nGender: ")
	sb.WriteString(string(facts.Gender))
	sb.WriteString("\nMedications: ")
	sb.WriteString(strings.Join(facts.Medications, ", "))
	sb.WriteString("\nMedical Conditions: ")
	sb.WriteString(strings.Join(facts.Conditions, ", "))
	return sb.String()
}

// parseSlotFillBlock parses the canonical four-line "Age:/Gender:/
// Medications:/Medical Conditions:" block into PatientFacts. Unknown or
// malformed lines are simply left at their zero value.
func parseSlotFillBlock(raw string) model.PatientFacts {
	var facts model.PatientFacts

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}

		switch strings.ToLower(strings.TrimSpace(key)) {
		case "age":
			var age int
			if _, err := fmt.Sscanf(value, "%d", &age); err == nil && age > 0 {
				facts.Age = age
			}
		case "gender":
			facts.Gender = normalizeGender(value)
		case "medications":
			facts.Medications = splitCSVList(value)
		case "medical conditions", "conditions":
			facts.Conditions = splitCSVList(value)
		}
	}

	return facts
}

func normalizeGender(value string) model.Gender {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "male", "m":
		return model.GenderMale
	case "female", "f":
		return model.GenderFemale
	default:
		return model.GenderUnknown
	}
}

func splitCSVList(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// mergeFacts takes Age and Gender from extracted whenever extracted
// carries a value, and appends any newly mentioned medications/conditions
// not already present (case-insensitive). Once a slot is filled it is only overwritten by a
// later explicit statement, never cleared by silence.
func mergeFacts(facts, extracted model.PatientFacts) model.PatientFacts {
	merged := facts

	if extracted.Age > 0 {
		merged.Age = extracted.Age
	}
	if extracted.Gender != model.GenderUnknown {
		merged.Gender = extracted.Gender
	}
	merged.Medications = mergeStringSlots(merged.Medications, extracted.Medications)
	merged.Conditions = mergeStringSlots(merged.Conditions, extracted.Conditions)

	return merged
}

func mergeStringSlots(existing, additions []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, e := range existing {
		seen[strings.ToLower(e)] = true
	}

	result := existing
	for _, a := range additions {
		a = strings.TrimSpace(a)
		if a == "" || seen[strings.ToLower(a)] {
			continue
		}
		seen[strings.ToLower(a)] = true
		result = append(result, a)
	}
	return result
}
