package service

import (
	"fmt"
	"strings"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

// MultiQueryGenerator fans retrieval out over one question per medication
// and per condition, in the fixed form "What are the recommendations for
// a <age> years old <gender> [taking|with] <term>?". The template leaves
// no wording freedom once age/gender/term are known, so this is a plain
// formatter rather than an LLM call — see DESIGN.md.
type MultiQueryGenerator struct{}

// NewMultiQueryGenerator creates a MultiQueryGenerator.
func NewMultiQueryGenerator() *MultiQueryGenerator {
	return &MultiQueryGenerator{}
}

// Generate renders one sub-question per medication ("taking <med>") and
// per condition ("with <condition>"). Order is medications first, then
// conditions, each in the order they appear on facts.
func (g *MultiQueryGenerator) Generate(facts model.PatientFacts) []string {
	gender := genderText(facts.Gender)

	questions := make([]string, 0, len(facts.Medications)+len(facts.Conditions))
	for _, med := range facts.Medications {
		questions = append(questions, subQuestion(facts.Age, gender, "taking", med))
	}
	for _, cond := range facts.Conditions {
		questions = append(questions, subQuestion(facts.Age, gender, "with", cond))
	}
	return questions
}

func subQuestion(age int, gender, verb, term string) string {
	return fmt.Sprintf("What are the recommendations for a %d years old %s %s %s?", age, gender, verb, term)
}

func genderText(g model.Gender) string {
	switch g {
	case model.GenderMale:
		return "male"
	case model.GenderFemale:
		return "female"
	default:
		return strings.ToLower(string(model.GenderOther))
	}
}
