package service

import (
	"testing"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

func TestMultiQueryGenerator_Generate(t *testing.T) {
	g := NewMultiQueryGenerator()
	facts := model.PatientFacts{
		Age:         72,
		Gender:      model.GenderFemale,
		Medications: []string{"lorazepam", "zolpidem"},
		Conditions:  []string{"insomnia"},
	}

	got := g.Generate(facts)
	want := []string{
		"What are the recommendations for a 72 years old female taking lorazepam?",
		"What are the recommendations for a 72 years old female taking zolpidem?",
		"What are the recommendations for a 72 years old female with insomnia?",
	}

	if len(got) != len(want) {
		t.Fatalf("got %d questions, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("question %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMultiQueryGenerator_NoMedicationsOrConditions(t *testing.T) {
	g := NewMultiQueryGenerator()
	got := g.Generate(model.PatientFacts{Age: 60, Gender: model.GenderMale})
	if len(got) != 0 {
		t.Errorf("expected no sub-questions, got %v", got)
	}
}

func TestGenderText(t *testing.T) {
	cases := map[model.Gender]string{
		model.GenderMale:   "male",
		model.GenderFemale: "female",
		model.GenderOther:  "other",
	}
	for g, want := range cases {
		if got := genderText(g); got != want {
			t.Errorf("genderText(%q) = %q, want %q", g, got, want)
		}
	}
}
