package service

import (
	"context"
	"testing"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

func benchFacts() model.PatientFacts {
	return model.PatientFacts{
		Age:         72,
		Gender:      model.GenderFemale,
		Medications: []string{"lorazepam", "zolpidem"},
		Conditions:  []string{"insomnia", "anxiety"},
	}
}

func BenchmarkHandleTurn_CacheHit(b *testing.B) {
	p, _, _ := newTestPipeline(pipelineTestOpts{
		guard:       GuardResult{Safe: true},
		slotFacts:   benchFacts(),
		complete:    true,
		exactHit:    true,
		exactAnswer: "taper gradually over 8-12 weeks",
	})

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		conv := &model.Conversation{ID: "bench-conv", State: model.StateCollecting}
		_, _ = p.HandleTurn(ctx, "can we stop the lorazepam", conv)
	}
}

func BenchmarkHandleTurn_FullRetrievalPath(b *testing.B) {
	p, _, _ := newTestPipeline(pipelineTestOpts{
		guard:     GuardResult{Safe: true},
		slotFacts: benchFacts(),
		complete:  true,
		genResult: &GenerationResult{Answer: "taper gradually", Confidence: 0.8},
	})

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		conv := &model.Conversation{ID: "bench-conv", State: model.StateCollecting}
		_, _ = p.HandleTurn(ctx, "can we stop the lorazepam", conv)
	}
}

func BenchmarkFollowUpPrompt(b *testing.B) {
	facts := model.PatientFacts{Age: 72}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = followUpPrompt(facts)
	}
}
