package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

var (
	turnMu  sync.Mutex
	turning = make(map[string]bool)
)

// fixedInjectionRejection is the hard-reject answer for a Guard injection
// violation. Unlike other violations it never reaches the Generator — an
// injection attempt is exactly the kind of input a prompt-bound LLM call
// shouldn't be trusted to phrase a response to.
const fixedInjectionRejection = "This request can't be processed."

// fixedProcessingFailure is the user-visible answer for a turn aborted by
// a downstream timeout or error. No partial cache writes happen on this path.
const fixedProcessingFailure = "Sorry, something went wrong processing that. Please try again."

// Retriever abstracts the strategies HandleTurn needs from
// RetrieverService, keeping the pipeline testable against a fake.
type Retriever interface {
	RetrieveMultiQuery(ctx context.Context, queries []string, collection model.Collection) (*RetrievalResult, error)
}

// ReRankerService abstracts the policies HandleTurn needs from ReRanker.
type ReRankerService interface {
	RerankAcrossQueries(ctx context.Context, queries []string, docs []model.RetrievedDocument) ([]model.RetrievedDocument, error)
}

// Generator abstracts the generation calls HandleTurn needs from
// GeneratorService.
type Generator interface {
	Generate(ctx context.Context, facts model.PatientFacts, query string, docs []model.RetrievedDocument) (*GenerationResult, error)
	GenerateWarning(ctx context.Context, violations []GuardCategory) (string, error)
}

// PipelineCache abstracts the two-tier cache's combined contract as the pipeline
// consumes it: try exact first, then semantic, on a miss update both.
type PipelineCache interface {
	Lookup(ctx context.Context, key, modelTag string) (string, bool, error)
	Update(ctx context.Context, key, content, modelTag string, ttlSeconds int) error
}

// SlotFillerService abstracts the LLM-driven fact extractor HandleTurn needs.
type SlotFillerService interface {
	Extract(ctx context.Context, facts model.PatientFacts, message string) (model.PatientFacts, error)
}

// ValidatorService abstracts the completeness gate HandleTurn needs.
type ValidatorService interface {
	Validate(ctx context.Context, currentInfoText string) (bool, error)
}

// GuardService abstracts the pre-filter HandleTurn needs.
type GuardService interface {
	Check(text string) GuardResult
}

// MultiQuery abstracts the sub-question generator HandleTurn needs.
type MultiQuery interface {
	Generate(facts model.PatientFacts) []string
}

// PipelineService orchestrates one conversation turn end to end: guard →
// slot-fill → validate → cache → retrieve → rerank → generate → cache
// update, generalized from a per-document ingestion pipeline (same
// step-numbered slog.Info style, same per-ID concurrency guard) into a
// per-conversation HandleTurn flow.
type PipelineService struct {
	guard      GuardService
	slotFiller SlotFillerService
	validator  ValidatorService
	cacheExact PipelineCache
	cacheSem   PipelineCache
	multiQuery MultiQuery
	retriever  Retriever
	reranker   ReRankerService
	generator  Generator
	modelTag   string
	collection model.Collection
}

// NewPipelineService creates a PipelineService with all required dependencies.
func NewPipelineService(
	guard GuardService,
	slotFiller SlotFillerService,
	validator ValidatorService,
	cacheExact PipelineCache,
	cacheSem PipelineCache,
	multiQuery MultiQuery,
	retriever Retriever,
	reranker ReRankerService,
	generator Generator,
	modelTag string,
	collection model.Collection,
) *PipelineService {
	return &PipelineService{
		guard:      guard,
		slotFiller: slotFiller,
		validator:  validator,
		cacheExact: cacheExact,
		cacheSem:   cacheSem,
		multiQuery: multiQuery,
		retriever:  retriever,
		reranker:   reranker,
		generator:  generator,
		modelTag:   modelTag,
		collection: collection,
	}
}

// HandleTurn runs one conversational turn end to end against conv,
// mutating conv.Facts/State in place and returning the assistant's
// reply. A turn for a conversation ID that already has a turn in flight
// is rejected with an error rather than queued, since a turn mutates
// conv.Facts and two concurrent turns for the same conversation would
// race on that merge.
func (s *PipelineService) HandleTurn(ctx context.Context, userText string, conv *model.Conversation) (string, error) {
	turnMu.Lock()
	if turning[conv.ID] {
		turnMu.Unlock()
		return "", fmt.Errorf("pipeline.HandleTurn: conversation %s already has a turn in flight", conv.ID)
	}
	turning[conv.ID] = true
	turnMu.Unlock()

	defer func() {
		turnMu.Lock()
		delete(turning, conv.ID)
		turnMu.Unlock()
	}()

	slog.Info("pipeline turn starting", "conversation_id", conv.ID, "state", conv.State)

	// Step 1: Guard.
	slog.Info("pipeline step 1: guard check", "conversation_id", conv.ID)
	guardResult := s.guard.Check(userText)
	if !guardResult.Safe {
		if guardResult.HasCategory(GuardCategoryInjection) {
			slog.Warn("pipeline guard rejected turn: injection", "conversation_id", conv.ID)
			return fixedInjectionRejection, nil
		}
		slog.Warn("pipeline guard flagged turn", "conversation_id", conv.ID, "violations", guardResult.Violations)
		warning, err := s.generator.GenerateWarning(ctx, guardResult.Violations)
		if err != nil {
			slog.Error("pipeline guard warning generation failed", "conversation_id", conv.ID, "error", err)
			return fixedProcessingFailure, nil
		}
		return warning, nil
	}

	// Step 2: Update current_info_text via the slot filler.
	slog.Info("pipeline step 2: slot-filling", "conversation_id", conv.ID)
	facts, err := s.slotFiller.Extract(ctx, conv.Facts, userText)
	if err != nil {
		slog.Error("pipeline slot-fill failed", "conversation_id", conv.ID, "error", err)
		return fixedProcessingFailure, nil
	}
	conv.Facts = facts

	// Step 3: Validate completeness.
	slog.Info("pipeline step 3: validating completeness", "conversation_id", conv.ID)
	complete, err := s.validator.Validate(ctx, renderCurrentInfoText(conv.Facts))
	if err != nil {
		slog.Error("pipeline validation failed", "conversation_id", conv.ID, "error", err)
		return fixedProcessingFailure, nil
	}
	if !complete {
		conv.State = model.StateCollecting
		followUp := followUpPrompt(conv.Facts)
		slog.Info("pipeline turn incomplete, asking follow-up", "conversation_id", conv.ID, "missing", conv.Facts.MissingSlots())
		return followUp, nil
	}
	conv.State = model.StateReady

	// Step 4: Build Fingerprint from accumulated facts.
	fingerprint := conv.Facts.Fingerprint()
	fingerprintSum := sha256.Sum256([]byte(fingerprint))
	slog.Info("pipeline step 4: fingerprint built", "conversation_id", conv.ID, "fingerprint_hash", fmt.Sprintf("%x", fingerprintSum[:8]))

	// Step 5: Cache lookup — exact tier first, then semantic.
	slog.Info("pipeline step 5: cache lookup", "conversation_id", conv.ID)
	if answer, hit, err := s.cacheExact.Lookup(ctx, fingerprint, s.modelTag); err != nil {
		slog.Warn("pipeline exact cache lookup failed", "conversation_id", conv.ID, "error", err)
	} else if hit {
		slog.Info("pipeline exact cache hit", "conversation_id", conv.ID)
		return s.finishAnswered(conv, answer), nil
	}
	if s.cacheSem != nil {
		if answer, hit, err := s.cacheSem.Lookup(ctx, fingerprint, s.modelTag); err != nil {
			slog.Warn("pipeline semantic cache lookup failed", "conversation_id", conv.ID, "error", err)
		} else if hit {
			slog.Info("pipeline semantic cache hit", "conversation_id", conv.ID)
			return s.finishAnswered(conv, answer), nil
		}
	}

	// Step 6: Retrieve — default strategy fans out across sub-questions.
	slog.Info("pipeline step 6: retrieving", "conversation_id", conv.ID)
	queries := s.multiQuery.Generate(conv.Facts)
	if len(queries) == 0 {
		queries = []string{fingerprint}
	}
	retrieval, err := s.retriever.RetrieveMultiQuery(ctx, queries, s.collection)
	if err != nil {
		slog.Error("pipeline retrieval failed", "conversation_id", conv.ID, "error", err)
		return fixedProcessingFailure, nil
	}

	// Step 7: ReRank — rerank_across_queries, since retrieval used multi_query.
	slog.Info("pipeline step 7: reranking", "conversation_id", conv.ID, "candidates", len(retrieval.Documents))
	reranked, err := s.reranker.RerankAcrossQueries(ctx, queries, retrieval.Documents)
	if err != nil {
		slog.Error("pipeline rerank failed", "conversation_id", conv.ID, "error", err)
		return fixedProcessingFailure, nil
	}

	// Step 8: Augment (handled inline by Generator.Generate's prompt
	// assembly, which substitutes the fixed sentinel when docs is empty).
	slog.Info("pipeline step 8: augmenting", "conversation_id", conv.ID, "docs", len(reranked))

	// Step 9: Generate.
	slog.Info("pipeline step 9: generating", "conversation_id", conv.ID)
	result, err := s.generator.Generate(ctx, conv.Facts, fingerprint, reranked)
	if err != nil {
		slog.Error("pipeline generation failed", "conversation_id", conv.ID, "error", err)
		return fixedProcessingFailure, nil
	}

	// Step 10: Cache update — both tiers, last-writer-wins.
	slog.Info("pipeline step 10: updating cache", "conversation_id", conv.ID)
	if err := s.cacheExact.Update(ctx, fingerprint, result.Answer, s.modelTag, 0); err != nil {
		slog.Warn("pipeline exact cache update failed", "conversation_id", conv.ID, "error", err)
	}
	if s.cacheSem != nil {
		if err := s.cacheSem.Update(ctx, fingerprint, result.Answer, s.modelTag, 0); err != nil {
			slog.Warn("pipeline semantic cache update failed", "conversation_id", conv.ID, "error", err)
		}
	}

	// Step 11: Clear current_info_text, return assistant_text.
	slog.Info("pipeline turn completed", "conversation_id", conv.ID)
	return s.finishAnswered(conv, result.Answer), nil
}

// finishAnswered transitions conv to Answered and clears accumulated facts.
func (s *PipelineService) finishAnswered(conv *model.Conversation, answer string) string {
	conv.State = model.StateAnswered
	conv.Facts = model.PatientFacts{}
	return answer
}

// followUpPrompt renders the fixed clarifying question for whichever
// slots are still missing, in canonical order.
func followUpPrompt(facts model.PatientFacts) string {
	missing := facts.MissingSlots()
	if len(missing) == 0 {
		return "Could you confirm the patient's details once more?"
	}
	return fmt.Sprintf("To continue, could you share the patient's %s?", strings.Join(missing, ", "))
}
