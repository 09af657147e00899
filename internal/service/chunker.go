package service

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math"
	"strings"

	"github.com/windermere-labs/clinician-deprescriber/internal/model"
)

// ChunkerService splits document text into overlapping chunks of
// configurable character size. Unlike the token-budget splitter it is
// adapted from, sizes here are character counts — the ingestion corpus
// is plain-text PDF/CSV extraction with no tokenizer in the loop.
type ChunkerService struct {
	chunkSize  int     // target characters per chunk (default 1200)
	overlapPct float64 // overlap between adjacent chunks (default 0.20)
}

// NewChunkerService creates a ChunkerService with the given parameters.
func NewChunkerService(chunkSize int, overlapPct float64) *ChunkerService {
	if chunkSize <= 0 {
		chunkSize = 1200
	}
	if overlapPct <= 0 || overlapPct >= 1 {
		overlapPct = 0.20
	}
	return &ChunkerService{
		chunkSize:  chunkSize,
		overlapPct: overlapPct,
	}
}

// Chunk splits text into overlapping chunks tagged with sourceID and collection.
func (s *ChunkerService) Chunk(ctx context.Context, text, sourceID string, collection model.Collection) ([]model.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("service.Chunk: text is empty")
	}

	paragraphs := splitParagraphs(text)
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("service.Chunk: no content after splitting")
	}

	segments := s.buildSegments(paragraphs)
	overlapped := s.applyOverlap(segments)

	chunks := make([]model.Chunk, 0, len(overlapped))
	for i, content := range overlapped {
		content = strings.TrimSpace(content)
		if content == "" {
			continue
		}

		chunks = append(chunks, model.Chunk{
			SourceID:    sourceID,
			Collection:  collection,
			Content:     content,
			ContentHash: sha256Hash(content),
			ChunkIndex:  i,
		})
	}

	for i := range chunks {
		chunks[i].ChunkIndex = i
	}

	return chunks, nil
}

// buildSegments merges small paragraphs and splits large ones to fit chunkSize.
func (s *ChunkerService) buildSegments(paragraphs []string) []string {
	var segments []string
	var current strings.Builder

	for _, para := range paragraphs {
		if current.Len() > 0 && current.Len()+len(para) > s.chunkSize {
			segments = append(segments, current.String())
			current.Reset()
		}

		if len(para) > s.chunkSize {
			if current.Len() > 0 {
				segments = append(segments, current.String())
				current.Reset()
			}
			segments = append(segments, splitLargeParagraph(para, s.chunkSize)...)
			continue
		}

		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}

	if current.Len() > 0 {
		segments = append(segments, current.String())
	}

	return segments
}

// applyOverlap duplicates the last overlapPct of each chunk as prefix of the next.
func (s *ChunkerService) applyOverlap(segments []string) []string {
	if len(segments) <= 1 {
		return segments
	}

	result := make([]string, len(segments))
	result[0] = segments[0]

	for i := 1; i < len(segments); i++ {
		prev := segments[i-1]
		overlapChars := int(math.Ceil(float64(len(prev)) * s.overlapPct))
		tail := lastNChars(prev, overlapChars)

		if tail != "" {
			result[i] = tail + "\n\n" + segments[i]
		} else {
			result[i] = segments[i]
		}
	}

	return result
}

// splitParagraphs splits text on double newlines into paragraphs,
// filtering out empty/whitespace-only entries.
func splitParagraphs(text string) []string {
	raw := strings.Split(text, "\n\n")
	var result []string
	for _, p := range raw {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// splitLargeParagraph splits a paragraph that exceeds chunkSize into
// sentence-boundary-aware sub-chunks.
func splitLargeParagraph(para string, chunkSize int) []string {
	sentences := splitSentences(para)
	var chunks []string
	var current strings.Builder

	for _, sent := range sentences {
		if current.Len() > 0 && current.Len()+len(sent) > chunkSize {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sent)
	}

	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}

	if len(chunks) == 0 && len(para) > 0 {
		chunks = splitByChars(para, chunkSize)
	}

	return chunks
}

// splitSentences does a basic sentence split on ". ", "! ", "? ".
func splitSentences(text string) []string {
	var sentences []string
	current := strings.Builder{}

	for i, r := range text {
		current.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && i+1 < len(text) && text[i+1] == ' ' {
			sentences = append(sentences, strings.TrimSpace(current.String()))
			current.Reset()
		}
	}
	if current.Len() > 0 {
		sentences = append(sentences, strings.TrimSpace(current.String()))
	}
	return sentences
}

// splitByChars splits text into fixed-size character windows, used only
// when a single sentence exceeds chunkSize on its own.
func splitByChars(text string, chunkSize int) []string {
	var chunks []string
	runes := []rune(text)
	for i := 0; i < len(runes); i += chunkSize {
		end := i + chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[i:end]))
	}
	return chunks
}

func lastNChars(text string, n int) string {
	runes := []rune(text)
	if n >= len(runes) {
		return text
	}
	return string(runes[len(runes)-n:])
}

func sha256Hash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)
}
