package model

import "time"

// ConversationState tracks where a conversation sits in the slot-filling
// state machine: Collecting facts, Ready to answer, or Answered.
type ConversationState string

const (
	StateCollecting ConversationState = "Collecting"
	StateReady       ConversationState = "Ready"
	StateAnswered    ConversationState = "Answered"
)

// Turn is a single message exchanged within a conversation.
type Turn struct {
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Conversation is the server-side state for one in-progress clinical
// deprescribing exchange, keyed by ID. The pipeline rejects a second
// turn for an ID while one is still in flight.
type Conversation struct {
	ID        string
	State     ConversationState
	Facts     PatientFacts
	History   []Turn
	UpdatedAt time.Time
}

// CacheEntry is a stored answer keyed by a patient fingerprint and
// model tag. The Redis cache tiers in internal/cache serialize their
// own entry shapes and do not use this type.
type CacheEntry struct {
	Key         string        `json:"key"`
	ModelTag    string        `json:"modelTag"`
	Answer      string        `json:"answer"`
	Citations   []CitationRef `json:"citations"`
	Embedding   []float32     `json:"-"`
	CreatedAt   time.Time     `json:"createdAt"`
}
