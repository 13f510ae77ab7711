package chat

import (
	"context"
	"errors"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
)

var (
	// ErrGenerationFailed means the language model call failed or timed out.
	ErrGenerationFailed = errors.New("generation failed")
	// ErrPersistenceFailed means the exchange could not be written to the
	// authoritative store. Text already streamed is not retracted.
	ErrPersistenceFailed = errors.New("persistence failed")
	// ErrCancelled means the caller went away before the stream ended.
	ErrCancelled = errors.New("generation cancelled")
	// ErrEmptyMessage rejects blank user messages.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrSessionMismatch rejects a user id that differs from the session key's.
	ErrSessionMismatch = errors.New("user id does not match session key")
)

// State is the lifecycle position of one generation.
type State int

const (
	StatePreparing State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is one inbound user message.
type Request struct {
	UserID     string
	SessionKey string
	Message    string
	// PersonaOverride replaces the character persona when non-empty.
	PersonaOverride string
}

// Fragment is one streamed piece of the reply.
type Fragment struct {
	Text        string                 `json:"chunk"`
	SessionKey  string                 `json:"session_id"`
	ContextUsed []string               `json:"context_used"`
	Sources     []memory.RetrievedItem `json:"sources"`
}

// Reply is the outcome of a generation.
type Reply struct {
	Text        string                 `json:"response"`
	SessionKey  string                 `json:"session_id"`
	ContextUsed []string               `json:"context_used"`
	Sources     []memory.RetrievedItem `json:"sources"`
	State       State                  `json:"-"`
	// Partial is set when a cancelled or failed stream was committed as is.
	Partial bool `json:"-"`
	// ExchangeID is the authoritative store id, empty if nothing was committed.
	ExchangeID string `json:"-"`
}

// MemoryIndex is the long-term memory the pipeline reads and writes.
type MemoryIndex interface {
	Query(ctx context.Context, text, userID, sessionKey string, k int) ([]memory.RetrievedItem, error)
	Upsert(ctx context.Context, userID, sessionKey string, exchanges []memory.Exchange) error
}

// RecencySource yields the recent turns of a session, oldest first.
type RecencySource interface {
	Recent(ctx context.Context, sessionKey string, limit int) []history.Entry
}
