package history

import (
	"context"
	"errors"
	"time"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

// StreamingSentinel is the placeholder reply written by clients that persist a
// row before the stream finishes. It never carries conversation content.
const StreamingSentinel = "[流式响应]"

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrStoreClosed     = errors.New("history store closed")
)

// Exchange is one persisted user message and the assistant reply to it.
type Exchange struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CharacterID string    `json:"character_id"`
	SessionKey  string    `json:"session_id"`
	Message     string    `json:"message"`
	Response    string    `json:"response"`
	IsDeleted   bool      `json:"is_deleted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is the authoritative exchange store.
type Store interface {
	// Append persists one exchange and returns its id.
	Append(ctx context.Context, userID, characterID, userText, assistantText string) (string, error)
	// QueryRecent returns up to limit non-deleted exchanges, newest first.
	QueryRecent(ctx context.Context, sessionKey string, limit int) ([]Exchange, error)
	// MarkSessionDeleted soft-deletes every exchange of the session and
	// reports whether any row changed.
	MarkSessionDeleted(ctx context.Context, sessionKey string) (bool, error)
	// ListExchanges returns up to limit non-deleted exchanges, oldest first.
	// A non-positive limit returns all of them.
	ListExchanges(ctx context.Context, sessionKey string, limit int) ([]Exchange, error)
	// SessionKeys lists every session holding at least one non-deleted exchange.
	SessionKeys(ctx context.Context) ([]string, error)
	// EnsureSession records the session descriptor if it is not known yet and
	// returns the stored version.
	EnsureSession(ctx context.Context, d session.Descriptor) (session.Descriptor, error)
	// Sessions lists the active sessions of a user, most recently updated first.
	Sessions(ctx context.Context, userID string) ([]session.Descriptor, error)
	Ping(ctx context.Context) error
	Close() error
}
