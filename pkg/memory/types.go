package memory

import (
	"context"
	"errors"
	"strconv"
)

// ChunkTypeConversation marks chunks derived from chat exchanges.
const ChunkTypeConversation = "conversation"

var (
	ErrIndexWrite = errors.New("memory index write failed")
	// ErrIndexPartial reports a batch where some chunks were stored and
	// others were skipped. The stored chunks stay searchable.
	ErrIndexPartial = errors.New("memory index write incomplete")
	ErrIndexQuery   = errors.New("memory index query failed")
)

// Exchange is one user message and the assistant reply to index.
type Exchange struct {
	User      string
	Assistant string
	// SourceID is the authoritative store id of the exchange, when known.
	SourceID string
}

// ChunkMetadata is attached to every stored chunk.
type ChunkMetadata struct {
	UserID          string `json:"userId"`
	SessionKey      string `json:"sessionKey"`
	ExchangeOrdinal int    `json:"exchangeOrdinal"`
	Type            string `json:"type"`
	ChunkID         string `json:"chunkId"`
	SourceID        string `json:"sourceId,omitempty"`
}

// Chunk is a stored piece of an exchange.
type Chunk struct {
	Content  string        `json:"content"`
	Metadata ChunkMetadata `json:"metadata"`
}

// RetrievedItem is a chunk returned by a query.
type RetrievedItem struct {
	Chunk    Chunk   `json:"chunk"`
	Score    float64 `json:"score"`
	Distance float64 `json:"distance"`
}

type Stats struct {
	DocumentCount int `json:"document_count"`
}

// Record is a chunk with its embedding, as handed to a VectorStore.
type Record struct {
	Chunk     Chunk
	Embedding []float32
}

// Match is a store search hit. Score is cosine similarity.
type Match struct {
	Chunk Chunk
	Score float64
}

// Filter scopes a search to one user's session.
type Filter struct {
	UserID     string
	SessionKey string
}

func (f Filter) matches(m ChunkMetadata) bool {
	return m.UserID == f.UserID && m.SessionKey == f.SessionKey
}

// VectorStore persists embedded chunks and answers filtered similarity searches.
type VectorStore interface {
	Add(ctx context.Context, records []Record) error
	// Search returns at most k matches within the filter, most similar first.
	Search(ctx context.Context, embedding []float32, filter Filter, k int) ([]Match, error)
	// DeleteBySession removes every chunk of the session and returns how many went.
	DeleteBySession(ctx context.Context, sessionKey string) (int, error)
	// Reset removes every chunk and returns how many went.
	Reset(ctx context.Context) (int, error)
	Count(ctx context.Context) (int, error)
	Name() string
	Close() error
}

// metadata keys shared by stores that keep metadata as string maps
const (
	metaUserID     = "userId"
	metaSessionKey = "sessionKey"
	metaOrdinal    = "exchangeOrdinal"
	metaType       = "type"
	metaChunkID    = "chunkId"
	metaSourceID   = "sourceId"
)

func (m ChunkMetadata) toMap() map[string]string {
	out := map[string]string{
		metaUserID:     m.UserID,
		metaSessionKey: m.SessionKey,
		metaOrdinal:    strconv.Itoa(m.ExchangeOrdinal),
		metaType:       m.Type,
		metaChunkID:    m.ChunkID,
	}
	if m.SourceID != "" {
		out[metaSourceID] = m.SourceID
	}
	return out
}

func metadataFromMap(in map[string]string) ChunkMetadata {
	ordinal, _ := strconv.Atoi(in[metaOrdinal])
	return ChunkMetadata{
		UserID:          in[metaUserID],
		SessionKey:      in[metaSessionKey],
		ExchangeOrdinal: ordinal,
		Type:            in[metaType],
		ChunkID:         in[metaChunkID],
		SourceID:        in[metaSourceID],
	}
}
