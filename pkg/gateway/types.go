package gateway

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
)

// MessageRequest is the JSON body of the chat endpoints and WebSocket frames.
type MessageRequest struct {
	UserID          string `json:"user_id"`
	SessionID       string `json:"session_id"`
	Message         string `json:"message"`
	CharacterPrompt string `json:"character_prompt,omitempty"`
}

// MessageResponse is the reply of the batch chat endpoint.
type MessageResponse struct {
	Response    string                 `json:"response"`
	SessionID   string                 `json:"session_id"`
	ContextUsed []string               `json:"context_used"`
	Sources     []memory.RetrievedItem `json:"sources"`
}

// StreamChunk is one SSE event of /message/stream.
type StreamChunk struct {
	Chunk       string                 `json:"chunk"`
	SessionID   string                 `json:"session_id"`
	ContextUsed []string               `json:"context_used"`
	Sources     []memory.RetrievedItem `json:"sources"`
}

// StreamError replaces the chunk stream when generation fails.
type StreamError struct {
	Error     string `json:"error"`
	SessionID string `json:"session_id"`
}

// HistoryMessage is one side of a stored exchange.
type HistoryMessage struct {
	ID          string    `json:"id"`
	MessageType string    `json:"message_type"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"`
}

type HistoryResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []HistoryMessage `json:"messages"`
}

// SessionRequest creates a session descriptor.
type SessionRequest struct {
	UserID      string `json:"user_id"`
	CharacterID string `json:"character_id"`
	Title       string `json:"title,omitempty"`
}

type ContextResponse struct {
	Context []memory.RetrievedItem `json:"context"`
}

type ModelInfo struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type ModelsResponse struct {
	CurrentModel    ModelInfo   `json:"current_model"`
	AvailableModels interface{} `json:"available_models"`
	TotalCount      int         `json:"total_count"`
}

type HealthResponse struct {
	Status           string       `json:"status"`
	Service          string       `json:"service"`
	VectorDBStats    memory.Stats `json:"vector_db_stats"`
	PendingReconcile int          `json:"pending_reconcile"`
	ConnectedClients int          `json:"connected_clients"`
	UptimeSeconds    float64      `json:"uptime_seconds"`
	Version          string       `json:"version"`
}

// ErrorResponse is the body of every non-2xx JSON reply.
type ErrorResponse struct {
	Detail string `json:"detail"`
}

// WSFrame is a server-to-client WebSocket message.
type WSFrame struct {
	Type        string                 `json:"type"` // chunk, done, error
	Chunk       string                 `json:"chunk,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	ContextUsed []string               `json:"context_used,omitempty"`
	Sources     []memory.RetrievedItem `json:"sources,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// ClientInfo represents information about a connected client
type ClientInfo struct {
	ID           string    `json:"id"`
	ConnectedAt  time.Time `json:"connectedAt"`
	LastActivity time.Time `json:"lastActivity"`
	IPAddress    string    `json:"ipAddress"`
	Idle         bool      `json:"idle"`
}

// Client represents a connected WebSocket client
type Client struct {
	ID           string
	Conn         *websocket.Conn
	ConnectedAt  time.Time
	LastActivity time.Time
	IPAddress    string
	RateLimiter  *ClientRateLimiter
}
