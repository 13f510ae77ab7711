package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/chat"
)

const wsWriteTimeout = 10 * time.Second

// wsConn serializes writes; gorilla connections allow one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(frame WSFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(frame)
}

// handleWebSocket upgrades the connection and runs one generation per
// client message. Closing the socket cancels running generations, which then
// commit what was already sent.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID, _ := gonanoid.New()
	now := time.Now()
	client := &Client{
		ID:           clientID,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(),
	}
	s.clients.Add(client)

	logger := tracing.LoggerFromContext(r.Context(), s.logger).With().Str("clientId", clientID).Logger()
	logger.Info().Str("ip", r.RemoteAddr).Msg("Client connected")

	// The request context ends when the handler returns, so generations
	// hang off the connection instead.
	connCtx, cancel := context.WithCancel(tracing.MergeContext(s.baseCtx, r.Context()))
	ws := &wsConn{conn: conn}
	var running sync.WaitGroup

	defer func() {
		cancel()
		running.Wait()
		conn.Close()
		s.clients.Remove(clientID)
		logger.Info().Msg("Client disconnected")
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		s.clients.UpdateActivity(clientID)

		var body MessageRequest
		if err := validate(messageSchema, gojsonschema.NewBytesLoader(message)); err != nil {
			_ = ws.send(WSFrame{Type: "error", Error: err.Error()})
			continue
		}
		if err := json.Unmarshal(message, &body); err != nil {
			_ = ws.send(WSFrame{Type: "error", Error: err.Error()})
			continue
		}

		if err := client.RateLimiter.Acquire(); err != nil {
			_ = ws.send(WSFrame{Type: "error", SessionID: body.SessionID, Error: err.Error()})
			continue
		}

		s.ensureSession(r.WithContext(connCtx), body.SessionID, "")

		running.Add(1)
		s.inFlight.Add(1)
		go func() {
			defer running.Done()
			defer s.inFlight.Done()
			defer client.RateLimiter.Release()
			s.streamToSocket(connCtx, ws, body)
		}()
	}
}

func (s *Server) streamToSocket(ctx context.Context, ws *wsConn, body MessageRequest) {
	logger := tracing.LoggerFromContext(ctx, s.logger)

	_, err := s.pipeline.GenerateStream(ctx, toChatRequest(body), func(f chat.Fragment) error {
		return ws.send(WSFrame{
			Type:        "chunk",
			Chunk:       f.Text,
			SessionID:   f.SessionKey,
			ContextUsed: f.ContextUsed,
			Sources:     f.Sources,
		})
	})

	switch {
	case err == nil:
	case errors.Is(err, chat.ErrCancelled):
		logger.Info().Err(err).Msg("Socket closed during stream")
		return
	case errors.Is(err, chat.ErrPersistenceFailed):
		logger.Warn().Err(err).Msg("Streamed reply was not persisted")
	default:
		logger.Error().Err(err).Msg("Stream generation failed")
		_ = ws.send(WSFrame{Type: "error", SessionID: body.SessionID, Error: err.Error()})
	}

	_ = ws.send(WSFrame{Type: "done", SessionID: body.SessionID})
}
