package gateway

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/chat"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/llm"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/reconcile"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

const (
	defaultHistoryLimit = 50
	defaultContextK     = 5
	maxContextK         = 50
	listedModels        = 20
)

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var body MessageRequest
	if err := decodeJSON(w, r, messageSchema, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	s.ensureSession(r, body.SessionID, "")

	reply, err := s.pipeline.Generate(ctx, toChatRequest(body))
	if err != nil {
		// The reply was produced but not stored; it is still returned.
		if errors.Is(err, chat.ErrPersistenceFailed) && reply != nil {
			logger.Warn().Err(err).Msg("Returning reply that was not persisted")
		} else {
			logger.Error().Err(err).Str("session_key", body.SessionID).Msg("Failed to generate reply")
			writeError(w, statusFor(err), "failed to process message: "+err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, MessageResponse{
		Response:    reply.Text,
		SessionID:   reply.SessionKey,
		ContextUsed: reply.ContextUsed,
		Sources:     reply.Sources,
	})
}

func toChatRequest(body MessageRequest) chat.Request {
	return chat.Request{
		UserID:          body.UserID,
		SessionKey:      body.SessionID,
		Message:         body.Message,
		PersonaOverride: body.CharacterPrompt,
	}
}

// ensureSession records the session descriptor the first time a session is
// used. Failures only cost the session listing, so they are logged.
func (s *Server) ensureSession(r *http.Request, sessionKey, title string) {
	logger := tracing.LoggerFromContext(r.Context(), s.logger)

	d, err := s.resolver.Describe(sessionKey, title)
	if err != nil {
		return
	}
	if _, err := s.store.EnsureSession(r.Context(), d); err != nil {
		logger.Warn().Err(err).Str("session_key", d.SessionKey).Msg("Failed to record session")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	key, _, err := s.sessionFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	exchanges, err := s.store.ListExchanges(r.Context(), key, limit)
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Failed to load history")
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	messages := make([]HistoryMessage, 0, 2*len(exchanges))
	for _, ex := range exchanges {
		messages = append(messages, HistoryMessage{
			ID:          ex.ID + "-user",
			MessageType: history.RoleUser,
			Content:     ex.Message,
			Timestamp:   ex.CreatedAt,
		})
		if history.IsCarryingReply(ex.Response) {
			messages = append(messages, HistoryMessage{
				ID:          ex.ID + "-assistant",
				MessageType: history.RoleAssistant,
				Content:     ex.Response,
				Timestamp:   ex.CreatedAt,
			})
		}
	}

	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: key, Messages: messages})
}

// sessionFromPath parses {session_id} into its canonical key and user.
func (s *Server) sessionFromPath(r *http.Request) (key, userID string, err error) {
	raw := r.PathValue("session_id")
	userID, characterID, err := s.resolver.Parse(raw)
	if err != nil {
		return "", "", err
	}
	key, err = session.Key(userID, characterID)
	return key, userID, err
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body SessionRequest
	if err := decodeJSON(w, r, sessionSchema, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := session.NewDescriptor(body.UserID, body.CharacterID, body.Title)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := s.store.EnsureSession(r.Context(), d)
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Failed to create session")
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	if err := session.ValidateIdentifier(userID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sessions, err := s.store.Sessions(r.Context(), userID)
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Failed to list sessions")
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if sessions == nil {
		sessions = []session.Descriptor{}
	}

	writeJSON(w, http.StatusOK, sessions)
}

// handleDeleteSession soft-deletes the session's exchanges and removes its
// vectors. A failed vector delete is left to reconciliation.
func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	key, userID, err := s.sessionFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	changed, err := s.store.MarkSessionDeleted(ctx, key)
	if err != nil {
		logger.Error().Err(err).Str("session_key", key).Msg("Failed to delete session")
		observability.RecordSessionAudit(ctx, "session.delete", key, "gateway", "error", map[string]interface{}{
			"error": err.Error(),
		})
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	if !changed {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	removed, err := s.index.DeleteSession(ctx, key)
	status := "success"
	if err != nil {
		status = "partial"
		logger.Warn().Err(err).Str("session_key", key).Msg("Vector delete failed, recorded for reconciliation")
		observability.RecordIndexLag()
		if s.ledger != nil {
			if lerr := s.ledger.Record(ctx, reconcile.Entry{
				SessionKey: key,
				UserID:     userID,
				Reason:     "delete: " + err.Error(),
			}); lerr != nil {
				logger.Error().Err(lerr).Msg("Failed to record reconciliation entry")
			}
		}
	}

	observability.RecordSessionAudit(ctx, "session.delete", key, "gateway", status, map[string]interface{}{
		"vectors_removed": removed,
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":         "session deleted",
		"vectors_removed": removed,
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	key, userID, err := s.sessionFromPath(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := r.URL.Query().Get("query")
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	k := defaultContextK
	if raw := r.URL.Query().Get("k"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxContextK {
			writeError(w, http.StatusBadRequest, "k must be between 1 and 50")
			return
		}
		k = n
	}

	items, err := s.index.Query(r.Context(), query, userID, key, k)
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Context query failed")
		writeError(w, http.StatusInternalServerError, "failed to query context")
		return
	}

	writeJSON(w, http.StatusOK, ContextResponse{Context: items})
}

func (s *Server) currentModel() ModelInfo {
	return ModelInfo{Provider: s.backend.Name(), Model: s.backend.Model()}
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{
		CurrentModel:    s.currentModel(),
		AvailableModels: []llm.ModelInfo{},
	}

	lister, ok := s.backend.(llm.ModelLister)
	if !ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	models, err := lister.ListModels(r.Context())
	if err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Error().Err(err).Msg("Failed to list models")
		writeError(w, statusFor(err), "failed to list models: "+err.Error())
		return
	}

	resp.TotalCount = len(models)
	if len(models) > listedModels {
		models = models[:listedModels]
	}
	resp.AvailableModels = models

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCurrentModel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.currentModel())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := HealthResponse{
		Status:           "healthy",
		Service:          serviceName,
		VectorDBStats:    s.index.Stats(ctx),
		ConnectedClients: len(s.GetConnectedClients()),
		Version:          s.version,
	}
	if s.uptime != nil {
		resp.UptimeSeconds = s.uptime().Seconds()
	}

	if s.ledger != nil {
		if pending, err := s.ledger.Pending(ctx); err == nil {
			resp.PendingReconcile = len(reconcile.PendingSessions(pending))
		}
	}

	status := http.StatusOK
	if err := s.store.Ping(ctx); err != nil {
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Error().Err(err).Msg("History store unreachable")
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
