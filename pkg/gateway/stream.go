package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/chat"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

const sseDone = "[DONE]"

// sseWriter writes Server-Sent Events and flushes after each one.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// Data writes one event. Multi-line payloads become one data line each so
// the client reassembles them with newlines.
func (s *sseWriter) Data(payload string) error {
	var b strings.Builder
	for _, line := range strings.Split(payload, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) JSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Data(string(data))
}

// handleMessageStream streams JSON chunks and always ends with [DONE] unless
// the client is gone.
func (s *Server) handleMessageStream(w http.ResponseWriter, r *http.Request) {
	var body MessageRequest
	if err := decodeJSON(w, r, messageSchema, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	s.ensureSession(r, body.SessionID, "")

	_, err = s.pipeline.GenerateStream(ctx, toChatRequest(body), func(f chat.Fragment) error {
		return sse.JSON(StreamChunk{
			Chunk:       f.Text,
			SessionID:   f.SessionKey,
			ContextUsed: f.ContextUsed,
			Sources:     f.Sources,
		})
	})

	switch {
	case err == nil:
	case errors.Is(err, chat.ErrCancelled):
		logger.Info().Err(err).Msg("Client left during stream")
		return
	case errors.Is(err, chat.ErrPersistenceFailed):
		// Everything was streamed already.
		logger.Warn().Err(err).Msg("Streamed reply was not persisted")
	default:
		logger.Error().Err(err).Msg("Stream generation failed")
		_ = sse.JSON(StreamError{Error: err.Error(), SessionID: body.SessionID})
	}

	_ = sse.Data(sseDone)
}

// handleSpringbootStream serves the form-encoded proxy endpoint. Chunks are
// sent raw and the stream always ends with [DONE].
func (s *Server) handleSpringbootStream(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form: "+err.Error())
		return
	}

	form := map[string]interface{}{}
	for _, field := range []string{"user_id", "character_id", "message", "character_prompt"} {
		if vals, ok := r.PostForm[field]; ok && len(vals) > 0 {
			form[field] = vals[0]
		}
	}
	if err := validate(springbootSchema, gojsonschema.NewGoLoader(form)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := r.PostForm.Get("user_id")
	characterID := r.PostForm.Get("character_id")
	key, err := session.Key(userID, characterID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	logger := tracing.LoggerFromContext(ctx, s.logger)
	s.ensureSession(r, key, fmt.Sprintf("Chat with character %s", characterID))

	_, err = s.pipeline.GenerateStream(ctx, chat.Request{
		UserID:          userID,
		SessionKey:      key,
		Message:         r.PostForm.Get("message"),
		PersonaOverride: r.PostForm.Get("character_prompt"),
	}, func(f chat.Fragment) error {
		if f.Text == "" {
			return nil
		}
		return sse.Data(f.Text)
	})

	switch {
	case err == nil:
	case errors.Is(err, chat.ErrCancelled):
		logger.Info().Err(err).Msg("Client left during stream")
		return
	case errors.Is(err, chat.ErrPersistenceFailed):
		logger.Warn().Err(err).Msg("Streamed reply was not persisted")
	default:
		logger.Error().Err(err).Msg("Stream generation failed")
		_ = sse.Data("Error: " + err.Error())
	}

	_ = sse.Data(sseDone)
}
