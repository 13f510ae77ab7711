package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
)

const requestIDHeader = "X-Request-Id"

// statusRecorder keeps the response code for metrics. It passes Flush and
// Hijack through so SSE and WebSocket handlers keep working behind it.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrument wraps a handler with request ids, tracing, CORS and metrics.
func (s *Server) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID, _ = gonanoid.New()
		}
		w.Header().Set(requestIDHeader, requestID)
		w.Header().Set("Access-Control-Allow-Origin", "*")

		ctx := tracing.NewRequestContext(r.Context(), requestID)
		ctx, span := tracing.StartSpan(ctx, "lumilove.gateway", "gateway.request",
			attribute.String("http.route", route),
			attribute.String("http.method", r.Method),
		)
		defer span.End()

		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()

		s.inFlight.Add(1)
		defer s.inFlight.Done()

		next(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(attribute.Int("http.status_code", status))
		observability.RecordHTTPRequest(route, status)

		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Debug().
			Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Request served")
	}
}
