package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/observability"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/internal/tracing"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/commandqueue"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/history"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/llm"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/memory"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/persona"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/prompt"
	"github.com/wzhnbsixsixsix/Lumilove-RAG/pkg/session"
)

const (
	DefaultTopK        = 5
	DefaultRecentLimit = 10
	DefaultMaxTokens   = 2000
	DefaultTemperature = 0.7

	// commitTimeout bounds a commit, which may outlive the request.
	commitTimeout = 10 * time.Second
)

// Config wires a Pipeline.
type Config struct {
	Backend   llm.Backend
	Persona   persona.Provider
	Index     MemoryIndex
	Recency   RecencySource
	Assembler *prompt.Assembler
	Committer *Committer
	Resolver  session.Resolver
	Logger    zerolog.Logger

	TopK        int
	RecentLimit int
	MaxTokens   int
	Temperature float64

	// Queue, when set, serializes requests of one session in a FIFO lane.
	Queue *commandqueue.CommandQueue
}

// GenerationParams are the knobs that can change while serving.
type GenerationParams struct {
	TopK        int
	RecentLimit int
	MaxTokens   int
	Temperature float64
}

// Pipeline answers user messages with memory-grounded replies.
type Pipeline struct {
	backend   llm.Backend
	persona   persona.Provider
	index     MemoryIndex
	recency   RecencySource
	assembler *prompt.Assembler
	committer *Committer
	resolver  session.Resolver
	queue     *commandqueue.CommandQueue
	logger    zerolog.Logger

	mu     sync.RWMutex
	params GenerationParams
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Backend == nil {
		return nil, errors.New("chat: backend is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("chat: memory index is required")
	}
	if cfg.Recency == nil {
		return nil, errors.New("chat: recency source is required")
	}
	if cfg.Committer == nil {
		return nil, errors.New("chat: committer is required")
	}
	if cfg.Persona == nil {
		cfg.Persona = persona.Static{}
	}
	if cfg.Assembler == nil {
		cfg.Assembler = prompt.NewAssembler(prompt.Config{})
	}

	observability.EnsureRegistered()

	p := &Pipeline{
		backend:   cfg.Backend,
		persona:   cfg.Persona,
		index:     cfg.Index,
		recency:   cfg.Recency,
		assembler: cfg.Assembler,
		committer: cfg.Committer,
		resolver:  cfg.Resolver,
		queue:     cfg.Queue,
		logger:    cfg.Logger,
	}
	p.SetGenerationParams(GenerationParams{
		TopK:        cfg.TopK,
		RecentLimit: cfg.RecentLimit,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	})
	return p, nil
}

// SetGenerationParams replaces the generation parameters for subsequent
// requests. Zero values fall back to the defaults.
func (p *Pipeline) SetGenerationParams(gp GenerationParams) {
	if gp.TopK <= 0 {
		gp.TopK = DefaultTopK
	}
	if gp.RecentLimit <= 0 {
		gp.RecentLimit = DefaultRecentLimit
	}
	if gp.MaxTokens <= 0 {
		gp.MaxTokens = DefaultMaxTokens
	}
	if gp.Temperature < 0 {
		gp.Temperature = DefaultTemperature
	}

	p.mu.Lock()
	p.params = gp
	p.mu.Unlock()
}

func (p *Pipeline) GenerationParams() GenerationParams {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params
}

// Backend returns the language model the pipeline generates with.
func (p *Pipeline) Backend() llm.Backend {
	return p.backend
}

// prepared is the output of the PREPARING phase.
type prepared struct {
	userID      string
	characterID string
	sessionKey  string
	message     string
	prompt      prompt.Result
	params      GenerationParams
}

func (pr *prepared) request() llm.Request {
	msgs := make([]llm.Message, 0, len(pr.prompt.Messages))
	for _, m := range pr.prompt.Messages {
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return llm.Request{
		Messages:    msgs,
		MaxTokens:   pr.params.MaxTokens,
		Temperature: pr.params.Temperature,
	}
}

func (pr *prepared) contextUsed() []string {
	return prompt.ContextTexts(pr.prompt.Used)
}

func (pr *prepared) sources() []memory.RetrievedItem {
	if pr.prompt.Used == nil {
		return []memory.RetrievedItem{}
	}
	return pr.prompt.Used
}

// resolve validates the request against its session key and returns the
// canonical key. A legacy user_<U> key resolves to the default character.
func (p *Pipeline) resolve(req Request) (userID, characterID, key string, err error) {
	if strings.TrimSpace(req.Message) == "" {
		return "", "", "", ErrEmptyMessage
	}
	userID, characterID, err = p.resolver.Parse(req.SessionKey)
	if err != nil {
		return "", "", "", err
	}
	if req.UserID != "" && req.UserID != userID {
		return "", "", "", fmt.Errorf("%w: user %q, session %q", ErrSessionMismatch, req.UserID, req.SessionKey)
	}
	key, err = session.Key(userID, characterID)
	if err != nil {
		return "", "", "", err
	}
	return userID, characterID, key, nil
}

// lane is the commandqueue lane of a request. Unparseable keys get their own
// lane and fail inside it.
func (p *Pipeline) lane(req Request) string {
	userID, characterID, err := p.resolver.Parse(req.SessionKey)
	if err == nil {
		if key, err := session.Key(userID, characterID); err == nil {
			return commandqueue.SessionLane(key)
		}
	}
	return commandqueue.SessionLane(req.SessionKey)
}

// prepare fetches persona, memory and recency concurrently and assembles the
// prompt. Memory and recency failures degrade to empty context.
func (p *Pipeline) prepare(ctx context.Context, req Request) (*prepared, error) {
	start := time.Now()
	defer func() { observability.RecordPrepare(time.Since(start)) }()

	userID, characterID, key, err := p.resolve(req)
	if err != nil {
		return nil, err
	}
	req.SessionKey = key

	ctx, span := tracing.StartSpan(ctx, "lumilove.chat", "chat.prepare",
		attribute.String("session_key", key),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, p.logger)
	params := p.GenerationParams()
	provider := persona.Override(req.PersonaOverride, p.persona)

	var (
		personaText string
		retrieved   []memory.RetrievedItem
		recent      []history.Entry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		personaText = provider.PersonaText(gctx, characterID)
		return nil
	})
	g.Go(func() error {
		items, err := p.index.Query(gctx, req.Message, userID, req.SessionKey, params.TopK)
		if err != nil {
			logger.Warn().Err(err).Msg("Memory query failed, continuing without retrieved context")
			return nil
		}
		retrieved = items
		return nil
	})
	g.Go(func() error {
		recent = p.recency.Recent(gctx, req.SessionKey, params.RecentLimit)
		return nil
	})
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := p.assembler.Assemble(prompt.Input{
		Persona:   personaText,
		Retrieved: retrieved,
		Recent:    recent,
		Message:   req.Message,
	})

	span.SetAttributes(
		attribute.Int("retrieved", len(retrieved)),
		attribute.Int("used", len(result.Used)),
		attribute.Int("recent", len(recent)),
		attribute.Int("context_tokens", result.ContextTokens),
	)
	logger.Debug().
		Int("retrieved", len(retrieved)).
		Int("used", len(result.Used)).
		Int("dropped", result.Dropped).
		Int("recent", len(recent)).
		Msg("Prompt assembled")

	return &prepared{
		userID:      userID,
		characterID: characterID,
		sessionKey:  req.SessionKey,
		message:     req.Message,
		prompt:      result,
		params:      params,
	}, nil
}

// Generate produces a complete reply in one call and commits it.
func (p *Pipeline) Generate(ctx context.Context, req Request) (*Reply, error) {
	if p.queue == nil {
		return p.generate(ctx, req)
	}
	res, err := p.queue.Enqueue(ctx, p.lane(req), func(ctx context.Context) (interface{}, error) {
		return p.generate(ctx, req)
	})
	reply, _ := res.(*Reply)
	return reply, err
}

func (p *Pipeline) generate(ctx context.Context, req Request) (*Reply, error) {
	ctx = tracing.WithSessionKey(ctx, req.SessionKey)
	ctx, span := tracing.StartSpan(ctx, "lumilove.chat", "chat.generate",
		attribute.String("session_key", req.SessionKey),
		attribute.String("backend", p.backend.Name()),
	)
	defer span.End()

	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	pr, err := p.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return nil, err
	}

	text, err := p.backend.Complete(ctx, pr.request())
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("backend returned an empty reply")
	}
	if err != nil {
		p.recordOutcome(span, StateFailed, start, err)
		logger.Error().Err(err).Msg("Generation failed")
		return nil, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	reply := &Reply{
		Text:        text,
		SessionKey:  pr.sessionKey,
		ContextUsed: pr.contextUsed(),
		Sources:     pr.sources(),
		State:       StateCompleted,
	}

	id, err := p.commitDetached(ctx, pr, text)
	if err != nil {
		p.recordOutcome(span, StateCompleted, start, err)
		return reply, err
	}
	reply.ExchangeID = id

	p.recordOutcome(span, StateCompleted, start, nil)
	return reply, nil
}

// GenerateStream produces a reply fragment by fragment. Each fragment is
// handed to emit before the next one is pulled from the backend. When ctx is
// cancelled or emit fails, generation stops and the text emitted so far is
// committed once.
func (p *Pipeline) GenerateStream(ctx context.Context, req Request, emit func(Fragment) error) (*Reply, error) {
	if p.queue == nil {
		return p.generateStream(ctx, req, emit)
	}
	res, err := p.queue.Enqueue(ctx, p.lane(req), func(ctx context.Context) (interface{}, error) {
		return p.generateStream(ctx, req, emit)
	})
	reply, _ := res.(*Reply)
	return reply, err
}

func (p *Pipeline) generateStream(ctx context.Context, req Request, emit func(Fragment) error) (*Reply, error) {
	ctx = tracing.WithSessionKey(ctx, req.SessionKey)
	ctx, span := tracing.StartSpan(ctx, "lumilove.chat", "chat.generate_stream",
		attribute.String("session_key", req.SessionKey),
		attribute.String("backend", p.backend.Name()),
	)
	defer span.End()

	start := time.Now()
	logger := tracing.LoggerFromContext(ctx, p.logger)

	pr, err := p.prepare(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "prepare failed")
		return nil, err
	}

	reply := &Reply{
		SessionKey:  pr.sessionKey,
		ContextUsed: pr.contextUsed(),
		Sources:     pr.sources(),
		State:       StateStreaming,
	}

	stream, err := p.backend.CompleteStream(ctx, pr.request())
	if err != nil {
		reply.State = StateFailed
		p.recordOutcome(span, StateFailed, start, err)
		logger.Error().Err(err).Msg("Failed to start stream")
		return reply, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	defer stream.Close()

	var (
		acc      strings.Builder
		count    int
		stopErr  error
		emitFail bool
	)

	for {
		if err := ctx.Err(); err != nil {
			stopErr = err
			break
		}
		if !stream.Next() {
			break
		}
		text := stream.Fragment()
		frag := Fragment{
			Text:        text,
			SessionKey:  pr.sessionKey,
			ContextUsed: reply.ContextUsed,
			Sources:     reply.Sources,
		}
		if err := emit(frag); err != nil {
			stopErr = err
			emitFail = true
			break
		}
		acc.WriteString(text)
		count++
		observability.RecordFragment()
	}

	reply.Text = acc.String()
	span.SetAttributes(attribute.Int("fragments", count))

	// A stream torn down by cancellation reports the context error itself.
	if stopErr == nil && stream.Err() != nil && ctx.Err() != nil {
		stopErr = ctx.Err()
	}

	switch {
	case stopErr != nil:
		// The caller went away. Keep what they already saw.
		reply.State = StateFailed
		logger.Info().
			Err(stopErr).
			Bool("emit_failed", emitFail).
			Int("fragments", count).
			Msg("Stream cancelled, committing partial reply")
		p.commitPartial(ctx, pr, reply)
		p.recordOutcome(span, StateFailed, start, stopErr)
		return reply, fmt.Errorf("%w: %w", ErrCancelled, stopErr)

	case stream.Err() != nil:
		serr := stream.Err()
		reply.State = StateFailed
		if count == 0 {
			p.recordOutcome(span, StateFailed, start, serr)
			logger.Error().Err(serr).Msg("Stream failed before the first fragment")
			return reply, fmt.Errorf("%w: %w", ErrGenerationFailed, serr)
		}
		logger.Error().Err(serr).Int("fragments", count).Msg("Stream failed, committing partial reply")
		p.commitPartial(ctx, pr, reply)
		p.recordOutcome(span, StateFailed, start, serr)
		return reply, fmt.Errorf("%w: %w", ErrGenerationFailed, serr)

	case strings.TrimSpace(reply.Text) == "":
		reply.State = StateFailed
		err := errors.New("backend returned an empty reply")
		p.recordOutcome(span, StateFailed, start, err)
		return reply, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	reply.State = StateCompleted
	id, err := p.commitDetached(ctx, pr, reply.Text)
	if err != nil {
		p.recordOutcome(span, StateCompleted, start, err)
		return reply, err
	}
	reply.ExchangeID = id

	p.recordOutcome(span, StateCompleted, start, nil)
	return reply, nil
}

// commitPartial writes whatever accumulated.
func (p *Pipeline) commitPartial(ctx context.Context, pr *prepared, reply *Reply) {
	if reply.Text == "" {
		return
	}

	id, err := p.commitDetached(ctx, pr, reply.Text)
	if err != nil {
		return
	}
	reply.Partial = true
	reply.ExchangeID = id
}

// commitDetached commits on a context detached from the request. Output the
// caller already received is stored even if they disconnect meanwhile.
func (p *Pipeline) commitDetached(ctx context.Context, pr *prepared, text string) (string, error) {
	cctx := trace.ContextWithSpan(tracing.Detach(ctx), trace.SpanFromContext(ctx))
	cctx, cancel := context.WithTimeout(cctx, commitTimeout)
	defer cancel()

	return p.committer.Commit(cctx, pr.exchange(text))
}

func (pr *prepared) exchange(text string) Exchange {
	return Exchange{
		UserID:      pr.userID,
		CharacterID: pr.characterID,
		SessionKey:  pr.sessionKey,
		UserText:    pr.message,
		Assistant:   text,
	}
}

func (p *Pipeline) recordOutcome(span trace.Span, state State, start time.Time, err error) {
	observability.RecordGeneration(p.backend.Name(), state.String(), time.Since(start))
	span.SetAttributes(attribute.String("state", state.String()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, state.String())
	}
}
