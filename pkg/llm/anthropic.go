package llm

import (
	"context"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// anthropic requires max_tokens on every request
const defaultAnthropicMaxTokens = 2000

type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// AnthropicBackend implements Backend for Anthropic Claude
type AnthropicBackend struct {
	client  anthropic.Client
	model   string
	timeout time.Duration
}

func NewAnthropicBackend(cfg AnthropicConfig) *AnthropicBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	switch {
	case cfg.MaxRetries > 0:
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	case cfg.MaxRetries < 0:
		opts = append(opts, option.WithMaxRetries(0))
	}

	return &AnthropicBackend{
		client:  anthropic.NewClient(opts...),
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

func (b *AnthropicBackend) Name() string  { return "anthropic" }
func (b *AnthropicBackend) Model() string { return b.model }

func (b *AnthropicBackend) params(req Request) anthropic.MessageNewParams {
	system, turns := splitSystem(req.Messages)

	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, msg := range turns {
		if msg.Role == RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(b.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func (b *AnthropicBackend) Complete(ctx context.Context, req Request) (string, error) {
	var opts []option.RequestOption
	if b.timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(b.timeout))
	}

	resp, err := b.client.Messages.New(ctx, b.params(req), opts...)
	if err != nil {
		return "", classify(b.Name(), err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return text.String(), nil
}

func (b *AnthropicBackend) CompleteStream(ctx context.Context, req Request) (Stream, error) {
	stream := b.client.Messages.NewStreaming(ctx, b.params(req))
	return &anthropicStream{stream: stream}, nil
}

type anthropicStream struct {
	stream   *ssestream.Stream[anthropic.MessageStreamEventUnion]
	fragment string
}

func (s *anthropicStream) Next() bool {
	for s.stream.Next() {
		event := s.stream.Current()
		evt, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if delta, ok := evt.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
			s.fragment = delta.Text
			return true
		}
	}
	return false
}

func (s *anthropicStream) Fragment() string { return s.fragment }

func (s *anthropicStream) Err() error {
	return classify("anthropic", s.stream.Err())
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
