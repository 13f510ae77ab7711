package llm

import (
	"context"
	"errors"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
)

// OpenRouterBaseURL is the OpenAI-compatible endpoint of OpenRouter.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenAIConfig configures an OpenAI-compatible backend.
type OpenAIConfig struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
	// Headers are sent with every request (OpenRouter attribution).
	Headers map[string]string
	// Timeout bounds non-streamed completions. Zero means no limit.
	Timeout time.Duration
	// MaxRetries: 0 keeps the SDK default, negative disables retries.
	MaxRetries int
}

// OpenAIBackend implements Backend for OpenAI-compatible chat completions.
type OpenAIBackend struct {
	client  openai.Client
	name    string
	model   string
	timeout time.Duration
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	for k, v := range cfg.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	switch {
	case cfg.MaxRetries > 0:
		opts = append(opts, option.WithMaxRetries(cfg.MaxRetries))
	case cfg.MaxRetries < 0:
		opts = append(opts, option.WithMaxRetries(0))
	}

	name := cfg.Name
	if name == "" {
		name = "openai"
	}

	return &OpenAIBackend{
		client:  openai.NewClient(opts...),
		name:    name,
		model:   cfg.Model,
		timeout: cfg.Timeout,
	}
}

func (b *OpenAIBackend) Name() string  { return b.name }
func (b *OpenAIBackend) Model() string { return b.model }

func (b *OpenAIBackend) params(req Request) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(b.model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	return params
}

func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	var opts []option.RequestOption
	if b.timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(b.timeout))
	}

	resp, err := b.client.Chat.Completions.New(ctx, b.params(req), opts...)
	if err != nil {
		return "", classify(b.name, err)
	}
	if len(resp.Choices) == 0 {
		return "", &TransportError{Backend: b.name, Err: errors.New("no response choices returned")}
	}
	return resp.Choices[0].Message.Content, nil
}

func (b *OpenAIBackend) CompleteStream(ctx context.Context, req Request) (Stream, error) {
	stream := b.client.Chat.Completions.NewStreaming(ctx, b.params(req))
	return &openAIStream{name: b.name, stream: stream}, nil
}

// ListModels lists the models the endpoint serves.
func (b *OpenAIBackend) ListModels(ctx context.Context) ([]ModelInfo, error) {
	page, err := b.client.Models.List(ctx)
	if err != nil {
		return nil, classify(b.name, err)
	}
	models := make([]ModelInfo, 0, len(page.Data))
	for _, m := range page.Data {
		models = append(models, ModelInfo{ID: m.ID, OwnedBy: m.OwnedBy, Created: m.Created})
	}
	return models, nil
}

type openAIStream struct {
	name     string
	stream   *ssestream.Stream[openai.ChatCompletionChunk]
	fragment string
}

func (s *openAIStream) Next() bool {
	for s.stream.Next() {
		chunk := s.stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		if text := chunk.Choices[0].Delta.Content; text != "" {
			s.fragment = text
			return true
		}
	}
	return false
}

func (s *openAIStream) Fragment() string { return s.fragment }

func (s *openAIStream) Err() error {
	return classify(s.name, s.stream.Err())
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}
