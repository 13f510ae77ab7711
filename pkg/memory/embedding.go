package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// OpenAIProviderConfig configures an OpenAI-compatible embeddings endpoint.
type OpenAIProviderConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	// MaxRetries: 0 keeps the SDK default, negative disables retries.
	MaxRetries int
}

// OpenAIProvider implements EmbeddingProvider with openai-go
type OpenAIProvider struct {
	client    openai.Client
	model     string
	dimension int
	// sendDimensions is set for models that accept a dimensions parameter
	sendDimensions bool
}

// NewOpenAIProvider creates a new OpenAI embedding provider
func NewOpenAIProvider(cfg OpenAIProviderConfig) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = 1536
		if model == "text-embedding-3-large" {
			dimension = 3072
		}
	}

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

	return &OpenAIProvider{
		client:         openai.NewClient(opts...),
		model:          model,
		dimension:      dimension,
		sendDimensions: strings.HasPrefix(model, "text-embedding-3"),
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	params := openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model: openai.EmbeddingModel(p.model),
	}
	if p.sendDimensions {
		params.Dimensions = openai.Int(int64(p.dimension))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response has %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || int(data.Index) >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", data.Index)
		}
		vec := make([]float32, len(data.Embedding))
		for i, v := range data.Embedding {
			vec[i] = float32(v)
		}
		embeddings[data.Index] = vec
	}

	return embeddings, nil
}

// CachedProvider memoizes embeddings by content hash in a bounded in-process cache.
type CachedProvider struct {
	inner EmbeddingProvider
	cache *ristretto.Cache
}

// NewCachedProvider caches up to maxItems vectors from inner.
func NewCachedProvider(inner EmbeddingProvider, maxItems int) (*CachedProvider, error) {
	if inner == nil {
		return nil, errors.New("embedding provider is required")
	}
	if maxItems <= 0 {
		maxItems = 10000
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: int64(maxItems) * 10,
		MaxCost:     int64(maxItems),
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return &CachedProvider{inner: inner, cache: cache}, nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func (p *CachedProvider) Dimension() int {
	return p.inner.Dimension()
}

func (p *CachedProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	key := contentHash(text)
	if v, ok := p.cache.Get(key); ok {
		return v.([]float32), nil
	}

	emb, err := p.inner.GenerateEmbedding(ctx, text)
	if err != nil {
		return nil, err
	}
	p.cache.Set(key, emb, 1)
	return emb, nil
}

func (p *CachedProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var (
		missing    []string
		missingIdx []int
	)
	for i, text := range texts {
		if v, ok := p.cache.Get(contentHash(text)); ok {
			out[i] = v.([]float32)
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := p.inner.GenerateEmbeddings(ctx, missing)
	if err != nil {
		return nil, err
	}
	for j, emb := range fresh {
		out[missingIdx[j]] = emb
		p.cache.Set(contentHash(missing[j]), emb, 1)
	}
	return out, nil
}

// Wait blocks until pending cache writes are visible.
func (p *CachedProvider) Wait() {
	p.cache.Wait()
}

func (p *CachedProvider) Close() {
	p.cache.Close()
}
