package rag

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/embedding"
	goopenai "github.com/sashabaranov/go-openai"
)

const DefaultEmbeddingModel = string(goopenai.AdaEmbeddingV2)

var _ embedding.Embedder = (*OpenAIEmbedder)(nil)

type OpenAIEmbedderConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAIEmbedder embeds text with the OpenAI embeddings API.
type OpenAIEmbedder struct {
	client *goopenai.Client
	model  string
}

func NewOpenAIEmbedder(cfg OpenAIEmbedderConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai embedder: api key is required")
	}
	conf := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		conf.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &OpenAIEmbedder{
		client: goopenai.NewClientWithConfig(conf),
		model:  model,
	}, nil
}

func (e *OpenAIEmbedder) EmbedStrings(ctx context.Context, texts []string, opts ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	model := e.model
	options := embedding.GetCommonOptions(&embedding.Options{Model: &model}, opts...)
	if options.Model != nil && *options.Model != "" {
		model = *options.Model
	}
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: texts,
		Model: goopenai.EmbeddingModel(model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("create embeddings: got %d vectors for %d texts", len(resp.Data), len(texts))
	}
	out := make([][]float64, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(out) {
			return nil, fmt.Errorf("create embeddings: index %d out of range", item.Index)
		}
		vec := make([]float64, len(item.Embedding))
		for i, v := range item.Embedding {
			vec[i] = float64(v)
		}
		out[item.Index] = vec
	}
	return out, nil
}
