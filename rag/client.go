package rag

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

var (
	_ embedding.Embedder  = (*RemoteEmbedder)(nil)
	_ retriever.Retriever = (*RemoteRetriever)(nil)
	_ indexer.Indexer     = (*RemoteRetriever)(nil)
)

func defaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

type endpoint struct {
	baseURL string
	client  *http.Client
}

func newEndpoint(baseURL string, client *http.Client) endpoint {
	if client == nil {
		client = defaultHTTPClient()
	}
	return endpoint{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (e endpoint) post(ctx context.Context, path string, in, out any) error {
	body, err := sonic.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var failure errorResponse
		if sonic.Unmarshal(raw, &failure) == nil && failure.Error != "" {
			return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, failure.Error)
		}
		return fmt.Errorf("%s: status %d", path, resp.StatusCode)
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// RemoteEmbedder calls an embedding service started with NewEmbeddingHandler.
type RemoteEmbedder struct {
	endpoint
}

func NewRemoteEmbedder(baseURL string, client *http.Client) *RemoteEmbedder {
	return &RemoteEmbedder{endpoint: newEndpoint(baseURL, client)}
}

func (e *RemoteEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp EmbeddingsResponse
	if err := e.post(ctx, "/get_embeddings", EmbeddingsRequest{Texts: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("get_embeddings: got %d vectors for %d texts", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

// RemoteRetriever calls a retrieval service started with NewRetrievalHandler.
type RemoteRetriever struct {
	endpoint
}

func NewRemoteRetriever(baseURL string, client *http.Client) *RemoteRetriever {
	return &RemoteRetriever{endpoint: newEndpoint(baseURL, client)}
}

func (r *RemoteRetriever) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	options := retriever.GetCommonOptions(&retriever.Options{}, opts...)
	req := QueryRequest{Text: query}
	if options.TopK != nil {
		req.TopK = *options.TopK
	}
	var resp QueryResponse
	if err := r.post(ctx, "/query", req, &resp); err != nil {
		return nil, err
	}
	docs := make([]*schema.Document, len(resp.Contexts))
	for i, content := range resp.Contexts {
		doc := &schema.Document{Content: content}
		if i < len(resp.Scores) {
			doc = doc.WithScore(resp.Scores[i])
		}
		docs[i] = doc
	}
	return docs, nil
}

func (r *RemoteRetriever) Store(ctx context.Context, docs []*schema.Document, _ ...indexer.Option) ([]string, error) {
	req := IndexRequest{Documents: make([]DocumentRecord, len(docs))}
	for i, doc := range docs {
		req.Documents[i] = DocumentRecord{ID: doc.ID, Content: doc.Content, Metadata: doc.MetaData}
	}
	var resp IndexResponse
	if err := r.post(ctx, "/index", req, &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}
