package rag

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

type mapEmbedder struct {
	vectors map[string][]float64
	err     error
	calls   int
}

func (m *mapEmbedder) EmbedStrings(ctx context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([][]float64, len(texts))
	for i, text := range texts {
		vec, ok := m.vectors[text]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", text)
		}
		out[i] = vec
	}
	return out, nil
}

func newTestEmbedder() *mapEmbedder {
	return &mapEmbedder{vectors: map[string][]float64{
		"dry cough, rest advised":       {0, 0},
		"persistent cough with fever":   {1, 0},
		"sprained ankle":                {5, 5},
		"sore throat and mild cough":    {0, 1},
		"chronic cough, inhaler given":  {0, 0.5},
		"cough":                         {0.9, 0},
		"three dimensional distraction": {1, 1, 1},
	}}
}

func openTestStore(t *testing.T, embedder embedding.Embedder, opts ...StoreOption) *VectorStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store", "vectors.db")
	store, err := OpenVectorStore(context.Background(), DriverSQLite, path, embedder, opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, idx indexer.Indexer) []string {
	t.Helper()
	ids, err := idx.Store(context.Background(), []*schema.Document{
		{ID: "a", Content: "dry cough, rest advised", MetaData: map[string]any{"source": "clinic"}},
		{ID: "b", Content: "persistent cough with fever"},
		{ID: "c", Content: "sprained ankle"},
		{Content: "sore throat and mild cough"},
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return ids
}

func contents(docs []*schema.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Content
	}
	return out
}

func TestVectorStoreNearestNeighbours(t *testing.T) {
	store := openTestStore(t, newTestEmbedder())
	ctx := context.Background()
	ids := seed(t, store)
	if len(ids) != 4 || ids[0] != "a" || ids[3] == "" {
		t.Fatalf("ids = %v", ids)
	}

	docs, err := store.Retrieve(ctx, "cough")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	want := []string{"persistent cough with fever", "dry cough, rest advised", "sore throat and mild cough"}
	if strings.Join(contents(docs), "|") != strings.Join(want, "|") {
		t.Fatalf("docs = %v, want %v", contents(docs), want)
	}
	if s := docs[0].Score(); s < 0.0099 || s > 0.0101 {
		t.Errorf("closest score = %v, want 0.01", s)
	}
	if docs[1].MetaData["source"] != "clinic" {
		t.Errorf("metadata = %v", docs[1].MetaData)
	}

	docs, err = store.Retrieve(ctx, "cough", retriever.WithTopK(1))
	if err != nil || len(docs) != 1 || docs[0].ID != "b" {
		t.Errorf("top 1 = %v, %v", contents(docs), err)
	}
	docs, err = store.Retrieve(ctx, "cough", retriever.WithScoreThreshold(1.0))
	if err != nil || len(docs) != 2 {
		t.Errorf("threshold = %v, %v", contents(docs), err)
	}
}

func TestVectorStoreUpsertAndCollections(t *testing.T) {
	embedder := newTestEmbedder()
	store := openTestStore(t, embedder)
	ctx := context.Background()
	seed(t, store)

	if _, err := store.Store(ctx, []*schema.Document{{ID: "a", Content: "chronic cough, inhaler given"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if n, _ := store.Count(ctx); n != 4 {
		t.Errorf("count after upsert = %d", n)
	}
	docs, _ := store.Retrieve(ctx, "cough")
	for _, d := range docs {
		if d.Content == "dry cough, rest advised" {
			t.Errorf("stale content returned")
		}
	}

	other, err := NewVectorStore(ctx, store.db, DriverSQLite, embedder, WithCollection("other"))
	if err != nil {
		t.Fatalf("second collection: %v", err)
	}
	if n, _ := other.Count(ctx); n != 0 {
		t.Errorf("collections not isolated, count = %d", n)
	}
}

func TestVectorStoreSkipsMismatchedDimensions(t *testing.T) {
	store := openTestStore(t, newTestEmbedder())
	ctx := context.Background()
	seed(t, store)
	if _, err := store.Store(ctx, []*schema.Document{{ID: "z", Content: "three dimensional distraction"}}); err != nil {
		t.Fatalf("store: %v", err)
	}
	docs, err := store.Retrieve(ctx, "cough", retriever.WithTopK(10))
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(docs) != 4 {
		t.Errorf("docs = %v", contents(docs))
	}
}

func TestVectorStoreErrors(t *testing.T) {
	store := openTestStore(t, &mapEmbedder{err: errors.New("embedding offline")})
	ctx := context.Background()
	if _, err := store.Store(ctx, []*schema.Document{{Content: "x"}}); err == nil || !strings.Contains(err.Error(), "embedding offline") {
		t.Errorf("store err = %v", err)
	}
	if _, err := store.Store(ctx, []*schema.Document{{Content: "  "}}); err == nil {
		t.Errorf("expected empty content error")
	}
	if _, err := store.Retrieve(ctx, "cough"); err == nil {
		t.Errorf("expected retrieve error")
	}
	if _, err := OpenVectorStore(ctx, "mysql", "x", store.embedder); err == nil {
		t.Errorf("expected unsupported driver error")
	}
}

func TestRebindNumbersPlaceholders(t *testing.T) {
	pg := &VectorStore{driver: DriverPostgres}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("postgres rebind = %q", got)
	}
	lite := &VectorStore{driver: DriverSQLite}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("sqlite rebind = %q", got)
	}
}

func TestEmbeddingServiceRoundTrip(t *testing.T) {
	embedder := newTestEmbedder()
	srv := httptest.NewServer(NewEmbeddingHandler(embedder, nil))
	defer srv.Close()

	remote := NewRemoteEmbedder(srv.URL+"/", nil)
	vectors, err := remote.EmbedStrings(context.Background(), []string{"cough", "sprained ankle"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vectors) != 2 || vectors[1][0] != 5 {
		t.Errorf("vectors = %v", vectors)
	}

	resp, err := http.Post(srv.URL+"/get_embedding", "application/json", strings.NewReader(`{"text":"cough"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get_embedding status = %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/get_embedding", "application/json", strings.NewReader(`{"text":`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad body status = %d", resp.StatusCode)
	}

	if _, err := remote.EmbedStrings(context.Background(), []string{"unknown text"}); err == nil || !strings.Contains(err.Error(), "status 500") || !strings.Contains(err.Error(), "no vector") {
		t.Errorf("remote error = %v", err)
	}
}

func TestRetrievalServiceRoundTrip(t *testing.T) {
	store := openTestStore(t, newTestEmbedder())
	srv := httptest.NewServer(NewRetrievalHandler(store, store, nil))
	defer srv.Close()
	remote := NewRemoteRetriever(srv.URL, srv.Client())
	ctx := context.Background()

	ids := seed(t, remote)
	if len(ids) != 4 {
		t.Fatalf("ids = %v", ids)
	}
	docs, err := remote.Retrieve(ctx, "cough", retriever.WithTopK(2))
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(docs) != 2 || docs[0].Content != "persistent cough with fever" || docs[0].Score() > docs[1].Score() {
		t.Errorf("docs = %v", contents(docs))
	}
	docs, err = remote.Retrieve(ctx, "cough")
	if err != nil || len(docs) != 3 {
		t.Errorf("default top k = %d, %v", len(docs), err)
	}
	if _, err := remote.Retrieve(ctx, "never embedded"); err == nil {
		t.Errorf("expected error for unknown query")
	}

	queryOnly := httptest.NewServer(NewRetrievalHandler(store, nil, nil))
	defer queryOnly.Close()
	if _, err := NewRemoteRetriever(queryOnly.URL, nil).Store(ctx, []*schema.Document{{Content: "cough"}}); err == nil {
		t.Errorf("index route should be absent without an indexer")
	}
}

type countingIndexer struct {
	batches []int
}

func (c *countingIndexer) Store(ctx context.Context, docs []*schema.Document, _ ...indexer.Option) ([]string, error) {
	c.batches = append(c.batches, len(docs))
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = "id-" + d.Content
	}
	return ids, nil
}

func TestReadAndIngestDocuments(t *testing.T) {
	input := `{"id": "r1", "content": "cough for a week", "metadata": {"age": 41}}

{"content": "fever and chills"}
{"content": "headache"}
`
	docs, err := ReadDocuments(strings.NewReader(input))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(docs) != 3 || docs[0].ID != "r1" || docs[0].MetaData["age"] == nil {
		t.Fatalf("docs = %+v", docs)
	}

	idx := &countingIndexer{}
	ids, err := Ingest(context.Background(), idx, docs, 2)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(ids) != 3 || ids[2] != "id-headache" {
		t.Errorf("ids = %v", ids)
	}
	if len(idx.batches) != 2 || idx.batches[0] != 2 || idx.batches[1] != 1 {
		t.Errorf("batches = %v", idx.batches)
	}

	if _, err := ReadDocuments(strings.NewReader("{\"content\": \"ok\"}\nnot json\n")); err == nil || !strings.Contains(err.Error(), "line 2") {
		t.Errorf("err = %v", err)
	}
	if _, err := ReadDocuments(strings.NewReader(`{"id": "x"}`)); err == nil {
		t.Errorf("expected empty content error")
	}
}
