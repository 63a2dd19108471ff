package rag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultCollection = "consultations"
)

var (
	_ indexer.Indexer     = (*VectorStore)(nil)
	_ retriever.Retriever = (*VectorStore)(nil)
)

// VectorStore keeps embedded documents in a SQL table and answers nearest
// neighbour queries by squared Euclidean distance, lower is closer.
type VectorStore struct {
	db         *sql.DB
	driver     string
	collection string
	embedder   embedding.Embedder
	topK       int
	logger     *slog.Logger
}

type StoreOption func(*VectorStore)

func WithCollection(name string) StoreOption {
	return func(s *VectorStore) {
		if name != "" {
			s.collection = name
		}
	}
}

func WithTopK(k int) StoreOption {
	return func(s *VectorStore) {
		if k > 0 {
			s.topK = k
		}
	}
}

func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *VectorStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// OpenVectorStore opens dsn with driver. For sqlite dsn is a file path and
// its directory is created when missing.
func OpenVectorStore(ctx context.Context, driver, dsn string, embedder embedding.Embedder, opts ...StoreOption) (*VectorStore, error) {
	switch driver {
	case "", DriverSQLite:
		driver = DriverSQLite
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create db dir: %w", err)
			}
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported vector store driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	store, err := NewVectorStore(ctx, db, driver, embedder, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func NewVectorStore(ctx context.Context, db *sql.DB, driver string, embedder embedding.Embedder, opts ...StoreOption) (*VectorStore, error) {
	if embedder == nil {
		return nil, errors.New("vector store: embedder is required")
	}
	s := &VectorStore{
		db:         db,
		driver:     driver,
		collection: DefaultCollection,
		embedder:   embedder,
		topK:       3,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *VectorStore) Close() error {
	return s.db.Close()
}

func (s *VectorStore) ensureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
  collection TEXT NOT NULL,
  id TEXT NOT NULL,
  content TEXT NOT NULL,
  metadata TEXT NOT NULL,
  embedding TEXT NOT NULL,
  PRIMARY KEY (collection, id)
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create documents table: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders for drivers that number them.
func (s *VectorStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func (s *VectorStore) Store(ctx context.Context, docs []*schema.Document, opts ...indexer.Option) ([]string, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	options := indexer.GetCommonOptions(&indexer.Options{Embedding: s.embedder}, opts...)
	texts := make([]string, len(docs))
	for i, doc := range docs {
		if doc == nil || strings.TrimSpace(doc.Content) == "" {
			return nil, fmt.Errorf("document %d has no content", i)
		}
		texts[i] = doc.Content
	}
	vectors, err := options.Embedding.EmbedStrings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed documents: %w", err)
	}
	if len(vectors) != len(docs) {
		return nil, fmt.Errorf("embed documents: got %d vectors for %d documents", len(vectors), len(docs))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt := s.rebind(`
INSERT INTO documents (collection, id, content, metadata, embedding)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(collection, id) DO UPDATE SET
  content=excluded.content,
  metadata=excluded.metadata,
  embedding=excluded.embedding;
`)
	ids := make([]string, len(docs))
	for i, doc := range docs {
		id := doc.ID
		if id == "" {
			id = uuid.NewString()
		}
		meta := doc.MetaData
		if meta == nil {
			meta = map[string]any{}
		}
		metaJSON, err := sonic.MarshalString(meta)
		if err != nil {
			return nil, fmt.Errorf("encode metadata of %s: %w", id, err)
		}
		vecJSON, err := sonic.MarshalString(vectors[i])
		if err != nil {
			return nil, fmt.Errorf("encode embedding of %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, stmt, s.collection, id, doc.Content, metaJSON, vecJSON); err != nil {
			return nil, fmt.Errorf("upsert document %s: %w", id, err)
		}
		ids[i] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("Documents indexed", "collection", s.collection, "count", len(ids))
	return ids, nil
}

func (s *VectorStore) Retrieve(ctx context.Context, query string, opts ...retriever.Option) ([]*schema.Document, error) {
	topK := s.topK
	options := retriever.GetCommonOptions(&retriever.Options{TopK: &topK, Embedding: s.embedder}, opts...)
	if options.TopK != nil && *options.TopK > 0 {
		topK = *options.TopK
	}
	vectors, err := options.Embedding.EmbedStrings(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("embed query: got %d vectors", len(vectors))
	}
	target := vectors[0]

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, content, metadata, embedding FROM documents WHERE collection = ?`), s.collection)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	var docs []*schema.Document
	for rows.Next() {
		var id, content, metaJSON, vecJSON string
		if err := rows.Scan(&id, &content, &metaJSON, &vecJSON); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		var vec []float64
		if err := sonic.UnmarshalString(vecJSON, &vec); err != nil {
			return nil, fmt.Errorf("decode embedding of %s: %w", id, err)
		}
		if len(vec) != len(target) {
			s.logger.Warn("Skipping document with mismatched embedding size", "id", id, "size", len(vec), "want", len(target))
			continue
		}
		dist := squaredL2(vec, target)
		if options.ScoreThreshold != nil && dist > *options.ScoreThreshold {
			continue
		}
		meta := map[string]any{}
		if metaJSON != "" {
			if err := sonic.UnmarshalString(metaJSON, &meta); err != nil {
				return nil, fmt.Errorf("decode metadata of %s: %w", id, err)
			}
		}
		docs = append(docs, (&schema.Document{ID: id, Content: content, MetaData: meta}).WithScore(dist))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}

	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score() < docs[j].Score() })
	if len(docs) > topK {
		docs = docs[:topK]
	}
	return docs, nil
}

func (s *VectorStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM documents WHERE collection = ?`), s.collection).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

func squaredL2(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
