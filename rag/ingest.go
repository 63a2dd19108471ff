package rag

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/schema"
)

const DefaultBatchSize = 64

// ReadDocuments reads one consultation record per line. Blank lines are skipped.
func ReadDocuments(r io.Reader) ([]*schema.Document, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)
	var docs []*schema.Document
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var rec DocumentRecord
		if err := sonic.UnmarshalString(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if strings.TrimSpace(rec.Content) == "" {
			return nil, fmt.Errorf("line %d: content is empty", line)
		}
		docs = append(docs, rec.Document())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	return docs, nil
}

// Ingest stores docs in batches and returns the stored ids in input order.
func Ingest(ctx context.Context, idx indexer.Indexer, docs []*schema.Document, batchSize int) ([]string, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	ids := make([]string, 0, len(docs))
	for start := 0; start < len(docs); start += batchSize {
		end := min(start+batchSize, len(docs))
		stored, err := idx.Store(ctx, docs[start:end])
		if err != nil {
			return ids, fmt.Errorf("store documents %d-%d: %w", start, end-1, err)
		}
		ids = append(ids, stored...)
	}
	return ids, nil
}
