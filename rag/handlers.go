package rag

import (
	"log/slog"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/indexer"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/cloudwego/eino/schema"
)

const maxBodyBytes = 8 << 20

type EmbeddingRequest struct {
	Text string `json:"text"`
}

type EmbeddingResponse struct {
	Embedding []float64 `json:"embedding"`
}

type EmbeddingsRequest struct {
	Texts []string `json:"texts"`
}

type EmbeddingsResponse struct {
	Embeddings [][]float64 `json:"embeddings"`
}

type QueryRequest struct {
	Text string `json:"text"`
	TopK int    `json:"top_k,omitempty"`
}

type QueryResponse struct {
	Contexts []string  `json:"contexts"`
	Scores   []float64 `json:"scores"`
}

type DocumentRecord struct {
	ID       string         `json:"id,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (r DocumentRecord) Document() *schema.Document {
	return &schema.Document{ID: r.ID, Content: r.Content, MetaData: r.Metadata}
}

type IndexRequest struct {
	Documents []DocumentRecord `json:"documents"`
}

type IndexResponse struct {
	IDs []string `json:"ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewEmbeddingHandler serves POST /get_embedding and POST /get_embeddings.
func NewEmbeddingHandler(embedder embedding.Embedder, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /get_embedding", func(w http.ResponseWriter, r *http.Request) {
		var req EmbeddingRequest
		if !readJSON(w, r, &req) {
			return
		}
		vectors, err := embedder.EmbedStrings(r.Context(), []string{req.Text})
		if err != nil {
			logger.Error("Embedding failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		var vec []float64
		if len(vectors) > 0 {
			vec = vectors[0]
		}
		writeJSON(w, http.StatusOK, EmbeddingResponse{Embedding: vec})
	})
	mux.HandleFunc("POST /get_embeddings", func(w http.ResponseWriter, r *http.Request) {
		var req EmbeddingsRequest
		if !readJSON(w, r, &req) {
			return
		}
		vectors, err := embedder.EmbedStrings(r.Context(), req.Texts)
		if err != nil {
			logger.Error("Embedding failed", "error", err, "count", len(req.Texts))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if vectors == nil {
			vectors = [][]float64{}
		}
		writeJSON(w, http.StatusOK, EmbeddingsResponse{Embeddings: vectors})
	})
	return mux
}

// NewRetrievalHandler serves POST /query and, when idx is not nil, POST /index.
func NewRetrievalHandler(r retriever.Retriever, idx indexer.Indexer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /query", func(w http.ResponseWriter, req *http.Request) {
		var body QueryRequest
		if !readJSON(w, req, &body) {
			return
		}
		var opts []retriever.Option
		if body.TopK > 0 {
			opts = append(opts, retriever.WithTopK(body.TopK))
		}
		docs, err := r.Retrieve(req.Context(), body.Text, opts...)
		if err != nil {
			logger.Error("Query failed", "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := QueryResponse{Contexts: make([]string, 0, len(docs)), Scores: make([]float64, 0, len(docs))}
		for _, doc := range docs {
			resp.Contexts = append(resp.Contexts, doc.Content)
			resp.Scores = append(resp.Scores, doc.Score())
		}
		writeJSON(w, http.StatusOK, resp)
	})
	if idx != nil {
		mux.HandleFunc("POST /index", func(w http.ResponseWriter, req *http.Request) {
			var body IndexRequest
			if !readJSON(w, req, &body) {
				return
			}
			docs := make([]*schema.Document, len(body.Documents))
			for i, rec := range body.Documents {
				docs[i] = rec.Document()
			}
			ids, err := idx.Store(req.Context(), docs)
			if err != nil {
				logger.Error("Index failed", "error", err, "count", len(docs))
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			if ids == nil {
				ids = []string{}
			}
			writeJSON(w, http.StatusOK, IndexResponse{IDs: ids})
		})
	}
	return mux
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := sonic.ConfigDefault.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = sonic.ConfigDefault.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
