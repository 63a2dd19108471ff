package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/embedding"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/retriever"
	"github.com/tbxark/triage"
	"github.com/tbxark/triage/config"
	"github.com/tbxark/triage/prompt"
	"github.com/tbxark/triage/rag"
)

type app struct {
	chatModel model.BaseChatModel
	registry  *triage.Registry
	retriever retriever.Retriever
}

func newApp(ctx context.Context, conf *config.Config) (*app, error) {
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:  conf.APIKey,
		Model:   conf.Model,
		BaseURL: conf.BaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("init chat model: %w", err)
	}

	a := &app{chatModel: cm}
	opts := []triage.Option{
		triage.WithMaxLoop(conf.MaxLoop),
		triage.WithRetryLimit(conf.Retries()),
		triage.WithCallTimeout(conf.CallTimeout.Std()),
		triage.WithToolMode(conf.ToolMode),
	}
	if conf.PromptsFile != "" {
		provider, err := prompt.NewFileProvider(conf.PromptsFile, prompt.WithMinInterval(conf.ReloadInterval.Std()))
		if err != nil {
			return nil, err
		}
		opts = append(opts, triage.WithInstructions(provider))
	}
	if conf.DecisionSource == config.DecisionQuery {
		opts = append(opts, triage.WithDecisionSource(triage.NewQueryDecision(cm)))
	}
	if conf.Retriever.Enabled {
		a.retriever = rag.NewRemoteRetriever(conf.Retriever.URL, nil)
		opts = append(opts, triage.WithRetriever(a.retriever, conf.VectorStore.TopK))
	}

	engine, err := triage.NewEngine(cm, opts...)
	if err != nil {
		return nil, err
	}
	a.registry = triage.NewRegistry(engine)
	slog.Debug("Triage engine ready", "config", conf.String(), "max_loop", engine.MaxLoop(), "retriever", conf.Retriever.Enabled)
	return a, nil
}

func newEmbedder(conf *config.Config) (embedding.Embedder, error) {
	switch conf.Embedding.Provider {
	case "", config.EmbeddingOpenAI:
		return rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
			APIKey:  conf.APIKey,
			BaseURL: conf.BaseURL,
			Model:   conf.Embedding.Model,
		})
	case config.EmbeddingRemote:
		return rag.NewRemoteEmbedder(conf.Embedding.URL, nil), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", conf.Embedding.Provider)
	}
}

func openVectorStore(ctx context.Context, conf *config.Config) (*rag.VectorStore, error) {
	embedder, err := newEmbedder(conf)
	if err != nil {
		return nil, err
	}
	return rag.OpenVectorStore(ctx, conf.VectorStore.Driver, conf.VectorStore.DSN, embedder,
		rag.WithCollection(conf.VectorStore.Collection),
		rag.WithTopK(conf.VectorStore.TopK),
	)
}

func serveHandler(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
