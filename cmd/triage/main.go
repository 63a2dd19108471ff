package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tbxark/triage/config"
	"github.com/tbxark/triage/mcpserver"
	"github.com/tbxark/triage/rag"
	"github.com/tbxark/triage/server"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "triage",
		Short:         "Conversational medical triage assistant",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to config file, empty for environment only")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newEmbeddingServerCmd(&configPath))
	root.AddCommand(newRetrieverServerCmd(&configPath))
	root.AddCommand(newIngestCmd(&configPath))
	root.AddCommand(newChatCmd(&configPath))
	root.AddCommand(newMCPCmd(&configPath))
	return root
}

func loadConfig(path string) (*config.Config, error) {
	conf, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level, err := conf.Level()
	if err != nil {
		return nil, err
	}
	slog.SetLogLoggerLevel(level)
	return conf, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(configPath *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the triage HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				conf.Listen = listen
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			app, err := newApp(ctx, conf)
			if err != nil {
				return err
			}
			srv := server.New(app.registry,
				server.WithIdleTimeout(conf.IdleTimeout.Std()),
			)
			return srv.ListenAndServe(ctx, conf.Listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides config")
	return cmd
}

func newEmbeddingServerCmd(configPath *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "embedding-server",
		Short: "Serve text embeddings over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = conf.Embedding.Listen
			}
			embedder, err := rag.NewOpenAIEmbedder(rag.OpenAIEmbedderConfig{
				APIKey:  conf.APIKey,
				BaseURL: conf.BaseURL,
				Model:   conf.Embedding.Model,
			})
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return serveHandler(ctx, listen, rag.NewEmbeddingHandler(embedder, slog.Default()))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides config")
	return cmd
}

func newRetrieverServerCmd(configPath *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "retriever-server",
		Short: "Serve nearest-neighbour search over stored consultation records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if listen == "" {
				listen = conf.Retriever.Listen
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			store, err := openVectorStore(ctx, conf)
			if err != nil {
				return err
			}
			defer store.Close()
			return serveHandler(ctx, listen, rag.NewRetrievalHandler(store, store, slog.Default()))
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides config")
	return cmd
}

func newIngestCmd(configPath *string) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Embed and store consultation records, one JSON object per line",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			docs, err := rag.ReadDocuments(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			store, err := openVectorStore(ctx, conf)
			if err != nil {
				return err
			}
			defer store.Close()
			ids, err := rag.Ingest(ctx, store, docs, batch)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ingested %d records into %s\n", len(ids), conf.VectorStore.Collection)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", rag.DefaultBatchSize, "records per embedding request")
	return cmd
}

func newMCPCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve triage tools over the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			level, _ := conf.Level()
			// stdout carries the protocol
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			app, err := newApp(ctx, conf)
			if err != nil {
				return err
			}
			var opts []mcpserver.Option
			if app.retriever != nil {
				opts = append(opts, mcpserver.WithRetriever(app.retriever))
			}
			return mcpserver.New("triage", version, app.registry, opts...).Serve()
		},
	}
}
