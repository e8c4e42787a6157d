package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/yangwenmai/deckforge/internal/config"
	"github.com/yangwenmai/deckforge/internal/deck"
	"github.com/yangwenmai/deckforge/internal/engine"
	"github.com/yangwenmai/deckforge/internal/source"
	"github.com/yangwenmai/deckforge/internal/store"
	"github.com/yangwenmai/deckforge/internal/worker"
)

// app is the wired object graph shared by every subcommand.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	store   *store.Store
	manager *deck.Manager
	worker  *worker.Worker
}

func newLogger(cfg config.Config) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	db, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s, err := store.New(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init store: %w", err)
	}

	pipeline := engine.NewPipeline(buildCapabilities(cfg, logger),
		engine.WithMaxRewriteAttempts(cfg.MaxRewriteAttempts),
		engine.WithLogger(logger),
	)
	orch := deck.NewOrchestrator(pipeline,
		deck.WithConcurrency(cfg.Concurrency),
		deck.WithSlideRetries(cfg.SlideRetries),
		deck.WithLogger(logger),
	)
	importer := source.NewImporter(
		source.WithMaxTextLength(cfg.MaxTextLength),
		source.WithTimeout(cfg.HTTPTimeout),
	)
	m := deck.NewManager(s, orch, deck.WithImporter(importer), deck.WithManagerLogger(logger))

	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   s,
		manager: m,
		worker:  worker.New(s, m, cfg.WorkerInterval, logger),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// startWorker runs the background worker until ctx is canceled. The returned
// channel closes once the worker has stopped.
func (a *app) startWorker(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.worker.Start(ctx)
	}()
	return done
}

// buildCapabilities selects the text model and image backend from cfg.
func buildCapabilities(cfg config.Config, logger *slog.Logger) engine.Capabilities {
	var mc engine.ModelClient
	if cfg.UseStubs() {
		logger.Info("no LLM credentials for provider, using stub model", "provider", cfg.LLMProvider)
		mc = &engine.StubModelClient{}
	} else {
		mc = modelClient(cfg)
		logger.Info("using LLM provider", "provider", cfg.LLMProvider)
	}

	var images engine.ImageGenerator
	if cfg.UseImageStub() {
		logger.Info("using placeholder image generator")
		images = &engine.StubImageGenerator{}
	} else {
		images = engine.NewImageClient(cfg.OpenAIKey,
			engine.WithImageModel(cfg.ImageModel),
			engine.WithImageSize(cfg.ImageSize),
			engine.WithImageBaseURL(cfg.OpenAIBaseURL),
		)
		logger.Info("using image model", "model", cfg.ImageModel, "size", cfg.ImageSize)
	}

	llm := engine.NewLLMCapabilities(mc)
	return engine.Capabilities{Keywords: llm, Validator: llm, Rewriter: llm, Images: images}
}

func modelClient(cfg config.Config) engine.ModelClient {
	switch cfg.LLMProvider {
	case "claude":
		return engine.NewClaudeClient(cfg.AnthropicKey,
			engine.WithClaudeModel(cfg.AnthropicModel),
			engine.WithClaudeTimeout(cfg.HTTPTimeout),
		)
	case "llmkit":
		return engine.NewLLMKitClient(cfg.AnthropicKey, engine.WithLLMKitModel(cfg.AnthropicModel))
	case "gemini":
		return engine.NewGeminiClient(cfg.GeminiKey,
			engine.WithGeminiModel(cfg.GeminiModel),
			engine.WithGeminiTimeout(cfg.HTTPTimeout),
		)
	case "ollama":
		return engine.NewOllamaClient(cfg.OllamaURL,
			engine.WithOllamaModel(cfg.OllamaModel),
			engine.WithOllamaTimeout(cfg.HTTPTimeout),
		)
	default:
		return engine.NewOpenAIClient(cfg.OpenAIKey,
			engine.WithModel(cfg.OpenAIModel),
			engine.WithBaseURL(cfg.OpenAIBaseURL),
			engine.WithTimeout(cfg.HTTPTimeout),
		)
	}
}
