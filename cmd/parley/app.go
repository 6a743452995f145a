package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nugget/parley/internal/agents"
	"github.com/nugget/parley/internal/config"
	"github.com/nugget/parley/internal/embeddings"
	"github.com/nugget/parley/internal/fetch"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/orchestrator"
	"github.com/nugget/parley/internal/profile"
	"github.com/nugget/parley/internal/retrieval"
	"github.com/nugget/parley/internal/search"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// app holds the components shared by serve, ask, ingest and profile.
// The stores are always open; the turn pipeline is built only by the
// commands that run turns.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	db       *sql.DB
	memory   *retrieval.Store
	profiles *profile.Store
	llm      *llm.MultiClient
	search   *search.Manager
	turns    *orchestrator.Orchestrator
}

// openApp opens the database under cfg.DataDir along with the memory
// and profile stores on it. Call [app.buildTurns] before running turns.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// Profiles and long-term memory share one database.
	dbPath := filepath.Join(cfg.DataDir, "parley.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", dbPath, err)
	}
	a := &app{cfg: cfg, logger: logger, db: db}

	embedder, err := newEmbedder(ctx, cfg, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	if a.memory, err = retrieval.NewStore(db, embedder, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("open memory: %w", err)
	}
	if a.profiles, err = profile.NewStore(db, cfg.Profile.MaxRecentCorrections, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("open profiles: %w", err)
	}
	logger.Debug("database opened", "path", dbPath)
	return a, nil
}

// buildTurns creates the model clients, the agents and the orchestrator.
// observer may be nil.
func (a *app) buildTurns(ctx context.Context, observer orchestrator.Observer) error {
	cfg, logger := a.cfg, a.logger

	var err error
	if a.llm, err = createLLMClient(ctx, cfg, logger); err != nil {
		return err
	}
	a.search = createSearchManager(cfg, logger)

	deps := orchestrator.Deps{
		Profiles:     profile.NewProvider(a.profiles, cfg.Profile.ID),
		Analysis:     agents.NewAnalysisAgent(a.llm, agentConfig(cfg.Agents.Analysis), logger),
		Correction:   agents.NewCorrectionAgent(a.llm, agentConfig(cfg.Agents.Correction), logger),
		Conversation: agents.NewConversationAgent(a.llm, agentConfig(cfg.Agents.Conversation), logger),
		Retriever: retrieval.NewRetriever(a.memory, retrieval.Limits{
			Conversations:      cfg.Retrieval.Limits.Conversations,
			LearningMaterials:  cfg.Retrieval.Limits.LearningMaterials,
			NewsArticles:       cfg.Retrieval.Limits.NewsArticles,
			CorrectionFeedback: cfg.Retrieval.Limits.CorrectionFeedback,
		}, float32(cfg.Retrieval.MinScore), logger),
		Observer: observer,
	}
	if a.search.Configured() {
		var fetcher agents.PageFetcher
		if cfg.Agents.News.FetchFullText {
			fetcher = fetch.New()
		}
		n := cfg.Agents.News
		deps.News = agents.NewNewsAgent(a.search, fetcher, agents.NewsConfig{
			MaxResults:      n.MaxResults,
			Language:        n.Language,
			FetchFullText:   n.FetchFullText,
			MinSnippetChars: n.MinSnippetChars,
			MaxArticleChars: n.MaxArticleChars,
		}, logger)
	} else {
		logger.Warn("no search provider configured - threads will start without a news topic")
	}

	if a.turns, err = orchestrator.New(deps, logger); err != nil {
		return err
	}
	return nil
}

// Close releases the database.
func (a *app) Close() error {
	return a.db.Close()
}

// agentConfig converts the YAML agent settings into the agent's own
// immutable configuration.
func agentConfig(c config.AgentConfig) agents.Config {
	return agents.Config{
		Model:       c.Model,
		Temperature: c.Temperature,
		TopP:        c.TopP,
		TopK:        c.TopK,
		MaxTokens:   c.MaxTokens,
		Stream:      c.Streaming(),
		Timeout:     time.Duration(c.TimeoutSec) * time.Second,
	}
}

// createLLMClient builds a multi-provider LLM client. Each agent's model
// is routed to its configured provider; Ollama serves any model nobody
// claimed.
func createLLMClient(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, error) {
	agentConfigs := map[string]config.AgentConfig{
		"analysis":     cfg.Agents.Analysis,
		"correction":   cfg.Agents.Correction,
		"conversation": cfg.Agents.Conversation,
	}

	ollama := llm.NewOllamaClient(cfg.Ollama.URL, logger)
	multi := llm.NewMultiClient(ollama)
	// Registered providers are what /health pings, so a local Ollama is
	// only registered when an agent routes to it.
	for _, a := range agentConfigs {
		if a.Provider == config.ProviderOllama {
			multi.AddProvider(config.ProviderOllama, ollama)
			break
		}
	}

	if cfg.Gemini.Configured() {
		gemini, err := llm.NewGeminiClient(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL, logger)
		if err != nil {
			return nil, err
		}
		multi.AddProvider(config.ProviderGemini, gemini)
	}
	if cfg.Anthropic.Configured() {
		multi.AddProvider(config.ProviderAnthropic, llm.NewAnthropicClient(cfg.Anthropic.APIKey, logger))
	}

	for name, a := range agentConfigs {
		if multi.Provider(a.Provider) == nil {
			return nil, fmt.Errorf("agents.%s uses provider %q, which is not configured", name, a.Provider)
		}
		multi.AddModel(a.Model, a.Provider)
	}

	logger.Info("LLM client initialized",
		"conversation_model", cfg.Agents.Conversation.Model,
		"conversation_provider", cfg.Agents.Conversation.Provider,
	)
	return multi, nil
}

// createSearchManager registers every configured search backend. The
// primary provider was chosen by config defaults.
func createSearchManager(cfg *config.Config, logger *slog.Logger) *search.Manager {
	mgr := search.NewManager(cfg.Search.Provider, logger)
	if c := cfg.Search.Tavily; c.Configured() {
		mgr.Register(search.NewTavily(c.APIKey, c.SearchDepth, c.Topic))
	}
	if c := cfg.Search.Brave; c.Configured() {
		mgr.Register(search.NewBrave(c.APIKey))
	}
	if c := cfg.Search.SearXNG; c.Configured() {
		mgr.Register(search.NewSearXNG(c.URL))
	}
	mgr.EnableCache(cfg.Search.CacheSize, time.Duration(cfg.Search.CacheTTLSec)*time.Second)
	return mgr
}

// newEmbedder returns the configured embedding generator behind an LRU,
// or nil when embeddings are disabled and memory search is keyword-only.
func newEmbedder(ctx context.Context, cfg *config.Config, logger *slog.Logger) (embeddings.Generator, error) {
	if !cfg.Embeddings.Enabled {
		logger.Info("embeddings disabled - memory search is keyword-based")
		return nil, nil
	}

	var gen embeddings.Generator
	switch cfg.Embeddings.Provider {
	case config.ProviderOllama:
		gen = embeddings.New(embeddings.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
	default:
		if !cfg.Gemini.Configured() {
			return nil, errors.New("embeddings.provider gemini requires gemini.api_key")
		}
		g, err := embeddings.NewGenAI(ctx, cfg.Gemini.APIKey, cfg.Gemini.BaseURL, cfg.Embeddings.Model)
		if err != nil {
			return nil, err
		}
		gen = g
	}

	cached, err := embeddings.NewCached(gen, cfg.Embeddings.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("embedding cache: %w", err)
	}
	logger.Info("embeddings enabled", "provider", cfg.Embeddings.Provider, "model", cfg.Embeddings.Model)
	return cached, nil
}
