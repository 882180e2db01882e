package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/joho/godotenv"

	"llmgateway/internal/abort"
	gatewayauth "llmgateway/internal/auth"
	"llmgateway/internal/cache"
	"llmgateway/internal/config"
	"llmgateway/internal/conversation"
	"llmgateway/internal/handler"
	"llmgateway/internal/llmprovider"
	"llmgateway/internal/llmprovider/anthropic"
	"llmgateway/internal/llmprovider/openaicompat"
	"llmgateway/internal/middleware"
	"llmgateway/internal/orchestrator"
	"llmgateway/internal/repopg"
	"llmgateway/internal/streamhub"
	"llmgateway/internal/tools"
)

const defaultSystemPrompt = "You are a helpful assistant with access to tools. Use them when they would improve your answer."

func main() {
	_ = godotenv.Load()

	cfg := config.Load()

	logLevel := slog.LevelInfo
	if cfg.Environment == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("server starting", "environment", cfg.Environment, "port", cfg.Port, "table_prefix", cfg.TablePrefix)

	ctx := context.Background()
	pool, err := repopg.NewPool(ctx, cfg.SupabaseDBURL)
	if err != nil {
		log.Fatalf("failed to create connection pool: %v", err)
	}
	defer pool.Close()

	tables := repopg.NewTableNames(cfg.TablePrefix)
	store := repopg.NewStore(pool, tables)
	eventStore := repopg.NewStreamEventStore(repopg.Config{Pool: pool, Tables: tables})

	capabilities, err := llmprovider.NewCapabilityRegistry()
	if err != nil {
		log.Fatalf("failed to load model capabilities: %v", err)
	}

	providers := map[string]llmprovider.Provider{}
	if cfg.AnthropicAPIKey != "" {
		p, err := anthropic.New(cfg.AnthropicAPIKey)
		if err != nil {
			log.Fatalf("failed to configure anthropic provider: %v", err)
		}
		providers[p.Name()] = p
	}
	if cfg.OpenRouterAPIKey != "" {
		p, err := openaicompat.New("openrouter", "https://openrouter.ai/api/v1", cfg.OpenRouterAPIKey,
			openaicompat.WithModelFilter(func(string) bool { return true }))
		if err != nil {
			log.Fatalf("failed to configure openrouter provider: %v", err)
		}
		providers[p.Name()] = p
	}
	if len(providers) == 0 {
		logger.Warn("no LLM providers configured; set ANTHROPIC_API_KEY or OPENROUTER_API_KEY")
	}

	toolCfg := tools.DefaultConfig()
	toolRegistry := tools.NewRegistry()
	toolRegistry.Register(tools.CurrentTimeTool{})
	if searchClient, ok := newSearchClient(); ok {
		toolRegistry.Register(tools.NewWebSearchTool(searchClient, toolCfg.WebSearchDefaultLimit, toolCfg.WebSearchMaxLimit))
	}

	cacheAnnotator := cache.New(capabilities, logger)
	builder := conversation.New(capabilities, cacheAnnotator, logger, conversation.Config{
		MessageWindow:    cfg.MessageWindow,
		WarningThreshold: 0.75,
	})

	orch := orchestrator.New(providers, toolRegistry, builder, logger)
	hub := streamhub.NewHub(eventStore, logger)
	abortCoord := abort.New()

	chatHandler := handler.NewChatHandler(handler.Config{
		Store:        store,
		Providers:    providers,
		Capabilities: capabilities,
		ToolRegistry: toolRegistry,
		Orchestrator: orch,
		Hub:          hub,
		AbortCoord:   abortCoord,
		Logger:       logger,

		MaxIterations:  cfg.MaxIterations,
		SoftIterations: cfg.SoftIterations,
		TurnTimeout:    cfg.TurnTimeout,
		SystemPrompt:   defaultSystemPrompt,

		DefaultProvider: cfg.DefaultProvider,
		DefaultModel:    cfg.DefaultModel,

		MaxMessagesPerConversation: cfg.MaxMessagesPerConversation,
		MaxConversationsPerUser:    cfg.MaxConversationsPerUser,

		ParallelToolsEnabled: cfg.ParallelToolsEnabled,
		ParallelConcurrency:  cfg.ParallelConcurrency,
		ParallelToolsTimeout: cfg.ParallelToolsTimeout,
	})

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler})
	app.Use(middleware.Recovery(logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOrigins,
		AllowMethods:     strings.Join([]string{"GET", "POST", "OPTIONS"}, ","),
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
		AllowCredentials: true,
	}))

	app.Use(authMiddleware(cfg, logger))

	app.Get("/health", func(c *fiber.Ctx) error { return c.JSON(fiber.Map{"status": "ok"}) })

	v1 := app.Group("/v1")
	v1.Post("/chat/completions", chatHandler.Complete)
	v1.Post("/chat/completions/:conversation_id/abort", chatHandler.Abort)

	log.Printf("server listening on port %s", cfg.Port)
	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
}

// authMiddleware wires real Supabase JWT verification when a JWKS URL is
// configured, falling back to the fixed-user stub for local development
// (matching the teacher's Phase-1 auth stub default).
func authMiddleware(cfg *config.Config, logger *slog.Logger) fiber.Handler {
	if cfg.SupabaseURL == "" {
		logger.Warn("SUPABASE_URL not set, using stub auth middleware")
		return middleware.StubAuthMiddleware("dev-user")
	}
	verifier, err := gatewayauth.NewVerifier(cfg.SupabaseJWKSURL, logger)
	if err != nil {
		log.Fatalf("failed to initialize JWT verifier: %v", err)
	}
	return middleware.AuthMiddleware(verifier)
}

// newSearchClient returns nil, false: no external search backend is wired
// into this deployment, so the web_search tool is left unregistered rather
// than registered against a client that would always fail.
func newSearchClient() (tools.SearchClient, bool) {
	return nil, false
}
