// bqagent - warehouse question-answering agent server
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/ashureev/bqagent/internal/agent"
	"github.com/ashureev/bqagent/internal/api"
	"github.com/ashureev/bqagent/internal/config"
	"github.com/ashureev/bqagent/internal/domain"
	"github.com/ashureev/bqagent/internal/identity"
	"github.com/ashureev/bqagent/internal/middleware"
	"github.com/ashureev/bqagent/internal/session"
	"github.com/ashureev/bqagent/internal/store"
	"github.com/ashureev/bqagent/internal/warehouse"
	"github.com/ashureev/bqagent/internal/warehouse/bigquery"
	"github.com/ashureev/bqagent/internal/warehouse/duckdb"
	"github.com/ashureev/bqagent/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	agentConfigPath := pflag.String("agent-config", "", "YAML file overriding the agent's model, instruction and limits")
	pflag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Info("No .env file found, using environment variables", "path", *envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("Failed to load configuration", err)
	}
	if *agentConfigPath != "" {
		cfg.AgentConfigPath = *agentConfigPath
	}

	var agentFile *agent.FileConfig
	if cfg.AgentConfigPath != "" {
		agentFile, err = agent.LoadFile(cfg.AgentConfigPath)
		if err != nil {
			fatal("Failed to load agent config", err)
		}
		if agentFile.Table != "" {
			cfg.Warehouse.Table = agentFile.Table
		}
		if agentFile.MaxRows > 0 {
			cfg.Warehouse.MaxRows = agentFile.MaxRows
		}
		if agentFile.MaxModelTurns > 0 {
			cfg.Agent.MaxModelTurns = agentFile.MaxModelTurns
		}
		slog.Info("Agent config loaded", "path", cfg.AgentConfigPath)
	}

	slog.Info("Starting server", "port", cfg.Port, "app_name", cfg.AppName, "dev", cfg.IsDevelopment())

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), time.Minute)
	defer cancelStartup()

	// Session store.
	repo, err := store.Open(startupCtx, cfg.DBURL)
	if err != nil {
		fatal("Failed to initialize session store", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()
	slog.Info("Session store connected")

	defaultKey := domain.SessionKey{AppName: cfg.AppName, UserID: cfg.UserID, SessionID: cfg.SessionID}
	if err := session.EnsureSession(startupCtx, repo, defaultKey, session.DefaultInitialState()); err != nil {
		fatal("Failed to ensure default session", err)
	}

	// Warehouse and model.
	wh, err := openWarehouse(startupCtx, cfg.Warehouse)
	if err != nil {
		fatal("Failed to open warehouse", err)
	}
	defer func() {
		if closeErr := wh.Close(); closeErr != nil {
			slog.Error("Failed to close warehouse", "error", closeErr)
		}
	}()
	slog.Info("Warehouse ready", "backend", cfg.Warehouse.Backend, "table", wh.Table().String())

	model, err := agent.NewGemini(startupCtx, agent.GeminiConfig{
		APIKey:      cfg.Model.APIKey,
		UseVertexAI: cfg.Model.UseVertexAI,
		Project:     cfg.Model.Project,
		Location:    cfg.Model.Location,
		BaseURL:     cfg.Model.BaseURL,
	})
	if err != nil {
		fatal("Failed to initialize model client", err)
	}

	rootAgent := agent.New(cfg.Model.Name, wh, cfg.Warehouse.MaxRows)
	if agentFile != nil {
		agentFile.Apply(rootAgent)
	}

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		fatal("Failed to initialize conversation logger", err)
	}

	runner := agent.NewRunner(rootAgent, model, repo, session.NewLocker(), agent.RunnerConfig{
		AppName:         cfg.AppName,
		MaxModelTurns:   cfg.Agent.MaxModelTurns,
		MaxHistoryTurns: cfg.Agent.MaxHistoryTurns,
	}, conversationLogger)
	service := agent.NewService(runner, conversationLogger)
	defer func() {
		if closeErr := service.Close(); closeErr != nil {
			slog.Warn("Failed to close agent service", "error", closeErr)
		}
	}()
	slog.Info("Agent ready", "agent", rootAgent.Name, "model", rootAgent.Model)

	// Handlers.
	resolver := identity.NewResolver(repo, identity.Config{
		AppName:          cfg.AppName,
		UserID:           cfg.UserID,
		DefaultSessionID: cfg.SessionID,
		PerClient:        cfg.PerClientSessions,
		Secure:           !cfg.IsDevelopment(),
	})
	healthHandler := api.NewHealthHandler(cfg.AppName, repo, 5*time.Second)
	askHandler := agent.NewHandler(service, agent.HandlerConfig{
		AskTimeout:     cfg.AskTimeout,
		OriginPatterns: originPatterns(cfg.CORSOrigins),
	})
	webHandler, err := web.NewHandler(cfg.StaticDir)
	if err != nil {
		fatal("Failed to initialize static files", err)
	}

	// Setup router.
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics)
	r.Use(middleware.CORS(cfg.CORSOrigins))

	healthHandler.RegisterRoutes(r)
	webHandler.RegisterRoutes(r)

	// Routes that act on a session.
	r.Group(func(r chi.Router) {
		r.Use(resolver.Middleware)
		askHandler.RegisterRoutes(r)
	})

	// WriteTimeout stays 0 so SSE and WebSocket answers can outlive it;
	// ASK_TIMEOUT bounds each run instead.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}

// fatal logs err and exits before the server ever listens.
func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}

func openWarehouse(ctx context.Context, cfg config.WarehouseConfig) (warehouse.Warehouse, error) {
	table, err := warehouse.ParseTableRef(cfg.Table)
	if err != nil {
		return nil, err
	}
	switch cfg.Backend {
	case "duckdb":
		wh, err := duckdb.New(ctx, duckdb.Config{Table: table, Source: cfg.Source})
		if err != nil {
			return nil, err
		}
		return wh, nil
	case "bigquery":
		wh, err := bigquery.New(ctx, bigquery.Config{
			Table:          table,
			Project:        cfg.Project,
			MaxBytesBilled: cfg.MaxBytesBilled,
		})
		if err != nil {
			return nil, err
		}
		return wh, nil
	default:
		return nil, fmt.Errorf("unknown warehouse backend %q", cfg.Backend)
	}
}

// originPatterns turns CORS origins into host patterns for WebSocket
// origin checks.
func originPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		u, err := url.Parse(o)
		if err != nil || u.Host == "" {
			patterns = append(patterns, o)
			continue
		}
		patterns = append(patterns, u.Host)
	}
	return patterns
}
