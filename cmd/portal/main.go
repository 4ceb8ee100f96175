// Entry point for the portal styling service — chi router, shield stack,
// Chrome via rod, Gemini model client, optional MCP stdio transport.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	_ "modernc.org/sqlite"

	"github.com/rahul-biswakarma/portal-chrome-sub002/browser"
	"github.com/rahul-biswakarma/portal-chrome-sub002/config"
	"github.com/rahul-biswakarma/portal-chrome-sub002/dbopen"
	"github.com/rahul-biswakarma/portal-chrome-sub002/gemini"
	"github.com/rahul-biswakarma/portal-chrome-sub002/observability"
	"github.com/rahul-biswakarma/portal-chrome-sub002/prompt"
	"github.com/rahul-biswakarma/portal-chrome-sub002/refine"
	"github.com/rahul-biswakarma/portal-chrome-sub002/server"
	"github.com/rahul-biswakarma/portal-chrome-sub002/session"
	"github.com/rahul-biswakarma/portal-chrome-sub002/shield"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Configuration: file when given, defaults otherwise, env overrides last.
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if addr := os.Getenv("PORTAL_ADDR"); addr != "" {
		cfg.Server.Addr = addr
	}

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Observability DB.
	db, err := openServiceDB(cfg.Observability.DBPath)
	if err != nil {
		slog.Error("open observability db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	auditLogger := observability.NewAuditLogger(db, cfg.Observability.AuditBuffer)
	defer auditLogger.Close()
	runs := observability.NewRunRecorder(db)

	heartbeat := observability.NewHeartbeatWriter(db, "portal", 15*time.Second)
	heartbeat.Start(ctx)
	defer heartbeat.Stop()

	// Retention sweep at startup; the service is long-running but restarts
	// often enough in practice that a ticker is not worth its goroutine.
	if n, err := auditLogger.Cleanup(ctx, cfg.Observability.RetentionDays); err == nil && n > 0 {
		slog.Info("audit retention", "deleted", n)
	}
	if n, err := runs.CleanupRuns(ctx, cfg.Observability.RetentionDays); err == nil && n > 0 {
		slog.Info("run retention", "deleted", n)
	}
	observability.CleanupHeartbeats(ctx, db, cfg.Observability.RetentionDays)

	// Browser.
	mgr := browser.NewManager(browser.Config{
		RemoteURL:       cfg.Browser.RemoteURL,
		Headless:        cfg.Browser.Headless,
		Stealth:         cfg.Browser.Stealth,
		MemoryLimit:     cfg.Browser.MemoryLimit,
		RecycleInterval: cfg.Browser.RecycleInterval,
		Logger:          logger,
	})
	if _, err := mgr.Start(ctx); err != nil {
		slog.Error("start browser", "error", err)
		os.Exit(1)
	}
	defer mgr.Close()
	holder := browser.NewHolder(mgr)
	defer holder.Close()

	// Model client.
	model := gemini.New(gemini.Config{
		APIKey:          cfg.APIKey(),
		Model:           cfg.Gemini.Model,
		BaseURL:         cfg.Gemini.BaseURL,
		Temperature:     float32(cfg.Gemini.Temperature),
		MaxOutputTokens: cfg.Gemini.MaxOutputTokens,
		MaxContinuation: cfg.Gemini.MaxContinuation,
		Timeout:         cfg.Refine.CallTimeout,
	}, logger)
	if !model.Ready() {
		slog.Warn("no Gemini credential; refinement endpoints will report not ready",
			"env", cfg.Gemini.APIKeyEnv)
	}

	// Refinement controller.
	controller := refine.NewController(refine.Deps{
		Capturer:     holder,
		Introspector: holder,
		Applier:      holder,
		Model:        model,
		History:      session.NewRegistry(cfg.Refine.MaxHistory),
		Digester:     prompt.NewDigester(cfg.Refine.DigestLimit),
		CallTimeout:  cfg.Refine.CallTimeout,
		Logger:       logger,
	})

	svc := server.New(ctx, server.Deps{
		Controller:    controller,
		Surface:       holder,
		Audit:         auditLogger,
		Runs:          runs,
		MaxIterations: cfg.Refine.MaxIterations,
		AuthTokenHash: cfg.Server.AuthTokenHash,
		Logger:        logger,
	})

	// Router with the shield stack.
	limiter := shield.NewRateLimiter(db, "/healthz")
	limiter.StartReloader(ctx.Done())

	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxBody(cfg.Server.MaxBodyBytes))
	r.Use(shield.TraceID)
	r.Use(limiter.Middleware)
	svc.RegisterHTTP(r)

	// Optional MCP stdio transport.
	if cfg.Server.MCP {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "portal",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			slog.Info("MCP stdio starting")
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// openServiceDB opens the service database with the observability and shield
// schemas applied. The sqlite driver is registered by this package's blank
// import; dbopen itself stays driver-agnostic.
func openServiceDB(path string) (*sql.DB, error) {
	return dbopen.Open(path,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(shield.Schema),
	)
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
