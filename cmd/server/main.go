// Agent Lab - session lifecycle and reconciliation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashureev/agent-lab/internal/api"
	"github.com/ashureev/agent-lab/internal/browser"
	"github.com/ashureev/agent-lab/internal/bus"
	"github.com/ashureev/agent-lab/internal/config"
	"github.com/ashureev/agent-lab/internal/domain"
	"github.com/ashureev/agent-lab/internal/monitor"
	"github.com/ashureev/agent-lab/internal/ports"
	"github.com/ashureev/agent-lab/internal/prompt"
	"github.com/ashureev/agent-lab/internal/proxy"
	"github.com/ashureev/agent-lab/internal/sandbox"
	"github.com/ashureev/agent-lab/internal/session"
	"github.com/ashureev/agent-lab/internal/sse"
	"github.com/ashureev/agent-lab/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "api_port", cfg.APIPort, "proxy_port", cfg.ProxyPort, "base_domain", cfg.ProxyBaseDomain)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	provider, err := sandbox.NewDockerProvider(cfg.SandboxEndpoint)
	if err != nil {
		slog.Error("Failed to initialize sandbox provider", "error", err)
		os.Exit(1)
	}
	slog.Info("Sandbox provider initialized")

	// Port reservations survive restarts; rebuild the in-memory view before
	// anything allocates.
	allocator := ports.NewAllocator(repo, cfg.StreamPortLo, cfg.StreamPortHi)
	if err := allocator.Rehydrate(context.Background()); err != nil {
		slog.Error("Failed to rehydrate port reservations", "error", err)
		os.Exit(1)
	}

	router := proxy.NewRouter(cfg.ProxyBaseDomain)

	b := bus.New()

	controller := browser.NewHTTPController(cfg.BrowserAPIURL)
	browserOrch := browser.NewOrchestrator(repo, controller, allocator, cfg.MaxDaemonRetries, cfg.ReconcileInterval, cfg.BrowserCleanupDelay)
	browserOrch.OnStateChange(func(st *domain.BrowserSessionState) {
		b.PublishDelta(bus.ChannelSessionBrowserState, st.SessionID, bus.PatchDelta(map[string]any{
			"desired":      st.Desired,
			"actual":       st.Actual,
			"streamPort":   st.StreamPort,
			"retryCount":   st.RetryCount,
			"errorMessage": st.ErrorMessage,
		}))
	})
	browserOrch.OnError(func(err error) {
		slog.Warn("Browser reconciliation errors", "error", err)
	})

	sessions := session.NewOrchestrator(repo, provider, router, browserOrch, b, session.Volumes{
		Workspaces:  cfg.WorkspacesVolume,
		Auth:        cfg.AuthVolume,
		BrowserSock: cfg.BrowserSockVolume,
	})
	sessions.SetPromptComposer(func(ctx context.Context, p *domain.Project, s *domain.Session) string {
		composer := prompt.NewComposer(
			prompt.Static("platform", 0, "You are working inside an isolated lab session. The workspace directory is shared between all containers of the session."),
			prompt.Static("project", 50, p.SystemPrompt),
		)
		composer.Add(prompt.Fragment{
			Name:     "session",
			Priority: 100,
			Predicate: func(context.Context) bool {
				return s.Title != ""
			},
			Render: func(context.Context) string {
				return "Current task: " + s.Title
			},
		})
		return composer.Compose(ctx)
	})

	bus.RegisterDefaultChannels(b, repo, router, browserOrch)

	eventMonitor := monitor.New(repo, provider, b)

	authEvents := sse.NewStream()

	handler := api.NewHandler(repo, sessions, b, authEvents)

	apiSrv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     handler.Routes(),
		ReadTimeout: 30 * time.Second,
		// SSE and WebSocket connections need an unbounded write window.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	proxySrv := proxy.NewServer(router, cfg.ProxyBaseDomain, cfg.ProxyIdleTimeout).HTTPServer(":" + cfg.ProxyPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Finish teardowns a previous process may have left behind, then start
	// the background loops.
	if err := sessions.SweepOrphans(ctx); err != nil {
		slog.Warn("Orphan sweep finished with errors", "error", err)
	}

	go browserOrch.Run(ctx)
	go eventMonitor.Run(ctx)
	go sessions.ReconcilePools(ctx, cfg.ReconcileInterval)
	slog.Info("Reconcilers started", "interval", cfg.ReconcileInterval)

	go func() {
		slog.Info("API listening", "addr", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
			os.Exit(1)
		}
	}()
	go func() {
		slog.Info("Proxy listening", "addr", proxySrv.Addr, "base_domain", cfg.ProxyBaseDomain)
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Proxy server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server forced to shutdown", "error", err)
	}
	if err := proxySrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Proxy server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}
