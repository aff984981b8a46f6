package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	internalhttp "github.com/clawui/claw-relay/internal/api/http"
	"github.com/clawui/claw-relay/internal/auth"
	"github.com/clawui/claw-relay/internal/db"
	"github.com/clawui/claw-relay/internal/metrics"
	"github.com/clawui/claw-relay/internal/ratelimit"
	"github.com/clawui/claw-relay/internal/relay"
	"github.com/clawui/claw-relay/internal/replay"
	"github.com/clawui/claw-relay/internal/tokens"
)

var AppVersion string

const nonceCacheCapacity = 10000

func main() {
	InitConfig()

	slog.Info("Claw Relay Server", "version", AppVersion)

	if config.Auth.JWTSecret == "" {
		slog.Error("JWT_SECRET is required")
		os.Exit(1)
	}

	ctx := context.Background()

	var (
		store tokens.AdminStore
		pool  *pgxpool.Pool
	)
	if config.Database.Url != "" {
		if err := db.RunMigrations(config.Database.Url, config.Database.Schema); err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}

		var err error
		pool, err = db.InitDB(ctx, config.Database.Url, config.Database.Schema)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		store = tokens.NewPostgresStore(pool)
	} else {
		slog.Warn("No database configured, tokens are kept in memory and lost on restart")
		store = tokens.NewMemoryStore()
	}

	limiter := ratelimit.New(ratelimit.Config{
		Window: config.Relay.RateLimitWindow,
		Max:    config.Relay.RateLimitMax,
	})
	defer limiter.Stop()

	nonces := replay.New(0, nonceCacheCapacity)
	agentAuth := auth.NewAgentAuthenticator(store, nonces, 0)
	clientAuth := auth.NewClientAuthenticator(config.Auth.JWTSecret)

	r := relay.New(relay.Config{
		MessageSizeLimit:  config.Relay.MessageSizeLimit,
		InactivityTimeout: config.Relay.InactivityTimeout,
	}, agentAuth, clientAuth, store, limiter, metrics.New())

	services := &internalhttp.Services{
		Relay:     r,
		Tokens:    tokens.NewService(store),
		JWTSecret: config.Auth.JWTSecret,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 1)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	slog.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	r.Close()
	slog.Info("Shutdown complete")
}
