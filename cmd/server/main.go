package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/optionpit/game-engine/internal/game"
	"github.com/optionpit/game-engine/internal/metrics"
	"github.com/optionpit/game-engine/internal/model"
	"github.com/optionpit/game-engine/internal/registry"
	"github.com/optionpit/game-engine/internal/session"
	"github.com/optionpit/game-engine/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	totalRounds := model.DefaultTotalRounds
	if v := os.Getenv("TOTAL_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			slog.Error("invalid TOTAL_ROUNDS", "value", v)
			os.Exit(1)
		}
		totalRounds = n
	}

	// Cross-origin policy: permissive in development, single-origin in
	// production.
	env := os.Getenv("APP_ENV")
	allowedOrigin := os.Getenv("ALLOWED_ORIGIN")
	checkOrigin := func(r *http.Request) bool { return true }
	if env == "production" {
		if allowedOrigin == "" {
			slog.Error("ALLOWED_ORIGIN required when APP_ENV=production")
			os.Exit(1)
		}
		checkOrigin = func(r *http.Request) bool {
			return r.Header.Get("Origin") == allowedOrigin
		}
	}

	// --- Engine wiring ---
	sessions := session.NewStore()
	reg := registry.New(totalRounds)
	hub := ws.NewHub(checkOrigin)
	svc := game.NewService(sessions, reg, hub, game.Config{TotalRounds: totalRounds})
	hub.SetHandler(svc)
	svc.Start()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// WebSocket endpoint stays outside the instrumented group: the metrics
	// response wrapper does not support hijacking.
	r.Get("/ws", hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(metrics.Middleware)
		r.Use(corsMiddleware(env, allowedOrigin))

		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"ok","service":"game-engine"}`))
		})

		// Prometheus metrics endpoint.
		r.Handle("/metrics", metrics.Handler())
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("game-engine listening", "port", port, "rounds", totalRounds, "env", env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down game-engine...")
	svc.Shutdown()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("game-engine stopped")
}

// corsMiddleware mirrors the WebSocket origin policy on the plain HTTP
// endpoints.
func corsMiddleware(env, allowedOrigin string) func(http.Handler) http.Handler {
	origin := "*"
	if env == "production" {
		origin = allowedOrigin
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
