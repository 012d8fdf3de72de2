// Package main is the entry point for the sync gateway.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loomchat/sync-engine/internal/config"
	"github.com/loomchat/sync-engine/internal/engine"
	"github.com/loomchat/sync-engine/internal/handler"
	"github.com/loomchat/sync-engine/internal/middleware"
	"github.com/loomchat/sync-engine/internal/store"
	"github.com/loomchat/sync-engine/pkg/logger"
	"github.com/loomchat/sync-engine/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting sync gateway")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "sync-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to the backing store
	kv, err := store.ConnectKV(ctx, store.KVConfig{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer kv.Close()

	// Engine sessions
	engineCfg := engine.Config{
		TypingTimeout:     cfg.TypingTimeout,
		TypingDebounce:    cfg.TypingDebounce,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ReadReceiptWindow: cfg.ReadReceiptWindow,
	}
	sessions := handler.NewSessionManager(kv, engineCfg, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(kv.IsConnected)
	profileHandler := handler.NewProfileHandler(sessions, log)
	conversationsHandler := handler.NewConversationsHandler(sessions, log)
	messagesHandler := handler.NewMessagesHandler(sessions, log)
	requestsHandler := handler.NewRequestsHandler(sessions, log)
	eventsHandler := handler.NewEventsHandler(sessions, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
		ExposedHeaders:   []string{"Link", "X-Correlation-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Event stream
		r.Get("/events", eventsHandler.Events)

		// Own record
		r.Route("/me", func(r chi.Router) {
			r.Get("/", profileHandler.Get)
			r.Put("/", profileHandler.Update)
			r.Delete("/", profileHandler.DeleteAccount)
			r.Put("/preferences", profileHandler.UpdatePreferences)
			r.Put("/username", profileHandler.ChangeUsername)
			r.Put("/presence", profileHandler.SetPresence)
			r.Put("/visibility", profileHandler.SetVisibility)
		})

		// Conversations
		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", conversationsHandler.List)
			r.Post("/close", conversationsHandler.Close)

			r.Route("/{id}", func(r chi.Router) {
				r.Post("/open", conversationsHandler.Open)
				r.Post("/read", conversationsHandler.MarkRead)
				r.Post("/typing", conversationsHandler.Typing)
				r.Put("/pin", conversationsHandler.Pin)
				r.Put("/mute", conversationsHandler.Mute)
				r.Delete("/mute", conversationsHandler.Unmute)
				r.Post("/messages", messagesHandler.Send)
			})
		})

		// Messages
		r.Route("/messages/{id}", func(r chi.Router) {
			r.Put("/", messagesHandler.Edit)
			r.Delete("/", messagesHandler.Delete)
			r.Post("/reactions", messagesHandler.React)
		})

		// Chat requests and blocks
		r.Route("/requests", func(r chi.Router) {
			r.Get("/", requestsHandler.List)
			r.Post("/", requestsHandler.Send)
			r.Post("/{id}/accept", requestsHandler.Accept)
			r.Post("/{id}/reject", requestsHandler.Reject)
			r.Post("/{id}/block", requestsHandler.Block)
		})
		r.Post("/users/{id}/block", requestsHandler.ToggleBlock)
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}

	// Close engine sessions after the listener stops accepting so final
	// presence writes still reach the store.
	sessions.CloseAll(shutdownCtx)

	log.Info("server stopped")
}
