package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/paperdesk/internal/mockapi"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatal().Err(err).Str("key", k).Msg("invalid duration")
	}
	return d
}

// parseUsers reads "name:password,name:password".
func parseUsers(list string) map[string]string {
	users := make(map[string]string)
	for _, pair := range strings.Split(list, ",") {
		name, password, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || name == "" {
			continue
		}
		users[name] = password
	}
	return users
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "paperdesk-mockapi").Logger()

	// Pretty logging for local dev (only when explicitly set to "dev")
	if env("ENV", "") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	defaults := mockapi.DefaultConfig()
	cfg := mockapi.Config{
		Secret:     env("JWT_HS256_SECRET", defaults.Secret),
		LoginTTL:   envDuration("LOGIN_TTL", defaults.LoginTTL),
		RefreshTTL: envDuration("REFRESH_TTL", defaults.RefreshTTL),
		SessionTTL: envDuration("SESSION_TTL", defaults.SessionTTL),
		FrameDelay: envDuration("FRAME_DELAY", defaults.FrameDelay),
		Users:      defaults.Users,
	}
	if list := env("MOCK_USERS", ""); list != "" {
		cfg.Users = parseUsers(list)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", mockapi.New(cfg).Routes())

	httpAddr := env("HTTP_ADDR", ":8000")
	httpServer := &http.Server{
		Addr:        httpAddr,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: topic streams stay open for the whole generation run.
		IdleTimeout: 120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().
			Str("addr", httpAddr).
			Dur("loginTTL", cfg.LoginTTL).
			Int("users", len(cfg.Users)).
			Msg("starting mock API server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}
