package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"teamchat/internal/api"
	"teamchat/internal/config"
	"teamchat/internal/db"
	"teamchat/internal/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var isLoadTest bool
	flagSet := pflag.NewFlagSet("teamchat-server", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.ServerAddress, "addr", cfg.ServerAddress, "listen address")
	flagSet.StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "SQLite database path or sqlite:// URL")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text or json")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn or error")
	flagSet.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HMAC secret for session tokens")
	flagSet.DurationVar(&cfg.TypingTTL, "typing-ttl", cfg.TypingTTL, "age after which typing rows are removed")
	flagSet.BoolVar(&isLoadTest, "loadtest", false, "use a separate database under ./loadtest")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if isLoadTest {
		loadTestPath := filepath.Join("loadtest", "loadtest.db")
		cfg.UpdateDatabasePath(loadTestPath)
		logger.Info("using load testing database", "path", loadTestPath)
	}

	database, err := db.NewDB(cfg.CleanDatabasePath())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()
	logger.Info("database ready", "path", cfg.CleanDatabasePath())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	handlers := api.NewHandlers(database, hub, api.Options{
		JWTSecret: cfg.JWTSecret,
		TokenTTL:  cfg.TokenTTL,
		Logger:    logger,
	})
	go sweepTyping(ctx, logger, database, handlers, cfg.TypingTTL, cfg.TypingSweepInterval)

	server := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           handlers.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.ServerAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sweepTyping removes typing rows whose owner stopped refreshing them,
// for clients that vanished without clearing their state.
func sweepTyping(ctx context.Context, logger *slog.Logger, database *db.DB, handlers *api.Handlers, ttl, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			stale, err := database.PruneTyping(ctx, now.Add(-ttl))
			if err != nil {
				logger.Warn("typing sweep failed", "error", err)
				continue
			}
			if len(stale) > 0 {
				logger.Debug("typing rows expired", "count", len(stale))
				handlers.PublishTypingExpired(ctx, stale)
			}
		}
	}
}
