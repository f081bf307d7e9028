// Package main is the entry point for the chamicore-opsgate service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"git.cscs.ch/openchami/chamicore-opsgate/api"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/audit"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/config"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/devices"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/server"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/store"
	"git.cscs.ch/openchami/chamicore-opsgate/internal/tools"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.DevMode {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "opsgate").Str("version", version).Logger()
	}

	logger := log.With().Str("component", "main").Logger()
	logger.Info().Str("version", version).Str("commit", commit).Str("build_date", buildDate).Msg("starting chamicore-opsgate")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry, err := server.NewToolRegistry(api.ToolsContract)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse tool contract")
	}

	var auditSink audit.Store
	var listingStore store.Store
	if cfg.AuditDBPath != "" {
		db, openErr := store.Open(cfg.AuditDBPath)
		if openErr != nil {
			logger.Fatal().Err(openErr).Msg("failed to open audit database")
		}
		defer db.Close()
		sqlStore := store.NewSQLiteStore(db)
		auditSink = sqlStore
		listingStore = sqlStore
		logger.Info().Str("path", cfg.AuditDBPath).Msg("audit database ready")
	} else {
		logger.Warn().Msg("no audit database configured; completions are log-only")
	}

	var deviceClient *devices.Client
	if cfg.DeviceAPIURL != "" {
		deviceClient, err = devices.New(devices.Config{
			BaseURL: cfg.DeviceAPIURL,
			Token:   cfg.DeviceAPIToken,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to build device controller client")
		}
		logger.Info().Str("url", cfg.DeviceAPIURL).Msg("device controller client ready")
	}

	runner, err := tools.NewRunner(tools.Config{
		AllowedPaths:         cfg.AllowedPaths,
		AllowedCommands:      cfg.AllowedCommands,
		ForbiddenSQLKeywords: cfg.ForbiddenSQLKeywords,
		QueryDBPath:          cfg.QueryDBPath,
		VaultDir:             cfg.VaultDir,
		ExecTimeout:          cfg.ExecTimeout,
	}, deviceClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid tool policy configuration")
	}

	// The catalog and the dispatch table must agree before the listener
	// starts: a cataloged tool without a handler, or a handler the catalog
	// never mentions, means the binary and contract drifted.
	handlers := make(map[string]struct{})
	for _, name := range runner.Tools() {
		handlers[name] = struct{}{}
	}
	for _, tool := range registry.List() {
		if _, ok := handlers[tool.Name]; !ok {
			logger.Fatal().Str("tool", tool.Name).Msg("cataloged tool has no handler")
		}
		delete(handlers, tool.Name)
	}
	for name := range handlers {
		logger.Fatal().Str("tool", name).Msg("tool handler missing from catalog")
	}
	logger.Info().Int("tools", len(registry.List())).Msg("tool catalog loaded")

	sessions := server.NewSessionStore()
	sessions.StartJanitor(ctx, cfg.SessionIdleTimeout, log.Logger)

	engine := server.NewEngine(
		registry,
		runner,
		sessions,
		audit.NewLogger(log.Logger, auditSink),
		version,
		log.Logger,
	)

	httpServer := server.NewHTTPServer(
		cfg,
		version, commit, buildDate,
		api.ToolsContract,
		engine,
		sessions,
		server.NewTokenAuthenticator(cfg.Token),
		listingStore,
		log.Logger,
	)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0, // tool calls may legitimately run for minutes; the per-call timeout bounds them.
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSEnabled {
			logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTPS server listening")
			if serveErr := srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); serveErr != nil && serveErr != http.ErrServerClosed {
				errCh <- serveErr
			}
			return
		}
		logger.Info().Str("addr", cfg.ListenAddr).Msg("HTTP server listening")
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case serveErr := <-errCh:
		logger.Error().Err(serveErr).Msg("HTTP server error")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		logger.Error().Err(shutdownErr).Msg("HTTP server shutdown error")
		os.Exit(1)
	}
	logger.Info().Int("active_sessions", sessions.Len()).Msg("server stopped gracefully")
}
