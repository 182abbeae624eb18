package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/npezzotti/capstone-chat/internal/api"
	"github.com/npezzotti/capstone-chat/internal/config"
	"github.com/npezzotti/capstone-chat/internal/database"
	"github.com/npezzotti/capstone-chat/internal/presence"
	"github.com/npezzotti/capstone-chat/internal/server"
	"github.com/npezzotti/capstone-chat/internal/stats"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	shutdownTimeout   = 10 * time.Second
)

var (
	configPath     string
	addr           string
	dsn            string
	signingKey     string
	allowedOrigins []string
	logFormat      string
	migrate        bool
)

// applyFile fills every flag the user did not set explicitly from the
// config file.
func applyFile(fc *config.FileConfig) {
	if fc.Addr != "" && !pflag.CommandLine.Changed("addr") {
		addr = fc.Addr
	}
	if fc.DSN != "" && !pflag.CommandLine.Changed("dsn") {
		dsn = fc.DSN
	}
	if fc.SigningKey != "" && !pflag.CommandLine.Changed("signing-key") {
		signingKey = fc.SigningKey
	}
	if len(fc.AllowedOrigins) > 0 && !pflag.CommandLine.Changed("allowed-origins") {
		allowedOrigins = fc.AllowedOrigins
	}
	if fc.LogFormat != "" && !pflag.CommandLine.Changed("log-format") {
		logFormat = fc.LogFormat
	}
	if fc.Migrate != nil && !pflag.CommandLine.Changed("migrate") {
		migrate = *fc.Migrate
	}
}

func newLogger(format string) zerolog.Logger {
	if format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	}

	return zerolog.New(os.Stderr).With().Timestamp().Str("service", "chat-gateway").Logger()
}

func main() {
	pflag.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	pflag.StringVar(&addr, "addr", "localhost:8000", "server address")
	pflag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	pflag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key shared with the account service")
	pflag.StringSliceVar(&allowedOrigins, "allowed-origins", nil, "comma-separated list of allowed origins for CORS")
	pflag.StringVar(&logFormat, "log-format", "json", "log output format (json or console)")
	pflag.BoolVar(&migrate, "migrate", false, "apply database migrations on startup")
	pflag.Parse()

	if configPath != "" {
		fc, err := config.LoadFile(configPath)
		if err != nil {
			l := newLogger(logFormat)
			l.Fatal().Err(err).Str("path", configPath).Msg("config file")
		}
		applyFile(fc)
	}

	logger := newLogger(logFormat)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins)
	if err != nil {
		logger.Fatal().Err(err).Msg("config")
	}

	dbConn, err := database.NewPgChatRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := dbConn.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	if migrate {
		if err := dbConn.Migrate(); err != nil {
			logger.Fatal().Err(err).Msg("db migrate")
		}
		logger.Info().Msg("database schema is up to date")
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	chatServer, err := server.NewChatServer(logger, dbConn, presence.NewRegistry[*server.Client](), statsUpdater)
	if err != nil {
		logger.Fatal().Err(err).Msg("new chat server")
	}

	srv := api.NewGoChatApp(mux, logger, chatServer, dbConn, cfg)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info().Str("signal", sig.String()).Msg("received signal")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server")
		}
	}

	shutDownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown")
	}

	logger.Info().Msg("shutting down chat server...")
	if err := chatServer.Shutdown(shutDownCtx); err != nil {
		logger.Error().Err(err).Msg("chat server shutdown")
	}

	logger.Info().Msg("shutdown complete")
}
