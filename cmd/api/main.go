package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	zlog "github.com/rs/zerolog/log"
	"github.com/seanblong/tumorboard/internal/auth"
	"github.com/seanblong/tumorboard/internal/board"
	"github.com/seanblong/tumorboard/internal/config"
	"github.com/spf13/pflag"
)

func main() {
	// Create flagset for configuration
	fs := pflag.NewFlagSet("tumorboard-api", pflag.ExitOnError)
	issueFor := fs.String("issue-token", "", "Print a bearer token for this subject and exit")

	// Load configuration
	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	authenticator := auth.NewAuthenticator(cfg.Auth.JwtSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL, cfg.Auth.Enabled)
	if *issueFor != "" {
		token, err := authenticator.IssueToken(*issueFor)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	// Set up logging
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	zlog.Logger = logger
	logger.Info().Str("provider", cfg.Provider).Str("corpus_source", cfg.CorpusSource).Str("log_level", cfg.LogLevel).
		Bool("auth_enabled", cfg.Auth.Enabled).Msg("starting tumorboard api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := board.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to set up board: %v", err)
	}
	defer rt.Close()

	srv := &server{
		board:          rt.Board,
		collections:    rt.Collections,
		selectedOnly:   cfg.SelectedOnly,
		requestTimeout: cfg.MaxWait + time.Minute,
	}
	if !cfg.Auth.Enabled {
		logger.Warn().Msg("authentication is DISABLED - running in open mode")
	}

	handler := hlog.NewHandler(logger)(
		hlog.AccessHandler(func(r *http.Request, status, size int, dur time.Duration) {
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).Int("status", status).Int("size", size).Dur("dur", dur).Msg("http")
		})(srv.routes(authenticator)),
	)

	address := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{Addr: address, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("addr", s.Addr).Msg("api server listening")
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		rt.Close()
		log.Fatal(err)
	}
}
