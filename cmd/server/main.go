package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/clay-spfmlp/agile-hub/internal/config"
	"github.com/clay-spfmlp/agile-hub/internal/httpapi"
	"github.com/clay-spfmlp/agile-hub/internal/hub"
	"github.com/clay-spfmlp/agile-hub/internal/persist"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := buildLogger(cfg.Env)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	var sink persist.Sink = persist.Nop{}
	if cfg.DatabaseURL != "" {
		store, err := persist.Open(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("open finalize store", zap.Error(err))
		}
		sink = store
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := hub.New(ctx, hub.Options{
		SessionTTL:      cfg.SessionTTL,
		SweepInterval:   cfg.SweepInterval,
		EmptyGrace:      cfg.EmptyGrace,
		GraceWindow:     cfg.DisconnectGrace,
		MaxSessions:     cfg.MaxSessions,
		MaxParticipants: cfg.MaxParticipants,
		Sink:            sink,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.SetupRoutes(h, logger),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
