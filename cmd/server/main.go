package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mapleleafu/tabletop/tabletop-backend/codec"
	"github.com/mapleleafu/tabletop/tabletop-backend/handlers"
	"github.com/mapleleafu/tabletop/tabletop-backend/pkg/config"
	"github.com/mapleleafu/tabletop/tabletop-backend/queue"
	"github.com/mapleleafu/tabletop/tabletop-backend/repository"
	"github.com/mapleleafu/tabletop/tabletop-backend/scheduler"
	"github.com/mapleleafu/tabletop/tabletop-backend/telemetry"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatal("Error loading .env file:", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := log.Default()

	shutdownTracing, err := telemetry.Setup(ctx, "tabletop-backend")
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	store, err := repository.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	q := queue.New(store, queue.WithLogger(logger))

	sched := scheduler.New(logger, scheduler.WithConcurrency(cfg.FlushConcurrency))
	sched.Run("queue-flush", cfg.FlushInterval, func(ctx context.Context) {
		if h := q.Flush(ctx); h != nil {
			// Errors are logged by the queue.
			_ = h.Wait(ctx)
		}
	})

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := handlers.NewHub(logger)
	go hub.Run(hubCtx)

	var auth handlers.Authenticator = handlers.JWTAuthenticator{Secret: []byte(cfg.JWTSecret)}
	apiSecret := []byte(cfg.JWTSecret)
	if cfg.AuthMode == config.AuthModeNone {
		logger.Println("AUTH_MODE=none: every join request is accepted")
		auth = handlers.AllowAllAuthenticator{}
		apiSecret = nil
	}

	h := handlers.NewHandler(handlers.HandlerConfig{
		Hub:            hub,
		Queue:          q,
		Store:          store,
		Codec:          codec.New(cfg.CodecWorkers),
		Auth:           auth,
		JoinChunkSize:  cfg.JoinChunkSize,
		ActionRate:     cfg.ActionRate,
		ActionBurst:    cfg.ActionBurst,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handlers.NewRouter(h, apiSecret, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("Server running on %s", cfg.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			sched.Stop()
			return err
		}
	case <-ctx.Done():
		logger.Println("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	stopHub()
	sched.Stop()
	if err := q.Sync(shutdownCtx); err != nil {
		logger.Printf("final flush failed: %v", err)
	}
	return nil
}
