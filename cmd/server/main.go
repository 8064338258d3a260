package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/manpreetbhatti/codeshare/backend/internal/api"
	"github.com/manpreetbhatti/codeshare/backend/internal/assistant"
	"github.com/manpreetbhatti/codeshare/backend/internal/auth"
	"github.com/manpreetbhatti/codeshare/backend/internal/config"
	"github.com/manpreetbhatti/codeshare/backend/internal/db"
	"github.com/manpreetbhatti/codeshare/backend/internal/db/mongostore"
	"github.com/manpreetbhatti/codeshare/backend/internal/ratelimit"
	"github.com/manpreetbhatti/codeshare/backend/internal/reaper"
	"github.com/manpreetbhatti/codeshare/backend/internal/room"
	"github.com/manpreetbhatti/codeshare/backend/internal/ws"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "codeshare",
		Usage: "Collaborative code room coordinator",
		Commands: []*cli.Command{
			serveCommand(),
		},
	}
	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func serveCommand() *cli.Command {
	cfg := config.DefaultConfig()
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the websocket and HTTP server",
		Flags: config.Flags(&cfg),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(ctx, cfg)
		},
	}
}

func openStore(ctx context.Context, cfg config.Config) (db.Store, error) {
	switch cfg.Store {
	case config.StoreMongo:
		return mongostore.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
	default:
		return db.New(cfg.DBPath)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer store.Close()

	if err := reaper.Reconcile(ctx, store, time.Now()); err != nil {
		return fmt.Errorf("reconcile rooms: %w", err)
	}

	windows := ratelimit.NewFixedWindow()
	var keyed ratelimit.Keyed = windows.Keyed()
	if cfg.RedisURL != "" {
		redisStore, err := ratelimit.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer redisStore.Close()
		keyed = redisStore
	}

	var verifier auth.Verifier = auth.Anonymous{}
	if cfg.JWTSecret != "" {
		verifier = auth.NewJWTVerifier(cfg.JWTSecret)
	} else {
		log.Warn("no jwt secret configured, accepting any token")
	}

	var client assistant.Client
	if cfg.AssistantURL != "" {
		client = assistant.NewHTTPClient(cfg.AssistantURL, cfg.AssistantAPIKey, cfg.AssistantModel)
	}
	bridge := assistant.NewBridge(client, windows, cfg.Assistant())

	registry := room.NewRegistry()
	lifecycle := reaper.New(registry, store, windows, cfg.Reaper())
	hub := ws.NewHub(ws.Deps{
		Registry: registry,
		Reaper:   lifecycle,
		Verifier: verifier,
		Store:    store,
		Keyed:    keyed,
		Windows:  windows,
		Bridge:   bridge,
	}, cfg.Hub())

	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)
	lifecycle.Start(hubCtx, hub)

	mux := http.NewServeMux()
	api.New(hub, store, verifier).Routes(mux)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.CORS(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("codeshare server starting", "addr", cfg.Addr, "store", cfg.Store,
		"redis", cfg.RedisURL != "", "assistant", bridge.Enabled())
	log.Info("endpoints",
		"websocket", "/ws",
		"health", "GET /health",
		"stats", "GET /api/stats",
		"check", "POST /api/rooms/check",
		"past", "POST /api/rooms/past",
		"verify", "POST /api/verify",
		"metrics", "GET /metrics")

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Warn("http shutdown failed", "err", shutdownErr)
	}

	lifecycle.Stop()
	stopHub()
	hub.Wait()
	return err
}
