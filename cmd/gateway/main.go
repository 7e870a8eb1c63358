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

	"github.com/redis/go-redis/v9"

	"github.com/strangerline/chat-app/internal/api"
	"github.com/strangerline/chat-app/internal/chat"
	"github.com/strangerline/chat-app/internal/config"
	"github.com/strangerline/chat-app/internal/fanout"
	"github.com/strangerline/chat-app/internal/identity"
	"github.com/strangerline/chat-app/internal/matching"
	"github.com/strangerline/chat-app/internal/moderation"
	"github.com/strangerline/chat-app/internal/ratelimit"
	"github.com/strangerline/chat-app/internal/report"
	"github.com/strangerline/chat-app/internal/storage"
)

func main() {
	log.Println("Starting gateway...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("connect to redis: %v", err)
	}
	cancel()

	db, err := storage.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	if err := storage.Migrate(db); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	busConfig := fanout.DefaultConfig()
	busConfig.URL = cfg.NATSURL
	busConfig.Name = "gateway"
	bus, err := fanout.Connect(busConfig)
	if err != nil {
		log.Fatalf("connect to nats: %v", err)
	}

	gate, err := moderation.NewDefaultGate()
	if err != nil {
		log.Fatalf("build moderation gate: %v", err)
	}
	if cfg.ScorerEnabled {
		gate.SetScorer(moderation.NewNATSScorer(bus.Conn()), cfg.ScorerTimeout)
		log.Printf("external scorer enabled (timeout %s)", cfg.ScorerTimeout)
	}

	identities := identity.NewStore(rdb)
	limiter := ratelimit.NewLimiter(rdb)
	sessions := chat.NewStore(rdb)
	archive := chat.NewArchive(db)
	reports := report.NewStore(db)
	queue := matching.NewQueue(rdb)

	coordinator := chat.NewCoordinator(sessions, archive, gate, identities, limiter, reports, bus)

	// Ban enforcement crosses process boundaries over the bus: a ban raised
	// anywhere ends this process's affected sessions.
	identities.OnBan = func(identityID, reason string) {
		if err := bus.PublishBan(identityID, reason); err != nil {
			log.Printf("publish ban for %s: %v", identityID, err)
		}
	}
	banSub, err := coordinator.SubscribeBanFeed(context.Background())
	if err != nil {
		log.Fatalf("subscribe ban feed: %v", err)
	}
	defer banSub.Unsubscribe()

	matcher := matching.NewService(queue, sessions, bus, nil, matching.Options{
		TickInterval:    cfg.TickInterval,
		EntryTTL:        cfg.QueueEntryTTL,
		CrossTierWeight: cfg.CrossTierWeight,
	})

	server := api.NewServer(identities, identities, queue, matcher, coordinator,
		limiter, bus, cfg.TickInterval)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: server.Handler(),
	}

	go func() {
		log.Printf("gateway listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	bus.Close()
	db.Close()
	rdb.Close()
}
