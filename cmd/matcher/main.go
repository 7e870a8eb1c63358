package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strangerline/chat-app/internal/chat"
	"github.com/strangerline/chat-app/internal/config"
	"github.com/strangerline/chat-app/internal/fanout"
	"github.com/strangerline/chat-app/internal/matching"
)

func main() {
	log.Println("Starting matching service...")

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

	busConfig := fanout.DefaultConfig()
	busConfig.URL = cfg.NATSURL
	busConfig.Name = "matcher"
	bus, err := fanout.Connect(busConfig)
	if err != nil {
		log.Fatalf("connect to nats: %v", err)
	}

	queue := matching.NewQueue(rdb)
	sessions := chat.NewStore(rdb)

	svc := matching.NewService(queue, sessions, bus, nil, matching.Options{
		TickInterval:    cfg.TickInterval,
		EntryTTL:        cfg.QueueEntryTTL,
		CrossTierWeight: cfg.CrossTierWeight,
	})

	ctx, stop := context.WithCancel(context.Background())
	svc.Start(ctx)

	banSub, err := svc.SubscribeBanFeed(ctx)
	if err != nil {
		log.Fatalf("subscribe ban feed: %v", err)
	}

	log.Printf("matching service running")
	log.Printf("  redis_addr: %s", cfg.RedisAddr)
	log.Printf("  nats_url:   %s", cfg.NATSURL)
	log.Printf("  tick:       %s", cfg.TickInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	stop()
	svc.Stop()
	banSub.Unsubscribe()
	bus.Close()
	rdb.Close()
}
