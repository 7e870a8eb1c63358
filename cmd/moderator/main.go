package main

import (
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/strangerline/chat-app/internal/config"
	"github.com/strangerline/chat-app/internal/fanout"
	"github.com/strangerline/chat-app/internal/moderation"
)

func main() {
	log.Println("Starting moderation service...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	busConfig := fanout.DefaultConfig()
	busConfig.URL = cfg.NATSURL
	busConfig.Name = "moderator"
	bus, err := fanout.Connect(busConfig)
	if err != nil {
		log.Fatalf("connect to nats: %v", err)
	}

	// Answer score requests on the request's reply inbox. The gateway treats
	// a missing or late reply as "no advisory verdict", so this service can
	// be deployed and torn down freely.
	sub, err := bus.Conn().Subscribe(moderation.SubjectScore, func(msg *nats.Msg) {
		var req moderation.ScoreRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Printf("[moderator] bad score request: %v", err)
			return
		}

		result := moderation.ScoreText(req.Text)
		if result.Verdict == moderation.VerdictBlock {
			log.Printf("[moderator] FLAGGED reason=%s check=%s", result.Reason, result.Term)
		}

		data, err := json.Marshal(result)
		if err != nil {
			log.Printf("[moderator] marshal score result: %v", err)
			return
		}
		if err := msg.Respond(data); err != nil {
			log.Printf("[moderator] respond: %v", err)
		}
	})
	if err != nil {
		log.Fatalf("subscribe to score requests: %v", err)
	}

	log.Printf("moderation service running")
	log.Printf("  nats_url: %s", cfg.NATSURL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	_ = sub.Unsubscribe()
	bus.Close()
}
