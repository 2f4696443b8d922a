package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/whisper/courier/internal/messaging"
	"github.com/whisper/courier/internal/moderation"
)

func main() {
	log.Println("Starting courier moderator console...")

	natsConfig := messaging.DefaultNATSConfig()
	if v := os.Getenv("NATS_URL"); v != "" {
		natsConfig.URL = v
	}
	natsConfig.Name = "courier-moderator"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	c := newConsole()
	if err := messaging.Subscribe[moderation.FlaggedEvent](natsClient, messaging.SubjectModerationFlagged, c.flagged); err != nil {
		log.Fatalf("%v", err)
	}
	if err := messaging.Subscribe[messaging.ReviewedEvent](natsClient, messaging.SubjectModerationReviewed, c.reviewed); err != nil {
		log.Fatalf("%v", err)
	}
	if err := messaging.Subscribe[messaging.BlockedEvent](natsClient, messaging.SubjectConversationBlocked, c.blocked); err != nil {
		log.Fatalf("%v", err)
	}

	log.Printf("courier moderator console running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down (%d flags pending review)", sig, c.Pending())

	natsClient.Close()
}
