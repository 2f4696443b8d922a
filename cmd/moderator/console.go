package main

import (
	"log"
	"sync"

	"github.com/whisper/courier/internal/messaging"
	"github.com/whisper/courier/internal/moderation"
)

// console tracks flags seen on the bus that no moderator has reviewed yet.
type console struct {
	mu      sync.Mutex
	pending map[int64]moderation.FlaggedEvent
}

func newConsole() *console {
	return &console{pending: make(map[int64]moderation.FlaggedEvent)}
}

func (c *console) flagged(ev moderation.FlaggedEvent) {
	c.mu.Lock()
	c.pending[ev.FlagID] = ev
	n := len(c.pending)
	c.mu.Unlock()

	log.Printf("[moderator] FLAGGED flag=%d message=%d sender=%s receiver=%s reason=%s content=%q (pending=%d)",
		ev.FlagID, ev.MessageID, ev.SenderID, ev.ReceiverID, ev.Reason, ev.Content, n)
}

func (c *console) reviewed(ev messaging.ReviewedEvent) {
	c.mu.Lock()
	delete(c.pending, ev.FlagID)
	n := len(c.pending)
	c.mu.Unlock()

	log.Printf("[moderator] REVIEWED flag=%d by=%s (pending=%d)", ev.FlagID, ev.ReviewerID, n)
}

func (c *console) blocked(ev messaging.BlockedEvent) {
	state := "UNBLOCKED"
	if ev.Blocked {
		state = "BLOCKED"
	}
	log.Printf("[moderator] %s conversation %s<->%s by=%s", state, ev.User1ID, ev.User2ID, ev.ChangedBy)
}

// Pending returns the number of flags awaiting review.
func (c *console) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
