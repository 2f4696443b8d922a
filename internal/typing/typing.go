// Package typing tracks who is currently typing to whom and relays typing
// indicators to the receiver's connections. Nothing here is persisted.
package typing

import (
	"sort"
	"sync"
	"time"

	"github.com/whisper/courier/internal/protocol"
)

// DefaultTTL is how long a "typing" signal stays valid without a refresh.
const DefaultTTL = 10 * time.Second

// FanOuter delivers an event to every live connection of a user.
type FanOuter interface {
	FanOut(userID, msgType string, payload interface{}) bool
}

// Broadcaster holds, per receiver, the set of senders typing to them along
// with the time of their latest signal.
type Broadcaster struct {
	mu     sync.Mutex
	typing map[string]map[string]time.Time // receiverID -> senderID -> last signal
	fanout FanOuter
	nowFn  func() time.Time
}

// NewBroadcaster creates a Broadcaster that emits through fanout.
func NewBroadcaster(fanout FanOuter) *Broadcaster {
	return &Broadcaster{
		typing: make(map[string]map[string]time.Time),
		fanout: fanout,
		nowFn:  time.Now,
	}
}

// SetTyping records or clears senderID typing to receiverID and immediately
// relays the indicator to the receiver. It reports whether the receiver had
// a connection that accepted the event.
func (b *Broadcaster) SetTyping(senderID, receiverID string, isTyping bool) bool {
	now := b.nowFn()

	b.mu.Lock()
	if isTyping {
		senders, ok := b.typing[receiverID]
		if !ok {
			senders = make(map[string]time.Time)
			b.typing[receiverID] = senders
		}
		senders[senderID] = now
	} else {
		b.removeLocked(receiverID, senderID)
	}
	b.mu.Unlock()

	return b.emit(senderID, receiverID, isTyping)
}

// SenderGone removes senderID from every receiver's set and emits a
// synthetic isTyping=false to each affected receiver so no indicator is
// left stuck. It returns the affected receivers.
func (b *Broadcaster) SenderGone(senderID string) []string {
	b.mu.Lock()
	var affected []string
	for receiverID, senders := range b.typing {
		if _, ok := senders[senderID]; ok {
			affected = append(affected, receiverID)
			b.removeLocked(receiverID, senderID)
		}
	}
	b.mu.Unlock()

	for _, receiverID := range affected {
		b.emit(senderID, receiverID, false)
	}
	return affected
}

// Sweep expires signals older than ttl and signals from senders that no
// longer hold a connection, emitting isTyping=false for each, and drops
// empty receiver entries. It returns the number of signals removed.
func (b *Broadcaster) Sweep(ttl time.Duration, isConnected func(userID string) bool) int {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := b.nowFn()

	type pair struct{ sender, receiver string }
	var expired []pair

	b.mu.Lock()
	for receiverID, senders := range b.typing {
		for senderID, last := range senders {
			if now.Sub(last) > ttl || (isConnected != nil && !isConnected(senderID)) {
				expired = append(expired, pair{senderID, receiverID})
				delete(senders, senderID)
			}
		}
		if len(senders) == 0 {
			delete(b.typing, receiverID)
		}
	}
	b.mu.Unlock()

	for _, p := range expired {
		b.emit(p.sender, p.receiver, false)
	}
	return len(expired)
}

// TypingTo returns the senders currently typing to receiverID, sorted.
func (b *Broadcaster) TypingTo(receiverID string) []string {
	b.mu.Lock()
	senders := make([]string, 0, len(b.typing[receiverID]))
	for senderID := range b.typing[receiverID] {
		senders = append(senders, senderID)
	}
	b.mu.Unlock()

	sort.Strings(senders)
	return senders
}

// Receivers returns the number of receivers with at least one typing sender.
func (b *Broadcaster) Receivers() int {
	b.mu.Lock()
	n := len(b.typing)
	b.mu.Unlock()
	return n
}

// removeLocked deletes one signal and the receiver entry if it became empty.
func (b *Broadcaster) removeLocked(receiverID, senderID string) {
	senders, ok := b.typing[receiverID]
	if !ok {
		return
	}
	delete(senders, senderID)
	if len(senders) == 0 {
		delete(b.typing, receiverID)
	}
}

func (b *Broadcaster) emit(senderID, receiverID string, isTyping bool) bool {
	return b.fanout.FanOut(receiverID, protocol.TypeTypingIndicator, protocol.ServerTypingMsg{
		SenderID: senderID,
		IsTyping: isTyping,
	})
}
