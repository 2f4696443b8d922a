// Package conversation owns the canonical identity of a user pair and the
// block flag that gates traffic between them.
package conversation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/whisper/courier/internal/apperr"
)

// Key is the canonical, order-independent identity of a conversation.
// User1 always sorts before (or equals) User2.
type Key struct {
	User1 string
	User2 string
}

// Resolve canonicalises the pair (a, b). IDs that both parse as integers are
// compared numerically so "9" sorts before "10"; anything else, including
// distinct spellings of one number such as "9" and "09", is compared
// lexicographically. Resolve(a, b) == Resolve(b, a) for every a, b.
func Resolve(a, b string) Key {
	if less(b, a) {
		a, b = b, a
	}
	return Key{User1: a, User2: b}
}

func less(a, b string) bool {
	ai, errA := strconv.ParseInt(a, 10, 64)
	bi, errB := strconv.ParseInt(b, 10, 64)
	if errA == nil && errB == nil && ai != bi {
		return ai < bi
	}
	return a < b
}

// String renders the key as "user1:user2".
func (k Key) String() string {
	return k.User1 + ":" + k.User2
}

// Conversation is the persisted state of a user pair.
type Conversation struct {
	ID            int64
	User1ID       string
	User2ID       string
	LastMessageID int64 // 0 until the first message
	LastMessageAt time.Time
	UnreadUser1   int
	UnreadUser2   int
	IsBlocked     bool
}

// UnreadFor returns the unread counter belonging to userID.
func (c *Conversation) UnreadFor(userID string) int {
	switch userID {
	case c.User1ID:
		return c.UnreadUser1
	case c.User2ID:
		return c.UnreadUser2
	default:
		return 0
	}
}

// Store persists conversations. Every method takes a canonical Key; callers
// obtain one through Resolve. Implementations must make EnsureConversation
// and SetBlocked idempotent so concurrent first writes for the same pair
// never produce two rows.
type Store interface {
	// EnsureConversation creates the row for key if absent and returns it.
	EnsureConversation(ctx context.Context, key Key) (*Conversation, error)
	// GetConversation returns (nil, nil) when no row exists.
	GetConversation(ctx context.Context, key Key) (*Conversation, error)
	SetBlocked(ctx context.Context, key Key, blocked bool) error
	// RecordMessage updates the last-message pointer and increments the
	// receiver's unread counter.
	RecordMessage(ctx context.Context, key Key, receiverID string, messageID int64, at time.Time) error
	ResetUnread(ctx context.Context, key Key, userID string) error
	// DecrementUnread lowers userID's unread counter, never below zero.
	DecrementUnread(ctx context.Context, key Key, userID string) error
}

// Gate answers "may these two users exchange traffic" and applies the
// moderator block flag.
type Gate struct {
	store Store
}

// NewGate creates a Gate backed by store.
func NewGate(store Store) *Gate {
	return &Gate{store: store}
}

// IsBlocked reports whether the pair is blocked. A pair without a row is
// open.
func (g *Gate) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	conv, err := g.store.GetConversation(ctx, Resolve(a, b))
	if err != nil {
		return false, fmt.Errorf("conversation: is blocked: %w", err)
	}
	return conv != nil && conv.IsBlocked, nil
}

// Check returns apperr.ConversationBlocked when the pair is blocked.
func (g *Gate) Check(ctx context.Context, a, b string) error {
	blocked, err := g.IsBlocked(ctx, a, b)
	if err != nil {
		return err
	}
	if blocked {
		return apperr.ConversationBlocked()
	}
	return nil
}

// SetBlocked sets the block flag, creating the row if needed. Calling it
// repeatedly with the same value is a no-op. The write goes straight to the
// store, so the next IsBlocked from any path observes it.
func (g *Gate) SetBlocked(ctx context.Context, a, b string, blocked bool) error {
	if a == b {
		return apperr.Validation("a conversation needs two distinct users")
	}
	if err := g.store.SetBlocked(ctx, Resolve(a, b), blocked); err != nil {
		return fmt.Errorf("conversation: set blocked: %w", err)
	}
	return nil
}

// Get returns the conversation for the pair, or nil if it was never used.
func (g *Gate) Get(ctx context.Context, a, b string) (*Conversation, error) {
	conv, err := g.store.GetConversation(ctx, Resolve(a, b))
	if err != nil {
		return nil, fmt.Errorf("conversation: get: %w", err)
	}
	return conv, nil
}

// Ensure lazily creates the conversation row for the pair.
func (g *Gate) Ensure(ctx context.Context, a, b string) (*Conversation, error) {
	conv, err := g.store.EnsureConversation(ctx, Resolve(a, b))
	if err != nil {
		return nil, fmt.Errorf("conversation: ensure: %w", err)
	}
	return conv, nil
}
