// Package delivery persists chat messages, pushes them to live connections
// and drives the sent -> delivered -> read state machine.
package delivery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/conversation"
	"github.com/whisper/courier/internal/metrics"
	"github.com/whisper/courier/internal/moderation"
	"github.com/whisper/courier/internal/protocol"
)

// DefaultLockStripes is the number of per-pair send locks.
const DefaultLockStripes = 256

// FanOuter delivers an event to every live connection of a user.
type FanOuter interface {
	FanOut(userID, msgType string, payload interface{}) bool
}

// PresenceChecker answers whether a user is online right now.
type PresenceChecker interface {
	IsOnline(userID string) bool
}

// Moderator is the slice of the moderation interceptor the pipeline needs.
type Moderator interface {
	Classify(content string) moderation.Verdict
	FlagAndNotify(ctx context.Context, messageID int64, senderID, receiverID, content, reason string) (*moderation.FlaggedMessage, error)
}

// Options wires a Pipeline. Every field except LockStripes is required.
type Options struct {
	Messages      Store
	Conversations conversation.Store
	Moderation    Moderator
	Fanout        FanOuter
	Presence      PresenceChecker
	LockStripes   int
}

// Pipeline is the message send path and delivery state machine.
type Pipeline struct {
	messages   Store
	convs      conversation.Store
	gate       *conversation.Gate
	moderation Moderator
	fanout     FanOuter
	presence   PresenceChecker

	// locks serialise the persist step per conversation so messages of one
	// sender->receiver pair are stored in call order.
	locks []sync.Mutex

	// flags tracks in-flight flag+notify goroutines.
	flags sync.WaitGroup
}

// New creates a Pipeline.
func New(opts Options) *Pipeline {
	stripes := opts.LockStripes
	if stripes <= 0 {
		stripes = DefaultLockStripes
	}
	return &Pipeline{
		messages:   opts.Messages,
		convs:      opts.Conversations,
		gate:       conversation.NewGate(opts.Conversations),
		moderation: opts.Moderation,
		fanout:     opts.Fanout,
		presence:   opts.Presence,
		locks:      make([]sync.Mutex, stripes),
	}
}

// Gate returns the conversation gate the pipeline enforces.
func (p *Pipeline) Gate() *conversation.Gate {
	return p.gate
}

func (p *Pipeline) lockFor(key conversation.Key) *sync.Mutex {
	return &p.locks[xxhash.Sum64String(key.String())%uint64(len(p.locks))]
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

// Send validates, gates, classifies and persists a message, then pushes it
// to both participants. The returned message carries the status it ended
// at: sent when the receiver could not be reached, delivered otherwise.
// A flagged message is delivered like any other; its flag is recorded in
// the background.
func (p *Pipeline) Send(ctx context.Context, senderID, receiverID, content string) (*Message, error) {
	start := time.Now()

	if err := validatePair(senderID, receiverID); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := ValidateContent(content); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	if err := p.gate.Check(ctx, senderID, receiverID); err != nil {
		if apperr.CodeOf(err) == apperr.CodeConversationBlocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		}
		return nil, err
	}

	verdict := p.moderation.Classify(content)

	msg, err := p.persist(ctx, senderID, receiverID, content)
	if err != nil {
		log.Printf("[delivery] persist %s->%s: %v", senderID, receiverID, err)
		return nil, apperr.Internal("failed to store message", err)
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	if verdict.Flagged {
		p.flagAsync(ctx, msg, verdict.Reason)
	}

	view := protocol.NewMessageMsg{Message: msg.View()}

	// All of the sender's devices see their own message.
	metrics.ObserveFanOut(protocol.TypeNewMessage, p.fanout.FanOut(senderID, protocol.TypeNewMessage, view))

	delivered := false
	if p.presence.IsOnline(receiverID) {
		delivered = p.fanout.FanOut(receiverID, protocol.TypeNewMessage, view)
	}
	metrics.ObserveFanOut(protocol.TypeNewMessage, delivered)

	if delivered {
		if _, err := p.advance(ctx, msg, StatusDelivered); err != nil {
			// The message is stored and pushed; the status stays at sent
			// and the next read acknowledgement moves it forward.
			log.Printf("[delivery] mark delivered message=%d: %v", msg.ID, err)
		}
	}

	metrics.SendLatency.Observe(time.Since(start).Seconds())
	return msg, nil
}

// persist stores the message and updates the conversation row under the
// pair's stripe lock.
func (p *Pipeline) persist(ctx context.Context, senderID, receiverID, content string) (*Message, error) {
	key := conversation.Resolve(senderID, receiverID)
	mu := p.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if _, err := p.convs.EnsureConversation(ctx, key); err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	msg := &Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Status:     StatusSent,
	}
	if err := p.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := p.convs.RecordMessage(ctx, key, receiverID, msg.ID, msg.CreatedAt); err != nil {
		// The message row is authoritative; a stale last-message pointer
		// or unread counter is repaired by the next message or read.
		log.Printf("[delivery] record message=%d on %s: %v", msg.ID, key, err)
	}
	return msg, nil
}

// flagAsync records the flag and notifies moderators without holding up the
// send. The work outlives the request context.
func (p *Pipeline) flagAsync(ctx context.Context, msg *Message, reason string) {
	metrics.MessagesTotal.WithLabelValues("flagged").Inc()
	bg := context.WithoutCancel(ctx)

	p.flags.Add(1)
	go func() {
		defer p.flags.Done()
		if _, err := p.moderation.FlagAndNotify(bg, msg.ID, msg.SenderID, msg.ReceiverID, msg.Content, reason); err != nil {
			log.Printf("[delivery] flag message=%d: %v", msg.ID, err)
		}
	}()
}

// Drain waits for background flag work to finish.
func (p *Pipeline) Drain() {
	p.flags.Wait()
}

// ---------------------------------------------------------------------------
// Status transitions
// ---------------------------------------------------------------------------

// advance moves msg to `to` and tells the sender. It reports whether the
// stored status changed.
func (p *Pipeline) advance(ctx context.Context, msg *Message, to Status) (bool, error) {
	changed, err := p.messages.AdvanceStatus(ctx, msg.ID, to)
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	msg.Status = to
	metrics.MessagesTotal.WithLabelValues(string(to)).Inc()

	ok := p.fanout.FanOut(msg.SenderID, protocol.TypeMessageStatus, protocol.MessageStatusMsg{
		MessageID: msg.ID,
		Status:    string(to),
	})
	metrics.ObserveFanOut(protocol.TypeMessageStatus, ok)
	return true, nil
}

// UpdateStatus advances one message on behalf of actingUserID, who must be
// its receiver. A status that is not strictly ahead of the stored one is a
// no-op and reports changed=false.
func (p *Pipeline) UpdateStatus(ctx context.Context, messageID int64, newStatus Status, actingUserID string) (*Message, bool, error) {
	if !newStatus.Valid() {
		return nil, false, apperr.Validation(fmt.Sprintf("unknown status %q", newStatus))
	}

	msg, err := p.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, false, apperr.Internal("failed to load message", err)
	}
	if msg == nil {
		return nil, false, apperr.NotFound("message not found")
	}
	if msg.ReceiverID != actingUserID {
		return nil, false, apperr.Forbidden("only the receiver can update a message's status")
	}
	if err := p.gate.Check(ctx, msg.SenderID, msg.ReceiverID); err != nil {
		return nil, false, err
	}
	if !newStatus.Ahead(msg.Status) {
		return msg, false, nil
	}

	changed, err := p.advance(ctx, msg, newStatus)
	if err != nil {
		return nil, false, apperr.Internal("failed to update message status", err)
	}
	if changed && newStatus == StatusRead {
		key := conversation.Resolve(msg.SenderID, msg.ReceiverID)
		if err := p.convs.DecrementUnread(ctx, key, msg.ReceiverID); err != nil {
			log.Printf("[delivery] decrement unread %s for %s: %v", key, msg.ReceiverID, err)
		}
	}
	return msg, changed, nil
}

// MarkConversationRead advances every unread message addressed to userID
// from otherUserID to read, resets userID's unread counter and notifies the
// sender once per message. It returns the IDs that changed.
func (p *Pipeline) MarkConversationRead(ctx context.Context, userID, otherUserID string) ([]int64, error) {
	if err := validatePair(userID, otherUserID); err != nil {
		return nil, err
	}
	if err := p.gate.Check(ctx, userID, otherUserID); err != nil {
		return nil, err
	}

	ids, err := p.messages.MarkRead(ctx, userID, otherUserID)
	if err != nil {
		return nil, apperr.Internal("failed to mark conversation read", err)
	}

	key := conversation.Resolve(userID, otherUserID)
	if err := p.convs.ResetUnread(ctx, key, userID); err != nil {
		log.Printf("[delivery] reset unread %s for %s: %v", key, userID, err)
	}

	for _, id := range ids {
		metrics.MessagesTotal.WithLabelValues(string(StatusRead)).Inc()
		ok := p.fanout.FanOut(otherUserID, protocol.TypeMessageStatus, protocol.MessageStatusMsg{
			MessageID: id,
			Status:    string(StatusRead),
		})
		metrics.ObserveFanOut(protocol.TypeMessageStatus, ok)
	}
	return ids, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Page is one page of a conversation's history.
type Page struct {
	Messages  []*Message
	Total     int
	Page      int
	Limit     int
	IsBlocked bool
	Unread    int
}

// List returns page (1-based, newest page first) of the conversation
// between userID and otherUserID. Messages within a page are oldest first.
func (p *Pipeline) List(ctx context.Context, userID, otherUserID string, page, limit int) (*Page, error) {
	if err := validatePair(userID, otherUserID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	msgs, total, err := p.messages.ListMessages(ctx, userID, otherUserID, limit, (page-1)*limit)
	if err != nil {
		return nil, apperr.Internal("failed to list messages", err)
	}
	conv, err := p.gate.Get(ctx, userID, otherUserID)
	if err != nil {
		return nil, apperr.Internal("failed to load conversation", err)
	}

	out := &Page{Messages: msgs, Total: total, Page: page, Limit: limit}
	if conv != nil {
		out.IsBlocked = conv.IsBlocked
		out.Unread = conv.UnreadFor(userID)
	}
	return out, nil
}

// Ping checks the message store.
func (p *Pipeline) Ping(ctx context.Context) error {
	return p.messages.Ping(ctx)
}

func validatePair(userID, otherUserID string) error {
	if userID == "" || otherUserID == "" {
		return apperr.Validation("both user ids are required")
	}
	if userID == otherUserID {
		return apperr.Validation("cannot message yourself")
	}
	return nil
}
