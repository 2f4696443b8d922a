// Package memory is an in-process implementation of the message,
// conversation and flag stores. It backs STORE_DRIVER=memory and the unit
// tests of the packages above it; nothing survives a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/whisper/courier/internal/conversation"
	"github.com/whisper/courier/internal/delivery"
	"github.com/whisper/courier/internal/moderation"
)

// Store holds every table behind one mutex.
type Store struct {
	mu sync.Mutex

	messages    map[int64]*delivery.Message
	nextMessage int64

	convs    map[conversation.Key]*conversation.Conversation
	nextConv int64

	flags    map[int64]*moderation.FlaggedMessage
	flagged  map[int64]int64 // messageID -> flagID
	nextFlag int64

	nowFn func() time.Time
}

var (
	_ delivery.Store       = (*Store)(nil)
	_ conversation.Store   = (*Store)(nil)
	_ moderation.FlagStore = (*Store)(nil)
)

// New creates an empty Store.
func New() *Store {
	return &Store{
		messages: make(map[int64]*delivery.Message),
		convs:    make(map[conversation.Key]*conversation.Conversation),
		flags:    make(map[int64]*moderation.FlaggedMessage),
		flagged:  make(map[int64]int64),
		nowFn:    time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

func (s *Store) CreateMessage(_ context.Context, m *delivery.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextMessage++
	m.ID = s.nextMessage
	m.CreatedAt = s.nowFn()
	if m.Status == "" {
		m.Status = delivery.StatusSent
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *Store) GetMessage(_ context.Context, id int64) (*delivery.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *Store) AdvanceStatus(_ context.Context, id int64, to delivery.Status) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok || !to.Ahead(m.Status) {
		return false, nil
	}
	m.Status = to
	return true, nil
}

func (s *Store) MarkRead(_ context.Context, receiverID, senderID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []int64
	for id, m := range s.messages {
		if m.ReceiverID == receiverID && m.SenderID == senderID && m.Status != delivery.StatusRead {
			m.Status = delivery.StatusRead
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) ListMessages(_ context.Context, a, b string, limit, offset int) ([]*delivery.Message, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*delivery.Message
	for _, m := range s.messages {
		if (m.SenderID == a && m.ReceiverID == b) || (m.SenderID == b && m.ReceiverID == a) {
			cp := *m
			all = append(all, &cp)
		}
	}
	// Newest first to pick the page, then flip to chronological order.
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	total := len(all)
	if offset >= total {
		return []*delivery.Message{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	page := all[offset:end]
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}
	return page, total, nil
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

// ensureLocked returns the row for key, creating it if needed.
func (s *Store) ensureLocked(key conversation.Key) *conversation.Conversation {
	c, ok := s.convs[key]
	if !ok {
		s.nextConv++
		c = &conversation.Conversation{ID: s.nextConv, User1ID: key.User1, User2ID: key.User2}
		s.convs[key] = c
	}
	return c
}

func (s *Store) EnsureConversation(_ context.Context, key conversation.Key) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *s.ensureLocked(key)
	return &cp, nil
}

func (s *Store) GetConversation(_ context.Context, key conversation.Key) (*conversation.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *Store) SetBlocked(_ context.Context, key conversation.Key, blocked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureLocked(key).IsBlocked = blocked
	return nil
}

func (s *Store) RecordMessage(_ context.Context, key conversation.Key, receiverID string, messageID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.ensureLocked(key)
	c.LastMessageID = messageID
	c.LastMessageAt = at
	switch receiverID {
	case c.User1ID:
		c.UnreadUser1++
	case c.User2ID:
		c.UnreadUser2++
	}
	return nil
}

func (s *Store) ResetUnread(_ context.Context, key conversation.Key, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return nil
	}
	switch userID {
	case c.User1ID:
		c.UnreadUser1 = 0
	case c.User2ID:
		c.UnreadUser2 = 0
	}
	return nil
}

func (s *Store) DecrementUnread(_ context.Context, key conversation.Key, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[key]
	if !ok {
		return nil
	}
	switch {
	case userID == c.User1ID && c.UnreadUser1 > 0:
		c.UnreadUser1--
	case userID == c.User2ID && c.UnreadUser2 > 0:
		c.UnreadUser2--
	}
	return nil
}

// Conversations returns the number of conversation rows.
func (s *Store) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

func (s *Store) CreateFlag(_ context.Context, f *moderation.FlaggedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flagged[f.MessageID]; ok {
		return fmt.Errorf("memory: message %d is already flagged", f.MessageID)
	}
	s.nextFlag++
	f.ID = s.nextFlag
	f.CreatedAt = s.nowFn()
	cp := *f
	s.flags[f.ID] = &cp
	s.flagged[f.MessageID] = f.ID
	return nil
}

func (s *Store) GetFlag(_ context.Context, id int64) (*moderation.FlaggedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flags[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (s *Store) ListFlags(_ context.Context, filter moderation.FlagFilter) ([]*moderation.FlaggedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*moderation.FlaggedMessage
	for _, f := range s.flags {
		if filter.Reviewed != nil && f.Reviewed != *filter.Reviewed {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) MarkReviewed(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flags[id]
	if !ok || f.Reviewed {
		return false, nil
	}
	f.Reviewed = true
	return true, nil
}

// FlagFor returns the flag recorded for messageID, if any.
func (s *Store) FlagFor(messageID int64) (*moderation.FlaggedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.flagged[messageID]
	if !ok {
		return nil, false
	}
	cp := *s.flags[id]
	return &cp, true
}
