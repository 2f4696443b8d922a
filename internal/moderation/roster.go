package moderation

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/whisper/courier/internal/protocol"
)

// ErrNoModeratorReached is returned by Roster when no online moderator
// accepted the notification.
var ErrNoModeratorReached = errors.New("moderation: no moderator connection reached")

// FanOuter delivers an event to every live connection of a user.
type FanOuter interface {
	FanOut(userID, msgType string, payload interface{}) bool
}

// Roster tracks connected moderators and pushes admin_notification events
// to each of them.
type Roster struct {
	mu     sync.RWMutex
	ids    map[string]struct{}
	fanout FanOuter
}

// NewRoster creates an empty Roster emitting through fanout.
func NewRoster(fanout FanOuter) *Roster {
	return &Roster{ids: make(map[string]struct{}), fanout: fanout}
}

// Add records userID as a moderator.
func (r *Roster) Add(userID string) {
	r.mu.Lock()
	r.ids[userID] = struct{}{}
	r.mu.Unlock()
}

// Remove forgets userID.
func (r *Roster) Remove(userID string) {
	r.mu.Lock()
	delete(r.ids, userID)
	r.mu.Unlock()
}

// Moderators returns the known moderator IDs, sorted.
func (r *Roster) Moderators() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.ids))
	for id := range r.ids {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// NotifyFlagged implements Notifier. Every moderator is attempted; the call
// fails only if none was reached.
func (r *Roster) NotifyFlagged(_ context.Context, flag *FlaggedMessage) error {
	msg := protocol.AdminNotificationMsg{
		Event: "message_flagged",
		Flag:  flag.View(),
	}
	reached := 0
	for _, id := range r.Moderators() {
		if r.fanout.FanOut(id, protocol.TypeAdminNotification, msg) {
			reached++
		}
	}
	if reached == 0 {
		return ErrNoModeratorReached
	}
	return nil
}
