// Package presence derives a best-effort online/offline signal from recent
// socket activity. It is purely in-memory and never persisted: a restart
// forgets everyone until they send their next event, which is acceptable
// because presence only decides whether a push is worth attempting.
package presence

import (
	"sync"
	"time"
)

// DefaultOfflineThreshold is how long a user stays online after their last
// inbound event. It must exceed the heartbeat interval so idle but connected
// clients (which answer pings) remain online.
const DefaultOfflineThreshold = 2 * time.Minute

// ConnectionCounter reports whether a user has a live connection.
type ConnectionCounter interface {
	IsConnected(userID string) bool
}

// Tracker records the last activity time per user.
type Tracker struct {
	mu         sync.Mutex
	lastActive map[string]time.Time
	threshold  time.Duration
	conns      ConnectionCounter
	nowFn      func() time.Time
}

// NewTracker creates a Tracker that considers a user online while they were
// active within threshold and still hold a connection in conns.
func NewTracker(conns ConnectionCounter, threshold time.Duration) *Tracker {
	if threshold <= 0 {
		threshold = DefaultOfflineThreshold
	}
	return &Tracker{
		lastActive: make(map[string]time.Time),
		threshold:  threshold,
		conns:      conns,
		nowFn:      time.Now,
	}
}

// MarkActive records activity for userID at the current time.
func (t *Tracker) MarkActive(userID string) {
	now := t.nowFn()
	t.mu.Lock()
	t.lastActive[userID] = now
	t.mu.Unlock()
}

// IsOnline reports whether userID was active within the threshold and has at
// least one live connection. An entry past the threshold is treated as
// offline and dropped on the spot.
func (t *Tracker) IsOnline(userID string) bool {
	now := t.nowFn()

	t.mu.Lock()
	last, ok := t.lastActive[userID]
	if ok && now.Sub(last) > t.threshold {
		delete(t.lastActive, userID)
		ok = false
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	return t.conns.IsConnected(userID)
}

// LastActive returns the last recorded activity for userID, if any.
func (t *Tracker) LastActive(userID string) (time.Time, bool) {
	t.mu.Lock()
	last, ok := t.lastActive[userID]
	t.mu.Unlock()
	return last, ok
}

// Threshold returns the configured offline threshold.
func (t *Tracker) Threshold() time.Duration {
	return t.threshold
}

// CleanupStale removes entries older than maxAge and returns how many were
// evicted. A non-positive maxAge uses the tracker's threshold.
func (t *Tracker) CleanupStale(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = t.threshold
	}
	now := t.nowFn()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for userID, last := range t.lastActive {
		if now.Sub(last) > maxAge {
			delete(t.lastActive, userID)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked users.
func (t *Tracker) Len() int {
	t.mu.Lock()
	n := len(t.lastActive)
	t.mu.Unlock()
	return n
}
