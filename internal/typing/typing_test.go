package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/whisper/courier/internal/protocol"
)

type sentEvent struct {
	userID  string
	msgType string
	payload protocol.ServerTypingMsg
}

// recorder captures every fan-out call.
type recorder struct {
	mu     sync.Mutex
	events []sentEvent
}

func (r *recorder) FanOut(userID, msgType string, payload interface{}) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentEvent{userID, msgType, payload.(protocol.ServerTypingMsg)})
	return true
}

func (r *recorder) last() sentEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func newTestBroadcaster() (*Broadcaster, *recorder, *time.Time) {
	rec := &recorder{}
	b := NewBroadcaster(rec)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.nowFn = func() time.Time { return now }
	return b, rec, &now
}

func TestSetTypingRelaysToReceiver(t *testing.T) {
	b, rec, _ := newTestBroadcaster()

	b.SetTyping("s1", "r1", true)

	ev := rec.last()
	if ev.userID != "r1" || ev.msgType != protocol.TypeTypingIndicator {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.payload.SenderID != "s1" || !ev.payload.IsTyping {
		t.Fatalf("unexpected payload %+v", ev.payload)
	}
	if got := b.TypingTo("r1"); len(got) != 1 || got[0] != "s1" {
		t.Fatalf("TypingTo() = %v", got)
	}
}

func TestStopTypingRemovesEntry(t *testing.T) {
	b, rec, _ := newTestBroadcaster()

	b.SetTyping("s1", "r1", true)
	b.SetTyping("s1", "r1", false)

	if b.Receivers() != 0 {
		t.Fatalf("expected empty receiver map, got %d", b.Receivers())
	}
	if rec.last().payload.IsTyping {
		t.Fatal("expected isTyping=false to be relayed")
	}
}

func TestSenderGoneClearsEveryReceiver(t *testing.T) {
	b, rec, _ := newTestBroadcaster()

	b.SetTyping("s1", "r1", true)
	b.SetTyping("s1", "r2", true)
	b.SetTyping("s2", "r1", true)
	before := len(rec.events)

	affected := b.SenderGone("s1")
	if len(affected) != 2 {
		t.Fatalf("expected 2 affected receivers, got %v", affected)
	}

	ghosts := rec.events[before:]
	if len(ghosts) != 2 {
		t.Fatalf("expected 2 synthetic events, got %d", len(ghosts))
	}
	for _, ev := range ghosts {
		if ev.payload.SenderID != "s1" || ev.payload.IsTyping {
			t.Errorf("unexpected synthetic event %+v", ev)
		}
	}

	if got := b.TypingTo("r1"); len(got) != 1 || got[0] != "s2" {
		t.Fatalf("r1 should still see s2 typing, got %v", got)
	}
	if got := b.TypingTo("r2"); len(got) != 0 {
		t.Fatalf("r2 should have no typers, got %v", got)
	}
}

func TestSenderGoneWithoutSignalsEmitsNothing(t *testing.T) {
	b, rec, _ := newTestBroadcaster()
	if affected := b.SenderGone("idle"); len(affected) != 0 {
		t.Fatalf("expected no affected receivers, got %v", affected)
	}
	if len(rec.events) != 0 {
		t.Fatalf("expected no events, got %d", len(rec.events))
	}
}

func TestSweepExpiresStaleAndDisconnected(t *testing.T) {
	b, rec, now := newTestBroadcaster()

	b.SetTyping("stale", "r1", true)
	*now = now.Add(8 * time.Second)
	b.SetTyping("fresh", "r1", true)
	b.SetTyping("gone", "r2", true)
	*now = now.Add(4 * time.Second)
	before := len(rec.events)

	connected := func(userID string) bool { return userID != "gone" }
	if removed := b.Sweep(10*time.Second, connected); removed != 2 {
		t.Fatalf("Sweep() = %d, want 2", removed)
	}

	if got := b.TypingTo("r1"); len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("TypingTo(r1) = %v", got)
	}
	if b.Receivers() != 1 {
		t.Fatalf("expected r2 entry removed, receivers = %d", b.Receivers())
	}
	if len(rec.events)-before != 2 {
		t.Fatalf("expected 2 stop events, got %d", len(rec.events)-before)
	}
}
