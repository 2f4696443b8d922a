package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/whisper/courier/internal/apperr"
	"github.com/whisper/courier/internal/delivery"
	"github.com/whisper/courier/internal/moderation"
	"github.com/whisper/courier/internal/protocol"
	"github.com/whisper/courier/internal/registry"
	"github.com/whisper/courier/internal/storage/memory"
)

// ---------------------------------------------------------------------------
// Test harness
// ---------------------------------------------------------------------------

type frameConn struct {
	mu     sync.Mutex
	frames []map[string]interface{}
}

func (c *frameConn) WriteMessage(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, m)
	c.mu.Unlock()
	return nil
}

// ofType returns the frames with the given "type".
func (c *frameConn) ofType(msgType string) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range c.frames {
		if f["type"] == msgType {
			out = append(out, f)
		}
	}
	return out
}

// onlineSet is a PresenceChecker driven by the test.
type onlineSet struct {
	mu    sync.Mutex
	users map[string]bool
}

func (o *onlineSet) IsOnline(userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.users[userID]
}

func (o *onlineSet) set(userID string, online bool) {
	o.mu.Lock()
	o.users[userID] = online
	o.mu.Unlock()
}

type harness struct {
	pipeline *delivery.Pipeline
	store    *memory.Store
	registry *registry.Registry
	online   *onlineSet
	roster   *moderation.Roster
}

func newHarness() *harness {
	store := memory.New()
	reg := registry.New()
	online := &onlineSet{users: make(map[string]bool)}
	roster := moderation.NewRoster(reg)
	ic := moderation.NewInterceptor(moderation.DefaultPolicy(), store, roster)

	p := delivery.New(delivery.Options{
		Messages:      store,
		Conversations: store,
		Moderation:    ic,
		Fanout:        reg,
		Presence:      online,
		LockStripes:   8,
	})
	return &harness{pipeline: p, store: store, registry: reg, online: online, roster: roster}
}

// connect registers a new device for userID and marks the user online.
func (h *harness) connect(userID string) *frameConn {
	c := &frameConn{}
	h.registry.Register(userID, c)
	h.online.set(userID, true)
	return c
}

func (h *harness) status(t *testing.T, id int64) delivery.Status {
	t.Helper()
	m, err := h.store.GetMessage(context.Background(), id)
	if err != nil || m == nil {
		t.Fatalf("GetMessage(%d) = %v, %v", id, m, err)
	}
	return m.Status
}

// ---------------------------------------------------------------------------
// Send
// ---------------------------------------------------------------------------

func TestSendToOfflineReceiverThenRead(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sender := h.connect("1")

	msg, err := h.pipeline.Send(ctx, "1", "2", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Status != delivery.StatusSent {
		t.Fatalf("status = %s, want sent", msg.Status)
	}
	if got := sender.ofType(protocol.TypeNewMessage); len(got) != 1 {
		t.Fatalf("sender saw %d new_message frames, want 1", len(got))
	}

	// User 2 comes online and fetches the thread.
	h.connect("2")
	page, err := h.pipeline.List(ctx, "2", "1", 1, 50)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].Content != "hello" || page.Unread != 1 {
		t.Fatalf("unexpected page %+v", page)
	}

	ids, err := h.pipeline.MarkConversationRead(ctx, "2", "1")
	if err != nil {
		t.Fatalf("MarkConversationRead: %v", err)
	}
	if len(ids) != 1 || ids[0] != msg.ID {
		t.Fatalf("MarkConversationRead() = %v", ids)
	}
	if h.status(t, msg.ID) != delivery.StatusRead {
		t.Fatal("expected read")
	}

	updates := sender.ofType(protocol.TypeMessageStatus)
	if len(updates) != 1 || updates[0]["status"] != "read" || int64(updates[0]["messageId"].(float64)) != msg.ID {
		t.Fatalf("sender status updates = %v", updates)
	}

	page, _ = h.pipeline.List(ctx, "2", "1", 1, 50)
	if page.Unread != 0 {
		t.Fatalf("unread = %d after read", page.Unread)
	}
}

func TestSendToOnlineReceiverIsDelivered(t *testing.T) {
	h := newHarness()
	sender := h.connect("1")
	receiver := h.connect("2")

	msg, err := h.pipeline.Send(context.Background(), "1", "2", "hi there")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Status != delivery.StatusDelivered || h.status(t, msg.ID) != delivery.StatusDelivered {
		t.Fatalf("status = %s, want delivered", msg.Status)
	}
	if len(receiver.ofType(protocol.TypeNewMessage)) != 1 {
		t.Fatal("receiver did not get new_message")
	}
	updates := sender.ofType(protocol.TypeMessageStatus)
	if len(updates) != 1 || updates[0]["status"] != "delivered" {
		t.Fatalf("sender status updates = %v", updates)
	}
}

func TestSendReachesEveryDevice(t *testing.T) {
	h := newHarness()
	devices := []*frameConn{h.connect("2"), h.connect("2"), h.connect("2")}
	own := []*frameConn{h.connect("1"), h.connect("1")}

	if _, err := h.pipeline.Send(context.Background(), "1", "2", "ping all"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	for i, d := range append(devices, own...) {
		if n := len(d.ofType(protocol.TypeNewMessage)); n != 1 {
			t.Errorf("device %d got %d new_message frames, want 1", i, n)
		}
	}
}

func TestSendConnectedButNotOnline(t *testing.T) {
	h := newHarness()
	receiver := h.connect("2")
	h.online.set("2", false)

	msg, err := h.pipeline.Send(context.Background(), "1", "2", "hello")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Status != delivery.StatusSent {
		t.Fatalf("status = %s, want sent", msg.Status)
	}
	if len(receiver.ofType(protocol.TypeNewMessage)) != 0 {
		t.Fatal("presence said offline, no push expected")
	}
}

func TestSendValidation(t *testing.T) {
	h := newHarness()

	tests := []struct {
		name     string
		from, to string
		content  string
	}{
		{"empty", "1", "2", ""},
		{"whitespace", "1", "2", "   \n"},
		{"self", "1", "1", "hi"},
		{"missing receiver", "1", "", "hi"},
		{"too many chars", "1", "2", strings.Repeat("a", delivery.MaxTextChars+1)},
		{"too many bytes", "1", "2", strings.Repeat("é", delivery.MaxMessageBytes/2+1)},
		{"invalid utf8", "1", "2", "\xff\xfe"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pipeline.Send(context.Background(), tt.from, tt.to, tt.content)
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}

	_, total, _ := h.store.ListMessages(context.Background(), "1", "2", 10, 0)
	if total != 0 {
		t.Fatalf("rejected sends persisted %d messages", total)
	}
}

func TestBlockedConversationRejectsBothDirections(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if _, err := h.pipeline.Send(ctx, "1", "2", "before"); err != nil {
		t.Fatal(err)
	}

	if err := h.pipeline.Gate().SetBlocked(ctx, "2", "1", true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}

	for _, pair := range [][2]string{{"1", "2"}, {"2", "1"}} {
		_, err := h.pipeline.Send(ctx, pair[0], pair[1], "after")
		if !errors.Is(err, apperr.ErrConversationBlocked) {
			t.Fatalf("Send(%s->%s) err = %v, want conversation blocked", pair[0], pair[1], err)
		}
	}

	_, total, _ := h.store.ListMessages(ctx, "1", "2", 10, 0)
	if total != 1 {
		t.Fatalf("total = %d, blocked sends must not persist", total)
	}
	page, _ := h.pipeline.List(ctx, "1", "2", 1, 10)
	if !page.IsBlocked {
		t.Fatal("List() should report the block")
	}
}

func TestBlockAppliesToNumericallyEqualIDs(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	if err := h.pipeline.Gate().SetBlocked(ctx, "9", "09", true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	for _, pair := range [][2]string{{"9", "09"}, {"09", "9"}} {
		_, err := h.pipeline.Send(ctx, pair[0], pair[1], "hello")
		if !errors.Is(err, apperr.ErrConversationBlocked) {
			t.Fatalf("Send(%s->%s) err = %v, want conversation blocked", pair[0], pair[1], err)
		}
	}
	if n := h.store.Conversations(); n != 1 {
		t.Fatalf("conversation rows = %d, want 1", n)
	}
}

func TestFlaggedMessageIsDeliveredAndRecorded(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	receiver := h.connect("4")
	mod := h.connect("mod")
	h.roster.Add("mod")

	msg, err := h.pipeline.Send(ctx, "3", "4", "you should kill yourself")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.pipeline.Drain()

	if msg.Status != delivery.StatusDelivered {
		t.Fatalf("status = %s, flagged messages are still delivered", msg.Status)
	}
	if len(receiver.ofType(protocol.TypeNewMessage)) != 1 {
		t.Fatal("receiver did not get the flagged message")
	}

	flag, ok := h.store.FlagFor(msg.ID)
	if !ok {
		t.Fatal("no flag recorded")
	}
	if flag.Reviewed || flag.SenderID != "3" || flag.ReceiverID != "4" || flag.Content != msg.Content {
		t.Fatalf("unexpected flag %+v", flag)
	}

	notes := mod.ofType(protocol.TypeAdminNotification)
	if len(notes) != 1 || notes[0]["event"] != "message_flagged" {
		t.Fatalf("moderator notifications = %v", notes)
	}
}

func TestCleanMessageIsNotFlagged(t *testing.T) {
	h := newHarness()
	msg, err := h.pipeline.Send(context.Background(), "3", "4", "nice weather today")
	if err != nil {
		t.Fatal(err)
	}
	h.pipeline.Drain()
	if _, ok := h.store.FlagFor(msg.ID); ok {
		t.Fatal("clean message was flagged")
	}
}

// ---------------------------------------------------------------------------
// Status transitions
// ---------------------------------------------------------------------------

func TestUpdateStatusBySenderIsRejected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	msg, _ := h.pipeline.Send(ctx, "1", "2", "hello")

	_, _, err := h.pipeline.UpdateStatus(ctx, msg.ID, delivery.StatusRead, "1")
	if !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("err = %v, want authorization error", err)
	}
	if h.status(t, msg.ID) != delivery.StatusSent {
		t.Fatal("sender changed their own message status")
	}
}

func TestUpdateStatusIsMonotonic(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	sender := h.connect("1")
	msg, _ := h.pipeline.Send(ctx, "1", "2", "hello")

	seen := []delivery.Status{h.status(t, msg.ID)}
	steps := []struct {
		to      delivery.Status
		changed bool
	}{
		{delivery.StatusDelivered, true},
		{delivery.StatusDelivered, false},
		{delivery.StatusRead, true},
		{delivery.StatusDelivered, false},
	}
	for i, st := range steps {
		_, changed, err := h.pipeline.UpdateStatus(ctx, msg.ID, st.to, "2")
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if changed != st.changed {
			t.Errorf("step %d: changed = %v, want %v", i, changed, st.changed)
		}
		seen = append(seen, h.status(t, msg.ID))
	}

	for i := 1; i < len(seen); i++ {
		if seen[i].Rank() < seen[i-1].Rank() {
			t.Fatalf("status regressed: %v", seen)
		}
	}
	if n := len(sender.ofType(protocol.TypeMessageStatus)); n != 2 {
		t.Fatalf("sender got %d status events, want 2", n)
	}
}

func TestUpdateStatusErrors(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	msg, _ := h.pipeline.Send(ctx, "1", "2", "hello")

	if _, _, err := h.pipeline.UpdateStatus(ctx, 999, delivery.StatusRead, "2"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing message: err = %v", err)
	}
	if _, _, err := h.pipeline.UpdateStatus(ctx, msg.ID, delivery.Status("seen"), "2"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("unknown status: err = %v", err)
	}
}

func TestUpdateStatusBackToSentIsNoop(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	msg, _ := h.pipeline.Send(ctx, "1", "2", "hello")
	if _, _, err := h.pipeline.UpdateStatus(ctx, msg.ID, delivery.StatusDelivered, "2"); err != nil {
		t.Fatal(err)
	}

	_, changed, err := h.pipeline.UpdateStatus(ctx, msg.ID, delivery.StatusSent, "2")
	if err != nil || changed {
		t.Fatalf("UpdateStatus(sent) = changed %v, err %v; want no change and no error", changed, err)
	}
	if got := h.status(t, msg.ID); got != delivery.StatusDelivered {
		t.Fatalf("status = %s, want delivered", got)
	}
	if _, _, err := h.pipeline.UpdateStatus(ctx, msg.ID, delivery.StatusSent, "1"); !errors.Is(err, apperr.ErrAuthorization) {
		t.Fatalf("sender UpdateStatus(sent) err = %v, want forbidden", err)
	}
}

func TestUpdateStatusReadDecrementsUnread(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	a, _ := h.pipeline.Send(ctx, "1", "2", "one")
	h.pipeline.Send(ctx, "1", "2", "two")

	if _, _, err := h.pipeline.UpdateStatus(ctx, a.ID, delivery.StatusRead, "2"); err != nil {
		t.Fatal(err)
	}
	page, _ := h.pipeline.List(ctx, "2", "1", 1, 10)
	if page.Unread != 1 {
		t.Fatalf("unread = %d, want 1", page.Unread)
	}
}

func TestSendOrderingPerPair(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	var wg sync.WaitGroup
	for _, sender := range []string{"1", "3"} {
		wg.Add(1)
		go func(sender string) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := h.pipeline.Send(ctx, sender, "2", string(rune('a'+i))); err != nil {
					t.Error(err)
					return
				}
			}
		}(sender)
	}
	wg.Wait()

	page, _ := h.pipeline.List(ctx, "2", "1", 1, 100)
	if len(page.Messages) != 20 {
		t.Fatalf("got %d messages, want 20", len(page.Messages))
	}
	for i, m := range page.Messages {
		if m.Content != string(rune('a'+i)) {
			t.Fatalf("message %d = %q, out of order", i, m.Content)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := delivery.ParseStatus("read"); err != nil || s != delivery.StatusRead {
		t.Fatalf("ParseStatus(read) = %v, %v", s, err)
	}
	if _, err := delivery.ParseStatus("seen"); err == nil {
		t.Fatal("expected error for unknown status")
	}
	if !delivery.StatusRead.Ahead(delivery.StatusDelivered) || delivery.StatusSent.Ahead(delivery.StatusSent) {
		t.Fatal("Ahead() ordering broken")
	}
}
