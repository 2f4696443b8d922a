package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/whisper/courier/internal/protocol"
)

// fakeFlagStore is an in-memory FlagStore that records call order.
type fakeFlagStore struct {
	mu     sync.Mutex
	flags  []*FlaggedMessage
	fail   error
	events *[]string
}

func (s *fakeFlagStore) CreateFlag(_ context.Context, f *FlaggedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	f.ID = int64(len(s.flags) + 1)
	f.CreatedAt = time.Now()
	cp := *f
	s.flags = append(s.flags, &cp)
	if s.events != nil {
		*s.events = append(*s.events, "stored")
	}
	return nil
}

func (s *fakeFlagStore) GetFlag(_ context.Context, id int64) (*FlaggedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flags {
		if f.ID == id {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *fakeFlagStore) ListFlags(_ context.Context, filter FlagFilter) ([]*FlaggedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*FlaggedMessage
	for i := len(s.flags) - 1; i >= 0; i-- {
		f := s.flags[i]
		if filter.Reviewed != nil && f.Reviewed != *filter.Reviewed {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *fakeFlagStore) MarkReviewed(_ context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.flags {
		if f.ID == id {
			if f.Reviewed {
				return false, nil
			}
			f.Reviewed = true
			return true, nil
		}
	}
	return false, nil
}

type notifierFunc func(ctx context.Context, f *FlaggedMessage) error

func (n notifierFunc) NotifyFlagged(ctx context.Context, f *FlaggedMessage) error { return n(ctx, f) }

// fanoutRecorder implements FanOuter for the roster tests.
type fanoutRecorder struct {
	online map[string]bool
	sent   map[string][]protocol.AdminNotificationMsg
}

func (r *fanoutRecorder) FanOut(userID, msgType string, payload interface{}) bool {
	if !r.online[userID] || msgType != protocol.TypeAdminNotification {
		return false
	}
	if r.sent == nil {
		r.sent = make(map[string][]protocol.AdminNotificationMsg)
	}
	r.sent[userID] = append(r.sent[userID], payload.(protocol.AdminNotificationMsg))
	return true
}

func TestFlagPersistsOneRowPerCall(t *testing.T) {
	store := &fakeFlagStore{}
	ic := NewInterceptor(DefaultPolicy(), store, nil)

	for i := 0; i < 2; i++ {
		if _, err := ic.Flag(context.Background(), 7, "u3", "u4", "kill yourself", "category:self_harm"); err != nil {
			t.Fatalf("Flag: %v", err)
		}
	}
	if len(store.flags) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(store.flags))
	}
	f := store.flags[0]
	if f.MessageID != 7 || f.SenderID != "u3" || f.ReceiverID != "u4" || f.Reviewed {
		t.Fatalf("unexpected flag %+v", f)
	}
}

func TestFlagAndNotifyStoresBeforeNotifying(t *testing.T) {
	var events []string
	store := &fakeFlagStore{events: &events}
	notifier := notifierFunc(func(_ context.Context, f *FlaggedMessage) error {
		if f.ID == 0 {
			t.Error("notified before the flag had an ID")
		}
		events = append(events, "notified")
		return nil
	})
	ic := NewInterceptor(DefaultPolicy(), store, notifier)

	if _, err := ic.FlagAndNotify(context.Background(), 1, "a", "b", "x", "r"); err != nil {
		t.Fatalf("FlagAndNotify: %v", err)
	}
	if len(events) != 2 || events[0] != "stored" || events[1] != "notified" {
		t.Fatalf("unexpected order %v", events)
	}
}

func TestFlagAndNotifyIgnoresNotifierFailure(t *testing.T) {
	store := &fakeFlagStore{}
	notifier := notifierFunc(func(context.Context, *FlaggedMessage) error {
		return ErrNoModeratorReached
	})
	ic := NewInterceptor(DefaultPolicy(), store, notifier)

	f, err := ic.FlagAndNotify(context.Background(), 1, "a", "b", "x", "r")
	if err != nil || f == nil {
		t.Fatalf("FlagAndNotify() = %v, %v; want flag and nil error", f, err)
	}
}

type keyLog struct{ keys []string }

func (k *keyLog) Allow(key string) (bool, int) {
	k.keys = append(k.keys, key)
	return len(k.keys) == 1, 0
}

func TestNotifyFailuresUseLogFilter(t *testing.T) {
	notifier := notifierFunc(func(context.Context, *FlaggedMessage) error {
		return ErrNoModeratorReached
	})
	ic := NewInterceptor(DefaultPolicy(), &fakeFlagStore{}, notifier)
	filter := &keyLog{}
	ic.SetLogFilter(filter)

	for i := int64(1); i <= 3; i++ {
		if _, err := ic.FlagAndNotify(context.Background(), i, "a", "b", "x", "r"); err != nil {
			t.Fatalf("FlagAndNotify: %v", err)
		}
	}
	if len(filter.keys) != 3 || filter.keys[0] != filter.keys[2] {
		t.Fatalf("filter keys = %v, want one repeated key", filter.keys)
	}
}

func TestFlagAndNotifyStoreFailureSkipsNotify(t *testing.T) {
	store := &fakeFlagStore{fail: errors.New("db down")}
	called := false
	notifier := notifierFunc(func(context.Context, *FlaggedMessage) error {
		called = true
		return nil
	})
	ic := NewInterceptor(DefaultPolicy(), store, notifier)

	if _, err := ic.FlagAndNotify(context.Background(), 1, "a", "b", "x", "r"); err == nil {
		t.Fatal("expected store error")
	}
	if called {
		t.Fatal("notifier must not run without a stored flag")
	}
}

func TestReviewIsOneWay(t *testing.T) {
	store := &fakeFlagStore{}
	ic := NewInterceptor(nil, store, nil)
	f, _ := ic.Flag(context.Background(), 1, "a", "b", "x", "r")

	got, changed, err := ic.Review(context.Background(), f.ID)
	if err != nil || !changed || !got.Reviewed {
		t.Fatalf("first Review() = %+v, %v, %v", got, changed, err)
	}
	got, changed, err = ic.Review(context.Background(), f.ID)
	if err != nil || changed || !got.Reviewed {
		t.Fatalf("second Review() = %+v, %v, %v", got, changed, err)
	}

	unreviewed := false
	list, _ := ic.Flags(context.Background(), FlagFilter{Reviewed: &unreviewed})
	if len(list) != 0 {
		t.Fatalf("expected no unreviewed flags, got %d", len(list))
	}
}

func TestRosterNotifiesOnlineModerators(t *testing.T) {
	rec := &fanoutRecorder{online: map[string]bool{"mod1": true, "mod2": true}}
	roster := NewRoster(rec)
	roster.Add("mod1")
	roster.Add("mod2")
	roster.Add("mod3") // known but offline

	flag := &FlaggedMessage{ID: 9, MessageID: 3, Reason: "category:x", CreatedAt: time.Now()}
	if err := roster.NotifyFlagged(context.Background(), flag); err != nil {
		t.Fatalf("NotifyFlagged: %v", err)
	}
	for _, id := range []string{"mod1", "mod2"} {
		msgs := rec.sent[id]
		if len(msgs) != 1 || msgs[0].Event != "message_flagged" || msgs[0].Flag.ID != 9 {
			t.Errorf("%s received %+v", id, msgs)
		}
	}
}

func TestRosterNoModerators(t *testing.T) {
	roster := NewRoster(&fanoutRecorder{})
	roster.Add("mod1")
	roster.Remove("mod1")

	err := roster.NotifyFlagged(context.Background(), &FlaggedMessage{ID: 1})
	if !errors.Is(err, ErrNoModeratorReached) {
		t.Fatalf("err = %v, want ErrNoModeratorReached", err)
	}
}

func TestMultiNotifierRunsAll(t *testing.T) {
	calls := 0
	ok := notifierFunc(func(context.Context, *FlaggedMessage) error { calls++; return nil })
	bad := notifierFunc(func(context.Context, *FlaggedMessage) error { calls++; return errors.New("boom") })

	err := MultiNotifier{bad, nil, ok}.NotifyFlagged(context.Background(), &FlaggedMessage{})
	if err == nil {
		t.Fatal("expected joined error")
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}
