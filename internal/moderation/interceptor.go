package moderation

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Notifier tells moderators about a flag that has already been stored.
type Notifier interface {
	NotifyFlagged(ctx context.Context, flag *FlaggedMessage) error
}

// Interceptor classifies content and records flags. It never blocks
// delivery; callers decide what to do with the Verdict.
type Interceptor struct {
	classifier Classifier
	store      FlagStore
	notifier   Notifier
	logFilter  LogFilter
}

// LogFilter suppresses repeated log lines. dedup.Cache implements it.
type LogFilter interface {
	Allow(key string) (bool, int)
}

// NewInterceptor creates an Interceptor. notifier may be nil.
func NewInterceptor(classifier Classifier, store FlagStore, notifier Notifier) *Interceptor {
	if classifier == nil {
		classifier = DefaultPolicy()
	}
	return &Interceptor{classifier: classifier, store: store, notifier: notifier}
}

// Classify runs the configured classifier.
func (i *Interceptor) Classify(content string) Verdict {
	return i.classifier.Classify(content)
}

// Flag persists exactly one FlaggedMessage per call. Callers invoke it at
// most once per message; there is no de-duplication here.
func (i *Interceptor) Flag(ctx context.Context, messageID int64, senderID, receiverID, content, reason string) (*FlaggedMessage, error) {
	f := &FlaggedMessage{
		MessageID:  messageID,
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		Reason:     reason,
	}
	if err := i.store.CreateFlag(ctx, f); err != nil {
		return nil, fmt.Errorf("moderation: flag message %d: %w", messageID, err)
	}
	return f, nil
}

// FlagAndNotify records the flag and then notifies moderators. The
// notification is only attempted once the flag row exists; a notification
// failure is logged and never returned.
func (i *Interceptor) FlagAndNotify(ctx context.Context, messageID int64, senderID, receiverID, content, reason string) (*FlaggedMessage, error) {
	f, err := i.Flag(ctx, messageID, senderID, receiverID, content, reason)
	if err != nil {
		return nil, err
	}
	if i.notifier != nil {
		if err := i.notifier.NotifyFlagged(ctx, f); err != nil {
			i.logNotifyError(f, err)
		}
	}
	return f, nil
}

// SetLogFilter routes notification failures through f, keyed by error, so
// a stretch with no moderator online logs once per window.
func (i *Interceptor) SetLogFilter(f LogFilter) {
	i.logFilter = f
}

func (i *Interceptor) logNotifyError(f *FlaggedMessage, err error) {
	if i.logFilter != nil {
		ok, suppressed := i.logFilter.Allow("moderation-notify:" + err.Error())
		if !ok {
			return
		}
		if suppressed > 0 {
			log.Printf("[moderation] notify flag=%d message=%d: %v (%d similar suppressed)", f.ID, f.MessageID, err, suppressed)
			return
		}
	}
	log.Printf("[moderation] notify flag=%d message=%d: %v", f.ID, f.MessageID, err)
}

// Review marks a flag as reviewed. It returns the flag and whether this call
// changed it; reviewing an already reviewed flag is a no-op.
func (i *Interceptor) Review(ctx context.Context, flagID int64) (*FlaggedMessage, bool, error) {
	changed, err := i.store.MarkReviewed(ctx, flagID)
	if err != nil {
		return nil, false, fmt.Errorf("moderation: review flag %d: %w", flagID, err)
	}
	f, err := i.store.GetFlag(ctx, flagID)
	if err != nil {
		return nil, false, fmt.Errorf("moderation: review flag %d: %w", flagID, err)
	}
	return f, changed, nil
}

// Flags lists stored flags.
func (i *Interceptor) Flags(ctx context.Context, filter FlagFilter) ([]*FlaggedMessage, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	flags, err := i.store.ListFlags(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("moderation: list flags: %w", err)
	}
	return flags, nil
}

// MultiNotifier fans a flag out to several notifiers, running all of them
// even when one fails.
type MultiNotifier []Notifier

func (m MultiNotifier) NotifyFlagged(ctx context.Context, flag *FlaggedMessage) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.NotifyFlagged(ctx, flag); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
