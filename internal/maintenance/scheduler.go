// Package maintenance runs the periodic sweep that keeps the in-memory
// state bounded. It only removes entries that are already logically stale,
// so it is safe to run alongside live traffic.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/whisper/courier/internal/metrics"
)

const DefaultInterval = 30 * time.Second

// PresenceSweeper evicts presence entries older than maxAge.
type PresenceSweeper interface {
	CleanupStale(maxAge time.Duration) int
}

// TypingSweeper expires typing signals.
type TypingSweeper interface {
	Sweep(ttl time.Duration, isConnected func(userID string) bool) int
}

// RegistrySweeper is the registry as seen by the scheduler.
type RegistrySweeper interface {
	Prune() int
	IsConnected(userID string) bool
	Users() int
}

// Trimmer is a bounded cache with its own expiry.
type Trimmer interface {
	Trim() int
}

// Config selects what the scheduler sweeps and how often.
type Config struct {
	Interval         time.Duration
	OfflineThreshold time.Duration
	TypingTTL        time.Duration

	Presence PresenceSweeper
	Typing   TypingSweeper
	Registry RegistrySweeper
	Caches   []Trimmer
}

// Result counts what one sweep removed.
type Result struct {
	Presence int
	Typing   int
	Registry int
	Caches   int
}

// Total returns the number of entries removed.
func (r Result) Total() int {
	return r.Presence + r.Typing + r.Registry + r.Caches
}

// Scheduler runs Config's sweeps on a ticker.
type Scheduler struct {
	cfg Config
}

// New creates a Scheduler. Nil components are skipped.
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Scheduler{cfg: cfg}
}

// Start runs the sweep every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Printf("[maintenance] sweeping every %s", s.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("[maintenance] loop stopped")
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep.
func (s *Scheduler) RunOnce() Result {
	var res Result

	if s.cfg.Presence != nil {
		res.Presence = s.cfg.Presence.CleanupStale(s.cfg.OfflineThreshold)
		metrics.MaintenanceEvictions.WithLabelValues("presence").Add(float64(res.Presence))
	}

	if s.cfg.Typing != nil {
		var connected func(string) bool
		if s.cfg.Registry != nil {
			connected = s.cfg.Registry.IsConnected
		}
		res.Typing = s.cfg.Typing.Sweep(s.cfg.TypingTTL, connected)
		metrics.MaintenanceEvictions.WithLabelValues("typing").Add(float64(res.Typing))
	}

	if s.cfg.Registry != nil {
		res.Registry = s.cfg.Registry.Prune()
		metrics.MaintenanceEvictions.WithLabelValues("registry").Add(float64(res.Registry))
		metrics.ConnectedUsers.Set(float64(s.cfg.Registry.Users()))
	}

	for _, c := range s.cfg.Caches {
		if c == nil {
			continue
		}
		n := c.Trim()
		res.Caches += n
	}
	metrics.MaintenanceEvictions.WithLabelValues("dedup").Add(float64(res.Caches))

	if res.Total() > 0 {
		log.Printf("[maintenance] evicted presence=%d typing=%d registry=%d cache=%d",
			res.Presence, res.Typing, res.Registry, res.Caches)
	}
	return res
}
