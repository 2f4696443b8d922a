// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Each rule keys its counter by an identifier (user ID for
// sends, remote address for connections).
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:send:", "rl:conn:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

var (
	// RuleSend allows 30 message sends per minute per user, shared by the
	// socket and REST surfaces.
	RuleSend = Rule{Key: "rl:send:", Limit: 30, Window: time.Minute}

	// RuleConnect allows 30 WebSocket upgrades per minute per remote address.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// SendRule returns RuleSend with a custom per-minute limit.
func SendRule(perMinute int) Rule {
	r := RuleSend
	if perMinute > 0 {
		r.Limit = perMinute
	}
	return r
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration // time until the window resets; set when !Allowed
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, the unit of the
// Retry-After header and the rate_limited event.
func (d Decision) RetryAfterSeconds() int {
	if d.RetryAfter <= 0 {
		return 0
	}
	return int((d.RetryAfter + time.Second - 1) / time.Second)
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
}

// NewLimiter creates a Limiter backed by the given Redis client.
func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Check increments identifier's counter for rule and decides whether the
// request fits in the current window. On Redis errors it fails open so an
// outage never blocks legitimate traffic; the error is still returned.
func (l *Limiter) Check(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	open := Decision{Allowed: true, Remaining: rule.Limit}

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		log.Printf("[ratelimit] redis INCR error key=%s: %v (failing open)", key, err)
		return open, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, rule.Window).Err(); err != nil {
			log.Printf("[ratelimit] redis EXPIRE error key=%s: %v (failing open)", key, err)
			// The key exists but has no TTL and would persist forever.
			l.client.Del(ctx, key)
			return open, err
		}
	}

	if int(count) <= rule.Limit {
		return Decision{Allowed: true, Remaining: rule.Limit - int(count)}, nil
	}

	retry, err := l.client.PTTL(ctx, key).Result()
	if err != nil || retry <= 0 {
		// PTTL is -1 when the key somehow lost its expiry; repair it.
		if err == nil {
			l.client.Expire(ctx, key, rule.Window)
		}
		retry = rule.Window
	}
	return Decision{Allowed: false, RetryAfter: retry}, nil
}
