// Package session records live connections and last-seen timestamps in
// Redis. It is written on connect, disconnect and each heartbeat, never on
// the send path, and backs the presence endpoint's lastSeen field.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ConnPrefix is the Redis key prefix for per-connection hashes.
	ConnPrefix = "conn:"

	// UserConnsPrefix is the key prefix for the set of a user's connection IDs.
	UserConnsPrefix = "user:conns:"

	// LastSeenPrefix is the key prefix for a user's last connect/disconnect
	// time in unix milliseconds.
	LastSeenPrefix = "user:lastseen:"

	// ConnTTL bounds how long a connection record outlives a crashed server.
	ConnTTL = 1 * time.Hour

	// LastSeenTTL is how long a last-seen timestamp is kept.
	LastSeenTTL = 30 * 24 * time.Hour
)

// Store manages connection records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a session store connected to Redis at redisAddr.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing client.
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// Connect stores the record for connID, adds it to the user's set and
// updates the user's last-seen time.
func (s *Store) Connect(ctx context.Context, connID, userID, remoteAddr string) error {
	key := ConnPrefix + connID
	now := time.Now()

	record := map[string]interface{}{
		"conn_id":      connID,
		"user_id":      userID,
		"server":       s.serverName,
		"remote_addr":  remoteAddr,
		"connected_at": now.Unix(),
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, ConnTTL)
	pipe.SAdd(ctx, UserConnsPrefix+userID, connID)
	pipe.Expire(ctx, UserConnsPrefix+userID, ConnTTL)
	pipe.Set(ctx, LastSeenPrefix+userID, now.UnixMilli(), LastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: connect %s: %w", connID, err)
	}
	return nil
}

// Disconnect removes connID and stamps the user's last-seen time.
func (s *Store) Disconnect(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, ConnPrefix+connID)
	pipe.SRem(ctx, UserConnsPrefix+userID, connID)
	pipe.Set(ctx, LastSeenPrefix+userID, time.Now().UnixMilli(), LastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: disconnect %s: %w", connID, err)
	}
	return nil
}

// LastSeen returns the last connect or disconnect time of userID.
func (s *Store) LastSeen(ctx context.Context, userID string) (time.Time, bool, error) {
	v, err := s.client.Get(ctx, LastSeenPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: last seen %s: %w", userID, err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("session: last seen %s: %w", userID, err)
	}
	return time.UnixMilli(ms), true, nil
}

// Refresh extends the TTL of connID's record and of userID's connection
// set, so a connection that outlives ConnTTL stays recorded while it is live.
func (s *Store) Refresh(ctx context.Context, connID, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, ConnPrefix+connID, ConnTTL)
	pipe.Expire(ctx, UserConnsPrefix+userID, ConnTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: refresh %s: %w", connID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
