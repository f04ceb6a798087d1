// Package lock provides advisory locks keyed by strings such as
// "tier3:<user>:<milestone>". They reduce duplicate work; correctness still
// rests on the database's unique constraints.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

// Locker acquires advisory locks without blocking.
type Locker interface {
	// TryLock returns ok=false when the key is held elsewhere. The returned
	// unlock func is non-nil only when ok is true.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Key builds the lock key for a Tier-3 run.
func Key(userID string, milestone int) string {
	return fmt.Sprintf("storyprompt:tier3:%s:%d", userID, milestone)
}

// Local is an in-process Locker. Keys expire after their ttl so a lost
// unlock cannot wedge a key forever.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocal creates an in-process locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

// TryLock implements Locker.
func (l *Local) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if until, ok := l.held[key]; ok && now.Before(until) {
		return nil, false, nil
	}
	until := now.Add(ttl)
	l.held[key] = until

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			// A newer holder may own the key after our ttl lapsed.
			if l.held[key].Equal(until) {
				delete(l.held, key)
			}
		})
	}, true, nil
}

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(1, `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Redis is a Locker shared across processes through SET NX PX.
type Redis struct {
	pool *redis.Pool
}

// NewRedis creates a Redis locker for addr (host:port).
func NewRedis(addr string) *Redis {
	return &Redis{pool: &redis.Pool{
		MaxIdle:     4,
		IdleTimeout: 4 * time.Minute,
		DialContext: func(ctx context.Context) (redis.Conn, error) {
			return redis.DialContext(ctx, "tcp", addr,
				redis.DialConnectTimeout(5*time.Second),
				redis.DialReadTimeout(5*time.Second),
				redis.DialWriteTimeout(5*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}}
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err
}

// Close releases pooled connections.
func (r *Redis) Close() error {
	return r.pool.Close()
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token, err := newToken()
	if err != nil {
		return nil, false, err
	}

	conn, err := r.pool.GetContext(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("redis connection: %w", err)
	}
	defer conn.Close()

	_, err = redis.String(redis.DoContext(conn, ctx, "SET", key, token, "NX", "PX", ttl.Milliseconds()))
	if errors.Is(err, redis.ErrNil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis SET NX: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c := r.pool.Get()
			defer c.Close()
			_, _ = releaseScript.Do(c, key, token)
		})
	}, true, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
