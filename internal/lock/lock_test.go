package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "storyprompt:tier3:u1:3", Key("u1", 3))
}

func TestLocal_TryLock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held key cannot be taken")

	_, ok, _ = l.TryLock(ctx, "other", time.Minute)
	assert.True(t, ok, "keys are independent")

	unlock()
	unlock() // idempotent

	_, ok, err = l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLocal_Expiry(t *testing.T) {
	l := NewLocal()
	now := time.Now()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	staleUnlock, ok, _ := l.TryLock(ctx, "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	require.True(t, ok, "expired key can be re-taken")

	// The stale holder must not release the new holder's lock.
	staleUnlock()
	_, ok, _ = l.TryLock(ctx, "k", time.Minute)
	assert.False(t, ok)
}
