package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-ticketchat/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Set TICKETCHAT_TEST_REDIS_ADDR to run against a live redis.
func newTestRedisStore(t *testing.T) *RedisStore {
	addr := os.Getenv("TICKETCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TICKETCHAT_TEST_REDIS_ADDR not set")
	}

	store, err := NewRedisStore(RedisConfig{Addr: addr, Prefix: "test-" + uuid.NewString(), TTL: time.Minute})
	require.NoError(t, err, "expected redis store to connect")
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRedisStore(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	alice := types.Member{UserId: "u-alice", Name: "alice", Role: "requester"}
	bob := types.Member{UserId: "u-bob", Name: "bob", Role: "expert"}

	require.NoError(t, store.Join(ctx, "42", alice))
	require.NoError(t, store.Join(ctx, "42", bob))

	members, err := store.Members(ctx, "42")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.Member{alice, bob}, members)

	ttl, err := store.client.TTL(ctx, store.key("42")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0), "expected presence key to expire")

	require.NoError(t, store.Leave(ctx, "42", alice))
	members, err = store.Members(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, []types.Member{bob}, members)

	require.NoError(t, store.Clear(ctx, "42"))
	members, err = store.Members(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRedisStore_key(t *testing.T) {
	s := newRedisStore(nil, "", 0)
	assert.Equal(t, "ticketchat:presence:ticket:42", s.key("42"))
	assert.Equal(t, time.Hour, s.ttl, "expected default ttl")
	assert.Equal(t, "u-alice:requester", field(types.Member{UserId: "u-alice", Role: "requester"}))
}

func TestNoop(t *testing.T) {
	var s Store = Noop{}
	assert.NoError(t, s.Join(context.Background(), "42", types.Member{}))
	assert.NoError(t, s.Leave(context.Background(), "42", types.Member{}))
	assert.NoError(t, s.Clear(context.Background(), "42"))
}
