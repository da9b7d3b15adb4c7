package tools

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abjerry97/duespay/api"
	"github.com/abjerry97/duespay/internal/client"
)

// openRedis connects to TEST_REDIS_URL and skips when it is not set.
func openRedis(t *testing.T) *RedisService {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	r, err := NewRedisService(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRedisService_JSON(t *testing.T) {
	r := openRedis(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	defer r.Delete(ctx, key)

	var out map[string]string
	found, err := r.LoadJSON(ctx, key, &out)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, r.SaveJSON(ctx, key, map[string]string{"stage": "upload"}, time.Minute))
	found, err = r.LoadJSON(ctx, key, &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "upload", out["stage"])
}

func TestRedisService_Lock(t *testing.T) {
	r := openRedis(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()
	defer r.Delete(ctx, key)

	ok, err := r.TryLock(ctx, key, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.TryLock(ctx, key, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.Unlock(ctx, key, "b"))
	ok, _ = r.TryLock(ctx, key, "b", time.Minute)
	assert.False(t, ok, "only the holder can unlock")

	require.NoError(t, r.Unlock(ctx, key, "a"))
	ok, _ = r.TryLock(ctx, key, "b", time.Minute)
	assert.True(t, ok)
}

func TestRedisService_StatusCacheAndClaims(t *testing.T) {
	r := openRedis(t)
	ctx := context.Background()
	ref := "TEST-" + uuid.NewString()
	defer r.Delete(ctx, statusKey(ref))
	defer r.Delete(ctx, pollKey(ref))

	cached, err := r.GetCachedStatus(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, cached)

	require.NoError(t, r.CacheStatus(ctx, api.StatusUpdate{ReferenceID: ref, State: api.StateUnderVerification}, time.Minute))
	cached, err = r.GetCachedStatus(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, api.StateUnderVerification, cached.State)

	claimed, err := r.ClaimPoll(ctx, ref, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	claimed, _ = r.ClaimPoll(ctx, ref, time.Minute)
	assert.False(t, claimed)
	require.NoError(t, r.ReleasePoll(ctx, ref))
	claimed, _ = r.ClaimPoll(ctx, ref, time.Minute)
	assert.True(t, claimed)
}

func TestRedisService_EnqueueOncePerReference(t *testing.T) {
	r := openRedis(t)
	ctx := context.Background()
	ref := "TXN-" + uuid.NewString()
	defer r.Client.LRem(ctx, statusQueue, 0, ref)
	defer r.Delete(ctx, queuedKey(ref))

	occurrences := func() int {
		items, err := r.Client.LRange(ctx, statusQueue, 0, -1).Result()
		require.NoError(t, err)
		n := 0
		for _, item := range items {
			if item == ref {
				n++
			}
		}
		return n
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, r.EnqueueReference(ctx, ref))
	}
	assert.Equal(t, 1, occurrences())

	require.NoError(t, r.FinishReference(ctx, ref))
	require.NoError(t, r.EnqueueReference(ctx, ref))
	assert.Equal(t, 2, occurrences())
}

func TestRedisTokenStore(t *testing.T) {
	r := openRedis(t)
	ctx := context.Background()
	store := NewRedisTokenStore(r, "test:tokens:"+uuid.NewString())
	defer store.Clear(ctx)

	require.NoError(t, store.SeedTokens(ctx, client.Tokens{Access: "a1", Refresh: "r1"}))
	require.NoError(t, store.SeedTokens(ctx, client.Tokens{Access: "ignored"}))
	tokens, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, client.Tokens{Access: "a1", Refresh: "r1"}, tokens)

	require.NoError(t, store.Clear(ctx))
	tokens, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, tokens.Access)
}
