package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/irfndi/kfold-ensemble-go/internal/logging"
	"github.com/irfndi/kfold-ensemble-go/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAssignment(fingerprint string) *models.FoldAssignment {
	return &models.FoldAssignment{
		FoldCount:   6,
		Fingerprint: fingerprint,
		ComputedAt:  time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC),
		Dates: []models.DateFold{
			{Date: time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC), Fold: models.FoldK1, PercentRank: 0},
			{Date: time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC), Fold: models.FoldK6, PercentRank: 1},
		},
	}
}

func setupRedisCache(t *testing.T, ttl time.Duration) (*miniredis.Miniredis, *RedisFoldCache) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisFoldCache(client, ttl, logging.NewNopLogger())
}

func TestRedisFoldCache_SetAndGet(t *testing.T) {
	ctx := context.Background()
	mr, c := setupRedisCache(t, time.Hour)

	_, ok := c.Get(ctx, "abc")
	assert.False(t, ok)

	want := sampleAssignment("abc")
	require.NoError(t, c.Set(ctx, want))
	assert.True(t, mr.Exists("fold_assignment:abc"))
	assert.True(t, mr.Exists("fold_assignment:latest"))
	assert.Equal(t, time.Hour, mr.TTL("fold_assignment:abc"))

	got, ok := c.Get(ctx, "abc")
	require.True(t, ok)
	assert.Equal(t, want, got)

	latest, ok := c.Latest(ctx)
	require.True(t, ok)
	assert.Equal(t, "abc", latest.Fingerprint)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Sets)
}

func TestRedisFoldCache_Expiry(t *testing.T) {
	ctx := context.Background()
	mr, c := setupRedisCache(t, time.Minute)

	require.NoError(t, c.Set(ctx, sampleAssignment("abc")))
	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(ctx, "abc")
	assert.False(t, ok)
	_, ok = c.Latest(ctx)
	assert.False(t, ok)
}

func TestRedisFoldCache_CorruptEntry(t *testing.T) {
	ctx := context.Background()
	mr, c := setupRedisCache(t, 0)

	require.NoError(t, mr.Set("fold_assignment:bad", "{not json"))
	_, ok := c.Get(ctx, "bad")
	assert.False(t, ok)
	assert.Equal(t, int64(1), c.Stats().Errors)
}

func TestRedisFoldCache_ServerDown(t *testing.T) {
	ctx := context.Background()
	mr, c := setupRedisCache(t, time.Hour)
	mr.Close()

	_, ok := c.Get(ctx, "abc")
	assert.False(t, ok)
	assert.Error(t, c.Set(ctx, sampleAssignment("abc")))
	assert.GreaterOrEqual(t, c.Stats().Errors, int64(2))
}

func TestRedisFoldCache_SetRequiresFingerprint(t *testing.T) {
	_, c := setupRedisCache(t, time.Hour)
	assert.Error(t, c.Set(context.Background(), &models.FoldAssignment{}))
	assert.Error(t, c.Set(context.Background(), nil))
}

func TestInMemoryFoldCache(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryFoldCache(time.Hour)
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	_, ok := c.Latest(ctx)
	assert.False(t, ok)

	original := sampleAssignment("abc")
	require.NoError(t, c.Set(ctx, original))
	original.Dates[0].Fold = models.FoldK3

	got, ok := c.Get(ctx, "abc")
	require.True(t, ok)
	assert.Equal(t, models.FoldK1, got.Dates[0].Fold)

	require.NoError(t, c.Set(ctx, sampleAssignment("def")))
	latest, ok := c.Latest(ctx)
	require.True(t, ok)
	assert.Equal(t, "def", latest.Fingerprint)

	now = now.Add(2 * time.Hour)
	_, ok = c.Get(ctx, "abc")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Sets)
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
}

func TestFoldCacheImplementations(t *testing.T) {
	var _ FoldCache = (*RedisFoldCache)(nil)
	var _ FoldCache = (*InMemoryFoldCache)(nil)
}
