package storage

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newPostgresDB connects to the database named by WALLBOT_TEST_POSTGRES_DSN and empties
// the wallbot tables. The DSN must point at a throwaway database.
func newPostgresDB(t *testing.T) *Database {
	t.Helper()

	dsn := os.Getenv("WALLBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("WALLBOT_TEST_POSTGRES_DSN not set")
	}
	require.True(t, isPostgres(dsn), "WALLBOT_TEST_POSTGRES_DSN must be a postgres:// URL")

	db, err := NewDatabase(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`TRUNCATE wallpapers, subscribers, deliveries`)
	require.NoError(t, err)
	return db
}

func TestPostgres_Upsert(t *testing.T) {
	db := newPostgresDB(t)
	clk := newMockClock()
	store := NewWallpaperStore(db).WithClock(clk)
	ctx := context.Background()
	key := DedupKey{Source: SourceWallhaven, SourceID: "42"}

	res, err := store.Upsert(ctx, wallpaper(SourceWallhaven, "42", SafetySFW, "forest"))
	require.NoError(t, err)
	assert.Equal(t, UpsertInserted, res)
	firstFetched := clk.Now()

	clk.Add(time.Hour)
	res, err = store.Upsert(ctx, wallpaper(SourceWallhaven, "42", SafetySFW, "forest"))
	require.NoError(t, err)
	assert.Equal(t, UpsertUnchanged, res)

	clk.Add(time.Hour)
	res, err = store.Upsert(ctx, wallpaper(SourceWallhaven, "42", SafetyNSFW, "lake"))
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, res)

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Tags{"lake"}, got.Tags)
	assert.Equal(t, SafetyNSFW, got.Safety)
	assert.Equal(t, 2, got.Revision)
	assert.True(t, got.FetchedAt.Equal(firstFetched), "fetched_at must not change: %v", got.FetchedAt)

	require.NoError(t, store.SetFileID(ctx, key, got.URL, "file-1"))
	moved := wallpaper(SourceWallhaven, "42", SafetyNSFW, "lake")
	moved.URL = "https://img.example.com/moved.jpg"
	_, err = store.Upsert(ctx, moved)
	require.NoError(t, err)
	require.NoError(t, store.SetFileID(ctx, key, got.URL, "file-stale"))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got.FileID)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := NewWallpaperStore(db).Upsert(ctx, wallpaper(SourceWallhaven, "race", SafetySFW, "t"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, countRows(t, db, DedupKey{Source: SourceWallhaven, SourceID: "race"}))
}

func TestPostgres_RandomUnseen(t *testing.T) {
	db := newPostgresDB(t)
	walls := NewWallpaperStore(db)
	subs := NewSubscriptionStore(db)
	ctx := context.Background()

	for _, id := range []string{"s1", "s2", "s3"} {
		_, err := walls.Upsert(ctx, wallpaper(SourceWallhere, id, SafetySFW))
		require.NoError(t, err)
	}
	for _, id := range []string{"n1", "n2"} {
		_, err := walls.Upsert(ctx, wallpaper(SourceWallhere, id, SafetyNSFW))
		require.NoError(t, err)
	}
	require.NoError(t, subs.Subscribe(ctx, SubscribeRequest{ChatID: 7, SafetyPref: PrefSFWOnly}))

	filter := Filter{Safety: PrefSFWOnly.Allowed(), MaxSize: 5 << 20, MaxWidth: 10000, MaxHeight: 10000}
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		w, err := walls.RandomUnseen(ctx, 7, filter)
		require.NoError(t, err)
		assert.Equal(t, SafetySFW, w.Safety)
		assert.False(t, seen[w.SourceID], "returned an already delivered item %s", w.SourceID)
		seen[w.SourceID] = true
		require.NoError(t, subs.RecordDelivery(ctx, 7, w.Key(), time.Now()))
	}

	_, err := walls.RandomUnseen(ctx, 7, filter)
	assert.ErrorIs(t, err, ErrNotFound)

	w, err := walls.Sample(ctx, Filter{Safety: []Safety{SafetyNSFW}})
	require.NoError(t, err)
	assert.Equal(t, SafetyNSFW, w.Safety)
}

func TestPostgres_Subscriptions(t *testing.T) {
	db := newPostgresDB(t)
	clk := newMockClock()
	subs := NewSubscriptionStore(db).WithClock(clk)
	ctx := context.Background()

	require.NoError(t, subs.Subscribe(ctx, SubscribeRequest{ChatID: 100, SafetyPref: PrefNSFWAllowed}))
	require.NoError(t, subs.Subscribe(ctx, SubscribeRequest{ChatID: 100}))

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM subscribers`))
	assert.Equal(t, 1, n)

	sub, err := subs.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, PrefNSFWAllowed, sub.SafetyPref)

	key := DedupKey{Source: SourceCivitai, SourceID: "1"}
	later := clk.Now().Add(time.Hour)
	require.NoError(t, subs.RecordDelivery(ctx, 100, key, later))
	require.NoError(t, subs.RecordDelivery(ctx, 100, key, clk.Now()))
	sub, err = subs.Get(ctx, 100)
	require.NoError(t, err)
	require.True(t, sub.LastServedAt.Valid)
	assert.True(t, sub.LastServedAt.Time.Equal(later))

	delivered, err := subs.IsDelivered(ctx, 100, key)
	require.NoError(t, err)
	assert.True(t, delivered)

	require.NoError(t, subs.Unsubscribe(ctx, 100))
	require.NoError(t, subs.Unsubscribe(ctx, 100))
	require.NoError(t, subs.Unsubscribe(ctx, 404))
	active, err := subs.CountActive(ctx)
	require.NoError(t, err)
	assert.Zero(t, active)
}
