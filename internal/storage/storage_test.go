package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) (*Database, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "wallpapers.db")
	db, err := NewDatabase(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func newMockClock() *clock.Mock {
	c := clock.NewMock()
	c.Set(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return c
}

func wallpaper(src Source, id string, safety Safety, tags ...string) *Wallpaper {
	return &Wallpaper{
		Source:       src,
		SourceID:     id,
		URL:          fmt.Sprintf("https://img.example.com/%s/%s.jpg", src, id),
		ThumbnailURL: fmt.Sprintf("https://img.example.com/%s/%s_s.jpg", src, id),
		Safety:       safety,
		Tags:         tags,
		Width:        1920,
		Height:       1080,
		Size:         1 << 20,
	}
}

func countRows(t *testing.T, db *Database, key DedupKey) int {
	t.Helper()
	var n int
	err := db.Get(&n, db.Rebind(`SELECT COUNT(*) FROM wallpapers WHERE source = ? AND source_id = ?`), key.Source, key.SourceID)
	require.NoError(t, err)
	return n
}

func TestUpsert_InsertUpdateUnchanged(t *testing.T) {
	db, _ := newTestDB(t)
	clk := newMockClock()
	store := NewWallpaperStore(db).WithClock(clk)
	ctx := context.Background()

	res, err := store.Upsert(ctx, wallpaper(SourceWallhaven, "42", SafetySFW, "forest"))
	require.NoError(t, err)
	assert.Equal(t, UpsertInserted, res)
	firstFetched := clk.Now()

	clk.Add(time.Hour)
	res, err = store.Upsert(ctx, wallpaper(SourceWallhaven, "42", SafetySFW, "forest"))
	require.NoError(t, err)
	assert.Equal(t, UpsertUnchanged, res)

	clk.Add(time.Hour)
	res, err = store.Upsert(ctx, wallpaper(SourceWallhaven, "42", SafetyNSFW, "lake", "Night"))
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, res)

	key := DedupKey{Source: SourceWallhaven, SourceID: "42"}
	assert.Equal(t, 1, countRows(t, db, key))

	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Tags{"lake", "night"}, got.Tags)
	assert.Equal(t, SafetyNSFW, got.Safety)
	assert.Equal(t, 2, got.Revision)
	assert.True(t, got.FetchedAt.Equal(firstFetched), "fetched_at must not change: %v", got.FetchedAt)
	assert.True(t, got.UpdatedAt.After(firstFetched))
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	db, _ := newTestDB(t)
	store := NewWallpaperStore(db)

	w := wallpaper(SourceUnsplash, "", SafetySFW)
	_, err := store.Upsert(context.Background(), w)
	require.ErrorIs(t, err, ErrInvalidWallpaper)

	w = wallpaper(SourceUnsplash, "x", SafetySFW)
	w.URL = "ftp://nope/file.jpg"
	_, err = store.Upsert(context.Background(), w)
	require.ErrorIs(t, err, ErrInvalidWallpaper)

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsert_FileIDClearedWhenURLChanges(t *testing.T) {
	db, _ := newTestDB(t)
	store := NewWallpaperStore(db)
	ctx := context.Background()
	key := DedupKey{Source: SourceCivitai, SourceID: "9"}

	_, err := store.Upsert(ctx, wallpaper(SourceCivitai, "9", SafetySFW))
	require.NoError(t, err)
	first, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.NoError(t, store.SetFileID(ctx, key, first.URL, "file-1"))

	// tag refresh keeps the cached file
	_, err = store.Upsert(ctx, wallpaper(SourceCivitai, "9", SafetySFW, "new"))
	require.NoError(t, err)
	got, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "file-1", got.FileID)

	moved := wallpaper(SourceCivitai, "9", SafetySFW, "new")
	moved.URL = "https://img.example.com/moved.jpg"
	_, err = store.Upsert(ctx, moved)
	require.NoError(t, err)
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got.FileID)

	// a send of the old image that finishes after the move must not cache its id
	require.NoError(t, store.SetFileID(ctx, key, first.URL, "file-stale"))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, got.FileID)

	require.NoError(t, store.SetFileID(ctx, key, moved.URL, "file-2"))
	got, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "file-2", got.FileID)
}

func TestUpsert_ConcurrentWritersSameKey(t *testing.T) {
	db, path := newTestDB(t)

	// A second handle on the same file stands in for an independent crawler process.
	other, err := NewDatabase(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	stores := []*WallpaperStore{NewWallpaperStore(db), NewWallpaperStore(other)}
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := wallpaper(SourceWallhaven, "race", SafetySFW, fmt.Sprintf("tag%02d", i))
			_, err := stores[i%2].Upsert(ctx, w)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	key := DedupKey{Source: SourceWallhaven, SourceID: "race"}
	assert.Equal(t, 1, countRows(t, db, key))

	got, err := stores[0].Get(ctx, key)
	require.NoError(t, err)
	require.Len(t, got.Tags, 1)
	assert.Regexp(t, `^tag\d{2}$`, got.Tags[0])
}

func TestRandomUnseen_SafetyAndLedger(t *testing.T) {
	db, _ := newTestDB(t)
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

	filter := Filter{Safety: PrefSFWOnly.Allowed()}
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

	// another chat still sees everything
	w, err := walls.RandomUnseen(ctx, 8, filter)
	require.NoError(t, err)
	assert.Equal(t, SafetySFW, w.Safety)
}

func TestSample_Filters(t *testing.T) {
	db, _ := newTestDB(t)
	walls := NewWallpaperStore(db)
	ctx := context.Background()

	big := wallpaper(SourceUnsplash, "big", SafetySFW)
	big.Size = 20 << 20
	_, err := walls.Upsert(ctx, big)
	require.NoError(t, err)

	_, err = walls.Sample(ctx, Filter{Safety: []Safety{SafetySFW}, MaxSize: 5 << 20})
	assert.ErrorIs(t, err, ErrNotFound)

	unknownSize := wallpaper(SourceUnsplash, "unknown-size", SafetySFW)
	unknownSize.Size = 0
	_, err = walls.Upsert(ctx, unknownSize)
	require.NoError(t, err)

	w, err := walls.Sample(ctx, Filter{Safety: []Safety{SafetySFW}, MaxSize: 5 << 20, MaxWidth: 10000, MaxHeight: 10000})
	require.NoError(t, err)
	assert.Equal(t, "unknown-size", w.SourceID)

	_, err = walls.Sample(ctx, Filter{Safety: []Safety{SafetyNSFW}})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubscribe_Idempotent(t *testing.T) {
	db, _ := newTestDB(t)
	subs := NewSubscriptionStore(db)
	ctx := context.Background()

	req := SubscribeRequest{ChatID: 100, ChatType: "private", Title: "alice"}
	require.NoError(t, subs.Subscribe(ctx, req))
	require.NoError(t, subs.Subscribe(ctx, req))

	var n int
	require.NoError(t, db.Get(&n, `SELECT COUNT(*) FROM subscribers`))
	assert.Equal(t, 1, n)

	sub, err := subs.Get(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, PrefSFWOnly, sub.SafetyPref)
	assert.False(t, sub.LastServedAt.Valid)
}

func TestSubscribe_PreferenceKeptUnlessGiven(t *testing.T) {
	db, _ := newTestDB(t)
	subs := NewSubscriptionStore(db)
	ctx := context.Background()

	require.NoError(t, subs.Subscribe(ctx, SubscribeRequest{ChatID: 5, SafetyPref: PrefNSFWAllowed}))
	require.NoError(t, subs.Unsubscribe(ctx, 5))
	require.NoError(t, subs.Subscribe(ctx, SubscribeRequest{ChatID: 5}))

	sub, err := subs.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, PrefNSFWAllowed, sub.SafetyPref)

	require.NoError(t, subs.Subscribe(ctx, SubscribeRequest{ChatID: 5, SafetyPref: PrefSFWOnly}))
	sub, err = subs.Get(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, PrefSFWOnly, sub.SafetyPref)
}

func TestUnsubscribe_RepeatAndUnknown(t *testing.T) {
	db, _ := newTestDB(t)
	subs := NewSubscriptionStore(db)
	ctx := context.Background()

	require.NoError(t, subs.Unsubscribe(ctx, 404))

	require.NoError(t, subs.Subscribe(ctx, SubscribeRequest{ChatID: 1}))
	require.NoError(t, subs.Unsubscribe(ctx, 1))
	require.NoError(t, subs.Unsubscribe(ctx, 1))

	sub, err := subs.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusUnsubscribed, sub.Status)

	active, err := subs.ActiveSubscribers(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = subs.Get(ctx, 404)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordDelivery_LastServedMonotonic(t *testing.T) {
	db, _ := newTestDB(t)
	subs := NewSubscriptionStore(db)
	ctx := context.Background()
	require.NoError(t, subs.Subscribe(ctx, SubscribeRequest{ChatID: 3}))

	later := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Hour)
	k1 := DedupKey{Source: SourceGitHub, SourceID: "a.jpg"}
	k2 := DedupKey{Source: SourceGitHub, SourceID: "b.jpg"}

	require.NoError(t, subs.RecordDelivery(ctx, 3, k1, later))
	require.NoError(t, subs.RecordDelivery(ctx, 3, k2, earlier))
	// repeating a record is harmless
	require.NoError(t, subs.RecordDelivery(ctx, 3, k1, later))

	sub, err := subs.Get(ctx, 3)
	require.NoError(t, err)
	require.True(t, sub.LastServedAt.Valid)
	assert.True(t, sub.LastServedAt.Time.Equal(later), "got %v", sub.LastServedAt.Time)

	ok, err := subs.IsDelivered(ctx, 3, k2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = subs.IsDelivered(ctx, 4, k2)
	require.NoError(t, err)
	assert.False(t, ok)
}
