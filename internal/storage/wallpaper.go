package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/jmoiron/sqlx"
)

// ErrNotFound is returned when no stored row matches. For selections it means "nothing to send now".
var ErrNotFound = errors.New("not found")

// WallpaperStore is the repository of crawled wallpapers and the only write path into the wallpapers table.
type WallpaperStore struct {
	db    *Database
	clock clock.Clock
}

// NewWallpaperStore creates a new wallpaper store.
func NewWallpaperStore(db *Database) *WallpaperStore {
	return &WallpaperStore{db: db, clock: clock.New()}
}

// WithClock replaces the clock used to stamp rows.
func (s *WallpaperStore) WithClock(c clock.Clock) *WallpaperStore {
	s.clock = c
	return s
}

// upsertQuery is one atomic statement: concurrent writers of the same key are serialized by the
// primary key conflict, and the last one to execute wins on every mutable column. fetched_at is
// only written by the insert branch. The WHERE clause skips no-op refreshes, so RETURNING yields
// no row for unchanged items, revision 1 for inserts and a higher revision for updates.
const upsertQuery = `
	INSERT INTO wallpapers (
		source, source_id, url, thumbnail_url, page_url, safety, tags, author, author_url,
		description, category, width, height, size, mime_type, file_id, revision, fetched_at, updated_at
	) VALUES (
		:source, :source_id, :url, :thumbnail_url, :page_url, :safety, :tags, :author, :author_url,
		:description, :category, :width, :height, :size, :mime_type, '', 1, :fetched_at, :updated_at
	)
	ON CONFLICT (source, source_id) DO UPDATE SET
		url = excluded.url,
		thumbnail_url = excluded.thumbnail_url,
		page_url = excluded.page_url,
		safety = excluded.safety,
		tags = excluded.tags,
		author = excluded.author,
		author_url = excluded.author_url,
		description = excluded.description,
		category = excluded.category,
		width = excluded.width,
		height = excluded.height,
		size = excluded.size,
		mime_type = excluded.mime_type,
		file_id = CASE WHEN wallpapers.url = excluded.url THEN wallpapers.file_id ELSE '' END,
		revision = wallpapers.revision + 1,
		updated_at = excluded.updated_at
	WHERE wallpapers.url <> excluded.url
		OR wallpapers.thumbnail_url <> excluded.thumbnail_url
		OR wallpapers.page_url <> excluded.page_url
		OR wallpapers.safety <> excluded.safety
		OR wallpapers.tags <> excluded.tags
		OR wallpapers.author <> excluded.author
		OR wallpapers.author_url <> excluded.author_url
		OR wallpapers.description <> excluded.description
		OR wallpapers.category <> excluded.category
		OR wallpapers.width <> excluded.width
		OR wallpapers.height <> excluded.height
		OR wallpapers.size <> excluded.size
		OR wallpapers.mime_type <> excluded.mime_type
	RETURNING revision
`

// Upsert inserts the wallpaper or refreshes the stored row with the same dedup key.
// The wallpaper is normalized and validated first; invalid items never reach the table.
func (s *WallpaperStore) Upsert(ctx context.Context, w *Wallpaper) (UpsertResult, error) {
	w.Normalize()
	if err := w.Validate(); err != nil {
		return "", err
	}

	now := dbTime(s.clock.Now())
	row := *w
	row.FetchedAt = now
	row.UpdatedAt = now

	query, args, err := s.db.BindNamed(upsertQuery, &row)
	if err != nil {
		return "", fmt.Errorf("failed to bind upsert: %w", err)
	}

	var revision int
	err = s.db.GetContext(ctx, &revision, query, args...)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return UpsertUnchanged, nil
	case err != nil:
		return "", fmt.Errorf("failed to upsert %s: %w", w.Key(), err)
	case revision == 1:
		return UpsertInserted, nil
	default:
		return UpsertUpdated, nil
	}
}

// Get returns the stored wallpaper with the given key.
func (s *WallpaperStore) Get(ctx context.Context, key DedupKey) (*Wallpaper, error) {
	var w Wallpaper
	query := s.db.Rebind(`SELECT * FROM wallpapers WHERE source = ? AND source_id = ?`)
	err := s.db.GetContext(ctx, &w, query, key.Source, key.SourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// Sample returns a uniformly random wallpaper matching the filter, or ErrNotFound.
func (s *WallpaperStore) Sample(ctx context.Context, f Filter) (*Wallpaper, error) {
	return s.pick(ctx, f, "")
}

// RandomUnseen returns a uniformly random wallpaper matching the filter that has no delivery
// record for chatID, or ErrNotFound when every eligible wallpaper was already sent.
func (s *WallpaperStore) RandomUnseen(ctx context.Context, chatID int64, f Filter) (*Wallpaper, error) {
	return s.pick(ctx, f, `NOT EXISTS (
		SELECT 1 FROM deliveries d
		WHERE d.chat_id = ? AND d.source = w.source AND d.source_id = w.source_id
	)`, chatID)
}

func (s *WallpaperStore) pick(ctx context.Context, f Filter, extra string, extraArgs ...any) (*Wallpaper, error) {
	conds, args := f.conditions()
	if extra != "" {
		conds = append(conds, extra)
		args = append(args, extraArgs...)
	}

	query := `SELECT w.* FROM wallpapers w`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	query += ` ORDER BY RANDOM() LIMIT 1`

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand filter: %w", err)
	}

	var w Wallpaper
	err = s.db.GetContext(ctx, &w, s.db.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select wallpaper: %w", err)
	}
	return &w, nil
}

// conditions renders the filter as SQL predicates over alias w.
func (f Filter) conditions() ([]string, []any) {
	var (
		conds []string
		args  []any
	)
	if len(f.Safety) > 0 {
		conds = append(conds, `w.safety IN (?)`)
		args = append(args, f.Safety)
	}
	if f.MaxSize > 0 {
		conds = append(conds, `w.size <= ?`)
		args = append(args, f.MaxSize)
	}
	if f.MaxWidth > 0 {
		conds = append(conds, `w.width <= ?`)
		args = append(args, f.MaxWidth)
	}
	if f.MaxHeight > 0 {
		conds = append(conds, `w.height <= ?`)
		args = append(args, f.MaxHeight)
	}
	return conds, args
}

// SetFileID caches the Telegram file_id for a wallpaper so later sends skip the remote download.
// sentURL is the image URL the file was uploaded from; if an upsert has moved the row to
// another URL since, the id belongs to the old image and nothing is written.
func (s *WallpaperStore) SetFileID(ctx context.Context, key DedupKey, sentURL, fileID string) error {
	query := s.db.Rebind(`UPDATE wallpapers SET file_id = ? WHERE source = ? AND source_id = ? AND url = ?`)
	_, err := s.db.ExecContext(ctx, query, fileID, key.Source, key.SourceID, sentURL)
	return err
}

// Count returns the number of stored wallpapers.
func (s *WallpaperStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM wallpapers`)
	return n, err
}
