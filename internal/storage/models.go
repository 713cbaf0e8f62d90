// Package storage provides database operations and data models.
package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Source identifies the adapter a wallpaper was crawled from.
type Source string

const (
	SourceWallhaven Source = "wallhaven"
	SourceWallhere  Source = "wallhere"
	SourceUnsplash  Source = "unsplash"
	SourceCivitai   Source = "civitai"
	SourceGitHub    Source = "github"
)

// AllSources returns every source the repository accepts.
func AllSources() []Source {
	return []Source{
		SourceWallhaven,
		SourceWallhere,
		SourceUnsplash,
		SourceCivitai,
		SourceGitHub,
	}
}

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	for _, known := range AllSources() {
		if s == known {
			return true
		}
	}
	return false
}

// Safety is the content-safety classification of a wallpaper.
type Safety string

const (
	SafetySFW     Safety = "sfw"
	SafetyNSFW    Safety = "nsfw"
	SafetyUnknown Safety = "unknown"
)

// Valid reports whether s is a known classification.
func (s Safety) Valid() bool {
	return s == SafetySFW || s == SafetyNSFW || s == SafetyUnknown
}

// SafetyPref is a subscriber's content preference.
type SafetyPref string

const (
	PrefSFWOnly     SafetyPref = "sfw_only"
	PrefNSFWAllowed SafetyPref = "nsfw_allowed"
)

// Allowed returns the safety classes a subscriber with this preference may receive.
// Unknown content is only served when NSFW is allowed.
func (p SafetyPref) Allowed() []Safety {
	if p == PrefNSFWAllowed {
		return []Safety{SafetySFW, SafetyNSFW, SafetyUnknown}
	}
	return []Safety{SafetySFW}
}

// SubscriberStatus is the lifecycle state of a subscriber row.
type SubscriberStatus string

const (
	StatusActive       SubscriberStatus = "active"
	StatusUnsubscribed SubscriberStatus = "unsubscribed"
)

// DedupKey uniquely identifies one wallpaper across all sources.
type DedupKey struct {
	Source   Source
	SourceID string
}

func (k DedupKey) String() string {
	return string(k.Source) + ":" + k.SourceID
}

// Tags is a normalized tag set stored as a comma separated column.
type Tags []string

// NormalizeTags trims, lowercases, de-duplicates and sorts tags. Commas are not allowed inside a tag.
func NormalizeTags(in []string) Tags {
	seen := make(map[string]struct{}, len(in))
	out := make(Tags, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(t, ",", " ")))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Value implements driver.Valuer.
func (t Tags) Value() (driver.Value, error) {
	return strings.Join(t, ","), nil
}

// Scan implements sql.Scanner.
func (t *Tags) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported tags column type %T", src)
	}
	if s == "" {
		*t = nil
		return nil
	}
	*t = strings.Split(s, ",")
	return nil
}

// Wallpaper is the canonical representation of one piece of content and its provenance.
// URLs always point at the remote site; nothing is re-hosted.
type Wallpaper struct {
	Source       Source    `db:"source"`
	SourceID     string    `db:"source_id"`
	URL          string    `db:"url"`
	ThumbnailURL string    `db:"thumbnail_url"`
	PageURL      string    `db:"page_url"`
	Safety       Safety    `db:"safety"`
	Tags         Tags      `db:"tags"`
	Author       string    `db:"author"`
	AuthorURL    string    `db:"author_url"`
	Description  string    `db:"description"`
	Category     string    `db:"category"`
	Width        int       `db:"width"`
	Height       int       `db:"height"`
	Size         int64     `db:"size"`
	MimeType     string    `db:"mime_type"`
	FileID       string    `db:"file_id"` // Telegram file_id of the first successful send
	Revision     int       `db:"revision"`
	FetchedAt    time.Time `db:"fetched_at"` // set at first insert, never mutated
	UpdatedAt    time.Time `db:"updated_at"`
}

// Key returns the dedup key of the wallpaper.
func (w *Wallpaper) Key() DedupKey {
	return DedupKey{Source: w.Source, SourceID: w.SourceID}
}

// Normalize trims identifiers, fills the thumbnail from the full URL and normalizes tags.
func (w *Wallpaper) Normalize() {
	w.SourceID = strings.TrimSpace(w.SourceID)
	w.URL = strings.TrimSpace(w.URL)
	w.ThumbnailURL = strings.TrimSpace(w.ThumbnailURL)
	if w.ThumbnailURL == "" {
		w.ThumbnailURL = w.URL
	}
	if w.Safety == "" {
		w.Safety = SafetyUnknown
	}
	w.Tags = NormalizeTags(w.Tags)
}

// ErrInvalidWallpaper is wrapped by every Validate failure.
var ErrInvalidWallpaper = errors.New("invalid wallpaper")

// Validate rejects items missing required fields. Items must pass before reaching the repository.
func (w *Wallpaper) Validate() error {
	switch {
	case !w.Source.Valid():
		return fmt.Errorf("%w: unknown source %q", ErrInvalidWallpaper, w.Source)
	case w.SourceID == "":
		return fmt.Errorf("%w: empty source id", ErrInvalidWallpaper)
	case !w.Safety.Valid():
		return fmt.Errorf("%w: unknown safety %q", ErrInvalidWallpaper, w.Safety)
	case w.Width < 0 || w.Height < 0 || w.Size < 0:
		return fmt.Errorf("%w: negative dimensions", ErrInvalidWallpaper)
	}
	if err := validateRemoteURL(w.URL); err != nil {
		return fmt.Errorf("%w: url: %v", ErrInvalidWallpaper, err)
	}
	if err := validateRemoteURL(w.ThumbnailURL); err != nil {
		return fmt.Errorf("%w: thumbnail url: %v", ErrInvalidWallpaper, err)
	}
	return nil
}

func validateRemoteURL(raw string) error {
	if raw == "" {
		return errors.New("empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http(s)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// UpsertResult reports what an upsert did to the stored row.
type UpsertResult string

const (
	UpsertInserted  UpsertResult = "inserted"
	UpsertUpdated   UpsertResult = "updated"
	UpsertUnchanged UpsertResult = "unchanged"
)

// Filter narrows content selection. Zero limits are not applied, and rows with unknown (zero)
// size or dimensions always pass the limits.
type Filter struct {
	Safety    []Safety
	MaxSize   int64
	MaxWidth  int
	MaxHeight int
}

// Subscriber is a chat or channel registered for push.
type Subscriber struct {
	ChatID       int64            `db:"chat_id"`
	ChatType     string           `db:"chat_type"` // private, group, supergroup, channel
	Title        string           `db:"title"`
	SafetyPref   SafetyPref       `db:"safety_pref"`
	Status       SubscriberStatus `db:"status"`
	CreatedAt    time.Time        `db:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at"`
	LastServedAt sql.NullTime     `db:"last_served_at"`
}

// DeliveryRecord marks an item as sent to a subscriber. It is written only after a confirmed send.
type DeliveryRecord struct {
	ChatID      int64     `db:"chat_id"`
	Source      Source    `db:"source"`
	SourceID    string    `db:"source_id"`
	DeliveredAt time.Time `db:"delivered_at"`
}
