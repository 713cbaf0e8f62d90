package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// SubscriptionStore handles subscriber and delivery ledger operations.
type SubscriptionStore struct {
	db    *Database
	clock clock.Clock
}

// NewSubscriptionStore creates a new subscription store.
func NewSubscriptionStore(db *Database) *SubscriptionStore {
	return &SubscriptionStore{db: db, clock: clock.New()}
}

// WithClock replaces the clock used to stamp rows.
func (s *SubscriptionStore) WithClock(c clock.Clock) *SubscriptionStore {
	s.clock = c
	return s
}

// SubscribeRequest describes a /subscribe call. An empty SafetyPref keeps the stored preference
// (new rows default to PrefSFWOnly).
type SubscribeRequest struct {
	ChatID     int64
	ChatType   string
	Title      string
	SafetyPref SafetyPref
}

// Subscribe activates the subscriber, creating the row on first use. Repeating it never duplicates the row.
func (s *SubscriptionStore) Subscribe(ctx context.Context, req SubscribeRequest) error {
	pref := req.SafetyPref
	setPref := pref != ""
	if !setPref {
		pref = PrefSFWOnly
	}
	now := dbTime(s.clock.Now())

	query := s.db.Rebind(`
		INSERT INTO subscribers (chat_id, chat_type, title, safety_pref, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id) DO UPDATE SET
			chat_type = excluded.chat_type,
			title = excluded.title,
			safety_pref = CASE WHEN ? THEN excluded.safety_pref ELSE subscribers.safety_pref END,
			status = excluded.status,
			updated_at = excluded.updated_at
	`)
	_, err := s.db.ExecContext(ctx, query,
		req.ChatID, req.ChatType, req.Title, pref, StatusActive, now, now, setPref)
	if err != nil {
		return fmt.Errorf("failed to subscribe chat %d: %w", req.ChatID, err)
	}
	return nil
}

// Unsubscribe marks the subscriber as unsubscribed. Unknown chats are a no-op.
func (s *SubscriptionStore) Unsubscribe(ctx context.Context, chatID int64) error {
	query := s.db.Rebind(`UPDATE subscribers SET status = ?, updated_at = ? WHERE chat_id = ?`)
	if _, err := s.db.ExecContext(ctx, query, StatusUnsubscribed, dbTime(s.clock.Now()), chatID); err != nil {
		return fmt.Errorf("failed to unsubscribe chat %d: %w", chatID, err)
	}
	return nil
}

// Get returns a subscriber by chat id.
func (s *SubscriptionStore) Get(ctx context.Context, chatID int64) (*Subscriber, error) {
	var sub Subscriber
	err := s.db.GetContext(ctx, &sub, s.db.Rebind(`SELECT * FROM subscribers WHERE chat_id = ?`), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

// ActiveSubscribers returns every subscriber with ACTIVE status.
func (s *SubscriptionStore) ActiveSubscribers(ctx context.Context) ([]Subscriber, error) {
	var subs []Subscriber
	query := s.db.Rebind(`SELECT * FROM subscribers WHERE status = ? ORDER BY chat_id`)
	err := s.db.SelectContext(ctx, &subs, query, StatusActive)
	return subs, err
}

// CountActive returns the number of active subscribers.
func (s *SubscriptionStore) CountActive(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM subscribers WHERE status = ?`), StatusActive)
	return n, err
}

// RecordDelivery writes the delivery record and advances last_served_at in one transaction.
// It must only be called after the transport confirmed the send. last_served_at never moves backwards.
func (s *SubscriptionStore) RecordDelivery(ctx context.Context, chatID int64, key DedupKey, at time.Time) error {
	at = dbTime(at)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin delivery transaction: %w", err)
	}
	defer tx.Rollback()

	insert := tx.Rebind(`
		INSERT INTO deliveries (chat_id, source, source_id, delivered_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (chat_id, source, source_id) DO NOTHING
	`)
	if _, err := tx.ExecContext(ctx, insert, chatID, key.Source, key.SourceID, at); err != nil {
		return fmt.Errorf("failed to record delivery: %w", err)
	}

	advance := tx.Rebind(`
		UPDATE subscribers SET last_served_at = ?
		WHERE chat_id = ? AND (last_served_at IS NULL OR last_served_at < ?)
	`)
	if _, err := tx.ExecContext(ctx, advance, at, chatID, at); err != nil {
		return fmt.Errorf("failed to advance last_served_at: %w", err)
	}

	return tx.Commit()
}

// IsDelivered reports whether the wallpaper was already sent to the chat.
func (s *SubscriptionStore) IsDelivered(ctx context.Context, chatID int64, key DedupKey) (bool, error) {
	var count int
	query := s.db.Rebind(`
		SELECT COUNT(*) FROM deliveries
		WHERE chat_id = ? AND source = ? AND source_id = ?
	`)
	err := s.db.GetContext(ctx, &count, query, chatID, key.Source, key.SourceID)
	return count > 0, err
}
