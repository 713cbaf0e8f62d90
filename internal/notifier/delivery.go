// Package notifier selects unseen wallpapers for subscribers and hands them to the
// delivery transport on a fixed schedule.
package notifier

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/wallbot/internal/storage"
)

// Reason classifies a failed delivery.
type Reason string

const (
	// ReasonRecipientGone means the chat no longer accepts messages from the bot.
	ReasonRecipientGone Reason = "recipient_gone"
	// ReasonTransient means the send may succeed on a later tick.
	ReasonTransient Reason = "transient"
)

// DeliveryError is returned by a Sender when a send fails.
type DeliveryError struct {
	Reason Reason
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed (%s): %v", e.Reason, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsRecipientGone reports whether err means the subscriber should be unsubscribed.
// Errors that are not a *DeliveryError count as transient.
func IsRecipientGone(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Reason == ReasonRecipientGone
}

// Receipt is the transport's acknowledgment of a successful send.
type Receipt struct {
	// FileID is the transport's handle for the uploaded media, reusable for later sends.
	FileID string
}

// Sender is the delivery transport.
type Sender interface {
	Send(ctx context.Context, chatID int64, w *storage.Wallpaper) (Receipt, error)
}
