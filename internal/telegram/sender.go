package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/wallbot/internal/notifier"
	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

// Descriptions Telegram returns with 400 when the chat is gone for good.
var goneDescriptions = []string{
	"chat not found",
	"bot was kicked",
	"bot was blocked",
	"user is deactivated",
	"need administrator rights",
	"not enough rights to send",
	"have no rights to send",
	"group chat was upgraded",
}

// Sender delivers wallpapers as photo messages. It implements notifier.Sender.
type Sender struct {
	api *tgbotapi.BotAPI
}

// NewSender creates a sender on top of api.
func NewSender(api *tgbotapi.BotAPI) *Sender {
	return &Sender{api: api}
}

// Send posts the wallpaper with its caption. A cached file id is tried first; when
// Telegram rejects it the remote URL is used instead.
func (s *Sender) Send(ctx context.Context, chatID int64, w *storage.Wallpaper) (notifier.Receipt, error) {
	if w.FileID != "" {
		receipt, err := s.sendPhoto(ctx, chatID, w, tgbotapi.FileID(w.FileID))
		if err == nil || !staleFileID(err) {
			return receipt, classify(err)
		}
		logger.Debug().Err(err).Str("key", w.Key().String()).Msg("Cached file id rejected, sending by URL")
	}

	receipt, err := s.sendPhoto(ctx, chatID, w, tgbotapi.FileURL(w.URL))
	return receipt, classify(err)
}

func (s *Sender) sendPhoto(ctx context.Context, chatID int64, w *storage.Wallpaper, file tgbotapi.RequestFileData) (notifier.Receipt, error) {
	photo := tgbotapi.NewPhoto(chatID, file)
	photo.Caption = BuildCaption(w)
	photo.ParseMode = tgbotapi.ModeMarkdownV2

	msg, err := sendContext(ctx, s.api, photo)
	if err != nil {
		return notifier.Receipt{}, err
	}

	var receipt notifier.Receipt
	if n := len(msg.Photo); n > 0 {
		receipt.FileID = msg.Photo[n-1].FileID
	}
	return receipt, nil
}

// sendContext bounds api.Send by ctx. The bot API client has no context support, so an
// abandoned request finishes in the background within the HTTP client timeout.
func sendContext(ctx context.Context, api *tgbotapi.BotAPI, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	type result struct {
		msg tgbotapi.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := api.Send(c)
		done <- result{msg: msg, err: err}
	}()

	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return tgbotapi.Message{}, fmt.Errorf("send: %w", ctx.Err())
	}
}

func staleFileID(err error) bool {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) || apiErr.Code != http.StatusBadRequest {
		return false
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "file identifier") || strings.Contains(msg, "file_id") || strings.Contains(msg, "wrong file")
}

// classify maps a send error to a delivery error. Only refusals that will not heal by
// themselves mark the recipient gone; everything else is retried on a later tick.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusForbidden {
			return &notifier.DeliveryError{Reason: notifier.ReasonRecipientGone, Err: err}
		}
		if apiErr.Code == http.StatusBadRequest {
			msg := strings.ToLower(apiErr.Message)
			for _, d := range goneDescriptions {
				if strings.Contains(msg, d) {
					return &notifier.DeliveryError{Reason: notifier.ReasonRecipientGone, Err: err}
				}
			}
		}
	}
	return &notifier.DeliveryError{Reason: notifier.ReasonTransient, Err: err}
}
