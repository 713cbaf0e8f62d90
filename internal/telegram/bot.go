// Package telegram provides Telegram bot functionality.
package telegram

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/wallbot/pkg/logger"
)

// NewAPI authorizes the bot token. Requests go through client, which carries the proxy.
func NewAPI(token string, debug bool, client *http.Client) (*tgbotapi.BotAPI, error) {
	return NewAPIWithEndpoint(token, tgbotapi.APIEndpoint, debug, client)
}

// NewAPIWithEndpoint is NewAPI against a custom Bot API server.
func NewAPIWithEndpoint(token, endpoint string, debug bool, client *http.Client) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, client)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	api.Debug = debug

	logger.Info().Str("username", api.Self.UserName).Msg("Telegram bot authorized")
	return api, nil
}

// Bot represents the Telegram bot update loop.
type Bot struct {
	api      *tgbotapi.BotAPI
	handlers *Handlers
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBot creates a new Telegram bot instance.
func NewBot(api *tgbotapi.BotAPI, handlers *Handlers) *Bot {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bot{
		api:      api,
		handlers: handlers,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening for updates.
func (b *Bot) Start() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "channel_post", "my_chat_member"}

	updates := b.api.GetUpdatesChan(u)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-b.ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				// each update gets its own goroutine; Stop waits for them
				b.wg.Add(1)
				go func() {
					defer b.wg.Done()
					b.handlers.HandleUpdate(b.ctx, update)
				}()
			}
		}
	}()

	logger.Info().Msg("Telegram bot started, listening for updates")
}

// Stop gracefully stops the bot.
func (b *Bot) Stop() {
	logger.Info().Msg("Stopping Telegram bot")
	b.cancel()
	b.api.StopReceivingUpdates()
	b.wg.Wait()
}
