package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/wallbot/internal/storage"
	"github.com/user/wallbot/pkg/logger"
)

// Limits bounds the wallpapers served on demand.
type Limits struct {
	MaxFileSize  int64
	MaxDimension int
}

// Handlers manages command handling for the bot.
type Handlers struct {
	api       *tgbotapi.BotAPI
	walls     *storage.WallpaperStore
	subs      *storage.SubscriptionStore
	sender    *Sender
	limits    Limits
	startTime time.Time
}

// NewHandlers creates a new handlers instance.
func NewHandlers(api *tgbotapi.BotAPI, walls *storage.WallpaperStore, subs *storage.SubscriptionStore, limits Limits) *Handlers {
	return &Handlers{
		api:       api,
		walls:     walls,
		subs:      subs,
		sender:    NewSender(api),
		limits:    limits,
		startTime: time.Now(),
	}
}

// HandleUpdate routes one update.
func (h *Handlers) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.Message != nil && update.Message.IsCommand():
		h.HandleCommand(ctx, update.Message)
	case update.ChannelPost != nil && update.ChannelPost.IsCommand():
		h.HandleCommand(ctx, update.ChannelPost)
	case update.MyChatMember != nil:
		h.HandleMembership(ctx, update.MyChatMember)
	}
}

// HandleCommand routes commands to appropriate handlers.
func (h *Handlers) HandleCommand(ctx context.Context, msg *tgbotapi.Message) {
	command := msg.Command()
	args := strings.TrimSpace(msg.CommandArguments())

	logger.Debug().
		Str("command", command).
		Str("args", args).
		Int64("chat_id", msg.Chat.ID).
		Msg("Received command")

	switch command {
	case "start":
		h.handleStart(msg)
	case "help":
		h.handleHelp(msg)
	case "sfw":
		h.handleRandom(ctx, msg, storage.SafetySFW)
	case "nsfw":
		h.handleRandom(ctx, msg, storage.SafetyNSFW)
	case "subscribe", "sub":
		h.handleSubscribe(ctx, msg, args)
	case "unsubscribe", "unsub":
		h.handleUnsubscribe(ctx, msg)
	case "status":
		h.handleStatus(ctx, msg)
	default:
		h.sendReply(msg.Chat.ID, "未知命令。使用 /help 查看可用命令。")
	}
}

// HandleMembership follows the bot's own membership in channels: a channel where the bot
// can post is subscribed, a channel that removed the bot or its rights is unsubscribed.
func (h *Handlers) HandleMembership(ctx context.Context, upd *tgbotapi.ChatMemberUpdated) {
	chat := upd.Chat
	if !chat.IsChannel() {
		return
	}

	status := upd.NewChatMember.Status

	var (
		err    error
		action string
	)
	switch {
	case status == "administrator" && upd.NewChatMember.CanPostMessages:
		err = h.subs.Subscribe(ctx, storage.SubscribeRequest{
			ChatID:   chat.ID,
			ChatType: chat.Type,
			Title:    chatTitle(&chat),
		})
		action = "Channel subscribed"
	case status == "administrator", status == "member", status == "left", status == "kicked":
		err = h.subs.Unsubscribe(ctx, chat.ID)
		action = "Channel unsubscribed"
	default:
		return
	}
	if err != nil {
		logger.Error().Err(err).Int64("chat_id", chat.ID).Str("status", status).Msg("Failed to update channel subscription")
		return
	}
	logger.Info().Int64("chat_id", chat.ID).Str("status", status).Msg(action)
}

// handleStart sends a welcome message.
func (h *Handlers) handleStart(msg *tgbotapi.Message) {
	text := `👋 *欢迎使用爱壁纸机器人！*

我会从多个壁纸站点收集精美壁纸，随时为你送上一张。

*可用命令：*
/sfw \- 随机安全壁纸
/nsfw \- 随机非安全壁纸
/subscribe \- 订阅定时推送
/unsubscribe \- 取消订阅

使用 /help 查看所有命令。`

	h.sendMarkdown(msg.Chat.ID, text)
}

// handleHelp sends help information.
func (h *Handlers) handleHelp(msg *tgbotapi.Message) {
	text := `📚 *命令帮助*

*随机壁纸：*
• ` + "`/sfw`" + ` \- 随机安全壁纸
• ` + "`/nsfw`" + ` \- 随机非安全壁纸

*订阅管理：*
• ` + "`/subscribe`" + ` \- 订阅，保留当前偏好（新订阅默认仅安全内容）
• ` + "`/subscribe sfw`" + ` \- 订阅，仅推送安全内容
• ` + "`/subscribe nsfw`" + ` \- 订阅，允许推送非安全内容
• ` + "`/unsubscribe`" + ` \- 取消订阅
• ` + "`/status`" + ` \- 查看状态

💡 订阅后，每隔一段时间会为你推送一张没看过的壁纸。
把机器人设为频道管理员并允许发帖，频道会自动订阅。`

	h.sendMarkdown(msg.Chat.ID, text)
}

// handleRandom sends one random wallpaper of the given safety class.
func (h *Handlers) handleRandom(ctx context.Context, msg *tgbotapi.Message, safety storage.Safety) {
	w, err := h.walls.Sample(ctx, storage.Filter{
		Safety:    []storage.Safety{safety},
		MaxSize:   h.limits.MaxFileSize,
		MaxWidth:  h.limits.MaxDimension,
		MaxHeight: h.limits.MaxDimension,
	})
	if errors.Is(err, storage.ErrNotFound) {
		h.sendReply(msg.Chat.ID, "😢 暂时没有合适的壁纸，请稍后再试。")
		return
	}
	if err != nil {
		logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to sample wallpaper")
		h.sendReply(msg.Chat.ID, "❌ 获取壁纸失败，请稍后重试。")
		return
	}

	receipt, err := h.sender.Send(ctx, msg.Chat.ID, w)
	if err != nil {
		logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Str("key", w.Key().String()).Msg("Failed to send wallpaper")
		h.sendReply(msg.Chat.ID, "❌ 发送壁纸失败")
		return
	}
	if receipt.FileID != "" && receipt.FileID != w.FileID {
		if err := h.walls.SetFileID(ctx, w.Key(), w.URL, receipt.FileID); err != nil {
			logger.Warn().Err(err).Str("key", w.Key().String()).Msg("Failed to cache file id")
		}
	}
}

// handleSubscribe handles the subscribe command.
func (h *Handlers) handleSubscribe(ctx context.Context, msg *tgbotapi.Message, args string) {
	pref, err := parsePref(args)
	if err != nil {
		h.sendReply(msg.Chat.ID, "❌ 参数错误，格式: /subscribe [sfw|nsfw]")
		return
	}

	err = h.subs.Subscribe(ctx, storage.SubscribeRequest{
		ChatID:     msg.Chat.ID,
		ChatType:   msg.Chat.Type,
		Title:      chatTitle(msg.Chat),
		SafetyPref: pref,
	})
	if err != nil {
		logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to subscribe")
		h.sendReply(msg.Chat.ID, "❌ 订阅失败，请稍后重试。")
		return
	}

	text := "✅ 成功订阅，每隔一段时间会为您推送一张随机精美壁纸。"
	if sub, err := h.subs.Get(ctx, msg.Chat.ID); err == nil {
		text += "\n内容偏好：" + prefLabel(sub.SafetyPref)
	}
	h.sendReply(msg.Chat.ID, text)
}

// handleUnsubscribe handles the unsubscribe command.
func (h *Handlers) handleUnsubscribe(ctx context.Context, msg *tgbotapi.Message) {
	if err := h.subs.Unsubscribe(ctx, msg.Chat.ID); err != nil {
		logger.Error().Err(err).Int64("chat_id", msg.Chat.ID).Msg("Failed to unsubscribe")
		h.sendReply(msg.Chat.ID, "❌ 取消订阅失败，请稍后重试。")
		return
	}
	h.sendReply(msg.Chat.ID, "✅ 已取消订阅。")
}

// handleStatus shows bot status information.
func (h *Handlers) handleStatus(ctx context.Context, msg *tgbotapi.Message) {
	uptimeStr := formatDuration(time.Since(h.startTime))

	wallpapers, err := h.walls.Count(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to count wallpapers")
	}
	active, err := h.subs.CountActive(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to count subscribers")
	}

	mine := "未订阅"
	if sub, err := h.subs.Get(ctx, msg.Chat.ID); err == nil && sub.Status == storage.StatusActive {
		mine = "已订阅（" + prefLabel(sub.SafetyPref) + "）"
		if sub.LastServedAt.Valid {
			mine += "\n• 上次推送: " + formatDuration(time.Since(sub.LastServedAt.Time)) + "前"
		}
	}

	text := fmt.Sprintf(`📊 Bot 状态

⏱️ 运行时间: %s

📦 全局统计:
• 壁纸数: %d
• 订阅数: %d

👤 你的订阅:
• %s`, uptimeStr, wallpapers, active, mine)

	h.sendReply(msg.Chat.ID, text)
}

// sendReply sends a plain text reply.
func (h *Handlers) sendReply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := h.api.Send(msg); err != nil {
		logger.Error().Err(err).Msg("Failed to send reply")
	}
}

// sendMarkdown sends a MarkdownV2 message.
func (h *Handlers) sendMarkdown(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2
	msg.DisableWebPagePreview = true
	if _, err := h.api.Send(msg); err != nil {
		logger.Error().Err(err).Msg("Failed to send markdown message")
	}
}

// parsePref parses the optional /subscribe argument. No argument keeps the stored preference.
func parsePref(arg string) (storage.SafetyPref, error) {
	switch strings.ToLower(strings.TrimSpace(arg)) {
	case "":
		return "", nil
	case "sfw":
		return storage.PrefSFWOnly, nil
	case "nsfw":
		return storage.PrefNSFWAllowed, nil
	default:
		return "", fmt.Errorf("invalid preference %q", arg)
	}
}

func prefLabel(p storage.SafetyPref) string {
	if p == storage.PrefNSFWAllowed {
		return "允许非安全内容"
	}
	return "仅安全内容"
}

func chatTitle(chat *tgbotapi.Chat) string {
	if chat.Title != "" {
		return chat.Title
	}
	title := chat.FirstName
	if chat.LastName != "" {
		title += " " + chat.LastName
	}
	if title == "" {
		title = chat.UserName
	}
	return title
}
