package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"aiwriter/internal/bus"
	"aiwriter/internal/domain"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen   = 4000
	telegramPlaceholder = "…"
	telegramStopData    = "ai_stop"
)

// Telegram maps the gateway contract onto a Telegram bot: a chat is a
// conversation, replies are edited in place, the generating indicator is the
// typing action plus a Stop button on the reply.
type Telegram struct {
	token     string
	allowFrom []int64
	stopLabel string

	bot    *tgbotapi.BotAPI
	events *bus.EventBus
	logger *slog.Logger

	// generating holds the replies currently showing a Stop button; edits keep
	// the button only for these.
	mu         sync.Mutex
	generating map[string]bool
}

var _ domain.Gateway = (*Telegram)(nil)

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings, empty = everyone
	StopLabel string
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.StopLabel == "" {
		cfg.StopLabel = "Stop generating"
	}
	return &Telegram{
		token:      cfg.Token,
		allowFrom:  allowed,
		stopLabel:  cfg.StopLabel,
		events:     bus.NewEventBus(cfg.Logger),
		logger:     cfg.Logger,
		generating: make(map[string]bool),
	}
}

// Start connects to Telegram and publishes updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram gateway stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) Subscribe(eventType domain.EventType, fn func(domain.Event)) domain.Subscription {
	return t.events.On(eventType, fn)
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if cq := update.CallbackQuery; cq != nil {
		_, _ = t.bot.Request(tgbotapi.NewCallback(cq.ID, ""))
	}
	evt, ok := eventFromUpdate(update, t.isAllowed)
	if !ok {
		return
	}
	t.logger.Debug("telegram event", "type", evt.Type, "message_id", evt.MessageID)
	t.events.Emit(evt)
}

// eventFromUpdate translates a Telegram update into a gateway event.
func eventFromUpdate(update tgbotapi.Update, allowed func(int64) bool) (domain.Event, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Data != telegramStopData || cq.Message == nil || cq.Message.Chat == nil {
			return domain.Event{}, false
		}
		if cq.From != nil && !allowed(cq.From.ID) {
			return domain.Event{}, false
		}
		chatID := cq.Message.Chat.ID
		return domain.Event{
			Type:           domain.EventIndicatorStop,
			ConversationID: strconv.FormatInt(chatID, 10),
			MessageID:      messageKey(chatID, cq.Message.MessageID),
		}, true
	}

	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil || m.IsCommand() {
		return domain.Event{}, false
	}
	if !allowed(m.From.ID) {
		return domain.Event{}, false
	}
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return domain.Event{}, false
	}

	msg := domain.Message{
		ID:             messageKey(m.Chat.ID, m.MessageID),
		ConversationID: strconv.FormatInt(m.Chat.ID, 10),
		Text:           text,
		SenderIsHuman:  !m.From.IsBot,
		CreatedAt:      time.Unix(int64(m.Date), 0),
	}
	return domain.Event{
		Type:           domain.EventMessageNew,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Message:        &msg,
	}, true
}

func (t *Telegram) SendMessage(ctx context.Context, conversationID, text string) (domain.Message, error) {
	chatID, err := strconv.ParseInt(conversationID, 10, 64)
	if err != nil {
		return domain.Message{}, fmt.Errorf("invalid chat ID %q: %w", conversationID, err)
	}
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}

	out := tgbotapi.NewMessage(chatID, telegramText(text))
	sent, err := t.bot.Send(out)
	if err != nil {
		return domain.Message{}, fmt.Errorf("telegram send: %w", err)
	}
	return domain.Message{
		ID:             messageKey(chatID, sent.MessageID),
		ConversationID: conversationID,
		Text:           text,
		CreatedAt:      time.Unix(int64(sent.Date), 0),
	}, nil
}

func (t *Telegram) UpdateMessageText(ctx context.Context, messageID, text string) error {
	chatID, msgID, err := parseMessageKey(messageID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	edit := tgbotapi.NewEditMessageText(chatID, msgID, telegramText(text))
	if t.isGenerating(messageID) {
		kb := t.stopKeyboard()
		edit.ReplyMarkup = &kb
	}
	if _, err := t.bot.Send(edit); err != nil && !isNotModified(err) {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}

func (t *Telegram) SendEvent(ctx context.Context, evt domain.Event) error {
	chatID, msgID, err := parseMessageKey(evt.MessageID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	switch {
	case evt.Type == domain.EventIndicatorUpdate && evt.State == domain.IndicatorGenerating:
		t.setGenerating(evt.MessageID, true)
		if _, err := t.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
			t.logger.Debug("telegram typing action failed", "chat_id", chatID, "err", err)
		}
		markup := tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, t.stopKeyboard())
		if _, err := t.bot.Send(markup); err != nil && !isNotModified(err) {
			return fmt.Errorf("telegram stop button: %w", err)
		}
	case evt.Type == domain.EventIndicatorUpdate, evt.Type == domain.EventIndicatorClear:
		// Error and clear both end generation: drop the Stop button.
		if !t.setGenerating(evt.MessageID, false) {
			return nil
		}
		markup := tgbotapi.NewEditMessageReplyMarkup(chatID, msgID, tgbotapi.InlineKeyboardMarkup{
			InlineKeyboard: [][]tgbotapi.InlineKeyboardButton{},
		})
		if _, err := t.bot.Send(markup); err != nil && !isNotModified(err) {
			return fmt.Errorf("telegram clear stop button: %w", err)
		}
	default:
		return fmt.Errorf("send event: unsupported event type %q", evt.Type)
	}
	return nil
}

func (t *Telegram) stopKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(t.stopLabel, telegramStopData)),
	)
}

func (t *Telegram) isGenerating(messageID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.generating[messageID]
}

// setGenerating records the state and reports whether it changed.
func (t *Telegram) setGenerating(messageID string, on bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	was := t.generating[messageID]
	if on {
		t.generating[messageID] = true
	} else {
		delete(t.generating, messageID)
	}
	return was != on
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

// messageKey builds a gateway message id; Telegram message ids are only
// unique within a chat.
func messageKey(chatID int64, messageID int) string {
	return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(messageID)
}

func parseMessageKey(key string) (int64, int, error) {
	chatPart, msgPart, ok := strings.Cut(key, ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid telegram message id %q", key)
	}
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram chat id in %q: %w", key, err)
	}
	msgID, err := strconv.Atoi(msgPart)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid telegram message id in %q: %w", key, err)
	}
	return chatID, msgID, nil
}

// telegramText fits text into a single Telegram message. Empty text is not
// allowed by the Bot API, so a placeholder stands in for it.
func telegramText(text string) string {
	if strings.TrimSpace(text) == "" {
		return telegramPlaceholder
	}
	runes := []rune(text)
	if len(runes) > telegramMaxMsgLen {
		return string(runes[:telegramMaxMsgLen-1]) + "…"
	}
	return text
}

func isNotModified(err error) bool {
	return strings.Contains(err.Error(), "message is not modified")
}
