package connector

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/harun/remi/pkg/backend"
)

// TelegramConfig configures the Telegram connector.
type TelegramConfig struct {
	BotToken string
	// Allowlist restricts which chat ids may talk to the bot. Empty means
	// open.
	Allowlist []int64
}

// Telegram is a long-polling Telegram connector.
type Telegram struct {
	cfg     TelegramConfig
	log     zerolog.Logger
	api     *tgbotapi.BotAPI
	allowed map[int64]bool
	done    chan struct{}
}

var _ Connector = (*Telegram)(nil)

// NewTelegram creates and authenticates a Telegram connector.
func NewTelegram(cfg TelegramConfig, log zerolog.Logger) (*Telegram, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot API: %w", err)
	}

	allowed := make(map[int64]bool, len(cfg.Allowlist))
	for _, id := range cfg.Allowlist {
		allowed[id] = true
	}

	t := &Telegram{
		cfg:     cfg,
		log:     log.With().Str("component", "telegram").Logger(),
		api:     api,
		allowed: allowed,
		done:    make(chan struct{}),
	}
	t.log.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("telegram bot authenticated")
	return t, nil
}

// Name implements Connector.
func (t *Telegram) Name() string { return "telegram" }

// Start implements Connector. It long-polls for updates until Stop or
// context cancellation.
func (t *Telegram) Start(ctx context.Context, handler Handler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil || update.Message.Text == "" {
				continue
			}
			t.handleUpdate(ctx, update.Message, handler)
		}
	}
}

func (t *Telegram) handleUpdate(ctx context.Context, msg *tgbotapi.Message, handler Handler) {
	chatID := msg.Chat.ID
	if len(t.allowed) > 0 && !t.allowed[chatID] {
		t.log.Warn().Int64("chat_id", chatID).Msg("message from non-allowlisted chat dropped")
		return
	}

	sender := msg.From.UserName
	if sender == "" {
		sender = strconv.FormatInt(msg.From.ID, 10)
	}

	incoming := IncomingMessage{
		Text:          msg.Text,
		ChatID:        strconv.FormatInt(chatID, 10),
		Sender:        sender,
		ConnectorName: t.Name(),
	}

	// Each chat runs its own turn; the hub's lane lock serializes within
	// a chat while distinct chats proceed concurrently.
	go func() {
		resp := handler(ctx, incoming)
		if err := t.Reply(ctx, incoming.ChatID, resp); err != nil {
			t.log.Error().Err(err).Str("chat_id", incoming.ChatID).Msg("reply failed")
		}
	}()
}

// Stop implements Connector.
func (t *Telegram) Stop(_ context.Context) error {
	select {
	case <-t.done:
	default:
		close(t.done)
		t.api.StopReceivingUpdates()
	}
	return nil
}

// Reply implements Connector.
func (t *Telegram) Reply(_ context.Context, chatID string, resp backend.AgentResponse) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad chat id %q: %w", chatID, err)
	}
	if _, err := t.api.Send(tgbotapi.NewMessage(id, resp.Text)); err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}
