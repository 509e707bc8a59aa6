package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// AlertKind identifies why an AlertEvent was raised.
type AlertKind string

const (
	AlertForcedStop       AlertKind = "forced_stop"        // provisioning failure -> stopped
	AlertLongStoppedPurge AlertKind = "long_stopped_purge"  // sweepLongStopped deleted a worker
	AlertStaleSyncFailed  AlertKind = "stale_sync_failed"   // sweepStaleSync validation failed
)

// AlertEvent describes a forced lifecycle transition worth surfacing to an
// operator: provisioning failure, long-stopped deletion, or a failed
// stale-sync validation.
type AlertEvent struct {
	Kind      AlertKind
	SessionID string
	Detail    string
	At        time.Time
}

// AlertSink is notified of forced transitions. Implementations must not
// block the Manager's critical section for long; Notify is called while
// the per-session lock is held.
type AlertSink interface {
	Notify(ctx context.Context, event AlertEvent)
}

// NoopAlertSink discards every event.
type NoopAlertSink struct{}

func (NoopAlertSink) Notify(context.Context, AlertEvent) {}

// TelegramAlertSink forwards AlertEvents to a fixed set of chat ids.
type TelegramAlertSink struct {
	bot     *tgbotapi.BotAPI
	chatIDs []int64
	logger  *slog.Logger
}

// NewTelegramAlertSink creates a TelegramAlertSink, authenticating eagerly
// against the bot API at construction time.
func NewTelegramAlertSink(token string, chatIDs []int64, logger *slog.Logger) (*TelegramAlertSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram alert sink init: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramAlertSink{bot: bot, chatIDs: chatIDs, logger: logger}, nil
}

func (s *TelegramAlertSink) Notify(_ context.Context, event AlertEvent) {
	text := fmt.Sprintf("[fleetcore] %s session=%s: %s", event.Kind, event.SessionID, event.Detail)
	for _, chatID := range s.chatIDs {
		msg := tgbotapi.NewMessage(chatID, text)
		if _, err := s.bot.Send(msg); err != nil {
			s.logger.Error("telegram alert send failed", "chat_id", chatID, "error", err)
		}
	}
}
