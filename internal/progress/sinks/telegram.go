package sinks

import (
	"context"
	"fmt"

	"github.com/mymmrac/telego"
	"go.uber.org/zap"

	"github.com/JakeFAU/slotwatch/internal/monitor"
)

// MessageSender is the slice of *telego.Bot the sink uses.
type MessageSender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// TelegramSink alerts a chat when slots open up or a session needs a human.
type TelegramSink struct {
	bot        MessageSender
	chatID     int64
	bookingURL string
	logger     *zap.Logger
}

// NewTelegramBot builds a bot client for token.
func NewTelegramBot(token string) (*telego.Bot, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return bot, nil
}

// NewTelegramSink sends alerts to chatID. bookingURL, when set, is attached
// as an inline button on slot alerts.
func NewTelegramSink(bot MessageSender, chatID int64, bookingURL string, logger *zap.Logger) *TelegramSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramSink{bot: bot, chatID: chatID, bookingURL: bookingURL, logger: logger}
}

// Consume sends one message per alert-worthy event.
func (s *TelegramSink) Consume(ctx context.Context, batch []monitor.Event) error {
	for _, evt := range batch {
		text, ok := alertText(evt)
		if !ok {
			continue
		}
		params := &telego.SendMessageParams{
			ChatID: telego.ChatID{ID: s.chatID},
			Text:   text,
		}
		if evt.Kind == monitor.EventSlotsFound && s.bookingURL != "" {
			params.ReplyMarkup = &telego.InlineKeyboardMarkup{
				InlineKeyboard: [][]telego.InlineKeyboardButton{{
					{Text: "Open Booking", URL: s.bookingURL},
				}},
			}
		}
		if _, err := s.bot.SendMessage(ctx, params); err != nil {
			return fmt.Errorf("send telegram alert: %w", err)
		}
		s.logger.Info("telegram alert sent", zap.String("event", string(evt.Kind)), zap.String("run_id", evt.RunID))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *TelegramSink) Close(context.Context) error {
	return nil
}

func alertText(evt monitor.Event) (string, bool) {
	at := evt.Timestamp.UTC().Format("15:04:05")
	switch evt.Kind {
	case monitor.EventSlotsFound:
		return fmt.Sprintf("Visa slot available! [%s]\nRun: %s\nBook now before it is gone.", at, evt.RunID), true
	case monitor.EventCaptchaDetected:
		return fmt.Sprintf("CAPTCHA detected [%s]\nRun %s is paused until it is solved.", at, evt.RunID), true
	case monitor.EventMonitorFailed, monitor.EventCriticalError:
		return fmt.Sprintf("Monitor stopped [%s]\nRun %s: %s", at, evt.RunID, evt.Message), true
	case monitor.EventBookingCompleted:
		return fmt.Sprintf("Booking completed [%s]\nConfirmation: %s", at, evt.PDFURL), true
	default:
		return "", false
	}
}
