package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"solana-buy-bot/internal/retry"
)

// BotAPIInterface defines the interface for the Telegram Bot API
type BotAPIInterface interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	GetMe() (tgbotapi.User, error)
}

// DefaultRequestTimeout bounds one Bot API HTTP request
const DefaultRequestTimeout = 15 * time.Second

// BotAPIFactory is a function type that creates a new BotAPI instance
type BotAPIFactory func(token string) (BotAPIInterface, error)

// DefaultBotAPIFactory is the default factory function that creates a real BotAPI instance
func DefaultBotAPIFactory(token string) (BotAPIInterface, error) {
	return NewBotAPI(token, DefaultRequestTimeout)
}

// NewBotAPI creates a real BotAPI whose HTTP requests give up after timeout
// plus the long-poll window used for updates.
func NewBotAPI(token string, timeout time.Duration) (BotAPIInterface, error) {
	return newBotAPI(token, tgbotapi.APIEndpoint, timeout)
}

func newBotAPI(token, endpoint string, timeout time.Duration) (BotAPIInterface, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: timeout + updatesTimeout})
}

// withContext returns when fn does or ctx is done, whichever comes first.
// An abandoned call still ends on the HTTP client timeout.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn()
		done <- result{v, err}
	}()

	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-done:
		return r.v, r.err
	}
}

// TelegramNotifier sends notifications to one chat
type TelegramNotifier struct {
	api    BotAPIInterface
	chatID int64
	policy retry.Policy
}

// NewTelegramNotifier wraps api for chatID
func NewTelegramNotifier(api BotAPIInterface, chatID int64, policy retry.Policy) *TelegramNotifier {
	return &TelegramNotifier{api: api, chatID: chatID, policy: policy}
}

// Send delivers n as an HTML message with an inline action button.
// Every failure is returned as a *DeliveryError.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	msg := tgbotapi.NewMessage(t.chatID, n.Text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true
	if n.ActionLink != "" {
		label := n.ActionLabel
		if label == "" {
			label = viewTxLabel
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(label, n.ActionLink)),
		)
	}

	attempts, err := retry.Do(ctx, t.policy, func(ctx context.Context, attempt int) error {
		_, err := withContext(ctx, func() (tgbotapi.Message, error) { return t.api.Send(msg) })
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return retry.Permanent(err)
		}

		log.Warn().Err(err).Int64("chat", t.chatID).Int("attempt", attempt).Msg("telegram send failed")
		if wait, ok := retryAfter(err); ok {
			select {
			case <-ctx.Done():
				return retry.Permanent(errors.Join(err, ctx.Err()))
			case <-time.After(wait):
			}
		}
		if rejected(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return &DeliveryError{Attempts: attempts, Err: err}
	}
	return nil
}

// Ping checks the bot token against the API
func (t *TelegramNotifier) Ping(ctx context.Context) error {
	if _, err := withContext(ctx, t.api.GetMe); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	return ctx.Err()
}

// maxRetryAfter caps how long a flood-control hint can stall delivery
const maxRetryAfter = 30 * time.Second

func retryAfter(err error) (time.Duration, bool) {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) || tgErr.RetryAfter <= 0 {
		return 0, false
	}
	d := time.Duration(tgErr.RetryAfter) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d, true
}

// rejected reports errors a retry cannot fix (bad markup, bot removed from chat)
func rejected(err error) bool {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return false
	}
	return tgErr.Code == 400 || tgErr.Code == 401 || tgErr.Code == 403
}
