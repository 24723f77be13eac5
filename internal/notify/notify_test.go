package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"solana-buy-bot/internal/detector"
	"solana-buy-bot/internal/retry"
	"solana-buy-bot/internal/token"
)

// MockBotAPI is a mock implementation of the Telegram bot API
type MockBotAPI struct {
	mock.Mock
}

func (m *MockBotAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	args := m.Called(c)
	return args.Get(0).(tgbotapi.Message), args.Error(1)
}

func (m *MockBotAPI) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	args := m.Called(config)
	return args.Get(0).(tgbotapi.UpdatesChannel)
}

func (m *MockBotAPI) StopReceivingUpdates() {
	m.Called()
}

func (m *MockBotAPI) GetMe() (tgbotapi.User, error) {
	args := m.Called()
	return args.Get(0).(tgbotapi.User), args.Error(1)
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, Base: time.Millisecond, Factor: 2, Max: 5 * time.Millisecond}
}

const buyerAddr = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

func sampleEvent() *detector.BuyEvent {
	return &detector.BuyEvent{
		Mint:        "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xaB7K7WTaK8vXnE",
		Signature:   "SIG1",
		Buyer:       buyerAddr,
		AmountRaw:   150_000,
		NativeSpent: decimal.RequireFromString("0.72"),
	}
}

func TestFormat(t *testing.T) {
	f := NewFormatter("", "")
	meta := token.TokenMetadata{Name: "Bonk", Symbol: "BONK", Decimals: 5}

	n := f.Format(sampleEvent(), meta)

	assert.Contains(t, n.Text, "<b>💸 $BONK Buy Detected!</b>")
	assert.Contains(t, n.Text, "<b>1.5</b> BONK Purchased")
	assert.Contains(t, n.Text, "Spent: <b>0.7200</b> SOL")
	assert.Contains(t, n.Text, `<a href="https://solscan.io/account/`+buyerAddr+`">7xKXtg2C...gAsU</a>`)
	assert.Contains(t, n.Text, `<a href="https://solscan.io/tx/SIG1">View TX</a>`)
	assert.Contains(t, n.Text, `https://dexscreener.com/solana/DezXAZ8z7PnrnRJjz3wXBoRgixCa6xaB7K7WTaK8vXnE`)
	assert.Equal(t, "https://solscan.io/tx/SIG1", n.ActionLink)
	assert.NotEmpty(t, n.ActionLabel)
}

func TestFormat_SentinelAndUnknownBuyer(t *testing.T) {
	f := NewFormatter("https://explorer.example/", "https://chart.example")
	ev := sampleEvent()
	ev.Buyer = detector.UnknownBuyer
	ev.NativeSpent = decimal.Zero

	n := f.Format(ev, token.Unknown(ev.Mint))

	assert.Contains(t, n.Text, "$UNKNOWN Buy Detected!")
	assert.Contains(t, n.Text, "<b>150000</b> UNKNOWN Purchased")
	assert.Contains(t, n.Text, "Buyer: unknown")
	assert.NotContains(t, n.Text, "Spent:")
	assert.Equal(t, "https://explorer.example/tx/SIG1", n.ActionLink)
}

func TestFormat_EscapesSymbol(t *testing.T) {
	f := NewFormatter("", "")
	n := f.Format(sampleEvent(), token.TokenMetadata{Symbol: "<b>X&Y", Decimals: 0})
	assert.Contains(t, n.Text, "$&lt;b&gt;X&amp;Y Buy Detected!")
}

func TestFormat_SetLinks(t *testing.T) {
	f := NewFormatter("", "")
	f.SetLinks("https://explorer.solana.com", "")
	n := f.Format(sampleEvent(), token.TokenMetadata{Symbol: "B"})
	assert.True(t, strings.HasPrefix(n.ActionLink, "https://explorer.solana.com/tx/"))
}

func TestTelegramNotifier_Send(t *testing.T) {
	api := new(MockBotAPI)
	api.On("Send", mock.MatchedBy(func(c tgbotapi.Chattable) bool {
		msg, ok := c.(tgbotapi.MessageConfig)
		if !ok {
			return false
		}
		markup, ok := msg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
		return ok &&
			msg.ChatID == 42 &&
			msg.ParseMode == tgbotapi.ModeHTML &&
			msg.DisableWebPagePreview &&
			len(markup.InlineKeyboard) == 1 &&
			*markup.InlineKeyboard[0][0].URL == "https://solscan.io/tx/SIG1"
	})).Return(tgbotapi.Message{}, nil).Once()

	n := NewTelegramNotifier(api, 42, fastPolicy())
	err := n.Send(context.Background(), Notification{Text: "hi", ActionLink: "https://solscan.io/tx/SIG1", ActionLabel: "TX"})

	require.NoError(t, err)
	api.AssertExpectations(t)
}

func TestTelegramNotifier_RetriesThenSucceeds(t *testing.T) {
	api := new(MockBotAPI)
	api.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("connection reset")).Twice()
	api.On("Send", mock.Anything).Return(tgbotapi.Message{}, nil).Once()

	n := NewTelegramNotifier(api, 42, fastPolicy())
	require.NoError(t, n.Send(context.Background(), Notification{Text: "hi"}))
	api.AssertNumberOfCalls(t, "Send", 3)
}

func TestTelegramNotifier_DeliveryError(t *testing.T) {
	api := new(MockBotAPI)
	api.On("Send", mock.Anything).Return(tgbotapi.Message{}, errors.New("timeout"))

	n := NewTelegramNotifier(api, 42, fastPolicy())
	err := n.Send(context.Background(), Notification{Text: "hi"})

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 3, de.Attempts)
	api.AssertNumberOfCalls(t, "Send", 3)
}

func TestTelegramNotifier_RejectedIsNotRetried(t *testing.T) {
	api := new(MockBotAPI)
	api.On("Send", mock.Anything).Return(tgbotapi.Message{}, &tgbotapi.Error{Code: 400, Message: "Bad Request: can't parse entities"})

	n := NewTelegramNotifier(api, 42, fastPolicy())
	err := n.Send(context.Background(), Notification{Text: "<b"})

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 1, de.Attempts)
	api.AssertNumberOfCalls(t, "Send", 1)
}

func TestTelegramNotifier_HungSendStopsAtDeadline(t *testing.T) {
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })

	api := new(MockBotAPI)
	api.On("Send", mock.Anything).Run(func(mock.Arguments) { <-block }).Return(tgbotapi.Message{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	n := NewTelegramNotifier(api, 42, fastPolicy())
	start := time.Now()
	err := n.Send(ctx, Notification{Text: "hi"})

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, de.Attempts)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewBotAPI_HungServer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/getMe") {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"buybot","username":"buybot"}}`))
			return
		}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	bot, err := newBotAPI("123:abc", srv.URL+"/bot%s/%s", time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	n := NewTelegramNotifier(bot, 42, fastPolicy())
	start := time.Now()
	err = n.Send(ctx, Notification{Text: "hi"})

	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTelegramNotifier_Ping(t *testing.T) {
	api := new(MockBotAPI)
	api.On("GetMe").Return(tgbotapi.User{ID: 1, UserName: "buybot"}, nil).Once()
	api.On("GetMe").Return(tgbotapi.User{}, errors.New("unauthorized")).Once()

	n := NewTelegramNotifier(api, 42, fastPolicy())
	assert.NoError(t, n.Ping(context.Background()))
	assert.Error(t, n.Ping(context.Background()))
}

func TestShortAddress(t *testing.T) {
	assert.Equal(t, "7xKXtg2C...gAsU", ShortAddress(buyerAddr))
	assert.Equal(t, "short", ShortAddress("short"))
}
