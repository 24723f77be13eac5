package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	adminID  = int64(1001)
	mintBonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xaB7K7WTaK8vXnE"
)

type memStore struct {
	mu    sync.Mutex
	mints []string
	err   error
}

func (s *memStore) AddMint(ctx context.Context, address, addedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for _, m := range s.mints {
		if m == address {
			return false, nil
		}
	}
	s.mints = append(s.mints, address)
	return true, nil
}

func (s *memStore) RemoveMint(ctx context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	for i, m := range s.mints {
		if m == address {
			s.mints = append(s.mints[:i], s.mints[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ListMints(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.mints...), s.err
}

func commandMsg(from int64, text string) *tgbotapi.Message {
	cmdLen := len(text)
	for i, r := range text {
		if r == ' ' {
			cmdLen = i
			break
		}
	}
	return &tgbotapi.Message{
		MessageID: 7,
		From:      &tgbotapi.User{ID: from},
		Chat:      &tgbotapi.Chat{ID: from},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
	}
}

func textMsg(from int64, text string) *tgbotapi.Message {
	return &tgbotapi.Message{From: &tgbotapi.User{ID: from}, Chat: &tgbotapi.Chat{ID: from}, Text: text}
}

func TestCommands_AddInline(t *testing.T) {
	store := &memStore{}
	h := NewCommandHandler(new(MockBotAPI), store, adminID)
	ctx := context.Background()

	assert.Equal(t, replyAdded, h.Handle(ctx, commandMsg(adminID, "/add "+mintBonk)))
	assert.Equal(t, replyAlready, h.Handle(ctx, commandMsg(adminID, "/add "+mintBonk)))
	assert.Equal(t, []string{mintBonk}, store.mints)
}

func TestCommands_AddTwoStep(t *testing.T) {
	store := &memStore{}
	h := NewCommandHandler(new(MockBotAPI), store, adminID)
	ctx := context.Background()

	assert.Equal(t, replyAskAdd, h.Handle(ctx, commandMsg(adminID, "/add")))
	assert.Equal(t, replyAdded, h.Handle(ctx, textMsg(adminID, "  "+mintBonk+"\n")))

	// the pending state is consumed
	assert.Equal(t, "", h.Handle(ctx, textMsg(adminID, mintBonk)))
}

func TestCommands_RemoveAndList(t *testing.T) {
	store := &memStore{mints: []string{mintBonk}}
	h := NewCommandHandler(new(MockBotAPI), store, adminID)
	ctx := context.Background()

	assert.Contains(t, h.Handle(ctx, commandMsg(adminID, "/list")), "1. "+mintBonk)

	assert.Equal(t, replyAskRemove, h.Handle(ctx, commandMsg(adminID, "/remove")))
	assert.Equal(t, replyRemoved, h.Handle(ctx, textMsg(adminID, mintBonk)))
	assert.Equal(t, replyNotTracked, h.Handle(ctx, commandMsg(adminID, "/remove "+mintBonk)))

	assert.Equal(t, replyNone, h.Handle(ctx, commandMsg(adminID, "/list")))
}

func TestCommands_Unauthorized(t *testing.T) {
	store := &memStore{}
	h := NewCommandHandler(new(MockBotAPI), store, adminID)
	ctx := context.Background()

	assert.Equal(t, replyUnauthorized, h.Handle(ctx, commandMsg(999, "/add "+mintBonk)))
	assert.Equal(t, replyUnauthorized, h.Handle(ctx, commandMsg(999, "/list")))
	assert.Empty(t, store.mints)

	// unrelated commands and chatter are ignored
	assert.Equal(t, "", h.Handle(ctx, commandMsg(999, "/start")))
	assert.Equal(t, "", h.Handle(ctx, textMsg(999, mintBonk)))
}

func TestCommands_InvalidAndStoreErrors(t *testing.T) {
	store := &memStore{}
	h := NewCommandHandler(new(MockBotAPI), store, adminID)
	ctx := context.Background()

	assert.Equal(t, replyInvalid, h.Handle(ctx, commandMsg(adminID, "/add MINT1")))

	store.err = errors.New("database is locked")
	assert.Equal(t, replyStoreError, h.Handle(ctx, commandMsg(adminID, "/add "+mintBonk)))
	assert.Equal(t, replyStoreError, h.Handle(ctx, commandMsg(adminID, "/list")))
}

func TestCommands_Run(t *testing.T) {
	api := new(MockBotAPI)
	updates := make(chan tgbotapi.Update, 1)
	api.On("GetUpdatesChan", mock.Anything).Return(tgbotapi.UpdatesChannel(updates))
	api.On("StopReceivingUpdates").Return()

	replied := make(chan string, 1)
	api.On("Send", mock.Anything).Run(func(args mock.Arguments) {
		replied <- args.Get(0).(tgbotapi.MessageConfig).Text
	}).Return(tgbotapi.Message{}, nil)

	store := &memStore{}
	h := NewCommandHandler(api, store, adminID)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	updates <- tgbotapi.Update{Message: commandMsg(adminID, "/add "+mintBonk)}

	select {
	case text := <-replied:
		assert.Equal(t, replyAdded, text)
	case <-time.After(2 * time.Second):
		t.Fatal("no reply sent")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
	api.AssertCalled(t, "StopReceivingUpdates")
	require.Len(t, store.mints, 1)
}
