package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"solana-buy-bot/internal/blockchain"
)

// MintStore is the tracked-address store the commands mutate
type MintStore interface {
	AddMint(ctx context.Context, address, addedBy string) (bool, error)
	RemoveMint(ctx context.Context, address string) (bool, error)
	ListMints(ctx context.Context) ([]string, error)
}

const (
	replyUnauthorized = "⛔ Unauthorized"
	replyAskAdd       = "📥 Send the token contract address to add it."
	replyAskRemove    = "📤 Send the token contract address to remove it."
	replyAdded        = "✅ Token added and tracking started."
	replyAlready      = "⚠️ Token is already being tracked."
	replyRemoved      = "🗑️ Token removed from tracking."
	replyNotTracked   = "⚠️ Token is not being tracked."
	replyInvalid      = "❌ That is not a valid token address."
	replyStoreError   = "❌ Could not update the token list, try again later."
	replyNone         = "No tokens are being tracked. Use /add to start."
)

const (
	// long-poll window for getUpdates
	updatesTimeout = 10 * time.Second
	replyTimeout   = 15 * time.Second
)

type pendingAction int

const (
	awaitingAdd pendingAction = iota + 1
	awaitingRemove
)

// CommandHandler serves /add, /remove and /list for the admin user.
// /add and /remove accept the address inline or as the next message.
type CommandHandler struct {
	api     BotAPIInterface
	store   MintStore
	adminID int64

	mu      sync.Mutex
	pending map[int64]pendingAction
}

// NewCommandHandler creates a handler; only messages from adminID are served
func NewCommandHandler(api BotAPIInterface, store MintStore, adminID int64) *CommandHandler {
	return &CommandHandler{
		api:     api,
		store:   store,
		adminID: adminID,
		pending: make(map[int64]pendingAction),
	}
}

// Run polls for updates until ctx is cancelled
func (h *CommandHandler) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(updatesTimeout / time.Second)
	updates := h.api.GetUpdatesChan(u)

	log.Info().Int64("admin", h.adminID).Msg("telegram command listener started")

	for {
		select {
		case <-ctx.Done():
			h.api.StopReceivingUpdates()
			log.Info().Msg("telegram command listener stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			reply := h.Handle(ctx, update.Message)
			if reply == "" {
				continue
			}
			h.reply(ctx, update.Message, reply)
		}
	}
}

func (h *CommandHandler) reply(ctx context.Context, m *tgbotapi.Message, text string) {
	msg := tgbotapi.NewMessage(m.Chat.ID, text)
	msg.ReplyToMessageID = m.MessageID

	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	if _, err := withContext(ctx, func() (tgbotapi.Message, error) { return h.api.Send(msg) }); err != nil {
		log.Warn().Err(err).Msg("failed to send command reply")
	}
}

// Handle processes one message and returns the reply text ("" for no reply)
func (h *CommandHandler) Handle(ctx context.Context, m *tgbotapi.Message) string {
	if m.IsCommand() {
		return h.handleCommand(ctx, m)
	}

	userID, ok := h.sender(m)
	if !ok {
		return ""
	}

	h.mu.Lock()
	action, waiting := h.pending[userID]
	delete(h.pending, userID)
	h.mu.Unlock()
	if !waiting {
		return ""
	}

	mint := strings.TrimSpace(m.Text)
	switch action {
	case awaitingAdd:
		return h.add(ctx, mint, userID)
	case awaitingRemove:
		return h.remove(ctx, mint)
	}
	return ""
}

func (h *CommandHandler) handleCommand(ctx context.Context, m *tgbotapi.Message) string {
	cmd := m.Command()
	switch cmd {
	case "add", "remove", "list":
	default:
		return ""
	}

	userID, ok := h.sender(m)
	if !ok || userID != h.adminID {
		log.Warn().Str("cmd", cmd).Int64("user", userID).Msg("unauthorized command")
		return replyUnauthorized
	}

	arg := strings.TrimSpace(m.CommandArguments())
	log.Info().Str("cmd", cmd).Str("arg", arg).Msg("telegram command")

	switch cmd {
	case "add":
		if arg == "" {
			h.await(userID, awaitingAdd)
			return replyAskAdd
		}
		return h.add(ctx, arg, userID)
	case "remove":
		if arg == "" {
			h.await(userID, awaitingRemove)
			return replyAskRemove
		}
		return h.remove(ctx, arg)
	default:
		return h.list(ctx)
	}
}

func (h *CommandHandler) await(userID int64, action pendingAction) {
	h.mu.Lock()
	h.pending[userID] = action
	h.mu.Unlock()
}

func (h *CommandHandler) add(ctx context.Context, mint string, userID int64) string {
	if err := blockchain.ValidateAddress(mint); err != nil {
		return replyInvalid
	}
	added, err := h.store.AddMint(ctx, mint, strconv.FormatInt(userID, 10))
	if err != nil {
		log.Error().Err(err).Str("mint", mint).Msg("failed to add mint")
		return replyStoreError
	}
	if !added {
		return replyAlready
	}
	log.Info().Str("mint", mint).Msg("token added and tracking started")
	return replyAdded
}

func (h *CommandHandler) remove(ctx context.Context, mint string) string {
	if err := blockchain.ValidateAddress(mint); err != nil {
		return replyInvalid
	}
	removed, err := h.store.RemoveMint(ctx, mint)
	if err != nil {
		log.Error().Err(err).Str("mint", mint).Msg("failed to remove mint")
		return replyStoreError
	}
	if !removed {
		return replyNotTracked
	}
	log.Info().Str("mint", mint).Msg("token removed from tracking")
	return replyRemoved
}

func (h *CommandHandler) list(ctx context.Context) string {
	mints, err := h.store.ListMints(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list mints")
		return replyStoreError
	}
	if len(mints) == 0 {
		return replyNone
	}

	var b strings.Builder
	b.WriteString("📋 Tracked tokens:\n")
	for i, mint := range mints {
		fmt.Fprintf(&b, "\n%d. %s", i+1, mint)
	}
	return b.String()
}

func (h *CommandHandler) sender(m *tgbotapi.Message) (int64, bool) {
	if m.From == nil {
		return 0, false
	}
	return m.From.ID, true
}
