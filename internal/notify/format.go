package notify

import (
	"fmt"
	"html"
	"strings"
	"sync"

	"solana-buy-bot/internal/detector"
	"solana-buy-bot/internal/token"
)

const (
	DefaultExplorerURL = "https://solscan.io"
	DefaultChartURL    = "https://dexscreener.com/solana"

	viewTxLabel = "🔗 View TX"
)

// Formatter renders buy events as Telegram HTML
type Formatter struct {
	mu          sync.RWMutex
	explorerURL string
	chartURL    string
}

// NewFormatter creates a formatter; empty URLs select the defaults
func NewFormatter(explorerURL, chartURL string) *Formatter {
	f := &Formatter{}
	f.SetLinks(explorerURL, chartURL)
	return f
}

// SetLinks swaps the link bases; safe to call while formatting (config hot reload)
func (f *Formatter) SetLinks(explorerURL, chartURL string) {
	if explorerURL == "" {
		explorerURL = DefaultExplorerURL
	}
	if chartURL == "" {
		chartURL = DefaultChartURL
	}

	f.mu.Lock()
	f.explorerURL = strings.TrimRight(explorerURL, "/")
	f.chartURL = strings.TrimRight(chartURL, "/")
	f.mu.Unlock()
}

// Format builds the notification for ev; meta supplies symbol and decimals
func (f *Formatter) Format(ev *detector.BuyEvent, meta token.TokenMetadata) Notification {
	f.mu.RLock()
	explorer, chart := f.explorerURL, f.chartURL
	f.mu.RUnlock()

	scaled := *ev
	scaled.Decimals = meta.Decimals
	symbol := html.EscapeString(meta.Symbol)
	txURL := fmt.Sprintf("%s/tx/%s", explorer, ev.Signature)

	var b strings.Builder
	fmt.Fprintf(&b, "<b>💸 $%s Buy Detected!</b>\n\n", symbol)
	fmt.Fprintf(&b, "🔹 <b>%s</b> %s Purchased\n", scaled.Amount().String(), symbol)
	if ev.NativeSpent.IsPositive() {
		fmt.Fprintf(&b, "💰 Spent: <b>%s</b> SOL\n", ev.NativeSpent.StringFixed(4))
	}
	if ev.Buyer == "" || ev.Buyer == detector.UnknownBuyer {
		b.WriteString("👤 Buyer: unknown\n")
	} else {
		fmt.Fprintf(&b, "👤 Buyer: <a href=\"%s/account/%s\">%s</a>\n", explorer, ev.Buyer, ShortAddress(ev.Buyer))
	}
	fmt.Fprintf(&b, "🧾 TX: <a href=\"%s\">View TX</a>\n", txURL)
	fmt.Fprintf(&b, "📈 <a href=\"%s/%s\">View Chart</a>", chart, ev.Mint)

	return Notification{
		Text:        b.String(),
		ActionLink:  txURL,
		ActionLabel: viewTxLabel,
	}
}

// ShortAddress renders the first 8 and last 4 characters of an address
func ShortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "..." + addr[len(addr)-4:]
}
