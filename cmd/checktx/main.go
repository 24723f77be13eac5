package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"solana-buy-bot/internal/blockchain"
	"solana-buy-bot/internal/config"
	"solana-buy-bot/internal/detector"
	"solana-buy-bot/internal/notify"
	"solana-buy-bot/internal/token"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run ./cmd/checktx <MINT> <TX_SIGNATURE>")
		fmt.Println("Example: go run ./cmd/checktx DezXAZ8z7PnrnRJjz3wXBoRgixCa6xaB7K7WTaK8vXnE 2gHc4gtPHJgVJhccGytQqivvETZoyfiAu12UTE3vN4v6WPz3mGmPGmwxS7NwbXcv28NAQP6Re8rdi2XS9tU6rMRs")
		os.Exit(1)
	}
	mint, sig := os.Args[1], os.Args[2]

	_ = godotenv.Load()

	fmt.Println("----------------------------------------")
	fmt.Println("🔍 BUY DETECTION CHECK")
	fmt.Println("----------------------------------------")
	fmt.Printf("Mint: %s\n", mint)
	fmt.Printf("TX:   %s\n\n", sig)

	if err := blockchain.ValidateAddress(mint); err != nil {
		color.Red("❌ %v", err)
		os.Exit(1)
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		color.Red("❌ Failed to load config: %v", err)
		os.Exit(1)
	}
	c := cfg.Get()

	rpc := blockchain.NewRPCClient(cfg.GetRPCURL(), cfg.GetFallbackRPCURL(), cfg.GetRPCAPIKey(),
		blockchain.WithRetryPolicy(c.RPC.RetryPolicy()),
		blockchain.WithCallTimeout(c.RPC.Timeout()),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	start := time.Now()
	detail, err := rpc.GetTransaction(ctx, sig)
	if err != nil {
		color.Red("❌ RPC Error: %s (%v)", blockchain.Describe(err), err)
		os.Exit(1)
	}
	fmt.Printf("Slot:     %d\n", detail.Slot)
	if detail.BlockTime > 0 {
		fmt.Printf("Time:     %s\n", time.Unix(detail.BlockTime, 0).UTC().Format(time.RFC3339))
	}
	fmt.Printf("Inner:    %d parsed instructions\n", len(detail.InnerInstructions))
	fmt.Printf("Latency:  %dms\n\n", time.Since(start).Milliseconds())

	ev, ok := detector.Detect(mint, detail)
	fmt.Println("----------------------------------------")
	if !ok {
		color.Yellow("⚠️  NO MATCH: no inner transfer of this mint")
		os.Exit(0)
	}

	var fallback token.Fallback
	if c.Metadata.FallbackURL != "" {
		fallback = token.NewFallbackClient(c.Metadata.FallbackURL, cfg.GetMetadataAPIKey(), c.Metadata.Timeout(), c.RPC.RetryPolicy())
	}
	resolver, err := token.NewResolver(rpc, fallback, 1)
	if err != nil {
		color.Red("❌ %v", err)
		os.Exit(1)
	}
	meta := resolver.Resolve(ctx, mint)
	ev.Decimals = meta.Decimals

	color.Green("🎯 BUY DETECTED")
	fmt.Printf("Token:  %s ($%s), %d decimals\n", meta.Name, meta.Symbol, meta.Decimals)
	fmt.Printf("Amount: %s (raw %d)\n", ev.Amount().String(), ev.AmountRaw)
	fmt.Printf("Spent:  %s SOL\n", ev.NativeSpent.StringFixed(4))
	fmt.Printf("Buyer:  %s\n", ev.Buyer)
	if meta.IsUnknown() {
		color.Yellow("⚠️  Metadata unresolved, message would use the placeholder symbol")
	}

	n := notify.NewFormatter(c.Telegram.ExplorerURL, c.Telegram.ChartURL).Format(ev, meta)
	fmt.Println("----------------------------------------")
	fmt.Println("📨 MESSAGE PREVIEW (HTML)")
	fmt.Println("----------------------------------------")
	fmt.Println(n.Text)
	color.Cyan("[%s] %s", n.ActionLabel, n.ActionLink)
}
