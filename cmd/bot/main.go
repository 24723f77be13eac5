package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-buy-bot/internal/api"
	"solana-buy-bot/internal/blockchain"
	"solana-buy-bot/internal/config"
	"solana-buy-bot/internal/dedup"
	"solana-buy-bot/internal/health"
	"solana-buy-bot/internal/notify"
	"solana-buy-bot/internal/storage"
	"solana-buy-bot/internal/token"
	"solana-buy-bot/internal/tracker"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: could not load .env: %v\n", err)
	}
	setupLogger()
	log.Info().Msg("🚀 Solana Buy Bot starting...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	c := cfg.Get()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	db, err := storage.NewDB(c.Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer db.Close()
	seedMints(ctx, db, c.Mints)

	// Chain client
	rpcOpts := []blockchain.Option{
		blockchain.WithRetryPolicy(c.RPC.RetryPolicy()),
		blockchain.WithCallTimeout(c.RPC.Timeout()),
	}
	if c.RPC.RatePerSecond > 0 {
		rpcOpts = append(rpcOpts, blockchain.WithRateLimit(c.RPC.RatePerSecond, c.RPC.Burst))
	}
	rpc := blockchain.NewRPCClient(cfg.GetRPCURL(), cfg.GetFallbackRPCURL(), cfg.GetRPCAPIKey(), rpcOpts...)

	// Metadata
	var fallback token.Fallback
	if c.Metadata.FallbackURL != "" {
		fallback = token.NewFallbackClient(c.Metadata.FallbackURL, cfg.GetMetadataAPIKey(), c.Metadata.Timeout(), c.RPC.RetryPolicy())
	}
	resolver, err := token.NewResolver(rpc, fallback, c.Metadata.CacheSize)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create metadata resolver")
	}

	// Dedup
	var ledger dedup.Ledger
	if c.Dedup.Durable {
		durable, err := dedup.NewDurableLedger(ctx, db, c.Dedup.Retention())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load dedup ledger")
		}
		ledger = durable
	} else {
		ledger = dedup.NewMemoryLedger(c.Dedup.Retention())
	}

	// Telegram
	botToken := cfg.GetTelegramToken()
	if botToken == "" {
		log.Fatal().Str("env", c.Telegram.TokenEnv).Msg("telegram bot token is not set")
	}
	bot, err := notify.NewBotAPI(botToken, c.Telegram.Timeout())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to telegram")
	}
	notifier := notify.NewTelegramNotifier(bot, c.Telegram.ChatID, c.RPC.RetryPolicy())
	formatter := notify.NewFormatter(c.Telegram.ExplorerURL, c.Telegram.ChartURL)

	// Scheduler
	metrics := tracker.NewMetrics(prometheus.DefaultRegisterer)
	sched := tracker.New(tracker.Deps{
		Chain:     rpc,
		Mints:     db,
		Resolver:  resolver,
		Formatter: formatter,
		Notifier:  notifier,
		Ledger:    ledger,
		BuyLog:    db,
		Metrics:   metrics,
	}, trackerConfig(c))

	cfg.SetOnChange(func(nc *config.Config) {
		sched.SetConfig(trackerConfig(nc))
		formatter.SetLinks(nc.Telegram.ExplorerURL, nc.Telegram.ChartURL)
	})

	// Health
	checker := health.NewChecker(health.DefaultInterval)
	checker.Register("RPC", rpc.Ping)
	checker.Register("Telegram", notifier.Ping)
	checker.Register("DB", db.Ping)
	checker.Start(ctx)

	// Commands
	if c.Telegram.CommandsEnabled {
		commands := notify.NewCommandHandler(bot, db, c.Telegram.Admin())
		go commands.Run(ctx)
	}

	// HTTP API
	var server *api.Server
	if c.Server.Enabled {
		server = api.NewServer(api.Config{
			Host:      c.Server.ListenHost,
			Port:      c.Server.ListenPort,
			APIKey:    cfg.GetServerAPIKey(),
			RateLimit: c.Server.RateLimit,
		}, api.Deps{
			Mints:    db,
			Buys:     db,
			Tracker:  sched,
			Health:   checker,
			Metrics:  metrics,
			Gatherer: prometheus.DefaultGatherer,
		})
		go func() {
			if err := server.Start(); err != nil {
				log.Error().Err(err).Msg("api server failed")
			}
		}()
	}

	log.Info().
		Int64("chat", c.Telegram.ChatID).
		Dur("interval", c.Tracker.PollInterval()).
		Int("workers", c.Tracker.Workers).
		Bool("durable_dedup", c.Dedup.Durable).
		Msg("buy tracker initialized")

	// Blocks until SIGINT/SIGTERM; the in-flight transaction finishes first
	sched.Run(ctx)

	log.Info().Msg("shutting down...")
	if server != nil {
		if err := server.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("api server shutdown")
		}
	}
	log.Info().Int("metadata_cached", resolver.CacheSize()).Msg("goodbye 👋")
}

func trackerConfig(c *config.Config) tracker.Config {
	return tracker.Config{
		PollInterval:   c.Tracker.PollInterval(),
		SignatureLimit: c.Tracker.SignatureLimit,
		Workers:        c.Tracker.Workers,
		TxTimeout:      c.Tracker.TxTimeout(),
		MaxAge:         c.Dedup.Retention(),
	}
}

func seedMints(ctx context.Context, db *storage.DB, mints []string) {
	for _, mint := range mints {
		if err := blockchain.ValidateAddress(mint); err != nil {
			log.Warn().Str("mint", mint).Msg("skipping invalid seed mint")
			continue
		}
		added, err := db.AddMint(ctx, mint, "config")
		if err != nil {
			log.Error().Err(err).Str("mint", mint).Msg("failed to seed mint")
			continue
		}
		if added {
			log.Info().Str("mint", mint).Msg("seeded mint from config")
		}
	}
}

func setupLogger() {
	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(
			zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
		).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
