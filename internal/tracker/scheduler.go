package tracker

import (
	"context"
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"solana-buy-bot/internal/blockchain"
	"solana-buy-bot/internal/dedup"
	"solana-buy-bot/internal/detector"
	"solana-buy-bot/internal/notify"
	"solana-buy-bot/internal/storage"
	"solana-buy-bot/internal/token"
)

const (
	DefaultPollInterval = 20 * time.Second
	DefaultWorkers      = 4
	DefaultTxTimeout    = 30 * time.Second

	// signatures that parsed cleanly but held no buy
	noMatchCacheSize = 4096
	// signatures the node returned without a block time
	undatedCacheSize = 4096
)

// Chain is the subset of the RPC client the scheduler polls
type Chain interface {
	GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]blockchain.SignatureRecord, error)
	GetTransaction(ctx context.Context, signature string) (*blockchain.TransactionDetail, error)
}

// MintSource supplies the tracked set at the start of each cycle
type MintSource interface {
	ListMints(ctx context.Context) ([]string, error)
}

// MetadataResolver enriches a mint with name, symbol and decimals
type MetadataResolver interface {
	Resolve(ctx context.Context, mint string) token.TokenMetadata
}

// BuyLogger persists delivered buys
type BuyLogger interface {
	InsertBuyLog(ctx context.Context, b *storage.BuyLog) error
}

// Config holds the knobs that can change while running
type Config struct {
	PollInterval   time.Duration
	SignatureLimit int
	Workers        int
	TxTimeout      time.Duration

	// MaxAge skips signatures whose block time is older than this.
	// Signatures without a block time are aged from when they were first seen.
	MaxAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SignatureLimit <= 0 || c.SignatureLimit > blockchain.MaxSignatureLimit {
		c.SignatureLimit = blockchain.MaxSignatureLimit
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.TxTimeout <= 0 {
		c.TxTimeout = DefaultTxTimeout
	}
	return c
}

// Deps are the collaborators the scheduler drives. BuyLog and Metrics are optional.
type Deps struct {
	Chain     Chain
	Mints     MintSource
	Resolver  MetadataResolver
	Formatter *notify.Formatter
	Notifier  notify.Notifier
	Ledger    dedup.Ledger
	BuyLog    BuyLogger
	Metrics   *Metrics
}

// CycleReport summarises one pass over the tracked set
type CycleReport struct {
	Mints     int
	Delivered int
	Failed    int
	Duration  time.Duration
}

// Scheduler polls every tracked mint, detects buys and delivers each once
type Scheduler struct {
	deps    Deps
	states  *stateTable
	noMatch *lru.Cache[dedup.Key, struct{}]
	undated *lru.Cache[dedup.Key, time.Time]
	now     func() time.Time

	mu        sync.RWMutex
	cfg       Config
	lastCycle CycleReport
	lastAt    time.Time
}

// New creates a scheduler
func New(deps Deps, cfg Config) *Scheduler {
	noMatch, _ := lru.New[dedup.Key, struct{}](noMatchCacheSize)
	undated, _ := lru.New[dedup.Key, time.Time](undatedCacheSize)
	return &Scheduler{
		deps:    deps,
		states:  newStateTable(),
		noMatch: noMatch,
		undated: undated,
		now:     time.Now,
		cfg:     cfg.withDefaults(),
	}
}

// SetConfig swaps the tunables; the next cycle picks them up
func (s *Scheduler) SetConfig(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	log.Info().
		Dur("interval", cfg.PollInterval).
		Int("limit", cfg.SignatureLimit).
		Int("workers", cfg.Workers).
		Msg("tracker config updated")
}

// Config returns the active tunables
func (s *Scheduler) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// States returns a snapshot of per-mint progress
func (s *Scheduler) States() map[string]MintStatus {
	return s.states.snapshot()
}

// LastCycle returns the most recent report and when it finished
func (s *Scheduler) LastCycle() (CycleReport, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCycle, s.lastAt
}

// Run loops until ctx is cancelled, sleeping PollInterval between cycle completions
func (s *Scheduler) Run(ctx context.Context) {
	log.Info().Dur("interval", s.Config().PollInterval).Msg("tracker started")

	for {
		if ctx.Err() != nil {
			break
		}
		s.RunCycle(ctx)

		timer := time.NewTimer(s.Config().PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	log.Info().Msg("tracker stopped")
}

// RunCycle makes one pass over the tracked set
func (s *Scheduler) RunCycle(ctx context.Context) CycleReport {
	start := s.now()
	cfg := s.Config()

	if pruned := s.deps.Ledger.Prune(start); pruned > 0 {
		log.Debug().Int("pruned", pruned).Msg("dedup ledger pruned")
	}

	mints, err := s.deps.Mints.ListMints(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to read tracked mints")
		return CycleReport{}
	}
	s.states.retain(mints)

	var (
		mu     sync.Mutex
		report = CycleReport{Mints: len(mints)}
	)

	var g errgroup.Group
	g.SetLimit(cfg.Workers)
	for _, mint := range mints {
		if ctx.Err() != nil {
			break
		}
		mint := mint
		g.Go(func() error {
			delivered, failed := s.processMint(ctx, cfg, mint)
			mu.Lock()
			report.Delivered += delivered
			report.Failed += failed
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.now().Sub(start)

	s.mu.Lock()
	s.lastCycle = report
	s.lastAt = s.now()
	s.mu.Unlock()

	if m := s.deps.Metrics; m != nil {
		m.CyclesTotal.Inc()
		m.CycleDuration.Observe(report.Duration.Seconds())
		m.TrackedMints.Set(float64(len(mints)))
		m.LedgerSize.Set(float64(s.deps.Ledger.Len()))
		m.LastCycleCompletion.SetToCurrentTime()
		m.RecordLatency(report.Duration.Milliseconds())
	}

	log.Debug().
		Int("mints", report.Mints).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Dur("took", report.Duration).
		Msg("cycle complete")

	return report
}

func (s *Scheduler) processMint(ctx context.Context, cfg Config, mint string) (delivered, failed int) {
	defer s.states.set(mint, StateIdle)

	s.states.set(mint, StateFetchingSignatures)
	records, err := s.deps.Chain.GetSignaturesForAddress(ctx, mint, cfg.SignatureLimit)
	if err != nil {
		s.states.polled(mint, s.now(), blockchain.Describe(err))
		s.upstreamError("signatures")
		log.Warn().Err(err).Str("mint", mint).Str("reason", blockchain.Describe(err)).Msg("skipping mint this cycle")
		return 0, 0
	}
	s.states.polled(mint, s.now(), "")

	// newest first from the node; deliver oldest first
	for i := len(records) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return delivered, failed
		}

		rec := records[i]
		key := dedup.Key{Mint: mint, Signature: rec.Signature}
		if rec.Failed() || s.tooOld(cfg, key, rec.BlockTime) {
			continue
		}
		if !s.deps.Ledger.ShouldNotify(key) || s.noMatch.Contains(key) {
			continue
		}

		switch err := s.processTransaction(ctx, cfg, key); {
		case err == nil:
			delivered++
		case errors.Is(err, errNoBuy):
		default:
			failed++
		}
	}
	return delivered, failed
}

// errNoBuy means the transaction needs no delivery this cycle
var errNoBuy = errors.New("no buy")

func (s *Scheduler) tooOld(cfg Config, key dedup.Key, blockTime int64) bool {
	if cfg.MaxAge <= 0 {
		return false
	}
	now := s.now()
	if blockTime != 0 {
		return now.Sub(time.Unix(blockTime, 0)) > cfg.MaxAge
	}

	// its ledger mark may already be pruned, so age it from first sight
	seen, ok := s.undated.Get(key)
	if !ok {
		s.undated.Add(key, now)
		return false
	}
	return now.Sub(seen) > cfg.MaxAge
}

// processTransaction returns nil only when a buy was delivered. It runs on a
// context detached from ctx so a started delivery finishes on shutdown,
// bounded by TxTimeout.
func (s *Scheduler) processTransaction(ctx context.Context, cfg Config, key dedup.Key) error {
	if !s.deps.Ledger.Claim(key) {
		return errNoBuy
	}
	delivered := false
	defer func() {
		if !delivered {
			s.deps.Ledger.Release(key)
		}
	}()

	txCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.TxTimeout)
	defer cancel()

	mint, sig := key.Mint, key.Signature
	logger := log.With().Str("mint", mint).Str("sig", sig).Logger()

	s.states.set(mint, StateFetchingDetails)
	detail, err := s.deps.Chain.GetTransaction(txCtx, sig)
	if err != nil {
		if errors.Is(err, blockchain.ErrNotFound) {
			// not yet visible at this commitment; retried next cycle
			s.countTx(outcomeNotFound)
			logger.Debug().Msg("transaction not found yet")
			return errNoBuy
		}
		s.countTx(outcomeError)
		s.upstreamError("transaction")
		logger.Warn().Err(err).Str("reason", blockchain.Describe(err)).Msg("failed to fetch transaction")
		return err
	}

	s.states.set(mint, StateDetecting)
	ev, ok := detector.Detect(mint, detail)
	if !ok {
		s.countTx(outcomeNoMatch)
		if len(detail.PreBalances) > 0 {
			s.noMatch.Add(key, struct{}{})
		}
		return errNoBuy
	}
	s.countTx(outcomeBuy)

	s.states.set(mint, StateEnriching)
	meta := s.deps.Resolver.Resolve(txCtx, mint)
	ev.Decimals = meta.Decimals
	n := s.deps.Formatter.Format(ev, meta)

	s.states.set(mint, StateDelivering)
	if err := s.deps.Notifier.Send(txCtx, n); err != nil {
		s.countNotification(outcomeUndeliv)
		logger.Error().Err(err).Msg("failed to deliver buy notification")
		return err
	}
	delivered = true
	s.countNotification(outcomeDelivered)
	s.states.delivered(mint)

	if err := s.deps.Ledger.MarkNotified(key); err != nil {
		logger.Warn().Err(err).Msg("failed to persist dedup mark")
	}

	logger.Info().
		Str("symbol", meta.Symbol).
		Str("amount", ev.Amount().String()).
		Str("spent", ev.NativeSpent.StringFixed(4)).
		Str("buyer", ev.Buyer).
		Msg("buy notified")

	if s.deps.BuyLog != nil {
		entry := &storage.BuyLog{
			Mint:        mint,
			Signature:   sig,
			Symbol:      meta.Symbol,
			Buyer:       ev.Buyer,
			AmountRaw:   ev.AmountRaw,
			Decimals:    ev.Decimals,
			NativeSpent: ev.NativeSpent.StringFixed(4),
			Timestamp:   s.now().Unix(),
		}
		if err := s.deps.BuyLog.InsertBuyLog(txCtx, entry); err != nil {
			logger.Warn().Err(err).Msg("failed to record buy log")
		}
	}
	return nil
}

func (s *Scheduler) countTx(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Transactions.WithLabelValues(outcome).Inc()
	}
}

func (s *Scheduler) countNotification(outcome string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Notifications.WithLabelValues(outcome).Inc()
	}
}

func (s *Scheduler) upstreamError(stage string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.UpstreamErrors.WithLabelValues(stage).Inc()
	}
}
