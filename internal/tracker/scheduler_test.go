package tracker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-buy-bot/internal/blockchain"
	"solana-buy-bot/internal/dedup"
	"solana-buy-bot/internal/notify"
	"solana-buy-bot/internal/storage"
	"solana-buy-bot/internal/token"
)

const (
	mint1 = "MINT1"
	mint2 = "MINT2"
)

type fakeChain struct {
	mu        sync.Mutex
	sigs      map[string][]blockchain.SignatureRecord
	sigErr    map[string]error
	details   map[string]*blockchain.TransactionDetail
	detailErr map[string]error
	txCalls   map[string]int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		sigs:      make(map[string][]blockchain.SignatureRecord),
		sigErr:    make(map[string]error),
		details:   make(map[string]*blockchain.TransactionDetail),
		detailErr: make(map[string]error),
		txCalls:   make(map[string]int),
	}
}

func (c *fakeChain) GetSignaturesForAddress(ctx context.Context, address string, limit int) ([]blockchain.SignatureRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sigErr[address]; err != nil {
		return nil, err
	}
	recs := c.sigs[address]
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (c *fakeChain) GetTransaction(ctx context.Context, sig string) (*blockchain.TransactionDetail, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.txCalls[sig]++
	if err := c.detailErr[sig]; err != nil {
		return nil, err
	}
	d, ok := c.details[sig]
	if !ok {
		return nil, &blockchain.NotFoundError{Kind: "transaction", Key: sig}
	}
	return d, nil
}

func (c *fakeChain) calls(sig string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txCalls[sig]
}

// buy adds a buy of mint to the newest-first signature list
func (c *fakeChain) buy(mint, sig string) {
	c.sigs[mint] = append([]blockchain.SignatureRecord{{Signature: sig}}, c.sigs[mint]...)
	c.details[sig] = &blockchain.TransactionDetail{
		Signature:    sig,
		PreBalances:  []uint64{2_000_000_000},
		PostBalances: []uint64{1_280_000_000},
		AccountKeys:  []string{"PAYER"},
		InnerInstructions: []blockchain.ParsedInstruction{
			{Type: blockchain.InstructionTransfer, Mint: mint, Destination: "BUYER", AmountRaw: 1_500_000},
		},
	}
}

type fakeMints struct {
	mints []string
	err   error
}

func (m *fakeMints) ListMints(ctx context.Context) ([]string, error) {
	return m.mints, m.err
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, mint string) token.TokenMetadata {
	return token.TokenMetadata{Mint: mint, Name: "Bonk", Symbol: "BONK", Decimals: 6}
}

type fakeNotifier struct {
	mu     sync.Mutex
	sent   []notify.Notification
	fail   int
	onSend func(ctx context.Context)
}

func (n *fakeNotifier) Send(ctx context.Context, msg notify.Notification) error {
	if n.onSend != nil {
		n.onSend(ctx)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail > 0 {
		n.fail--
		return &notify.DeliveryError{Attempts: 3, Err: errors.New("telegram down")}
	}
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNotifier) links() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, m := range n.sent {
		out = append(out, m.ActionLink)
	}
	return out
}

type fakeBuyLog struct {
	mu   sync.Mutex
	logs []*storage.BuyLog
}

func (b *fakeBuyLog) InsertBuyLog(ctx context.Context, l *storage.BuyLog) error {
	b.mu.Lock()
	b.logs = append(b.logs, l)
	b.mu.Unlock()
	return nil
}

type harness struct {
	chain    *fakeChain
	mints    *fakeMints
	notifier *fakeNotifier
	ledger   *dedup.MemoryLedger
	buyLog   *fakeBuyLog
	metrics  *Metrics
	sched    *Scheduler
}

func newHarness(t *testing.T, mints ...string) *harness {
	t.Helper()
	h := &harness{
		chain:    newFakeChain(),
		mints:    &fakeMints{mints: mints},
		notifier: &fakeNotifier{},
		ledger:   dedup.NewMemoryLedger(dedup.DefaultRetention),
		buyLog:   &fakeBuyLog{},
		metrics:  NewMetrics(prometheus.NewRegistry()),
	}
	h.sched = New(Deps{
		Chain:     h.chain,
		Mints:     h.mints,
		Resolver:  fakeResolver{},
		Formatter: notify.NewFormatter("https://solscan.io", ""),
		Notifier:  h.notifier,
		Ledger:    h.ledger,
		BuyLog:    h.buyLog,
		Metrics:   h.metrics,
	}, Config{Workers: 2, SignatureLimit: 10})
	return h
}

func txLink(sig string) string {
	return "https://solscan.io/tx/" + sig
}

func TestRunCycle_DeliversOnceAcrossCycles(t *testing.T) {
	h := newHarness(t, mint1)
	h.chain.buy(mint1, "SIG1")
	ctx := context.Background()

	first := h.sched.RunCycle(ctx)
	second := h.sched.RunCycle(ctx)

	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, 0, second.Delivered)
	assert.Equal(t, []string{txLink("SIG1")}, h.notifier.links())
	assert.Equal(t, 1, h.chain.calls("SIG1"), "delivered signature must not be refetched")
	assert.False(t, h.ledger.ShouldNotify(dedup.Key{Mint: mint1, Signature: "SIG1"}))

	require.Len(t, h.buyLog.logs, 1)
	logged := h.buyLog.logs[0]
	assert.Equal(t, "BONK", logged.Symbol)
	assert.Equal(t, "BUYER", logged.Buyer)
	assert.Equal(t, uint8(6), logged.Decimals)
	assert.Equal(t, "0.7200", logged.NativeSpent)

	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.CyclesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Notifications.WithLabelValues(outcomeDelivered)))
}

func TestRunCycle_OldestFirst(t *testing.T) {
	h := newHarness(t, mint1)
	h.chain.buy(mint1, "SIG1")
	h.chain.buy(mint1, "SIG2")
	h.chain.buy(mint1, "SIG3")

	h.sched.RunCycle(context.Background())

	assert.Equal(t, []string{txLink("SIG1"), txLink("SIG2"), txLink("SIG3")}, h.notifier.links())
}

func TestRunCycle_SkipsFailedAndStaleSignatures(t *testing.T) {
	h := newHarness(t, mint1)
	now := time.Unix(1_700_000_000, 0)
	h.sched.now = func() time.Time { return now }
	h.sched.SetConfig(Config{Workers: 1, MaxAge: time.Hour})

	h.chain.buy(mint1, "OLD")
	h.chain.buy(mint1, "FAILED")
	h.chain.buy(mint1, "FRESH")
	h.chain.sigs[mint1][0].BlockTime = now.Add(-time.Minute).Unix()
	h.chain.sigs[mint1][1].Err = map[string]interface{}{"InstructionError": []interface{}{0, "Custom"}}
	h.chain.sigs[mint1][2].BlockTime = now.Add(-2 * time.Hour).Unix()

	h.sched.RunCycle(context.Background())

	assert.Equal(t, []string{txLink("FRESH")}, h.notifier.links())
	assert.Zero(t, h.chain.calls("FAILED"))
	assert.Zero(t, h.chain.calls("OLD"))
}

func TestRunCycle_UndatedSignatureNotRedeliveredAfterPrune(t *testing.T) {
	h := newHarness(t, mint1)
	h.ledger = dedup.NewMemoryLedger(time.Hour)
	h.sched.deps.Ledger = h.ledger
	now := time.Now()
	h.sched.now = func() time.Time { return now }
	h.sched.SetConfig(Config{Workers: 1, MaxAge: time.Hour})

	h.chain.buy(mint1, "UNDATED")

	first := h.sched.RunCycle(context.Background())
	assert.Equal(t, 1, first.Delivered)

	now = now.Add(2 * time.Hour)
	second := h.sched.RunCycle(context.Background())

	assert.Zero(t, h.ledger.Len(), "mark should have been pruned")
	assert.Equal(t, 0, second.Delivered)
	assert.Equal(t, []string{txLink("UNDATED")}, h.notifier.links())
	assert.Equal(t, 1, h.chain.calls("UNDATED"))
}

func TestRunCycle_TransactionFailureIsIsolated(t *testing.T) {
	h := newHarness(t, mint1)
	h.chain.buy(mint1, "SIG1")
	h.chain.buy(mint1, "SIG2")
	h.chain.buy(mint1, "SIG3")
	h.chain.detailErr["SIG2"] = &blockchain.UpstreamError{Method: "getTransaction", Attempts: 3, Err: errors.New("503")}

	report := h.sched.RunCycle(context.Background())

	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{txLink("SIG1"), txLink("SIG3")}, h.notifier.links())
	assert.True(t, h.ledger.ShouldNotify(dedup.Key{Mint: mint1, Signature: "SIG2"}))

	// upstream recovers
	delete(h.chain.detailErr, "SIG2")
	h.sched.RunCycle(context.Background())
	assert.Equal(t, []string{txLink("SIG1"), txLink("SIG3"), txLink("SIG2")}, h.notifier.links())
}

func TestRunCycle_DeliveryFailureIsRetriedNextCycle(t *testing.T) {
	h := newHarness(t, mint1)
	h.chain.buy(mint1, "SIG1")
	h.notifier.fail = 1
	key := dedup.Key{Mint: mint1, Signature: "SIG1"}

	report := h.sched.RunCycle(context.Background())
	assert.Equal(t, 1, report.Failed)
	assert.True(t, h.ledger.ShouldNotify(key), "failed delivery must not be marked")
	assert.Empty(t, h.buyLog.logs)

	h.sched.RunCycle(context.Background())
	assert.Equal(t, []string{txLink("SIG1")}, h.notifier.links())
	assert.False(t, h.ledger.ShouldNotify(key))
}

func TestRunCycle_SignatureFailureSkipsOnlyThatMint(t *testing.T) {
	h := newHarness(t, mint1, mint2)
	h.chain.sigErr[mint1] = &blockchain.UpstreamError{Method: "getSignaturesForAddress", Attempts: 3, Err: errors.New("429")}
	h.chain.buy(mint1, "SIG1")
	h.chain.buy(mint2, "SIG2")

	h.sched.RunCycle(context.Background())

	assert.Equal(t, []string{txLink("SIG2")}, h.notifier.links())
	states := h.sched.States()
	assert.NotEmpty(t, states[mint1].LastError)
	assert.Empty(t, states[mint2].LastError)
	assert.Equal(t, StateIdle, states[mint1].State)
	assert.Equal(t, int64(1), states[mint2].Delivered)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.UpstreamErrors.WithLabelValues("signatures")))
}

func TestRunCycle_NoMatchIsNotRefetched(t *testing.T) {
	h := newHarness(t, mint1)
	h.chain.buy(mint1, "SIG1")
	h.chain.details["SIG1"].InnerInstructions[0].Mint = "OTHER"

	h.sched.RunCycle(context.Background())
	h.sched.RunCycle(context.Background())

	assert.Empty(t, h.notifier.links())
	assert.Equal(t, 1, h.chain.calls("SIG1"))
}

func TestRunCycle_NotFoundIsRetried(t *testing.T) {
	h := newHarness(t, mint1)
	h.chain.sigs[mint1] = []blockchain.SignatureRecord{{Signature: "LATE"}}

	report := h.sched.RunCycle(context.Background())
	assert.Zero(t, report.Failed)

	h.chain.buy(mint1, "LATE")
	h.chain.sigs[mint1] = h.chain.sigs[mint1][:1]
	h.sched.RunCycle(context.Background())

	assert.Equal(t, []string{txLink("LATE")}, h.notifier.links())
	assert.Equal(t, 2, h.chain.calls("LATE"))
}

func TestRunCycle_MintListFailure(t *testing.T) {
	h := newHarness(t)
	h.mints.err = errors.New("database is locked")

	report := h.sched.RunCycle(context.Background())

	assert.Equal(t, CycleReport{}, report)
	assert.Empty(t, h.notifier.links())
}

func TestRunCycle_CancellationFinishesInFlightTransaction(t *testing.T) {
	h := newHarness(t, mint1)
	h.chain.buy(mint1, "SIG1")
	h.chain.buy(mint1, "SIG2")

	ctx, cancel := context.WithCancel(context.Background())
	var sendErr error
	h.notifier.onSend = func(txCtx context.Context) {
		cancel()
		sendErr = txCtx.Err()
	}

	h.sched.RunCycle(ctx)

	assert.NoError(t, sendErr, "in-flight delivery must survive cancellation")
	assert.Equal(t, []string{txLink("SIG1")}, h.notifier.links())
	assert.False(t, h.ledger.ShouldNotify(dedup.Key{Mint: mint1, Signature: "SIG1"}))
	assert.Zero(t, h.chain.calls("SIG2"), "no new transaction after cancellation")
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t, mint1)
	h.sched.SetConfig(Config{PollInterval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, at := h.sched.LastCycle()
		return !at.IsZero()
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on cancellation")
	}
}

func TestSetConfig_AppliesDefaultsAndClamp(t *testing.T) {
	h := newHarness(t)
	h.sched.SetConfig(Config{SignatureLimit: 500})

	cfg := h.sched.Config()
	assert.Equal(t, blockchain.MaxSignatureLimit, cfg.SignatureLimit)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultWorkers, cfg.Workers)
	assert.Equal(t, DefaultTxTimeout, cfg.TxTimeout)
}

func TestMetrics_Latency(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	assert.Zero(t, m.P50())

	for i := int64(1); i <= 100; i++ {
		m.RecordLatency(i)
	}
	assert.Equal(t, int64(51), m.P50())
	assert.Equal(t, int64(96), m.P95())
	assert.Equal(t, int64(50), m.Avg())
}
