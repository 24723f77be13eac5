package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-buy-bot/internal/storage"
)

// DefaultRetention bounds how long delivered keys are remembered
const DefaultRetention = 24 * time.Hour

// Key identifies one notification
type Key struct {
	Mint      string
	Signature string
}

func (k Key) String() string {
	return k.Mint + "/" + k.Signature
}

// Ledger guarantees at-most-once delivery per Key.
//
// Claim atomically checks and reserves a key for an in-flight delivery.
// A successful delivery is committed with MarkNotified; a failed one is
// handed back with Release so a later cycle can retry it.
type Ledger interface {
	ShouldNotify(k Key) bool
	Claim(k Key) bool
	Release(k Key)
	MarkNotified(k Key) error
	Prune(now time.Time) int
	Len() int
}

// MemoryLedger is an in-process ledger; keys are lost on restart
type MemoryLedger struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	marked    map[Key]time.Time
	claimed   map[Key]struct{}
}

// NewMemoryLedger creates a ledger. retention <= 0 disables pruning.
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	return &MemoryLedger{
		retention: retention,
		now:       time.Now,
		marked:    make(map[Key]time.Time),
		claimed:   make(map[Key]struct{}),
	}
}

// ShouldNotify is false for delivered keys and keys claimed by an in-flight delivery
func (l *MemoryLedger) ShouldNotify(k Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.available(k)
}

// Claim reserves k; false means another worker holds it or it was delivered
func (l *MemoryLedger) Claim(k Key) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.available(k) {
		return false
	}
	l.claimed[k] = struct{}{}
	return true
}

// Release drops a reservation without marking
func (l *MemoryLedger) Release(k Key) {
	l.mu.Lock()
	delete(l.claimed, k)
	l.mu.Unlock()
}

// MarkNotified commits k; calling it again is a no-op
func (l *MemoryLedger) MarkNotified(k Key) error {
	l.mark(k, l.now())
	return nil
}

// Prune evicts keys delivered before now-retention and returns how many were dropped
func (l *MemoryLedger) Prune(now time.Time) int {
	if l.retention <= 0 {
		return 0
	}
	cutoff := now.Add(-l.retention)

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, at := range l.marked {
		if at.Before(cutoff) {
			delete(l.marked, k)
			n++
		}
	}
	return n
}

// Len returns the number of delivered keys held
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.marked)
}

// Retention returns the configured window
func (l *MemoryLedger) Retention() time.Duration {
	return l.retention
}

func (l *MemoryLedger) available(k Key) bool {
	if _, ok := l.marked[k]; ok {
		return false
	}
	_, inFlight := l.claimed[k]
	return !inFlight
}

// mark keeps the first delivery time so repeated marks do not extend retention
func (l *MemoryLedger) mark(k Key, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.marked[k]; !ok {
		l.marked[k] = at
	}
	delete(l.claimed, k)
}

// Store is the persistence the durable ledger writes through to
type Store interface {
	InsertNotified(ctx context.Context, mint, signature string, at time.Time) error
	LoadNotifiedSince(ctx context.Context, since time.Time) ([]storage.NotifiedBuy, error)
	PruneNotifiedBefore(ctx context.Context, before time.Time) (int64, error)
}

// storeTimeout bounds a single write-through
const storeTimeout = 5 * time.Second

// DurableLedger mirrors a MemoryLedger into a Store so delivered keys survive restarts
type DurableLedger struct {
	*MemoryLedger
	store Store
}

// NewDurableLedger loads keys delivered within the retention window from store
func NewDurableLedger(ctx context.Context, store Store, retention time.Duration) (*DurableLedger, error) {
	mem := NewMemoryLedger(retention)

	since := time.Unix(0, 0)
	if retention > 0 {
		since = mem.now().Add(-retention)
	}
	rows, err := store.LoadNotifiedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("load notified buys: %w", err)
	}
	for _, r := range rows {
		mem.mark(Key{Mint: r.Mint, Signature: r.Signature}, r.NotifiedAt)
	}

	log.Info().Int("keys", len(rows)).Dur("retention", retention).Msg("dedup ledger restored")
	return &DurableLedger{MemoryLedger: mem, store: store}, nil
}

// MarkNotified commits k in memory first, then persists it.
// A persistence failure is returned but the in-memory mark stands.
func (l *DurableLedger) MarkNotified(k Key) error {
	at := l.now()
	l.mark(k, at)

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := l.store.InsertNotified(ctx, k.Mint, k.Signature, at); err != nil {
		return fmt.Errorf("persist %s: %w", k, err)
	}
	return nil
}

// Prune evicts from memory and from the store
func (l *DurableLedger) Prune(now time.Time) int {
	n := l.MemoryLedger.Prune(now)
	if l.retention <= 0 {
		return n
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := l.store.PruneNotifiedBefore(ctx, now.Add(-l.retention)); err != nil {
		log.Warn().Err(err).Msg("failed to prune persisted dedup keys")
	}
	return n
}
