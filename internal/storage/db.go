package storage

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// DB wraps SQLite database
type DB struct {
	db *sql.DB
}

// TrackedMint is a watched token mint
type TrackedMint struct {
	Address string
	AddedBy string
	AddedAt int64
}

// NotifiedBuy is one delivered (mint, signature) pair
type NotifiedBuy struct {
	Mint       string
	Signature  string
	NotifiedAt time.Time
}

// BuyLog is a delivered buy kept for the status API
type BuyLog struct {
	ID          int64
	Mint        string
	Signature   string
	Symbol      string
	Buyer       string
	AmountRaw   uint64
	Decimals    uint8
	NativeSpent string // decimal string, e.g. "0.7200"
	Timestamp   int64
}

// NewDB creates a new database connection
func NewDB(path string) (*DB, error) {
	// _pragma=journal_mode(WAL) & _pragma=synchronous(NORMAL)
	dsn := path
	if !strings.Contains(path, "?") {
		dsn += "?"
	} else {
		dsn += "&"
	}
	dsn += "_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", path).Msg("database initialized")
	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tracked_mints (
		address TEXT PRIMARY KEY,
		added_by TEXT NOT NULL DEFAULT '',
		added_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS notified_buys (
		mint TEXT NOT NULL,
		signature TEXT NOT NULL,
		notified_at INTEGER NOT NULL,
		PRIMARY KEY (mint, signature)
	);

	CREATE TABLE IF NOT EXISTS buy_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		mint TEXT NOT NULL,
		signature TEXT NOT NULL,
		symbol TEXT NOT NULL,
		buyer TEXT NOT NULL,
		amount_raw TEXT NOT NULL,
		decimals INTEGER NOT NULL,
		native_spent TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_notified_buys_at ON notified_buys(notified_at);
	CREATE INDEX IF NOT EXISTS idx_buy_logs_timestamp ON buy_logs(timestamp);
	`

	_, err := db.Exec(schema)
	return err
}

// AddMint inserts a tracked mint; added is false when it was already tracked
func (d *DB) AddMint(ctx context.Context, address, addedBy string) (added bool, err error) {
	res, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO tracked_mints (address, added_by, added_at) VALUES (?, ?, ?)",
		address, addedBy, Now())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RemoveMint deletes a tracked mint; removed is false when it was not tracked
func (d *DB) RemoveMint(ctx context.Context, address string) (removed bool, err error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM tracked_mints WHERE address = ?", address)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListMints returns every tracked mint address
func (d *DB) ListMints(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT address FROM tracked_mints ORDER BY added_at, address")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mints []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		mints = append(mints, addr)
	}
	return mints, rows.Err()
}

// GetMints returns tracked mints with their provenance
func (d *DB) GetMints(ctx context.Context) ([]*TrackedMint, error) {
	rows, err := d.db.QueryContext(ctx, "SELECT address, added_by, added_at FROM tracked_mints ORDER BY added_at, address")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mints []*TrackedMint
	for rows.Next() {
		var m TrackedMint
		if err := rows.Scan(&m.Address, &m.AddedBy, &m.AddedAt); err != nil {
			return nil, err
		}
		mints = append(mints, &m)
	}
	return mints, rows.Err()
}

// InsertNotified records a delivered (mint, signature); repeated inserts are no-ops
func (d *DB) InsertNotified(ctx context.Context, mint, signature string, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO notified_buys (mint, signature, notified_at) VALUES (?, ?, ?)",
		mint, signature, at.Unix())
	return err
}

// LoadNotifiedSince returns delivered pairs at or after since
func (d *DB) LoadNotifiedSince(ctx context.Context, since time.Time) ([]NotifiedBuy, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT mint, signature, notified_at FROM notified_buys WHERE notified_at >= ?", since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []NotifiedBuy
	for rows.Next() {
		var (
			n  NotifiedBuy
			at int64
		)
		if err := rows.Scan(&n.Mint, &n.Signature, &at); err != nil {
			return nil, err
		}
		n.NotifiedAt = time.Unix(at, 0)
		out = append(out, n)
	}
	return out, rows.Err()
}

// PruneNotifiedBefore deletes delivered pairs older than before
func (d *DB) PruneNotifiedBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM notified_buys WHERE notified_at < ?", before.Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// InsertBuyLog logs a delivered buy
func (d *DB) InsertBuyLog(ctx context.Context, b *BuyLog) error {
	ts := b.Timestamp
	if ts == 0 {
		ts = Now()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO buy_logs (mint, signature, symbol, buyer, amount_raw, decimals, native_spent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Mint, b.Signature, b.Symbol, b.Buyer, formatUint(b.AmountRaw), b.Decimals, b.NativeSpent, ts)
	return err
}

// GetRecentBuys retrieves the most recent delivered buys
func (d *DB) GetRecentBuys(ctx context.Context, limit int) ([]*BuyLog, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, mint, signature, symbol, buyer, amount_raw, decimals, native_spent, timestamp
		FROM buy_logs ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var buys []*BuyLog
	for rows.Next() {
		var (
			b      BuyLog
			amount string
		)
		if err := rows.Scan(&b.ID, &b.Mint, &b.Signature, &b.Symbol, &b.Buyer, &amount, &b.Decimals, &b.NativeSpent, &b.Timestamp); err != nil {
			return nil, err
		}
		b.AmountRaw = parseUint(amount)
		buys = append(buys, &b)
	}
	return buys, rows.Err()
}

// Ping checks the database connection
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Now returns current Unix timestamp (helper)
func Now() int64 {
	return time.Now().Unix()
}

// amounts are stored as text because raw token amounts can exceed int64
func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseUint(s string) uint64 {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		log.Warn().Err(err).Str("value", s).Msg("corrupt amount in buy log")
		return 0
	}
	return v
}
