// Package store persists enriched option records to SQLite. Writes are best
// effort; the streaming path never blocks on the database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"github.com/tush16/TastyTrade/internal/stream"
)

// Compile-time interface check.
var _ stream.RecordSink = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS option_chain_data (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol            TEXT NOT NULL,
	underlying_symbol TEXT NOT NULL,
	expiry_date       TEXT NOT NULL,
	strike_price      REAL NOT NULL,
	option_type       TEXT NOT NULL,
	iv_strike         REAL,
	mid_price         REAL,
	bid_price         REAL,
	ask_price         REAL,
	vega              REAL,
	theta             REAL,
	pmp               REAL,
	pop               REAL,
	max_profit        REAL,
	max_loss          REAL,
	ev                REAL,
	underlying_price  REAL,
	created_at        TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now')),
	UNIQUE (symbol, underlying_symbol, expiry_date, strike_price, option_type,
		iv_strike, mid_price, bid_price, ask_price, vega, theta)
);
CREATE INDEX IF NOT EXISTS idx_option_chain_topic
	ON option_chain_data (underlying_symbol, expiry_date);
`

const insertRecord = `
INSERT INTO option_chain_data (
	symbol, underlying_symbol, expiry_date, strike_price, option_type,
	iv_strike, mid_price, bid_price, ask_price, vega, theta,
	pmp, pop, max_profit, max_loss, ev, underlying_price
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (symbol, underlying_symbol, expiry_date, strike_price, option_type,
	iv_strike, mid_price, bid_price, ask_price, vega, theta)
DO NOTHING`

// SQLiteStore writes option records to a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath and ensures the
// schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver is single-writer; serialize through one connection.
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// InsertRecord writes one record. Exact duplicates of a previously written
// row are silently skipped.
func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *stream.Record) error {
	var maxLoss, ev sql.NullFloat64
	if rec.MaxLoss != nil {
		maxLoss = sql.NullFloat64{Float64: *rec.MaxLoss, Valid: true}
	}
	if rec.EV != nil {
		ev = sql.NullFloat64{Float64: *rec.EV, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, insertRecord,
		rec.Symbol,
		rec.Underlying,
		rec.Expiry,
		rec.Strike,
		string(rec.OptionType),
		rec.IVStrike,
		rec.MidPrice,
		rec.BidPrice,
		rec.AskPrice,
		rec.Vega,
		rec.Theta,
		rec.PMP,
		rec.POP,
		rec.MaxProfit,
		maxLoss,
		ev,
		rec.UnderlyingPrice,
	)
	if err != nil {
		return fmt.Errorf("insert option record: %w", err)
	}
	return nil
}

// CountRecords reports how many rows exist for a topic. Used by operational
// tooling and tests.
func (s *SQLiteStore) CountRecords(ctx context.Context, underlying, expiry string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM option_chain_data WHERE underlying_symbol = ? AND expiry_date = ?`,
		underlying, expiry).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count option records: %w", err)
	}
	return n, nil
}
