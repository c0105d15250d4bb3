// Package ledger keeps the session's trade history in SQLite.
//
// The default DSN is a shared in-memory database, so history lives exactly as
// long as the process. Records are appended on execution and resolved once
// when the contract settles.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradesignal/internal/model"
)

// DefaultDSN is a process-scoped in-memory database.
const DefaultDSN = "file:ledger?mode=memory&cache=shared"

var (
	ErrNotFound        = errors.New("trade not found")
	ErrAlreadyResolved = errors.New("trade already resolved")
	ErrDuplicateTrade  = errors.New("duplicate trade id")
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT    NOT NULL UNIQUE,
	contract_id   TEXT,
	instrument    TEXT    NOT NULL,
	direction     TEXT    NOT NULL,
	amount        TEXT    NOT NULL,
	duration_min  INTEGER NOT NULL,
	entry_quote   REAL    NOT NULL,
	confirmations TEXT    NOT NULL,
	opened_at     INTEGER NOT NULL,
	resolved      INTEGER NOT NULL DEFAULT 0,
	profit        TEXT,
	exit_quote    REAL,
	settled_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_trades_opened_at ON trades(opened_at);
CREATE INDEX IF NOT EXISTS idx_trades_contract ON trades(contract_id);
`

const selectColumns = `id, contract_id, instrument, direction, amount, duration_min,
	entry_quote, confirmations, opened_at, resolved, profit`

// Ledger persists trade records. Safe for concurrent use.
type Ledger struct {
	mu  sync.Mutex
	db  *sql.DB
	log zerolog.Logger
}

// Open creates the schema on dsn. An empty dsn uses DefaultDSN.
func Open(dsn string, log zerolog.Logger) (*Ledger, error) {
	if dsn == "" {
		dsn = DefaultDSN
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger open: %w", err)
	}

	// One connection keeps a shared in-memory database alive and serialises writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}

	l := &Ledger{db: db, log: log.With().Str("component", "ledger").Logger()}
	l.log.Info().Str("dsn", dsn).Msg("trade ledger opened")
	return l, nil
}

// DB exposes the handle for health checks.
func (l *Ledger) DB() *sql.DB { return l.db }

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

// Append stores a newly executed trade.
func (l *Ledger) Append(ctx context.Context, rec model.TradeRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("append: empty trade id")
	}
	confirmations, err := json.Marshal(nonNil(rec.Confirmations))
	if err != nil {
		return fmt.Errorf("append %s: %w", rec.ID, err)
	}

	var profit sql.NullString
	if rec.OutcomeKnown && rec.Profit != nil {
		profit = sql.NullString{String: rec.Profit.String(), Valid: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO trades (id, contract_id, instrument, direction, amount, duration_min,
		 entry_quote, confirmations, opened_at, resolved, profit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		nullString(rec.ContractID),
		rec.Instrument,
		string(rec.Direction),
		rec.Amount.String(),
		rec.DurationMinutes,
		rec.EntryQuote,
		string(confirmations),
		rec.Timestamp.UnixMilli(),
		boolInt(profit.Valid),
		profit,
	)
	if err != nil {
		if l.existsLocked(ctx, rec.ID) {
			return fmt.Errorf("append %s: %w", rec.ID, ErrDuplicateTrade)
		}
		return fmt.Errorf("append %s: %w", rec.ID, err)
	}
	return nil
}

// Resolve records the outcome of a settlement, matching on trade id first
// and contract id second. A trade is resolved at most once.
func (l *Ledger) Resolve(ctx context.Context, s model.Settlement) (model.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("resolve: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+selectColumns+` FROM trades
		 WHERE (id = ? AND ? <> '') OR (contract_id = ? AND ? <> '')
		 ORDER BY seq DESC LIMIT 1`,
		s.TradeID, s.TradeID, s.ContractID, s.ContractID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TradeRecord{}, fmt.Errorf("resolve trade=%q contract=%q: %w", s.TradeID, s.ContractID, ErrNotFound)
	}
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("resolve: %w", err)
	}
	if rec.OutcomeKnown {
		return rec, fmt.Errorf("resolve %s: %w", rec.ID, ErrAlreadyResolved)
	}

	settledAt := s.SettledAt
	if settledAt.IsZero() {
		settledAt = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE trades SET resolved = 1, profit = ?, exit_quote = ?, settled_at = ? WHERE id = ?`,
		s.Profit.String(), s.ExitQuote, settledAt.UnixMilli(), rec.ID); err != nil {
		return model.TradeRecord{}, fmt.Errorf("resolve %s: %w", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return model.TradeRecord{}, fmt.Errorf("resolve %s: %w", rec.ID, err)
	}

	profit := s.Profit
	rec.OutcomeKnown = true
	rec.Profit = &profit
	l.log.Info().
		Str("trade_id", rec.ID).
		Str("direction", string(rec.Direction)).
		Str("profit", profit.String()).
		Msg("trade resolved")
	return rec, nil
}

// Get returns one trade by id.
func (l *Ledger) Get(ctx context.Context, id string) (model.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	row := l.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM trades WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TradeRecord{}, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("get %s: %w", id, err)
	}
	return rec, nil
}

// Recent returns the last n trades, oldest first. n <= 0 returns all.
func (l *Ledger) Recent(ctx context.Context, n int) ([]model.TradeRecord, error) {
	return l.RecentSince(ctx, time.Time{}, n)
}

// RecentSince returns the last n trades opened at or after t, oldest first.
// n <= 0 returns all of them.
func (l *Ledger) RecentSince(ctx context.Context, t time.Time, n int) ([]model.TradeRecord, error) {
	limit := n
	if limit <= 0 {
		limit = -1
	}
	return l.query(ctx,
		`SELECT * FROM (SELECT seq, `+selectColumns+` FROM trades WHERE opened_at >= ? ORDER BY seq DESC LIMIT ?) ORDER BY seq ASC`,
		true, t.UnixMilli(), limit)
}

// Since returns every trade opened at or after t, oldest first.
func (l *Ledger) Since(ctx context.Context, t time.Time) ([]model.TradeRecord, error) {
	return l.query(ctx,
		`SELECT `+selectColumns+` FROM trades WHERE opened_at >= ? ORDER BY seq ASC`,
		false, t.UnixMilli())
}

func (l *Ledger) query(ctx context.Context, q string, withSeq bool, args ...any) ([]model.TradeRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", err)
	}
	defer rows.Close()

	var out []model.TradeRecord
	for rows.Next() {
		var rec model.TradeRecord
		if withSeq {
			rec, err = scanRecordSeq(rows)
		} else {
			rec, err = scanRecord(rows)
		}
		if err != nil {
			return nil, fmt.Errorf("ledger scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *Ledger) existsLocked(ctx context.Context, id string) bool {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM trades WHERE id = ?`, id).Scan(&n)
	return err == nil && n > 0
}

// Stats summarises a set of trades.
type Stats struct {
	Trades     int             `json:"trades"`
	Resolved   int             `json:"resolved"`
	Wins       int             `json:"wins"`
	Losses     int             `json:"losses"`
	WinRate    float64         `json:"win_rate"` // percent of resolved trades
	NetProfit  decimal.Decimal `json:"net_profit"`
	Staked     decimal.Decimal `json:"staked"`
	LossStreak int             `json:"loss_streak"` // trailing consecutive losses
}

// Summarize computes Stats over records given oldest first.
// A resolved trade with non-positive profit counts as a loss.
func Summarize(records []model.TradeRecord) Stats {
	s := Stats{NetProfit: decimal.Zero, Staked: decimal.Zero}
	for _, rec := range records {
		s.Trades++
		s.Staked = s.Staked.Add(rec.Amount)
		if !rec.OutcomeKnown || rec.Profit == nil {
			continue
		}
		s.Resolved++
		s.NetProfit = s.NetProfit.Add(*rec.Profit)
		if rec.Won() {
			s.Wins++
			s.LossStreak = 0
		} else {
			s.Losses++
			s.LossStreak++
		}
	}
	if s.Resolved > 0 {
		s.WinRate = math.Round(float64(s.Wins)/float64(s.Resolved)*1000) / 10
	}
	return s
}

// Stats summarises trades opened at or after since.
func (l *Ledger) Stats(ctx context.Context, since time.Time) (Stats, error) {
	records, err := l.Since(ctx, since)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(records), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecordSeq(s scanner) (model.TradeRecord, error) {
	var seq int64
	return scanInto(s, &seq)
}

func scanRecord(s scanner) (model.TradeRecord, error) {
	return scanInto(s)
}

func scanInto(s scanner, prefix ...any) (model.TradeRecord, error) {
	var (
		rec           model.TradeRecord
		contractID    sql.NullString
		direction     string
		amount        string
		confirmations string
		openedAt      int64
		resolved      int
		profit        sql.NullString
	)
	dest := append(prefix,
		&rec.ID, &contractID, &rec.Instrument, &direction, &amount, &rec.DurationMinutes,
		&rec.EntryQuote, &confirmations, &openedAt, &resolved, &profit)
	if err := s.Scan(dest...); err != nil {
		return model.TradeRecord{}, err
	}

	rec.ContractID = contractID.String
	rec.Direction = model.Direction(direction)
	rec.Timestamp = time.UnixMilli(openedAt).UTC()

	amt, err := decimal.NewFromString(amount)
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("amount %q: %w", amount, err)
	}
	rec.Amount = amt

	if err := json.Unmarshal([]byte(confirmations), &rec.Confirmations); err != nil {
		return model.TradeRecord{}, fmt.Errorf("confirmations: %w", err)
	}
	if len(rec.Confirmations) == 0 {
		rec.Confirmations = nil
	}

	if resolved == 1 && profit.Valid {
		p, err := decimal.NewFromString(profit.String)
		if err != nil {
			return model.TradeRecord{}, fmt.Errorf("profit %q: %w", profit.String, err)
		}
		rec.OutcomeKnown = true
		rec.Profit = &p
	}
	return rec, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
