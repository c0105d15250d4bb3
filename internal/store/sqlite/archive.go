// Package sqlite archives closed candles per symbol and granularity so a
// backtest can replay them without a broker connection.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"tradesignal/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Archive is a candle table in a SQLite file opened in WAL mode.
type Archive struct {
	db  *sql.DB
	log zerolog.Logger

	// OnCommit is called after each batch commit (set before Run).
	OnCommit func(n int, took time.Duration)
}

// Open opens (creating when missing) the archive at path.
func Open(path string, log zerolog.Logger) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// Single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol      TEXT    NOT NULL,
			granularity INTEGER NOT NULL,
			ts          INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			PRIMARY KEY (symbol, granularity, ts)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	a := &Archive{db: db, log: log.With().Str("component", "archive").Logger()}
	a.log.Info().Str("path", path).Msg("opened candle archive")
	return a, nil
}

// DB returns the underlying handle for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// Close closes the database.
func (a *Archive) Close() error { return a.db.Close() }

// Save upserts candles in one transaction. Invalid candles are skipped.
func (a *Archive) Save(ctx context.Context, symbol string, granularity int, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO candles (symbol, granularity, ts, open, high, low, close)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if !c.Valid() {
			continue
		}
		if _, err := stmt.ExecContext(ctx, symbol, granularity, c.Time, c.Open, c.High, c.Low, c.Close); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert %s@%d: %w", symbol, c.Time, err)
		}
	}
	return tx.Commit()
}

// Candles returns the archived candles after afterTS, oldest first.
// limit <= 0 returns all of them.
func (a *Archive) Candles(ctx context.Context, symbol string, granularity int, afterTS int64, limit int) ([]model.Candle, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := a.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close
		FROM candles
		WHERE symbol = ? AND granularity = ? AND ts > ?
		ORDER BY ts ASC
		LIMIT ?
	`, symbol, granularity, afterTS, limit)
	if err != nil {
		return nil, fmt.Errorf("query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		var c model.Candle
		if err := rows.Scan(&c.Time, &c.Open, &c.High, &c.Low, &c.Close); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastTime returns the newest archived bucket start, or 0 when empty.
func (a *Archive) LastTime(ctx context.Context, symbol string, granularity int) (int64, error) {
	var ts sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM candles WHERE symbol = ? AND granularity = ?`,
		symbol, granularity,
	).Scan(&ts)
	if err != nil {
		return 0, fmt.Errorf("last candle: %w", err)
	}
	return ts.Int64, nil
}

// Record is a closed candle tagged with its series.
type Record struct {
	Symbol      string
	Granularity int
	Candle      model.Candle
}

// Run archives records in batched transactions, flushing every
// defaultBatchSize records or defaultFlushDelay, whichever comes first.
// It returns when ctx is cancelled or in is closed, after a final flush.
func (a *Archive) Run(ctx context.Context, in <-chan Record) {
	batch := make([]Record, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := a.saveRecords(batch); err != nil {
			a.log.Warn().Err(err).Int("count", len(batch)).Msg("batch insert failed")
		} else if a.OnCommit != nil {
			a.OnCommit(len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case rec, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

func (a *Archive) saveRecords(recs []Record) error {
	// The flush runs after ctx may be cancelled, so it gets its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	type series struct {
		symbol      string
		granularity int
	}
	grouped := make(map[series][]model.Candle)
	var order []series
	for _, r := range recs {
		k := series{r.Symbol, r.Granularity}
		if _, ok := grouped[k]; !ok {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], r.Candle)
	}
	for _, k := range order {
		if err := a.Save(ctx, k.symbol, k.granularity, grouped[k]); err != nil {
			return err
		}
	}
	return nil
}
