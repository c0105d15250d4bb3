// Package candlestore turns a live tick stream into a bounded candle series
// for a single instrument and hands out immutable snapshots of it.
package candlestore

import (
	"errors"
	"fmt"

	"tradesignal/internal/model"
	"tradesignal/internal/ringbuf"
)

var (
	// ErrMalformedTick is returned for ticks with a non-finite or non-positive quote or epoch.
	ErrMalformedTick = errors.New("malformed tick")
	// ErrLateTick is returned for ticks older than the current candle's bucket.
	ErrLateTick = errors.New("late tick")
	// ErrSymbolMismatch is returned for ticks addressed to another instrument.
	ErrSymbolMismatch = errors.New("tick symbol mismatch")
	// ErrUnorderedHistory is returned when history is not strictly increasing in time.
	ErrUnorderedHistory = errors.New("history not strictly increasing")
	// ErrInvalidCandle is returned when a history candle breaks the OHLC invariant.
	ErrInvalidCandle = errors.New("invalid candle")
)

// Defaults used when Config leaves a field at zero.
const (
	DefaultBucketSeconds = 60
	DefaultMaxCandles    = 500
)

// Config sizes a Store.
type Config struct {
	Symbol        string
	BucketSeconds int64 // candle granularity
	MaxCandles    int   // N, capacity of the candle series
	MaxTicks      int   // capacity of the raw tick buffer, defaults to MaxCandles
}

// Snapshot is a point-in-time copy of the store. It shares no memory with the store.
type Snapshot struct {
	Symbol        string         `json:"symbol"`
	BucketSeconds int64          `json:"bucket_seconds"`
	Candles       []model.Candle `json:"candles"`
	Ticks         []model.Tick   `json:"ticks"`
}

// LastCandle returns the newest candle in the snapshot.
func (s Snapshot) LastCandle() (model.Candle, bool) {
	if len(s.Candles) == 0 {
		return model.Candle{}, false
	}
	return s.Candles[len(s.Candles)-1], true
}

// Store owns the candle series and tick buffer of one instrument.
// It is not safe for concurrent use: one goroutine ingests and snapshots.
type Store struct {
	symbol string
	bucket int64

	candles *ringbuf.Ring[model.Candle]
	ticks   *ringbuf.Ring[model.Tick]

	// Metrics hooks (optional, set externally)
	OnLateTick      func()
	OnMalformedTick func()
	OnCandleClosed  func(model.Candle)
}

// New creates an empty store.
func New(cfg Config) *Store {
	if cfg.BucketSeconds <= 0 {
		cfg.BucketSeconds = DefaultBucketSeconds
	}
	if cfg.MaxCandles <= 0 {
		cfg.MaxCandles = DefaultMaxCandles
	}
	if cfg.MaxTicks <= 0 {
		cfg.MaxTicks = cfg.MaxCandles
	}
	return &Store{
		symbol:  cfg.Symbol,
		bucket:  cfg.BucketSeconds,
		candles: ringbuf.New[model.Candle](cfg.MaxCandles),
		ticks:   ringbuf.New[model.Tick](cfg.MaxTicks),
	}
}

// Symbol returns the instrument this store tracks.
func (s *Store) Symbol() string { return s.symbol }

// BucketSeconds returns the candle granularity.
func (s *Store) BucketSeconds() int64 { return s.bucket }

// Len returns the number of candles held.
func (s *Store) Len() int { return s.candles.Len() }

// Evicted reports how many candles and ticks have aged out of the store.
func (s *Store) Evicted() (candles, ticks uint64) {
	return s.candles.Evicted(), s.ticks.Evicted()
}

// Last returns the newest (possibly still forming) candle.
func (s *Store) Last() (model.Candle, bool) { return s.candles.Last() }

// BucketOf floors an epoch to the start of its candle bucket.
func (s *Store) BucketOf(epoch int64) int64 {
	return epoch - epoch%s.bucket
}

// Ingest folds one tick into the series. The returned bool reports whether a
// new candle was opened.
func (s *Store) Ingest(tick model.Tick) (bool, error) {
	if tick.Symbol != "" && s.symbol != "" && tick.Symbol != s.symbol {
		return false, fmt.Errorf("%w: got %q, tracking %q", ErrSymbolMismatch, tick.Symbol, s.symbol)
	}
	if !tick.Valid() {
		if s.OnMalformedTick != nil {
			s.OnMalformedTick()
		}
		return false, fmt.Errorf("%w: quote=%v epoch=%d", ErrMalformedTick, tick.Quote, tick.Epoch)
	}

	bucket := s.BucketOf(tick.Epoch)
	last, exists := s.candles.Last()

	if exists && bucket < last.Time {
		// Late tick: its bucket is already behind the forming candle.
		if s.OnLateTick != nil {
			s.OnLateTick()
		}
		return false, fmt.Errorf("%w: bucket %d behind %d", ErrLateTick, bucket, last.Time)
	}

	s.ticks.Push(tick)

	if exists && bucket == last.Time {
		if tick.Quote > last.High {
			last.High = tick.Quote
		}
		if tick.Quote < last.Low {
			last.Low = tick.Quote
		}
		last.Close = tick.Quote
		s.candles.SetLast(last)
		return false, nil
	}

	if exists && s.OnCandleClosed != nil {
		s.OnCandleClosed(last)
	}
	s.candles.Push(model.Candle{
		Time:  bucket,
		Open:  tick.Quote,
		High:  tick.Quote,
		Low:   tick.Quote,
		Close: tick.Quote,
	})
	return true, nil
}

// LoadHistory replaces the candle series with candles, which must already be
// strictly increasing in time. Only the newest MaxCandles are kept. On error the
// series is left untouched.
func (s *Store) LoadHistory(candles []model.Candle) error {
	for i, c := range candles {
		if !c.Valid() {
			return fmt.Errorf("%w: index %d time %d", ErrInvalidCandle, i, c.Time)
		}
		if i > 0 && c.Time <= candles[i-1].Time {
			return fmt.Errorf("%w: index %d time %d after %d", ErrUnorderedHistory, i, c.Time, candles[i-1].Time)
		}
	}

	s.candles.Reset()
	start := 0
	if len(candles) > s.candles.Cap() {
		start = len(candles) - s.candles.Cap()
	}
	for _, c := range candles[start:] {
		s.candles.Push(c)
	}
	return nil
}

// Snapshot copies the current candles and ticks.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Symbol:        s.symbol,
		BucketSeconds: s.bucket,
		Candles:       s.candles.Slice(),
		Ticks:         s.ticks.Slice(),
	}
}
