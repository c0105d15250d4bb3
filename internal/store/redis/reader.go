package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tradesignal/internal/engine"
	"tradesignal/internal/signal"
)

// ErrNotFound is returned when no value has been published yet.
var ErrNotFound = errors.New("not found")

// StoredEvent is an engine event read back from Redis, payload undecoded.
type StoredEvent struct {
	Kind   engine.EventKind `json:"type"`
	Symbol string           `json:"symbol"`
	At     time.Time        `json:"at"`
	Data   json.RawMessage  `json:"data"`
}

// Querier is the subset of the go-redis client the reader uses.
type Querier interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *goredis.XMessageSliceCmd
}

// Reader reads what a Publisher wrote.
type Reader struct {
	rdb  Querier
	keys Keys
}

// NewReader creates a reader over the same key layout as the publisher.
func NewReader(rdb Querier, keys Keys) *Reader {
	return &Reader{rdb: rdb, keys: keys}
}

// Latest returns the newest event of kind (signal or session) for symbol.
func (r *Reader) Latest(ctx context.Context, kind engine.EventKind, symbol string) (StoredEvent, error) {
	raw, err := r.rdb.Get(ctx, r.keys.Latest(kind, symbol)).Result()
	if errors.Is(err, goredis.Nil) {
		return StoredEvent{}, fmt.Errorf("latest %s %s: %w", kind, symbol, ErrNotFound)
	}
	if err != nil {
		return StoredEvent{}, fmt.Errorf("get latest %s: %w", kind, err)
	}
	var ev StoredEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return StoredEvent{}, fmt.Errorf("decode latest %s: %w", kind, err)
	}
	return ev, nil
}

// LatestSignal decodes the newest signal for symbol.
func (r *Reader) LatestSignal(ctx context.Context, symbol string) (signal.Signal, error) {
	ev, err := r.Latest(ctx, engine.EventSignal, symbol)
	if err != nil {
		return signal.Signal{}, err
	}
	var sig signal.Signal
	if err := json.Unmarshal(ev.Data, &sig); err != nil {
		return signal.Signal{}, fmt.Errorf("decode signal: %w", err)
	}
	return sig, nil
}

// RecentTrades returns up to n trade and settlement events, newest first.
func (r *Reader) RecentTrades(ctx context.Context, symbol string, n int64) ([]StoredEvent, error) {
	msgs, err := r.rdb.XRevRangeN(ctx, r.keys.Trades(symbol), "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("xrevrange %s: %w", symbol, err)
	}
	out := make([]StoredEvent, 0, len(msgs))
	for _, m := range msgs {
		data, ok := m.Values["data"].(string)
		if !ok {
			continue
		}
		var ev StoredEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			// Skip poison entries rather than fail the whole read.
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Tail subscribes to every event channel for symbol (all symbols when empty)
// and calls fn for each event until ctx is cancelled.
func Tail(ctx context.Context, rdb *goredis.Client, keys Keys, symbol string, fn func(StoredEvent)) error {
	sub := rdb.PSubscribe(ctx, keys.Pattern(symbol))
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev StoredEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			fn(ev)
		}
	}
}
