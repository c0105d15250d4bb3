package model

import (
	"context"
	"errors"
)

// ErrOrderUnconfirmed is wrapped by TradeSink.Buy when the order was sent
// but no reply arrived: the contract may or may not exist.
var ErrOrderUnconfirmed = errors.New("order outcome unknown")

// ── Collaborator Port Interfaces ──
// These decouple the signal engine from the concrete broker connection
// (websocket client, simulator, paper executor).

// MarketData streams ticks and serves candle history for one symbol at a time.
type MarketData interface {
	// SubscribeTicks starts a tick stream for symbol. The channel is closed
	// when ctx is cancelled or the stream ends.
	SubscribeTicks(ctx context.Context, symbol string) (<-chan Tick, error)

	// FetchHistoricalCandles returns up to count candles, oldest first.
	FetchHistoricalCandles(ctx context.Context, symbol string, granularitySeconds, count int) ([]Candle, error)
}

// TradeSink places orders.
type TradeSink interface {
	Buy(ctx context.Context, req TradeRequest) (TradeRecord, error)
}

// Settler is implemented by sinks that report contract outcomes.
type Settler interface {
	Settlements() <-chan Settlement
}

// TickObserver is implemented by sinks that need to see the live quote,
// e.g. to fill and settle simulated contracts.
type TickObserver interface {
	ObserveTick(Tick)
}
