package engine

import (
	"context"
	"time"

	"tradesignal/internal/ledger"
	"tradesignal/internal/model"
	"tradesignal/internal/signal"
)

// SignalSink receives every signal the engine publishes, once per completed
// aggregation cycle, from the engine's loop goroutine. Implementations must
// not block.
type SignalSink interface {
	OnSignalUpdated(signal.Signal)
}

// SignalSinkFunc adapts a function to SignalSink.
type SignalSinkFunc func(signal.Signal)

func (f SignalSinkFunc) OnSignalUpdated(s signal.Signal) { f(s) }

// TradeLedger is the trade history the engine appends to and resolves.
type TradeLedger interface {
	Append(ctx context.Context, rec model.TradeRecord) error
	Resolve(ctx context.Context, s model.Settlement) (model.TradeRecord, error)
	RecentSince(ctx context.Context, since time.Time, n int) ([]model.TradeRecord, error)
	Stats(ctx context.Context, since time.Time) (ledger.Stats, error)
}

// OpenContracts is implemented by sinks that settle contracts from the tick
// stream. After a switch the engine keeps feeding the previous instrument's
// ticks to the sink until none of its contracts are open.
type OpenContracts interface {
	OpenOn(symbol string) int
}

// Hooks are optional instrumentation callbacks, set before Run.
type Hooks struct {
	OnTick           func(model.Tick)
	OnMalformedTick  func()
	OnLateTick       func()
	OnCandleOpened   func()
	OnCycle          func(took time.Duration)
	OnCoalesced      func()
	OnDiscarded      func()
	OnSignal         func(signal.Signal)
	OnTrade          func(outcome string) // placed, failed, unconfirmed, won, lost
	OnDenied         func(reason string)
	OnHalted         func(halted bool)
	OnWeights        func(version uint64)
	OnStreamState    func(connected bool)
	OnNetProfit      func(profit float64)
	OnInstrumentOpen func(symbol string)
	OnEvicted        func(series string, n int) // candles or ticks aged out of the store
}
