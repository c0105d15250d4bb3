// Package engine runs one trading session. A single loop goroutine owns the
// candle store: it applies ticks in arrival order, takes snapshots, launches
// aggregation cycles and feeds contract settlements back into the ledger,
// the trade gate and the weight table.
//
// Cycles are throttled (one per RecomputeInterval on the tick path, plus a
// ticker for pending changes). At most one cycle is in flight; triggers that
// arrive meanwhile collapse into a single follow-up cycle. Switching the
// instrument cancels the in-flight cycle and bumps a generation counter, so
// a result computed for the old instrument is never published. Contracts
// still open on the old instrument keep settling from its stream, which is
// dropped once they have all settled.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"tradesignal/internal/bus"
	"tradesignal/internal/candlestore"
	"tradesignal/internal/logger"
	"tradesignal/internal/model"
	"tradesignal/internal/risk"
	"tradesignal/internal/signal"
)

var (
	ErrNotRunning      = errors.New("engine not running")
	ErrAlreadyRunning  = errors.New("engine already started")
	ErrTradingDisabled = errors.New("trading disabled")
	ErrInvalidTrade    = errors.New("invalid trade request")
	ErrNoSymbol        = errors.New("symbol is required")
)

const (
	defaultRecompute    = 5 * time.Second
	defaultFetchTimeout = 15 * time.Second
	defaultOrderTimeout = 30 * time.Second
	resubscribeDelay    = 2 * time.Second
	historyWindow       = 200
	eventBuffer         = 256
)

// Config holds the session settings.
type Config struct {
	Symbol             string
	GranularitySeconds int
	HistoryCount       int // candles fetched on start and on every switch
	MaxCandles         int
	MaxTicks           int
	RecomputeInterval  time.Duration
	FetchTimeout       time.Duration
	OrderTimeout       time.Duration // bounds Buy regardless of the caller's context

	Currency        string
	Amount          decimal.Decimal // base stake when a caller passes zero
	DurationMinutes int
	AutoTrade       bool
	MinConfidence   float64
	Martingale      *risk.Martingale // nil disables stake escalation

	Weights  map[string]float64 // initial weight table
	Adaptive *signal.Adapter    // nil keeps weights fixed
}

func (c *Config) withDefaults() {
	if c.GranularitySeconds <= 0 {
		c.GranularitySeconds = candlestore.DefaultBucketSeconds
	}
	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = defaultRecompute
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = defaultOrderTimeout
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
}

// Deps are the engine's collaborators.
type Deps struct {
	Market     model.MarketData
	Trades     model.TradeSink // nil disables trading
	Ledger     TradeLedger
	Gate       *risk.Gate
	Aggregator *signal.Aggregator
	Log        zerolog.Logger
}

type cycleResult struct {
	gen     uint64
	sig     signal.Signal
	err     error
	took    time.Duration
	traceID string
}

// Engine is the session controller.
type Engine struct {
	cfg      Config
	market   model.MarketData
	sink     model.TradeSink
	settler  model.Settler
	observer model.TickObserver
	open     OpenContracts
	ledger   TradeLedger
	gate     *risk.Gate
	agg      *signal.Aggregator
	log      zerolog.Logger
	events   *bus.FanOut[Event]
	now      func() time.Time

	// Hooks must be set before Run.
	Hooks Hooks

	cmds    chan func(context.Context)
	done    chan cycleResult
	started atomic.Bool
	exited  chan struct{}

	sinkMu sync.RWMutex
	sinks  []SignalSink

	drainMu sync.Mutex
	drains  map[string]*drainer
	drainWG sync.WaitGroup

	mu           sync.RWMutex
	symbol       string
	latest       *signal.Signal
	weights      *signal.WeightTable
	sessionStart time.Time

	// Owned by the Run goroutine.
	store       *candlestore.Store
	evicted     [2]uint64 // candles, ticks already reported for store
	ticks       <-chan model.Tick
	subCancel   context.CancelFunc
	cycleCancel context.CancelFunc
	gen         uint64
	inFlight    bool
	pending     bool
	dirty       bool
	nextWeights *signal.WeightTable
	limiter     *rate.Limiter
	resub       <-chan time.Time
}

// New validates cfg and deps. If deps.Trades also implements model.Settler,
// model.TickObserver or OpenContracts, the engine feeds and drains it.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Symbol == "" {
		return nil, ErrNoSymbol
	}
	switch {
	case deps.Market == nil:
		return nil, errors.New("engine: market data is required")
	case deps.Ledger == nil:
		return nil, errors.New("engine: ledger is required")
	case deps.Gate == nil:
		return nil, errors.New("engine: gate is required")
	case deps.Aggregator == nil:
		return nil, errors.New("engine: aggregator is required")
	}
	if cfg.Martingale != nil {
		if err := cfg.Martingale.Validate(); err != nil {
			return nil, err
		}
	}
	cfg.withDefaults()

	e := &Engine{
		cfg:          cfg,
		market:       deps.Market,
		sink:         deps.Trades,
		ledger:       deps.Ledger,
		gate:         deps.Gate,
		agg:          deps.Aggregator,
		log:          deps.Log.With().Str("component", "engine").Logger(),
		events:       bus.New[Event](eventBuffer),
		now:          time.Now,
		cmds:         make(chan func(context.Context)),
		done:         make(chan cycleResult, 1),
		exited:       make(chan struct{}),
		drains:       make(map[string]*drainer),
		symbol:       cfg.Symbol,
		weights:      signal.NewWeightTable(cfg.Weights),
		sessionStart: time.Now(),
		limiter:      rate.NewLimiter(rate.Every(cfg.RecomputeInterval), 1),
	}
	if s, ok := deps.Trades.(model.Settler); ok {
		e.settler = s
	}
	if o, ok := deps.Trades.(model.TickObserver); ok {
		e.observer = o
	}
	if o, ok := deps.Trades.(OpenContracts); ok {
		e.open = o
	}
	return e, nil
}

// AddSink registers a signal sink. Sinks run on the loop goroutine and must
// not call back into the engine synchronously.
func (e *Engine) AddSink(s SignalSink) {
	e.sinkMu.Lock()
	e.sinks = append(e.sinks, s)
	e.sinkMu.Unlock()
}

// Subscribe returns a new event stream. It is closed when Run returns.
func (e *Engine) Subscribe() <-chan Event { return e.events.Subscribe() }

// Events exposes the fan-out, e.g. to install a drop hook.
func (e *Engine) Events() *bus.FanOut[Event] { return e.events }

// Symbol returns the active instrument.
func (e *Engine) Symbol() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.symbol
}

// Latest returns the most recent signal for the active instrument.
func (e *Engine) Latest() (signal.Signal, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.latest == nil {
		return signal.Signal{}, false
	}
	return *e.latest, true
}

// SessionStart returns when the current session began. Strategy history and
// weight adaptation only see trades opened since then.
func (e *Engine) SessionStart() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sessionStart
}

// Weights returns the active weight table. Tables are never mutated.
func (e *Engine) Weights() *signal.WeightTable {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// Run loads history for the configured symbol, subscribes to its ticks and
// processes events until ctx is cancelled. It can be called once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.exited)
	defer e.events.Close()
	defer e.shutdown()

	symbol := e.Symbol()
	if err := e.switchTo(ctx, symbol); err != nil {
		return fmt.Errorf("start %s: %w", symbol, err)
	}

	ticker := time.NewTicker(e.cfg.RecomputeInterval)
	defer ticker.Stop()

	var settlements <-chan model.Settlement
	if e.settler != nil {
		settlements = e.settler.Settlements()
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("engine stopping")
			return nil

		case t, ok := <-e.ticks:
			if !ok {
				e.onStreamClosed()
				continue
			}
			e.onTick(ctx, t)

		case <-ticker.C:
			if e.dirty {
				e.trigger(ctx)
			}

		case res := <-e.done:
			e.onCycleDone(ctx, res)

		case s := <-settlements:
			e.onSettlement(ctx, s)

		case fn := <-e.cmds:
			fn(ctx)

		case <-e.resub:
			e.resub = nil
			if err := e.subscribe(ctx); err != nil {
				e.log.Warn().Err(err).Msg("resubscribe failed")
			}
		}
	}
}

func (e *Engine) shutdown() {
	e.stopStream()
	e.drainMu.Lock()
	for symbol, d := range e.drains {
		d.cancel()
		delete(e.drains, symbol)
	}
	e.drainMu.Unlock()
	e.drainWG.Wait()
	if e.cycleCancel != nil {
		e.cycleCancel()
		e.cycleCancel = nil
	}
}

// do runs fn on the loop goroutine and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(context.Context) error) error {
	if !e.started.Load() {
		return ErrNotRunning
	}
	errCh := make(chan error, 1)
	cmd := func(loopCtx context.Context) { errCh <- fn(loopCtx) }

	select {
	case e.cmds <- cmd:
	case <-e.exited:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errCh:
		return err
	case <-e.exited:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SwitchInstrument replaces the active instrument: history is fetched first,
// so a failed fetch leaves the current session untouched. The old stream is
// unsubscribed before the new one is opened, unless contracts are still open
// on the old instrument: then it is watched until they settle.
func (e *Engine) SwitchInstrument(ctx context.Context, symbol string) error {
	if symbol == "" {
		return ErrNoSymbol
	}
	return e.do(ctx, func(loopCtx context.Context) error {
		return e.switchTo(loopCtx, symbol)
	})
}

// Snapshot returns a copy of the active store.
func (e *Engine) Snapshot(ctx context.Context) (candlestore.Snapshot, error) {
	var snap candlestore.Snapshot
	err := e.do(ctx, func(context.Context) error {
		snap = e.store.Snapshot()
		return nil
	})
	return snap, err
}

func (e *Engine) newStore(symbol string) *candlestore.Store {
	s := candlestore.New(candlestore.Config{
		Symbol:        symbol,
		BucketSeconds: int64(e.cfg.GranularitySeconds),
		MaxCandles:    e.cfg.MaxCandles,
		MaxTicks:      e.cfg.MaxTicks,
	})
	s.OnMalformedTick = e.Hooks.OnMalformedTick
	s.OnLateTick = e.Hooks.OnLateTick
	s.OnCandleClosed = func(c model.Candle) {
		e.events.Publish(Event{Kind: EventCandle, Symbol: symbol, At: e.now(), Data: c})
	}
	return s
}

func (e *Engine) switchTo(ctx context.Context, symbol string) error {
	var candles []model.Candle
	if e.cfg.HistoryCount > 0 {
		fctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
		var err error
		candles, err = e.market.FetchHistoricalCandles(fctx, symbol, e.cfg.GranularitySeconds, e.cfg.HistoryCount)
		cancel()
		if err != nil {
			return fmt.Errorf("fetch history %s: %w", symbol, err)
		}
	}
	store := e.newStore(symbol)
	if err := store.LoadHistory(candles); err != nil {
		return fmt.Errorf("load history %s: %w", symbol, err)
	}

	if e.store != nil && e.store.Symbol() != symbol {
		e.handOff(ctx, e.store.Symbol())
	}
	e.stopDrain(symbol)
	e.stopStream()
	if e.cycleCancel != nil {
		e.cycleCancel()
	}
	e.gen++
	e.pending, e.dirty = false, false
	e.store = store
	e.evicted[0], e.evicted[1] = store.Evicted()
	e.limiter = rate.NewLimiter(rate.Every(e.cfg.RecomputeInterval), 1)

	e.mu.Lock()
	e.symbol = symbol
	e.latest = nil
	e.mu.Unlock()

	e.log.Info().
		Str("symbol", symbol).
		Int("history", len(candles)).
		Uint64("generation", e.gen).
		Msg("instrument active")
	if e.Hooks.OnInstrumentOpen != nil {
		e.Hooks.OnInstrumentOpen(symbol)
	}
	e.events.Publish(Event{
		Kind:   EventInstrument,
		Symbol: symbol,
		At:     e.now(),
		Data:   InstrumentInfo{Symbol: symbol, GranularitySeconds: e.cfg.GranularitySeconds, HistoryCandles: store.Len()},
	})

	if err := e.subscribe(ctx); err != nil {
		return err
	}
	e.dirty = true
	e.trigger(ctx)
	return nil
}

func (e *Engine) subscribe(ctx context.Context) error {
	symbol := e.store.Symbol()
	sctx, cancel := context.WithCancel(ctx)
	ticks, err := e.market.SubscribeTicks(sctx, symbol)
	if err != nil {
		cancel()
		e.ticks = nil
		e.resub = time.After(resubscribeDelay)
		e.streamState(false)
		return fmt.Errorf("subscribe %s: %w", symbol, err)
	}
	e.subCancel = cancel
	e.ticks = ticks
	e.resub = nil
	e.streamState(true)
	return nil
}

func (e *Engine) stopStream() {
	if e.subCancel != nil {
		e.subCancel()
		e.subCancel = nil
	}
	e.ticks = nil
	e.resub = nil
}

type drainer struct {
	cancel context.CancelFunc
}

// handOff moves the active stream to a drainer when symbol still has open
// contracts. It leaves e.ticks nil so stopStream does not cancel it.
func (e *Engine) handOff(ctx context.Context, symbol string) {
	if e.open == nil || e.observer == nil {
		return
	}
	n := e.open.OpenOn(symbol)
	if n == 0 {
		return
	}
	ticks, unsubscribe := e.ticks, e.subCancel
	e.ticks, e.subCancel = nil, nil

	dctx, cancel := context.WithCancel(ctx)
	d := &drainer{cancel: cancel}
	e.drainMu.Lock()
	if old := e.drains[symbol]; old != nil {
		old.cancel()
	}
	e.drains[symbol] = d
	e.drainMu.Unlock()

	e.log.Info().Str("symbol", symbol).Int("open", n).Msg("watching previous instrument until its contracts settle")
	e.drainWG.Add(1)
	go e.drain(dctx, d, symbol, ticks, unsubscribe)
}

// stopDrain cancels the drainer for symbol, if any.
func (e *Engine) stopDrain(symbol string) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()
	if d := e.drains[symbol]; d != nil {
		d.cancel()
		delete(e.drains, symbol)
	}
}

// drain feeds symbol's ticks to the trade sink until it has no open
// contracts on symbol. A closed stream is resubscribed after a delay.
func (e *Engine) drain(ctx context.Context, d *drainer, symbol string, ticks <-chan model.Tick, unsubscribe context.CancelFunc) {
	defer e.drainWG.Done()
	defer func() {
		if unsubscribe != nil {
			unsubscribe()
		}
		d.cancel()
		e.drainMu.Lock()
		if e.drains[symbol] == d {
			delete(e.drains, symbol)
		}
		e.drainMu.Unlock()
	}()

	for e.open.OpenOn(symbol) > 0 {
		if ticks == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(resubscribeDelay):
			}
			sctx, cancel := context.WithCancel(ctx)
			ch, err := e.market.SubscribeTicks(sctx, symbol)
			if err != nil {
				cancel()
				e.log.Warn().Err(err).Str("symbol", symbol).Msg("previous instrument resubscribe failed")
				continue
			}
			ticks, unsubscribe = ch, cancel
		}

		select {
		case <-ctx.Done():
			return
		case t, ok := <-ticks:
			if !ok {
				unsubscribe()
				ticks, unsubscribe = nil, nil
				continue
			}
			if t.Symbol != symbol || !t.Valid() {
				continue
			}
			e.observer.ObserveTick(t)
		}
	}
	e.log.Info().Str("symbol", symbol).Msg("previous instrument settled, unsubscribing")
}

func (e *Engine) onStreamClosed() {
	e.log.Warn().Str("symbol", e.store.Symbol()).Msg("tick stream closed, resubscribing")
	e.stopStream()
	e.resub = time.After(resubscribeDelay)
	e.streamState(false)
}

func (e *Engine) streamState(up bool) {
	if e.Hooks.OnStreamState != nil {
		e.Hooks.OnStreamState(up)
	}
}

func (e *Engine) onTick(ctx context.Context, t model.Tick) {
	opened, err := e.store.Ingest(t)
	if err != nil {
		switch {
		case errors.Is(err, candlestore.ErrMalformedTick):
			e.log.Warn().Err(err).Msg("dropping malformed tick")
		case errors.Is(err, candlestore.ErrLateTick):
			e.log.Debug().Err(err).Msg("dropping late tick")
		default:
			e.log.Debug().Err(err).Msg("dropping tick")
		}
		return
	}

	e.reportEvictions()
	if e.observer != nil {
		e.observer.ObserveTick(t)
	}
	if e.Hooks.OnTick != nil {
		e.Hooks.OnTick(t)
	}
	if opened && e.Hooks.OnCandleOpened != nil {
		e.Hooks.OnCandleOpened()
	}
	e.events.Publish(Event{Kind: EventTick, Symbol: t.Symbol, At: t.Time(), Data: t})

	e.dirty = true
	if e.limiter.Allow() {
		e.trigger(ctx)
	}
}

func (e *Engine) reportEvictions() {
	candles, ticks := e.store.Evicted()
	if e.Hooks.OnEvicted != nil {
		if n := candles - e.evicted[0]; n > 0 {
			e.Hooks.OnEvicted("candles", int(n))
		}
		if n := ticks - e.evicted[1]; n > 0 {
			e.Hooks.OnEvicted("ticks", int(n))
		}
	}
	e.evicted[0], e.evicted[1] = candles, ticks
}

// trigger starts a cycle, or marks one pending when a cycle is in flight.
func (e *Engine) trigger(ctx context.Context) {
	if e.store == nil || e.store.Len() == 0 {
		return
	}
	if e.inFlight {
		e.pending = true
		if e.Hooks.OnCoalesced != nil {
			e.Hooks.OnCoalesced()
		}
		return
	}
	e.dirty = false
	e.startCycle(ctx)
}

func (e *Engine) startCycle(ctx context.Context) {
	snap := e.store.Snapshot()
	weights := e.Weights()
	since := e.SessionStart()
	gen := e.gen

	traceID := logger.GenerateTraceID(snap.Symbol, e.now())
	cctx, cancel := context.WithCancel(ctx)
	cctx = logger.WithTraceID(cctx, traceID)
	e.cycleCancel = cancel
	e.inFlight = true

	go func() {
		start := time.Now()
		history, err := e.ledger.RecentSince(cctx, since, historyWindow)
		if err != nil {
			logger.FromContext(cctx).Warn().Err(err).Msg("trade history unavailable")
			history = nil
		}
		sig, err := e.agg.Generate(cctx, snap, weights, history)
		e.done <- cycleResult{gen: gen, sig: sig, err: err, took: time.Since(start), traceID: traceID}
	}()
}

func (e *Engine) onCycleDone(ctx context.Context, res cycleResult) {
	e.inFlight = false
	if e.cycleCancel != nil {
		e.cycleCancel()
		e.cycleCancel = nil
	}
	if e.nextWeights != nil {
		e.setWeights(e.nextWeights)
		e.nextWeights = nil
	}

	switch {
	case res.gen != e.gen:
		e.log.Debug().Str("trace_id", res.traceID).Msg("discarding result from previous instrument")
		if e.Hooks.OnDiscarded != nil {
			e.Hooks.OnDiscarded()
		}
	case res.err != nil:
		e.log.Debug().Err(res.err).Str("trace_id", res.traceID).Msg("cycle cancelled")
		if e.Hooks.OnDiscarded != nil {
			e.Hooks.OnDiscarded()
		}
	default:
		if e.Hooks.OnCycle != nil {
			e.Hooks.OnCycle(res.took)
		}
		e.publish(ctx, res.sig, res.traceID)
	}

	if e.pending {
		e.pending = false
		e.trigger(ctx)
	}
}

func (e *Engine) publish(ctx context.Context, sig signal.Signal, traceID string) {
	e.mu.Lock()
	e.latest = &sig
	e.mu.Unlock()

	e.sinkMu.RLock()
	sinks := slices.Clone(e.sinks)
	e.sinkMu.RUnlock()
	for _, s := range sinks {
		s.OnSignalUpdated(sig)
	}

	e.events.Publish(Event{Kind: EventSignal, Symbol: sig.Symbol, At: sig.GeneratedAt, Data: sig})
	if e.Hooks.OnSignal != nil {
		e.Hooks.OnSignal(sig)
	}
	e.log.Debug().
		Str("trace_id", traceID).
		Str("symbol", sig.Symbol).
		Str("direction", string(sig.Direction)).
		Float64("confidence", sig.Confidence).
		Uint64("weights_version", sig.WeightsVersion).
		Msg("signal updated")

	if e.cfg.AutoTrade && e.sink != nil && sig.Direction.Tradable() && sig.Confidence >= e.cfg.MinConfidence {
		go e.autoTrade(ctx, sig)
	}
}

// setWeights installs a new table. Only called from the loop between cycles.
func (e *Engine) setWeights(next *signal.WeightTable) {
	e.mu.Lock()
	e.weights = next
	e.mu.Unlock()
	if e.Hooks.OnWeights != nil {
		e.Hooks.OnWeights(next.Version)
	}
	e.log.Info().Uint64("version", next.Version).Interface("weights", next.Weights).Msg("strategy weights updated")
}

// replaceWeights applies next now, or after the in-flight cycle finishes.
func (e *Engine) replaceWeights(next *signal.WeightTable) {
	if e.inFlight {
		e.nextWeights = next
		return
	}
	e.setWeights(next)
}
