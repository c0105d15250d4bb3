package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignal/internal/execution"
	"tradesignal/internal/ledger"
	"tradesignal/internal/model"
	"tradesignal/internal/risk"
	"tradesignal/internal/signal"
	"tradesignal/internal/strategy"
)

const epoch0 = 1_700_000_040 // aligned to a minute

// fakeMarket serves canned history and hands out one tick channel per
// subscription.
type fakeMarket struct {
	mu        sync.Mutex
	history   map[string][]model.Candle
	streams   map[string]chan model.Tick
	cancelled map[string]int
	fetchErr  error
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		history:   make(map[string][]model.Candle),
		streams:   make(map[string]chan model.Tick),
		cancelled: make(map[string]int),
	}
}

func (m *fakeMarket) SubscribeTicks(ctx context.Context, symbol string) (<-chan model.Tick, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan model.Tick, 64)
	m.streams[symbol] = ch
	go func() {
		<-ctx.Done()
		m.mu.Lock()
		m.cancelled[symbol]++
		m.mu.Unlock()
	}()
	return ch, nil
}

func (m *fakeMarket) FetchHistoricalCandles(_ context.Context, symbol string, _, count int) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	h := m.history[symbol]
	if len(h) > count {
		h = h[len(h)-count:]
	}
	return append([]model.Candle(nil), h...), nil
}

func (m *fakeMarket) send(t *testing.T, symbol string, quote float64, offset int64) {
	t.Helper()
	m.mu.Lock()
	ch := m.streams[symbol]
	m.mu.Unlock()
	require.NotNil(t, ch, "no stream for %s", symbol)
	ch <- model.Tick{Symbol: symbol, Quote: quote, Epoch: epoch0 + offset}
}

func (m *fakeMarket) cancelCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled[symbol]
}

func flatHistory(n int, price float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		ts := int64(epoch0 - (n-i)*60)
		out[i] = model.Candle{Time: ts, Open: price, High: price, Low: price, Close: price}
	}
	return out
}

func constant(name string, bias model.Bias) strategy.Definition {
	return strategy.Definition{
		Name:       name,
		MinCandles: 1,
		Eval: func(strategy.Input) strategy.Result {
			switch bias {
			case model.Bullish:
				return strategy.Bullish(80, "always up")
			case model.Bearish:
				return strategy.Bearish(80, "always down")
			}
			return strategy.Neutral("flat")
		},
	}
}

type failingSink struct{}

func (failingSink) Buy(context.Context, model.TradeRequest) (model.TradeRecord, error) {
	return model.TradeRecord{}, errors.New("broker rejected order")
}

// silentSink accepts the order and never hears back.
type silentSink struct{}

func (silentSink) Buy(context.Context, model.TradeRequest) (model.TradeRecord, error) {
	return model.TradeRecord{}, fmt.Errorf("buy: %w: timed out", model.ErrOrderUnconfirmed)
}

// slowSink fills after a delay unless its context ends first.
type slowSink struct {
	delay time.Duration
}

func (s slowSink) Buy(ctx context.Context, req model.TradeRequest) (model.TradeRecord, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return model.TradeRecord{}, ctx.Err()
	}
	return model.TradeRecord{
		ID:              uuid.Must(uuid.NewV4()).String(),
		ContractID:      "SLOW-1",
		Direction:       req.Direction,
		Amount:          req.Amount,
		Timestamp:       time.Now(),
		DurationMinutes: req.DurationMinutes,
	}, nil
}

type harness struct {
	eng    *Engine
	market *fakeMarket
	ledger *ledger.Ledger
	gate   *risk.Gate
	paper  *execution.Paper
	sigs   chan signal.Signal
	cancel context.CancelFunc
	errCh  chan error
}

type setup struct {
	cfg   *Config
	deps  *Deps
	hooks *Hooks
}

type option func(*setup)

func start(t *testing.T, defs []strategy.Definition, opts ...option) *harness {
	t.Helper()
	market := newFakeMarket()
	market.history["R_100"] = flatHistory(60, 100)
	market.history["R_50"] = flatHistory(30, 50)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.Must(uuid.NewV4()).String())
	led, err := ledger.Open(dsn, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	set := strategy.NewSet()
	for _, d := range defs {
		require.NoError(t, set.Register(d))
	}

	limits := risk.DefaultLimits()
	limits.Cooldown = 0
	gate := risk.NewGate(limits)
	paper := execution.NewPaper(decimal.Zero, 16, zerolog.Nop())

	cfg := Config{
		Symbol:             "R_100",
		GranularitySeconds: 60,
		HistoryCount:       100,
		RecomputeInterval:  10 * time.Millisecond,
		Amount:             decimal.NewFromInt(5),
		DurationMinutes:    1,
	}
	deps := Deps{
		Market:     market,
		Trades:     paper,
		Ledger:     led,
		Gate:       gate,
		Aggregator: signal.New(set, signal.Config{}, zerolog.Nop()),
		Log:        zerolog.Nop(),
	}
	var hooks Hooks
	for _, o := range opts {
		o(&setup{cfg: &cfg, deps: &deps, hooks: &hooks})
	}

	eng, err := New(cfg, deps)
	require.NoError(t, err)
	eng.Hooks = hooks

	h := &harness{
		eng:    eng,
		market: market,
		ledger: led,
		gate:   deps.Gate,
		paper:  paper,
		sigs:   make(chan signal.Signal, 256),
		errCh:  make(chan error, 1),
	}
	eng.AddSink(SignalSinkFunc(func(s signal.Signal) {
		select {
		case h.sigs <- s:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.errCh <- eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.errCh:
		case <-time.After(2 * time.Second):
			t.Error("engine did not stop")
		}
	})

	require.Eventually(t, func() bool {
		_, err := eng.Snapshot(context.Background())
		return err == nil
	}, time.Second, 5*time.Millisecond)
	return h
}

func (h *harness) nextSignal(t *testing.T) signal.Signal {
	t.Helper()
	select {
	case s := <-h.sigs:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no signal published")
		return signal.Signal{}
	}
}

// waitQuote blocks until the loop has applied a tick with the given quote.
func (h *harness) waitQuote(t *testing.T, quote float64) {
	t.Helper()
	require.Eventually(t, func() bool {
		snap, err := h.eng.Snapshot(context.Background())
		if err != nil || len(snap.Ticks) == 0 {
			return false
		}
		return snap.Ticks[len(snap.Ticks)-1].Quote == quote
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, ErrNoSymbol)

	_, err = New(Config{Symbol: "R_100"}, Deps{})
	assert.Error(t, err)
}

func TestEngine_PublishesSignalFromHistory(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish), constant("flat", model.Neutral)})

	sig := h.nextSignal(t)
	assert.Equal(t, "R_100", sig.Symbol)
	assert.Equal(t, model.Buy, sig.Direction)
	assert.Equal(t, 100.0, sig.Confidence)
	assert.Len(t, sig.Confirmations, 1, "neutral results are not confirmations")
	assert.Equal(t, int64(epoch0-60), sig.CandleTime)

	latest, ok := h.eng.Latest()
	require.True(t, ok)
	assert.Equal(t, sig.Direction, latest.Direction)
}

func TestEngine_TicksFormCandles(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)})
	events := h.eng.Subscribe()

	h.market.send(t, "R_100", 101, 0)
	h.market.send(t, "R_100", 103, 10)
	h.market.send(t, "R_100", 99, 20)
	h.market.send(t, "R_100", 104, 60)
	h.waitQuote(t, 104)

	snap, err := h.eng.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap.Candles, 62)
	assert.Equal(t, model.Candle{Time: epoch0, Open: 101, High: 103, Low: 99, Close: 99}, snap.Candles[60])
	assert.Equal(t, model.Candle{Time: epoch0 + 60, Open: 104, High: 104, Low: 104, Close: 104}, snap.Candles[61])

	var closed []model.Candle
	deadline := time.After(2 * time.Second)
	for len(closed) < 2 {
		select {
		case ev := <-events:
			if ev.Kind == EventCandle {
				closed = append(closed, ev.Data.(model.Candle))
			}
		case <-deadline:
			t.Fatalf("saw %d candle events", len(closed))
		}
	}
	assert.Equal(t, int64(epoch0-60), closed[0].Time, "last history candle closes first")
	assert.Equal(t, int64(epoch0), closed[1].Time)
}

func TestEngine_ReportsEvictions(t *testing.T) {
	var mu sync.Mutex
	evicted := map[string]int{}
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		s.cfg.MaxCandles = 60
		s.cfg.MaxTicks = 1
		s.hooks.OnEvicted = func(series string, n int) {
			mu.Lock()
			evicted[series] += n
			mu.Unlock()
		}
	})
	h.market.send(t, "R_100", 100, 0) // opens candle 61
	h.market.send(t, "R_100", 101, 1)
	h.waitQuote(t, 101)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"candles": 1, "ticks": 1}, evicted)
}

func TestEngine_MalformedAndLateTicksDropped(t *testing.T) {
	var malformed, late atomic.Int32
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		s.hooks.OnMalformedTick = func() { malformed.Add(1) }
		s.hooks.OnLateTick = func() { late.Add(1) }
	})

	h.market.send(t, "R_100", -1, 0)
	h.market.send(t, "R_100", 100, -3600)
	h.market.send(t, "R_100", 101, 0)
	h.waitQuote(t, 101)

	assert.Equal(t, int32(1), malformed.Load())
	assert.Equal(t, int32(1), late.Load())
	snap, err := h.eng.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Ticks, 1)
}

func TestEngine_SubmitTradeGated(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		limits := risk.DefaultLimits()
		limits.Cooldown = time.Hour
		s.deps.Gate = risk.NewGate(limits)
	})
	h.nextSignal(t)
	h.market.send(t, "R_100", 100, 0)
	h.waitQuote(t, 100)

	ctx := context.Background()
	rec, err := h.eng.SubmitTrade(ctx, model.Buy, decimal.Zero, 0)
	require.NoError(t, err)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(5)), "configured stake")
	assert.Equal(t, []string{"up"}, rec.Confirmations)

	_, err = h.eng.SubmitTrade(ctx, model.Sell, decimal.NewFromInt(1), 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, risk.ErrRateLimited)
	assert.ErrorIs(t, err, risk.ErrCooldownActive)

	recent, err := h.ledger.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, rec.ID, recent[0].ID)

	_, err = h.eng.SubmitTrade(ctx, model.None, decimal.Zero, 0)
	assert.ErrorIs(t, err, ErrInvalidTrade)
}

func TestEngine_FailedOrderRollsBack(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		s.deps.Trades = failingSink{}
	})

	_, err := h.eng.SubmitTrade(context.Background(), model.Buy, decimal.NewFromInt(1), 1)
	require.Error(t, err)
	assert.NotErrorIs(t, err, risk.ErrRateLimited)

	st := h.gate.Status()
	assert.Zero(t, st.TradeCount)
	assert.True(t, st.LastExecution.IsZero())
}

func TestEngine_UnconfirmedOrderKeepsReservation(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		s.deps.Trades = silentSink{}
	})
	events := h.eng.Subscribe()

	_, err := h.eng.SubmitTrade(context.Background(), model.Buy, decimal.NewFromInt(1), 1)
	require.ErrorIs(t, err, model.ErrOrderUnconfirmed)

	st := h.gate.Status()
	assert.Equal(t, 1, st.TradeCount)
	assert.False(t, st.LastExecution.IsZero())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind != EventOrderUnconfirmed {
				continue
			}
			req, ok := ev.Data.(model.TradeRequest)
			require.True(t, ok)
			assert.Equal(t, "R_100", req.Symbol)
			return
		case <-deadline:
			t.Fatal("no unconfirmed order event")
		}
	}
}

func TestEngine_CallerCancelDoesNotAbortOrder(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		s.deps.Trades = slowSink{delay: 50 * time.Millisecond}
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	rec, err := h.eng.SubmitTrade(ctx, model.Buy, decimal.NewFromInt(1), 1)
	require.NoError(t, err)
	assert.Equal(t, "SLOW-1", rec.ContractID)
	assert.Equal(t, 1, h.gate.Status().TradeCount)

	got, err := h.ledger.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "R_100", got.Instrument)
}

func TestEngine_OrderTimeoutBoundsSlowBroker(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		s.deps.Trades = slowSink{delay: time.Second}
		s.cfg.OrderTimeout = 20 * time.Millisecond
	})
	_, err := h.eng.SubmitTrade(context.Background(), model.Buy, decimal.NewFromInt(1), 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, h.gate.Status().TradeCount, "a sink that reports no send is rolled back")
}

func TestEngine_TradingDisabledWithoutSink(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		s.deps.Trades = nil
	})
	_, err := h.eng.SubmitTrade(context.Background(), model.Buy, decimal.NewFromInt(1), 1)
	assert.ErrorIs(t, err, ErrTradingDisabled)
}

func TestEngine_SettlementHaltsAndResetResumes(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		limits := risk.DefaultLimits()
		limits.Cooldown = 0
		limits.MaxConsecutiveLosses = 1
		s.deps.Gate = risk.NewGate(limits)
	})
	ctx := context.Background()
	h.market.send(t, "R_100", 100, 0)
	h.waitQuote(t, 100)

	rec, err := h.eng.SubmitTrade(ctx, model.Buy, decimal.NewFromInt(10), 1)
	require.NoError(t, err)

	h.market.send(t, "R_100", 90, 60) // expiry: the call loses
	require.Eventually(t, h.gate.Halted, 2*time.Second, 5*time.Millisecond)

	got, err := h.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, got.OutcomeKnown)
	assert.True(t, got.Profit.Equal(decimal.NewFromInt(-10)))

	_, err = h.eng.SubmitTrade(ctx, model.Buy, decimal.NewFromInt(10), 1)
	assert.ErrorIs(t, err, risk.ErrSessionLossLimitExceeded)

	st, err := h.eng.Session(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Stats.Losses)
	assert.True(t, st.Gate.Halted)

	before := h.eng.Weights().Version
	time.Sleep(5 * time.Millisecond) // session start must be after the trade
	require.NoError(t, h.eng.ResetSession(ctx))
	assert.False(t, h.gate.Halted())
	require.Eventually(t, func() bool { return h.eng.Weights().Version > before }, time.Second, 5*time.Millisecond)

	st, err = h.eng.Session(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.Stats.Trades, "stats restart with the session")

	_, err = h.eng.SubmitTrade(ctx, model.Sell, decimal.NewFromInt(10), 1)
	assert.NoError(t, err)
}

func TestEngine_DailyLossUsesSessionClock(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		limits := risk.DefaultLimits()
		limits.Cooldown = 0
		limits.MaxConsecutiveLosses = 0
		limits.MaxDailyLoss = decimal.NewFromInt(5)
		s.deps.Gate = risk.NewGate(limits)
	})
	ctx := context.Background()
	h.market.send(t, "R_100", 100, 0)
	h.waitQuote(t, 100)

	_, err := h.eng.SubmitTrade(ctx, model.Buy, decimal.NewFromInt(10), 1)
	require.NoError(t, err)

	// Ticks are stamped years before the wall clock; the loss must land on
	// the day the next reservation is checked against.
	h.market.send(t, "R_100", 90, 60)
	require.Eventually(t, func() bool { return h.gate.LossStreak() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err = h.eng.SubmitTrade(ctx, model.Buy, decimal.NewFromInt(10), 1)
	assert.ErrorIs(t, err, risk.ErrDailyLossLimitReached)
	assert.True(t, h.gate.Status().DailyPnL.Equal(decimal.NewFromInt(-10)))
}

func TestEngine_HistoryStartsWithSession(t *testing.T) {
	var seen atomic.Int64
	seen.Store(-1)
	recorder := strategy.Definition{
		Name:       "history",
		MinCandles: 1,
		Eval: func(in strategy.Input) strategy.Result {
			seen.Store(int64(len(in.History)))
			return strategy.Neutral("watching")
		},
	}
	h := start(t, []strategy.Definition{constant("up", model.Bullish), recorder})
	ctx := context.Background()
	h.market.send(t, "R_100", 100, 0)
	h.waitQuote(t, 100)

	_, err := h.eng.SubmitTrade(ctx, model.Buy, decimal.NewFromInt(10), 1)
	require.NoError(t, err)
	h.market.send(t, "R_100", 100.5, 1)
	require.Eventually(t, func() bool { return seen.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(5 * time.Millisecond) // session start must be after the trade
	require.NoError(t, h.eng.ResetSession(ctx))
	h.market.send(t, "R_100", 100.25, 2)
	require.Eventually(t, func() bool { return seen.Load() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestEngine_MartingaleStake(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		s.cfg.Martingale = &risk.Martingale{
			Base:                 decimal.NewFromInt(1),
			Multiplier:           decimal.NewFromInt(2),
			MaxConsecutiveLosses: 3,
		}
		limits := risk.DefaultLimits()
		limits.Cooldown = 0
		limits.MaxConsecutiveLosses = 0
		s.deps.Gate = risk.NewGate(limits)
	})
	ctx := context.Background()
	h.market.send(t, "R_100", 100, 0)
	h.waitQuote(t, 100)

	rec, err := h.eng.SubmitTrade(ctx, model.Buy, decimal.Zero, 1)
	require.NoError(t, err)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(1)))

	h.market.send(t, "R_100", 99, 60)
	require.Eventually(t, func() bool { return h.gate.LossStreak() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec, err = h.eng.SubmitTrade(ctx, model.Buy, decimal.Zero, 1)
	require.NoError(t, err)
	assert.True(t, rec.Amount.Equal(decimal.NewFromInt(2)), rec.Amount.String())
}

func TestEngine_AutoTrade(t *testing.T) {
	h := start(t, []strategy.Definition{constant("down", model.Bearish)}, func(s *setup) {
		s.cfg.AutoTrade = true
		s.cfg.MinConfidence = 60
	})
	h.market.send(t, "R_100", 100, 0)

	var recs []model.TradeRecord
	require.Eventually(t, func() bool {
		var err error
		recs, err = h.ledger.Recent(context.Background(), 0)
		return err == nil && len(recs) > 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, model.Sell, recs[0].Direction)
	assert.Equal(t, []string{"down"}, recs[0].Confirmations)
}

func TestEngine_SwitchInstrument(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)})
	h.nextSignal(t)

	ctx := context.Background()
	require.NoError(t, h.eng.SwitchInstrument(ctx, "R_50"))
	assert.Equal(t, "R_50", h.eng.Symbol())
	require.Eventually(t, func() bool { return h.market.cancelCount("R_100") == 1 }, time.Second, 5*time.Millisecond)

	snap, err := h.eng.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "R_50", snap.Symbol)
	assert.Len(t, snap.Candles, 30)

	for {
		sig := h.nextSignal(t)
		if sig.Symbol == "R_50" {
			break
		}
	}
	h.market.send(t, "R_50", 51, 0)
	h.waitQuote(t, 51)
}

func TestEngine_SwitchKeepsSettlingOpenContracts(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)}, func(s *setup) {
		limits := risk.DefaultLimits()
		limits.Cooldown = 0
		limits.MaxConsecutiveLosses = 1
		s.deps.Gate = risk.NewGate(limits)
	})
	ctx := context.Background()
	h.market.send(t, "R_100", 100, 0)
	h.waitQuote(t, 100)

	rec, err := h.eng.SubmitTrade(ctx, model.Buy, decimal.NewFromInt(10), 1)
	require.NoError(t, err)

	require.NoError(t, h.eng.SwitchInstrument(ctx, "R_50"))
	assert.Zero(t, h.market.cancelCount("R_100"), "stream kept while a contract is open")

	h.market.send(t, "R_100", 90, 60)
	require.Eventually(t, h.gate.Halted, 2*time.Second, 5*time.Millisecond)

	got, err := h.ledger.Get(ctx, rec.ID)
	require.NoError(t, err)
	require.True(t, got.OutcomeKnown)
	assert.True(t, got.Profit.Equal(decimal.NewFromInt(-10)))
	assert.Zero(t, h.paper.Open())
	assert.Equal(t, 1, h.gate.LossStreak())

	require.Eventually(t, func() bool { return h.market.cancelCount("R_100") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "R_50", h.eng.Symbol())
}

func TestEngine_SwitchBackTakesOverWatchedStream(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)})
	ctx := context.Background()
	h.market.send(t, "R_100", 100, 0)
	h.waitQuote(t, 100)

	_, err := h.eng.SubmitTrade(ctx, model.Buy, decimal.NewFromInt(10), 1)
	require.NoError(t, err)
	require.NoError(t, h.eng.SwitchInstrument(ctx, "R_50"))
	require.NoError(t, h.eng.SwitchInstrument(ctx, "R_100"))
	require.Eventually(t, func() bool { return h.market.cancelCount("R_100") == 1 }, time.Second, 5*time.Millisecond)

	h.market.send(t, "R_100", 101, 60)
	h.waitQuote(t, 101)
	require.Eventually(t, func() bool { return h.paper.Open() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.gate.Status().DailyPnL.IsPositive() }, time.Second, 5*time.Millisecond)
}

func TestEngine_SwitchFailureKeepsSession(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)})
	h.market.mu.Lock()
	h.market.fetchErr = errors.New("history unavailable")
	h.market.mu.Unlock()

	err := h.eng.SwitchInstrument(context.Background(), "R_50")
	require.Error(t, err)
	assert.Equal(t, "R_100", h.eng.Symbol())
	assert.Zero(t, h.market.cancelCount("R_100"))

	h.market.send(t, "R_100", 100, 0)
	h.waitQuote(t, 100)
}

// blocking returns a strategy that parks each evaluation until released.
func blocking(calls *atomic.Int32, release, stop <-chan struct{}) strategy.Definition {
	return strategy.Definition{
		Name:       "slow",
		MinCandles: 1,
		Eval: func(strategy.Input) strategy.Result {
			calls.Add(1)
			select {
			case <-release:
			case <-stop:
			}
			return strategy.Bullish(70, "slow")
		},
	}
}

func TestEngine_CoalescesTriggersWhileInFlight(t *testing.T) {
	var calls, coalesced atomic.Int32
	release := make(chan struct{})
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	h := start(t, []strategy.Definition{blocking(&calls, release, stop)}, func(s *setup) {
		s.hooks.OnCoalesced = func() { coalesced.Add(1) }
	})

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	for i := int64(0); i < 5; i++ {
		h.market.send(t, "R_100", 100+float64(i), i)
	}
	require.Eventually(t, func() bool { return coalesced.Load() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "one cycle in flight at a time")

	release <- struct{}{}
	h.nextSignal(t)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	release <- struct{}{}
	h.nextSignal(t)
}

func TestEngine_DiscardsResultAfterSwitch(t *testing.T) {
	var calls, discarded atomic.Int32
	release := make(chan struct{})
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })

	h := start(t, []strategy.Definition{blocking(&calls, release, stop)}, func(s *setup) {
		s.hooks.OnDiscarded = func() { discarded.Add(1) }
	})
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.eng.SwitchInstrument(context.Background(), "R_50"))
	release <- struct{}{}
	require.Eventually(t, func() bool { return discarded.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
	release <- struct{}{}
	sig := h.nextSignal(t)
	assert.Equal(t, "R_50", sig.Symbol, "no signal from the old instrument is published")
}

func TestEngine_RunTwice(t *testing.T) {
	h := start(t, []strategy.Definition{constant("up", model.Bullish)})
	assert.ErrorIs(t, h.eng.Run(context.Background()), ErrAlreadyRunning)
}

func TestEngine_NotRunning(t *testing.T) {
	market := newFakeMarket()
	eng, err := New(Config{Symbol: "R_100"}, Deps{
		Market:     market,
		Ledger:     &ledger.Ledger{},
		Gate:       risk.NewGate(risk.DefaultLimits()),
		Aggregator: signal.New(strategy.NewSet(), signal.Config{}, zerolog.Nop()),
	})
	require.NoError(t, err)
	_, err = eng.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, eng.SwitchInstrument(context.Background(), "R_50"), ErrNotRunning)
}
