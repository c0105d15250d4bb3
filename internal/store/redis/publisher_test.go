package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignal/internal/engine"
	"tradesignal/internal/model"
	"tradesignal/internal/signal"
	"tradesignal/internal/strategy"
)

// fakeRedis records commands in memory and can be switched to fail.
type fakeRedis struct {
	mu        sync.Mutex
	down      bool
	published map[string][]string
	keys      map[string]string
	ttls      map[string]time.Duration
	streams   map[string][]goredis.XMessage
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		published: make(map[string][]string),
		keys:      make(map[string]string),
		ttls:      make(map[string]time.Duration),
		streams:   make(map[string][]goredis.XMessage),
	}
}

var errDown = errors.New("connection refused")

func (f *fakeRedis) setDown(v bool) {
	f.mu.Lock()
	f.down = v
	f.mu.Unlock()
}

func (f *fakeRedis) channel(name string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.published[name]...)
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message interface{}) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewIntResult(0, errDown)
	}
	f.published[channel] = append(f.published[channel], message.(string))
	return goredis.NewIntResult(1, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *goredis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewStatusResult("", errDown)
	}
	f.keys[key] = value.(string)
	f.ttls[key] = ttl
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) XAdd(_ context.Context, a *goredis.XAddArgs) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return goredis.NewStringResult("", errDown)
	}
	values := a.Values.(map[string]interface{})
	f.streams[a.Stream] = append(f.streams[a.Stream], goredis.XMessage{ID: "0-1", Values: values})
	return goredis.NewStringResult("0-1", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.keys[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeRedis) XRevRangeN(_ context.Context, stream, _, _ string, count int64) *goredis.XMessageSliceCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.streams[stream]
	var out []goredis.XMessage
	for i := len(msgs) - 1; i >= 0 && int64(len(out)) < count; i-- {
		out = append(out, msgs[i])
	}
	return goredis.NewXMessageSliceCmdResult(out, nil)
}

func sampleSignal() signal.Signal {
	return signal.Signal{
		Symbol:     "R_100",
		Direction:  model.Buy,
		Confidence: 66.7,
		Confirmations: map[string]strategy.Result{
			"ema_cross": {Bias: model.Bullish, Confidence: 80},
		},
		BullishScore: 2,
		BearishScore: 1,
		CandleTime:   1_700_000_040,
		Price:        1001.5,
	}
}

func TestPublisher_SignalSetsLatest(t *testing.T) {
	rdb := newFakeRedis()
	p := NewPublisher(rdb, NewCircuitBreaker(3, time.Second), Config{}, zerolog.Nop())

	ev := engine.Event{Kind: engine.EventSignal, Symbol: "R_100", At: time.Unix(1_700_000_045, 0).UTC(), Data: sampleSignal()}
	require.NoError(t, p.Publish(context.Background(), ev))

	assert.Len(t, rdb.channel("signald:signal:R_100"), 1)
	assert.Equal(t, defaultLatestTTL, rdb.ttls["signald:latest:signal:R_100"])

	r := NewReader(rdb, Keys{})
	sig, err := r.LatestSignal(context.Background(), "R_100")
	require.NoError(t, err)
	assert.Equal(t, model.Buy, sig.Direction)
	assert.Equal(t, 66.7, sig.Confidence)
	assert.Equal(t, model.Bullish, sig.Confirmations["ema_cross"].Bias)

	_, err = r.LatestSignal(context.Background(), "R_50")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublisher_TradesGoToStream(t *testing.T) {
	rdb := newFakeRedis()
	p := NewPublisher(rdb, NewCircuitBreaker(3, time.Second), Config{Keys: Keys{Prefix: "test"}}, zerolog.Nop())
	ctx := context.Background()

	profit := decimal.NewFromFloat(8.5)
	placed := model.TradeRecord{ID: "t1", Direction: model.Sell, Amount: decimal.NewFromInt(10), Instrument: "R_100"}
	settled := placed
	settled.OutcomeKnown = true
	settled.Profit = &profit

	require.NoError(t, p.Publish(ctx, engine.Event{Kind: engine.EventTrade, Symbol: "R_100", Data: placed}))
	require.NoError(t, p.Publish(ctx, engine.Event{Kind: engine.EventSettlement, Symbol: "R_100", Data: settled}))

	assert.Len(t, rdb.channel("test:trade:R_100"), 1)
	assert.Len(t, rdb.channel("test:settlement:R_100"), 1)

	events, err := NewReader(rdb, Keys{Prefix: "test"}).RecentTrades(ctx, "R_100", 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, engine.EventSettlement, events[0].Kind, "newest first")
	assert.Equal(t, engine.EventTrade, events[1].Kind)
	assert.Contains(t, string(events[0].Data), `"outcome_known":true`)
}

func TestPublisher_SkipsTicksByDefault(t *testing.T) {
	rdb := newFakeRedis()
	tick := engine.Event{Kind: engine.EventTick, Symbol: "R_100", Data: model.Tick{Symbol: "R_100", Quote: 1, Epoch: 1}}

	p := NewPublisher(rdb, NewCircuitBreaker(3, time.Second), Config{}, zerolog.Nop())
	require.NoError(t, p.Publish(context.Background(), tick))
	assert.Empty(t, rdb.channel("signald:tick:R_100"))

	p = NewPublisher(rdb, NewCircuitBreaker(3, time.Second), Config{PublishTicks: true}, zerolog.Nop())
	require.NoError(t, p.Publish(context.Background(), tick))
	assert.Len(t, rdb.channel("signald:tick:R_100"), 1)
}

func TestPublisher_BuffersWhileOpenAndFlushesOnClose(t *testing.T) {
	rdb := newFakeRedis()
	cb, advance := manualBreaker(1, time.Second)
	p := NewPublisher(rdb, cb, Config{}, zerolog.Nop())
	flushed := make(chan int, 1)
	p.OnFlush = func(n int) { flushed <- n }
	ctx := context.Background()
	ev := func(conf float64) engine.Event {
		s := sampleSignal()
		s.Confidence = conf
		return engine.Event{Kind: engine.EventSignal, Symbol: "R_100", Data: s}
	}

	rdb.setDown(true)
	assert.ErrorIs(t, p.Publish(ctx, ev(10)), errDown)
	require.Equal(t, StateOpen, cb.CurrentState())

	require.NoError(t, p.Publish(ctx, ev(20)))
	require.NoError(t, p.Publish(ctx, ev(30)))
	assert.Equal(t, 2, p.PendingCount())

	rdb.setDown(false)
	advance(2 * time.Second)
	require.NoError(t, p.Publish(ctx, ev(40)))

	select {
	case n := <-flushed:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("buffer not flushed")
	}
	assert.Zero(t, p.PendingCount())
	assert.Len(t, rdb.channel("signald:signal:R_100"), 3)
}

func TestPublisher_BufferDropsOldest(t *testing.T) {
	rdb := newFakeRedis()
	cb, _ := manualBreaker(1, time.Hour)
	p := NewPublisher(rdb, cb, Config{MaxBuffer: 2}, zerolog.Nop())
	var buffered int
	p.OnBuffer = func() { buffered++ }

	rdb.setDown(true)
	_ = p.Publish(context.Background(), engine.Event{Kind: engine.EventCandle, Symbol: "R_100"})
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Publish(context.Background(), engine.Event{Kind: engine.EventCandle, Symbol: "R_100"}))
	}
	assert.Equal(t, 2, p.PendingCount())
	assert.Equal(t, 3, buffered)
}

func TestPublisher_RunStopsOnClose(t *testing.T) {
	rdb := newFakeRedis()
	p := NewPublisher(rdb, NewCircuitBreaker(3, time.Second), Config{}, zerolog.Nop())
	events := make(chan engine.Event, 2)
	events <- engine.Event{Kind: engine.EventCandle, Symbol: "R_100", Data: model.Candle{Time: 60, Open: 1, High: 1, Low: 1, Close: 1}}
	close(events)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	assert.Len(t, rdb.channel("signald:candle:R_100"), 1)
}

func TestKeys(t *testing.T) {
	k := Keys{Prefix: "x"}
	assert.Equal(t, "x:signal:R_100", k.Channel(engine.EventSignal, "R_100"))
	assert.Equal(t, "x:*:R_100", k.Pattern("R_100"))
	assert.Equal(t, "x:*:*", k.Pattern(""))
	assert.Equal(t, "x:latest:session:R_100", k.Latest(engine.EventSession, "R_100"))
	assert.Equal(t, "x:trades:R_100", k.Trades("R_100"))
	assert.Equal(t, "signald:trades:R_50", Keys{}.Trades("R_50"))
}
