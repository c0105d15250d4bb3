package broker_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignal/internal/broker"
	"tradesignal/internal/brokersim"
	"tradesignal/internal/model"
)

func startSim(t *testing.T, cfg brokersim.Config) (*brokersim.Server, string) {
	t.Helper()
	sim := brokersim.New(cfg, zerolog.Nop())
	srv := httptest.NewServer(sim)
	t.Cleanup(srv.Close)
	return sim, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func connect(t *testing.T, url string, tune func(*broker.Config), hooks func(*broker.Client)) *broker.Client {
	t.Helper()
	cfg := broker.Config{
		URL:               url,
		RequestTimeout:    2 * time.Second,
		ReconnectDelay:    20 * time.Millisecond,
		MaxReconnectDelay: 100 * time.Millisecond,
	}
	if tune != nil {
		tune(&cfg)
	}
	c, err := broker.New(cfg, zerolog.Nop())
	require.NoError(t, err)
	if hooks != nil {
		hooks(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

func waitConnected(t *testing.T, c *broker.Client) {
	t.Helper()
	require.Eventually(t, c.Connected, 2*time.Second, 5*time.Millisecond)
}

// awaitQuote reads ticks until one carries quote.
func awaitQuote(t *testing.T, ch <-chan model.Tick, quote float64) model.Tick {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tick, ok := <-ch:
			require.True(t, ok, "tick channel closed")
			if tick.Quote == quote {
				return tick
			}
		case <-deadline:
			t.Fatalf("no tick with quote %v", quote)
		}
	}
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := broker.New(broker.Config{URL: "http://example.com"}, zerolog.Nop())
	assert.Error(t, err)
	_, err = broker.New(broker.Config{URL: "://"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestClient_FetchHistoricalCandles(t *testing.T) {
	_, url := startSim(t, brokersim.Config{Symbols: map[string]float64{"R_100": 1000}, Backfill: 600, Seed: 7})
	c := connect(t, url, nil, nil)
	waitConnected(t, c)

	candles, err := c.FetchHistoricalCandles(context.Background(), "R_100", 60, 5)
	require.NoError(t, err)
	require.Len(t, candles, 5)
	for i, cd := range candles {
		assert.True(t, cd.Valid(), "candle %d", i)
		assert.Zero(t, cd.Time%60)
		if i > 0 {
			assert.Equal(t, candles[i-1].Time+60, cd.Time)
		}
	}
}

func TestClient_APIErrorIsReturned(t *testing.T) {
	_, url := startSim(t, brokersim.Config{Symbols: map[string]float64{"R_100": 1000}})
	c := connect(t, url, nil, nil)
	waitConnected(t, c)

	_, err := c.FetchHistoricalCandles(context.Background(), "NOPE", 60, 5)
	var apiErr *broker.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, "InvalidSymbol", apiErr.Code)
}

func TestClient_StreamsTicks(t *testing.T) {
	sim, url := startSim(t, brokersim.Config{Symbols: map[string]float64{"R_100": 1000}})
	c := connect(t, url, nil, nil)
	waitConnected(t, c)

	ch, err := c.SubscribeTicks(context.Background(), "R_100")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sim.Subscribers("R_100") == 1 }, time.Second, 5*time.Millisecond)

	sim.Push("R_100", 1001.25, 1_700_000_000)
	tick := awaitQuote(t, ch, 1001.25)
	assert.Equal(t, "R_100", tick.Symbol)
	assert.Equal(t, int64(1_700_000_000), tick.Epoch)
}

func TestClient_MalformedTickDropped(t *testing.T) {
	sim, url := startSim(t, brokersim.Config{Symbols: map[string]float64{"R_100": 1000}})
	var malformed atomic.Int32
	c := connect(t, url, nil, func(c *broker.Client) {
		c.OnMalformedTick = func() { malformed.Add(1) }
	})
	waitConnected(t, c)

	ch, err := c.SubscribeTicks(context.Background(), "R_100")
	require.NoError(t, err)

	sim.Broadcast([]byte(`{"msg_type":"tick","tick":{"symbol":"R_100","quote":"abc","epoch":1700000000}}`))
	sim.Push("R_100", 1002, 1_700_000_001)

	tick := awaitQuote(t, ch, 1002)
	assert.Equal(t, int64(1_700_000_001), tick.Epoch)
	assert.Equal(t, int32(1), malformed.Load())
}

func TestClient_UnsubscribeOnCancel(t *testing.T) {
	sim, url := startSim(t, brokersim.Config{Symbols: map[string]float64{"R_100": 1000}})
	c := connect(t, url, nil, nil)
	waitConnected(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := c.SubscribeTicks(ctx, "R_100")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sim.Subscribers("R_100") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sim.Subscribers("R_100") == 0 }, time.Second, 5*time.Millisecond)
}

func TestClient_BuyAndSettle(t *testing.T) {
	sim, url := startSim(t, brokersim.Config{Symbols: map[string]float64{"R_100": 1000}, Token: "secret"})
	c := connect(t, url, func(cfg *broker.Config) { cfg.Token = "secret" }, nil)
	waitConnected(t, c)

	ch, err := c.SubscribeTicks(context.Background(), "R_100")
	require.NoError(t, err)
	sim.Push("R_100", 100, 1_700_000_000)
	awaitQuote(t, ch, 100)

	rec, err := c.Buy(context.Background(), model.TradeRequest{
		Symbol:          "R_100",
		Direction:       model.Buy,
		Amount:          decimal.NewFromInt(10),
		DurationMinutes: 1,
		Confirmations:   []string{"ema_cross"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.NotEmpty(t, rec.ContractID)
	assert.Equal(t, 100.0, rec.EntryQuote)
	assert.Equal(t, int64(1_700_000_000), rec.Timestamp.Unix())
	assert.Equal(t, []string{"ema_cross"}, rec.Confirmations)

	sim.Push("R_100", 100.5, 1_700_000_030)
	sim.Push("R_100", 101, 1_700_000_060)

	select {
	case s := <-c.Settlements():
		assert.Equal(t, rec.ID, s.TradeID)
		assert.Equal(t, rec.ContractID, s.ContractID)
		assert.True(t, decimal.RequireFromString("8.5").Equal(s.Profit), "profit %s", s.Profit)
		assert.Equal(t, 101.0, s.ExitQuote)
		assert.Equal(t, int64(1_700_000_060), s.SettledAt.Unix())
	case <-time.After(2 * time.Second):
		t.Fatal("no settlement")
	}
	assert.Zero(t, sim.OpenContracts())
}

func TestClient_BuyRejectsNone(t *testing.T) {
	_, url := startSim(t, brokersim.Config{})
	c := connect(t, url, nil, nil)
	_, err := c.Buy(context.Background(), model.TradeRequest{Symbol: "R_100", Direction: model.None, Amount: decimal.NewFromInt(1), DurationMinutes: 1})
	assert.Error(t, err)
}

func TestClient_BadTokenNeverConnects(t *testing.T) {
	_, url := startSim(t, brokersim.Config{Token: "secret"})
	c := connect(t, url, func(cfg *broker.Config) {
		cfg.Token = "wrong"
		cfg.RequestTimeout = 200 * time.Millisecond
	}, nil)

	_, err := c.Buy(context.Background(), model.TradeRequest{
		Symbol: "R_100", Direction: model.Sell, Amount: decimal.NewFromInt(1), DurationMinutes: 1,
	})
	assert.ErrorIs(t, err, broker.ErrDisconnected)
	assert.NotErrorIs(t, err, model.ErrOrderUnconfirmed, "never written")
	assert.False(t, c.Connected())
}

// startSilent serves a websocket that reads every request and answers none.
func startSilent(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestClient_BuyWithoutReplyIsUnconfirmed(t *testing.T) {
	c := connect(t, startSilent(t), func(cfg *broker.Config) { cfg.RequestTimeout = 100 * time.Millisecond }, nil)
	waitConnected(t, c)

	_, err := c.Buy(context.Background(), model.TradeRequest{
		Symbol: "R_100", Direction: model.Buy, Amount: decimal.NewFromInt(1), DurationMinutes: 1,
	})
	require.ErrorIs(t, err, model.ErrOrderUnconfirmed)
	assert.ErrorIs(t, err, broker.ErrNoReply)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_ResubscribesAfterReconnect(t *testing.T) {
	sim, url := startSim(t, brokersim.Config{Symbols: map[string]float64{"R_100": 1000}})
	var reconnects atomic.Int32
	c := connect(t, url, nil, func(c *broker.Client) {
		c.OnReconnect = func() { reconnects.Add(1) }
	})
	waitConnected(t, c)

	ch, err := c.SubscribeTicks(context.Background(), "R_100")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sim.Subscribers("R_100") == 1 }, time.Second, 5*time.Millisecond)

	sim.DropConnections()
	require.Eventually(t, func() bool { return reconnects.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Connected() && sim.Subscribers("R_100") == 1 }, 2*time.Second, 5*time.Millisecond)

	sim.Push("R_100", 1003, 1_700_000_100)
	awaitQuote(t, ch, 1003)
}

func TestNumber_Decoding(t *testing.T) {
	var w broker.WireTick
	require.NoError(t, json.Unmarshal([]byte(`{"symbol":"R_100","quote":"1234.5","epoch":1700000000}`), &w))
	q, err := w.Quote.Float()
	require.NoError(t, err)
	assert.Equal(t, 1234.5, q)
	e, err := w.Epoch.Int()
	require.NoError(t, err)
	assert.Equal(t, int64(1_700_000_000), e)

	require.NoError(t, json.Unmarshal([]byte(`{"quote":"NaN","epoch":1.5}`), &w))
	_, err = w.Quote.Float()
	assert.Error(t, err)
	_, err = w.Epoch.Int()
	assert.Error(t, err)

	require.NoError(t, json.Unmarshal([]byte(`{"quote":null}`), &w))
	_, err = w.Quote.Float()
	assert.Error(t, err)

	b, err := json.Marshal(broker.WireTick{Symbol: "X", Quote: broker.NumberOf(1.25), Epoch: broker.RawNumber("bad")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"symbol":"X","quote":1.25,"epoch":"bad"}`, string(b))
}
