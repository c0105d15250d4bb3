package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradesignal/internal/candlestore"
	"tradesignal/internal/engine"
	"tradesignal/internal/model"
	"tradesignal/internal/risk"
	"tradesignal/internal/signal"
)

type fakeController struct {
	mu        sync.Mutex
	symbol    string
	latest    *signal.Signal
	candles   []model.Candle
	tradeErr  error
	submitted []model.TradeRequest
	resets    int
}

func (f *fakeController) Symbol() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.symbol
}

func (f *fakeController) Latest() (signal.Signal, bool) {
	if f.latest == nil {
		return signal.Signal{}, false
	}
	return *f.latest, true
}

func (f *fakeController) Snapshot(context.Context) (candlestore.Snapshot, error) {
	return candlestore.Snapshot{Symbol: f.symbol, BucketSeconds: 60, Candles: f.candles}, nil
}

func (f *fakeController) Session(context.Context) (engine.SessionStatus, error) {
	return engine.SessionStatus{Symbol: f.symbol, Trading: true}, nil
}

func (f *fakeController) SubmitTrade(_ context.Context, dir model.Direction, amount decimal.Decimal, minutes int) (model.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, model.TradeRequest{Direction: dir, Amount: amount, DurationMinutes: minutes})
	if !dir.Tradable() {
		return model.TradeRecord{}, fmt.Errorf("%w: direction %q", engine.ErrInvalidTrade, dir)
	}
	if f.tradeErr != nil {
		return model.TradeRecord{}, f.tradeErr
	}
	return model.TradeRecord{ID: "t1", Direction: dir, Amount: amount, DurationMinutes: minutes, Instrument: f.symbol}, nil
}

func (f *fakeController) SwitchInstrument(_ context.Context, symbol string) error {
	if symbol == "" {
		return engine.ErrNoSymbol
	}
	f.mu.Lock()
	f.symbol = symbol
	f.mu.Unlock()
	return nil
}

func (f *fakeController) ResetSession(context.Context) error {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
	return nil
}

type fakeHistory struct {
	limit int
	recs  []model.TradeRecord
}

func (f *fakeHistory) Recent(_ context.Context, n int) ([]model.TradeRecord, error) {
	f.limit = n
	return f.recs, nil
}

func newTestServer(ctl *fakeController, hist *fakeHistory) http.Handler {
	return NewServer(ctl, hist, NewHub(zerolog.Nop()), zerolog.Nop()).Handler()
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	return e
}

func TestHandlers_Signal(t *testing.T) {
	ctl := &fakeController{symbol: "R_100"}
	h := newTestServer(ctl, &fakeHistory{})

	rec := do(t, h, http.MethodGet, "/api/signal", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "R_100")

	ctl.latest = &signal.Signal{Symbol: "R_100", Direction: model.Sell, Confidence: 62.5}
	rec = do(t, h, http.MethodGet, "/api/signal", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	var sig signal.Signal
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sig))
	assert.Equal(t, model.Sell, sig.Direction)
	assert.Equal(t, 62.5, sig.Confidence)
}

func TestHandlers_CandlesLimit(t *testing.T) {
	ctl := &fakeController{symbol: "R_100"}
	for i := int64(1); i <= 5; i++ {
		ctl.candles = append(ctl.candles, model.Candle{Time: 60 * i, Open: 1, High: 1, Low: 1, Close: 1})
	}
	h := newTestServer(ctl, &fakeHistory{})

	rec := do(t, h, http.MethodGet, "/api/candles?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CandlesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(60), resp.BucketSeconds)
	require.Len(t, resp.Candles, 2)
	assert.Equal(t, int64(240), resp.Candles[0].Time)
	assert.Equal(t, int64(300), resp.Candles[1].Time)
}

func TestHandlers_SubmitTrade(t *testing.T) {
	ctl := &fakeController{symbol: "R_100"}
	h := newTestServer(ctl, &fakeHistory{})

	rec := do(t, h, http.MethodPost, "/api/trade", `{"direction":"buy","amount":"10.5","duration_minutes":3}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, ctl.submitted, 1)
	assert.Equal(t, model.Buy, ctl.submitted[0].Direction)
	assert.True(t, decimal.RequireFromString("10.5").Equal(ctl.submitted[0].Amount))
	assert.Equal(t, 3, ctl.submitted[0].DurationMinutes)

	var got model.TradeRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t1", got.ID)
}

func TestHandlers_TradeErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		reason string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, ""},
		{"bad direction", `{"direction":"sideways"}`, nil, http.StatusBadRequest, ""},
		{"cooldown", `{"direction":"SELL"}`, fmt.Errorf("%w: %w", risk.ErrRateLimited, risk.ErrCooldownActive), http.StatusTooManyRequests, "cooldown_active"},
		{"halted", `{"direction":"SELL"}`, risk.ErrSessionLossLimitExceeded, http.StatusConflict, "session loss limit exceeded"},
		{"disabled", `{"direction":"SELL"}`, engine.ErrTradingDisabled, http.StatusForbidden, ""},
		{"stopped", `{"direction":"SELL"}`, engine.ErrNotRunning, http.StatusServiceUnavailable, ""},
		{"broker", `{"direction":"SELL"}`, fmt.Errorf("buy: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, ""},
		{"unconfirmed", `{"direction":"SELL"}`, fmt.Errorf("buy: %w: %w", model.ErrOrderUnconfirmed, context.DeadlineExceeded), http.StatusGatewayTimeout, "order_unconfirmed"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newTestServer(&fakeController{symbol: "R_100", tradeErr: tc.err}, &fakeHistory{})
			rec := do(t, h, http.MethodPost, "/api/trade", tc.body)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.reason, decodeError(t, rec).Reason)
		})
	}
}

func TestHandlers_Instrument(t *testing.T) {
	ctl := &fakeController{symbol: "R_100"}
	h := newTestServer(ctl, &fakeHistory{})

	rec := do(t, h, http.MethodPost, "/api/instrument", `{"symbol":" "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/instrument", `{"symbol":"R_50"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"symbol":"R_50"}`, rec.Body.String())
	assert.Equal(t, "R_50", ctl.Symbol())
}

func TestHandlers_SessionAndReset(t *testing.T) {
	ctl := &fakeController{symbol: "R_100"}
	h := newTestServer(ctl, &fakeHistory{})

	rec := do(t, h, http.MethodGet, "/api/session", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st engine.SessionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Trading)

	rec = do(t, h, http.MethodPost, "/api/session/reset", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ctl.resets)
}

func TestHandlers_TradesClampsLimit(t *testing.T) {
	hist := &fakeHistory{}
	h := newTestServer(&fakeController{symbol: "R_100"}, hist)

	rec := do(t, h, http.MethodGet, "/api/trades", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, 50, hist.limit)

	do(t, h, http.MethodGet, "/api/trades?limit=9999", "")
	assert.Equal(t, maxTradesLimit, hist.limit)
}

func TestHandlers_Methods(t *testing.T) {
	h := newTestServer(&fakeController{symbol: "R_100"}, &fakeHistory{})

	rec := do(t, h, http.MethodGet, "/api/trade", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Allow"))

	rec = do(t, h, http.MethodOptions, "/api/trade", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestHandlers_Stats(t *testing.T) {
	h := newTestServer(&fakeController{symbol: "R_100"}, &fakeHistory{})
	rec := do(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var m SystemMetrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Positive(t, m.CPUCores)
	assert.Positive(t, m.Goroutines)
}
