package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradesignal/internal/candlestore"
	"tradesignal/internal/engine"
	"tradesignal/internal/model"
	"tradesignal/internal/risk"
	"tradesignal/internal/signal"
)

const (
	maxTradesLimit = 500
	maxBodyBytes   = 1 << 16
)

// Controller is the session surface the API drives; *engine.Engine
// implements it.
type Controller interface {
	Symbol() string
	Latest() (signal.Signal, bool)
	Snapshot(ctx context.Context) (candlestore.Snapshot, error)
	Session(ctx context.Context) (engine.SessionStatus, error)
	SubmitTrade(ctx context.Context, dir model.Direction, amount decimal.Decimal, durationMinutes int) (model.TradeRecord, error)
	SwitchInstrument(ctx context.Context, symbol string) error
	ResetSession(ctx context.Context) error
}

// TradeHistory lists recorded trades, oldest first; the ledger implements it.
type TradeHistory interface {
	Recent(ctx context.Context, n int) ([]model.TradeRecord, error)
}

// Server exposes the websocket hub and the REST routes.
type Server struct {
	ctl      Controller
	trades   TradeHistory
	hub      *Hub
	start    time.Time
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewServer wires the API to a controller, its trade history and a hub.
func NewServer(ctl Controller, trades TradeHistory, hub *Hub, log zerolog.Logger) *Server {
	return &Server{
		ctl:    ctl,
		trades: trades,
		hub:    hub,
		start:  time.Now(),
		log:    log.With().Str("component", "api").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(*http.Request) bool { return true },
			EnableCompression: true,
		},
	}
}

// Handler returns a mux with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// RegisterRoutes registers the websocket and REST routes on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/signal", route(http.MethodGet, s.handleSignal))
	mux.HandleFunc("/api/candles", route(http.MethodGet, s.handleCandles))
	mux.HandleFunc("/api/session", route(http.MethodGet, s.handleSession))
	mux.HandleFunc("/api/session/reset", route(http.MethodPost, s.handleReset))
	mux.HandleFunc("/api/trades", route(http.MethodGet, s.handleTrades))
	mux.HandleFunc("/api/trade", route(http.MethodPost, s.handleTrade))
	mux.HandleFunc("/api/instrument", route(http.MethodPost, s.handleInstrument))
	mux.HandleFunc("/api/missed", route(http.MethodGet, s.handleMissed))
	mux.HandleFunc("/api/stats", route(http.MethodGet, s.handleStats))
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// route answers preflight requests and rejects other methods.
func route(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		switch r.Method {
		case http.MethodOptions:
			w.WriteHeader(http.StatusNoContent)
		case method:
			h(w, r)
		default:
			w.Header().Set("Allow", method+", OPTIONS")
			writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Error: "method not allowed"})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps engine and gate errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	body := ErrorResponse{Error: err.Error()}
	switch {
	case errors.Is(err, risk.ErrRateLimited):
		status = http.StatusTooManyRequests
		body.Reason = risk.Reason(err)
	case errors.Is(err, risk.ErrSessionLossLimitExceeded):
		status = http.StatusConflict
		body.Reason = risk.Reason(err)
	case errors.Is(err, engine.ErrTradingDisabled):
		status = http.StatusForbidden
	case errors.Is(err, engine.ErrInvalidTrade), errors.Is(err, engine.ErrNoSymbol):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, model.ErrOrderUnconfirmed):
		status = http.StatusGatewayTimeout
		body.Reason = "order_unconfirmed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.log.Warn().Err(err).Int("status", status).Msg("request failed")
	}
	writeJSON(w, status, body)
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("ws upgrade")
		return
	}
	s.hub.HandleWSRequest(conn, r.URL.Query().Get("last_ts"))
}

func (s *Server) handleSignal(w http.ResponseWriter, _ *http.Request) {
	sig, ok := s.ctl.Latest()
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "no signal yet for " + s.ctl.Symbol()})
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

// handleCandles serves the candle series, newest last. ?limit keeps the
// newest n; ?ticks=true includes the raw tick buffer.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	snap, err := s.ctl.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	candles := snap.Candles
	if n := queryInt(r, "limit", 0); n > 0 && n < len(candles) {
		candles = candles[len(candles)-n:]
	}
	resp := CandlesResponse{Symbol: snap.Symbol, BucketSeconds: snap.BucketSeconds, Candles: candles}
	if r.URL.Query().Get("ticks") == "true" {
		resp.Ticks = snap.Ticks
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctl.Session(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctl.ResetSession(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Msg("session reset")
	s.handleSession(w, r)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit > maxTradesLimit {
		limit = maxTradesLimit
	}
	recs, err := s.trades.Recent(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if recs == nil {
		recs = []model.TradeRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	dir := model.Direction(strings.ToUpper(strings.TrimSpace(req.Direction)))
	rec, err := s.ctl.SubmitTrade(r.Context(), dir, req.Amount, req.DurationMinutes)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON: " + err.Error()})
		return
	}
	symbol := strings.TrimSpace(req.Symbol)
	if err := s.ctl.SwitchInstrument(r.Context(), symbol); err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info().Str("symbol", symbol).Msg("instrument switched")
	writeJSON(w, http.StatusOK, InstrumentRequest{Symbol: s.ctl.Symbol()})
}

// handleMissed returns buffered envelopes for ?channel with channel_seq in
// [from, to] as a JSON array. A missing to means up to the current seq.
func (s *Server) handleMissed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if channel == "" || err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "channel and from are required"})
		return
	}
	to := s.hub.GetChannelSeq(channel)
	if v := q.Get("to"); v != "" {
		if to, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid to"})
			return
		}
	}

	entries := s.hub.GetReplayRange(channel, from, to)
	buf := make([]byte, 0, 64*len(entries)+2)
	buf = append(buf, '[')
	for i, e := range entries {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, e...)
	}
	buf = append(buf, ']')
	w.Header().Set("Content-Type", "application/json")
	w.Write(buf)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.hub.Stats(s.start))
}
