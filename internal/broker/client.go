// Package broker is the websocket client for the binary-options broker API.
//
// One multiplexed connection carries every request. Replies are matched by
// req_id; tick and contract streams are routed by symbol and contract id.
// After a reconnect the client re-authorizes and restores every live tick
// subscription and every unsettled contract watch.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradesignal/internal/candlestore"
	"tradesignal/internal/model"
)

var (
	// ErrDisconnected is returned for requests issued or pending while the
	// connection is down.
	ErrDisconnected = errors.New("broker disconnected")
	// ErrNoReply is wrapped when a request was written but its reply never
	// came, either by timeout or because the connection dropped.
	ErrNoReply = errors.New("no reply")
	// ErrUnexpectedReply is returned when a reply lacks the expected payload.
	ErrUnexpectedReply = errors.New("unexpected broker reply")
)

// Config holds the connection settings.
type Config struct {
	// URL of the broker websocket, e.g. "wss://ws.example.com/websockets/v3".
	URL   string
	AppID string
	Token string

	Currency string

	RequestTimeout    time.Duration // default 15s
	ReconnectDelay    time.Duration // default 2s
	MaxReconnectDelay time.Duration // default 30s
	TickBuffer        int           // per-subscription channel size, default 256
	SettlementBuffer  int           // default 64
}

func (c *Config) defaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.TickBuffer <= 0 {
		c.TickBuffer = 256
	}
	if c.SettlementBuffer <= 0 {
		c.SettlementBuffer = 64
	}
	if c.Currency == "" {
		c.Currency = "USD"
	}
}

type tickSub struct {
	ch    chan model.Tick
	subID string
}

// Client implements model.MarketData, model.TradeSink and model.Settler
// over the broker websocket.
type Client struct {
	cfg      Config
	endpoint string
	log      zerolog.Logger
	reqSeq   atomic.Int64

	mu        sync.Mutex
	conn      *websocket.Conn
	ready     chan struct{} // closed while connected and restored
	pending   map[int64]chan Response
	subs      map[string]*tickSub
	contracts map[int64]model.TradeRecord
	lastQuote map[string]float64

	writeMu  sync.Mutex
	settleCh chan model.Settlement

	// Optional hooks, set before Run.
	OnReconnect     func()
	OnMalformedTick func()
	OnConnState     func(connected bool)
}

// New validates the URL and creates a disconnected client.
func New(cfg Config, log zerolog.Logger) (*Client, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("broker url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("broker url: unsupported scheme %q", u.Scheme)
	}
	if cfg.AppID != "" {
		q := u.Query()
		q.Set("app_id", cfg.AppID)
		u.RawQuery = q.Encode()
	}
	return &Client{
		cfg:       cfg,
		endpoint:  u.String(),
		log:       log.With().Str("component", "broker").Logger(),
		ready:     make(chan struct{}),
		pending:   make(map[int64]chan Response),
		subs:      make(map[string]*tickSub),
		contracts: make(map[int64]model.TradeRecord),
		lastQuote: make(map[string]float64),
		settleCh:  make(chan model.Settlement, cfg.SettlementBuffer),
	}, nil
}

// Connected reports whether the connection is up and restored.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

// Settlements streams contract outcomes for orders placed through Buy.
func (c *Client) Settlements() <-chan model.Settlement { return c.settleCh }

// Run keeps the connection alive until ctx is cancelled, reconnecting with
// exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{Min: c.cfg.ReconnectDelay, Max: c.cfg.MaxReconnectDelay, Factor: 2}
	for {
		if ctx.Err() != nil {
			return nil
		}
		started := time.Now()
		err := c.runOnce(ctx)
		if err == nil {
			return nil
		}
		// A connection that stayed up for a while starts the backoff over.
		if time.Since(started) > c.cfg.MaxReconnectDelay {
			b.Reset()
		}
		delay := b.Duration()
		c.log.Warn().Err(err).Dur("retry_in", delay).Msg("disconnected, reconnecting")
		if c.OnReconnect != nil {
			c.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce holds one connection until it drops. It returns nil only when ctx
// is cancelled.
func (c *Client) runOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.RequestTimeout}
	conn, _, err := dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			c.writeMu.Unlock()
			conn.Close()
		case <-stop:
		}
	}()

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() { readErr <- c.readLoop(conn) }()

	if err := c.restore(ctx); err != nil {
		conn.Close()
		<-readErr
		c.disconnect()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	c.mu.Lock()
	close(c.ready)
	c.mu.Unlock()
	c.log.Info().Str("url", c.cfg.URL).Msg("connected")
	if c.OnConnState != nil {
		c.OnConnState(true)
	}

	err = <-readErr
	c.disconnect()
	if c.OnConnState != nil {
		c.OnConnState(false)
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// disconnect drops the connection and fails every pending request.
func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	select {
	case <-c.ready:
		c.ready = make(chan struct{})
	default:
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// restore authorizes and re-issues the streams that outlive a connection.
func (c *Client) restore(ctx context.Context) error {
	if c.cfg.Token != "" {
		resp, err := c.roundTrip(ctx, Request{Authorize: c.cfg.Token})
		if err != nil {
			return fmt.Errorf("authorize: %w", err)
		}
		if resp.Authorize != nil {
			c.log.Info().Str("login_id", resp.Authorize.LoginID).Msg("authorized")
		}
	}

	c.mu.Lock()
	symbols := make([]string, 0, len(c.subs))
	for s := range c.subs {
		symbols = append(symbols, s)
	}
	contracts := make([]int64, 0, len(c.contracts))
	for id := range c.contracts {
		contracts = append(contracts, id)
	}
	c.mu.Unlock()

	for _, sym := range symbols {
		resp, err := c.roundTrip(ctx, Request{Ticks: sym, Subscribe: 1})
		if err != nil {
			return fmt.Errorf("resubscribe %s: %w", sym, err)
		}
		c.setSubID(sym, resp)
	}
	for _, id := range contracts {
		if _, err := c.roundTrip(ctx, Request{ProposalOpenContract: 1, ContractID: id, Subscribe: 1}); err != nil {
			c.log.Warn().Err(err).Int64("contract_id", id).Msg("contract watch not restored")
		}
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var resp Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			c.log.Warn().Err(err).Bytes("raw", raw).Msg("undecodable message")
			continue
		}
		c.dispatch(resp)
	}
}

func (c *Client) dispatch(resp Response) {
	switch resp.MsgType {
	case MsgTick:
		if resp.Tick != nil && resp.Error == nil {
			c.routeTick(resp)
		}
	case MsgOpenContract:
		if resp.Contract != nil && resp.Error == nil {
			c.routeContract(*resp.Contract)
		}
	}

	if resp.ReqID == 0 {
		return
	}
	c.mu.Lock()
	if ch, ok := c.pending[resp.ReqID]; ok {
		select {
		case ch <- resp:
		default:
			// Stream updates reuse the subscribing req_id; only the first is a reply.
		}
	}
	c.mu.Unlock()
}

func (c *Client) routeTick(resp Response) {
	tick, err := parseTick(*resp.Tick)
	if err != nil {
		c.log.Warn().Err(err).Str("symbol", resp.Tick.Symbol).Msg("dropping tick")
		if c.OnMalformedTick != nil {
			c.OnMalformedTick()
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastQuote[tick.Symbol] = tick.Quote
	sub, ok := c.subs[tick.Symbol]
	if !ok {
		return
	}
	if resp.Subscription != nil && sub.subID == "" {
		sub.subID = resp.Subscription.ID
	}
	select {
	case sub.ch <- tick:
	default:
		c.log.Warn().Str("symbol", tick.Symbol).Msg("tick channel full, dropping tick")
	}
}

func (c *Client) routeContract(oc OpenContract) {
	if oc.IsSold != 1 {
		return
	}
	c.mu.Lock()
	rec, ok := c.contracts[oc.ContractID]
	delete(c.contracts, oc.ContractID)
	c.mu.Unlock()
	if !ok {
		return
	}

	settledAt := time.Now().UTC()
	if oc.SellTime > 0 {
		settledAt = time.Unix(oc.SellTime, 0).UTC()
	}
	s := model.Settlement{
		TradeID:    rec.ID,
		ContractID: rec.ContractID,
		Profit:     decimal.NewFromFloat(oc.Profit).Round(2),
		ExitQuote:  oc.ExitTick,
		SettledAt:  settledAt,
	}
	select {
	case c.settleCh <- s:
	default:
		c.log.Error().Str("trade_id", rec.ID).Msg("settlement channel full, outcome dropped")
	}
}

func parseTick(w WireTick) (model.Tick, error) {
	if w.Symbol == "" {
		return model.Tick{}, fmt.Errorf("%w: missing symbol", candlestore.ErrMalformedTick)
	}
	quote, err := w.Quote.Float()
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: quote: %v", candlestore.ErrMalformedTick, err)
	}
	epoch, err := w.Epoch.Int()
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: epoch: %v", candlestore.ErrMalformedTick, err)
	}
	return model.Tick{Symbol: w.Symbol, Quote: quote, Epoch: epoch}, nil
}

func (c *Client) setSubID(symbol string, resp Response) {
	if resp.Subscription == nil {
		return
	}
	c.mu.Lock()
	if sub, ok := c.subs[symbol]; ok {
		sub.subID = resp.Subscription.ID
	}
	c.mu.Unlock()
}

// call waits for the connection, then performs one request.
func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	wait, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case <-ready:
	case <-wait.Done():
		return Response{}, fmt.Errorf("%s: %w", req.Verb(), ErrDisconnected)
	}
	return c.roundTrip(ctx, req)
}

// roundTrip sends req on the current connection and waits for its reply.
func (c *Client) roundTrip(ctx context.Context, req Request) (Response, error) {
	req.ReqID = c.reqSeq.Add(1)
	ch := make(chan Response, 1)

	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Response{}, fmt.Errorf("%s: %w", req.Verb(), ErrDisconnected)
	}
	c.pending[req.ReqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ReqID)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.RequestTimeout))
	err = conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()
	if err != nil {
		return Response{}, fmt.Errorf("%s: write: %w", req.Verb(), err)
	}

	tctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	select {
	case resp, ok := <-ch:
		if !ok {
			return Response{}, fmt.Errorf("%s: %w: %w", req.Verb(), ErrNoReply, ErrDisconnected)
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-tctx.Done():
		return Response{}, fmt.Errorf("%s: %w: %w", req.Verb(), ErrNoReply, tctx.Err())
	}
}

// SubscribeTicks starts the tick stream for symbol. A second subscription to
// the same symbol takes over the server stream and closes the first channel.
func (c *Client) SubscribeTicks(ctx context.Context, symbol string) (<-chan model.Tick, error) {
	sub := &tickSub{ch: make(chan model.Tick, c.cfg.TickBuffer)}

	c.mu.Lock()
	old := c.subs[symbol]
	c.subs[symbol] = sub
	if old != nil {
		sub.subID = old.subID
		close(old.ch)
	}
	c.mu.Unlock()

	if old == nil {
		resp, err := c.call(ctx, Request{Ticks: symbol, Subscribe: 1})
		if err != nil {
			c.removeSub(symbol, sub, false)
			return nil, fmt.Errorf("subscribe %s: %w", symbol, err)
		}
		c.setSubID(symbol, resp)
	}

	go func() {
		<-ctx.Done()
		c.removeSub(symbol, sub, true)
	}()
	return sub.ch, nil
}

// removeSub closes sub if it is still the symbol's subscription, optionally
// telling the server to stop the stream.
func (c *Client) removeSub(symbol string, sub *tickSub, forget bool) {
	c.mu.Lock()
	if c.subs[symbol] != sub {
		c.mu.Unlock()
		return
	}
	delete(c.subs, symbol)
	close(sub.ch)
	id := sub.subID
	c.mu.Unlock()

	if forget && id != "" && c.Connected() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if _, err := c.roundTrip(ctx, Request{Forget: id}); err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).Msg("forget failed")
		}
	}
}

// FetchHistoricalCandles returns up to count candles, oldest first.
func (c *Client) FetchHistoricalCandles(ctx context.Context, symbol string, granularitySeconds, count int) ([]model.Candle, error) {
	resp, err := c.call(ctx, Request{
		TicksHistory: symbol,
		Style:        "candles",
		Granularity:  granularitySeconds,
		Count:        count,
		End:          "latest",
	})
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", symbol, err)
	}

	out := make([]model.Candle, 0, len(resp.Candles))
	for i, w := range resp.Candles {
		cd, err := parseCandle(w)
		if err != nil {
			return nil, fmt.Errorf("history %s: candle %d: %w", symbol, i, err)
		}
		out = append(out, cd)
	}
	return out, nil
}

func parseCandle(w WireCandle) (model.Candle, error) {
	var cd model.Candle
	var err error
	if cd.Time, err = w.Epoch.Int(); err != nil {
		return cd, err
	}
	for _, f := range []struct {
		dst *float64
		src Number
	}{{&cd.Open, w.Open}, {&cd.High, w.High}, {&cd.Low, w.Low}, {&cd.Close, w.Close}} {
		if *f.dst, err = f.src.Float(); err != nil {
			return cd, err
		}
	}
	return cd, nil
}

// Buy places a rise/fall contract and watches it until it settles. A buy
// that was written but never answered wraps model.ErrOrderUnconfirmed.
func (c *Client) Buy(ctx context.Context, req model.TradeRequest) (model.TradeRecord, error) {
	if !req.Direction.Tradable() {
		return model.TradeRecord{}, fmt.Errorf("buy: direction %q not tradable", req.Direction)
	}
	currency := req.Currency
	if currency == "" {
		currency = c.cfg.Currency
	}
	amount := req.Amount.InexactFloat64()

	resp, err := c.call(ctx, Request{
		Buy:   1,
		Price: amount,
		Parameters: &ContractParams{
			Amount:       amount,
			Basis:        "stake",
			ContractType: req.Direction.ContractType(),
			Currency:     currency,
			Duration:     req.DurationMinutes,
			DurationUnit: "m",
			Symbol:       req.Symbol,
		},
	})
	if errors.Is(err, ErrNoReply) {
		return model.TradeRecord{}, fmt.Errorf("buy: %w: %w", model.ErrOrderUnconfirmed, err)
	}
	if err != nil {
		return model.TradeRecord{}, fmt.Errorf("buy: %w", err)
	}
	if resp.Buy == nil {
		return model.TradeRecord{}, fmt.Errorf("buy: %w", ErrUnexpectedReply)
	}

	opened := time.Now().UTC()
	if resp.Buy.StartTime > 0 {
		opened = time.Unix(resp.Buy.StartTime, 0).UTC()
	}
	c.mu.Lock()
	rec := model.TradeRecord{
		ID:              uuid.Must(uuid.NewV4()).String(),
		ContractID:      strconv.FormatInt(resp.Buy.ContractID, 10),
		Direction:       req.Direction,
		Amount:          req.Amount,
		Timestamp:       opened,
		Instrument:      req.Symbol,
		DurationMinutes: req.DurationMinutes,
		EntryQuote:      c.lastQuote[req.Symbol],
		Confirmations:   req.Confirmations,
	}
	c.contracts[resp.Buy.ContractID] = rec
	c.mu.Unlock()

	if _, err := c.call(ctx, Request{ProposalOpenContract: 1, ContractID: resp.Buy.ContractID, Subscribe: 1}); err != nil {
		c.log.Warn().Err(err).Str("contract_id", rec.ContractID).Msg("contract watch failed, retried on reconnect")
	}
	c.log.Info().
		Str("trade_id", rec.ID).
		Str("contract_id", rec.ContractID).
		Str("direction", string(rec.Direction)).
		Str("amount", rec.Amount.String()).
		Msg("contract bought")
	return rec, nil
}
