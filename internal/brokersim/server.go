// Package brokersim is an in-process broker that speaks the same websocket
// protocol as the live API: tick streams, candle history, rise/fall
// contracts and their settlement. Prices follow a random walk, or are pushed
// by hand for deterministic tests.
package brokersim

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradesignal/internal/broker"
	"tradesignal/internal/model"
)

// Config configures a Server.
type Config struct {
	// Symbols maps each instrument to its starting price.
	Symbols map[string]float64
	// Interval between random-walk ticks. Zero disables the generator.
	Interval time.Duration
	// Backfill seconds of one-per-second synthetic history, generated on New.
	Backfill int
	// MaxTicks kept per symbol for history requests.
	MaxTicks int
	// Volatility is the per-tick relative step, default 0.001.
	Volatility float64
	Payout     float64 // default 0.85
	// Token, when set, must be presented via authorize before buying.
	Token string
	Seed  int64
}

func (c *Config) defaults() {
	if len(c.Symbols) == 0 {
		c.Symbols = map[string]float64{"R_100": 1000}
	}
	if c.MaxTicks <= 0 {
		c.MaxTicks = 100_000
	}
	if c.Volatility <= 0 {
		c.Volatility = 0.001
	}
	if c.Payout <= 0 {
		c.Payout = 0.85
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
}

type contract struct {
	id        int64
	symbol    string
	dir       model.Direction
	stake     float64
	entry     float64
	expiresAt int64
	watchers  map[*session]int64 // session -> req_id of the watch
}

// Server is the simulated broker. It implements http.Handler.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	rng       *rand.Rand
	prices    map[string]float64
	ticks     map[string][]model.Tick
	sessions  map[*session]struct{}
	contracts map[int64]*contract
	nextID    int64
	subSeq    int64
	now       func() time.Time
}

// New creates a Server and backfills its history.
func New(cfg Config, log zerolog.Logger) *Server {
	cfg.defaults()
	s := &Server{
		cfg:       cfg,
		log:       log.With().Str("component", "brokersim").Logger(),
		upgrader:  websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }},
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		prices:    make(map[string]float64),
		ticks:     make(map[string][]model.Tick),
		sessions:  make(map[*session]struct{}),
		contracts: make(map[int64]*contract),
		nextID:    1000,
		now:       time.Now,
	}
	for sym, p := range cfg.Symbols {
		s.prices[sym] = p
	}
	if cfg.Backfill > 0 {
		end := s.now().Unix() - 1
		for sym := range s.prices {
			for epoch := end - int64(cfg.Backfill) + 1; epoch <= end; epoch++ {
				s.record(model.Tick{Symbol: sym, Quote: s.walk(sym), Epoch: epoch})
			}
		}
	}
	return s
}

// Run drives the random walk until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Step()
		}
	}
}

// Step advances every symbol by one random-walk tick.
func (s *Server) Step() {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.prices))
	for sym := range s.prices {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	epoch := s.now().Unix()
	ticks := make([]model.Tick, 0, len(symbols))
	for _, sym := range symbols {
		ticks = append(ticks, model.Tick{Symbol: sym, Quote: s.walk(sym), Epoch: epoch})
	}
	s.mu.Unlock()

	for _, t := range ticks {
		s.Push(t.Symbol, t.Quote, t.Epoch)
	}
}

// walk applies one random step. Callers hold mu or own s exclusively.
func (s *Server) walk(sym string) float64 {
	p := s.prices[sym]
	p *= 1 + (s.rng.Float64()*2-1)*s.cfg.Volatility
	p = math.Round(p*100) / 100
	if p < 0.01 {
		p = 0.01
	}
	s.prices[sym] = p
	return p
}

// record appends a tick to the symbol's history. Callers hold mu.
func (s *Server) record(t model.Tick) {
	hist := append(s.ticks[t.Symbol], t)
	// Trim in chunks so a full history is not copied on every tick.
	if len(hist) > s.cfg.MaxTicks+s.cfg.MaxTicks/4 {
		hist = append(hist[:0:0], hist[len(hist)-s.cfg.MaxTicks:]...)
	}
	s.ticks[t.Symbol] = hist
	s.prices[t.Symbol] = t.Quote
}

// Push publishes a tick for symbol at the given epoch, streams it to
// subscribers and settles expired contracts on that symbol.
func (s *Server) Push(symbol string, quote float64, epoch int64) {
	s.mu.Lock()
	tick := model.Tick{Symbol: symbol, Quote: quote, Epoch: epoch}
	s.record(tick)

	for sess := range s.sessions {
		if sub, ok := sess.subs[symbol]; ok {
			sess.send(tickMessage(tick, sub))
		}
	}

	for id, c := range s.contracts {
		if c.symbol != symbol || epoch < c.expiresAt {
			continue
		}
		profit := -c.stake
		won := (c.dir == model.Buy && quote > c.entry) || (c.dir == model.Sell && quote < c.entry)
		if won {
			profit = math.Round(c.stake*s.cfg.Payout*100) / 100
		}
		for sess, reqID := range c.watchers {
			sess.send(broker.Response{
				MsgType: broker.MsgOpenContract,
				ReqID:   reqID,
				Contract: &broker.OpenContract{
					ContractID: c.id,
					Underlying: c.symbol,
					EntryTick:  c.entry,
					ExitTick:   quote,
					IsSold:     1,
					Profit:     profit,
					SellTime:   epoch,
					Status:     map[bool]string{true: "won", false: "lost"}[won],
				},
			})
		}
		delete(s.contracts, id)
	}
	s.mu.Unlock()
}

// Broadcast sends a raw message to every connected session.
func (s *Server) Broadcast(raw []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.write(raw)
	}
}

// DropConnections closes every session, forcing clients to reconnect.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.sessions {
		sess.conn.Close()
	}
}

// Sessions returns the number of connected clients.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Subscribers returns how many sessions stream symbol.
func (s *Server) Subscribers(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for sess := range s.sessions {
		if _, ok := sess.subs[symbol]; ok {
			n++
		}
	}
	return n
}

// OpenContracts returns the number of unsettled contracts.
func (s *Server) OpenContracts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contracts)
}

// Candles buckets the recorded ticks into up to count candles, oldest first.
func (s *Server) Candles(symbol string, granularity, count int) []model.Candle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candles(symbol, granularity, count)
}

// candles runs with mu held.
func (s *Server) candles(symbol string, granularity, count int) []model.Candle {
	if granularity <= 0 {
		granularity = 60
	}
	var out []model.Candle
	for _, t := range s.ticks[symbol] {
		b := t.Epoch - t.Epoch%int64(granularity)
		if n := len(out); n > 0 && out[n-1].Time == b {
			c := &out[n-1]
			c.High = math.Max(c.High, t.Quote)
			c.Low = math.Min(c.Low, t.Quote)
			c.Close = t.Quote
			continue
		}
		out = append(out, model.Candle{Time: b, Open: t.Quote, High: t.Quote, Low: t.Quote, Close: t.Quote})
	}

	if count > 0 && len(out) > count {
		out = out[len(out)-count:]
	}
	return out
}

func tickMessage(t model.Tick, sub subscription) broker.Response {
	return broker.Response{
		MsgType: broker.MsgTick,
		ReqID:   sub.reqID,
		Tick: &broker.WireTick{
			Symbol: t.Symbol,
			Quote:  broker.NumberOf(t.Quote),
			Epoch:  broker.NumberOf(float64(t.Epoch)),
			ID:     sub.id,
		},
		Subscription: &broker.Subscription{ID: sub.id},
	}
}

// ServeHTTP upgrades the request and serves one client session.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	sess := &session{
		conn: conn,
		out:  make(chan []byte, 256),
		subs: make(map[string]subscription),
		log:  s.log,
	}
	s.mu.Lock()
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.writePump()
	}()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess)
		for _, c := range s.contracts {
			delete(c.watchers, sess)
		}
		close(sess.out)
		s.mu.Unlock()
		<-done
		conn.Close()
		s.log.Debug().Str("remote", r.RemoteAddr).Msg("client disconnected")
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req broker.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			sess.sendLocked(s, fail(0, "", "InputValidationFailed", "malformed request"))
			continue
		}
		s.handle(sess, req)
	}
}

func fail(reqID int64, msgType, code, msg string) broker.Response {
	return broker.Response{MsgType: msgType, ReqID: reqID, Error: &broker.APIError{Code: code, Message: msg}}
}

func (s *Server) handle(sess *session, req broker.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	verb := req.Verb()
	switch verb {
	case broker.MsgAuthorize:
		if s.cfg.Token != "" && req.Authorize != s.cfg.Token {
			sess.send(fail(req.ReqID, verb, "InvalidToken", "The token is invalid."))
			return
		}
		sess.authorized = true
		sess.send(broker.Response{MsgType: verb, ReqID: req.ReqID, Authorize: &broker.Account{
			LoginID: "VRTC0001", Currency: "USD", Balance: 10000,
		}})

	case broker.MsgTick:
		price, ok := s.prices[req.Ticks]
		if !ok {
			sess.send(fail(req.ReqID, verb, "InvalidSymbol", "Symbol "+req.Ticks+" invalid."))
			return
		}
		if _, dup := sess.subs[req.Ticks]; dup {
			sess.send(fail(req.ReqID, verb, "AlreadySubscribed", "You are already subscribed to "+req.Ticks+"."))
			return
		}
		s.subSeq++
		sub := subscription{id: fmt.Sprintf("sub-%d", s.subSeq), reqID: req.ReqID}
		sess.subs[req.Ticks] = sub
		last := model.Tick{Symbol: req.Ticks, Quote: price, Epoch: s.now().Unix()}
		if hist := s.ticks[req.Ticks]; len(hist) > 0 {
			last = hist[len(hist)-1]
		}
		sess.send(tickMessage(last, sub))

	case broker.MsgForget:
		removed := 0
		for sym, sub := range sess.subs {
			if sub.id == req.Forget {
				delete(sess.subs, sym)
				removed = 1
			}
		}
		sess.send(broker.Response{MsgType: verb, ReqID: req.ReqID, Forget: removed})

	case broker.MsgCandles:
		if _, ok := s.prices[req.TicksHistory]; !ok {
			sess.send(fail(req.ReqID, "history", "InvalidSymbol", "Symbol "+req.TicksHistory+" invalid."))
			return
		}
		candles := s.candles(req.TicksHistory, req.Granularity, req.Count)
		wire := make([]broker.WireCandle, len(candles))
		for i, c := range candles {
			wire[i] = broker.WireCandle{
				Epoch: broker.NumberOf(float64(c.Time)),
				Open:  broker.NumberOf(c.Open),
				High:  broker.NumberOf(c.High),
				Low:   broker.NumberOf(c.Low),
				Close: broker.NumberOf(c.Close),
			}
		}
		sess.send(broker.Response{MsgType: verb, ReqID: req.ReqID, Candles: wire})

	case broker.MsgBuy:
		s.buy(sess, req)

	case broker.MsgOpenContract:
		c, ok := s.contracts[req.ContractID]
		if !ok {
			sess.send(fail(req.ReqID, verb, "ContractNotFound", "Contract not found."))
			return
		}
		c.watchers[sess] = req.ReqID
		sess.send(broker.Response{MsgType: verb, ReqID: req.ReqID, Contract: &broker.OpenContract{
			ContractID: c.id, Underlying: c.symbol, EntryTick: c.entry, Status: "open",
		}})

	case broker.MsgPing:
		sess.send(broker.Response{MsgType: verb, ReqID: req.ReqID, Ping: "pong"})

	default:
		sess.send(fail(req.ReqID, "error", "UnrecognisedRequest", "Unrecognised request."))
	}
}

// buy runs with mu held.
func (s *Server) buy(sess *session, req broker.Request) {
	p := req.Parameters
	switch {
	case s.cfg.Token != "" && !sess.authorized:
		sess.send(fail(req.ReqID, broker.MsgBuy, "AuthorizationRequired", "Please log in."))
		return
	case p == nil || p.Amount <= 0 || p.Duration <= 0:
		sess.send(fail(req.ReqID, broker.MsgBuy, "InputValidationFailed", "Invalid contract parameters."))
		return
	}
	var dir model.Direction
	switch p.ContractType {
	case "CALL":
		dir = model.Buy
	case "PUT":
		dir = model.Sell
	default:
		sess.send(fail(req.ReqID, broker.MsgBuy, "InvalidContractType", "Unsupported contract type "+p.ContractType+"."))
		return
	}
	entry, ok := s.prices[p.Symbol]
	if !ok {
		sess.send(fail(req.ReqID, broker.MsgBuy, "InvalidSymbol", "Symbol "+p.Symbol+" invalid."))
		return
	}
	start := s.now().Unix()
	if hist := s.ticks[p.Symbol]; len(hist) > 0 {
		last := hist[len(hist)-1]
		entry, start = last.Quote, last.Epoch
	}

	s.nextID++
	c := &contract{
		id:        s.nextID,
		symbol:    p.Symbol,
		dir:       dir,
		stake:     p.Amount,
		entry:     entry,
		expiresAt: start + int64(p.Duration)*60,
		watchers:  make(map[*session]int64),
	}
	s.contracts[c.id] = c
	sess.send(broker.Response{MsgType: broker.MsgBuy, ReqID: req.ReqID, Buy: &broker.BuyReceipt{
		ContractID:    c.id,
		BuyPrice:      p.Amount,
		StartTime:     start,
		TransactionID: c.id * 10,
		Longcode:      fmt.Sprintf("%s on %s for %d minutes", p.ContractType, p.Symbol, p.Duration),
	}})
	s.log.Debug().Int64("contract_id", c.id).Str("symbol", c.symbol).Str("stake", strconv.FormatFloat(c.stake, 'f', 2, 64)).Msg("contract opened")
}

type subscription struct {
	id    string
	reqID int64
}

type session struct {
	conn       *websocket.Conn
	out        chan []byte
	subs       map[string]subscription
	authorized bool
	log        zerolog.Logger
}

// send encodes and queues v. Callers hold the server mutex.
func (c *session) send(v broker.Response) {
	b, err := json.Marshal(v)
	if err != nil {
		c.log.Error().Err(err).Msg("encode failed")
		return
	}
	c.write(b)
}

func (c *session) sendLocked(s *Server, v broker.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.send(v)
}

// write queues raw bytes, dropping them for a slow client.
func (c *session) write(b []byte) {
	select {
	case c.out <- b:
	default:
	}
}

func (c *session) writePump() {
	for msg := range c.out {
		_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			// Drain so senders never block on a dead client.
			for range c.out {
			}
			return
		}
	}
}
