// Package execution simulates order placement for paper trading and backtests.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradesignal/internal/model"
)

var (
	ErrNoQuote       = errors.New("no quote observed for symbol")
	ErrInvalidAmount = errors.New("trade amount must be positive")
	ErrInvalidOrder  = errors.New("invalid order")
)

// DefaultPayout is the profit ratio paid on a winning contract.
var DefaultPayout = decimal.RequireFromString("0.85")

type contract struct {
	rec    model.TradeRecord
	expiry int64 // unix seconds
}

// Paper fills rise/fall contracts at the last observed quote and settles them
// from the first tick at or after expiry, measured on the tick clock. It implements model.TradeSink,
// model.Settler and model.TickObserver.
type Paper struct {
	mu       sync.Mutex
	log      zerolog.Logger
	payout   decimal.Decimal
	last     map[string]model.Tick
	pending  []contract
	orderSeq int64
	settleCh chan model.Settlement
	now      func() time.Time

	// OnSettled fires for each settlement handed to the channel.
	OnSettled func(model.Settlement)
}

// NewPaper creates a paper executor. payout <= 0 uses DefaultPayout.
func NewPaper(payout decimal.Decimal, bufferSize int, log zerolog.Logger) *Paper {
	if !payout.IsPositive() {
		payout = DefaultPayout
	}
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Paper{
		log:      log.With().Str("component", "paper").Logger(),
		payout:   payout,
		last:     make(map[string]model.Tick),
		settleCh: make(chan model.Settlement, bufferSize),
		now:      time.Now,
	}
}

// Settlements delivers contract outcomes.
func (p *Paper) Settlements() <-chan model.Settlement { return p.settleCh }

// Buy opens a contract at the last observed quote for req.Symbol.
func (p *Paper) Buy(ctx context.Context, req model.TradeRequest) (model.TradeRecord, error) {
	if err := ctx.Err(); err != nil {
		return model.TradeRecord{}, err
	}
	if !req.Direction.Tradable() {
		return model.TradeRecord{}, fmt.Errorf("%w: direction %q", ErrInvalidOrder, req.Direction)
	}
	if req.DurationMinutes <= 0 {
		return model.TradeRecord{}, fmt.Errorf("%w: duration %d", ErrInvalidOrder, req.DurationMinutes)
	}
	if !req.Amount.IsPositive() {
		return model.TradeRecord{}, ErrInvalidAmount
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	tick, ok := p.last[req.Symbol]
	if !ok {
		return model.TradeRecord{}, fmt.Errorf("buy %s: %w", req.Symbol, ErrNoQuote)
	}

	p.orderSeq++
	rec := model.TradeRecord{
		ID:              uuid.Must(uuid.NewV4()).String(),
		ContractID:      fmt.Sprintf("PAPER-%d", p.orderSeq),
		Direction:       req.Direction,
		Amount:          req.Amount,
		Timestamp:       p.now(),
		Instrument:      req.Symbol,
		DurationMinutes: req.DurationMinutes,
		EntryQuote:      tick.Quote,
		Confirmations:   append([]string(nil), req.Confirmations...),
	}
	p.pending = append(p.pending, contract{
		rec:    rec,
		expiry: tick.Epoch + int64(req.DurationMinutes)*60,
	})

	p.log.Info().
		Str("trade_id", rec.ID).
		Str("contract_id", rec.ContractID).
		Str("symbol", rec.Instrument).
		Str("direction", string(rec.Direction)).
		Str("amount", rec.Amount.String()).
		Float64("entry", rec.EntryQuote).
		Msg("paper contract opened")
	return rec, nil
}

// ObserveTick records the quote and settles expired contracts on that symbol.
// A settlement that does not fit the channel stays pending until the next tick.
func (p *Paper) ObserveTick(t model.Tick) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.last[t.Symbol] = t
	if len(p.pending) == 0 {
		return
	}

	kept := p.pending[:0]
	for _, c := range p.pending {
		if c.rec.Instrument != t.Symbol || t.Epoch < c.expiry {
			kept = append(kept, c)
			continue
		}
		s := p.settle(c.rec, t)
		select {
		case p.settleCh <- s:
			if p.OnSettled != nil {
				p.OnSettled(s)
			}
		default:
			p.log.Warn().Str("trade_id", c.rec.ID).Msg("settlement channel full, retrying next tick")
			kept = append(kept, c)
		}
	}
	p.pending = kept
}

// Open returns the number of unsettled contracts.
func (p *Paper) Open() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *Paper) settle(rec model.TradeRecord, t model.Tick) model.Settlement {
	won := (rec.Direction == model.Buy && t.Quote > rec.EntryQuote) ||
		(rec.Direction == model.Sell && t.Quote < rec.EntryQuote)

	profit := rec.Amount.Neg()
	if won {
		profit = rec.Amount.Mul(p.payout).Round(2)
	}
	p.log.Info().
		Str("trade_id", rec.ID).
		Float64("exit", t.Quote).
		Str("profit", profit.String()).
		Msg("paper contract settled")

	return model.Settlement{
		TradeID:    rec.ID,
		ContractID: rec.ContractID,
		Profit:     profit,
		ExitQuote:  t.Quote,
		SettledAt:  t.Time(),
	}
}

// OpenOn returns the number of unsettled contracts on symbol.
func (p *Paper) OpenOn(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.pending {
		if c.rec.Instrument == symbol {
			n++
		}
	}
	return n
}
