package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"tradesignal/internal/ledger"
	"tradesignal/internal/model"
	"tradesignal/internal/risk"
	"tradesignal/internal/signal"
)

// SessionStatus is the session summary served to the UI.
type SessionStatus struct {
	Symbol    string              `json:"symbol"`
	StartedAt time.Time           `json:"started_at"`
	Trading   bool                `json:"trading"`
	AutoTrade bool                `json:"auto_trade"`
	NextStake *decimal.Decimal    `json:"next_stake,omitempty"`
	Stats     ledger.Stats        `json:"stats"`
	Gate      risk.Status         `json:"gate"`
	Weights   *signal.WeightTable `json:"weights"`
}

// SubmitTrade places an order on the active instrument through the trade
// gate. A zero amount uses the configured stake (the martingale stake when
// enabled); a non-positive duration uses the configured duration.
//
// Gate denials wrap risk.ErrRateLimited and are normal outcomes. After the
// loss ceiling is hit every call fails with risk.ErrSessionLossLimitExceeded
// until ResetSession. A rejected order releases its gate reservation. The
// order runs detached from ctx under Config.OrderTimeout; an order with no
// reply wraps model.ErrOrderUnconfirmed and keeps its reservation.
func (e *Engine) SubmitTrade(ctx context.Context, dir model.Direction, amount decimal.Decimal, durationMinutes int) (model.TradeRecord, error) {
	if e.sink == nil {
		return model.TradeRecord{}, ErrTradingDisabled
	}
	if !dir.Tradable() {
		return model.TradeRecord{}, fmt.Errorf("%w: direction %q", ErrInvalidTrade, dir)
	}
	if durationMinutes <= 0 {
		durationMinutes = e.cfg.DurationMinutes
	}
	if durationMinutes <= 0 {
		return model.TradeRecord{}, fmt.Errorf("%w: duration must be positive", ErrInvalidTrade)
	}
	if amount.IsNegative() {
		return model.TradeRecord{}, fmt.Errorf("%w: negative amount", ErrInvalidTrade)
	}
	if amount.IsZero() {
		stake, err := e.stake()
		if err != nil {
			return model.TradeRecord{}, err
		}
		amount = stake
	}

	symbol := e.Symbol()
	res, err := e.gate.Reserve(e.now())
	if err != nil {
		reason := risk.Reason(err)
		if e.Hooks.OnDenied != nil {
			e.Hooks.OnDenied(reason)
		}
		e.log.Info().Str("reason", reason).Str("direction", string(dir)).Msg("trade denied")
		return model.TradeRecord{}, err
	}

	req := model.TradeRequest{
		Symbol:          symbol,
		Direction:       dir,
		Amount:          amount,
		DurationMinutes: durationMinutes,
		Currency:        e.cfg.Currency,
		Confirmations:   e.confirmations(dir),
	}
	octx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.OrderTimeout)
	rec, err := e.sink.Buy(octx, req)
	cancel()
	if errors.Is(err, model.ErrOrderUnconfirmed) {
		if e.Hooks.OnTrade != nil {
			e.Hooks.OnTrade("unconfirmed")
		}
		e.log.Error().Err(err).
			Str("symbol", symbol).
			Str("direction", string(dir)).
			Str("amount", amount.String()).
			Msg("order outcome unknown, reservation kept")
		e.events.Publish(Event{Kind: EventOrderUnconfirmed, Symbol: symbol, At: e.now(), Data: req})
		return model.TradeRecord{}, fmt.Errorf("buy %s %s: %w", dir, symbol, err)
	}
	if err != nil {
		e.gate.Rollback(res)
		if e.Hooks.OnTrade != nil {
			e.Hooks.OnTrade("failed")
		}
		e.log.Error().Err(err).Str("symbol", symbol).Str("direction", string(dir)).Msg("order failed")
		return model.TradeRecord{}, fmt.Errorf("buy %s %s: %w", dir, symbol, err)
	}
	if rec.Confirmations == nil {
		rec.Confirmations = req.Confirmations
	}
	if rec.Instrument == "" {
		rec.Instrument = symbol
	}

	if err := e.ledger.Append(context.WithoutCancel(ctx), rec); err != nil {
		e.log.Error().Err(err).Str("trade_id", rec.ID).Msg("trade placed but not recorded")
	}
	if e.Hooks.OnTrade != nil {
		e.Hooks.OnTrade("placed")
	}
	e.events.Publish(Event{Kind: EventTrade, Symbol: symbol, At: rec.Timestamp, Data: rec})
	e.log.Info().
		Str("trade_id", rec.ID).
		Str("contract_id", rec.ContractID).
		Str("symbol", symbol).
		Str("direction", string(dir)).
		Str("amount", amount.String()).
		Int("duration_min", durationMinutes).
		Strs("confirmations", rec.Confirmations).
		Msg("trade placed")
	return rec, nil
}

func (e *Engine) stake() (decimal.Decimal, error) {
	if e.cfg.Martingale != nil {
		return e.cfg.Martingale.Stake(e.gate.LossStreak())
	}
	if !e.cfg.Amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no amount given and none configured", ErrInvalidTrade)
	}
	return e.cfg.Amount, nil
}

// confirmations lists, sorted, the strategies in the latest signal that
// support dir.
func (e *Engine) confirmations(dir model.Direction) []string {
	sig, ok := e.Latest()
	if !ok {
		return nil
	}
	var out []string
	for name, r := range sig.Confirmations {
		if r.Bias.Direction() == dir {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

func (e *Engine) autoTrade(ctx context.Context, sig signal.Signal) {
	if sig.Symbol != e.Symbol() {
		return
	}
	_, err := e.SubmitTrade(ctx, sig.Direction, decimal.Zero, e.cfg.DurationMinutes)
	switch {
	case err == nil:
	case errors.Is(err, risk.ErrRateLimited):
		// The gate already logged and counted it.
	default:
		e.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("auto-trade failed")
	}
}

func (e *Engine) onSettlement(ctx context.Context, s model.Settlement) {
	rec, err := e.ledger.Resolve(ctx, s)
	if err != nil {
		e.log.Warn().Err(err).Str("trade_id", s.TradeID).Str("contract_id", s.ContractID).Msg("settlement not applied")
		return
	}

	outcome := "lost"
	if rec.Won() {
		outcome = "won"
	}
	if e.Hooks.OnTrade != nil {
		e.Hooks.OnTrade(outcome)
	}

	// The gate's day boundary follows the clock Reserve is given, not the
	// contract's market time.
	if err := e.gate.RecordOutcome(e.now(), s.Profit); err != nil {
		e.log.Error().Err(err).Msg("session halted, trading stopped until reset")
	}
	if e.Hooks.OnHalted != nil {
		e.Hooks.OnHalted(e.gate.Halted())
	}
	at := s.SettledAt
	if at.IsZero() {
		at = e.now()
	}
	e.events.Publish(Event{Kind: EventSettlement, Symbol: rec.Instrument, At: at, Data: rec})

	e.adaptWeights(ctx)
	e.publishSession(ctx)
}

func (e *Engine) adaptWeights(ctx context.Context) {
	if e.cfg.Adaptive == nil {
		return
	}
	history, err := e.ledger.RecentSince(ctx, e.SessionStart(), historyWindow)
	if err != nil {
		e.log.Warn().Err(err).Msg("weight adaptation skipped")
		return
	}
	base := e.nextWeights
	if base == nil {
		base = e.Weights()
	}
	if next := e.cfg.Adaptive.Next(base, history); next != base {
		e.replaceWeights(next)
	}
}

// Session reports the current session summary.
func (e *Engine) Session(ctx context.Context) (SessionStatus, error) {
	e.mu.RLock()
	st := SessionStatus{
		Symbol:    e.symbol,
		StartedAt: e.sessionStart,
		Trading:   e.sink != nil,
		AutoTrade: e.cfg.AutoTrade,
		Weights:   e.weights,
	}
	e.mu.RUnlock()

	stats, err := e.ledger.Stats(ctx, st.StartedAt)
	if err != nil {
		return SessionStatus{}, fmt.Errorf("session stats: %w", err)
	}
	st.Stats = stats
	st.Gate = e.gate.Status()
	if stake, err := e.stake(); err == nil {
		st.NextStake = &stake
	}
	return st, nil
}

func (e *Engine) publishSession(ctx context.Context) {
	st, err := e.Session(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("session status unavailable")
		return
	}
	if e.Hooks.OnNetProfit != nil {
		e.Hooks.OnNetProfit(st.Stats.NetProfit.InexactFloat64())
	}
	e.events.Publish(Event{Kind: EventSession, Symbol: st.Symbol, At: e.now(), Data: st})
}

// ResetSession clears the gate (including a halt), restarts session stats
// and restores the initial weight table under a new version. Trade history
// is kept.
func (e *Engine) ResetSession(ctx context.Context) error {
	reset := func(loopCtx context.Context) error {
		e.gate.Reset()
		e.mu.Lock()
		e.sessionStart = e.now()
		cur := e.weights
		e.mu.Unlock()

		base := cur
		if e.nextWeights != nil {
			base = e.nextWeights
		}
		e.replaceWeights(base.Replace(e.cfg.Weights))

		if e.Hooks.OnHalted != nil {
			e.Hooks.OnHalted(false)
		}
		e.log.Info().Msg("session reset")
		e.publishSession(loopCtx)
		return nil
	}
	if !e.started.Load() {
		return reset(ctx)
	}
	return e.do(ctx, reset)
}
