// Package risk guards order submission: a cooldown between executions,
// session and daily trade caps, a daily loss cap and a consecutive-loss
// ceiling that halts the session until it is explicitly reset.
package risk

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrRateLimited is the class of every non-fatal gate denial.
	ErrRateLimited = errors.New("rate limited")

	ErrCooldownActive        = errors.New("cooldown_active")
	ErrTradeLimitReached     = errors.New("trade_limit_reached")
	ErrDailyLimitReached     = errors.New("daily_limit_reached")
	ErrDailyLossLimitReached = errors.New("daily_loss_limit_reached")

	// ErrSessionLossLimitExceeded is fatal to the session: no trade is allowed
	// until Reset.
	ErrSessionLossLimitExceeded = errors.New("session loss limit exceeded")
)

// DefaultCooldown is the reference minimum interval between executions.
const DefaultCooldown = 30 * time.Second

// CanExecute is the pure gate decision. A nil return means allow.
// A zero lastExecution means no trade has been executed yet.
func CanExecute(now, lastExecution time.Time, sessionTradeCount, maxTrades int, cooldown time.Duration) error {
	if !lastExecution.IsZero() && now.Sub(lastExecution) < cooldown {
		return fmt.Errorf("%w: %w", ErrRateLimited, ErrCooldownActive)
	}
	if sessionTradeCount >= maxTrades {
		return fmt.Errorf("%w: %w", ErrRateLimited, ErrTradeLimitReached)
	}
	return nil
}

// Reason returns the short denial code carried by err, or "" for nil.
func Reason(err error) string {
	for _, e := range []error{
		ErrCooldownActive, ErrTradeLimitReached, ErrDailyLimitReached,
		ErrDailyLossLimitReached, ErrSessionLossLimitExceeded,
	} {
		if errors.Is(err, e) {
			return e.Error()
		}
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// Limits configures a Gate.
type Limits struct {
	Cooldown             time.Duration   `json:"cooldown"`
	MaxTrades            int             `json:"max_trades"`             // per session
	MaxDailyTrades       int             `json:"max_daily_trades"`       // 0 disables
	MaxDailyLoss         decimal.Decimal `json:"max_daily_loss"`         // positive amount, zero disables
	MaxConsecutiveLosses int             `json:"max_consecutive_losses"` // 0 disables
}

// DefaultLimits returns conservative defaults.
func DefaultLimits() Limits {
	return Limits{
		Cooldown:             DefaultCooldown,
		MaxTrades:            10,
		MaxDailyTrades:       50,
		MaxDailyLoss:         decimal.NewFromInt(100),
		MaxConsecutiveLosses: 4,
	}
}

// Reservation records the gate state an allowed execution replaced, so a
// failed order can be rolled back.
type Reservation struct {
	At            time.Time
	prevExecution time.Time
	day           string
}

// Status is a point-in-time view of the gate.
type Status struct {
	Limits        Limits          `json:"limits"`
	TradeCount    int             `json:"trade_count"`
	DailyTrades   int             `json:"daily_trades"`
	DailyPnL      decimal.Decimal `json:"daily_pnl"`
	LossStreak    int             `json:"loss_streak"`
	LastExecution time.Time       `json:"last_execution"`
	Halted        bool            `json:"halted"`
}

// Gate is the stateful, concurrency-safe trade gate for one session.
type Gate struct {
	mu     sync.Mutex
	limits Limits

	lastExecution time.Time
	tradeCount    int
	day           string
	dailyTrades   int
	dailyPnL      decimal.Decimal
	lossStreak    int
	halted        bool
}

// NewGate creates a Gate with the given limits.
func NewGate(limits Limits) *Gate {
	return &Gate{limits: limits}
}

func dayOf(t time.Time) string { return t.UTC().Format("2006-01-02") }

func (g *Gate) rollDay(now time.Time) {
	if d := dayOf(now); d != g.day {
		g.day = d
		g.dailyTrades = 0
		g.dailyPnL = decimal.Zero
	}
}

// Reserve checks every limit and, when allowed, records the execution in the
// same critical section so a concurrent caller cannot also pass.
func (g *Gate) Reserve(now time.Time) (Reservation, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return Reservation{}, ErrSessionLossLimitExceeded
	}
	g.rollDay(now)

	if err := CanExecute(now, g.lastExecution, g.tradeCount, g.limits.MaxTrades, g.limits.Cooldown); err != nil {
		return Reservation{}, err
	}
	if g.limits.MaxDailyTrades > 0 && g.dailyTrades >= g.limits.MaxDailyTrades {
		return Reservation{}, fmt.Errorf("%w: %w", ErrRateLimited, ErrDailyLimitReached)
	}
	if g.limits.MaxDailyLoss.IsPositive() && g.dailyPnL.LessThanOrEqual(g.limits.MaxDailyLoss.Neg()) {
		return Reservation{}, fmt.Errorf("%w: %w", ErrRateLimited, ErrDailyLossLimitReached)
	}

	res := Reservation{At: now, prevExecution: g.lastExecution, day: g.day}
	g.lastExecution = now
	g.tradeCount++
	g.dailyTrades++
	return res, nil
}

// Rollback undoes a reservation whose order failed. It is a no-op when a
// later execution has already been recorded.
func (g *Gate) Rollback(res Reservation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.lastExecution.Equal(res.At) {
		return
	}
	g.lastExecution = res.prevExecution
	if g.tradeCount > 0 {
		g.tradeCount--
	}
	if g.day == res.day && g.dailyTrades > 0 {
		g.dailyTrades--
	}
}

// RecordOutcome feeds a settled trade's profit. at must come from the same
// clock as Reserve's now, since both roll the daily counters. A loss extends the streak,
// anything else resets it. Reaching MaxConsecutiveLosses halts the session
// and returns ErrSessionLossLimitExceeded.
func (g *Gate) RecordOutcome(at time.Time, profit decimal.Decimal) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.rollDay(at)
	g.dailyPnL = g.dailyPnL.Add(profit)
	if profit.IsNegative() {
		g.lossStreak++
	} else {
		g.lossStreak = 0
	}

	if g.limits.MaxConsecutiveLosses > 0 && g.lossStreak >= g.limits.MaxConsecutiveLosses {
		g.halted = true
		return fmt.Errorf("%w: %d consecutive losses", ErrSessionLossLimitExceeded, g.lossStreak)
	}
	return nil
}

// LossStreak returns the current run of consecutive losses.
func (g *Gate) LossStreak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lossStreak
}

// Halted reports whether the loss ceiling has been hit.
func (g *Gate) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// Reset starts a fresh session: counters, streak and halt flag are cleared.
// Daily counters survive so a restart cannot dodge the daily caps.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastExecution = time.Time{}
	g.tradeCount = 0
	g.lossStreak = 0
	g.halted = false
}

// Status returns a snapshot of the gate state.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		Limits:        g.limits,
		TradeCount:    g.tradeCount,
		DailyTrades:   g.dailyTrades,
		DailyPnL:      g.dailyPnL,
		LossStreak:    g.lossStreak,
		LastExecution: g.lastExecution,
		Halted:        g.halted,
	}
}
