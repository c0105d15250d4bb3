package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidMartingale is returned for a non-positive base stake or a multiplier below 1.
var ErrInvalidMartingale = errors.New("invalid martingale settings")

// Martingale escalates the stake after each loss: Base * Multiplier^streak.
// The ceiling is never capped silently: a streak at or beyond
// MaxConsecutiveLosses is an error that ends the session.
type Martingale struct {
	Base                 decimal.Decimal
	Multiplier           decimal.Decimal
	MaxConsecutiveLosses int
}

// Validate checks the settings.
func (m Martingale) Validate() error {
	if !m.Base.IsPositive() {
		return fmt.Errorf("%w: base %s", ErrInvalidMartingale, m.Base)
	}
	if m.Multiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: multiplier %s", ErrInvalidMartingale, m.Multiplier)
	}
	if m.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("%w: max consecutive losses %d", ErrInvalidMartingale, m.MaxConsecutiveLosses)
	}
	return nil
}

// Stake returns the amount for the next trade given the current loss streak,
// rounded to cents.
func (m Martingale) Stake(lossStreak int) (decimal.Decimal, error) {
	if err := m.Validate(); err != nil {
		return decimal.Zero, err
	}
	if lossStreak >= m.MaxConsecutiveLosses {
		return decimal.Zero, fmt.Errorf("%w: streak %d reached ceiling %d",
			ErrSessionLossLimitExceeded, lossStreak, m.MaxConsecutiveLosses)
	}
	if lossStreak < 0 {
		lossStreak = 0
	}
	stake := m.Base
	for i := 0; i < lossStreak; i++ {
		stake = stake.Mul(m.Multiplier)
	}
	return stake.Round(2), nil
}

// Exposure is the total staked across a full losing run up to the ceiling.
func (m Martingale) Exposure() decimal.Decimal {
	total := decimal.Zero
	for i := 0; i < m.MaxConsecutiveLosses; i++ {
		s, err := m.Stake(i)
		if err != nil {
			break
		}
		total = total.Add(s)
	}
	return total
}
