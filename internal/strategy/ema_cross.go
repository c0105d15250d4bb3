package strategy

import (
	"fmt"

	"tradesignal/internal/indicator"
)

// EMA cross periods and fixed confidence.
const (
	emaFastPeriod      = 20
	emaSlowPeriod      = 50
	emaCrossConfidence = 75
)

// EMACross fires when EMA20 crosses EMA50 on the latest candle.
//
// Bullish: EMA20 moves from at-or-below EMA50 to above it.
// Bearish: EMA20 moves from at-or-above EMA50 to below it.
func EMACross() Definition {
	return Definition{
		Name:        "ema_cross",
		DisplayName: "EMA 20/50 Crossover",
		MinCandles:  emaSlowPeriod,
		Eval:        evalEMACross,
	}
}

func evalEMACross(in Input) Result {
	closes := indicator.Closes(in.Snapshot.Candles)
	fast, err := indicator.EMAOf(closes, emaFastPeriod)
	if err != nil {
		return Neutral("insufficient history")
	}
	slow, err := indicator.EMAOf(closes, emaSlowPeriod)
	if err != nil {
		return Neutral("insufficient history")
	}

	t := len(closes) - 1
	if t < 1 || !indicator.Defined(slow[t-1]) {
		return Neutral("EMA50 not ready")
	}

	switch {
	case fast[t] > slow[t] && fast[t-1] <= slow[t-1]:
		return Bullish(emaCrossConfidence, fmt.Sprintf("EMA20 %.5f crossed above EMA50 %.5f", fast[t], slow[t]))
	case fast[t] < slow[t] && fast[t-1] >= slow[t-1]:
		return Bearish(emaCrossConfidence, fmt.Sprintf("EMA20 %.5f crossed below EMA50 %.5f", fast[t], slow[t]))
	}
	return Neutral("")
}
