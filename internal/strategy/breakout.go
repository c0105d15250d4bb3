package strategy

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"tradesignal/internal/indicator"
)

const (
	breakoutRange     = 20
	breakoutATRPeriod = 14
	breakoutBuffer    = 0.1 // fraction of ATR the close must clear
)

// Breakout fires when the latest close clears the prior 20-candle high or low
// by more than a tenth of ATR(14).
func Breakout() Definition {
	return Definition{
		Name:        "breakout",
		DisplayName: "Range Breakout",
		MinCandles:  breakoutRange + 1,
		Eval:        evalBreakout,
	}
}

func evalBreakout(in Input) Result {
	cs := in.Snapshot.Candles
	if len(cs) < breakoutRange+1 || len(cs) <= breakoutATRPeriod {
		return Neutral("insufficient history")
	}
	atr := talib.Atr(indicator.Highs(cs), indicator.Lows(cs), indicator.Closes(cs), breakoutATRPeriod)
	a := atr[len(atr)-1]
	if a <= 0 || math.IsNaN(a) {
		return Neutral("no volatility")
	}

	cur := cs[len(cs)-1]
	prior := cs[len(cs)-1-breakoutRange : len(cs)-1]
	hh, ll := prior[0].High, prior[0].Low
	for _, c := range prior[1:] {
		hh = math.Max(hh, c.High)
		ll = math.Min(ll, c.Low)
	}

	conf := func(excess float64) float64 { return math.Min(85, 60+10*excess/a) }
	switch {
	case cur.Close > hh+breakoutBuffer*a:
		return Bullish(conf(cur.Close-hh), fmt.Sprintf("close %.5f broke %d-candle high %.5f", cur.Close, breakoutRange, hh))
	case cur.Close < ll-breakoutBuffer*a:
		return Bearish(conf(ll-cur.Close), fmt.Sprintf("close %.5f broke %d-candle low %.5f", cur.Close, breakoutRange, ll))
	}
	return Neutral("")
}
