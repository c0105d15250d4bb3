package strategy

import (
	"math"

	"tradesignal/internal/model"
)

const (
	patternLookback = 60
	patternWing     = 2
	doubleTolerance = 0.003 // peaks within 0.3% count as equal
	shoulderTol     = 0.01
)

// ChartPatterns recognises classic reversal and continuation shapes from swing
// pivots and reports them once price confirms: head-and-shoulders (and
// inverse) through the neckline, double top/bottom through the middle
// trough/peak, and triangle breakouts.
func ChartPatterns() Definition {
	return Definition{
		Name:        "chart_patterns",
		DisplayName: "Chart Patterns",
		MinCandles:  30,
		Eval:        evalChartPatterns,
	}
}

func evalChartPatterns(in Input) Result {
	cs := tail(in.Snapshot.Candles, patternLookback+1)
	if len(cs) < 30 {
		return Neutral("insufficient history")
	}
	cur := cs[len(cs)-1]
	hist := cs[:len(cs)-1]
	highs, lows := pivotHighs(hist, patternWing), pivotLows(hist, patternWing)

	if r, ok := headAndShoulders(hist, highs, cur.Close); ok {
		return r
	}
	if r, ok := inverseHeadAndShoulders(hist, lows, cur.Close); ok {
		return r
	}
	if r, ok := doubleTop(hist, highs, cur.Close); ok {
		return r
	}
	if r, ok := doubleBottom(hist, lows, cur.Close); ok {
		return r
	}
	if r, ok := triangle(highs, lows, cur.Close); ok {
		return r
	}
	return Neutral("")
}

func near(a, b, tol float64) bool {
	m := math.Max(math.Abs(a), math.Abs(b))
	return m > 0 && math.Abs(a-b)/m <= tol
}

func lowestLow(cs []model.Candle, from, to int) float64 {
	v := math.Inf(1)
	for i := from; i <= to && i < len(cs); i++ {
		v = math.Min(v, cs[i].Low)
	}
	return v
}

func highestHigh(cs []model.Candle, from, to int) float64 {
	v := math.Inf(-1)
	for i := from; i <= to && i < len(cs); i++ {
		v = math.Max(v, cs[i].High)
	}
	return v
}

func headAndShoulders(cs []model.Candle, highs []pivot, close float64) (Result, bool) {
	if len(highs) < 3 {
		return Result{}, false
	}
	l, h, r := highs[len(highs)-3], highs[len(highs)-2], highs[len(highs)-1]
	if h.Price <= l.Price || h.Price <= r.Price || !near(l.Price, r.Price, shoulderTol) {
		return Result{}, false
	}
	neck := math.Min(lowestLow(cs, l.Index, h.Index), lowestLow(cs, h.Index, r.Index))
	if close < neck {
		return Bearish(72, "head and shoulders below neckline"), true
	}
	return Result{}, false
}

func inverseHeadAndShoulders(cs []model.Candle, lows []pivot, close float64) (Result, bool) {
	if len(lows) < 3 {
		return Result{}, false
	}
	l, h, r := lows[len(lows)-3], lows[len(lows)-2], lows[len(lows)-1]
	if h.Price >= l.Price || h.Price >= r.Price || !near(l.Price, r.Price, shoulderTol) {
		return Result{}, false
	}
	neck := math.Max(highestHigh(cs, l.Index, h.Index), highestHigh(cs, h.Index, r.Index))
	if close > neck {
		return Bullish(72, "inverse head and shoulders above neckline"), true
	}
	return Result{}, false
}

func doubleTop(cs []model.Candle, highs []pivot, close float64) (Result, bool) {
	if len(highs) < 2 {
		return Result{}, false
	}
	a, b := highs[len(highs)-2], highs[len(highs)-1]
	if !near(a.Price, b.Price, doubleTolerance) {
		return Result{}, false
	}
	if close < lowestLow(cs, a.Index, b.Index) {
		return Bearish(70, "double top confirmed"), true
	}
	return Result{}, false
}

func doubleBottom(cs []model.Candle, lows []pivot, close float64) (Result, bool) {
	if len(lows) < 2 {
		return Result{}, false
	}
	a, b := lows[len(lows)-2], lows[len(lows)-1]
	if !near(a.Price, b.Price, doubleTolerance) {
		return Result{}, false
	}
	if close > highestHigh(cs, a.Index, b.Index) {
		return Bullish(70, "double bottom confirmed"), true
	}
	return Result{}, false
}

// triangle needs falling pivot highs and rising pivot lows (a contracting range).
func triangle(highs, lows []pivot, close float64) (Result, bool) {
	if len(highs) < 2 || len(lows) < 2 {
		return Result{}, false
	}
	h1, h2 := highs[len(highs)-2], highs[len(highs)-1]
	l1, l2 := lows[len(lows)-2], lows[len(lows)-1]
	if h2.Price >= h1.Price || l2.Price <= l1.Price {
		return Result{}, false
	}
	switch {
	case close > h2.Price:
		return Bullish(65, "triangle breakout up"), true
	case close < l2.Price:
		return Bearish(65, "triangle breakout down"), true
	}
	return Result{}, false
}
