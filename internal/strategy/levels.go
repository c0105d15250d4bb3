package strategy

import (
	"fmt"
	"math"

	"tradesignal/internal/model"
)

// pivot is a local extreme: a candle whose high (or low) is strictly beyond
// every candle within wing positions on both sides.
type pivot struct {
	Index int
	Price float64
}

func pivotHighs(cs []model.Candle, wing int) []pivot {
	var out []pivot
	for i := wing; i < len(cs)-wing; i++ {
		ok := true
		for j := i - wing; j <= i+wing && ok; j++ {
			if j != i && cs[j].High >= cs[i].High {
				ok = false
			}
		}
		if ok {
			out = append(out, pivot{Index: i, Price: cs[i].High})
		}
	}
	return out
}

func pivotLows(cs []model.Candle, wing int) []pivot {
	var out []pivot
	for i := wing; i < len(cs)-wing; i++ {
		ok := true
		for j := i - wing; j <= i+wing && ok; j++ {
			if j != i && cs[j].Low <= cs[i].Low {
				ok = false
			}
		}
		if ok {
			out = append(out, pivot{Index: i, Price: cs[i].Low})
		}
	}
	return out
}

func avgRange(cs []model.Candle) float64 {
	if len(cs) == 0 {
		return 0
	}
	var sum float64
	for _, c := range cs {
		sum += c.Range()
	}
	return sum / float64(len(cs))
}

func avgBody(cs []model.Candle) float64 {
	if len(cs) == 0 {
		return 0
	}
	var sum float64
	for _, c := range cs {
		sum += c.Body()
	}
	return sum / float64(len(cs))
}

func tail(cs []model.Candle, n int) []model.Candle {
	if len(cs) <= n {
		return cs
	}
	return cs[len(cs)-n:]
}

const (
	levelLookback = 100
	levelWing     = 2
)

// SupportResistance finds swing-pivot levels. A bullish candle that tags a
// support level and closes above it is bullish; a bearish candle that tags
// resistance and closes below it is bearish. More touches of the level raise
// confidence.
func SupportResistance() Definition {
	return Definition{
		Name:        "support_resistance",
		DisplayName: "Support/Resistance",
		MinCandles:  20,
		Eval:        evalSupportResistance,
	}
}

func evalSupportResistance(in Input) Result {
	cs := tail(in.Snapshot.Candles, levelLookback)
	if len(cs) < 20 {
		return Neutral("insufficient history")
	}
	cur := cs[len(cs)-1]
	hist := cs[:len(cs)-1]
	tol := avgRange(tail(hist, 14)) * 0.5
	if tol <= 0 {
		return Neutral("flat market")
	}

	touches := func(ps []pivot, level float64) int {
		n := 0
		for _, p := range ps {
			if math.Abs(p.Price-level) <= tol {
				n++
			}
		}
		return n
	}

	lows, highs := pivotLows(hist, levelWing), pivotHighs(hist, levelWing)

	var support, resistance float64
	var supTouches, resTouches int
	for _, p := range lows {
		if cur.Bullish() && math.Abs(cur.Low-p.Price) <= tol && cur.Close > p.Price {
			if n := touches(lows, p.Price); n > supTouches {
				support, supTouches = p.Price, n
			}
		}
	}
	for _, p := range highs {
		if cur.Bearish() && math.Abs(cur.High-p.Price) <= tol && cur.Close < p.Price {
			if n := touches(highs, p.Price); n > resTouches {
				resistance, resTouches = p.Price, n
			}
		}
	}

	conf := func(n int) float64 { return math.Min(80, 55+5*float64(n)) }
	switch {
	case supTouches > resTouches:
		return Bullish(conf(supTouches), fmt.Sprintf("bounce off support %.5f (%d touches)", support, supTouches))
	case resTouches > supTouches:
		return Bearish(conf(resTouches), fmt.Sprintf("rejected at resistance %.5f (%d touches)", resistance, resTouches))
	}
	return Neutral("")
}

const (
	zoneLookback   = 30
	zoneConfidence = 62
)

// SupplyDemand marks zones where a quiet base candle was followed by an
// impulsive candle. A base before a strong rally is demand, before a strong
// drop is supply. Price returning into the most recent zone takes its side.
func SupplyDemand() Definition {
	return Definition{
		Name:        "supply_demand",
		DisplayName: "Supply/Demand Zones",
		MinCandles:  zoneLookback,
		Eval:        evalSupplyDemand,
	}
}

func evalSupplyDemand(in Input) Result {
	cs := tail(in.Snapshot.Candles, zoneLookback+1)
	if len(cs) < zoneLookback {
		return Neutral("insufficient history")
	}
	cur := cs[len(cs)-1]
	hist := cs[:len(cs)-1]
	body := avgBody(hist)
	if body <= 0 {
		return Neutral("flat market")
	}

	// Newest zones first; skip zones formed by the last two candles.
	for i := len(hist) - 3; i >= 0; i-- {
		base, impulse := hist[i], hist[i+1]
		if base.Body() > 0.5*body || impulse.Body() < 2*body {
			continue
		}
		if cur.Close < base.Low || cur.Close > base.High {
			continue
		}
		if impulse.Bullish() {
			return Bullish(zoneConfidence, fmt.Sprintf("in demand zone %.5f-%.5f", base.Low, base.High))
		}
		return Bearish(zoneConfidence, fmt.Sprintf("in supply zone %.5f-%.5f", base.Low, base.High))
	}
	return Neutral("")
}

const fibLookback = 50

var fibRatios = []float64{0.618, 0.5, 0.382}

// Fibonacci measures the swing of the last 50 candles. In an up-swing, a
// bullish candle that dips to a retracement level and closes above it is
// bullish; in a down-swing, a bearish rejection at a level is bearish.
func Fibonacci() Definition {
	return Definition{
		Name:        "fibonacci",
		DisplayName: "Fibonacci Retracement",
		MinCandles:  30,
		Eval:        evalFibonacci,
	}
}

func evalFibonacci(in Input) Result {
	cs := tail(in.Snapshot.Candles, fibLookback+1)
	if len(cs) < 30 {
		return Neutral("insufficient history")
	}
	cur := cs[len(cs)-1]
	hist := cs[:len(cs)-1]

	hiIdx, loIdx := 0, 0
	for i, c := range hist {
		if c.High > hist[hiIdx].High {
			hiIdx = i
		}
		if c.Low < hist[loIdx].Low {
			loIdx = i
		}
	}
	hi, lo := hist[hiIdx].High, hist[loIdx].Low
	rng := hi - lo
	if rng <= 0 {
		return Neutral("flat market")
	}
	tol := rng * 0.02

	for _, r := range fibRatios {
		if loIdx < hiIdx {
			level := hi - r*rng
			if cur.Bullish() && cur.Low <= level+tol && cur.Close > level {
				return Bullish(55+15*r, fmt.Sprintf("bounce at %.1f%% retracement %.5f", r*100, level))
			}
		} else if hiIdx < loIdx {
			level := lo + r*rng
			if cur.Bearish() && cur.High >= level-tol && cur.Close < level {
				return Bearish(55+15*r, fmt.Sprintf("rejection at %.1f%% retracement %.5f", r*100, level))
			}
		}
	}
	return Neutral("")
}
