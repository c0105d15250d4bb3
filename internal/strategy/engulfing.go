package strategy

const engulfingConfidence = 65

// Engulfing detects a two-candle engulfing reversal on the last two candles.
func Engulfing() Definition {
	return Definition{
		Name:        "engulfing",
		DisplayName: "Engulfing Pattern",
		MinCandles:  3,
		Eval:        evalEngulfing,
	}
}

func evalEngulfing(in Input) Result {
	cs := in.Snapshot.Candles
	if len(cs) < 3 {
		return Neutral("insufficient history")
	}
	prev, cur := cs[len(cs)-2], cs[len(cs)-1]

	if prev.Bearish() && cur.Open < prev.Close && cur.Close > prev.Open {
		return Bullish(engulfingConfidence, "bullish engulfing")
	}
	if prev.Bullish() && cur.Open > prev.Close && cur.Close < prev.Open {
		return Bearish(engulfingConfidence, "bearish engulfing")
	}
	return Neutral("")
}
