package strategy

import (
	"fmt"
	"math"

	"tradesignal/internal/indicator"
)

const (
	rsiPeriod     = 14
	rsiOverbought = 70
	rsiOversold   = 30

	macdConfidence = 70

	bollingerPeriod = 20
	bollingerK      = 2.0
)

// RSIExtreme reads RSI(14) on the latest candle: above 70 is bearish,
// below 30 is bullish. Confidence grows with distance past the threshold.
func RSIExtreme() Definition {
	return Definition{
		Name:        "rsi_extreme",
		DisplayName: "RSI Overbought/Oversold",
		MinCandles:  rsiPeriod,
		Eval:        evalRSIExtreme,
	}
}

func evalRSIExtreme(in Input) Result {
	rsi, err := indicator.RSIOf(indicator.Closes(in.Snapshot.Candles), rsiPeriod)
	if err != nil {
		return Neutral("insufficient history")
	}
	v := rsi[len(rsi)-1]
	switch {
	case v > rsiOverbought:
		return Bearish(math.Min(95, 60+(v-rsiOverbought)), fmt.Sprintf("RSI %.1f overbought", v))
	case v < rsiOversold:
		return Bullish(math.Min(95, 60+(rsiOversold-v)), fmt.Sprintf("RSI %.1f oversold", v))
	}
	return Neutral("")
}

// MACDCross fires when the MACD(12,26,9) line crosses its signal line on the
// latest candle. Needs both lines defined on the last two candles.
func MACDCross() Definition {
	return Definition{
		Name:        "macd_cross",
		DisplayName: "MACD Signal Cross",
		MinCandles:  indicator.MACDSlow,
		Eval:        evalMACDCross,
	}
}

func evalMACDCross(in Input) Result {
	res, err := indicator.MACD(indicator.Closes(in.Snapshot.Candles),
		indicator.MACDFast, indicator.MACDSlow, indicator.MACDSignal)
	if err != nil {
		return Neutral("insufficient history")
	}
	t := len(res.MACD) - 1
	if t < 1 || !indicator.Defined(res.Signal[t-1]) {
		return Neutral("signal line not ready")
	}
	m0, s0 := res.MACD[t-1], res.Signal[t-1]
	m1, s1 := res.MACD[t], res.Signal[t]
	switch {
	case m1 > s1 && m0 <= s0:
		return Bullish(macdConfidence, fmt.Sprintf("MACD %.5f crossed above signal %.5f", m1, s1))
	case m1 < s1 && m0 >= s0:
		return Bearish(macdConfidence, fmt.Sprintf("MACD %.5f crossed below signal %.5f", m1, s1))
	}
	return Neutral("")
}

// BollingerBreach compares the latest close with Bollinger(20, 2): a close
// above the upper band is bearish (mean reversion), below the lower band bullish.
func BollingerBreach() Definition {
	return Definition{
		Name:        "bollinger_breach",
		DisplayName: "Bollinger Band Breach",
		MinCandles:  bollingerPeriod,
		Eval:        evalBollinger,
	}
}

func evalBollinger(in Input) Result {
	closes := indicator.Closes(in.Snapshot.Candles)
	b, err := indicator.BollingerBands(closes, bollingerPeriod, bollingerK)
	if err != nil {
		return Neutral("insufficient history")
	}
	t := len(closes) - 1
	c, up, lo := closes[t], b.Upper[t], b.Lower[t]
	width := up - lo

	conf := func(excess float64) float64 {
		if width <= 0 {
			return 65
		}
		return math.Min(90, 65+50*excess/width)
	}
	switch {
	case c > up:
		return Bearish(conf(c-up), fmt.Sprintf("close %.5f above upper band %.5f", c, up))
	case c < lo:
		return Bullish(conf(lo-c), fmt.Sprintf("close %.5f below lower band %.5f", c, lo))
	}
	return Neutral("")
}
