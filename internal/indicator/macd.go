package indicator

// MACDResult holds the three MACD lines, each the length of the input.
type MACDResult struct {
	MACD      []float64
	Signal    []float64
	Histogram []float64
}

// Standard MACD parameters.
const (
	MACDFast   = 12
	MACDSlow   = 26
	MACDSignal = 9
)

// MACD computes EMA(fast) - EMA(slow) and its EMA(signal) over the defined
// part of the MACD line. The MACD line is defined from index slow-1, the
// signal line and histogram from slow+signal-2.
func MACD(series []float64, fast, slow, signal int) (MACDResult, error) {
	n := len(series)
	res := MACDResult{
		MACD:      undefinedSeries(n),
		Signal:    undefinedSeries(n),
		Histogram: undefinedSeries(n),
	}
	if fast <= 0 || signal <= 0 {
		return res, checkPeriod("MACD", n, 0)
	}
	if err := checkPeriod("MACD", n, slow); err != nil {
		return res, err
	}

	fastLine, err := EMAOf(series, fast)
	if err != nil {
		return res, err
	}
	slowLine, err := EMAOf(series, slow)
	if err != nil {
		return res, err
	}
	for i := range series {
		if Defined(fastLine[i]) && Defined(slowLine[i]) {
			res.MACD[i] = fastLine[i] - slowLine[i]
		}
	}

	sig, err := EMAOf(res.MACD, signal)
	if err != nil {
		// MACD line is defined but too short for a signal line yet.
		return res, nil
	}
	res.Signal = sig
	for i := range series {
		if Defined(sig[i]) {
			res.Histogram[i] = res.MACD[i] - sig[i]
		}
	}
	return res, nil
}
