package indicator

// EMA calculates Exponential Moving Average.
// O(1) per update with no window storage. The first value is the SMA of
// the first period prices.
type EMA struct {
	period     int
	multiplier float64
	current    float64
	count      int
	sum        float64
}

// NewEMA creates a new EMA indicator with the given period.
func NewEMA(period int) *EMA {
	return &EMA{
		period:     period,
		multiplier: 2.0 / float64(period+1),
	}
}

func (e *EMA) Update(price float64) {
	e.count++

	if e.count <= e.period {
		// Accumulate for initial SMA seed
		e.sum += price
		if e.count == e.period {
			e.current = e.sum / float64(e.period)
		}
		return
	}

	e.current = (price-e.current)*e.multiplier + e.current
}

func (e *EMA) Value() float64 { return e.current }
func (e *EMA) Ready() bool    { return e.count >= e.period }

// EMAOf computes the EMA of series. Leading Undefined entries are skipped, so
// the function can be chained onto another indicator's output; the seed is the
// mean of the first period defined values.
func EMAOf(series []float64, period int) ([]float64, error) {
	start := 0
	for start < len(series) && !Defined(series[start]) {
		start++
	}
	if err := checkPeriod("EMA", len(series)-start, period); err != nil {
		return undefinedSeries(len(series)), err
	}

	out := undefinedSeries(len(series))
	e := NewEMA(period)
	for i := start; i < len(series); i++ {
		e.Update(series[i])
		if e.Ready() {
			out[i] = e.Value()
		}
	}
	return out, nil
}
