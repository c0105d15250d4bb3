package indicator

import "math"

// SMA calculates Simple Moving Average over a rolling window.
// Uses a preallocated circular buffer for zero-allocation hot path.
type SMA struct {
	period  int
	buf     []float64 // preallocated circular buffer
	idx     int       // current write position
	count   int       // total values received
	sum     float64
	current float64
}

// NewSMA creates a new SMA indicator with the given period.
func NewSMA(period int) *SMA {
	return &SMA{
		period: period,
		buf:    make([]float64, period),
	}
}

func (s *SMA) Update(price float64) {
	if s.count >= s.period {
		// Subtract the oldest value being overwritten
		s.sum -= s.buf[s.idx]
	}

	s.buf[s.idx] = price
	s.sum += price
	s.idx = (s.idx + 1) % s.period
	s.count++

	if s.count >= s.period {
		s.current = s.sum / float64(s.period)
	}
}

func (s *SMA) Value() float64 { return s.current }
func (s *SMA) Ready() bool    { return s.count >= s.period }

// StdDev returns the population standard deviation of the current window.
func (s *SMA) StdDev() float64 {
	if !s.Ready() {
		return 0
	}
	var sq float64
	for _, v := range s.buf {
		d := v - s.current
		sq += d * d
	}
	return math.Sqrt(sq / float64(s.period))
}

// SMAOf computes the simple moving average of series.
func SMAOf(series []float64, period int) ([]float64, error) {
	if err := checkPeriod("SMA", len(series), period); err != nil {
		return undefinedSeries(len(series)), err
	}
	out := undefinedSeries(len(series))
	s := NewSMA(period)
	for i, p := range series {
		s.Update(p)
		if s.Ready() {
			out[i] = s.Value()
		}
	}
	return out, nil
}

// StdDevOf computes the rolling population standard deviation of series.
func StdDevOf(series []float64, period int) ([]float64, error) {
	if err := checkPeriod("STDDEV", len(series), period); err != nil {
		return undefinedSeries(len(series)), err
	}
	out := undefinedSeries(len(series))
	s := NewSMA(period)
	for i, p := range series {
		s.Update(p)
		if s.Ready() {
			out[i] = s.StdDev()
		}
	}
	return out, nil
}
