package indicator

// Bands holds Bollinger upper, middle and lower lines.
type Bands struct {
	Upper  []float64
	Middle []float64
	Lower  []float64
}

// BollingerBands computes SMA(period) ± k·σ with population standard deviation.
func BollingerBands(series []float64, period int, k float64) (Bands, error) {
	n := len(series)
	b := Bands{Upper: undefinedSeries(n), Middle: undefinedSeries(n), Lower: undefinedSeries(n)}
	if err := checkPeriod("BBANDS", n, period); err != nil {
		return b, err
	}
	s := NewSMA(period)
	for i, p := range series {
		s.Update(p)
		if !s.Ready() {
			continue
		}
		mid, sd := s.Value(), s.StdDev()
		b.Middle[i] = mid
		b.Upper[i] = mid + k*sd
		b.Lower[i] = mid - k*sd
	}
	return b, nil
}
