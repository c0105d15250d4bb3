// Package indicator provides technical indicator calculations over price series.
//
// Two forms are offered. The streaming types (EMA, RSI, SMA) consume one price
// at a time through Update, Value and Ready. The series functions (EMAOf, RSIOf, MACD,
// BollingerBands, SMAOf, StdDevOf) are pure: they return a slice of the same
// length as their input, with Undefined (NaN) in every position that lacks
// enough history. Callers test positions with Defined before reading them.
package indicator

import (
	"errors"
	"fmt"
	"math"

	"tradesignal/internal/model"
)

var (
	// ErrInvalidPeriod is returned for non-positive periods.
	ErrInvalidPeriod = errors.New("invalid indicator period")
	// ErrInsufficientHistory is returned when the series is shorter than the period.
	ErrInsufficientHistory = errors.New("insufficient history")
)

// Undefined marks warm-up positions in series output.
var Undefined = math.NaN()

// Defined reports whether v is a real indicator value.
func Defined(v float64) bool { return !math.IsNaN(v) }

// Closes extracts close prices from candles.
func Closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Highs extracts high prices from candles.
func Highs(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.High
	}
	return out
}

// Lows extracts low prices from candles.
func Lows(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Low
	}
	return out
}

func undefinedSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = Undefined
	}
	return out
}

func checkPeriod(name string, n, period int) error {
	if period <= 0 {
		return fmt.Errorf("%s(%d): %w", name, period, ErrInvalidPeriod)
	}
	if n < period {
		return fmt.Errorf("%s(%d) over %d values: %w", name, period, n, ErrInsufficientHistory)
	}
	return nil
}
