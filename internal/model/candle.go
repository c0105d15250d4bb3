package model

import (
	"encoding/json"
	"time"
)

// Candle is an OHLC bar for one bucket of the instrument's granularity.
// Time is the bucket start in Unix seconds.
type Candle struct {
	Time  int64   `json:"time"`
	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`
}

// Start returns the bucket start as a UTC time.
func (c Candle) Start() time.Time {
	return time.Unix(c.Time, 0).UTC()
}

// Bullish reports whether the candle closed above its open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports whether the candle closed below its open.
func (c Candle) Bearish() bool { return c.Close < c.Open }

// Body is the absolute distance between open and close.
func (c Candle) Body() float64 {
	if c.Close > c.Open {
		return c.Close - c.Open
	}
	return c.Open - c.Close
}

// Range is high minus low.
func (c Candle) Range() float64 { return c.High - c.Low }

// Valid checks the OHLC invariant: high bounds open/close from above, low from below.
func (c Candle) Valid() bool {
	return c.High >= c.Open && c.High >= c.Close && c.Low <= c.Open && c.Low <= c.Close && c.Low <= c.High
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
