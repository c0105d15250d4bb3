package model

import (
	"math"
	"time"
)

// Tick is a single price update from the broker's streaming API.
// Epoch is Unix seconds as reported by the broker.
type Tick struct {
	Symbol string  `json:"symbol"`
	Quote  float64 `json:"quote"`
	Epoch  int64   `json:"epoch"`
}

// Time returns the tick timestamp in UTC.
func (t Tick) Time() time.Time {
	return time.Unix(t.Epoch, 0).UTC()
}

// Valid reports whether the tick carries a finite positive quote and epoch.
func (t Tick) Valid() bool {
	return t.Quote > 0 && !math.IsInf(t.Quote, 1) && t.Epoch > 0
}
