package gateway

import (
	"github.com/shopspring/decimal"

	"tradesignal/internal/model"
)

// TradeRequest is the body of POST /api/trade. A zero amount uses the
// session stake; a zero duration uses the configured duration.
type TradeRequest struct {
	Direction       string          `json:"direction"`
	Amount          decimal.Decimal `json:"amount"`
	DurationMinutes int             `json:"duration_minutes"`
}

// InstrumentRequest is the body of POST /api/instrument.
type InstrumentRequest struct {
	Symbol string `json:"symbol"`
}

// CandlesResponse is the body of GET /api/candles.
type CandlesResponse struct {
	Symbol        string         `json:"symbol"`
	BucketSeconds int64          `json:"bucket_seconds"`
	Candles       []model.Candle `json:"candles"`
	Ticks         []model.Tick   `json:"ticks,omitempty"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
