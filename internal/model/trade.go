package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TradeRequest is what the engine hands to a TradeSink.
type TradeRequest struct {
	Symbol          string          `json:"symbol"`
	Direction       Direction       `json:"direction"`
	Amount          decimal.Decimal `json:"amount"`
	DurationMinutes int             `json:"duration_minutes"`
	Currency        string          `json:"currency"`
	Confirmations   []string        `json:"confirmations,omitempty"`
}

// TradeRecord is one executed trade in the session history.
// It is appended on execution and resolved at most once.
type TradeRecord struct {
	ID              string           `json:"id"`
	ContractID      string           `json:"contract_id,omitempty"`
	Direction       Direction        `json:"direction"`
	Amount          decimal.Decimal  `json:"amount"`
	Timestamp       time.Time        `json:"timestamp"`
	Instrument      string           `json:"instrument"`
	DurationMinutes int              `json:"duration_minutes"`
	EntryQuote      float64          `json:"entry_quote"`
	Confirmations   []string         `json:"confirmations,omitempty"`
	OutcomeKnown    bool             `json:"outcome_known"`
	Profit          *decimal.Decimal `json:"profit,omitempty"`
}

// Won reports whether a resolved trade made money. Unresolved trades report false.
func (r TradeRecord) Won() bool {
	return r.OutcomeKnown && r.Profit != nil && r.Profit.IsPositive()
}

// Expiry is when the contract settles.
func (r TradeRecord) Expiry() time.Time {
	return r.Timestamp.Add(time.Duration(r.DurationMinutes) * time.Minute)
}

// Settlement reports the final outcome of a contract.
type Settlement struct {
	TradeID    string          `json:"trade_id"`
	ContractID string          `json:"contract_id,omitempty"`
	Profit     decimal.Decimal `json:"profit"`
	ExitQuote  float64         `json:"exit_quote"`
	SettledAt  time.Time       `json:"settled_at"`
}
