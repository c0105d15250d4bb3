package engine

import (
	"encoding/json"
	"time"
)

// EventKind names what an Event carries.
type EventKind string

const (
	EventSignal     EventKind = "signal"     // Data: signal.Signal
	EventTick       EventKind = "tick"       // Data: model.Tick
	EventCandle     EventKind = "candle"     // Data: model.Candle, a closed candle
	EventTrade      EventKind = "trade"      // Data: model.TradeRecord, just placed
	EventSettlement EventKind = "settlement" // Data: model.TradeRecord, resolved
	EventSession    EventKind = "session"    // Data: SessionStatus
	EventInstrument EventKind = "instrument" // Data: InstrumentInfo

	EventOrderUnconfirmed EventKind = "order_unconfirmed" // Data: model.TradeRequest, sent without a reply
)

// Event is what the engine fans out to its subscribers (UI hub, Redis
// publisher, notifier).
type Event struct {
	Kind   EventKind `json:"type"`
	Symbol string    `json:"symbol"`
	At     time.Time `json:"at"`
	Data   any       `json:"data"`
}

// JSON encodes the event, returning nil on failure.
func (e Event) JSON() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return nil
	}
	return b
}

// InstrumentInfo describes the instrument the engine just switched to.
type InstrumentInfo struct {
	Symbol             string `json:"symbol"`
	GranularitySeconds int    `json:"granularity_seconds"`
	HistoryCandles     int    `json:"history_candles"`
}
