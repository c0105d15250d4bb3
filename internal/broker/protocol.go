package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Message types on the wire.
const (
	MsgAuthorize    = "authorize"
	MsgTick         = "tick"
	MsgCandles      = "candles"
	MsgBuy          = "buy"
	MsgOpenContract = "proposal_open_contract"
	MsgForget       = "forget"
	MsgPing         = "ping"
)

// Request is the union of every request the client sends. Exactly one of
// the top-level verbs is set.
type Request struct {
	ReqID int64 `json:"req_id,omitempty"`

	Authorize string `json:"authorize,omitempty"`

	Ticks     string `json:"ticks,omitempty"`
	Subscribe int    `json:"subscribe,omitempty"`
	Forget    string `json:"forget,omitempty"`

	TicksHistory string `json:"ticks_history,omitempty"`
	Style        string `json:"style,omitempty"`
	Granularity  int    `json:"granularity,omitempty"`
	Count        int    `json:"count,omitempty"`
	End          string `json:"end,omitempty"`

	Buy        int             `json:"buy,omitempty"`
	Price      float64         `json:"price,omitempty"`
	Parameters *ContractParams `json:"parameters,omitempty"`

	ProposalOpenContract int   `json:"proposal_open_contract,omitempty"`
	ContractID           int64 `json:"contract_id,omitempty"`

	Ping int `json:"ping,omitempty"`
}

// Verb names the request's message type.
func (r Request) Verb() string {
	switch {
	case r.Authorize != "":
		return MsgAuthorize
	case r.Ticks != "":
		return MsgTick
	case r.TicksHistory != "":
		return MsgCandles
	case r.Buy != 0:
		return MsgBuy
	case r.ProposalOpenContract != 0:
		return MsgOpenContract
	case r.Forget != "":
		return MsgForget
	case r.Ping != 0:
		return MsgPing
	}
	return ""
}

// ContractParams describes a rise/fall contract to buy.
type ContractParams struct {
	Amount       float64 `json:"amount"`
	Basis        string  `json:"basis"`
	ContractType string  `json:"contract_type"`
	Currency     string  `json:"currency"`
	Duration     int     `json:"duration"`
	DurationUnit string  `json:"duration_unit"`
	Symbol       string  `json:"symbol"`
}

// Response is the union of every message the server sends.
type Response struct {
	MsgType string    `json:"msg_type"`
	ReqID   int64     `json:"req_id,omitempty"`
	Error   *APIError `json:"error,omitempty"`

	Authorize    *Account      `json:"authorize,omitempty"`
	Tick         *WireTick     `json:"tick,omitempty"`
	Candles      []WireCandle  `json:"candles,omitempty"`
	Buy          *BuyReceipt   `json:"buy,omitempty"`
	Contract     *OpenContract `json:"proposal_open_contract,omitempty"`
	Subscription *Subscription `json:"subscription,omitempty"`
	Forget       int           `json:"forget,omitempty"`
	Ping         string        `json:"ping,omitempty"`
}

// APIError is an error reported by the broker.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string { return fmt.Sprintf("broker: %s: %s", e.Code, e.Message) }

// Account is the authorize reply.
type Account struct {
	LoginID  string  `json:"loginid"`
	Currency string  `json:"currency"`
	Balance  float64 `json:"balance"`
}

// Subscription identifies a server-side stream.
type Subscription struct {
	ID string `json:"id"`
}

// WireTick is a tick as sent by the broker. Quote and epoch are kept raw so
// one bad field does not fail the whole message.
type WireTick struct {
	Symbol string `json:"symbol"`
	Quote  Number `json:"quote"`
	Epoch  Number `json:"epoch"`
	ID     string `json:"id,omitempty"`
}

// WireCandle is one ticks_history candle.
type WireCandle struct {
	Epoch Number `json:"epoch"`
	Open  Number `json:"open"`
	High  Number `json:"high"`
	Low   Number `json:"low"`
	Close Number `json:"close"`
}

// BuyReceipt is the buy reply.
type BuyReceipt struct {
	ContractID    int64   `json:"contract_id"`
	BuyPrice      float64 `json:"buy_price"`
	StartTime     int64   `json:"start_time"`
	TransactionID int64   `json:"transaction_id"`
	Longcode      string  `json:"longcode,omitempty"`
}

// OpenContract is a proposal_open_contract update.
type OpenContract struct {
	ContractID int64   `json:"contract_id"`
	Underlying string  `json:"underlying"`
	EntryTick  float64 `json:"entry_tick"`
	ExitTick   float64 `json:"exit_tick,omitempty"`
	IsSold     int     `json:"is_sold"`
	Profit     float64 `json:"profit"`
	SellTime   int64   `json:"sell_time,omitempty"`
	Status     string  `json:"status"`
}

// Number holds a JSON number that the broker may send as a number or a
// numeric string. Decoding never fails; Float and Int report bad content.
type Number struct {
	raw string
}

// NumberOf formats f.
func NumberOf(f float64) Number { return Number{raw: strconv.FormatFloat(f, 'f', -1, 64)} }

// RawNumber wraps arbitrary text, e.g. to emit a malformed value.
func RawNumber(s string) Number { return Number{raw: s} }

func (n Number) String() string { return n.raw }

// Float parses the number, rejecting empty, NaN and infinite values.
func (n Number) Float() (float64, error) {
	if n.raw == "" {
		return 0, fmt.Errorf("empty number")
	}
	f, err := strconv.ParseFloat(n.raw, 64)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", n.raw)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("non-finite number: %q", n.raw)
	}
	return f, nil
}

// Int parses an integral number.
func (n Number) Int() (int64, error) {
	if i, err := strconv.ParseInt(n.raw, 10, 64); err == nil {
		return i, nil
	}
	f, err := n.Float()
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("not an integer: %q", n.raw)
	}
	return int64(f), nil
}

func (n Number) MarshalJSON() ([]byte, error) {
	if n.raw == "" {
		return []byte("null"), nil
	}
	if _, err := strconv.ParseFloat(n.raw, 64); err == nil {
		return []byte(n.raw), nil
	}
	return json.Marshal(n.raw)
}

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		n.raw = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			n.raw = string(b)
			return nil
		}
		n.raw = s
	default:
		n.raw = string(b)
	}
	return nil
}
