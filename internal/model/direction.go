package model

// Direction is the side of a signal or a trade.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	None Direction = "NONE"
)

// Tradable reports whether an order can be placed for this direction.
func (d Direction) Tradable() bool { return d == Buy || d == Sell }

// ContractType maps a direction to the broker's rise/fall contract type.
func (d Direction) ContractType() string {
	switch d {
	case Buy:
		return "CALL"
	case Sell:
		return "PUT"
	}
	return ""
}

// Bias is a single strategy's directional opinion.
type Bias string

const (
	Bullish Bias = "bullish"
	Bearish Bias = "bearish"
	Neutral Bias = "neutral"
)

// Direction converts the bias into the trade side it supports.
func (b Bias) Direction() Direction {
	switch b {
	case Bullish:
		return Buy
	case Bearish:
		return Sell
	}
	return None
}
