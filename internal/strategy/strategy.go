// Package strategy holds the heuristic signal generators.
//
// A strategy is a pure function from an immutable candle/tick snapshot (plus
// the session's trade history) to a Result. Strategies are registered in a Set
// by name; the signal aggregator evaluates every enabled entry of the Set.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"tradesignal/internal/candlestore"
	"tradesignal/internal/model"
)

var (
	// ErrDuplicateStrategy is returned when a name is registered twice.
	ErrDuplicateStrategy = errors.New("strategy already registered")
	// ErrUnknownStrategy is returned for names not in the set.
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrStrategyPanic wraps a recovered panic from a strategy function.
	ErrStrategyPanic = errors.New("strategy panicked")
)

// Result is one strategy's opinion for the current snapshot.
type Result struct {
	Bias       model.Bias `json:"bias"`
	Confidence float64    `json:"confidence"`
	Reason     string     `json:"reason,omitempty"`
}

// Neutral returns a zero-confidence result.
func Neutral(reason string) Result {
	return Result{Bias: model.Neutral, Reason: reason}
}

// Bullish returns a bullish result.
func Bullish(confidence float64, reason string) Result {
	return Result{Bias: model.Bullish, Confidence: confidence, Reason: reason}.Normalize()
}

// Bearish returns a bearish result.
func Bearish(confidence float64, reason string) Result {
	return Result{Bias: model.Bearish, Confidence: confidence, Reason: reason}.Normalize()
}

// Normalize clamps confidence to [0,100] and keeps bias and confidence
// consistent: a neutral result has zero confidence and vice versa.
func (r Result) Normalize() Result {
	if math.IsNaN(r.Confidence) || r.Confidence < 0 {
		r.Confidence = 0
	}
	if r.Confidence > 100 {
		r.Confidence = 100
	}
	if r.Bias != model.Bullish && r.Bias != model.Bearish {
		r.Bias = model.Neutral
	}
	if r.Bias == model.Neutral || r.Confidence == 0 {
		r.Bias = model.Neutral
		r.Confidence = 0
	}
	return r
}

// Input is everything a strategy may look at.
type Input struct {
	Snapshot candlestore.Snapshot
	History  []model.TradeRecord // oldest first
}

// Func evaluates one strategy. It must not mutate Input.
type Func func(Input) Result

// Definition is one row of the strategy table.
type Definition struct {
	Name        string
	DisplayName string
	MinCandles  int
	MinTicks    int
	Eval        Func
}

// Evaluate runs def against in. History preconditions short-circuit to a
// neutral result; a panic is recovered into a neutral result plus an error.
func Evaluate(def Definition, in Input) (res Result, err error) {
	if len(in.Snapshot.Candles) < def.MinCandles || len(in.Snapshot.Ticks) < def.MinTicks {
		return Neutral("insufficient history"), nil
	}
	defer func() {
		if p := recover(); p != nil {
			res = Neutral("")
			err = fmt.Errorf("%w: %s: %v", ErrStrategyPanic, def.Name, p)
		}
	}()
	return def.Eval(in).Normalize(), nil
}

// Set is an ordered, concurrency-safe strategy table with per-entry enable flags.
type Set struct {
	mu       sync.RWMutex
	defs     []Definition
	disabled map[string]bool
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{disabled: make(map[string]bool)}
}

// Register appends def to the table, enabled.
func (s *Set) Register(def Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.defs {
		if d.Name == def.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateStrategy, def.Name)
		}
	}
	s.defs = append(s.defs, def)
	return nil
}

// EnableOnly enables exactly the named strategies. An empty list enables all.
func (s *Set) EnableOnly(names []string) error {
	if len(names) == 0 {
		s.mu.Lock()
		s.disabled = make(map[string]bool)
		s.mu.Unlock()
		return nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]bool, len(s.defs))
	for _, d := range s.defs {
		known[d.Name] = true
	}
	for n := range want {
		if !known[n] {
			return fmt.Errorf("%w: %s", ErrUnknownStrategy, n)
		}
	}
	s.disabled = make(map[string]bool)
	for _, d := range s.defs {
		if !want[d.Name] {
			s.disabled[d.Name] = true
		}
	}
	return nil
}

// Enabled returns a copy of the enabled definitions in registration order.
func (s *Set) Enabled() []Definition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Definition, 0, len(s.defs))
	for _, d := range s.defs {
		if !s.disabled[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// Names lists every registered strategy, enabled or not.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.defs))
	for i, d := range s.defs {
		out[i] = d.Name
	}
	return out
}

// Core returns the six baseline strategies.
func Core() []Definition {
	return []Definition{
		EMACross(),
		RSIExtreme(),
		Engulfing(),
		MACDCross(),
		BollingerBreach(),
		TickPressure(),
	}
}

// Extended returns the additional heuristics.
func Extended() []Definition {
	return []Definition{
		SupportResistance(),
		SupplyDemand(),
		Breakout(),
		Fibonacci(),
		ChartPatterns(),
		HistoricalPerformance(),
	}
}

// Default returns a Set with the core strategies and, when extended is true,
// the additional heuristics.
func Default(extended bool) *Set {
	s := NewSet()
	defs := Core()
	if extended {
		defs = append(defs, Extended()...)
	}
	for _, d := range defs {
		// Names in Core and Extended are unique.
		_ = s.Register(d)
	}
	return s
}
