package signal

import (
	"maps"
	"slices"

	"tradesignal/internal/model"
)

// Weight bounds for adaptive voting.
const (
	DefaultWeight = 1.0
	MinWeight     = 0.5
	MaxWeight     = 1.5
)

// WeightTable maps strategy name to vote weight. Tables are immutable once
// published; changes produce a new table with a higher Version.
type WeightTable struct {
	Version uint64             `json:"version"`
	Weights map[string]float64 `json:"weights"`
}

// NewWeightTable returns version 1 with the given weights copied in.
func NewWeightTable(weights map[string]float64) *WeightTable {
	return &WeightTable{Version: 1, Weights: maps.Clone(nonNil(weights))}
}

func nonNil(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// Weight returns the weight of name, DefaultWeight when absent or when the
// table is nil.
func (t *WeightTable) Weight(name string) float64 {
	if t == nil {
		return DefaultWeight
	}
	if w, ok := t.Weights[name]; ok {
		return w
	}
	return DefaultWeight
}

// With returns a new version with overrides applied.
func (t *WeightTable) With(overrides map[string]float64) *WeightTable {
	next := &WeightTable{Weights: make(map[string]float64)}
	if t != nil {
		next.Version = t.Version
		maps.Copy(next.Weights, t.Weights)
	}
	maps.Copy(next.Weights, overrides)
	next.Version++
	return next
}

// Replace returns the next version holding exactly weights.
func (t *WeightTable) Replace(weights map[string]float64) *WeightTable {
	next := &WeightTable{Version: 1, Weights: maps.Clone(nonNil(weights))}
	if t != nil {
		next.Version = t.Version + 1
	}
	return next
}

// Names returns the strategies with explicit weights, sorted.
func (t *WeightTable) Names() []string {
	if t == nil {
		return nil
	}
	names := make([]string, 0, len(t.Weights))
	for n := range t.Weights {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// ClampWeight maps a win rate to a vote weight: winRate*1.5 bounded to [0.5, 1.5].
func ClampWeight(winRate float64) float64 {
	w := winRate * 1.5
	if w < MinWeight {
		return MinWeight
	}
	if w > MaxWeight {
		return MaxWeight
	}
	return w
}

// Adapter derives weights from the session's recent trade outcomes.
type Adapter struct {
	Window     int // resolved trades considered, newest first
	MinSamples int // trades a strategy must have confirmed before its weight moves
}

// Next computes a fresh table from history. A strategy's win rate counts only
// resolved trades it confirmed. Strategies below MinSamples keep DefaultWeight.
// Returns cur unchanged when no weight would change.
func (a Adapter) Next(cur *WeightTable, history []model.TradeRecord) *WeightTable {
	window := a.Window
	if window <= 0 {
		window = 50
	}
	type tally struct{ wins, total int }
	stats := make(map[string]*tally)

	seen := 0
	for i := len(history) - 1; i >= 0 && seen < window; i-- {
		tr := history[i]
		if !tr.OutcomeKnown {
			continue
		}
		seen++
		for _, name := range tr.Confirmations {
			t := stats[name]
			if t == nil {
				t = &tally{}
				stats[name] = t
			}
			t.total++
			if tr.Won() {
				t.wins++
			}
		}
	}

	updates := make(map[string]float64)
	for name, t := range stats {
		w := DefaultWeight
		if t.total >= a.MinSamples && t.total > 0 {
			w = ClampWeight(float64(t.wins) / float64(t.total))
		}
		if cur.Weight(name) != w {
			updates[name] = w
		}
	}
	if len(updates) == 0 && cur != nil {
		return cur
	}
	return cur.With(updates)
}
