// Package backtest walks historical candles through the candle store and
// the signal aggregator and scores every directional call against the close
// a fixed number of candles later.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"tradesignal/internal/candlestore"
	"tradesignal/internal/model"
	"tradesignal/internal/signal"
	"tradesignal/internal/strategy"
)

// AggregateName is the tally key for the combined signal.
const AggregateName = "signal"

// Config sizes an Evaluator.
type Config struct {
	Symbol             string
	GranularitySeconds int
	MaxCandles         int
	Warmup             int // candles loaded before the first call is scored
	Horizon            int // candles between a call and its outcome
	MinConfidence      float64
	Weights            map[string]float64
}

// HorizonFor converts a contract duration to a candle count, at least one.
func HorizonFor(durationMinutes, granularitySeconds int) int {
	if granularitySeconds <= 0 {
		return 1
	}
	h := durationMinutes * 60 / granularitySeconds
	if h < 1 {
		return 1
	}
	return h
}

// Tally counts calls and correct calls.
type Tally struct {
	Calls int `json:"calls"`
	Hits  int `json:"hits"`
}

// HitRate is the fraction of calls that were right, in percent.
func (t Tally) HitRate() float64 {
	if t.Calls == 0 {
		return 0
	}
	return float64(t.Hits) / float64(t.Calls) * 100
}

// Report is the outcome of a run.
type Report struct {
	Candles int               `json:"candles"`
	Scored  int               `json:"scored"` // candles that produced a signal
	Tallies map[string]*Tally `json:"tallies"`
}

// Names returns the tallied names, the aggregate first then by hit rate.
func (r Report) Names() []string {
	names := make([]string, 0, len(r.Tallies))
	for n := range r.Tallies {
		if n != AggregateName {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		a, b := r.Tallies[names[i]], r.Tallies[names[j]]
		if a.HitRate() != b.HitRate() {
			return a.HitRate() > b.HitRate()
		}
		return names[i] < names[j]
	})
	if _, ok := r.Tallies[AggregateName]; ok {
		names = append([]string{AggregateName}, names...)
	}
	return names
}

type call struct {
	name   string
	dir    model.Direction
	entry  float64
	target int
}

// Evaluator consumes candles one at a time. It is not safe for concurrent use.
type Evaluator struct {
	cfg     Config
	store   *candlestore.Store
	agg     *signal.Aggregator
	weights *signal.WeightTable
	open    []call
	report  Report
}

// New creates an Evaluator over set.
func New(cfg Config, set *strategy.Set, weighted bool, log zerolog.Logger) (*Evaluator, error) {
	if cfg.GranularitySeconds <= 0 {
		return nil, errors.New("backtest: granularity must be positive")
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 1
	}
	return &Evaluator{
		cfg: cfg,
		store: candlestore.New(candlestore.Config{
			Symbol:        cfg.Symbol,
			BucketSeconds: int64(cfg.GranularitySeconds),
			MaxCandles:    cfg.MaxCandles,
		}),
		agg:     signal.New(set, signal.Config{Weighted: weighted}, log),
		weights: signal.NewWeightTable(cfg.Weights),
		report:  Report{Tallies: make(map[string]*Tally)},
	}, nil
}

// Add feeds one closed candle and scores every call that expires on it.
func (e *Evaluator) Add(ctx context.Context, c model.Candle) error {
	if err := e.ingest(c); err != nil {
		return err
	}
	idx := e.report.Candles
	e.report.Candles++

	e.settle(idx, c.Close)
	if idx < e.cfg.Warmup {
		return nil
	}

	sig, err := e.agg.Generate(ctx, e.store.Snapshot(), e.weights, nil)
	if err != nil {
		return err
	}
	e.report.Scored++
	target := idx + e.cfg.Horizon
	if sig.Direction.Tradable() && sig.Confidence >= e.cfg.MinConfidence {
		e.open = append(e.open, call{name: AggregateName, dir: sig.Direction, entry: c.Close, target: target})
	}
	for name, res := range sig.Confirmations {
		if dir := res.Bias.Direction(); dir.Tradable() {
			e.open = append(e.open, call{name: name, dir: dir, entry: c.Close, target: target})
		}
	}
	return nil
}

// ingest replays the candle as open, low/high, close ticks so the store
// rebuilds the same OHLC bar.
func (e *Evaluator) ingest(c model.Candle) error {
	if !c.Valid() {
		return fmt.Errorf("%w: time %d", candlestore.ErrInvalidCandle, c.Time)
	}
	first, second := c.Low, c.High
	if c.Bearish() {
		first, second = c.High, c.Low
	}
	quotes := []float64{c.Open, first, second, c.Close}
	step := int64(e.cfg.GranularitySeconds) / int64(len(quotes))
	for i, q := range quotes {
		t := model.Tick{Symbol: e.cfg.Symbol, Quote: q, Epoch: c.Time + int64(i)*step}
		if _, err := e.store.Ingest(t); err != nil {
			return fmt.Errorf("ingest candle %d: %w", c.Time, err)
		}
	}
	return nil
}

// settle scores calls whose target is idx. An unchanged close is a miss.
func (e *Evaluator) settle(idx int, exit float64) {
	kept := e.open[:0]
	for _, cl := range e.open {
		if cl.target != idx {
			kept = append(kept, cl)
			continue
		}
		t := e.report.Tallies[cl.name]
		if t == nil {
			t = &Tally{}
			e.report.Tallies[cl.name] = t
		}
		t.Calls++
		if (cl.dir == model.Buy && exit > cl.entry) || (cl.dir == model.Sell && exit < cl.entry) {
			t.Hits++
		}
	}
	e.open = kept
}

// Report returns the results so far. Calls still waiting for their target
// candle are not counted.
func (e *Evaluator) Report() Report {
	out := Report{Candles: e.report.Candles, Scored: e.report.Scored, Tallies: make(map[string]*Tally, len(e.report.Tallies))}
	for k, v := range e.report.Tallies {
		cp := *v
		out.Tallies[k] = &cp
	}
	return out
}

// Pending returns how many calls wait for their target candle.
func (e *Evaluator) Pending() int { return len(e.open) }
