// Package signal combines strategy opinions into one trade signal.
//
// Generate fans every enabled strategy out to its own goroutine, joins them,
// and reduces the results by vote: BUY wins only with strictly more support
// than SELL, so ties resolve to SELL. Confidence is the winning side's share
// of the total support.
package signal

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradesignal/internal/candlestore"
	"tradesignal/internal/model"
	"tradesignal/internal/strategy"
)

// Signal is the published result of one aggregation cycle.
type Signal struct {
	Symbol         string                     `json:"symbol"`
	Direction      model.Direction            `json:"direction"`
	Confidence     float64                    `json:"confidence"`
	Confirmations  map[string]strategy.Result `json:"confirmations"`
	BullishScore   float64                    `json:"bullish_score"`
	BearishScore   float64                    `json:"bearish_score"`
	Weighted       bool                       `json:"weighted"`
	WeightsVersion uint64                     `json:"weights_version"`
	CandleTime     int64                      `json:"candle_time"`
	Price          float64                    `json:"price"`
	GeneratedAt    time.Time                  `json:"generated_at"`
}

// Agreeing lists, sorted, the strategies whose bias matches the signal direction.
func (s Signal) Agreeing() []string {
	var out []string
	for name, r := range s.Confirmations {
		if r.Bias.Direction() == s.Direction {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Config selects the voting mode.
type Config struct {
	Weighted bool
}

// Aggregator evaluates a strategy.Set over snapshots.
type Aggregator struct {
	set      *strategy.Set
	weighted bool
	log      zerolog.Logger
	now      func() time.Time

	// Metrics hooks (optional, set externally)
	OnStrategyError func(name string)
	OnStrategyDone  func(name string, took time.Duration)
}

// New creates an Aggregator over set.
func New(set *strategy.Set, cfg Config, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		set:      set,
		weighted: cfg.Weighted,
		log:      log.With().Str("component", "signal").Logger(),
		now:      time.Now,
	}
}

// Generate runs one cycle. The only error is ctx cancellation, in which case
// the cycle's partial results are discarded.
func (a *Aggregator) Generate(ctx context.Context, snap candlestore.Snapshot, weights *WeightTable, history []model.TradeRecord) (Signal, error) {
	defs := a.set.Enabled()
	results := make([]strategy.Result, len(defs))
	in := strategy.Input{Snapshot: snap, History: history}

	g, gctx := errgroup.WithContext(ctx)
	for i, def := range defs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			start := time.Now()
			res, err := strategy.Evaluate(def, in)
			if err != nil {
				a.log.Warn().Err(err).Str("strategy", def.Name).Msg("strategy failed, counted as neutral")
				if a.OnStrategyError != nil {
					a.OnStrategyError(def.Name)
				}
			}
			if a.OnStrategyDone != nil {
				a.OnStrategyDone(def.Name, time.Since(start))
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Signal{}, err
	}
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}

	named := make(map[string]strategy.Result, len(defs))
	for i, def := range defs {
		named[def.Name] = results[i]
	}
	sig := Vote(named, weights, a.weighted)
	sig.Symbol = snap.Symbol
	sig.GeneratedAt = a.now()
	if last, ok := snap.LastCandle(); ok {
		sig.CandleTime = last.Time
		sig.Price = last.Close
	}
	return sig, nil
}

// Vote reduces strategy results to a direction and confidence. It is pure:
// the same results and weights always produce the same signal.
func Vote(results map[string]strategy.Result, weights *WeightTable, weighted bool) Signal {
	sig := Signal{
		Direction:     model.None,
		Confirmations: make(map[string]strategy.Result),
		Weighted:      weighted,
	}
	if weights != nil {
		sig.WeightsVersion = weights.Version
	}

	// Sum in name order so float totals do not depend on map iteration.
	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		r := results[name].Normalize()
		if r.Confidence == 0 {
			continue
		}
		sig.Confirmations[name] = r
		w := 1.0
		if weighted {
			w = weights.Weight(name)
		}
		if r.Bias == model.Bullish {
			sig.BullishScore += w
		} else {
			sig.BearishScore += w
		}
	}

	total := sig.BullishScore + sig.BearishScore
	if total <= 0 {
		return sig
	}

	winner := sig.BearishScore
	sig.Direction = model.Sell
	if sig.BullishScore > sig.BearishScore {
		winner = sig.BullishScore
		sig.Direction = model.Buy
	}
	sig.Confidence = roundConfidence(math.Min(100, 100*winner/total))
	return sig
}

func roundConfidence(v float64) float64 {
	return math.Round(v*10) / 10
}
