// Package replay emits archived candles in order, optionally paced to a
// multiple of real time, for backtesting.
package replay

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"tradesignal/internal/model"
)

const maxGap = 5 * time.Second

// Source reads archived candles, oldest first.
type Source interface {
	Candles(ctx context.Context, symbol string, granularity int, afterTS int64, limit int) ([]model.Candle, error)
}

// Replayer streams one series from a Source.
type Replayer struct {
	src   Source
	log   zerolog.Logger
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer over src.
func New(src Source, log zerolog.Logger) *Replayer {
	return &Replayer{src: src, log: log.With().Str("component", "replay").Logger(), sleep: sleepCtx}
}

// Run sends every candle of symbol/granularity after fromTS to out and
// returns the number sent. speed scales the gaps between candles: 1 is real
// time, 100 is 100x, 0 is as fast as possible. A single gap never waits
// longer than five seconds.
func (r *Replayer) Run(ctx context.Context, symbol string, granularity int, fromTS int64, speed float64, out chan<- model.Candle) (int, error) {
	candles, err := r.src.Candles(ctx, symbol, granularity, fromTS, 0)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		r.log.Warn().Str("symbol", symbol).Int("granularity", granularity).Msg("no archived candles")
		return 0, nil
	}
	r.log.Info().Int("candles", len(candles)).Float64("speed", speed).Msg("replay started")

	emitted := 0
	for i, c := range candles {
		if speed > 0 && i > 0 {
			gap := time.Duration(float64(time.Duration(c.Time-candles[i-1].Time)*time.Second) / speed)
			if gap > maxGap {
				gap = maxGap
			}
			if err := r.sleep(ctx, gap); err != nil {
				return emitted, err
			}
		}
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		case out <- c:
			emitted++
		}
	}
	r.log.Info().Int("candles", emitted).Msg("replay completed")
	return emitted, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
