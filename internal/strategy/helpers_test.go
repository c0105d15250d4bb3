package strategy

import (
	"math/rand"

	"tradesignal/internal/candlestore"
	"tradesignal/internal/model"
)

// fromCloses builds candles where each open is the previous close.
func fromCloses(closes []float64) []model.Candle {
	out := make([]model.Candle, len(closes))
	prev := closes[0]
	for i, c := range closes {
		hi, lo := c, prev
		if prev > c {
			hi, lo = prev, c
		}
		out[i] = model.Candle{Time: int64(i) * 60, Open: prev, High: hi, Low: lo, Close: c}
		prev = c
	}
	return out
}

// fromMids builds small bearish candles around each mid: open mid+0.1,
// close mid, wicks ±0.5.
func fromMids(mids []float64) []model.Candle {
	out := make([]model.Candle, len(mids))
	for i, m := range mids {
		out[i] = model.Candle{Time: int64(i) * 60, Open: m + 0.1, High: m + 0.5, Low: m - 0.5, Close: m}
	}
	return out
}

type leg struct {
	n  int
	to float64
}

// walk starts at start and moves linearly through each leg.
func walk(start float64, legs ...leg) []float64 {
	out := []float64{start}
	cur := start
	for _, l := range legs {
		step := (l.to - cur) / float64(l.n)
		for i := 1; i <= l.n; i++ {
			out = append(out, cur+step*float64(i))
		}
		cur = l.to
	}
	return out
}

// mirror reflects candles around level so bullish shapes become bearish.
func mirror(cs []model.Candle, level float64) []model.Candle {
	out := make([]model.Candle, len(cs))
	for i, c := range cs {
		out[i] = model.Candle{
			Time:  c.Time,
			Open:  level - c.Open,
			Close: level - c.Close,
			High:  level - c.Low,
			Low:   level - c.High,
		}
	}
	return out
}

func withTime(cs []model.Candle) []model.Candle {
	for i := range cs {
		cs[i].Time = int64(i) * 60
	}
	return cs
}

func inputOf(cs []model.Candle) Input {
	return Input{Snapshot: candlestore.Snapshot{Symbol: "R_100", BucketSeconds: 60, Candles: cs}}
}

func ticksOf(quotes []float64) []model.Tick {
	out := make([]model.Tick, len(quotes))
	for i, q := range quotes {
		out[i] = model.Tick{Symbol: "R_100", Quote: q, Epoch: int64(i + 1)}
	}
	return out
}

func randomCloses(seed int64, n int) []float64 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]float64, n)
	p := 500.0
	for i := range out {
		p += rng.NormFloat64()
		out[i] = p
	}
	return out
}
