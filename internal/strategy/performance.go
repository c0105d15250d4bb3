package strategy

import (
	"fmt"
	"math"

	"tradesignal/internal/model"
)

const (
	perfWindow     = 20
	perfMinTrades  = 5
	perfMinPerSide = 3
	perfMinWinRate = 0.6
)

// HistoricalPerformance leans toward whichever trade direction has been
// winning in the session's recent resolved trades.
func HistoricalPerformance() Definition {
	return Definition{
		Name:        "historical_performance",
		DisplayName: "Historical Performance",
		Eval:        evalHistoricalPerformance,
	}
}

func evalHistoricalPerformance(in Input) Result {
	var resolved []model.TradeRecord
	for i := len(in.History) - 1; i >= 0 && len(resolved) < perfWindow; i-- {
		if in.History[i].OutcomeKnown {
			resolved = append(resolved, in.History[i])
		}
	}
	if len(resolved) < perfMinTrades {
		return Neutral("insufficient trade history")
	}

	type tally struct{ wins, total int }
	side := map[model.Direction]*tally{model.Buy: {}, model.Sell: {}}
	for _, r := range resolved {
		t, ok := side[r.Direction]
		if !ok {
			continue
		}
		t.total++
		if r.Won() {
			t.wins++
		}
	}

	rate := func(t *tally) float64 {
		if t.total < perfMinPerSide {
			return 0
		}
		return float64(t.wins) / float64(t.total)
	}
	buy, sell := rate(side[model.Buy]), rate(side[model.Sell])

	switch {
	case buy >= perfMinWinRate && buy > sell:
		return Bullish(math.Min(80, buy*80), fmt.Sprintf("BUY won %d/%d recent trades", side[model.Buy].wins, side[model.Buy].total))
	case sell >= perfMinWinRate && sell > buy:
		return Bearish(math.Min(80, sell*80), fmt.Sprintf("SELL won %d/%d recent trades", side[model.Sell].wins, side[model.Sell].total))
	}
	return Neutral("")
}
