package strategy

import (
	"fmt"
	"math"
)

const (
	tickPressureWindow = 100
	tickPressureRatio  = 1.5
)

// TickPressure counts up-ticks against down-ticks over the last 100 tick
// deltas, measured from a reference tick 101 back. A side that outnumbers the
// other by 1.5x sets the bias.
func TickPressure() Definition {
	return Definition{
		Name:        "tick_pressure",
		DisplayName: "Tick Pressure",
		MinTicks:    tickPressureWindow,
		Eval:        evalTickPressure,
	}
}

func evalTickPressure(in Input) Result {
	ticks := in.Snapshot.Ticks
	if len(ticks) < tickPressureWindow {
		return Neutral("insufficient ticks")
	}
	start := len(ticks) - tickPressureWindow - 1
	if start < 0 {
		start = 0
	}

	var up, down int
	for i := start + 1; i < len(ticks); i++ {
		switch d := ticks[i].Quote - ticks[i-1].Quote; {
		case d > 0:
			up++
		case d < 0:
			down++
		}
	}

	conf := func(major, minor int) float64 {
		if minor == 0 {
			return 85
		}
		return math.Min(85, 55+10*(float64(major)/float64(minor)-tickPressureRatio))
	}
	switch {
	case up > 0 && float64(up) >= tickPressureRatio*float64(down):
		return Bullish(conf(up, down), fmt.Sprintf("%d up vs %d down ticks", up, down))
	case down > 0 && float64(down) >= tickPressureRatio*float64(up):
		return Bearish(conf(down, up), fmt.Sprintf("%d down vs %d up ticks", down, up))
	}
	return Neutral("")
}
