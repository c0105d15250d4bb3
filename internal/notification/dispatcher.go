package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"tradesignal/internal/engine"
	"tradesignal/internal/model"
	"tradesignal/internal/signal"
)

// Rules selects which engine events become alerts.
type Rules struct {
	// SignalConfidence is the minimum confidence for a signal alert. Zero
	// disables signal alerts.
	SignalConfidence float64
	Trades           bool
	Settlements      bool
	Halts            bool
}

// DefaultRules alerts on trades, settlements and halts, and on signals of
// at least 75% confidence.
func DefaultRules() Rules {
	return Rules{SignalConfidence: 75, Trades: true, Settlements: true, Halts: true}
}

// Backend is a named Notifier.
type Backend struct {
	Name string
	Notifier
}

// Dispatcher turns engine events into alerts and fans them out to every
// backend. Alerts beyond the rate limit are dropped.
type Dispatcher struct {
	rules    Rules
	backends []Backend
	limiter  *rate.Limiter
	timeout  time.Duration
	log      zerolog.Logger

	lastSignal string
	halted     bool

	// OnSent is called per backend with status "ok", "error" or "throttled".
	OnSent func(backend, status string)
}

// NewDispatcher creates a dispatcher allowing a burst of 5 alerts and one
// per second after that.
func NewDispatcher(rules Rules, log zerolog.Logger, backends ...Backend) *Dispatcher {
	return &Dispatcher{
		rules:    rules,
		backends: backends,
		limiter:  rate.NewLimiter(rate.Every(time.Second), 5),
		timeout:  10 * time.Second,
		log:      log.With().Str("component", "notify").Logger(),
	}
}

// Run handles events until ctx is cancelled or events is closed.
func (d *Dispatcher) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			d.Handle(ctx, ev)
		}
	}
}

// Handle sends the alert for ev, if any. It is not safe for concurrent use.
func (d *Dispatcher) Handle(ctx context.Context, ev engine.Event) {
	alert, ok := d.alertFor(ev)
	if !ok {
		return
	}
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	if !d.limiter.Allow() {
		d.log.Warn().Str("title", alert.Title).Msg("alert rate limited")
		for _, b := range d.backends {
			d.sent(b.Name, "throttled")
		}
		return
	}

	for _, b := range d.backends {
		sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err := b.Send(sendCtx, alert)
		cancel()
		if err != nil {
			d.log.Warn().Err(err).Str("backend", b.Name).Msg("alert delivery failed")
			d.sent(b.Name, "error")
			continue
		}
		d.sent(b.Name, "ok")
	}
}

func (d *Dispatcher) sent(backend, status string) {
	if d.OnSent != nil {
		d.OnSent(backend, status)
	}
}

func (d *Dispatcher) alertFor(ev engine.Event) (Alert, bool) {
	switch data := ev.Data.(type) {
	case signal.Signal:
		if d.rules.SignalConfidence <= 0 || !data.Direction.Tradable() || data.Confidence < d.rules.SignalConfidence {
			return Alert{}, false
		}
		// One alert per candle and direction, not one per cycle.
		key := fmt.Sprintf("%s/%d/%s", data.Symbol, data.CandleTime, data.Direction)
		if key == d.lastSignal {
			return Alert{}, false
		}
		d.lastSignal = key
		return Alert{
			Level:   AlertInfo,
			Title:   fmt.Sprintf("%s signal on %s", data.Direction, data.Symbol),
			Message: fmt.Sprintf("Confidence %.1f%% from %d confirming strategies at %.5g.", data.Confidence, len(data.Agreeing()), data.Price),
			Symbol:  data.Symbol,
			At:      data.GeneratedAt,
		}, true

	case model.TradeRecord:
		switch {
		case ev.Kind == engine.EventTrade && d.rules.Trades:
			return Alert{
				Level:   AlertInfo,
				Title:   fmt.Sprintf("Trade placed on %s", data.Instrument),
				Message: fmt.Sprintf("%s %s for %d min at %.5g (contract %s).", data.Direction, data.Amount.StringFixed(2), data.DurationMinutes, data.EntryQuote, data.ContractID),
				Symbol:  data.Instrument,
				At:      ev.At,
			}, true
		case ev.Kind == engine.EventSettlement && d.rules.Settlements && data.Profit != nil:
			level, verb := AlertInfo, "won"
			if !data.Won() {
				level, verb = AlertWarning, "lost"
			}
			return Alert{
				Level:   level,
				Title:   fmt.Sprintf("Trade %s on %s", verb, data.Instrument),
				Message: fmt.Sprintf("%s %s settled with profit %s.", data.Direction, data.Amount.StringFixed(2), data.Profit.StringFixed(2)),
				Symbol:  data.Instrument,
				At:      ev.At,
			}, true
		}

	case model.TradeRequest:
		if ev.Kind != engine.EventOrderUnconfirmed || !d.rules.Trades {
			return Alert{}, false
		}
		return Alert{
			Level:   AlertCritical,
			Title:   fmt.Sprintf("Order unconfirmed on %s", data.Symbol),
			Message: fmt.Sprintf("%s %s for %d min was sent but the broker never replied. Check the account before trading again.", data.Direction, data.Amount.StringFixed(2), data.DurationMinutes),
			Symbol:  data.Symbol,
			At:      ev.At,
		}, true

	case engine.SessionStatus:
		wasHalted := d.halted
		d.halted = data.Gate.Halted
		if !d.rules.Halts || !data.Gate.Halted || wasHalted {
			return Alert{}, false
		}
		return Alert{
			Level: AlertCritical,
			Title: fmt.Sprintf("Trading halted on %s", data.Symbol),
			Message: fmt.Sprintf("%d consecutive losses, session net %s. Reset the session to resume.",
				data.Gate.LossStreak, data.Stats.NetProfit.StringFixed(2)),
			Symbol: data.Symbol,
			At:     ev.At,
		}, true
	}
	return Alert{}, false
}
