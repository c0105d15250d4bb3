// cmd/signald runs the signal engine for one instrument: it streams ticks
// from the broker, builds candles, aggregates strategy votes into signals,
// optionally trades them, and serves the result over HTTP and websocket.
//
//	signald run  --config configs/signald.yaml
//	signald tail --symbol R_100          # follow events mirrored to Redis
//	signald last --symbol R_100          # print the newest signal from Redis
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"tradesignal/config"
	"tradesignal/internal/broker"
	"tradesignal/internal/engine"
	"tradesignal/internal/execution"
	"tradesignal/internal/gateway"
	"tradesignal/internal/ledger"
	"tradesignal/internal/logger"
	"tradesignal/internal/metrics"
	"tradesignal/internal/model"
	"tradesignal/internal/notification"
	"tradesignal/internal/risk"
	sig "tradesignal/internal/signal"
	"tradesignal/internal/store/redis"
	"tradesignal/internal/store/sqlite"
	"tradesignal/internal/strategy"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "YAML config file",
		EnvVars: []string{"SIGNALD_CONFIG"},
	}
	symbolFlag := &cli.StringFlag{Name: "symbol", Usage: "instrument, defaults to market.symbol"}

	app := &cli.App{
		Name:  "signald",
		Usage: "binary options signal engine",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "run the engine, API gateway and metrics server",
				Flags:  []cli.Flag{configFlag},
				Action: runDaemon,
			},
			{
				Name:   "tail",
				Usage:  "print events published to Redis",
				Flags:  []cli.Flag{configFlag, &cli.StringFlag{Name: "symbol", Usage: "filter by instrument (default all)"}},
				Action: tailEvents,
			},
			{
				Name:  "last",
				Usage: "print the newest signal and recent trades from Redis",
				Flags: []cli.Flag{
					configFlag,
					symbolFlag,
					&cli.Int64Flag{Name: "trades", Value: 10, Usage: "recent trade events to show"},
				},
				Action: showLatest,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "signald:", err)
		os.Exit(1)
	}
}

func runDaemon(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log := logger.Init(cfg.App.Name, cfg.App.LogLevel)
	log.Info().Str("symbol", cfg.Market.Symbol).Str("mode", cfg.Trading.Mode).Msg("starting")

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	health := metrics.NewHealthStatus()
	health.SetSymbol(cfg.Market.Symbol)

	// Broker connection
	client, err := broker.New(broker.Config{
		URL:               cfg.Broker.URL,
		AppID:             cfg.Broker.AppID,
		Token:             cfg.Broker.Token,
		Currency:          cfg.Broker.Currency,
		RequestTimeout:    cfg.Broker.RequestTimeout,
		ReconnectDelay:    cfg.Broker.ReconnectDelay,
		MaxReconnectDelay: cfg.Broker.MaxReconnectDelay,
	}, log)
	if err != nil {
		return err
	}
	client.OnReconnect = func() { m.WSReconnects.Inc() }
	client.OnMalformedTick = func() { m.MalformedTicks.Inc() }
	client.OnConnState = health.SetBrokerConnected

	var trades model.TradeSink
	switch cfg.Trading.Mode {
	case config.ModePaper:
		trades = execution.NewPaper(decimal.NewFromFloat(cfg.Trading.Payout), 64, log)
	case config.ModeLive:
		trades = client
	}

	// Trade history
	ledg, err := ledger.Open(cfg.Ledger.DSN, log)
	if err != nil {
		return err
	}
	defer ledg.Close()

	// Strategies and aggregation
	set := strategy.Default(cfg.Signal.Extended)
	if err := set.EnableOnly(cfg.Signal.Strategies); err != nil {
		return err
	}
	agg := sig.New(set, sig.Config{Weighted: cfg.Signal.Weighted}, log)
	agg.OnStrategyError = func(name string) { m.StrategyFailures.WithLabelValues(name).Inc() }
	agg.OnStrategyDone = func(name string, took time.Duration) {
		m.StrategyDuration.WithLabelValues(name).Observe(took.Seconds())
	}

	gate := risk.NewGate(risk.Limits{
		Cooldown:             cfg.Trading.Cooldown,
		MaxTrades:            cfg.Trading.MaxTrades,
		MaxDailyTrades:       cfg.Trading.MaxDailyTrades,
		MaxDailyLoss:         decimal.NewFromFloat(cfg.Trading.MaxDailyLoss),
		MaxConsecutiveLosses: cfg.Trading.MaxConsecutiveLosses,
	})

	ecfg := engine.Config{
		Symbol:             cfg.Market.Symbol,
		GranularitySeconds: cfg.Market.GranularitySeconds,
		HistoryCount:       cfg.Market.HistoryCount,
		MaxCandles:         cfg.Market.MaxCandles,
		MaxTicks:           cfg.Market.MaxTicks,
		RecomputeInterval:  cfg.Signal.RecomputeInterval,
		FetchTimeout:       cfg.Broker.RequestTimeout,
		Currency:           cfg.Broker.Currency,
		Amount:             decimal.NewFromFloat(cfg.Trading.Amount),
		DurationMinutes:    cfg.Trading.DurationMinutes,
		AutoTrade:          cfg.Trading.AutoTrade,
		MinConfidence:      cfg.Trading.MinConfidence,
		Weights:            cfg.Signal.Weights,
	}
	if cfg.Trading.Martingale.Enabled {
		ecfg.Martingale = &risk.Martingale{
			Base:                 ecfg.Amount,
			Multiplier:           decimal.NewFromFloat(cfg.Trading.Martingale.Multiplier),
			MaxConsecutiveLosses: cfg.Trading.MaxConsecutiveLosses,
		}
		log.Info().
			Str("base", ecfg.Amount.String()).
			Float64("multiplier", cfg.Trading.Martingale.Multiplier).
			Str("max_exposure", ecfg.Martingale.Exposure().String()).
			Msg("martingale staking enabled")
	}
	if cfg.Signal.Adaptive.Enabled {
		ecfg.Adaptive = &sig.Adapter{Window: cfg.Signal.Adaptive.Window, MinSamples: cfg.Signal.Adaptive.MinSamples}
	}

	eng, err := engine.New(ecfg, engine.Deps{
		Market:     client,
		Trades:     trades,
		Ledger:     ledg,
		Gate:       gate,
		Aggregator: agg,
		Log:        log,
	})
	if err != nil {
		return err
	}
	eng.Hooks = engineHooks(m, health)

	// Every consumer gets its own fan-out subscription; drops are counted
	// per consumer name.
	var subscribers []string
	subscribe := func(name string) <-chan engine.Event {
		subscribers = append(subscribers, name)
		return eng.Subscribe()
	}
	subscriberName := func(idx int) string {
		if idx < len(subscribers) {
			return subscribers[idx]
		}
		return strconv.Itoa(idx)
	}
	eng.Events().OnDrop = func(idx int) {
		m.FanoutDropsTotal.WithLabelValues(subscriberName(idx)).Inc()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := client.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Redis mirror
	var rdb *goredis.Client
	if cfg.Redis.Enabled {
		rdb, err = redis.Connect(ctx, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err != nil {
			return err
		}
		defer rdb.Close()
		health.SetRedisEnabled(true)

		cb := redis.NewCircuitBreaker(5, 10*time.Second)
		cb.OnStateChange = func(from, to redis.State) {
			m.RedisCircuitBreakerState.Set(float64(to))
			if to == redis.StateOpen {
				m.RedisCircuitBreakerTrips.Inc()
			}
			log.Warn().Str("from", from.String()).Str("to", to.String()).Msg("redis circuit breaker")
		}
		pub := redis.NewPublisher(rdb, cb, redis.Config{Keys: redis.Keys{Prefix: cfg.Redis.ChannelPrefix}}, log)
		pub.OnPublish = func(took time.Duration) { m.RedisPublishDur.Observe(took.Seconds()) }
		events := subscribe("redis")
		g.Go(func() error { pub.Run(gctx, events); return nil })
	}

	// Candle archive
	if cfg.Archive.Path != "" {
		archive, err := sqlite.Open(cfg.Archive.Path, log)
		if err != nil {
			return err
		}
		defer archive.Close()
		events := subscribe("archive")
		records := make(chan sqlite.Record, 256)
		g.Go(func() error {
			defer close(records)
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					candle, isCandle := ev.Data.(model.Candle)
					if ev.Kind != engine.EventCandle || !isCandle {
						continue
					}
					select {
					case records <- sqlite.Record{Symbol: ev.Symbol, Granularity: cfg.Market.GranularitySeconds, Candle: candle}:
					case <-gctx.Done():
						return nil
					}
				}
			}
		})
		g.Go(func() error { archive.Run(gctx, records); return nil })
	}

	// Alerts
	backends := []notification.Backend{{Name: "log", Notifier: notification.NewLogNotifier(log)}}
	if cfg.Notify.WebhookURL != "" {
		backends = append(backends, notification.Backend{Name: "webhook", Notifier: notification.NewWebhookNotifier(cfg.Notify.WebhookURL, log)})
	}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		backends = append(backends, notification.Backend{
			Name:     "telegram",
			Notifier: notification.NewTelegramNotifier(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, log),
		})
	}
	rules := notification.DefaultRules()
	rules.SignalConfidence = cfg.Notify.SignalConfidence
	dispatcher := notification.NewDispatcher(rules, log, backends...)
	dispatcher.OnSent = func(backend, status string) { m.NotificationsTotal.WithLabelValues(backend, status).Inc() }
	notifyEvents := subscribe("notify")
	g.Go(func() error { dispatcher.Run(gctx, notifyEvents); return nil })

	// UI gateway
	start := time.Now()
	hub := gateway.NewHub(log)
	hub.OnClients = func(n int) { m.WSClients.Set(float64(n)) }
	hubEvents := subscribe("gateway")
	g.Go(func() error { hub.Run(gctx, hubEvents); return nil })
	go hub.StartMetricsBroadcast(gctx, start, 5*time.Second)

	api := &http.Server{
		Addr:              cfg.App.HTTPAddr,
		Handler:           gateway.NewServer(eng, ledg, hub, log).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		log.Info().Str("addr", cfg.App.HTTPAddr).Msg("api listening")
		if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	metricsSrv := metrics.NewServer(cfg.App.MetricsAddr, reg, health, log)
	metricsSrv.Start()
	health.StartLivenessChecker(gctx, rdb, ledg.DB(), 15*time.Second)

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				m.ObserveSaturation(eng.Events().ChannelStats(), subscriberName)
			}
		}
	})

	g.Go(func() error { return eng.Run(gctx) })

	<-gctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	_ = api.Shutdown(shutdownCtx)
	metricsSrv.Stop(shutdownCtx)
	cancel()

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("stopped")
	return nil
}

func engineHooks(m *metrics.Metrics, health *metrics.HealthStatus) engine.Hooks {
	return engine.Hooks{
		OnTick: func(t model.Tick) {
			m.TicksTotal.Inc()
			health.SetLastTickTime(t.Time())
		},
		OnMalformedTick: func() { m.MalformedTicks.Inc() },
		OnLateTick:      func() { m.LateTicks.Inc() },
		OnCandleOpened:  func() { m.CandlesTotal.Inc() },
		OnCycle:         func(took time.Duration) { m.CycleDuration.Observe(took.Seconds()) },
		OnCoalesced:     func() { m.CyclesCoalesced.Inc() },
		OnDiscarded:     func() { m.CyclesDiscarded.Inc() },
		OnSignal: func(s sig.Signal) {
			m.SignalsTotal.WithLabelValues(string(s.Direction)).Inc()
			m.SignalConfidence.Set(s.Confidence)
		},
		OnTrade:  func(outcome string) { m.TradesTotal.WithLabelValues(outcome).Inc() },
		OnDenied: func(reason string) { m.GateDenials.WithLabelValues(reason).Inc() },
		OnHalted: func(halted bool) {
			v := 0.0
			if halted {
				v = 1
			}
			m.SessionHalted.Set(v)
		},
		OnWeights:        func(version uint64) { m.WeightsVersion.Set(float64(version)) },
		OnStreamState:    health.SetBrokerConnected,
		OnNetProfit:      func(p float64) { m.NetProfit.Set(p) },
		OnInstrumentOpen: health.SetSymbol,
		OnEvicted:        func(series string, n int) { m.StoreEvicted.WithLabelValues(series).Add(float64(n)) },
	}
}

func redisClient(c *cli.Context) (*goredis.Client, redis.Keys, *config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, redis.Keys{}, nil, err
	}
	rdb, err := redis.Connect(c.Context, redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		return nil, redis.Keys{}, nil, err
	}
	return rdb, redis.Keys{Prefix: cfg.Redis.ChannelPrefix}, cfg, nil
}

func tailEvents(c *cli.Context) error {
	rdb, keys, _, err := redisClient(c)
	if err != nil {
		return err
	}
	defer rdb.Close()
	out := zerolog.New(os.Stdout)
	return redis.Tail(c.Context, rdb, keys, c.String("symbol"), func(ev redis.StoredEvent) {
		out.Log().
			Str("type", string(ev.Kind)).
			Str("symbol", ev.Symbol).
			Time("at", ev.At).
			RawJSON("data", ev.Data).
			Send()
	})
}

func showLatest(c *cli.Context) error {
	rdb, keys, cfg, err := redisClient(c)
	if err != nil {
		return err
	}
	defer rdb.Close()
	symbol := c.String("symbol")
	if symbol == "" {
		symbol = cfg.Market.Symbol
	}

	r := redis.NewReader(rdb, keys)
	s, err := r.LatestSignal(c.Context, symbol)
	switch {
	case errors.Is(err, redis.ErrNotFound):
		fmt.Printf("%s: no signal published\n", symbol)
	case err != nil:
		return err
	default:
		fmt.Printf("%s  %s  %.1f%%  price %.5g  candle %s\n",
			s.Symbol, s.Direction, s.Confidence, s.Price, time.Unix(s.CandleTime, 0).UTC().Format(time.RFC3339))
		for _, name := range s.Agreeing() {
			fmt.Printf("  + %s\n", name)
		}
	}

	events, err := r.RecentTrades(c.Context, symbol, c.Int64("trades"))
	if err != nil {
		return err
	}
	for _, ev := range events {
		fmt.Printf("%s  %-10s %s\n", ev.At.UTC().Format(time.RFC3339), ev.Kind, ev.Data)
	}
	return nil
}
