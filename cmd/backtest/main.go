// cmd/backtest scores the strategies against historical candles, fetched
// from the broker or replayed from a candle archive.
//
// Usage:
//
//	backtest --symbol R_100 --count 2000 --duration 1
//	backtest --source archive --db data/candles.db --speed 0
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"tradesignal/config"
	"tradesignal/internal/backtest"
	"tradesignal/internal/broker"
	"tradesignal/internal/logger"
	"tradesignal/internal/marketdata/replay"
	"tradesignal/internal/model"
	"tradesignal/internal/store/sqlite"
	"tradesignal/internal/strategy"
)

func main() {
	app := &cli.App{
		Name:  "backtest",
		Usage: "score strategy calls against historical candles",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML config file", EnvVars: []string{"SIGNALD_CONFIG"}},
			&cli.StringFlag{Name: "symbol", Usage: "instrument, defaults to market.symbol"},
			&cli.IntFlag{Name: "granularity", Usage: "candle seconds, defaults to market.granularity_seconds"},
			&cli.IntFlag{Name: "count", Value: 1000, Usage: "candles to fetch from the broker"},
			&cli.IntFlag{Name: "duration", Usage: "contract minutes scored, defaults to trading.duration_minutes"},
			&cli.IntFlag{Name: "warmup", Value: 50, Usage: "candles loaded before scoring starts"},
			&cli.Float64Flag{Name: "min-confidence", Usage: "confidence floor for the combined signal"},
			&cli.StringFlag{Name: "source", Value: "broker", Usage: "broker or archive"},
			&cli.StringFlag{Name: "db", Usage: "candle archive path, defaults to archive.path"},
			&cli.BoolFlag{Name: "save", Usage: "archive candles fetched from the broker"},
			&cli.Int64Flag{Name: "from", Usage: "archive replay starts after this unix time"},
			&cli.Float64Flag{Name: "speed", Usage: "archive replay speed (0 = as fast as possible)"},
			&cli.StringSliceFlag{Name: "strategy", Usage: "limit to these strategies (repeatable)"},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON"},
		},
		Action: run,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "backtest:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, "backtest", cfg.App.LogLevel)

	symbol := firstNonEmpty(c.String("symbol"), cfg.Market.Symbol)
	gran := firstPositive(c.Int("granularity"), cfg.Market.GranularitySeconds)
	duration := firstPositive(c.Int("duration"), cfg.Trading.DurationMinutes)
	dbPath := firstNonEmpty(c.String("db"), cfg.Archive.Path)

	set := strategy.Default(cfg.Signal.Extended)
	names := c.StringSlice("strategy")
	if len(names) == 0 {
		names = cfg.Signal.Strategies
	}
	if err := set.EnableOnly(names); err != nil {
		return err
	}

	ev, err := backtest.New(backtest.Config{
		Symbol:             symbol,
		GranularitySeconds: gran,
		MaxCandles:         cfg.Market.MaxCandles,
		Warmup:             c.Int("warmup"),
		Horizon:            backtest.HorizonFor(duration, gran),
		MinConfidence:      c.Float64("min-confidence"),
		Weights:            cfg.Signal.Weights,
	}, set, cfg.Signal.Weighted, log)
	if err != nil {
		return err
	}

	candles := make(chan model.Candle, 256)
	errc := make(chan error, 1)
	switch c.String("source") {
	case "broker":
		go func() {
			defer close(candles)
			errc <- fetch(c.Context, cfg, symbol, gran, c.Int("count"), dbPath, c.Bool("save"), candles, log)
		}()
	case "archive":
		if dbPath == "" {
			return errors.New("--db (or archive.path) is required with --source archive")
		}
		archive, err := sqlite.Open(dbPath, log)
		if err != nil {
			return err
		}
		defer archive.Close()
		go func() {
			defer close(candles)
			_, err := replay.New(archive, log).Run(c.Context, symbol, gran, c.Int64("from"), c.Float64("speed"), candles)
			errc <- err
		}()
	default:
		return fmt.Errorf("unknown source %q", c.String("source"))
	}

	for candle := range candles {
		if err := ev.Add(c.Context, candle); err != nil {
			return err
		}
	}
	if err := <-errc; err != nil {
		return err
	}

	rep := ev.Report()
	log.Info().Int("candles", rep.Candles).Int("pending", ev.Pending()).Msg("backtest complete")
	if c.Bool("json") {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printReport(os.Stdout, symbol, gran, duration, rep)
	return nil
}

// fetch pulls history from the broker, optionally archives it, and streams it.
func fetch(ctx context.Context, cfg *config.Config, symbol string, gran, count int, dbPath string, save bool, out chan<- model.Candle, log zerolog.Logger) error {
	client, err := broker.New(broker.Config{
		URL:            cfg.Broker.URL,
		AppID:          cfg.Broker.AppID,
		Token:          cfg.Broker.Token,
		Currency:       cfg.Broker.Currency,
		RequestTimeout: cfg.Broker.RequestTimeout,
	}, log)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go client.Run(runCtx)

	candles, err := client.FetchHistoricalCandles(ctx, symbol, gran, count)
	if err != nil {
		return fmt.Errorf("fetch history: %w", err)
	}
	log.Info().Str("symbol", symbol).Int("candles", len(candles)).Msg("history fetched")

	if save {
		if dbPath == "" {
			return errors.New("--save needs --db or archive.path")
		}
		archive, err := sqlite.Open(dbPath, log)
		if err != nil {
			return err
		}
		defer archive.Close()
		if err := archive.Save(ctx, symbol, gran, candles); err != nil {
			return fmt.Errorf("archive history: %w", err)
		}
	}

	for _, cd := range candles {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- cd:
		}
	}
	return nil
}

func printReport(w io.Writer, symbol string, gran, duration int, rep backtest.Report) {
	fmt.Fprintf(w, "%s  %ds candles  %d min contracts  %d candles, %d scored\n\n", symbol, gran, duration, rep.Candles, rep.Scored)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "strategy\tcalls\thits\thit rate\t")
	for _, name := range rep.Names() {
		t := rep.Tallies[name]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\t\n", name, t.Calls, t.Hits, t.HitRate())
	}
	tw.Flush()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
