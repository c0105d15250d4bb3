// cmd/tickserver serves a simulated broker on the same websocket protocol as
// the live API, for running signald without broker credentials.
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address (default ":9001")
//	TICK_SYMBOLS      comma-separated SYMBOL:PRICE pairs (default "R_100:1000,R_50:250")
//	TICK_INTERVAL_MS  tick interval in milliseconds (default 1000)
//	TICK_BACKFILL     seconds of synthetic history (default 36000)
//	TICK_PAYOUT       payout ratio for winning contracts (default 0.85)
//	TICK_TOKEN        required authorize token (default none)
//	LOG_LEVEL
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tradesignal/internal/brokersim"
	"tradesignal/internal/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.Init("tickserver", os.Getenv("LOG_LEVEL"))

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	symbols, err := parseSymbols(envOrDefault("TICK_SYMBOLS", "R_100:1000,R_50:250"))
	if err != nil {
		log.Fatal().Err(err).Msg("invalid TICK_SYMBOLS")
	}
	payout, _ := strconv.ParseFloat(envOrDefault("TICK_PAYOUT", "0.85"), 64)

	sim := brokersim.New(brokersim.Config{
		Symbols:  symbols,
		Interval: time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 1000)) * time.Millisecond,
		Backfill: envIntOrDefault("TICK_BACKFILL", 36000),
		Payout:   payout,
		Token:    os.Getenv("TICK_TOKEN"),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go sim.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/websockets/v3", sim)
	mux.Handle("/ws", sim)
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"tickserver","sessions":%d}`+"\n", sim.Sessions())
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Interface("symbols", symbols).Msg("listening (ws path /websockets/v3)")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
	log.Info().Msg("stopped")
}

func parseSymbols(s string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, price, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("%q: want SYMBOL:PRICE", part)
		}
		p, err := strconv.ParseFloat(strings.TrimSpace(price), 64)
		if err != nil || p <= 0 {
			return nil, fmt.Errorf("%q: bad price", part)
		}
		out[strings.TrimSpace(sym)] = p
	}
	if len(out) == 0 {
		return nil, errors.New("no symbols")
	}
	return out, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
