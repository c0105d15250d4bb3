// Package metrics exposes Prometheus instruments and the /healthz report for
// the signal daemon.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tradesignal/internal/bus"
)

const namespace = "signald"

// Metrics holds all Prometheus metrics for the signal engine.
type Metrics struct {
	TicksTotal     prometheus.Counter
	MalformedTicks prometheus.Counter
	LateTicks      prometheus.Counter
	CandlesTotal   prometheus.Counter
	StoreEvicted   *prometheus.CounterVec // labels: series=candles|ticks
	WSReconnects   prometheus.Counter

	// Aggregation cycles
	CycleDuration    prometheus.Histogram
	CyclesCoalesced  prometheus.Counter
	CyclesDiscarded  prometheus.Counter
	SignalsTotal     *prometheus.CounterVec // labels: direction
	SignalConfidence prometheus.Gauge
	StrategyFailures *prometheus.CounterVec // labels: strategy
	StrategyDuration *prometheus.HistogramVec
	WeightsVersion   prometheus.Gauge

	// Trading
	TradesTotal   *prometheus.CounterVec // labels: outcome=placed|failed|unconfirmed|won|lost
	GateDenials   *prometheus.CounterVec // labels: reason
	SessionHalted prometheus.Gauge
	NetProfit     prometheus.Gauge

	// Fan-out and publishing
	FanoutDropsTotal         *prometheus.CounterVec // labels: subscriber
	FanoutSaturationPct      *prometheus.GaugeVec   // labels: subscriber
	RedisPublishDur          prometheus.Histogram
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	WSClients                prometheus.Gauge
	NotificationsTotal       *prometheus.CounterVec // labels: backend, status
}

// New creates all metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Ticks accepted into the candle store",
		}),
		MalformedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_ticks_total",
			Help:      "Ticks dropped for a bad quote or epoch",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_ticks_total",
			Help:      "Ticks rejected because their bucket was already closed",
		}),
		CandlesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candles_total",
			Help:      "Candles opened from live ticks",
		}),
		StoreEvicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_evicted_total",
			Help:      "Candles and ticks aged out of the bounded store",
		}, []string{"series"}),
		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Broker websocket reconnection attempts",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Aggregation cycle latency from snapshot to signal",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		CyclesCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_coalesced_total",
			Help:      "Recompute triggers folded into a pending cycle",
		}),
		CyclesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_discarded_total",
			Help:      "Cycle results dropped after an instrument switch or cancel",
		}),
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals produced by direction",
		}, []string{"direction"}),
		SignalConfidence: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signal_confidence",
			Help:      "Confidence of the latest signal",
		}),
		StrategyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_failures_total",
			Help:      "Strategy evaluations that panicked and were counted as neutral",
		}, []string{"strategy"}),
		StrategyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "strategy_duration_seconds",
			Help:      "Per-strategy evaluation latency",
			Buckets:   []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"strategy"}),
		WeightsVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "weights_version",
			Help:      "Version of the active strategy weight table",
		}),
		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Trades by outcome",
		}, []string{"outcome"}),
		GateDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_denials_total",
			Help:      "Trade submissions refused by the gate, by reason",
		}, []string{"reason"}),
		SessionHalted: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_halted",
			Help:      "1 when the loss ceiling has halted trading",
		}),
		NetProfit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_net_profit",
			Help:      "Net profit of resolved trades this session",
		}),
		FanoutDropsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_drops_total",
			Help:      "Events dropped for a slow subscriber",
		}, []string{"subscriber"}),
		FanoutSaturationPct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fanout_saturation_pct",
			Help:      "Subscriber channel fill percentage (len/cap * 100)",
		}, []string{"subscriber"}),
		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "redis_publish_duration_seconds",
			Help:      "Redis publish latency",
			Buckets:   prometheus.DefBuckets,
		}),
		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_circuit_breaker_state",
			Help:      "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_circuit_breaker_trips_total",
			Help:      "Times the Redis circuit breaker opened",
		}),
		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_ws_clients",
			Help:      "Connected UI websocket clients",
		}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Alerts sent, by backend and status",
		}, []string{"backend", "status"}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.MalformedTicks,
		m.LateTicks,
		m.CandlesTotal,
		m.StoreEvicted,
		m.WSReconnects,
		m.CycleDuration,
		m.CyclesCoalesced,
		m.CyclesDiscarded,
		m.SignalsTotal,
		m.SignalConfidence,
		m.StrategyFailures,
		m.StrategyDuration,
		m.WeightsVersion,
		m.TradesTotal,
		m.GateDenials,
		m.SessionHalted,
		m.NetProfit,
		m.FanoutDropsTotal,
		m.FanoutSaturationPct,
		m.RedisPublishDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.WSClients,
		m.NotificationsTotal,
	)
	return m
}

// ObserveSaturation records the fill percentage of each fan-out subscriber.
func (m *Metrics) ObserveSaturation(stats []bus.ChannelStat, name func(idx int) string) {
	for i, s := range stats {
		if s.Cap > 0 {
			m.FanoutSaturationPct.WithLabelValues(name(i)).Set(float64(s.Len) / float64(s.Cap) * 100)
		}
	}
}

// HealthStatus represents the daemon's dependency health.
type HealthStatus struct {
	mu sync.RWMutex

	BrokerConnected bool      `json:"broker_connected"`
	Symbol          string    `json:"symbol"`
	LastTickTime    time.Time `json:"last_tick_time"`
	RedisEnabled    bool      `json:"redis_enabled"`
	RedisConnected  bool      `json:"redis_connected"`
	LedgerOK        bool      `json:"ledger_ok"`

	// Liveness probe results
	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	LedgerLatencyMs float64   `json:"ledger_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

func (h *HealthStatus) SetBrokerConnected(v bool) {
	h.mu.Lock()
	h.BrokerConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSymbol(s string) {
	h.mu.Lock()
	h.Symbol = s
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisEnabled(v bool) {
	h.mu.Lock()
	h.RedisEnabled = v
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency and connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckLedger pings the ledger database and records latency and health.
func (h *HealthStatus) CheckLedger(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.LedgerOK = err == nil
	h.LedgerLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks until ctx is done.
// Either dependency may be nil.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, db *sql.DB, interval time.Duration) {
	probe := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if rdb != nil {
			h.CheckRedis(probeCtx, rdb)
		}
		if db != nil {
			h.CheckLedger(probeCtx, db)
		}
	}
	probe()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probe()
			}
		}
	}()
}

// report is the /healthz body.
type report struct {
	Status          string  `json:"status"`
	Uptime          string  `json:"uptime"`
	Symbol          string  `json:"symbol"`
	BrokerConnected bool    `json:"broker_connected"`
	LastTickTime    string  `json:"last_tick_time"`
	TickAge         string  `json:"tick_age"`
	RedisEnabled    bool    `json:"redis_enabled"`
	RedisConnected  bool    `json:"redis_connected"`
	RedisLatencyMs  float64 `json:"redis_latency_ms"`
	LedgerOK        bool    `json:"ledger_ok"`
	LedgerLatencyMs float64 `json:"ledger_latency_ms"`
	LastCheckAt     string  `json:"last_check_at"`
}

// ServeHTTP handles the /healthz endpoint. The broker and the ledger are
// required; Redis only counts when it is enabled.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK

	if !h.BrokerConnected || (h.RedisEnabled && !h.RedisConnected) {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.LedgerOK {
		overallStatus = "unhealthy"
		httpCode = http.StatusServiceUnavailable
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	body := report{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Symbol:          h.Symbol,
		BrokerConnected: h.BrokerConnected,
		LastTickTime:    h.LastTickTime.Format(time.RFC3339),
		TickAge:         tickAge,
		RedisEnabled:    h.RedisEnabled,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		LedgerOK:        h.LedgerOK,
		LedgerLatencyMs: h.LedgerLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(body)
}

// Handler serves the registry in Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  zerolog.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, g prometheus.Gatherer, health *HealthStatus, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.Handle("/healthz", health)

	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log:  log.With().Str("component", "metrics").Logger(),
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info().Str("addr", s.addr).Msg("metrics server listening")
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
