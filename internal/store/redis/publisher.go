// Package redis mirrors engine events into Redis for out-of-process readers:
// every event is PUBLISHed on a per-kind channel, the newest signal and
// session state are kept under "latest" keys, and trades and settlements are
// appended to a capped stream.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"tradesignal/internal/engine"
)

const (
	defaultPrefix       = "signald"
	defaultLatestTTL    = 30 * time.Minute
	defaultStreamMaxLen = 10_000
	defaultMaxBuffer    = 10_000
)

// Commander is the subset of the go-redis client the publisher writes with.
type Commander interface {
	Publish(ctx context.Context, channel string, message interface{}) *goredis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *goredis.StatusCmd
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// Options configures the connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Connect opens a client and pings the server.
func Connect(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}

// Keys builds the channel, key and stream names under one prefix.
type Keys struct {
	Prefix string
}

func (k Keys) prefix() string {
	if k.Prefix == "" {
		return defaultPrefix
	}
	return k.Prefix
}

// Channel is the pub/sub channel for events of kind on symbol.
func (k Keys) Channel(kind engine.EventKind, symbol string) string {
	return k.prefix() + ":" + string(kind) + ":" + symbol
}

// Pattern matches every channel for symbol, or every symbol when empty.
func (k Keys) Pattern(symbol string) string {
	if symbol == "" {
		symbol = "*"
	}
	return k.prefix() + ":*:" + symbol
}

// Latest is the key holding the newest event of kind on symbol.
func (k Keys) Latest(kind engine.EventKind, symbol string) string {
	return k.prefix() + ":latest:" + string(kind) + ":" + symbol
}

// Trades is the stream of trade and settlement events for symbol.
func (k Keys) Trades(symbol string) string {
	return k.prefix() + ":trades:" + symbol
}

// Config tunes a Publisher.
type Config struct {
	Keys
	LatestTTL    time.Duration
	StreamMaxLen int64
	MaxBuffer    int  // events held while the breaker is open
	PublishTicks bool // ticks are high volume and skipped unless set
}

// Publisher writes engine events through a circuit breaker. While the
// breaker is open events are buffered, oldest dropped first, and replayed
// when it closes.
type Publisher struct {
	rdb Commander
	cb  *CircuitBreaker
	cfg Config
	log zerolog.Logger

	mu     sync.Mutex
	buffer []engine.Event

	// Optional hooks (set before Run)
	OnPublish func(took time.Duration)
	OnBuffer  func()
	OnFlush   func(count int)
}

// NewPublisher wires a publisher to rdb and chains a flush onto cb's state
// changes.
func NewPublisher(rdb Commander, cb *CircuitBreaker, cfg Config, log zerolog.Logger) *Publisher {
	if cfg.LatestTTL <= 0 {
		cfg.LatestTTL = defaultLatestTTL
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamMaxLen
	}
	if cfg.MaxBuffer <= 0 {
		cfg.MaxBuffer = defaultMaxBuffer
	}
	p := &Publisher{
		rdb: rdb,
		cb:  cb,
		cfg: cfg,
		log: log.With().Str("component", "redis").Logger(),
	}
	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go p.flush()
		}
	}
	return p
}

// Run publishes events until ctx is cancelled or events is closed.
func (p *Publisher) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := p.Publish(ctx, ev); err != nil {
				p.log.Warn().Err(err).Str("type", string(ev.Kind)).Msg("publish failed")
			}
		}
	}
}

// Publish writes one event. An open breaker buffers it and returns nil.
func (p *Publisher) Publish(ctx context.Context, ev engine.Event) error {
	if ev.Kind == engine.EventTick && !p.cfg.PublishTicks {
		return nil
	}
	err := p.cb.Execute(func() error { return p.write(ctx, ev) })
	if err == ErrCircuitOpen {
		p.hold(ev)
		return nil
	}
	return err
}

func (p *Publisher) write(ctx context.Context, ev engine.Event) error {
	payload := ev.JSON()
	if payload == nil {
		return fmt.Errorf("encode %s event", ev.Kind)
	}
	data := string(payload)
	start := time.Now()

	if err := p.rdb.Publish(ctx, p.cfg.Channel(ev.Kind, ev.Symbol), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Kind, err)
	}
	switch ev.Kind {
	case engine.EventSignal, engine.EventSession:
		if err := p.rdb.Set(ctx, p.cfg.Latest(ev.Kind, ev.Symbol), data, p.cfg.LatestTTL).Err(); err != nil {
			return fmt.Errorf("set latest %s: %w", ev.Kind, err)
		}
	case engine.EventTrade, engine.EventSettlement, engine.EventOrderUnconfirmed:
		err := p.rdb.XAdd(ctx, &goredis.XAddArgs{
			Stream: p.cfg.Trades(ev.Symbol),
			MaxLen: p.cfg.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"type": string(ev.Kind), "data": data},
		}).Err()
		if err != nil {
			return fmt.Errorf("xadd %s: %w", ev.Kind, err)
		}
	}
	if p.OnPublish != nil {
		p.OnPublish(time.Since(start))
	}
	return nil
}

func (p *Publisher) hold(ev engine.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= p.cfg.MaxBuffer {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, ev)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered events straight to Redis.
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	flushed := 0
	for _, ev := range pending {
		if err := p.write(ctx, ev); err != nil {
			p.log.Warn().Err(err).Int("remaining", len(pending)-flushed).Msg("flush interrupted")
			break
		}
		flushed++
	}
	p.log.Info().Int("count", flushed).Msg("flushed buffered events")
	if p.OnFlush != nil {
		p.OnFlush(flushed)
	}
}

// PendingCount returns how many events wait for the breaker to close.
func (p *Publisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
