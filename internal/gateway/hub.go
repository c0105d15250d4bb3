// Package gateway serves engine events to browser clients over a websocket
// and exposes the session controls as a small JSON API.
package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tradesignal/internal/engine"
)

const (
	replayCapacity  = 500
	latencySamples  = 10_000
	clientSendQueue = 256
)

// retained lists the channels whose newest envelope is replayed to a client
// on connect.
var retained = map[string]bool{
	string(engine.EventSignal):     true,
	string(engine.EventSession):    true,
	string(engine.EventInstrument): true,
}

// Hub tracks websocket clients and fans engine events out to them. Every
// channel (one per event kind) carries its own sequence so a client can
// detect gaps and backfill them from the replay buffers.
type Hub struct {
	log zerolog.Logger

	mu          sync.RWMutex
	clients     map[*Client]struct{}
	latest      map[string]latestEntry
	seq         int64
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer

	// Latency holds event-time to fan-out delays.
	Latency *LatencyTracker

	broadcaster *Broadcaster

	// OnClients reports the connected client count (set before serving).
	OnClients func(n int)
}

type latestEntry struct {
	Symbol     string
	Data       []byte
	TS         time.Time
	Seq        int64
	ChannelSeq int64
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	h := &Hub{
		log:         log.With().Str("component", "gateway").Logger(),
		clients:     make(map[*Client]struct{}),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		Latency:     NewLatencyTracker(latencySamples),
	}
	h.broadcaster = NewBroadcaster(h)
	return h
}

// Run broadcasts events until ctx is cancelled or events is closed.
func (h *Hub) Run(ctx context.Context, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Publish(ev)
		}
	}
}

// Publish broadcasts one engine event on the channel named after its kind.
func (h *Hub) Publish(ev engine.Event) {
	data, err := json.Marshal(ev.Data)
	if err != nil {
		h.log.Warn().Err(err).Str("type", string(ev.Kind)).Msg("encode event")
		return
	}
	if !ev.At.IsZero() {
		if ms := float64(time.Since(ev.At).Microseconds()) / 1000.0; ms >= 0 {
			h.Latency.Record(ms)
		}
	}
	h.broadcaster.Broadcast(string(ev.Kind), ev.Symbol, data)
}

// HandleWSRequest registers an upgraded connection. When lastTS (RFC3339)
// is set, retained envelopes at or before it are not resent.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastTS string) {
	client := newClient(h, conn)
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.clientsChanged(count)
	h.log.Info().Int("clients", count).Msg("ws client connected")

	client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

// RemoveClient unregisters c and closes its send queue. Safe to call twice.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	count := len(h.clients)
	h.mu.Unlock()
	h.clientsChanged(count)
	h.log.Info().Int("clients", count).Msg("ws client disconnected")
}

func (h *Hub) clientsChanged(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetReplayRange returns the buffered envelopes of channel with channel_seq
// in [fromSeq, toSeq].
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) [][]byte {
	h.mu.RLock()
	rb, ok := h.replayBufs[channel]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	entries := rb.Range(fromSeq, toSeq)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// GetChannelSeq returns the last sequence number sent on channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// StartMetricsBroadcast pushes a SystemMetrics envelope to every client
// each interval until ctx is cancelled.
func (h *Hub) StartMetricsBroadcast(ctx context.Context, start time.Time, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m := h.Stats(start)
			envelope, err := json.Marshal(map[string]interface{}{
				"type":    "metrics",
				"metrics": m,
			})
			if err != nil {
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				select {
				case client.send <- envelope:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Stats collects process metrics plus the hub's client count and latency.
func (h *Hub) Stats(start time.Time) SystemMetrics {
	m := CollectMetrics(start)
	m.WSClients = h.ClientCount()
	m.LatencyP50, m.LatencyP95, m.LatencyP99 = h.Latency.Percentiles()
	return m
}
