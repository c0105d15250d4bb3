package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// Broadcaster builds envelopes and fans them out to subscribed clients.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Broadcast wraps data in an envelope
//
//	{"channel":..,"symbol":..,"data":..,"ts":..,"seq":..,"channel_seq":..}
//
// records it for replay and sends it to every client subscribed to channel.
// Slow clients miss messages rather than block the hub.
func (b *Broadcaster) Broadcast(channel, symbol string, data []byte) {
	now := time.Now().UTC()
	h := b.hub

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.seq++
	seq := h.seq
	rb, ok := h.replayBufs[channel]
	if !ok {
		rb = NewReplayBuffer(replayCapacity)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := appendEnvelope(make([]byte, 0, len(channel)+len(symbol)+len(data)+160),
		channel, symbol, data, now, seq, channelSeq, false)
	rb.Push(channelSeq, buf)

	h.mu.Lock()
	if retained[channel] {
		h.latest[channel] = latestEntry{Symbol: symbol, Data: data, TS: now, Seq: seq, ChannelSeq: channelSeq}
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.subscribed(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
}

// appendEnvelope encodes the envelope by hand; data is already JSON.
func appendEnvelope(buf []byte, channel, symbol string, data []byte, ts time.Time, seq, channelSeq int64, initial bool) []byte {
	sym, _ := json.Marshal(symbol)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","symbol":`...)
	buf = append(buf, sym...)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = ts.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	if initial {
		buf = append(buf, `,"initial":true`...)
	}
	return append(buf, '}')
}
