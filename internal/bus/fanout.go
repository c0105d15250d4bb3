package bus

import "sync"

// FanOut broadcasts values from one producer to N subscriber channels.
// If a subscriber channel is full the value is dropped for that subscriber,
// so a slow consumer never blocks the producer.
type FanOut[T any] struct {
	mu      sync.RWMutex
	outputs []chan T
	bufSize int
	closed  bool

	// OnDrop is called when a value is dropped for a subscriber.
	// subscriberIdx is the 0-based index of the slow consumer.
	OnDrop func(subscriberIdx int)
}

// New creates a FanOut with the given buffer size for output channels.
func New[T any](outputBufferSize int) *FanOut[T] {
	return &FanOut[T]{bufSize: outputBufferSize}
}

// Subscribe creates and returns a new output channel. Subscribing after
// Close returns a closed channel.
func (f *FanOut[T]) Subscribe() <-chan T {
	ch := make(chan T, f.bufSize)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch
	}
	f.outputs = append(f.outputs, ch)
	return ch
}

// Publish delivers v to every subscriber without blocking.
// It returns the number of subscribers that received it.
func (f *FanOut[T]) Publish(v T) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return 0
	}
	delivered := 0
	for i, ch := range f.outputs {
		select {
		case ch <- v:
			delivered++
		default:
			if f.OnDrop != nil {
				f.OnDrop(i)
			}
		}
	}
	return delivered
}

// Close closes every subscriber channel. Further publishes are no-ops.
func (f *FanOut[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, ch := range f.outputs {
		close(ch)
	}
}

// ChannelStat reports (length, capacity) of one subscriber channel,
// used for saturation reporting.
type ChannelStat struct {
	Len int
	Cap int
}

// ChannelStats returns one entry per subscriber, in subscription order.
func (f *FanOut[T]) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, ch := range f.outputs {
		stats[i] = ChannelStat{Len: len(ch), Cap: cap(ch)}
	}
	return stats
}
