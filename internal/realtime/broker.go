package realtime

import (
	"context"
	"sync"

	"tickethub.org/internal/ids"
)

const defaultBufferSize = 64

// Broker is an in-memory Source that fan-outs published events to every
// subscriber of a channel. It backs tests and demo mode; production uses the
// redis source.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan ChangeEvent
	next   int
	buffer int
	closed bool
}

// BrokerOption configures the broker.
type BrokerOption func(*Broker)

// WithBuffer sets the per-subscriber mailbox size. A subscriber whose mailbox
// is full misses events and must recover by refetching.
func WithBuffer(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewBroker initialises an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		subs:   make(map[string]map[int]chan ChangeEvent),
		buffer: defaultBufferSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber on the named channel. The returned channel
// is closed when ctx ends or the broker shuts down.
func (b *Broker) Subscribe(ctx context.Context, channel string) (<-chan ChangeEvent, error) {
	ch := make(chan ChangeEvent, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.next
	b.next++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]chan ChangeEvent)
	}
	b.subs[channel][id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if subs := b.subs[channel]; subs != nil {
			if _, ok := subs[id]; ok {
				delete(subs, id)
				close(ch)
			}
			if len(subs) == 0 {
				delete(b.subs, channel)
			}
		}
		b.mu.Unlock()
	}()

	return ch, nil
}

// Publish fan-outs the event to all subscribers of the channel. Events get an
// id when the publisher did not set one.
func (b *Broker) Publish(channel string, evt ChangeEvent) {
	if evt.ID == "" {
		evt.ID = ids.New()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking the publisher.
		}
	}
}

// Close shuts the broker down, closing every subscriber channel.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for channel, subs := range b.subs {
		for id, ch := range subs {
			delete(subs, id)
			close(ch)
		}
		delete(b.subs, channel)
	}
}

var _ Source = (*Broker)(nil)
