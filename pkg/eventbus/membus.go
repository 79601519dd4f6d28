package eventbus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Bus for tests and single-node deployments. It
// keeps a per-topic log and fans records out to subscribers; a full
// subscriber channel exerts backpressure on Send.
type MemoryBus struct {
	mu   sync.Mutex
	logs map[string][]Record
	subs map[string][]chan Record
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		logs: make(map[string][]Record),
		subs: make(map[string][]chan Record),
	}
}

// Send appends rec to the topic log and delivers it to every subscriber.
func (b *MemoryBus) Send(ctx context.Context, rec Record) error {
	stored := rec
	stored.Headers = rec.Headers.Clone()

	b.mu.Lock()
	b.logs[rec.Topic] = append(b.logs[rec.Topic], stored)
	subs := append([]chan Record(nil), b.subs[rec.Topic]...)
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- stored:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe returns a channel receiving every future record on topic.
func (b *MemoryBus) Subscribe(topic string, buffer int) <-chan Record {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Record, buffer)
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()
	return ch
}

// Records returns a copy of the topic log.
func (b *MemoryBus) Records(topic string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Record(nil), b.logs[topic]...)
}
