// Package memory provides a bounded in-process publisher that keeps the most
// recent resolution notifications. It backs tests and local debugging; the
// server only publishes through Pub/Sub.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultCapacity bounds retained messages when New is given a non-positive size.
const DefaultCapacity = 256

// Publisher retains the last capacity messages in a ring.
type Publisher struct {
	mu       sync.RWMutex
	ring     []PublishedMessage
	next     int
	total    int
	capacity int
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// New returns a Publisher that keeps at most capacity messages.
func New(capacity int) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Publisher{capacity: capacity}
}

// Publish records the message, evicting the oldest once full.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total++
	msg := PublishedMessage{ID: fmt.Sprintf("memory-%d", p.total), Topic: topic, Payload: payload}
	if len(p.ring) < p.capacity {
		p.ring = append(p.ring, msg)
	} else {
		p.ring[p.next] = msg
	}
	p.next = (p.next + 1) % p.capacity
	return msg.ID, nil
}

// Messages returns the retained messages, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, 0, len(p.ring))
	if len(p.ring) < p.capacity {
		return append(out, p.ring...)
	}
	out = append(out, p.ring[p.next:]...)
	return append(out, p.ring[:p.next]...)
}

// Total counts every publish, including evicted ones.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}
