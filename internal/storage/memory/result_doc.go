// Package memory keeps solver state in process memory for tests and
// ephemeral runs.
package memory

import (
	"context"
	"sync"
)

// Persister holds the last saved result document in memory.
type Persister struct {
	mu    sync.RWMutex
	data  []byte
	saves int
}

// NewPersister returns an empty persister.
func NewPersister() *Persister {
	return &Persister{}
}

// Load returns a copy of the last saved document, or nil.
func (p *Persister) Load(context.Context) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.data == nil {
		return nil, nil
	}
	return append([]byte(nil), p.data...), nil
}

// Save replaces the document.
func (p *Persister) Save(_ context.Context, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data = append([]byte(nil), data...)
	p.saves++
	return nil
}

// Saves reports how many times Save was called.
func (p *Persister) Saves() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.saves
}
