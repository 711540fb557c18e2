package bus

import (
	"context"
	"sync"
)

// LocalOnlyBus delivers envelopes to subscribers of this process only.
type LocalOnlyBus struct {
	mu       sync.RWMutex
	handlers []Handler
	closed   bool
}

func NewLocalOnlyBus() *LocalOnlyBus {
	return &LocalOnlyBus{}
}

func (b *LocalOnlyBus) Publish(_ context.Context, env Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, h := range b.handlers {
		h(env)
	}
	return nil
}

func (b *LocalOnlyBus) Subscribe(_ context.Context, h Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	b.handlers = append(b.handlers, h)
	return nil
}

func (b *LocalOnlyBus) Shared() bool { return false }

func (b *LocalOnlyBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = nil
	return nil
}
