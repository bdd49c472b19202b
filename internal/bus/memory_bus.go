package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type Message struct {
	Channel string
	Payload []byte
}

// MemoryBus is an in-process broadcast bus. Like Redis pub/sub it drops
// messages for channels nobody is subscribed to. It also records every
// publish so tests can inspect them.
type MemoryBus struct {
	mu        sync.RWMutex
	nextID    int
	handlers  map[string]map[int]Handler
	published []Message
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{handlers: make(map[string]map[int]Handler)}
}

func (b *MemoryBus) Publish(_ context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", channel, err)
	}

	b.mu.Lock()
	b.published = append(b.published, Message{Channel: channel, Payload: raw})
	handlers := make([]Handler, 0, len(b.handlers[channel]))
	for _, h := range b.handlers[channel] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(channel, raw)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, h Handler, channels ...string) error {
	if h == nil {
		return fmt.Errorf("handler required")
	}
	if len(channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}

	b.mu.Lock()
	b.nextID++
	subID := b.nextID
	for _, ch := range channels {
		if b.handlers[ch] == nil {
			b.handlers[ch] = make(map[int]Handler)
		}
		b.handlers[ch][subID] = h
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, ch := range channels {
			delete(b.handlers[ch], subID)
			if len(b.handlers[ch]) == 0 {
				delete(b.handlers, ch)
			}
		}
	}()
	return nil
}

// Published returns a copy of every message published so far.
func (b *MemoryBus) Published() []Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Message(nil), b.published...)
}
