package statesync

import "sync"

// Event carries a durable-storage change originating in some execution
// context: the logical key and the full new raw value. Origin identifies the
// publishing engine so it can skip its own echoes; buses that cannot know the
// origin (file watchers) leave it empty and rely on content comparison.
type Event struct {
	Key    string
	Value  []byte
	Origin string
}

// ChangeBus delivers durable-storage change events between execution
// contexts sharing the same mirror.
type ChangeBus interface {
	Publish(event Event)
	Subscribe(handler func(Event)) (cancel func())
}

// MemoryBus fans events out to in-process subscribers, synchronously and in
// publish order. It serves tests and multiple engines hosted in one process.
type MemoryBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: map[int]func(Event){}}
}

func (b *MemoryBus) Publish(event Event) {
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, handler := range b.subs {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}

func (b *MemoryBus) Subscribe(handler func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}
