package statesync

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Slot is the in-memory record for one key: the current value, a revision
// counter bumped on every local write, and the bookkeeping flags the
// controller uses to gate hydration and external changes. The controller is
// the only mutator; all mutation happens under the slot's own mutex.
type Slot[T any] struct {
	key string

	mu            sync.Mutex
	value         T
	revision      int64
	hasLocalWrite bool
	pending       bool
	nextSubID     int
	subscribers   map[int]func(T)
}

func (s *Slot[T]) Key() string {
	return s.key
}

// subscriberList snapshots the fan-out targets. Callers hold s.mu and invoke
// the returned functions after unlocking so a subscriber can safely re-enter
// the slot.
func (s *Slot[T]) subscriberList() []func(T) {
	if len(s.subscribers) == 0 {
		return nil
	}
	subs := make([]func(T), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	return subs
}

// Registry is the authoritative map from key to slot within one execution
// context. Slots are created lazily and shared by every binding for the key.
type Registry[T any] struct {
	slots *xsync.MapOf[string, *Slot[T]]
}

func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{slots: xsync.NewMapOf[string, *Slot[T]]()}
}

func (r *Registry[T]) Load(key string) (*Slot[T], bool) {
	return r.slots.Load(key)
}

// LoadOrCreate returns the slot for key, creating it when absent. The second
// result reports whether this call created the slot.
func (r *Registry[T]) LoadOrCreate(key string) (*Slot[T], bool) {
	slot, loaded := r.slots.LoadOrCompute(key, func() *Slot[T] {
		return &Slot[T]{key: key, subscribers: map[int]func(T){}}
	})
	return slot, !loaded
}

func (r *Registry[T]) Delete(key string) {
	r.slots.Delete(key)
}

func (r *Registry[T]) Keys() []string {
	keys := make([]string, 0, r.slots.Size())
	r.slots.Range(func(key string, _ *Slot[T]) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}
