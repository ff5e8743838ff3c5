// Package statesync keeps keyed application state simultaneously available
// in three tiers: the in-memory slot registry, a durable local mirror, and a
// remote persistence service. It tolerates out-of-order completion of reads
// and writes across the tiers and merges changes from sibling execution
// contexts sharing the mirror. The one promise it never breaks: a local
// write that has not been acknowledged remotely is never silently replaced
// by slower, older, or rejected external data.
package statesync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaystate/internal/mirror"
)

type Logger interface {
	Printf(format string, args ...any)
}

// Mirror is the durable local tier. Implementations absorb their own I/O
// failures: a read that cannot be served reports "no value" and a write
// degrades to a no-op, since the mirror is a best-effort cache.
type Mirror interface {
	Read(key string) ([]byte, bool)
	Write(key string, data []byte)
	Remove(key string)
	ReadMeta(key string) (mirror.Metadata, bool)
	WriteMeta(key string, meta mirror.Metadata)
	RemoveMeta(key string)
	Keys() []string
}

// RemoteClient is the remote persistence tier. FetchValue reports ok ==
// false for both "confirmed absent" and "unreachable"; the engine treats
// them identically and prefers local data over guessing.
type RemoteClient interface {
	FetchValue(ctx context.Context, key string) ([]byte, bool)
	SaveValue(ctx context.Context, key string, value []byte) error
	RemoveValue(ctx context.Context, key string)
}

type Options[T any] struct {
	Mirror Mirror
	Remote RemoteClient
	Codec  Codec[T]
	Policy AcceptancePolicy[T]
	Bus    ChangeBus
	Logger Logger
	Now    func() time.Time
}

// Syncer is the per-keyspace synchronization controller. One instance owns
// every slot of its keyspace within one execution context; construct it
// explicitly and inject it where needed.
type Syncer[T any] struct {
	mirror   Mirror
	remote   RemoteClient
	codec    Codec[T]
	policy   AcceptancePolicy[T]
	bus      ChangeBus
	logger   Logger
	now      func() time.Time
	origin   string
	registry *Registry[T]

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
}

func NewSyncer[T any](opts Options[T]) (*Syncer[T], error) {
	if opts.Mirror == nil {
		return nil, errors.New("mirror is required")
	}
	if opts.Remote == nil {
		return nil, errors.New("remote client is required")
	}
	codec := opts.Codec
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	policy := opts.Policy
	if policy == nil {
		policy = AcceptAll[T]()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Syncer[T]{
		mirror:   opts.Mirror,
		remote:   opts.Remote,
		codec:    codec,
		policy:   policy,
		bus:      opts.Bus,
		logger:   opts.Logger,
		now:      now,
		origin:   uuid.NewString(),
		registry: NewRegistry[T](),
		ctx:      ctx,
		cancel:   cancel,
	}
	if s.bus != nil {
		s.unsubscribe = s.bus.Subscribe(s.handleExternalChange)
	}
	return s, nil
}

// Close stops the bus subscription and waits for in-flight hydrations and
// saves to settle. Slots stay readable afterwards but no new remote traffic
// is issued.
func (s *Syncer[T]) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.cancel()
	s.wg.Wait()
}

// Flush waits for currently outstanding hydration and save operations.
func (s *Syncer[T]) Flush() {
	s.wg.Wait()
}

// Bind attaches to the slot for key, creating and seeding it on first use.
// defaultValue supplies the initial value when neither the mirror nor the
// remote has one; nil means the zero value. Bind never blocks on I/O beyond
// the synchronous mirror read: the remote hydration runs in the background
// and the returned binding is usable immediately.
func (s *Syncer[T]) Bind(key string, defaultValue func() T) *Binding[T] {
	slot, created := s.registry.LoadOrCreate(key)
	if created {
		s.seed(slot, defaultValue)
	}
	return &Binding[T]{syncer: s, slot: slot}
}

func (s *Syncer[T]) seed(slot *Slot[T], defaultValue func() T) {
	slot.mu.Lock()
	meta, hasMeta := s.mirror.ReadMeta(slot.key)
	pending := hasMeta && meta.Pending()
	slot.pending = pending

	hadMirror := false
	if raw, ok := s.mirror.Read(slot.key); ok {
		if value, err := s.codec.Decode(raw); err == nil {
			slot.value = value
			hadMirror = true
		} else {
			s.logf("seed %s: mirrored value undecodable, using default: %v", slot.key, err)
		}
	}
	if !hadMirror {
		if defaultValue != nil {
			slot.value = defaultValue()
		}
		// Persist the default right away so a reload before the first
		// write still finds something in the mirror.
		if raw, err := s.codec.Encode(slot.value); err == nil {
			s.mirror.Write(slot.key, raw)
		} else {
			s.logf("seed %s: default not encodable: %v", slot.key, err)
		}
	}
	startRevision := slot.revision
	slot.mu.Unlock()

	s.wg.Add(1)
	go s.hydrate(slot, pending, hadMirror, startRevision)
}

// hydrate resolves the async remote fetch against whatever happened to the
// slot in the meantime. Acceptance order: a later local write always wins;
// unconfirmed pending state suppresses any fetched value and re-pushes; the
// acceptance policy arbitrates the rest.
func (s *Syncer[T]) hydrate(slot *Slot[T], pendingAtStart, hadMirror bool, startRevision int64) {
	defer s.wg.Done()

	raw, fetched := s.remote.FetchValue(s.ctx, slot.key)

	slot.mu.Lock()
	if slot.hasLocalWrite && slot.revision > startRevision {
		slot.mu.Unlock()
		return
	}

	if pendingAtStart {
		// The mirror holds edits the remote never acknowledged. Whatever
		// the fetch returned, adopting it would drop those edits.
		if fetched {
			s.logf("hydrate %s: pending local state, ignoring fetched value", slot.key)
		}
		s.repushLocked(slot)
		slot.mu.Unlock()
		return
	}

	if !fetched {
		if hadMirror {
			slot.mu.Unlock()
			return
		}
		// Nothing anywhere: the default seeded at bind time becomes the
		// value of record and is pushed like a local write.
		s.repushLocked(slot)
		slot.mu.Unlock()
		return
	}

	incoming, err := s.codec.Decode(raw)
	if err != nil {
		s.logf("hydrate %s: fetched value undecodable, keeping local: %v", slot.key, err)
		slot.mu.Unlock()
		return
	}
	if !s.policy.Accept(incoming, slot.value) {
		s.logf("hydrate %s: acceptance policy rejected fetched value, re-pushing local", slot.key)
		s.repushLocked(slot)
		slot.mu.Unlock()
		return
	}

	slot.value = incoming
	slot.pending = false
	nowMillis := s.now().UnixMilli()
	s.mirror.Write(slot.key, raw)
	s.mirror.WriteMeta(slot.key, mirror.Metadata{LastUpdatedAt: nowMillis, LastSyncedAt: &nowMillis})
	subscribers := slot.subscriberList()
	value := slot.value
	slot.mu.Unlock()

	for _, fn := range subscribers {
		fn(value)
	}
	s.publish(slot.key, raw)
}

// update is the synchronous local write path. Serialization failure is the
// only error surfaced to the caller; the slot keeps its prior value in that
// case. Everything else (mirror write, remote save) is absorbed.
func (s *Syncer[T]) update(slot *Slot[T], apply func(T) T) error {
	slot.mu.Lock()
	next := apply(slot.value)
	raw, err := s.codec.Encode(next)
	if err != nil {
		slot.mu.Unlock()
		return fmt.Errorf("encode %s: %w", slot.key, err)
	}
	slot.revision++
	slot.hasLocalWrite = true
	slot.value = next

	nowMillis := s.now().UnixMilli()
	var previousSyncedAt *int64
	if meta, ok := s.mirror.ReadMeta(slot.key); ok {
		previousSyncedAt = meta.LastSyncedAt
	}
	s.mirror.Write(slot.key, raw)
	s.mirror.WriteMeta(slot.key, mirror.Metadata{LastUpdatedAt: nowMillis, LastSyncedAt: previousSyncedAt})
	slot.pending = true
	s.scheduleSave(slot, raw, nowMillis)

	subscribers := slot.subscriberList()
	slot.mu.Unlock()

	for _, fn := range subscribers {
		fn(next)
	}
	s.publish(slot.key, raw)
	return nil
}

// repushLocked re-asserts the current local value against the remote: stamp
// the metadata pending and issue a save. Callers hold slot.mu.
func (s *Syncer[T]) repushLocked(slot *Slot[T]) {
	raw, err := s.codec.Encode(slot.value)
	if err != nil {
		s.logf("repush %s: value not encodable: %v", slot.key, err)
		return
	}
	nowMillis := s.now().UnixMilli()
	var previousSyncedAt *int64
	if meta, ok := s.mirror.ReadMeta(slot.key); ok {
		previousSyncedAt = meta.LastSyncedAt
	}
	s.mirror.Write(slot.key, raw)
	s.mirror.WriteMeta(slot.key, mirror.Metadata{LastUpdatedAt: nowMillis, LastSyncedAt: previousSyncedAt})
	slot.pending = true
	s.scheduleSave(slot, raw, nowMillis)
}

// scheduleSave pushes raw to the remote in the background. The slot leaves
// pending state only if no newer local write stamped the metadata while the
// save was in flight; a stale acknowledgment is discarded and the newer
// write's own save clears pending instead. A failed save stays pending and
// is retried piggybacked on the next write to the key.
func (s *Syncer[T]) scheduleSave(slot *Slot[T], raw []byte, updatedAt int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.remote.SaveValue(s.ctx, slot.key, raw); err != nil {
			s.logf("save %s failed, slot stays pending until next write: %v", slot.key, err)
			return
		}
		slot.mu.Lock()
		meta, ok := s.mirror.ReadMeta(slot.key)
		if !ok || meta.LastUpdatedAt > updatedAt {
			slot.mu.Unlock()
			return
		}
		syncedAt := meta.LastUpdatedAt
		s.mirror.WriteMeta(slot.key, mirror.Metadata{LastUpdatedAt: meta.LastUpdatedAt, LastSyncedAt: &syncedAt})
		slot.pending = false
		slot.mu.Unlock()
		// Re-announce now that the metadata reads as fully synced, so
		// sibling contexts that deferred on the pending stamp re-check.
		s.publish(slot.key, raw)
	}()
}

// ClearKey removes the slot, its mirror record, and its metadata, and asks
// the remote to forget the key. Safe to call for unknown keys.
func (s *Syncer[T]) ClearKey(ctx context.Context, key string) {
	s.registry.Delete(key)
	s.mirror.Remove(key)
	s.mirror.RemoveMeta(key)
	s.remote.RemoveValue(ctx, key)
}

// Clear removes every known key: active slots plus whatever the mirror still
// holds, so orphaned records from earlier sessions are purged too.
func (s *Syncer[T]) Clear(ctx context.Context) {
	seen := map[string]struct{}{}
	for _, key := range s.registry.Keys() {
		seen[key] = struct{}{}
	}
	for _, key := range s.mirror.Keys() {
		seen[key] = struct{}{}
	}
	for key := range seen {
		s.ClearKey(ctx, key)
	}
}

func (s *Syncer[T]) publish(key string, raw []byte) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(Event{Key: key, Value: raw, Origin: s.origin})
}

func (s *Syncer[T]) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}

// Binding is a handle on one slot: the reactive contract is Get plus
// Update/UpdateFunc, with Subscribe for change fan-out. All bindings for a
// key share the slot, so every binding observes writes in program order.
type Binding[T any] struct {
	syncer *Syncer[T]
	slot   *Slot[T]
}

func (b *Binding[T]) Key() string {
	return b.slot.key
}

func (b *Binding[T]) Get() T {
	b.slot.mu.Lock()
	defer b.slot.mu.Unlock()
	return b.slot.value
}

func (b *Binding[T]) Update(value T) error {
	return b.syncer.update(b.slot, func(T) T { return value })
}

func (b *Binding[T]) UpdateFunc(apply func(current T) T) error {
	return b.syncer.update(b.slot, apply)
}

func (b *Binding[T]) Subscribe(fn func(T)) (cancel func()) {
	b.slot.mu.Lock()
	id := b.slot.nextSubID
	b.slot.nextSubID++
	b.slot.subscribers[id] = fn
	b.slot.mu.Unlock()
	return func() {
		b.slot.mu.Lock()
		delete(b.slot.subscribers, id)
		b.slot.mu.Unlock()
	}
}

// equalRaw reports whether an incoming raw value is byte-identical to the
// slot's current encoded value. Used to drop echoes of our own writes coming
// back through origin-less buses.
func (s *Syncer[T]) equalRaw(slot *Slot[T], raw []byte) bool {
	current, err := s.codec.Encode(slot.value)
	if err != nil {
		return false
	}
	return bytes.Equal(current, raw)
}
