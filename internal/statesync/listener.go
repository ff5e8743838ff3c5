package statesync

// handleExternalChange merges a durable-storage change made by a sibling
// execution context. The same gates as hydration apply: local pending state
// wins and is re-pushed, the acceptance policy arbitrates the rest. An
// accepted change is already durable in both the shared mirror and (per its
// metadata) the remote, so it updates the slot without triggering a save.
func (s *Syncer[T]) handleExternalChange(event Event) {
	if event.Origin != "" && event.Origin == s.origin {
		return
	}
	slot, ok := s.registry.Load(event.Key)
	if !ok {
		return
	}

	slot.mu.Lock()
	if s.equalRaw(slot, event.Value) {
		slot.mu.Unlock()
		return
	}
	if slot.pending {
		s.logf("external change on %s deferred: local state pending, re-pushing", event.Key)
		s.repushLocked(slot)
		slot.mu.Unlock()
		return
	}
	// The originating context stamped the shared metadata; only a fully
	// synced state may replace local data without a round-trip.
	meta, ok := s.mirror.ReadMeta(event.Key)
	if !ok || meta.Pending() {
		slot.mu.Unlock()
		return
	}
	incoming, err := s.codec.Decode(event.Value)
	if err != nil {
		s.logf("external change on %s undecodable, ignoring: %v", event.Key, err)
		slot.mu.Unlock()
		return
	}
	if !s.policy.Accept(incoming, slot.value) {
		s.logf("external change on %s rejected by acceptance policy, re-pushing local", event.Key)
		s.repushLocked(slot)
		slot.mu.Unlock()
		return
	}

	slot.value = incoming
	slot.pending = false
	subscribers := slot.subscriberList()
	slot.mu.Unlock()

	for _, fn := range subscribers {
		fn(incoming)
	}
}
