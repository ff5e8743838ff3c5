package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relaystate/internal/mirror"
)

type item struct {
	ID string `json:"id"`
}

type fakeMirror struct {
	mu     sync.Mutex
	values map[string][]byte
	metas  map[string]mirror.Metadata
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{values: map[string][]byte{}, metas: map[string]mirror.Metadata{}}
}

func (m *fakeMirror) Read(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.values[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (m *fakeMirror) Write(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), data...)
}

func (m *fakeMirror) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
}

func (m *fakeMirror) ReadMeta(key string) (mirror.Metadata, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[key]
	return meta, ok
}

func (m *fakeMirror) WriteMeta(key string, meta mirror.Metadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metas[key] = meta
}

func (m *fakeMirror) RemoveMeta(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metas, key)
}

func (m *fakeMirror) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]struct{}{}
	for key := range m.values {
		seen[key] = struct{}{}
	}
	for key := range m.metas {
		seen[key] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	return keys
}

type fakeRemote struct {
	mu        sync.Mutex
	values    map[string][]byte
	fetchGate chan struct{}
	saveErr   error
	saves     []string
	removes   []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{values: map[string][]byte{}}
}

func (r *fakeRemote) FetchValue(ctx context.Context, key string) ([]byte, bool) {
	r.mu.Lock()
	gate := r.fetchGate
	r.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, false
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	data, ok := r.values[key]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

func (r *fakeRemote) SaveValue(ctx context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.values[key] = append([]byte(nil), value...)
	r.saves = append(r.saves, key+"="+string(value))
	return nil
}

func (r *fakeRemote) RemoveValue(ctx context.Context, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.values, key)
	r.removes = append(r.removes, key)
}

func (r *fakeRemote) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.saves)
}

func (r *fakeRemote) lastSave() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.saves) == 0 {
		return ""
	}
	return r.saves[len(r.saves)-1]
}

// testClock hands out strictly increasing millisecond timestamps.
func testClock() func() time.Time {
	var mu sync.Mutex
	base := time.UnixMilli(1_000_000)
	step := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		step++
		return base.Add(time.Duration(step) * time.Millisecond)
	}
}

func newTestSyncer(t *testing.T, m Mirror, r RemoteClient, bus ChangeBus) *Syncer[[]item] {
	t.Helper()
	s, err := NewSyncer(Options[[]item]{
		Mirror: m,
		Remote: r,
		Bus:    bus,
		Now:    testClock(),
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func mustEncode(t *testing.T, value []item) []byte {
	t.Helper()
	data, err := json.Marshal(value)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return data
}

func emptyDefault() []item {
	return []item{}
}

func TestBindSeedsDefaultAndPushesIt(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	s := newTestSyncer(t, m, r, nil)

	binding := s.Bind("todos", emptyDefault)
	if got := binding.Get(); got == nil || len(got) != 0 {
		t.Fatalf("expected empty default, got %v", got)
	}
	s.Flush()

	if data, ok := m.Read("todos"); !ok || string(data) != "[]" {
		t.Fatalf("expected mirror to hold [], got %q ok=%v", string(data), ok)
	}
	if r.saveCount() != 1 || r.lastSave() != "todos=[]" {
		t.Fatalf("expected one save of [], got %v", r.saves)
	}
	meta, ok := m.ReadMeta("todos")
	if !ok || meta.Pending() {
		t.Fatalf("expected metadata synced after acknowledged push, got %+v ok=%v", meta, ok)
	}
}

func TestHydrationAdoptsRemoteValueWhenClean(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	mirrored := mustEncode(t, []item{{ID: "x"}})
	m.Write("todos", mirrored)
	syncedAt := int64(500)
	m.WriteMeta("todos", mirror.Metadata{LastUpdatedAt: 500, LastSyncedAt: &syncedAt})
	r.values["todos"] = []byte("[]")
	gate := make(chan struct{})
	r.fetchGate = gate

	s := newTestSyncer(t, m, r, nil)
	binding := s.Bind("todos", emptyDefault)

	if got := binding.Get(); len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("expected optimistic mirror seed, got %v", got)
	}
	close(gate)
	s.Flush()

	if got := binding.Get(); len(got) != 0 {
		t.Fatalf("expected remote value adopted, got %v", got)
	}
	if data, _ := m.Read("todos"); string(data) != "[]" {
		t.Fatalf("expected mirror updated to remote value, got %q", string(data))
	}
	if r.saveCount() != 0 {
		t.Fatalf("adoption must not trigger a save, got %v", r.saves)
	}
	if meta, ok := m.ReadMeta("todos"); !ok || meta.Pending() {
		t.Fatalf("expected fully synced metadata, got %+v", meta)
	}
}

func TestPendingSyncSuppressesHydrationAndResubmits(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	mirrored := mustEncode(t, []item{{ID: "x"}})
	m.Write("todos", mirrored)
	m.WriteMeta("todos", mirror.Metadata{LastUpdatedAt: 500, LastSyncedAt: nil})
	r.values["todos"] = []byte("[]")

	s := newTestSyncer(t, m, r, nil)
	binding := s.Bind("todos", emptyDefault)
	s.Flush()

	if got := binding.Get(); len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("pending local state must survive hydration, got %v", got)
	}
	if r.saveCount() != 1 || r.lastSave() != `todos=[{"id":"x"}]` {
		t.Fatalf("expected resubmission of mirrored value, got %v", r.saves)
	}
}

func TestLocalWriteWinsOverInFlightHydration(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	gate := make(chan struct{})
	r.fetchGate = gate
	r.values["todos"] = mustEncode(t, []item{{ID: "b"}})

	s := newTestSyncer(t, m, r, nil)
	binding := s.Bind("todos", emptyDefault)

	if err := binding.Update([]item{{ID: "a"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	close(gate)
	s.Flush()

	if got := binding.Get(); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("in-flight hydration overwrote a newer local write: %v", got)
	}
	if data, _ := m.Read("todos"); string(data) != `[{"id":"a"}]` {
		t.Fatalf("mirror lost the local write: %q", string(data))
	}
}

func TestHydrationFailureFallsBackToMirror(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	m.Write("todos", mustEncode(t, []item{{ID: "x"}}))
	syncedAt := int64(500)
	m.WriteMeta("todos", mirror.Metadata{LastUpdatedAt: 500, LastSyncedAt: &syncedAt})

	s := newTestSyncer(t, m, r, nil)
	binding := s.Bind("todos", emptyDefault)
	s.Flush()

	if got := binding.Get(); len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("expected mirror fallback, got %v", got)
	}
	if r.saveCount() != 0 {
		t.Fatalf("synced mirror state must not be re-pushed, got %v", r.saves)
	}
}

func TestAcceptancePolicyRejectionRepushesLocal(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	m.Write("todos", mustEncode(t, []item{{ID: "x"}}))
	syncedAt := int64(500)
	m.WriteMeta("todos", mirror.Metadata{LastUpdatedAt: 500, LastSyncedAt: &syncedAt})
	r.values["todos"] = []byte("[]")

	s, err := NewSyncer(Options[[]item]{
		Mirror: m,
		Remote: r,
		Policy: RejectShrinking[item](),
		Now:    testClock(),
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	t.Cleanup(s.Close)

	binding := s.Bind("todos", emptyDefault)
	s.Flush()

	if got := binding.Get(); len(got) != 1 || got[0].ID != "x" {
		t.Fatalf("rejected hydration must keep local value, got %v", got)
	}
	if r.saveCount() != 1 || r.lastSave() != `todos=[{"id":"x"}]` {
		t.Fatalf("rejection must re-push local value, got %v", r.saves)
	}
}

type failingCodec struct{}

func (failingCodec) Encode(value []item) ([]byte, error) {
	for _, it := range value {
		if it.ID == "poison" {
			return nil, errors.New("unencodable value")
		}
	}
	return json.Marshal(value)
}

func (failingCodec) Decode(data []byte) ([]item, error) {
	var value []item
	err := json.Unmarshal(data, &value)
	return value, err
}

func TestEncodeFailureSurfacesAndKeepsPriorValue(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	s, err := NewSyncer(Options[[]item]{
		Mirror: m,
		Remote: r,
		Codec:  failingCodec{},
		Now:    testClock(),
	})
	if err != nil {
		t.Fatalf("new syncer failed: %v", err)
	}
	t.Cleanup(s.Close)

	binding := s.Bind("todos", emptyDefault)
	s.Flush()
	savesBefore := r.saveCount()

	if err := binding.Update([]item{{ID: "poison"}}); err == nil {
		t.Fatalf("expected encode failure to surface")
	}
	if got := binding.Get(); len(got) != 0 {
		t.Fatalf("failed write must keep prior value, got %v", got)
	}
	s.Flush()
	if r.saveCount() != savesBefore {
		t.Fatalf("failed write must not reach the remote, got %v", r.saves)
	}
}

func TestFailedSaveStaysPendingAndRetriesOnNextWrite(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	r.saveErr = errors.New("remote down")

	s := newTestSyncer(t, m, r, nil)
	binding := s.Bind("todos", emptyDefault)
	s.Flush()

	if err := binding.Update([]item{{ID: "a"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	s.Flush()
	if meta, ok := m.ReadMeta("todos"); !ok || !meta.Pending() {
		t.Fatalf("failed save must leave metadata pending, got %+v", meta)
	}

	r.mu.Lock()
	r.saveErr = nil
	r.mu.Unlock()
	if err := binding.Update([]item{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	s.Flush()

	if meta, ok := m.ReadMeta("todos"); !ok || meta.Pending() {
		t.Fatalf("acknowledged save must clear pending, got %+v", meta)
	}
	if r.lastSave() != `todos=[{"id":"a"},{"id":"b"}]` {
		t.Fatalf("expected retried state to carry the newest value, got %v", r.saves)
	}
}

func TestStaleSaveAckDoesNotClearNewerPendingWrite(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	s := newTestSyncer(t, m, r, nil)
	binding := s.Bind("todos", emptyDefault)
	s.Flush()

	if err := binding.Update([]item{{ID: "a"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if err := binding.Update([]item{{ID: "a"}, {ID: "b"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	s.Flush()

	meta, ok := m.ReadMeta("todos")
	if !ok || meta.Pending() {
		t.Fatalf("expected newest write acknowledged, got %+v", meta)
	}
	if meta.LastSyncedAt == nil || *meta.LastSyncedAt != meta.LastUpdatedAt {
		t.Fatalf("lastSyncedAt must match the newest write, got %+v", meta)
	}
}

func TestSubscribersObserveWritesSynchronously(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	s := newTestSyncer(t, m, r, nil)

	first := s.Bind("todos", emptyDefault)
	second := s.Bind("todos", emptyDefault)

	var observed [][]item
	cancel := second.Subscribe(func(value []item) {
		observed = append(observed, value)
	})
	defer cancel()

	if err := first.Update([]item{{ID: "a"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(observed) != 1 || len(observed[0]) != 1 || observed[0][0].ID != "a" {
		t.Fatalf("subscriber missed the write: %v", observed)
	}
	if got := second.Get(); len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("sibling binding out of sync: %v", got)
	}
}

func TestExternalSyncedChangeAdoptedWithoutSave(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	bus := NewMemoryBus()
	m.Write("todos", mustEncode(t, []item{{ID: "x"}}))
	syncedAt := int64(500)
	m.WriteMeta("todos", mirror.Metadata{LastUpdatedAt: 500, LastSyncedAt: &syncedAt})

	s := newTestSyncer(t, m, r, bus)
	binding := s.Bind("todos", emptyDefault)
	s.Flush()
	savesBefore := r.saveCount()

	// A sibling context wrote the shared mirror and stamped it synced.
	external := mustEncode(t, []item{{ID: "x"}, {ID: "y"}})
	m.Write("todos", external)
	externalSyncedAt := int64(600)
	m.WriteMeta("todos", mirror.Metadata{LastUpdatedAt: 600, LastSyncedAt: &externalSyncedAt})
	bus.Publish(Event{Key: "todos", Value: external, Origin: "sibling"})

	if got := binding.Get(); len(got) != 2 {
		t.Fatalf("expected external synced change adopted, got %v", got)
	}
	s.Flush()
	if r.saveCount() != savesBefore {
		t.Fatalf("adopting an already-synced change must not save, got %v", r.saves)
	}
}

func TestExternalChangeDeferredWhilePending(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	r.saveErr = errors.New("remote down")
	bus := NewMemoryBus()

	s := newTestSyncer(t, m, r, bus)
	binding := s.Bind("todos", emptyDefault)
	s.Flush()
	if err := binding.Update([]item{{ID: "mine"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	s.Flush()

	r.mu.Lock()
	r.saveErr = nil
	r.mu.Unlock()

	external := mustEncode(t, []item{{ID: "theirs"}})
	externalSyncedAt := int64(900)
	m.WriteMeta("todos", mirror.Metadata{LastUpdatedAt: 900, LastSyncedAt: &externalSyncedAt})
	bus.Publish(Event{Key: "todos", Value: external, Origin: "sibling"})
	s.Flush()

	if got := binding.Get(); len(got) != 1 || got[0].ID != "mine" {
		t.Fatalf("pending local state clobbered by external change: %v", got)
	}
	if r.lastSave() != `todos=[{"id":"mine"}]` {
		t.Fatalf("deferred external change must trigger a local re-push, got %v", r.saves)
	}
}

func TestExternalEchoesIgnored(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	bus := NewMemoryBus()
	s := newTestSyncer(t, m, r, bus)
	binding := s.Bind("todos", emptyDefault)
	s.Flush()
	savesBefore := r.saveCount()

	// Origin-less echo of our own current content, as a file watcher
	// would deliver it.
	bus.Publish(Event{Key: "todos", Value: []byte("[]")})
	// Event for a key with no active slot.
	bus.Publish(Event{Key: "unbound", Value: []byte(`[{"id":"z"}]`), Origin: "sibling"})

	s.Flush()
	if got := binding.Get(); len(got) != 0 {
		t.Fatalf("echo changed slot value: %v", got)
	}
	if r.saveCount() != savesBefore {
		t.Fatalf("echo triggered remote traffic: %v", r.saves)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	s := newTestSyncer(t, m, r, nil)

	binding := s.Bind("todos", emptyDefault)
	if err := binding.Update([]item{{ID: "a"}}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	s.Bind("notes", emptyDefault)
	s.Flush()

	ctx := context.Background()
	s.Clear(ctx)
	s.Clear(ctx)

	if keys := s.registry.Keys(); len(keys) != 0 {
		t.Fatalf("expected empty registry, got %v", keys)
	}
	if keys := m.Keys(); len(keys) != 0 {
		t.Fatalf("expected empty mirror, got %v", keys)
	}
	if len(r.removes) < 2 {
		t.Fatalf("expected remote removes for both keys, got %v", r.removes)
	}
}

func TestBindReturnsSharedSlot(t *testing.T) {
	m := newFakeMirror()
	r := newFakeRemote()
	s := newTestSyncer(t, m, r, nil)

	first := s.Bind("todos", emptyDefault)
	second := s.Bind("todos", func() []item { return []item{{ID: "ignored"}} })
	if first.slot != second.slot {
		t.Fatalf("bindings for one key must share the slot")
	}
	if got := second.Get(); len(got) != 0 {
		t.Fatalf("second bind must not re-seed, got %v", got)
	}
}
