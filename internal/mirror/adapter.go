package mirror

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Metadata is the per-key sync bookkeeping persisted next to each mirrored
// value. LastSyncedAt is nil until a remote write for the current
// LastUpdatedAt has been acknowledged; LastSyncedAt < LastUpdatedAt means a
// sync is still pending. Timestamps are millisecond UNIX times.
type Metadata struct {
	LastUpdatedAt int64  `json:"lastUpdatedAt"`
	LastSyncedAt  *int64 `json:"lastSyncedAt"`
}

func (m Metadata) Pending() bool {
	return m.LastSyncedAt == nil || *m.LastSyncedAt < m.LastUpdatedAt
}

const manifestVersion = 1

type chunkManifest struct {
	Version    int `json:"version"`
	ChunkCount int `json:"chunkCount"`
}

const (
	DefaultChunkThreshold = 256 << 10
	DefaultChunkSize      = 256 << 10
)

type AdapterOptions struct {
	Store          Store
	ChunkThreshold int
	ChunkSize      int
	Logger         Logger
}

// Adapter reads and writes mirrored values plus their metadata, splitting
// payloads above the chunk threshold into a chunk set behind a manifest.
// It is a best-effort cache tier: storage failures are logged and degrade
// to "no value" or a no-op, never an error for the caller.
type Adapter struct {
	store          Store
	chunkThreshold int
	chunkSize      int
	logger         Logger
}

func NewAdapter(opts AdapterOptions) (*Adapter, error) {
	if opts.Store == nil {
		return nil, ErrInvalidInput
	}
	chunkThreshold := opts.ChunkThreshold
	if chunkThreshold <= 0 {
		chunkThreshold = DefaultChunkThreshold
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Adapter{
		store:          opts.Store,
		chunkThreshold: chunkThreshold,
		chunkSize:      chunkSize,
		logger:         opts.Logger,
	}, nil
}

func (a *Adapter) Read(key string) ([]byte, bool) {
	if !ValidKey(key) {
		return nil, false
	}
	raw, ok, err := a.store.Get(ValueKey(key))
	if err != nil {
		a.logf("mirror read %s failed: %v", key, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	manifest, isManifest := parseManifest(raw)
	if !isManifest {
		return raw, true
	}
	var buf bytes.Buffer
	for i := 0; i < manifest.ChunkCount; i++ {
		chunk, ok, err := a.store.Get(ChunkKey(key, i))
		if err != nil || !ok {
			a.logf("mirror read %s missing chunk %d of %d", key, i, manifest.ChunkCount)
			return nil, false
		}
		buf.Write(chunk)
	}
	return buf.Bytes(), true
}

// Write replaces the full record for key. The chunk set, when needed, is
// written before the manifest so a crash can never commit a manifest ahead
// of its chunks; a mid-sequence failure rolls this call's chunks back and,
// when the previous record was itself chunked, removes the now-suspect
// manifest rather than leaving it pointing at a mixed set.
func (a *Adapter) Write(key string, data []byte) {
	if !ValidKey(key) {
		a.logf("mirror write rejected: %q is not a valid key", key)
		return
	}
	oldChunkCount := a.chunkCount(key)

	if len(data) <= a.chunkThreshold {
		if err := a.store.Set(ValueKey(key), data); err != nil {
			a.logf("mirror write %s failed: %v", key, err)
			return
		}
		a.deleteChunks(key, 0, oldChunkCount)
		return
	}

	chunkCount := (len(data) + a.chunkSize - 1) / a.chunkSize
	for i := 0; i < chunkCount; i++ {
		start := i * a.chunkSize
		end := start + a.chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := a.store.Set(ChunkKey(key, i), data[start:end]); err != nil {
			a.logf("mirror write %s chunk %d failed: %v", key, i, err)
			a.rollbackChunks(key, i+1, oldChunkCount)
			return
		}
	}

	manifest, err := json.Marshal(chunkManifest{Version: manifestVersion, ChunkCount: chunkCount})
	if err != nil {
		a.rollbackChunks(key, chunkCount, oldChunkCount)
		return
	}
	if err := a.store.Set(ValueKey(key), manifest); err != nil {
		a.logf("mirror write %s manifest failed: %v", key, err)
		a.rollbackChunks(key, chunkCount, oldChunkCount)
		return
	}
	a.deleteChunks(key, chunkCount, oldChunkCount)
}

func (a *Adapter) Remove(key string) {
	if !ValidKey(key) {
		return
	}
	a.deleteChunks(key, 0, a.chunkCount(key))
	if err := a.store.Delete(ValueKey(key)); err != nil {
		a.logf("mirror remove %s failed: %v", key, err)
	}
}

func (a *Adapter) ReadMeta(key string) (Metadata, bool) {
	if !ValidKey(key) {
		return Metadata{}, false
	}
	raw, ok, err := a.store.Get(MetaKey(key))
	if err != nil {
		a.logf("mirror read metadata %s failed: %v", key, err)
		return Metadata{}, false
	}
	if !ok {
		return Metadata{}, false
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		a.logf("mirror metadata %s corrupt: %v", key, err)
		return Metadata{}, false
	}
	return meta, true
}

func (a *Adapter) WriteMeta(key string, meta Metadata) {
	if !ValidKey(key) {
		a.logf("mirror write metadata rejected: %q is not a valid key", key)
		return
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		a.logf("mirror write metadata %s failed: %v", key, err)
		return
	}
	if err := a.store.Set(MetaKey(key), raw); err != nil {
		a.logf("mirror write metadata %s failed: %v", key, err)
	}
}

func (a *Adapter) RemoveMeta(key string) {
	if !ValidKey(key) {
		return
	}
	if err := a.store.Delete(MetaKey(key)); err != nil {
		a.logf("mirror remove metadata %s failed: %v", key, err)
	}
}

// Keys lists every logical key with a primary value or metadata record.
func (a *Adapter) Keys() []string {
	storageKeys, err := a.store.Keys()
	if err != nil {
		a.logf("mirror list keys failed: %v", err)
		return nil
	}
	seen := map[string]struct{}{}
	for _, storageKey := range storageKeys {
		if key, ok := ParseValueKey(storageKey); ok {
			seen[key] = struct{}{}
			continue
		}
		if key, ok := ParseMetaKey(storageKey); ok {
			seen[key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// chunkCount reports how many chunks the current record for key declares,
// zero when the record is absent or a direct payload.
func (a *Adapter) chunkCount(key string) int {
	raw, ok, err := a.store.Get(ValueKey(key))
	if err != nil || !ok {
		return 0
	}
	manifest, isManifest := parseManifest(raw)
	if !isManifest {
		return 0
	}
	return manifest.ChunkCount
}

// rollbackChunks removes chunks [0, written) from a failed write. When the
// previous record was chunked those indexes may already have been
// overwritten, so the manifest is dropped too: readers see "no value"
// instead of a mixed chunk set.
func (a *Adapter) rollbackChunks(key string, written, oldChunkCount int) {
	a.deleteChunks(key, 0, written)
	if oldChunkCount > 0 {
		if err := a.store.Delete(ValueKey(key)); err != nil {
			a.logf("mirror rollback %s failed: %v", key, err)
		}
	}
}

func (a *Adapter) deleteChunks(key string, from, to int) {
	for i := from; i < to; i++ {
		if err := a.store.Delete(ChunkKey(key, i)); err != nil {
			a.logf("mirror delete %s chunk %d failed: %v", key, i, err)
		}
	}
}

func (a *Adapter) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}

func parseManifest(raw []byte) (chunkManifest, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return chunkManifest{}, false
	}
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.DisallowUnknownFields()
	var manifest chunkManifest
	if err := decoder.Decode(&manifest); err != nil {
		return chunkManifest{}, false
	}
	if manifest.Version != manifestVersion || manifest.ChunkCount <= 0 {
		return chunkManifest{}, false
	}
	return manifest, true
}
