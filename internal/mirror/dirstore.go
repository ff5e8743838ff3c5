package mirror

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const slotFileExt = ".kv"

// DirStore keeps one file per storage key inside a directory. Writes go
// through a temp file and rename so concurrent readers in sibling processes
// never observe a partial file. A per-item size cap stands in for the
// per-slot limits of size-constrained storage.
type DirStore struct {
	dir          string
	maxItemBytes int
}

type DirStoreOptions struct {
	Dir          string
	MaxItemBytes int
}

const DefaultMaxItemBytes = 1 << 20

func NewDirStore(opts DirStoreOptions) (*DirStore, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, errors.New("dir is required")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	maxItemBytes := opts.MaxItemBytes
	if maxItemBytes <= 0 {
		maxItemBytes = DefaultMaxItemBytes
	}
	return &DirStore{dir: dir, maxItemBytes: maxItemBytes}, nil
}

func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) Get(storageKey string) ([]byte, bool, error) {
	if storageKey == "" {
		return nil, false, ErrInvalidInput
	}
	data, err := os.ReadFile(s.filePath(storageKey))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (s *DirStore) Set(storageKey string, data []byte) error {
	if storageKey == "" {
		return ErrInvalidInput
	}
	if len(data) > s.maxItemBytes {
		return ErrTooLarge
	}
	return writeFileAtomic(s.filePath(storageKey), data, 0o644)
}

func (s *DirStore) Delete(storageKey string) error {
	if storageKey == "" {
		return ErrInvalidInput
	}
	err := os.Remove(s.filePath(storageKey))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DirStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		storageKey, ok := DecodeFileName(entry.Name())
		if !ok {
			continue
		}
		keys = append(keys, storageKey)
	}
	return keys, nil
}

func (s *DirStore) filePath(storageKey string) string {
	return filepath.Join(s.dir, EncodeFileName(storageKey))
}

// EncodeFileName maps a storage key to a filesystem-safe file name that
// round-trips through DecodeFileName.
func EncodeFileName(storageKey string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(storageKey)) + slotFileExt
}

func DecodeFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, slotFileExt) {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSuffix(name, slotFileExt))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
