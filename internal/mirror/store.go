package mirror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrTooLarge     = errors.New("item exceeds size limit")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the raw slot-addressed storage under the adapter. Implementations
// are shared between execution contexts, so a key can be rewritten or removed
// by another process between any two calls.
type Store interface {
	Get(storageKey string) ([]byte, bool, error)
	Set(storageKey string, data []byte) error
	Delete(storageKey string) error
	Keys() ([]string, error)
}

type Logger interface {
	Printf(format string, args ...any)
}

const (
	valueKeyPrefix = "v::"
	metaKeyPrefix  = "m::"
	chunkSeparator = "::chunk::"
)

// ValidKey reports whether key may be used as a logical key. The chunk
// separator is reserved: a key containing it would collide with the chunk
// records of another key.
func ValidKey(key string) bool {
	return key != "" && !strings.Contains(key, chunkSeparator)
}

func ValueKey(key string) string {
	return valueKeyPrefix + key
}

func MetaKey(key string) string {
	return metaKeyPrefix + key
}

func ChunkKey(key string, index int) string {
	return fmt.Sprintf("%s%s%s%d", valueKeyPrefix, key, chunkSeparator, index)
}

// ParseValueKey reports the logical key for a primary value storage key.
// Chunk and metadata keys do not qualify.
func ParseValueKey(storageKey string) (string, bool) {
	if !strings.HasPrefix(storageKey, valueKeyPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(storageKey, valueKeyPrefix)
	if key == "" || strings.Contains(key, chunkSeparator) {
		return "", false
	}
	return key, true
}

func ParseMetaKey(storageKey string) (string, bool) {
	if !strings.HasPrefix(storageKey, metaKeyPrefix) {
		return "", false
	}
	key := strings.TrimPrefix(storageKey, metaKeyPrefix)
	if key == "" {
		return "", false
	}
	return key, true
}
