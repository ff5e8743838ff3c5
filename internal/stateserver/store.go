package stateserver

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Store is the key-addressed backing store of the persistence service: last
// write wins, a value is readable immediately after its write is
// acknowledged. The whole store persists as a single JSON file rewritten
// through a temp file and rename on every mutation.
type Store struct {
	mu        sync.RWMutex
	values    map[string]json.RawMessage
	statePath string
}

type StoreOptions struct {
	StatePath string
}

type persistedState struct {
	Values map[string]json.RawMessage `json:"values"`
}

func NewStore(opts StoreOptions) (*Store, error) {
	s := &Store{
		values:    map[string]json.RawMessage{},
		statePath: strings.TrimSpace(opts.StatePath),
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Get(key string) (json.RawMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), value...), true
}

func (s *Store) Put(key string, value json.RawMessage) error {
	if key == "" || len(value) == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append(json.RawMessage(nil), value...)
	return s.saveLocked()
}

func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return ErrNotFound
	}
	delete(s.values, key)
	return s.saveLocked()
}

func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) load() error {
	if s.statePath == "" {
		return nil
	}
	data, err := os.ReadFile(s.statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Values != nil {
		s.values = snapshot.Values
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.statePath == "" {
		return nil
	}
	data, err := json.Marshal(persistedState{Values: s.values})
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.statePath)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}
