package statesync

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/relaystate/internal/mirror"
)

// MirrorReader is the slice of the mirror adapter the file-watch bus needs
// to reassemble a full value (chunked or not) after a storage-key change.
type MirrorReader interface {
	Read(key string) ([]byte, bool)
}

// FSBus turns filesystem notifications on a DirStore directory into change
// events, giving sibling OS processes that share the directory a storage
// broadcast. Publish is a no-op: the mirror write itself is the broadcast.
// Events carry no origin, so engines filter their own echoes by content.
type FSBus struct {
	watcher *fsnotify.Watcher
	reader  MirrorReader
	logger  Logger

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
	done   chan struct{}
}

func NewFSBus(dir string, reader MirrorReader, logger Logger) (*FSBus, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Clean(dir)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	b := &FSBus{
		watcher: watcher,
		reader:  reader,
		logger:  logger,
		subs:    map[int]func(Event){},
		done:    make(chan struct{}),
	}
	go b.loop()
	return b, nil
}

func (b *FSBus) Publish(Event) {}

func (b *FSBus) Subscribe(handler func(Event)) func() {
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

func (b *FSBus) Close() error {
	select {
	case <-b.done:
		return nil
	default:
	}
	close(b.done)
	return b.watcher.Close()
}

func (b *FSBus) loop() {
	for {
		select {
		case <-b.done:
			return
		case event, ok := <-b.watcher.Events:
			if !ok {
				return
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) {
				continue
			}
			b.handleFile(filepath.Base(event.Name))
		case err, ok := <-b.watcher.Errors:
			if !ok {
				return
			}
			b.logf("mirror watch error: %v", err)
		}
	}
}

// handleFile publishes a change event when the touched file is a primary
// value slot or its metadata record; metadata changes matter because a save
// acknowledgment in the originating context flips only the metadata, and
// that flip is what makes the value adoptable elsewhere. Chunk files are
// skipped: a chunked write only becomes visible once its manifest (the
// primary slot) lands, which arrives as its own event.
func (b *FSBus) handleFile(name string) {
	storageKey, ok := mirror.DecodeFileName(name)
	if !ok {
		return
	}
	key, isValue := mirror.ParseValueKey(storageKey)
	if !isValue {
		var isMeta bool
		key, isMeta = mirror.ParseMetaKey(storageKey)
		if !isMeta {
			return
		}
	}
	raw, ok := b.reader.Read(key)
	if !ok {
		return
	}
	b.mu.Lock()
	handlers := make([]func(Event), 0, len(b.subs))
	for _, handler := range b.subs {
		handlers = append(handlers, handler)
	}
	b.mu.Unlock()
	for _, handler := range handlers {
		handler(Event{Key: key, Value: raw})
	}
}

func (b *FSBus) logf(format string, args ...any) {
	if b.logger == nil {
		return
	}
	b.logger.Printf(format, args...)
}
