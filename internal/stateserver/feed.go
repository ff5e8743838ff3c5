package stateserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ChangeEvent is one entry on the change feed. Deleted events carry no value.
type ChangeEvent struct {
	EventID string          `json:"eventId"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

// feed fans change events out to connected websocket subscribers. Slow
// subscribers drop events rather than stall writers.
type feed struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ChangeEvent
}

func newFeed() *feed {
	return &feed{subs: map[int]chan ChangeEvent{}}
}

func (f *feed) broadcast(key string, value json.RawMessage, deleted bool) {
	event := ChangeEvent{
		EventID: uuid.NewString(),
		Key:     key,
		Value:   value,
		Deleted: deleted,
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (f *feed) subscribe() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, 64)
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()
	cancel := func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
	return ch, cancel
}

func (f *feed) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	events, cancel := f.subscribe()
	defer cancel()

	// The feed is write-only; CloseRead cancels the context as soon as the
	// client closes the connection, instead of at the next failed write.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-events:
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}
