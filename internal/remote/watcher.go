package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ChangeEvent mirrors the state server's websocket feed payload. Value is
// nil for deletions.
type ChangeEvent struct {
	EventID string          `json:"eventId"`
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
}

type WatcherOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Logger     Logger
}

// Watcher tails the state server's change feed, reconnecting with a fixed
// backoff until the context is cancelled.
type Watcher struct {
	baseURL    string
	token      string
	httpClient *http.Client
	redial     time.Duration
	logger     Logger
}

func NewWatcher(opts WatcherOptions) *Watcher {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	return &Watcher{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: opts.HTTPClient,
		redial:     time.Second,
		logger:     opts.Logger,
	}
}

func (w *Watcher) Watch(ctx context.Context, handler func(ChangeEvent)) error {
	for {
		err := w.watchOnce(ctx, handler)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			w.logf("change feed dropped: %v", err)
		}
		if waitErr := waitWithContext(ctx, w.redial); waitErr != nil {
			return waitErr
		}
	}
}

func (w *Watcher) watchOnce(ctx context.Context, handler func(ChangeEvent)) error {
	opts := &websocket.DialOptions{HTTPClient: w.httpClient}
	if w.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + w.token}}
	}
	conn, _, err := websocket.Dial(ctx, w.feedURL(), opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	for {
		var event ChangeEvent
		if err := wsjson.Read(ctx, conn, &event); err != nil {
			return err
		}
		handler(event)
	}
}

func (w *Watcher) feedURL() string {
	feed := w.baseURL + "/state-events"
	if strings.HasPrefix(feed, "https://") {
		return "wss://" + strings.TrimPrefix(feed, "https://")
	}
	return "ws://" + strings.TrimPrefix(feed, "http://")
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
