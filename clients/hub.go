// Package clients tracks the pages controlled by the gateway and pushes
// lifecycle and notification events to them over Server-Sent Events.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/notify"
)

const (
	// DefaultBufferSize is the number of events queued per client before
	// new events are dropped.
	DefaultBufferSize = 16

	// DefaultHeartbeat is the interval between keep-alive comments.
	DefaultHeartbeat = 15 * time.Second
)

// Event names sent to client pages.
const (
	EventHello             = "hello"
	EventControllerChange  = "controllerchange"
	EventNotification      = "notification"
	EventNotificationClose = "notificationclose"
	EventOpenWindow        = "openwindow"
)

// ErrNoClients is returned when an event must reach a client and none are
// connected.
var ErrNoClients = errors.New("no connected clients")

// Event is one message to a client page.
type Event struct {
	Name string
	Data json.RawMessage
}

// Client is one connected page.
type Client struct {
	ID          string
	ConnectedAt time.Time

	seq    uint64
	events chan Event
}

// Events returns the client's event stream.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Hub fans events out to connected client pages.
type Hub struct {
	bufferSize int
	heartbeat  time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	clients map[string]*Client
	seq     uint64
	version string

	done     chan struct{}
	doneOnce sync.Once
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the logger for the hub.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		h.logger = logger
	}
}

// WithBufferSize sets the per-client event buffer.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithHeartbeat sets the keep-alive interval for event streams.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		bufferSize: DefaultBufferSize,
		heartbeat:  DefaultHeartbeat,
		logger:     slog.Default(),
		clients:    make(map[string]*Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Shutdown ends every event stream, including ones opened later. Streams never
// go idle on their own, so the HTTP server calls this when it shuts down.
func (h *Hub) Shutdown() {
	h.doneOnce.Do(func() {
		close(h.done)
	})
}

// Connect registers a new client. The returned function disconnects it.
func (h *Hub) Connect() (*Client, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	c := &Client{
		ID:          uuid.NewString(),
		ConnectedAt: time.Now(),
		seq:         h.seq,
		events:      make(chan Event, h.bufferSize),
	}
	h.clients[c.ID] = c

	var once sync.Once
	return c, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, c.ID)
			h.mu.Unlock()
		})
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Version returns the version that last claimed the clients.
func (h *Hub) Version() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Claim tells every connected page that version now controls it.
func (h *Hub) Claim(_ context.Context, version string) error {
	h.mu.Lock()
	h.version = version
	h.mu.Unlock()

	return h.broadcast(EventControllerChange, map[string]string{"version": version})
}

// Show delivers a notification to every connected page.
func (h *Hub) Show(_ context.Context, n *notify.Notification) error {
	return h.broadcast(EventNotification, n)
}

// Close dismisses a notification on every connected page.
func (h *Hub) Close(_ context.Context, id string) error {
	return h.broadcast(EventNotificationClose, map[string]string{"id": id})
}

// OpenWindow asks the most recently connected page, which stands in for the
// focused window, to navigate to url.
func (h *Hub) OpenWindow(_ context.Context, url string) error {
	data, err := json.Marshal(map[string]string{"url": url})
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", EventOpenWindow, err)
	}

	h.mu.Lock()
	var target *Client
	for _, c := range h.clients {
		if target == nil || c.seq > target.seq {
			target = c
		}
	}
	h.mu.Unlock()

	if target == nil {
		return ErrNoClients
	}
	if !h.send(target, Event{Name: EventOpenWindow, Data: data}) {
		return fmt.Errorf("client %s is not keeping up", target.ID)
	}
	return nil
}

func (h *Hub) broadcast(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", name, err)
	}

	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.send(c, Event{Name: name, Data: data})
	}
	return nil
}

// send queues ev for c without blocking. Events for a full buffer are dropped.
func (h *Hub) send(c *Client, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	default:
		h.logger.Warn("dropping client event", "client_id", c.ID, "event", ev.Name)
		return false
	}
}

// ServeHTTP streams events to one client page until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	c, disconnect := h.Connect()
	defer disconnect()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	hello, _ := json.Marshal(map[string]string{"client_id": c.ID, "version": h.Version()})
	if err := writeEvent(w, Event{Name: EventHello, Data: hello}); err != nil {
		return
	}
	flusher.Flush()

	h.logger.Debug("client connected", "client_id", c.ID)
	defer h.logger.Debug("client disconnected", "client_id", c.ID)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-c.events:
			if err := writeEvent(w, ev); err != nil {
				h.logger.Debug("writing client event failed", "client_id", c.ID, "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, ev.Data)
	return err
}

var (
	_ lifecycle.Claimer   = (*Hub)(nil)
	_ notify.Notifier     = (*Hub)(nil)
	_ notify.WindowOpener = (*Hub)(nil)
)
