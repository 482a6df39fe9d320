// Package notify turns push messages into notifications and routes
// notification clicks back to client windows.
package notify

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// ActionView opens a window at the notification's data.url.
	ActionView = "view"

	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"

	// DefaultMaxShown is how many unclicked notifications the relay tracks.
	DefaultMaxShown = 100
)

// DefaultVibrate is the vibration pattern in milliseconds.
var DefaultVibrate = []int{100, 50, 100}

// ErrNotFound is returned when a click names a notification that is not
// showing.
var ErrNotFound = errors.New("notification not found")

// Action is a button offered on a notification.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// Notification is what the relay asks the host to display.
type Notification struct {
	ID      string          `json:"id"`
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Icon    string          `json:"icon"`
	Badge   string          `json:"badge"`
	Vibrate []int           `json:"vibrate"`
	Data    json.RawMessage `json:"data,omitempty"`
	Actions []Action        `json:"actions"`
}

// Click is a user interaction with a shown notification. An empty Action is a
// click on the notification body.
type Click struct {
	NotificationID string `json:"notification_id"`
	Action         string `json:"action"`
}

// Notifier displays and dismisses notifications.
type Notifier interface {
	Show(ctx context.Context, n *Notification) error
	Close(ctx context.Context, id string) error
}

// WindowOpener opens or focuses a client window at a URL.
type WindowOpener interface {
	OpenWindow(ctx context.Context, url string) error
}

// payload is the push message shape.
type payload struct {
	Title   string          `json:"title"`
	Body    string          `json:"body"`
	Icon    string          `json:"icon"`
	Badge   string          `json:"badge"`
	Data    json.RawMessage `json:"data"`
	Actions []Action        `json:"actions"`
}

// Relay handles push and notificationclick events.
type Relay struct {
	notifier Notifier
	opener   WindowOpener
	icon     string
	badge    string
	logger   *slog.Logger

	maxShown int

	mu    sync.Mutex
	shown map[string]*list.Element // values are *Notification
	order *list.List               // oldest first
}

// Option configures a Relay.
type Option func(*Relay)

// WithLogger sets the logger for the relay.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

// WithDefaults overrides the icon and badge used when a payload has none.
// Empty values keep the built-in defaults.
func WithDefaults(icon, badge string) Option {
	return func(r *Relay) {
		if icon != "" {
			r.icon = icon
		}
		if badge != "" {
			r.badge = badge
		}
	}
}

// WithMaxShown caps how many notifications are tracked at once. When a push
// goes over the cap the oldest notification is closed and forgotten. Values
// below one keep the default.
func WithMaxShown(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.maxShown = n
		}
	}
}

// New creates a Relay.
func New(notifier Notifier, opener WindowOpener, opts ...Option) *Relay {
	r := &Relay{
		notifier: notifier,
		opener:   opener,
		icon:     DefaultIcon,
		badge:    DefaultBadge,
		logger:   slog.Default(),
		maxShown: DefaultMaxShown,
		shown:    make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Push shows a notification built from a push message. An empty or malformed
// message is ignored and returns a nil notification and nil error.
func (r *Relay) Push(ctx context.Context, data []byte) (*Notification, error) {
	if len(data) == 0 {
		telemetry.RecordNotification(ctx, "ignored")
		return nil, nil
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		r.logger.Debug("ignoring malformed push payload", "error", err)
		telemetry.RecordNotification(ctx, "ignored")
		return nil, nil
	}

	n := &Notification{
		ID:      uuid.NewString(),
		Title:   p.Title,
		Body:    p.Body,
		Icon:    p.Icon,
		Badge:   p.Badge,
		Vibrate: append([]int(nil), DefaultVibrate...),
		Data:    p.Data,
		Actions: p.Actions,
	}
	if n.Icon == "" {
		n.Icon = r.icon
	}
	if n.Badge == "" {
		n.Badge = r.badge
	}
	if n.Actions == nil {
		n.Actions = []Action{}
	}

	if err := r.notifier.Show(ctx, n); err != nil {
		r.logger.Warn("showing notification failed", "id", n.ID, "error", err)
		return nil, fmt.Errorf("showing notification: %w", err)
	}

	r.mu.Lock()
	r.shown[n.ID] = r.order.PushBack(n)
	var evicted []*Notification
	for r.order.Len() > r.maxShown {
		old := r.order.Remove(r.order.Front()).(*Notification)
		delete(r.shown, old.ID)
		evicted = append(evicted, old)
	}
	r.mu.Unlock()

	telemetry.RecordNotification(ctx, "shown")
	r.logger.Debug("notification shown", "id", n.ID, "title", n.Title)

	for _, old := range evicted {
		telemetry.RecordNotification(ctx, "evicted")
		if err := r.notifier.Close(ctx, old.ID); err != nil {
			r.logger.Warn("closing evicted notification failed", "id", old.ID, "error", err)
		}
	}
	return n, nil
}

// Click closes the notification and, for the view action, opens a window at
// its data.url. Other actions only close it.
func (r *Relay) Click(ctx context.Context, c Click) error {
	r.mu.Lock()
	el, ok := r.shown[c.NotificationID]
	if ok {
		delete(r.shown, c.NotificationID)
		r.order.Remove(el)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.NotificationID)
	}
	n := el.Value.(*Notification)

	telemetry.RecordNotification(ctx, "clicked")

	var errs []error
	if err := r.notifier.Close(ctx, n.ID); err != nil {
		r.logger.Warn("closing notification failed", "id", n.ID, "error", err)
		errs = append(errs, fmt.Errorf("closing notification: %w", err))
	}

	if c.Action == ActionView {
		if target, ok := dataURL(n.Data); ok {
			if err := r.opener.OpenWindow(ctx, target); err != nil {
				r.logger.Warn("opening window failed", "id", n.ID, "url", target, "error", err)
				errs = append(errs, fmt.Errorf("opening window: %w", err))
			} else {
				telemetry.RecordNotification(ctx, "opened")
			}
		}
	}

	return errors.Join(errs...)
}

// Showing returns the notifications currently displayed, oldest first.
func (r *Relay) Showing() []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Notification, 0, r.order.Len())
	for el := r.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Notification))
	}
	return out
}

func dataURL(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var d struct {
		URL any `json:"url"`
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return "", false
	}
	s, ok := d.URL.(string)
	return s, ok && s != ""
}
