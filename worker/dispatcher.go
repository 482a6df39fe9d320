// Package worker routes lifecycle, fetch, sync and push events to the
// components of the active cache version.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/offline-cache/classify"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/notify"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/syncqueue"
)

// Kind names an event.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindSync              Kind = "sync"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
)

var (
	// ErrNoHandler is returned when no handler is registered for an event kind.
	ErrNoHandler = errors.New("no handler for event")

	// ErrRetired is returned by a dispatcher that has been retired. The event
	// was not handled and can be sent to the worker that replaced it.
	ErrRetired = errors.New("dispatcher retired")
)

// Event is one unit of work for a worker. Inputs are set by the caller
// according to Kind; handlers fill in the outputs.
type Event struct {
	Kind Kind

	Request *intercept.Request // fetch
	Tag     string             // sync
	Data    []byte             // push
	Click   notify.Click       // notificationclick

	Class        classify.Class
	Result       *strategy.Result
	Report       *syncqueue.Report
	Notification *notify.Notification

	// Ignored is set when a sync tag or push payload was not for us.
	Ignored bool
}

// Handler handles one event.
type Handler func(ctx context.Context, ev *Event) error

// Dispatcher maps event kinds to handlers and tracks handlers in flight.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
	retired  bool

	wg sync.WaitGroup
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[Kind]Handler),
	}
}

// On registers h for kind, replacing any previous handler.
func (d *Dispatcher) On(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Dispatch runs the handler for ev.Kind to completion. The handler does not
// observe cancellation of ctx: once started it runs until it returns.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	// The handler is counted while the read lock is held so Retire followed
	// by Wait sees every handler that got past the retired check.
	d.mu.RLock()
	if d.retired {
		d.mu.RUnlock()
		return ErrRetired
	}
	h, ok := d.handlers[ev.Kind]
	if ok {
		d.wg.Add(1)
	}
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind)
	}
	defer d.wg.Done()

	start := time.Now()
	err := h(context.WithoutCancel(ctx), ev)
	if ev.Kind != KindFetch {
		d.logger.Debug("event handled", "kind", string(ev.Kind), "duration", time.Since(start), "error", err)
	}
	return err
}

// Retire stops d from starting new handlers. Handlers already running are
// unaffected; Wait reports when they are done.
func (d *Dispatcher) Retire() {
	d.mu.Lock()
	d.retired = true
	d.mu.Unlock()
}

// Wait blocks until every handler in flight has returned or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for handlers: %w", ctx.Err())
	}
}
