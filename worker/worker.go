package worker

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/offline-cache/classify"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/notify"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/syncqueue"
)

// Components are the parts of one cache version.
type Components struct {
	Classifier *classify.Classifier
	Engine     *strategy.Engine
	Lifecycle  *lifecycle.Controller
	Queue      *syncqueue.Queue
	Relay      *notify.Relay
}

// Worker binds one version's components to a dispatcher.
type Worker struct {
	c          Components
	dispatcher *Dispatcher
}

// New creates a Worker and registers its handlers. Queue and Relay are
// optional; without them sync and push events are ignored.
func New(c Components, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		c:          c,
		dispatcher: NewDispatcher(logger.With("version", c.Lifecycle.Version())),
	}

	d := w.dispatcher
	d.On(KindInstall, w.install)
	d.On(KindActivate, w.activate)
	d.On(KindFetch, w.fetch)
	d.On(KindSync, w.sync)
	d.On(KindPush, w.push)
	d.On(KindNotificationClick, w.notificationClick)
	return w
}

// Version returns the version this worker serves.
func (w *Worker) Version() string {
	return w.c.Lifecycle.Version()
}

// State returns the worker's lifecycle state.
func (w *Worker) State() lifecycle.State {
	return w.c.Lifecycle.State()
}

// Dispatcher returns the worker's dispatcher.
func (w *Worker) Dispatcher() *Dispatcher {
	return w.dispatcher
}

// Dispatch is shorthand for w.Dispatcher().Dispatch.
func (w *Worker) Dispatch(ctx context.Context, ev *Event) error {
	return w.dispatcher.Dispatch(ctx, ev)
}

func (w *Worker) install(ctx context.Context, _ *Event) error {
	return w.c.Lifecycle.Install(ctx)
}

func (w *Worker) activate(ctx context.Context, _ *Event) error {
	return w.c.Lifecycle.Activate(ctx)
}

func (w *Worker) fetch(ctx context.Context, ev *Event) error {
	ev.Class = w.c.Classifier.Classify(ev.Request)
	res, err := w.c.Engine.Handle(ctx, ev.Class, ev.Request)
	if err != nil {
		return err
	}
	ev.Result = res
	return nil
}

func (w *Worker) sync(ctx context.Context, ev *Event) error {
	if w.c.Queue == nil || ev.Tag != w.c.Queue.Tag() {
		ev.Ignored = true
		return nil
	}
	report, err := w.c.Queue.Drain(ctx)
	if err != nil {
		return err
	}
	ev.Report = &report
	return nil
}

func (w *Worker) push(ctx context.Context, ev *Event) error {
	if w.c.Relay == nil {
		ev.Ignored = true
		return nil
	}
	n, err := w.c.Relay.Push(ctx, ev.Data)
	if err != nil {
		return err
	}
	ev.Notification = n
	ev.Ignored = n == nil
	return nil
}

func (w *Worker) notificationClick(ctx context.Context, ev *Event) error {
	if w.c.Relay == nil {
		return notify.ErrNotFound
	}
	return w.c.Relay.Click(ctx, ev.Click)
}
