package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wolfeidau/offline-cache/classify"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// ErrNoActiveWorker is returned for events that need an active worker when
// none has been registered.
var ErrNoActiveWorker = errors.New("no active worker")

// Network is used for fetches while no worker is active.
type Network interface {
	Fetch(ctx context.Context, req *intercept.Request) (*store.Response, error)
}

// Registration owns the active worker and routes events to it.
type Registration struct {
	network Network
	logger  *slog.Logger

	regMu sync.Mutex // serialises Register

	mu      sync.RWMutex
	active  *Worker
	workers []*Worker
}

// NewRegistration creates a Registration with no active worker. Fetches go
// straight to network until a worker activates.
func NewRegistration(network Network, logger *slog.Logger) *Registration {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registration{network: network, logger: logger}
}

// Active returns the active worker, or nil.
func (r *Registration) Active() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Register installs w, makes it the active worker and activates it. A failed
// install leaves the current worker in place.
//
// Once w is swapped in the previous worker is retired and superseded, and
// activation waits for the previous worker's handlers to return. A fetch it
// was still serving could otherwise write into a partition after cleanup
// deleted it. If ctx ends during that wait, w keeps serving but is not
// activated and the error is returned.
func (r *Registration) Register(ctx context.Context, w *Worker) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	r.workers = append(r.workers, w)
	r.mu.Unlock()

	if err := w.Dispatch(ctx, &Event{Kind: KindInstall}); err != nil {
		return fmt.Errorf("registering %s: %w", w.Version(), err)
	}

	r.mu.Lock()
	prev := r.active
	r.active = w
	r.mu.Unlock()

	if prev != nil {
		prev.dispatcher.Retire()
		if err := prev.c.Lifecycle.Supersede(ctx); err != nil {
			r.logger.Warn("superseding worker failed", "version", prev.Version(), "error", err)
		}
		if err := prev.dispatcher.Wait(ctx); err != nil {
			return fmt.Errorf("registering %s: draining %s: %w", w.Version(), prev.Version(), err)
		}
	}

	if err := w.Dispatch(ctx, &Event{Kind: KindActivate}); err != nil {
		return fmt.Errorf("registering %s: %w", w.Version(), err)
	}

	r.logger.Info("worker active", "version", w.Version())
	return nil
}

// Dispatch routes ev to the active worker. A fetch with no active worker goes
// straight to the network; any other event fails with ErrNoActiveWorker.
func (r *Registration) Dispatch(ctx context.Context, ev *Event) error {
	for w := r.Active(); w != nil; w = r.Active() {
		// A retired worker was swapped out between Active and Dispatch, so
		// the event goes to its replacement.
		if err := w.Dispatch(ctx, ev); !errors.Is(err, ErrRetired) {
			return err
		}
	}
	if ev.Kind != KindFetch {
		return fmt.Errorf("%w: %s", ErrNoActiveWorker, ev.Kind)
	}
	return r.passthrough(ctx, ev)
}

func (r *Registration) passthrough(ctx context.Context, ev *Event) error {
	resp, err := r.network.Fetch(context.WithoutCancel(ctx), ev.Request)
	if err != nil {
		return fmt.Errorf("%w: %w", strategy.ErrNetwork, err)
	}
	ev.Class = classify.ClassPassthrough
	ev.Result = &strategy.Result{
		Response:    resp,
		Source:      strategy.SourceNetwork,
		CacheResult: telemetry.CacheBypass,
	}
	return nil
}

// Wait blocks until every worker's handlers have returned or ctx is done.
func (r *Registration) Wait(ctx context.Context) error {
	r.mu.RLock()
	workers := append([]*Worker(nil), r.workers...)
	r.mu.RUnlock()

	for _, w := range workers {
		if err := w.dispatcher.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}
