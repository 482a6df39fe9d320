// Package lifecycle installs and activates cache generations.
//
// A controller moves through New, Installing, Installed, Activating and
// Active. Install pre-warms the static partition with the shell manifest and
// fails as a whole if any entry cannot be fetched, leaving the controller
// Redundant. Activate deletes every partition that does not belong to this
// version and then claims the connected client pages. A newer controller's
// activation marks the previous one Superseded.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/telemetry"
)

// State is a controller lifecycle state.
type State int

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateSuperseded
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateSuperseded:
		return "superseded"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DefaultManifest is the shell every version pre-caches.
var DefaultManifest = []string{"/", "/index.html", "/manifest.json"}

// maxParallelFetches bounds concurrent origin fetches during install.
const maxParallelFetches = 8

// ErrInvalidState is returned when a phase runs out of order.
var ErrInvalidState = errors.New("invalid lifecycle state")

// Network is the origin capability used to pre-warm partitions.
type Network interface {
	Fetch(ctx context.Context, req *intercept.Request) (*store.Response, error)
}

// Claimer takes control of open client pages for a version.
type Claimer interface {
	Claim(ctx context.Context, version string) error
}

// Config identifies the generation a controller manages.
type Config struct {
	Version          string
	StaticPartition  string
	DynamicPartition string

	// Manifest lists the paths fetched at install. Defaults to
	// DefaultManifest.
	Manifest []string

	// DiscoverAssets also pre-caches same-origin scripts and stylesheets
	// referenced by HTML documents in the manifest. Discovered assets are
	// best-effort.
	DiscoverAssets bool
}

// Controller drives one version through install and activation.
type Controller struct {
	cfg     Config
	store   store.CacheStore
	network Network
	claimer Claimer
	logger  *slog.Logger

	mu    sync.Mutex
	state State
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// NewController creates a controller in StateNew. claimer may be nil when no
// client pages are tracked.
func NewController(cfg Config, s store.CacheStore, network Network, claimer Claimer, opts ...Option) *Controller {
	if len(cfg.Manifest) == 0 {
		cfg.Manifest = slices.Clone(DefaultManifest)
	}
	c := &Controller{
		cfg:     cfg,
		store:   s,
		network: network,
		claimer: claimer,
		logger:  slog.Default(),
		state:   StateNew,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Version returns the version this controller manages.
func (c *Controller) Version() string {
	return c.cfg.Version
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves from one of from to to, or fails with ErrInvalidState.
func (c *Controller) transition(ctx context.Context, to State, from ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !slices.Contains(from, c.state) {
		return fmt.Errorf("%w: cannot enter %s from %s", ErrInvalidState, to, c.state)
	}
	c.state = to
	telemetry.RecordLifecycleTransition(ctx, to.String())
	c.logger.Debug("lifecycle transition", "version", c.cfg.Version, "state", to.String())
	return nil
}

func (c *Controller) set(ctx context.Context, to State) {
	c.mu.Lock()
	c.state = to
	c.mu.Unlock()
	telemetry.RecordLifecycleTransition(ctx, to.String())
}

// Install pre-caches the manifest into the static partition. Every manifest
// entry must fetch with a 2xx status or nothing is written and the controller
// becomes Redundant. On success the controller skips waiting and is
// immediately ready to activate.
func (c *Controller) Install(ctx context.Context) error {
	if err := c.transition(ctx, StateInstalling, StateNew); err != nil {
		return err
	}

	entries, err := c.fetchAll(ctx, c.cfg.Manifest)
	if err != nil {
		c.set(ctx, StateRedundant)
		return fmt.Errorf("installing %s: %w", c.cfg.Version, err)
	}

	if c.cfg.DiscoverAssets {
		entries = append(entries, c.discover(ctx, entries)...)
	}

	if err := c.putAll(ctx, entries); err != nil {
		c.set(ctx, StateRedundant)
		return fmt.Errorf("installing %s: %w", c.cfg.Version, err)
	}

	c.logger.Info("installed", "version", c.cfg.Version, "partition", c.cfg.StaticPartition, "entries", len(entries))

	// Skip waiting: installed controllers activate without a reload.
	return c.transition(ctx, StateInstalled, StateInstalling)
}

// Activate removes partitions from other versions, then claims open client
// pages. A claim failure is logged and does not fail activation.
func (c *Controller) Activate(ctx context.Context) error {
	if err := c.transition(ctx, StateActivating, StateInstalled); err != nil {
		return err
	}

	deleted, err := c.store.DeleteAllExcept(ctx, c.cfg.StaticPartition, c.cfg.DynamicPartition)
	if err != nil {
		c.set(ctx, StateInstalled)
		return fmt.Errorf("activating %s: deleting stale partitions: %w", c.cfg.Version, err)
	}
	for _, name := range deleted {
		c.logger.Info("deleted stale partition", "partition", name, "version", c.cfg.Version)
	}

	if c.claimer != nil {
		if err := c.claimer.Claim(ctx, c.cfg.Version); err != nil {
			c.logger.Warn("claiming clients failed", "version", c.cfg.Version, "error", err)
		}
	}

	c.logger.Info("activated", "version", c.cfg.Version)
	return c.transition(ctx, StateActive, StateActivating)
}

// Supersede marks an active controller as replaced by a newer version.
func (c *Controller) Supersede(ctx context.Context) error {
	return c.transition(ctx, StateSuperseded, StateActive)
}

type fetched struct {
	key  store.Key
	resp *store.Response
}

// fetchAll fetches targets in parallel. Any transport error or non-2xx
// status fails the whole batch.
func (c *Controller) fetchAll(ctx context.Context, targets []string) ([]fetched, error) {
	results := make([]fetched, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, target := range targets {
		g.Go(func() error {
			f, err := c.fetch(gctx, target)
			if err != nil {
				return err
			}
			results[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (c *Controller) fetch(ctx context.Context, target string) (fetched, error) {
	req, err := intercept.NewRequest("GET", target)
	if err != nil {
		return fetched{}, err
	}
	resp, err := c.network.Fetch(ctx, req)
	if err != nil {
		return fetched{}, fmt.Errorf("fetching %s: %w", target, err)
	}
	if !resp.OK() {
		return fetched{}, fmt.Errorf("fetching %s: unexpected status %d", target, resp.Status)
	}
	return fetched{key: store.NewKey(req.Method, req.RequestURI()), resp: resp}, nil
}

// discover fetches assets referenced by fetched HTML documents. Failures are
// logged and skipped.
func (c *Controller) discover(ctx context.Context, docs []fetched) []fetched {
	have := make(map[store.Key]bool, len(docs))
	for _, d := range docs {
		have[d.key] = true
	}

	var targets []string
	for _, d := range docs {
		if !isHTML(d.resp) {
			continue
		}
		assets, err := DiscoverAssets(d.resp.Body, d.resp.URL)
		if err != nil {
			c.logger.Debug("asset discovery failed", "url", d.resp.URL, "error", err)
			continue
		}
		for _, a := range assets {
			k := store.NewKey("GET", a)
			if !have[k] {
				have[k] = true
				targets = append(targets, a)
			}
		}
	}

	var (
		mu    sync.Mutex
		found []fetched
		g     errgroup.Group
	)
	g.SetLimit(maxParallelFetches)
	for _, target := range targets {
		g.Go(func() error {
			f, err := c.fetch(ctx, target)
			if err != nil {
				c.logger.Warn("skipping discovered asset", "target", target, "error", err)
				return nil
			}
			mu.Lock()
			found = append(found, f)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	c.logger.Debug("discovered assets", "version", c.cfg.Version, "found", len(found), "referenced", len(targets))
	return found
}

func (c *Controller) putAll(ctx context.Context, entries []fetched) error {
	p, err := c.store.Open(ctx, c.cfg.StaticPartition)
	if err != nil {
		return fmt.Errorf("opening partition %s: %w", c.cfg.StaticPartition, err)
	}
	for _, e := range entries {
		if err := p.Put(ctx, e.key, e.resp.Clone()); err != nil {
			return fmt.Errorf("caching %s: %w", e.key, err)
		}
	}
	return nil
}

func isHTML(resp *store.Response) bool {
	mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	return err == nil && mt == "text/html"
}
