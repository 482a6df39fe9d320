// Package server exposes the offline cache gateway over HTTP.
//
// Every request outside /_sw/ is a fetch event: it is classified, run through
// the active worker's caching strategy and answered verbatim. The /_sw/
// routes carry the gateway's own control surface: health, metrics, partition
// stats, the client event stream, push and sync triggers, and the outbox of
// deferred writes.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/offline-cache/clients"
	"github.com/wolfeidau/offline-cache/intercept"
	"github.com/wolfeidau/offline-cache/notify"
	"github.com/wolfeidau/offline-cache/store"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/syncqueue"
	"github.com/wolfeidau/offline-cache/telemetry"
	"github.com/wolfeidau/offline-cache/worker"
)

// SourceHeader reports where a fetch response came from.
const SourceHeader = "X-Offline-Cache"

// DefaultMaxRequestBody caps request bodies read by the gateway.
const DefaultMaxRequestBody = 10 * 1024 * 1024 // 10MB

// DefaultDrainTimeout bounds the wait for event handlers on shutdown.
const DefaultDrainTimeout = 10 * time.Second

// maxControlBody caps bodies of /_sw/ control requests.
const maxControlBody = 64 * 1024

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Registration routes events to the active worker.
	Registration *worker.Registration

	// Store is the partitioned cache, used for stats.
	Store store.CacheStore

	// Hub streams events to client pages. Optional.
	Hub *clients.Hub

	// Outbox holds deferred writes. Optional; the outbox routes are only
	// registered when set.
	Outbox *syncqueue.FileStore

	// AdminToken guards push, partition and outbox listing routes with
	// Bearer authentication. Empty disables the check.
	AdminToken string

	// MaxRequestBody caps intercepted request bodies.
	MaxRequestBody int64

	// DrainTimeout bounds the wait for in-flight event handlers during
	// Shutdown. It starts once the HTTP server has stopped, so a slow
	// connection shutdown does not use it up.
	DrainTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP front of the gateway.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Registration == nil {
		return nil, errors.New("server: registration is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = DefaultMaxRequestBody
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = s.loggingMiddleware(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: the client event stream is long lived and
		// handlers are never cut short.
	}
	if cfg.Hub != nil {
		s.httpServer.RegisterOnShutdown(cfg.Hub.Shutdown)
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /_sw/health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /_sw/metrics", telemetry.PrometheusHandler())

	mux.Handle("GET /_sw/partitions", s.requireAdmin(s.handlePartitions))

	if s.config.Hub != nil {
		mux.Handle("GET /_sw/clients", s.config.Hub)
	}

	mux.Handle("POST /_sw/push", s.requireAdmin(s.handlePush))
	mux.HandleFunc("POST /_sw/notifications/{id}/click", s.handleNotificationClick)
	mux.HandleFunc("POST /_sw/sync", s.handleSync)

	if s.config.Outbox != nil {
		mux.HandleFunc("POST /_sw/outbox", s.handleEnqueue)
		mux.Handle("GET /_sw/outbox", s.requireAdmin(s.handleOutbox))
	}

	// Unknown control routes never reach the origin.
	mux.Handle("/_sw/", http.NotFoundHandler())

	// Everything else is an intercepted fetch.
	mux.HandleFunc("/", s.handleFetch)
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// handleFetch runs an intercepted request through the active worker.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	req, err := intercept.FromHTTP(r, s.config.MaxRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, intercept.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, err.Error())
		return
	}

	ev := &worker.Event{Kind: worker.KindFetch, Request: req}
	err = s.config.Registration.Dispatch(r.Context(), ev)
	telemetry.SetClass(r, ev.Class.String())
	if err != nil {
		if errors.Is(err, strategy.ErrNetwork) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			s.logger.Warn("fetch failed", "path", r.URL.Path, "class", ev.Class.String(), "error", err)
			writeError(w, http.StatusBadGateway, "upstream unavailable")
			return
		}
		s.logger.Error("fetch handler failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	telemetry.SetCacheResult(r, ev.Result.CacheResult)
	writeResult(w, ev.Result)
}

func writeResult(w http.ResponseWriter, res *strategy.Result) {
	h := w.Header()
	for name, values := range res.Response.Header {
		h[name] = append([]string(nil), values...)
	}
	h.Set(SourceHeader, string(res.Source))
	w.WriteHeader(res.Response.Status)
	_, _ = w.Write(res.Response.Body)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")

	resp := map[string]string{"status": "ok", "version": "", "state": "none"}
	if active := s.config.Registration.Active(); active != nil {
		resp["version"] = active.Version()
		resp["state"] = active.State().String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handlePartitions reports per-partition entry counts and sizes.
func (s *Server) handlePartitions(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "partitions")

	stats, err := s.config.Store.Stats(r.Context())
	if err != nil {
		s.logger.Error("reading partition stats", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		stats = []store.PartitionStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"partitions": stats})
}

// handlePush delivers a raw push payload to the worker.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "push")

	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := &worker.Event{Kind: worker.KindPush, Data: data}
	if err := s.config.Registration.Dispatch(r.Context(), ev); err != nil {
		s.dispatchError(w, ev, err)
		return
	}
	if ev.Ignored {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusCreated, ev.Notification)
}

// handleNotificationClick routes a click on a shown notification.
func (s *Server) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "notificationclick")

	var body struct {
		Action string `json:"action"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ev := &worker.Event{
		Kind:  worker.KindNotificationClick,
		Click: notify.Click{NotificationID: r.PathValue("id"), Action: body.Action},
	}
	err := s.config.Registration.Dispatch(r.Context(), ev)
	switch {
	case errors.Is(err, notify.ErrNotFound):
		writeError(w, http.StatusNotFound, "notification not found")
		return
	case errors.Is(err, worker.ErrNoActiveWorker):
		s.dispatchError(w, ev, err)
		return
	case err != nil:
		// Closing and opening windows are best-effort.
		s.logger.Warn("notification click partially failed", "id", ev.Click.NotificationID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSync triggers a background sync for a tag.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "sync")

	var body struct {
		Tag string `json:"tag"`
	}
	if err := decodeOptional(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}

	ev := &worker.Event{Kind: worker.KindSync, Tag: body.Tag}
	if err := s.config.Registration.Dispatch(r.Context(), ev); err != nil {
		s.dispatchError(w, ev, err)
		return
	}
	if ev.Ignored {
		writeJSON(w, http.StatusAccepted, map[string]bool{"ignored": true})
		return
	}
	writeJSON(w, http.StatusOK, ev.Report)
}

// handleEnqueue records a deferred write.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "outbox")

	data, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !json.Valid(data) {
		writeError(w, http.StatusBadRequest, "body must be JSON")
		return
	}

	op, err := s.config.Outbox.Enqueue(r.Context(), data)
	if err != nil {
		s.logger.Error("enqueueing operation", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": op.ID})
}

// handleOutbox lists pending operations.
func (s *Server) handleOutbox(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "outbox")

	ops, err := s.config.Outbox.Pending(r.Context())
	if err != nil {
		s.logger.Error("listing outbox", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": ops})
}

func (s *Server) dispatchError(w http.ResponseWriter, ev *worker.Event, err error) {
	if errors.Is(err, worker.ErrNoActiveWorker) {
		writeError(w, http.StatusServiceUnavailable, "no active worker")
		return
	}
	s.logger.Error("event handler failed", "kind", string(ev.Kind), "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func readBody(r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(data) > maxControlBody {
		return nil, fmt.Errorf("body exceeds %d bytes", maxControlBody)
	}
	return data, nil
}

// decodeOptional decodes a JSON body into v. An empty body leaves v unchanged.
func decodeOptional(r *http.Request, v any) error {
	data, err := readBody(r)
	if err != nil || len(data) == 0 {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set class, cache_result, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		attrs = append(attrs, tags.Attrs()...)
		if src := wrapped.Header().Get(SourceHeader); src != "" {
			attrs = append(attrs, "source", src)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and ends client event streams, then waits
// up to DrainTimeout for in-flight event handlers to finish. ctx bounds the
// HTTP shutdown only; cancelling it does not cut the handler wait short.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DrainTimeout)
	defer cancel()
	if waitErr := s.config.Registration.Wait(drainCtx); waitErr != nil {
		err = errors.Join(err, waitErr)
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
