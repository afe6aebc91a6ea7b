// Package httpx is the controller's HTTP surface: signed webhook
// ingress, read-only deployment/health endpoints, admin operations, and
// a websocket feed for the dashboard's live build-log tail.
package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/riftline/previewctl/internal/domain"
	"github.com/riftline/previewctl/internal/queue"
	"github.com/riftline/previewctl/internal/store"
	"github.com/riftline/previewctl/internal/sweeper"
	"github.com/riftline/previewctl/internal/webhook"
	"github.com/riftline/previewctl/internal/ws"
)

const (
	rateWindowDefault = time.Minute
	rateWindowWebhook = time.Minute
	maxBodyDefault    = 1 << 20
)

// Dispatcher is the subset of webhook.Dispatcher the router needs.
type Dispatcher interface {
	Handle(ctx context.Context, evt webhook.PullRequestEvent) (webhook.Outcome, error)
}

// Store is the subset of store.Store the router needs.
type Store interface {
	Get(ctx context.Context, pr int) (domain.DeploymentRecord, error)
	List(ctx context.Context) ([]domain.DeploymentRecord, error)
}

// QueueInspector is the subset of queue.Queue the router needs.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	Get(ctx context.Context, id string) (domain.Job, error)
}

// Healther reports the process's current health snapshot.
type Healther interface {
	Health(ctx context.Context) sweeper.Snapshot
}

// Cleaner runs the sweeper's reap pass on demand.
type Cleaner interface {
	Sweep(ctx context.Context, maxAge time.Duration) (int, error)
}

// Router wires the §6 HTTP surface onto services.
type Router struct {
	mux *http.ServeMux

	logger     *slog.Logger
	dispatcher Dispatcher
	store      Store
	queue      QueueInspector
	health     Healther
	cleaner    Cleaner
	hub        *ws.Hub
	upgrader   websocket.Upgrader

	webhookSecret string
	adminToken    string
	corsOrigin    string
	maxBodyBytes  int64
	trustProxy    bool

	limiter RateLimiter
	rateMax int

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
}

// Config bundles the Router's non-service dependencies.
type Config struct {
	WebhookSecret string
	AdminToken    string
	CORSOrigin    string
	MaxBodyBytes  int64
	TrustProxy    bool
	RateLimitMax  int
}

// New assembles the controller's Router.
func New(logger *slog.Logger, dispatcher Dispatcher, st Store, q QueueInspector, health Healther, cleaner Cleaner, hub *ws.Hub, limiter RateLimiter, cfg Config) *Router {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = maxBodyDefault
	}
	r := &Router{
		mux:           http.NewServeMux(),
		logger:        logger,
		dispatcher:    dispatcher,
		store:         st,
		queue:         q,
		health:        health,
		cleaner:       cleaner,
		hub:           hub,
		upgrader:      websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		webhookSecret: cfg.WebhookSecret,
		adminToken:    cfg.AdminToken,
		corsOrigin:    cfg.CORSOrigin,
		maxBodyBytes:  cfg.MaxBodyBytes,
		trustProxy:    cfg.TrustProxy,
		limiter:       limiter,
		rateMax:       cfg.RateLimitMax,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to the underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/webhooks/", r.instrument("/webhooks/", r.withRateLimit("/webhooks/", r.rateMax, rateWindowWebhook, rateLimitKeyIP, r.handleWebhook)))
	r.mux.HandleFunc("/health", r.instrument("/health", r.handleHealth))
	r.mux.HandleFunc("/deployments", r.instrument("/deployments", r.withRateLimit("/deployments", r.rateMax, rateWindowDefault, rateLimitKeyIP, r.handleDeploymentsList)))
	r.mux.HandleFunc("/deployments/", r.instrument("/deployments/:pr", r.withRateLimit("/deployments/:pr", r.rateMax, rateWindowDefault, rateLimitKeyIP, r.handleDeploymentGet)))
	r.mux.HandleFunc("/admin/cleanup", r.instrument("/admin/cleanup", r.requireAdmin(r.handleAdminCleanup)))
	r.mux.HandleFunc("/admin/queue/stats", r.instrument("/admin/queue/stats", r.requireAdmin(r.handleQueueStats)))
	r.mux.HandleFunc("/admin/jobs/", r.instrument("/admin/jobs/:id", r.requireAdmin(r.handleJobGet)))
	r.mux.HandleFunc("/ws/deployments/", r.handleDeploymentWS)
	r.mux.Handle("/metrics", promhttp.Handler())
}

// handleWebhook implements C1+C2: raw-body signature verification ahead
// of JSON parsing, then event classification and dispatch.
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	provider := strings.TrimPrefix(req.URL.Path, "/webhooks/")
	if provider == "" {
		r.notFound(w)
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, r.maxBodyBytes+1)
	rawBody, err := io.ReadAll(req.Body)
	if err != nil || int64(len(rawBody)) > r.maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "payload-too-large")
		return
	}

	sig := req.Header.Get("X-Hub-Signature-256")
	if err := webhook.VerifySignature(rawBody, r.webhookSecret, sig); err != nil {
		writeError(w, http.StatusUnauthorized, "signature-invalid")
		return
	}

	eventType := req.Header.Get("X-GitHub-Event")
	if eventType != "pull_request" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "unhandled-event-type"})
		return
	}

	evt, err := webhook.ParsePullRequestEvent(rawBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	outcome, err := r.dispatcher.Handle(req.Context(), evt)
	if err != nil {
		r.logger.Error("webhook dispatch failed", "pr_number", evt.PRNumber, "error", err)
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	body := map[string]any{"status": outcome.Body}
	if outcome.Reason != "" {
		body["reason"] = outcome.Reason
	}
	if outcome.JobID != "" {
		body["job_id"] = outcome.JobID
	}
	writeJSON(w, outcome.Status, body)
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	snap := r.health.Health(req.Context())
	status := http.StatusOK
	switch snap.Status {
	case sweeper.StatusDegraded:
		status = http.StatusPartialContent
	case sweeper.StatusUnhealthy:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

func (r *Router) handleDeploymentsList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	records, err := r.store.List(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (r *Router) handleDeploymentGet(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	pr, err := strconv.Atoi(strings.TrimPrefix(req.URL.Path, "/deployments/"))
	if err != nil {
		r.notFound(w)
		return
	}
	rec, err := r.store.Get(req.Context(), pr)
	if errors.Is(err, store.ErrNotFound) {
		r.notFound(w)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (r *Router) handleAdminCleanup(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	maxAge := 24 * time.Hour
	if raw := req.URL.Query().Get("maxAge"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			writeError(w, http.StatusBadRequest, "invalid maxAge")
			return
		}
		maxAge = time.Duration(hours) * time.Hour
	}
	swept, err := r.cleaner.Sweep(req.Context(), maxAge)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swept": swept})
}

func (r *Router) handleQueueStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.queue.Stats(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleJobGet(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(req.URL.Path, "/admin/jobs/")
	if id == "" {
		r.notFound(w)
		return
	}
	job, err := r.queue.Get(req.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		r.notFound(w)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDeploymentWS streams build/destroy progress lines for one PR
// over a websocket, fed by the controller's Redis Pub/Sub subscription
// broadcasting into r.hub.
func (r *Router) handleDeploymentWS(w http.ResponseWriter, req *http.Request) {
	prStr := strings.TrimPrefix(req.URL.Path, "/ws/deployments/")
	if prStr == "" || r.hub == nil {
		r.notFound(w)
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(prStr, client)
	go func() {
		defer func() {
			r.hub.Unregister(prStr, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.adminToken == "" {
			next(w, req)
			return
		}
		token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		token = strings.TrimSpace(token)
		if len(token) != len(r.adminToken) || subtle.ConstantTimeCompare([]byte(token), []byte(r.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next(w, req)
	}
}

func (r *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", r.corsOrigin)
		}
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"ip", r.clientIP(req),
		}
		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

func (r *Router) clientIP(req *http.Request) string {
	if r.trustProxy {
		if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
			if idx := strings.IndexByte(forwarded, ','); idx > 0 {
				return strings.TrimSpace(forwarded[:idx])
			}
			return forwarded
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

