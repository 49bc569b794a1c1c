package httpapi

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentworkforce/modmail/internal/events"
	"github.com/agentworkforce/modmail/internal/metrics"
	"github.com/agentworkforce/modmail/internal/modmail"
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
}

// Deps are the engine components the API fronts. Registry and Dispatcher
// are required; the rest may be nil.
type Deps struct {
	Registry   *modmail.Registry
	Dispatcher *modmail.Dispatcher
	Hub        *events.Hub
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Logger     *zap.Logger
}

type Server struct {
	registry           *modmail.Registry
	dispatcher         *modmail.Dispatcher
	hub                *events.Hub
	metrics            *metrics.Metrics
	metricsHandler     http.Handler
	logger             *zap.Logger
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   rate.Limit
	burst   int
	entries map[string]*rateEntry
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			limit:   rate.Every(cfg.RateLimitWindow / time.Duration(cfg.RateLimitMax)),
			burst:   cfg.RateLimitMax,
			entries: map[string]*rateEntry{},
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		registry:           deps.Registry,
		dispatcher:         deps.Dispatcher,
		hub:                deps.Hub,
		metrics:            deps.Metrics,
		metricsHandler:     promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}),
		logger:             logger,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	route := s.serve(rec, r)
	s.metrics.ObserveRequest(route, r.Method, rec.status, time.Since(start))
}

// serve routes the request and returns the route label used for metrics.
func (s *Server) serve(w http.ResponseWriter, r *http.Request) string {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return "health"
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet {
		s.metricsHandler.ServeHTTP(w, r)
		return "metrics"
	}
	if r.URL.Path == "/v1/internal/gateway-events" && r.Method == http.MethodPost {
		s.handleGatewayEvent(w, r)
		return "gateway_events"
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) == 2 && parts[0] == "logs" && parts[1] != "" {
		s.handleLogViewer(w, r, parts[1])
		return "log_viewer"
	}
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "threads" && r.Method == http.MethodGet:
		requiredScope = "threads:read"
		route = "threads_list"
	case len(parts) == 2 && parts[1] == "threads" && r.Method == http.MethodPost:
		requiredScope = "threads:write"
		route = "thread_contact"
	case len(parts) == 4 && parts[1] == "threads" && parts[3] == "reply" && r.Method == http.MethodPost:
		requiredScope = "threads:write"
		route = "thread_reply"
	case len(parts) == 4 && parts[1] == "threads" && parts[3] == "note" && r.Method == http.MethodPost:
		requiredScope = "threads:write"
		route = "thread_note"
	case len(parts) == 4 && parts[1] == "threads" && parts[3] == "close" && r.Method == http.MethodPost:
		requiredScope = "threads:write"
		route = "thread_close"
	case len(parts) == 4 && parts[1] == "threads" && parts[3] == "close" && r.Method == http.MethodDelete:
		requiredScope = "threads:write"
		route = "thread_close_cancel"
	case len(parts) == 4 && parts[1] == "threads" && parts[3] == "subscriptions" && r.Method == http.MethodPost:
		requiredScope = "threads:write"
		route = "thread_subscriptions"
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodGet:
		requiredScope = "logs:read"
		route = "logs_search"
	case len(parts) == 2 && parts[1] == "logs" && r.Method == http.MethodDelete:
		requiredScope = "logs:write"
		route = "logs_delete_all"
	case len(parts) == 3 && parts[1] == "logs" && r.Method == http.MethodGet:
		requiredScope = "logs:read"
		route = "log_get"
	case len(parts) == 3 && parts[1] == "logs" && r.Method == http.MethodDelete:
		requiredScope = "logs:write"
		route = "log_delete"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "validate" && r.Method == http.MethodPost:
		requiredScope = "admin:reconcile"
		route = "admin_validate"
	case len(parts) == 3 && parts[1] == "admin" && parts[2] == "migrate-notes" && r.Method == http.MethodPost:
		requiredScope = "admin:reconcile"
		route = "admin_migrate_notes"
	case len(parts) == 3 && parts[1] == "events" && parts[2] == "ws" && r.Method == http.MethodGet:
		requiredScope = "events:read"
		route = "events_ws"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return "not_found"
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "events_ws" {
		// Browsers cannot set headers on a websocket upgrade.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return route
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" && route != "events_ws" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return route
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.AgentName, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds() / float64(s.rateLimiter.burst)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return route
		}
	}

	switch route {
	case "threads_list":
		s.handleListThreads(w, r, correlationID)
	case "thread_contact":
		s.handleContact(w, r, claims, correlationID)
	case "thread_reply":
		s.handleReply(w, r, parts[2], claims, correlationID)
	case "thread_note":
		s.handleNote(w, r, parts[2], claims, correlationID)
	case "thread_close":
		s.handleClose(w, r, parts[2], claims, correlationID)
	case "thread_close_cancel":
		s.handleCancelClose(w, r, parts[2], claims, correlationID)
	case "thread_subscriptions":
		s.handleSubscriptions(w, r, parts[2], claims, correlationID)
	case "logs_search":
		s.handleSearchLogs(w, r, correlationID)
	case "logs_delete_all":
		s.handleDeleteAllLogs(w, r, correlationID)
	case "log_get":
		s.handleGetLog(w, r, parts[2], correlationID)
	case "log_delete":
		s.handleDeleteLog(w, r, parts[2], correlationID)
	case "admin_validate":
		s.handleAdminValidate(w, r, claims, correlationID)
	case "admin_migrate_notes":
		s.handleAdminMigrateNotes(w, r, claims, correlationID)
	case "events_ws":
		s.handleEventsWS(w, r, claims)
	}
	return route
}

func (s *Server) handleGatewayEvent(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	now := time.Now().UTC()
	if authErr := verifyInternalHMAC(
		s.cfg.InternalHMACSecret,
		r.Header.Get("X-Modmail-Timestamp"),
		r.Header.Get("X-Modmail-Signature"),
		body,
		now,
		s.cfg.InternalMaxSkew,
	); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if !s.markInternalReplaySeen(r.Header.Get("X-Modmail-Timestamp"), r.Header.Get("X-Modmail-Signature"), now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return
	}

	var ev modmail.GatewayEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if ev.ID == "" {
		ev.ID = correlationID
	}
	if err := s.dispatcher.Submit(ev); err != nil {
		switch {
		case errors.Is(err, modmail.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		case errors.Is(err, modmail.ErrQueueFull):
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "queue_full", err.Error(), correlationID)
		case errors.Is(err, modmail.ErrInvalidState):
			writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "queued",
		"id":            ev.ID,
		"correlationId": correlationID,
	})
}

func (s *Server) handleAdminValidate(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	skipRepair := parseBool(r.URL.Query().Get("skipRepair"), false)
	if err := s.registry.ValidateAll(r.Context(), skipRepair); err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	s.logger.Info("threads_validated",
		zap.String("agent", claims.AgentName),
		zap.Bool("skip_repair", skipRepair),
		zap.String("correlation_id", correlationID),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"threads": s.registry.Len(),
	})
}

func (s *Server) handleAdminMigrateNotes(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	migrated, err := s.registry.MigrateNoteTypes(r.Context())
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	s.logger.Info("notes_migrated",
		zap.String("agent", claims.AgentName),
		zap.Int("migrated", migrated),
		zap.String("correlation_id", correlationID),
	)
	writeJSON(w, http.StatusOK, map[string]any{"migrated": migrated})
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

// writeEngineError maps engine sentinels onto API status codes.
func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, modmail.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, modmail.ErrNotFound), errors.Is(err, modmail.ErrPlatformNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, modmail.ErrInvalidState),
		errors.Is(err, modmail.ErrThreadNotReady),
		errors.Is(err, modmail.ErrThreadCancelled):
		writeError(w, http.StatusConflict, "invalid_state", err.Error(), correlationID)
	case errors.Is(err, modmail.ErrLinkMessage):
		writeError(w, http.StatusUnprocessableEntity, "link_failed", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k, entry := range r.entries {
		if now.Sub(entry.lastSeen) > r.window {
			delete(r.entries, k)
		}
	}
	entry, ok := r.entries[key]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

// statusRecorder keeps the response status for request metrics. It passes
// hijacking through so websocket upgrades still work.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}

func parseBool(raw string, fallback bool) bool {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return parsed
}

// parseDelay accepts "10m" style durations or a bare number of seconds.
func parseDelay(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(trimmed); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("negative delay")
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(trimmed, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid delay %q", raw)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
