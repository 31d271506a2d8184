package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/localstore"
	"github.com/agentworkforce/relaysync/internal/observability"
	"github.com/agentworkforce/relaysync/internal/outbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine is the part of the sync engine the API exposes.
type Engine interface {
	SyncNow(ctx context.Context) error
	TriggerSync()
	Enqueue(ctx context.Context, kind outbox.Kind, data json.RawMessage) (outbox.Mutation, error)
	PendingMutations(ctx context.Context) ([]outbox.Mutation, error)
	Status(ctx context.Context) (engine.Status, error)
	Store() localstore.Store
	SubscribeAll(fn func(collections []string)) func()
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// ExposeMetrics serves the Prometheus registry on /metrics.
	ExposeMetrics bool
	// OriginPatterns lists host patterns (path.Match syntax, e.g.
	// "localhost:*") whose browsers may open the invalidation stream.
	// Same-origin and non-browser clients are always accepted.
	OriginPatterns []string
	Logger         zerolog.Logger
}

type Server struct {
	engine      Engine
	cfg         ServerConfig
	logger      zerolog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(eng Engine, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
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
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      eng,
		cfg:         cfg,
		logger:      cfg.Logger,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.ExposeMetrics {
		observability.Handler().ServeHTTP(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "status"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "sync"
	case len(parts) == 2 && parts[1] == "mutations" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "mutations_list"
	case len(parts) == 2 && parts[1] == "mutations" && r.Method == http.MethodPost:
		requiredScope = ScopeWrite
		route = "mutations_enqueue"
	case len(parts) == 3 && parts[1] == "collections" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "collection"
	case len(parts) == 4 && parts[1] == "collections" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "record"
	case len(parts) == 2 && parts[1] == "invalidations" && r.Method == http.MethodGet:
		requiredScope = ScopeRead
		route = "invalidations"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "invalidations" {
		// browsers cannot set headers on a websocket handshake
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && route != "invalidations" {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}
	s.logger.Debug().Str("route", route).Str("subject", claims.Subject).Str("correlation_id", correlationID).Msg("api request")

	switch route {
	case "status":
		s.handleStatus(w, r, correlationID)
	case "sync":
		s.handleSync(w, r, correlationID)
	case "mutations_list":
		s.handleListMutations(w, r, correlationID)
	case "mutations_enqueue":
		s.handleEnqueue(w, r, correlationID)
	case "collection":
		s.handleCollection(w, r, parts[2], correlationID)
	case "record":
		s.handleRecord(w, r, parts[2], parts[3], correlationID)
	case "invalidations":
		s.handleInvalidations(w, r, correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	status, err := s.engine.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSync schedules a background pass, or with {"wait":true} runs one
// and reports its outcome.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Wait bool `json:"wait"`
	}
	if r.ContentLength != 0 && !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if !body.Wait {
		s.engine.TriggerSync()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "correlationId": correlationID})
		return
	}
	if err := s.engine.SyncNow(r.Context()); err != nil {
		var passErr *engine.PassError
		switch {
		case engine.IsUnauthorized(err):
			writeError(w, http.StatusUnauthorized, "remote_unauthorized", "remote credential rejected; signed out", correlationID)
		case errors.As(err, &passErr):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"code":          "sync_failed",
				"message":       passErr.Error(),
				"failed":        passErr.Failed,
				"correlationId": correlationID,
			})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			writeError(w, http.StatusServiceUnavailable, "cancelled", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "synced", "correlationId": correlationID})
}

func (s *Server) handleListMutations(w http.ResponseWriter, r *http.Request, correlationID string) {
	pending, err := s.engine.PendingMutations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	if pending == nil {
		pending = []outbox.Mutation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"mutations": pending})
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body struct {
		Type outbox.Kind     `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	if body.Type == "" || len(body.Data) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "type and data are required", correlationID)
		return
	}
	m, err := s.engine.Enqueue(r.Context(), body.Type, body.Data)
	if err != nil {
		if errors.Is(err, outbox.ErrUnknownKind) || errors.Is(err, outbox.ErrInvalidPayload) {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, m)
}

type collectionItem struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type collectionPage struct {
	Items      []collectionItem `json:"items"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

var errPageFull = errors.New("page full")

// handleCollection pages through a collection in key order; cursor is the
// last key of the previous page.
func (s *Server) handleCollection(w http.ResponseWriter, r *http.Request, name, correlationID string) {
	if !readableCollection(name) {
		writeError(w, http.StatusNotFound, "not_found", "unknown collection", correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 200, 1, 1000)
	cursor := r.URL.Query().Get("cursor")
	page := collectionPage{Items: []collectionItem{}}
	err := s.engine.Store().Scan(r.Context(), name, func(key string, value json.RawMessage) error {
		if cursor != "" && key <= cursor {
			return nil
		}
		if len(page.Items) == limit {
			page.NextCursor = page.Items[len(page.Items)-1].Key
			return errPageFull
		}
		page.Items = append(page.Items, collectionItem{Key: key, Value: value})
		return nil
	})
	if err != nil && !errors.Is(err, errPageFull) {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request, name, key, correlationID string) {
	if !readableCollection(name) || key == "" {
		writeError(w, http.StatusNotFound, "not_found", "unknown collection", correlationID)
		return
	}
	value, err := s.engine.Store().Read(r.Context(), name, key)
	if err != nil {
		if errors.Is(err, localstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

// Internal collections hold credentials and bookkeeping; status and the
// mutations route cover what clients need from them.
func readableCollection(name string) bool {
	return name != "" && !strings.HasPrefix(name, "_")
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
	if len(strings.TrimSpace(string(body))) == 0 {
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

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
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
