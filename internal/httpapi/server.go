package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/im-red/failed-requests-monitor/internal/failurelog"
)

const correlationHeader = "X-Correlation-Id"

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	AllowedOrigins  []string
}

type Server struct {
	router      *failurelog.Router
	log         *failurelog.Log
	notifier    *failurelog.Broadcaster
	cfg         ServerConfig
	rateLimiter *rateLimiter
	originHosts []string
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

type FailuresResponse struct {
	TabID          *int                       `json:"tabId,omitempty"`
	FailedRequests []failurelog.FailureRecord `json:"failedRequests"`
}

type StatusResponse struct {
	Backend     string         `json:"backend"`
	Records     int            `json:"records"`
	Capacity    int            `json:"capacity"`
	Tabs        map[string]int `json:"tabs"`
	ActiveTabID *int           `json:"activeTabId,omitempty"`
	Handled     uint64         `json:"handled"`
	Discarded   uint64         `json:"discarded"`
	Pending     int            `json:"pending"`
	Subscribers int            `json:"subscribers"`
	Published   uint64         `json:"published"`
	Dropped     uint64         `json:"dropped"`
}

type EventAccepted struct {
	Status        string `json:"status"`
	CorrelationID string `json:"correlationId"`
}

func NewServer(router *failurelog.Router) *Server {
	return NewServerWithConfig(router, ServerConfig{})
}

func NewServerWithConfig(router *failurelog.Router, cfg ServerConfig) *Server {
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
		router:      router,
		log:         router.Log(),
		notifier:    router.Notifier(),
		cfg:         cfg,
		rateLimiter: limiter,
		originHosts: originHosts(cfg.AllowedOrigins),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set(correlationHeader, correlationID)
	s.applyCORS(w, r)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	rateLimited := false
	switch {
	case len(parts) == 3 && parts[1] == "events" && r.Method == http.MethodPost:
		requiredScope = ScopeEventsWrite
		route = "event"
		rateLimited = true
	case len(parts) == 2 && parts[1] == "messages" && r.Method == http.MethodPost:
		requiredScope = ScopeFailuresWrite
		route = "message"
	case len(parts) == 2 && parts[1] == "failures" && r.Method == http.MethodGet:
		requiredScope = ScopeFailuresRead
		route = "failures"
	case len(parts) == 4 && parts[1] == "tabs" && parts[3] == "badge" && r.Method == http.MethodGet:
		requiredScope = ScopeFailuresRead
		route = "badge"
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		requiredScope = ScopeFailuresRead
		route = "status"
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet:
		requiredScope = ScopeFailuresRead
		route = "stream"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	claims, authErr := authorizeBearer(bearerFromRequest(r, route == "stream"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if rateLimited && s.rateLimiter != nil {
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

	switch route {
	case "event":
		s.handleEvent(w, r, parts[2], correlationID)
	case "message":
		s.handleMessage(w, r, correlationID)
	case "failures":
		s.handleFailures(w, r, correlationID)
	case "badge":
		s.handleBadge(w, r, parts[2], correlationID)
	case "status":
		s.handleStatus(w, r, correlationID)
	case "stream":
		s.handleStream(w, r, correlationID)
	}
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request, kind, correlationID string) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	var event failurelog.Event
	switch kind {
	case "network-failure":
		if err := failurelog.ValidateNetworkFailureJSON(body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
			return
		}
		var failure failurelog.NetworkFailureEvent
		if !decodeBody(w, body, correlationID, &failure) {
			return
		}
		event = failure
	case "tab-activated":
		var activated failurelog.TabActivatedEvent
		if !decodeBody(w, body, correlationID, &activated) || !requireTabID(w, activated.TabID, correlationID) {
			return
		}
		event = activated
	case "tab-updated":
		var updated failurelog.TabUpdatedEvent
		if !decodeBody(w, body, correlationID, &updated) || !requireTabID(w, updated.TabID, correlationID) {
			return
		}
		event = updated
	case "tab-removed":
		var removed failurelog.TabRemovedEvent
		if !decodeBody(w, body, correlationID, &removed) || !requireTabID(w, removed.TabID, correlationID) {
			return
		}
		event = removed
	case "startup":
		var startup failurelog.StartupEvent
		if len(strings.TrimSpace(string(body))) > 0 && !decodeBody(w, body, correlationID, &startup) {
			return
		}
		if startup.ActiveTabID != nil && !requireTabID(w, *startup.ActiveTabID, correlationID) {
			return
		}
		event = startup
	default:
		writeError(w, http.StatusNotFound, "not_found", "unknown event type: "+kind, correlationID)
		return
	}

	err := s.router.Submit(r.Context(), event)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, EventAccepted{Status: "queued", CorrelationID: correlationID})
	case errors.Is(err, failurelog.ErrNotAttributable):
		writeJSON(w, http.StatusAccepted, EventAccepted{Status: "discarded", CorrelationID: correlationID})
	default:
		writeEngineError(w, err, correlationID)
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request, correlationID string) {
	var msg failurelog.Message
	if !s.decodeJSONBody(w, r, correlationID, &msg) {
		return
	}
	resp, err := s.router.HandleMessage(r.Context(), msg)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request, correlationID string) {
	raw := strings.TrimSpace(r.URL.Query().Get("tabId"))
	if raw == "" {
		records, err := s.log.List(r.Context())
		if err != nil {
			writeEngineError(w, err, correlationID)
			return
		}
		writeJSON(w, http.StatusOK, FailuresResponse{FailedRequests: records})
		return
	}
	tabID, err := strconv.Atoi(raw)
	if err != nil || tabID < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "tabId must be a non-negative integer", correlationID)
		return
	}
	records, err := s.log.QueryByTab(r.Context(), tabID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, FailuresResponse{TabID: &tabID, FailedRequests: records})
}

func (s *Server) handleBadge(w http.ResponseWriter, r *http.Request, rawTabID, correlationID string) {
	tabID, err := strconv.Atoi(rawTabID)
	if err != nil || tabID < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "tab id must be a non-negative integer", correlationID)
		return
	}
	records, err := s.log.QueryByTab(r.Context(), tabID)
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, failurelog.NewBadgeState(tabID, len(records)))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, correlationID string) {
	counts, err := s.log.CountByTab(r.Context())
	if err != nil {
		writeEngineError(w, err, correlationID)
		return
	}
	resp := StatusResponse{
		Backend:   failurelog.BackendKind(s.log.Backend()),
		Capacity:  s.log.MaxRecords(),
		Tabs:      make(map[string]int, len(counts)),
		Handled:   s.router.Handled(),
		Discarded: s.router.Discarded(),
		Pending:   s.log.Pending(),
	}
	for tabID, count := range counts {
		resp.Tabs[strconv.Itoa(tabID)] = count
		resp.Records += count
	}
	if active, ok := s.router.Tabs().ActiveTab(); ok {
		resp.ActiveTabID = &active
	}
	if s.notifier != nil {
		resp.Subscribers = s.notifier.Subscribers()
		resp.Published = s.notifier.Published()
		resp.Dropped = s.notifier.Dropped()
	}
	writeJSON(w, http.StatusOK, resp)
}

func requireTabID(w http.ResponseWriter, tabID int, correlationID string) bool {
	if tabID < 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "tabId must be a non-negative integer", correlationID)
		return false
	}
	return true
}

func writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, failurelog.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, failurelog.ErrStorage):
		writeError(w, http.StatusInternalServerError, "storage_error", err.Error(), correlationID)
	case errors.Is(err, failurelog.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+correlationHeader)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Add("Vary", "Origin")
			return
		}
	}
}

func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			hosts = append(hosts, "*")
			continue
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			hosts = append(hosts, parsed.Host)
			continue
		}
		hosts = append(hosts, origin)
	}
	return hosts
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
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
	return decodeBody(w, body, correlationID, dst)
}

func decodeBody(w http.ResponseWriter, body []byte, correlationID string, dst any) bool {
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
