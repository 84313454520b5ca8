package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/sirupsen/logrus"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type ServerConfig struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	// FeedOriginPatterns is passed to websocket.AcceptOptions.OriginPatterns.
	FeedOriginPatterns []string
	FeedWriteTimeout   time.Duration
	Logger             logrus.FieldLogger
}

type Server struct {
	store       remote.Store
	cfg         ServerConfig
	logger      logrus.FieldLogger
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

func NewServer(store remote.Store) *Server {
	return NewServerWithConfig(store, ServerConfig{})
}

func NewServerWithConfig(store remote.Store, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.FeedWriteTimeout <= 0 {
		cfg.FeedWriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
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
		store:       store,
		cfg:         cfg,
		logger:      cfg.Logger.WithField("component", "httpapi"),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID != "" {
		w.Header().Set("X-Correlation-Id", correlationID)
	}
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "collections" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	collection := parts[2]

	var route string
	switch {
	case len(parts) == 4 && parts[3] == "records" && r.Method == http.MethodGet:
		route = "select"
	case len(parts) == 4 && parts[3] == "records" && r.Method == http.MethodPost:
		route = "insert"
	case len(parts) == 5 && parts[3] == "records" && r.Method == http.MethodGet:
		route = "get"
	case len(parts) == 5 && parts[3] == "records" && r.Method == http.MethodPatch:
		route = "update"
	case len(parts) == 5 && parts[3] == "records" && r.Method == http.MethodPut:
		route = "upsert"
	case len(parts) == 5 && parts[3] == "records" && r.Method == http.MethodDelete:
		route = "delete"
	case len(parts) == 4 && parts[3] == "feed" && r.Method == http.MethodGet:
		route = "feed"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	if s.rateLimiter != nil && route != "feed" {
		if !s.rateLimiter.allow(clientKey(r), time.Now().UTC()) {
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
	case "select":
		s.handleSelect(w, r, collection, correlationID)
	case "insert":
		s.handleInsert(w, r, collection, correlationID)
	case "get":
		s.handleGet(w, r, collection, parts[4], correlationID)
	case "update":
		s.handleUpdate(w, r, collection, parts[4], correlationID)
	case "upsert":
		s.handleUpsert(w, r, collection, parts[4], correlationID)
	case "delete":
		s.handleDelete(w, r, collection, parts[4], correlationID)
	case "feed":
		s.handleFeed(w, r, collection, correlationID)
	}
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	params := r.URL.Query()
	q := remote.Query{
		OrderBy: strings.TrimSpace(params.Get("order")),
		Desc:    parseBool(params.Get("desc"), false),
	}
	for key, values := range params {
		if key == "order" || key == "desc" || len(values) == 0 {
			continue
		}
		if q.Where == nil {
			q.Where = map[string]any{}
		}
		q.Where[key] = values[0]
	}
	records, err := s.store.Select(r.Context(), collection, q)
	if err != nil {
		s.writeStoreError(w, err, "select", collection, "", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, collection, id, correlationID string) {
	record, err := s.store.Get(r.Context(), collection, id)
	if err != nil {
		s.writeStoreError(w, err, "get", collection, id, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	var record remote.Record
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	out, err := s.store.Insert(r.Context(), collection, record)
	if err != nil {
		s.writeStoreError(w, err, "insert", collection, record.ID(), correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, collection, id, correlationID string) {
	var fields remote.Record
	if !s.decodeJSONBody(w, r, correlationID, &fields) {
		return
	}
	out, err := s.store.Update(r.Context(), collection, id, fields)
	if err != nil {
		s.writeStoreError(w, err, "update", collection, id, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request, collection, id, correlationID string) {
	var record remote.Record
	if !s.decodeJSONBody(w, r, correlationID, &record) {
		return
	}
	if record == nil {
		record = remote.Record{}
	}
	if bodyID := record.ID(); bodyID != "" && bodyID != id {
		writeError(w, http.StatusBadRequest, "bad_request", "record id does not match path", correlationID)
		return
	}
	record["id"] = id
	out, err := s.store.Upsert(r.Context(), collection, record)
	if err != nil {
		s.writeStoreError(w, err, "upsert", collection, id, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, collection, id, correlationID string) {
	if err := s.store.Delete(r.Context(), collection, id); err != nil {
		s.writeStoreError(w, err, "delete", collection, id, correlationID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFeed subscribes before upgrading so events written after the client's
// handshake completes are never missed.
func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request, collection, correlationID string) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	subCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := s.store.Subscribe(subCtx, collection, kinds...)
	if err != nil {
		s.writeStoreError(w, err, "subscribe", collection, "", correlationID)
		return
	}
	defer sub.Close()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.FeedOriginPatterns})
	if err != nil {
		s.logger.WithError(err).WithField("collection", collection).Warn("feed upgrade failed")
		return
	}
	logger := s.logger.WithFields(logrus.Fields{"collection": collection, "correlation_id": correlationID})
	logger.Debug("feed client connected")

	// CloseRead drains control frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			logger.Debug("feed client disconnected")
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-sub.Done():
			if errors.Is(sub.Err(), remote.ErrLagging) {
				logger.Warn("feed client fell behind; closing so it resyncs")
				_ = conn.Close(websocket.StatusTryAgainLater, "lagging")
				return
			}
			_ = conn.Close(websocket.StatusGoingAway, "feed closed")
			return
		case ev := <-sub.Events():
			writeCtx, writeCancel := context.WithTimeout(ctx, s.cfg.FeedWriteTimeout)
			err := wsjson.Write(writeCtx, conn, ev)
			writeCancel()
			if err != nil {
				logger.WithError(err).Warn("feed write failed")
				_ = conn.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error, op, collection, id, correlationID string) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "record not found", correlationID)
	case errors.Is(err, remote.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, remote.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error(), correlationID)
	case errors.Is(err, remote.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, "unavailable", "store closed", correlationID)
	default:
		s.logger.WithError(err).WithFields(logrus.Fields{
			"op":             op,
			"collection":     collection,
			"id":             id,
			"correlation_id": correlationID,
		}).Error("store operation failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "store operation failed", correlationID)
	}
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

func clientKey(r *http.Request) string {
	if forwarded := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); forwarded != "" {
		if first, _, found := strings.Cut(forwarded, ","); found {
			return strings.TrimSpace(first)
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func parseKinds(raw string) ([]remote.EventKind, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var kinds []remote.EventKind
	for _, part := range strings.Split(raw, ",") {
		switch kind := remote.EventKind(strings.ToLower(strings.TrimSpace(part))); kind {
		case remote.EventInsert, remote.EventUpdate, remote.EventDelete:
			kinds = append(kinds, kind)
		case "":
		default:
			return nil, errors.New("unsupported event kind: " + string(kind))
		}
	}
	return kinds, nil
}

func parseBool(raw string, fallback bool) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
