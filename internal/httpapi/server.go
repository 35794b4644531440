// Package httpapi exposes a running sync session over a small local HTTP
// control API.
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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/realtime"
	"github.com/agentworkforce/fuguesync/internal/session"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
	"github.com/agentworkforce/fuguesync/internal/wsclient"
)

const correlationHeader = "X-Correlation-Id"

// Controller is the part of *session.Session the API drives.
type Controller interface {
	Snapshot() session.View
	Conflicts() []syncengine.Conflict
	Entities(typ entity.Type) []entity.SyncEntity
	Messages() []entity.Message
	UpdateEntity(ctx context.Context, next entity.SyncEntity) (entity.SyncEntity, error)
	ResolveConflict(ctx context.Context, id string, resolution syncengine.Resolution) (syncengine.Conflict, error)
	ForcePush(ctx context.Context) (session.PushResult, error)
	SendChat(ctx context.Context, text string, chatContext map[string]any) (entity.Message, error)
	SendCommand(ctx context.Context, command string, args ...string) error
}

type ServerConfig struct {
	// JWTSecret enables bearer auth on /v1 routes. Empty means open access,
	// which is only sensible on a loopback address.
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          *zap.Logger
}

type Server struct {
	ctl         Controller
	cfg         ServerConfig
	logger      *zap.Logger
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

func NewServer(ctl Controller) *Server {
	return NewServerWithConfig(ctl, ServerConfig{})
}

func NewServerWithConfig(ctl Controller, cfg ServerConfig) *Server {
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{ctl: ctl, cfg: cfg, logger: logger, rateLimiter: limiter}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/" {
		s.handleDashboard(w, r)
		return
	}

	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set(correlationHeader, correlationID)

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "state" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "sync_state"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "conflicts" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "conflicts"
	case len(parts) == 5 && parts[1] == "sync" && parts[2] == "conflicts" && parts[4] == "resolve" && r.Method == http.MethodPost:
		requiredScope = scopeSyncWrite
		route = "resolve_conflict"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "push" && r.Method == http.MethodPost:
		requiredScope = scopeSyncWrite
		route = "push"
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "entities"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "entity"
	case len(parts) == 4 && parts[1] == "entities" && r.Method == http.MethodPut:
		requiredScope = scopeSyncWrite
		route = "put_entity"
	case len(parts) == 2 && parts[1] == "chat" && r.Method == http.MethodPost:
		requiredScope = scopeChatWrite
		route = "chat"
	case len(parts) == 3 && parts[1] == "chat" && parts[2] == "messages" && r.Method == http.MethodGet:
		requiredScope = scopeSyncRead
		route = "messages"
	case len(parts) == 2 && parts[1] == "commands" && r.Method == http.MethodPost:
		requiredScope = scopeChatWrite
		route = "command"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	client := clientKey(r)
	if s.cfg.JWTSecret != "" {
		claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, time.Now().UTC())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		client = claims.ClientID
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(client, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "sync_state":
		s.handleSyncState(w)
	case "conflicts":
		writeJSON(w, http.StatusOK, map[string]any{"conflicts": nonNil(s.ctl.Conflicts())})
	case "resolve_conflict":
		s.handleResolveConflict(w, r, parts[3], correlationID)
	case "push":
		s.handlePush(w, r, correlationID)
	case "entities":
		s.handleEntities(w, parts[2], correlationID)
	case "entity":
		s.handleEntity(w, parts[2], parts[3], correlationID)
	case "put_entity":
		s.handlePutEntity(w, r, parts[2], parts[3], correlationID)
	case "chat":
		s.handleChat(w, r, correlationID)
	case "messages":
		writeJSON(w, http.StatusOK, map[string]any{"messages": nonNil(s.ctl.Messages())})
	case "command":
		s.handleCommand(w, r, correlationID)
	}
}

type syncStateResponse struct {
	syncengine.SyncState
	Transport  syncengine.TransportStatus `json:"transport"`
	Connection wsclient.State             `json:"connection,omitempty"`
	Realtime   realtime.Status            `json:"realtime,omitempty"`
	LastError  string                     `json:"lastError,omitempty"`
}

func (s *Server) handleSyncState(w http.ResponseWriter) {
	view := s.ctl.Snapshot()
	writeJSON(w, http.StatusOK, syncStateResponse{
		SyncState:  view.State,
		Transport:  view.Transport,
		Connection: view.Connection,
		Realtime:   view.Realtime,
		LastError:  view.LastError,
	})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, conflictID, correlationID string) {
	var req struct {
		Resolution string `json:"resolution"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	resolution, err := syncengine.ParseResolution(req.Resolution)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "resolution must be local or remote", correlationID)
		return
	}
	conflict, err := s.ctl.ResolveConflict(r.Context(), conflictID, resolution)
	if err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conflict":   conflict,
		"resolution": resolution,
		"state":      s.ctl.Snapshot().State,
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request, correlationID string) {
	result, err := s.ctl.ForcePush(r.Context())
	if err != nil {
		if errors.Is(err, session.ErrStopped) || errors.Is(err, context.Canceled) {
			s.writeSessionError(w, err, correlationID)
			return
		}
		s.logger.Warn("push request failed", zap.String("correlationId", correlationID), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"code":          "push_failed",
			"message":       err.Error(),
			"correlationId": correlationID,
			"result":        result,
			"state":         s.ctl.Snapshot().State,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": result,
		"state":  s.ctl.Snapshot().State,
	})
}

func (s *Server) handleEntities(w http.ResponseWriter, rawType, correlationID string) {
	typ, ok := entity.ParseType(rawType)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown entity type", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":     typ,
		"entities": nonNil(s.ctl.Entities(typ)),
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, rawType, id, correlationID string) {
	typ, ok := entity.ParseType(rawType)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown entity type", correlationID)
		return
	}
	for _, item := range s.ctl.Entities(typ) {
		if item.ID == id {
			writeJSON(w, http.StatusOK, item)
			return
		}
	}
	writeError(w, http.StatusNotFound, "not_found", "entity not found", correlationID)
}

func (s *Server) handlePutEntity(w http.ResponseWriter, r *http.Request, rawType, id, correlationID string) {
	typ, ok := entity.ParseType(rawType)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "unknown entity type", correlationID)
		return
	}
	var req struct {
		Data      map[string]any `json:"data"`
		UpdatedBy string         `json:"updatedBy"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if req.Data == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "data object is required", correlationID)
		return
	}
	stored, err := s.ctl.UpdateEntity(r.Context(), entity.SyncEntity{ID: id, Type: typ, Data: req.Data, UpdatedBy: req.UpdatedBy})
	if err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Message string         `json:"message"`
		Context map[string]any `json:"context"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	msg, err := s.ctl.SendChat(r.Context(), req.Message, req.Context)
	if err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message": msg})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, correlationID string) {
	var req struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
	}
	if !s.decodeJSONBody(w, r, correlationID, &req) {
		return
	}
	if err := s.ctl.SendCommand(r.Context(), req.Command, req.Args...); err != nil {
		s.writeSessionError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"command": req.Command, "args": nonNil(req.Args)})
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, session.ErrConflictUnknown):
		writeError(w, http.StatusNotFound, "conflict_not_found", err.Error(), correlationID)
	case errors.Is(err, wsclient.ErrNotConnected):
		writeError(w, http.StatusServiceUnavailable, "not_connected", "websocket is not connected", correlationID)
	case errors.Is(err, session.ErrStopped), errors.Is(err, session.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "session_unavailable", err.Error(), correlationID)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", "request timed out", correlationID)
	default:
		s.logger.Error("control request failed", zap.String("correlationId", correlationID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error", correlationID)
	}
}

func getCorrelationID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(correlationHeader))
}

func clientKey(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
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

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
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
