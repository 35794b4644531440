package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/fuguesync/internal/entity"
	"github.com/agentworkforce/fuguesync/internal/realtime"
	"github.com/agentworkforce/fuguesync/internal/session"
	"github.com/agentworkforce/fuguesync/internal/syncengine"
)

func newSession(t *testing.T, backend realtime.Backend) *session.Session {
	t.Helper()
	sess, err := session.New(session.Options{Realtime: backend})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(sess.Stop)
	deadline := time.Now().Add(2 * time.Second)
	for sess.Snapshot().Transport != syncengine.TransportOnline {
		if time.Now().After(deadline) {
			t.Fatalf("session never came online: %+v", sess.Snapshot())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return sess
}

func TestHealth(t *testing.T) {
	server := NewServer(&fakeController{})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestUnknownRouteEchoesCorrelationID(t *testing.T) {
	server := NewServer(&fakeController{})
	resp := doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/nothing/here",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if got := resp.Header().Get("X-Correlation-Id"); got != "corr_1" {
		t.Fatalf("expected correlation id echoed, got %q", got)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["code"] != "not_found" || body["correlationId"] != "corr_1" {
		t.Fatalf("unexpected error body: %+v", body)
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/state"})
	if resp.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected a generated correlation id")
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	server := NewServerWithConfig(&fakeController{}, ServerConfig{JWTSecret: "secret"})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/state"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}

	readOnly := mustTestJWT(t, "secret", "cli", []string{scopeSyncRead}, time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/sync/push",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
	})
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without sync:write, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/state",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}

	expired := mustTestJWT(t, "secret", "cli", []string{scopeSyncRead}, time.Now().Add(-time.Minute))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/state",
		headers: map[string]string{"Authorization": "Bearer " + expired},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", resp.Code)
	}

	forged := mustTestJWT(t, "other", "cli", []string{scopeSyncRead}, time.Now().Add(time.Hour))
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/sync/state",
		headers: map[string]string{"Authorization": "Bearer " + forged},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", resp.Code)
	}
}

func TestEntityWriteAndPush(t *testing.T) {
	backend := realtime.NewMemoryBackend()
	server := NewServer(newSession(t, backend))

	resp := doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/entities/task/t1",
		body:   map[string]any{"data": map[string]any{"title": "Write docs", "status": "todo"}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on write, got %d (%s)", resp.Code, resp.Body.String())
	}
	var stored entity.SyncEntity
	decodeBody(t, resp, &stored)
	if stored.Version != 1 || stored.Type != entity.TypeTask {
		t.Fatalf("unexpected stored entity: %+v", stored)
	}

	var state syncStateResponse
	decodeBody(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/state"}), &state)
	if state.Status != syncengine.StatusSyncing || state.PendingChanges != 1 {
		t.Fatalf("expected syncing with one pending change, got %+v", state)
	}

	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/push"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on push, got %d (%s)", resp.Code, resp.Body.String())
	}
	var pushed struct {
		Result session.PushResult   `json:"result"`
		State  syncengine.SyncState `json:"state"`
	}
	decodeBody(t, resp, &pushed)
	if pushed.Result.Acknowledged != 1 || pushed.State.Status != syncengine.StatusSynced {
		t.Fatalf("unexpected push response: %+v", pushed)
	}
	if calls := backend.Upserts(); len(calls) != 1 || calls[0].Table != entity.TableTasks {
		t.Fatalf("expected one tasks upsert, got %+v", calls)
	}

	var listed struct {
		Type     entity.Type         `json:"type"`
		Entities []entity.SyncEntity `json:"entities"`
	}
	decodeBody(t, doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/tasks"}), &listed)
	if listed.Type != entity.TypeTask || len(listed.Entities) != 1 {
		t.Fatalf("unexpected entity list: %+v", listed)
	}

	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/task/t1"}); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for t1, got %d", resp.Code)
	}
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/task/missing"}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entity, got %d", resp.Code)
	}
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/entities/widgets"}); resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown type, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodPut, path: "/v1/entities/task/t2", body: map[string]any{"updatedBy": "x"}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without data, got %d", resp.Code)
	}
}

func TestPushFailureReturnsBadGateway(t *testing.T) {
	backend := realtime.NewMemoryBackend()
	sess := newSession(t, backend)
	server := NewServer(sess)
	if _, err := sess.UpdateEntity(context.Background(), entity.SyncEntity{ID: "a1", Type: entity.TypeAgent, Data: map[string]any{"name": "scout"}}); err != nil {
		t.Fatalf("update: %v", err)
	}
	backend.FailUpserts(errors.New("database unavailable"))

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/push"})
	if resp.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d (%s)", resp.Code, resp.Body.String())
	}
	var body struct {
		Code  string               `json:"code"`
		State syncengine.SyncState `json:"state"`
	}
	decodeBody(t, resp, &body)
	if body.Code != "push_failed" || body.State.Status != syncengine.StatusOffline || body.State.PendingChanges != 1 {
		t.Fatalf("unexpected failure body: %+v", body)
	}
}

func TestChatWithoutWebSocket(t *testing.T) {
	server := NewServer(newSession(t, realtime.NewMemoryBackend()))
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/chat", body: map[string]any{"message": "hello"}})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d (%s)", resp.Code, resp.Body.String())
	}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/chat", body: map[string]any{"message": "  "}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", resp.Code)
	}
}

func TestResolveConflictRoutes(t *testing.T) {
	ctl := &fakeController{conflict: syncengine.Conflict{ID: "conflict:task:t1:1700000000000", EntityType: entity.TypeTask, EntityID: "t1"}}
	server := NewServer(ctl)

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/conflicts/conflict:task:t1:1700000000000/resolve",
		body:   map[string]any{"resolution": "remote"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", resp.Code, resp.Body.String())
	}
	if ctl.resolvedID != "conflict:task:t1:1700000000000" || ctl.resolution != syncengine.ResolveRemote {
		t.Fatalf("unexpected resolve call: %q %q", ctl.resolvedID, ctl.resolution)
	}

	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/conflicts/c1/resolve",
		body:   map[string]any{"resolution": "both"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad resolution, got %d", resp.Code)
	}

	ctl.err = fmt.Errorf("%w: gone", session.ErrConflictUnknown)
	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/sync/conflicts/gone/resolve",
		body:   map[string]any{"resolution": "local"},
	})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown conflict, got %d", resp.Code)
	}

	ctl.err = session.ErrStopped
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/commands", body: map[string]any{"command": "deploy"}})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after stop, got %d", resp.Code)
	}
}

func TestCommandAccepted(t *testing.T) {
	ctl := &fakeController{}
	server := NewServer(ctl)
	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/commands",
		body:   map[string]any{"command": "deploy", "args": []string{"staging"}},
	})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	if ctl.command != "deploy" || len(ctl.args) != 1 || ctl.args[0] != "staging" {
		t.Fatalf("unexpected command call: %q %v", ctl.command, ctl.args)
	}
}

func TestBodyLimit(t *testing.T) {
	server := NewServerWithConfig(&fakeController{}, ServerConfig{MaxBodyBytes: 16})
	resp := doRawRequest(t, server, rawRequest{
		method: http.MethodPut,
		path:   "/v1/entities/task/t1",
		body:   []byte(`{"data":{"title":"` + strings.Repeat("x", 64) + `"}}`),
	})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
	resp = doRawRequest(t, server, rawRequest{method: http.MethodPut, path: "/v1/entities/task/t1", body: []byte(`{`)})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", resp.Code)
	}
}

func TestRateLimit(t *testing.T) {
	server := NewServerWithConfig(&fakeController{}, ServerConfig{RateLimitMax: 1, RateLimitWindow: time.Minute})
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/state"}); resp.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", resp.Code)
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/state"})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", resp.Header().Get("Retry-After"))
	}
}

func TestDashboard(t *testing.T) {
	resp := doRequest(t, NewServer(&fakeController{}), request{method: http.MethodGet, path: "/"})
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), "Fugue Sync") {
		t.Fatalf("expected dashboard html, got %d", resp.Code)
	}
}

type fakeController struct {
	conflict   syncengine.Conflict
	err        error
	resolvedID string
	resolution syncengine.Resolution
	command    string
	args       []string
}

func (f *fakeController) Snapshot() session.View {
	return session.View{State: syncengine.SyncState{Status: syncengine.StatusSynced}, Transport: syncengine.TransportOnline}
}

func (f *fakeController) Conflicts() []syncengine.Conflict {
	return nil
}

func (f *fakeController) Entities(entity.Type) []entity.SyncEntity {
	return nil
}

func (f *fakeController) Messages() []entity.Message {
	return nil
}

func (f *fakeController) UpdateEntity(_ context.Context, next entity.SyncEntity) (entity.SyncEntity, error) {
	return next, f.err
}

func (f *fakeController) ResolveConflict(_ context.Context, id string, resolution syncengine.Resolution) (syncengine.Conflict, error) {
	if f.err != nil {
		return syncengine.Conflict{}, f.err
	}
	f.resolvedID = id
	f.resolution = resolution
	return f.conflict, nil
}

func (f *fakeController) ForcePush(context.Context) (session.PushResult, error) {
	return session.PushResult{}, f.err
}

func (f *fakeController) SendChat(_ context.Context, text string, _ map[string]any) (entity.Message, error) {
	return entity.Message{Content: text, Role: entity.RoleUser}, f.err
}

func (f *fakeController) SendCommand(_ context.Context, command string, args ...string) error {
	if f.err != nil {
		return f.err
	}
	f.command = command
	f.args = args
	return nil
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

type rawRequest struct {
	method  string
	path    string
	headers map[string]string
	body    []byte
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	return doRawRequest(t, server, rawRequest{method: r.method, path: r.path, headers: r.headers, body: bodyBytes})
}

func doRawRequest(t *testing.T, server http.Handler, r rawRequest) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(r.body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, resp *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func mustTestJWT(t *testing.T, secret, clientID string, scopes []string, exp time.Time) string {
	t.Helper()
	headerBytes, err := json.Marshal(map[string]any{"alg": "HS256", "typ": "JWT"})
	if err != nil {
		t.Fatalf("marshal jwt header: %v", err)
	}
	payloadBytes, err := json.Marshal(map[string]any{
		"client_id": clientID,
		"scopes":    scopes,
		"exp":       exp.Unix(),
		"aud":       tokenAudience,
	})
	if err != nil {
		t.Fatalf("marshal jwt payload: %v", err)
	}
	signingInput := base64.RawURLEncoding.EncodeToString(headerBytes) + "." + base64.RawURLEncoding.EncodeToString(payloadBytes)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
