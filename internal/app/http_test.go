package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"labhub/internal/auth"
	"labhub/internal/config"
	"labhub/internal/identity"
	"labhub/internal/realtime"
	"labhub/internal/store"
)

func newTestHTTPServer(st *fakeStore) *HTTPServer {
	broadcaster := newFakeBroadcaster()
	cfg := config.Config{HistoryLimit: 50, TypingTTL: 4 * time.Second}
	resolver := identity.StaticResolver{
		"tok-manager":    manager("boss"),
		"tok-researcher": researcher("u1"),
	}
	service := New(cfg, st, broadcaster, resolver)
	registry := realtime.NewRegistry()
	local := realtime.NewLocalBroadcaster(registry)
	return NewHTTPServer(service, registry, local, "*", "relay-secret")
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func decodeResponse(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthAndReady(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/health", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health status = %d", recorder.Code)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/ready", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("ready status = %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["status"] != "ready" {
		t.Fatalf("unexpected ready payload: %v", payload)
	}
}

func TestSessionIntrospection(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/session", "tok-manager", nil)
	payload := decodeResponse(t, recorder)
	if payload["authenticated"] != true || payload["userId"] != "boss" || payload["role"] != "manager" {
		t.Fatalf("unexpected session payload: %v", payload)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/session", "garbage", nil)
	payload = decodeResponse(t, recorder)
	if payload["authenticated"] != false {
		t.Fatalf("invalid token should not authenticate: %v", payload)
	}
}

func TestSessionLogoutRevokesToken(t *testing.T) {
	mr := miniredis.RunT(t)
	sessions, err := identity.NewRedisStore("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore: %v", err)
	}
	defer sessions.Close()

	secret := []byte("test-secret")
	cfg := config.Config{HistoryLimit: 50, TypingTTL: 4 * time.Second}
	service := New(cfg, &fakeStore{}, newFakeBroadcaster(), identity.NewTokenResolver(secret, sessions))
	registry := realtime.NewRegistry()
	handler := NewHTTPServer(service, registry, realtime.NewLocalBroadcaster(registry), "*", "relay-secret").Handler()

	token, err := auth.IssueToken(secret, auth.Claims{
		Sub: "boss", Name: "Rosa", Role: "manager", JTI: "jti-http", Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}

	recorder := doRequest(t, handler, http.MethodGet, "/api/session", token, nil)
	if payload := decodeResponse(t, recorder); payload["authenticated"] != true {
		t.Fatalf("token should authenticate before logout: %v", payload)
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/session/logout", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("logout status = %d body=%s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/session", token, nil)
	if payload := decodeResponse(t, recorder); payload["authenticated"] != false {
		t.Fatalf("revoked token must not authenticate: %v", payload)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/notifications", token, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("protected route should reject revoked token, got %d", recorder.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/rooms/task/t1/messages", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "UNAUTHORIZED" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestListMessagesEndpoint(t *testing.T) {
	st := &fakeStore{
		listMessagesFn: func(_ context.Context, roomType, roomID string, limit int, cursor string) ([]store.Message, bool, error) {
			if roomType != "task" || roomID != "t1" {
				t.Fatalf("unexpected room: %s/%s", roomType, roomID)
			}
			if limit != 10 || cursor != "m5" {
				t.Fatalf("query params not forwarded: limit=%d cursor=%q", limit, cursor)
			}
			return []store.Message{
				{ID: "m6", RoomType: roomType, RoomID: roomID, SenderID: "boss", Type: "text", Content: "hi"},
			}, true, nil
		},
	}
	handler := newTestHTTPServer(st).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/rooms/task/t1/messages?limit=10&cursor=m5", "tok-manager", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	payload := decodeResponse(t, recorder)
	if payload["hasMore"] != true || payload["nextCursor"] != "m6" {
		t.Fatalf("unexpected page: %v", payload)
	}
}

func TestListMessagesDeniedForUnassignedResearcher(t *testing.T) {
	st := &fakeStore{
		assignedUserIDsFn: func(context.Context, string, string) ([]string, error) {
			return []string{"someone-else"}, nil
		},
	}
	handler := newTestHTTPServer(st).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/rooms/task/t1/messages", "tok-researcher", nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	if payload["code"] != "PERMISSION_DENIED" {
		t.Fatalf("unexpected error payload: %v", payload)
	}
}

func TestListMessagesMissingRoomIs404(t *testing.T) {
	st := &fakeStore{
		resourceExistsFn: func(context.Context, string, string) (bool, error) { return false, nil },
	}
	handler := newTestHTTPServer(st).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/rooms/task/ghost/messages", "tok-manager", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestSendMessageEndpoint(t *testing.T) {
	var inserted store.Message
	st := &fakeStore{
		insertMessageFn: func(_ context.Context, m store.Message) error {
			inserted = m
			return nil
		},
		taskAssignmentFn: func(context.Context, string) (store.TaskAssignment, error) {
			return store.TaskAssignment{CreatorID: "creator"}, nil
		},
	}
	handler := newTestHTTPServer(st).Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/rooms/task/t1/messages", "tok-manager", map[string]any{
		"content": "from rest",
	})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	if inserted.Content != "from rest" || inserted.SenderID != "boss" {
		t.Fatalf("unexpected inserted message: %+v", inserted)
	}
}

func TestAssignTaskEndpoint(t *testing.T) {
	st := &fakeStore{
		getTaskFn: func(_ context.Context, taskID string) (store.Task, error) {
			return store.Task{ID: taskID, StudyID: "s1", Title: "Calibrate"}, nil
		},
		assignTaskFn: func(_ context.Context, _ string, userIDs []string) (store.TaskAssignment, []string, error) {
			return store.TaskAssignment{CreatorID: "creator", AssigneeIDs: userIDs}, userIDs, nil
		},
	}
	handler := newTestHTTPServer(st).Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/tasks/t1/assign", "tok-manager", map[string]any{
		"userIds": []string{"u2"},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/tasks/t1/assign", "tok-researcher", map[string]any{
		"userIds": []string{"u2"},
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("researcher assign should be 403, got %d", recorder.Code)
	}
}

func TestCompleteTaskShortcut(t *testing.T) {
	var gotStatus string
	st := &fakeStore{
		setTaskStatusFn: func(_ context.Context, taskID, status string) (store.Task, store.ProgressUpdate, error) {
			gotStatus = status
			return store.Task{ID: taskID, Status: status, Progress: 100},
				store.ProgressUpdate{TaskID: taskID, TaskProgress: 100, StudyID: "s1", StudyProgress: 100, ProjectID: "p1", ProjectProgress: 100}, nil
		},
		taskAssignmentFn: func(context.Context, string) (store.TaskAssignment, error) {
			return store.TaskAssignment{CreatorID: "creator"}, nil
		},
	}
	handler := newTestHTTPServer(st).Handler()

	recorder := doRequest(t, handler, http.MethodPost, "/api/tasks/t1/complete", "tok-manager", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", recorder.Code, recorder.Body.String())
	}
	if gotStatus != store.TaskCompleted {
		t.Fatalf("expected completed, got %q", gotStatus)
	}
	payload := decodeResponse(t, recorder)
	if payload["progress"] != float64(100) {
		t.Fatalf("unexpected payload: %v", payload)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	st := &fakeStore{
		listNotificationsFn: func(_ context.Context, userID string, unreadOnly bool, _ int) ([]store.Notification, error) {
			if userID != "boss" || !unreadOnly {
				t.Fatalf("unexpected query: user=%q unreadOnly=%v", userID, unreadOnly)
			}
			return []store.Notification{{ID: "n1", RecipientID: userID, Type: "message", Title: "New message"}}, nil
		},
		unreadNotificationCountFn: func(context.Context, string) (int, error) { return 3, nil },
		markNotificationReadFn: func(_ context.Context, notificationID, userID string) (bool, error) {
			return notificationID == "n1" && userID == "boss", nil
		},
	}
	handler := newTestHTTPServer(st).Handler()

	recorder := doRequest(t, handler, http.MethodGet, "/api/notifications?unread=1", "tok-manager", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("status = %d", recorder.Code)
	}
	payload := decodeResponse(t, recorder)
	items, ok := payload["notifications"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("unexpected notifications payload: %v", payload)
	}

	recorder = doRequest(t, handler, http.MethodGet, "/api/notifications/unread-count", "tok-manager", nil)
	payload = decodeResponse(t, recorder)
	if payload["count"] != float64(3) {
		t.Fatalf("unexpected count payload: %v", payload)
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/notifications/n1/read", "tok-manager", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("mark read status = %d", recorder.Code)
	}

	recorder = doRequest(t, handler, http.MethodPost, "/api/notifications/ghost/read", "tok-manager", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("unknown notification should be 404, got %d", recorder.Code)
	}
}

func TestRelayEmitRequiresToken(t *testing.T) {
	handler := newTestHTTPServer(&fakeStore{}).Handler()

	body := strings.NewReader(`{"kind":"all","event":"ping","data":{}}`)
	req := httptest.NewRequest(http.MethodPost, "/api/internal/realtime/emit", body)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("missing relay token should be 401, got %d", recorder.Code)
	}

	body = strings.NewReader(`{"kind":"all","event":"ping","data":{}}`)
	req = httptest.NewRequest(http.MethodPost, "/api/internal/realtime/emit", body)
	req.Header.Set(realtime.RelayHeader, "relay-secret")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusOK {
		t.Fatalf("valid relay emit should succeed, got %d body %s", recorder.Code, recorder.Body.String())
	}

	body = strings.NewReader(`{"kind":"banana","event":"ping","data":{}}`)
	req = httptest.NewRequest(http.MethodPost, "/api/internal/realtime/emit", body)
	req.Header.Set(realtime.RelayHeader, "relay-secret")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown emit kind should be 422, got %d", recorder.Code)
	}
}
