package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"labhub/internal/access"
	"labhub/internal/auth"
	"labhub/internal/identity"
	"labhub/internal/realtime"
)

type HTTPServer struct {
	service    *Service
	registry   *realtime.Registry
	local      realtime.Broadcaster
	corsOrigin string
	relayToken string
}

// NewHTTPServer wires the REST surface and the websocket endpoint over one
// handler. local is always the in-process broadcaster: relayed emits must
// land on this node's connections even when the service itself forwards
// its events elsewhere.
func NewHTTPServer(service *Service, registry *realtime.Registry, local realtime.Broadcaster, corsOrigin, relayToken string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		registry:   registry,
		local:      local,
		corsOrigin: corsOrigin,
		relayToken: relayToken,
	}
}

func (h *HTTPServer) Handler() http.Handler {
	return h.withMiddleware(http.HandlerFunc(h.handle))
}

func (h *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := h.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/ws" {
		h.handleWebsocket(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/internal/realtime/emit" {
		h.handleRelayEmit(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		token := bearerToken(r)
		if token == "" {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		ident, err := h.service.ResolveIdentity(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false, "userName": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"userName":      ident.UserName,
			"userId":        ident.UserID,
			"role":          ident.Role,
		})
		return
	}

	// Everything below requires a valid bearer token.
	ident, err := h.service.ResolveIdentity(r.Context(), bearerToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	segments := splitPath(r.URL.Path)

	// POST /api/session/logout
	if r.Method == http.MethodPost && len(segments) == 3 && segments[0] == "api" && segments[1] == "session" && segments[2] == "logout" {
		if err := h.service.RevokeCredential(r.Context(), bearerToken(r)); err != nil {
			h.fail(w, err)
			return
		}
		closed := h.registry.CloseUser(ident.UserID, websocket.ClosePolicyViolation, "session revoked")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connectionsClosed": closed})
		return
	}

	// GET /api/rooms/{type}/{id}/messages
	if r.Method == http.MethodGet && len(segments) == 5 && segments[0] == "api" && segments[1] == "rooms" && segments[4] == "messages" {
		h.handleListMessages(w, r, ident, segments[2], segments[3])
		return
	}

	// POST /api/rooms/{type}/{id}/messages
	if r.Method == http.MethodPost && len(segments) == 5 && segments[0] == "api" && segments[1] == "rooms" && segments[4] == "messages" {
		h.handleSendMessage(w, r, ident, segments[2], segments[3])
		return
	}

	// POST /api/rooms/{type}/{id}/read
	if r.Method == http.MethodPost && len(segments) == 5 && segments[0] == "api" && segments[1] == "rooms" && segments[4] == "read" {
		if err := h.service.MarkRoomRead(r.Context(), ident, segments[2], segments[3]); err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// GET /api/rooms/{type}/{id}/members/count
	if r.Method == http.MethodGet && len(segments) == 6 && segments[0] == "api" && segments[1] == "rooms" && segments[4] == "members" && segments[5] == "count" {
		if err := h.service.RequireRoomAccess(r.Context(), ident, segments[2], segments[3]); err != nil {
			h.fail(w, err)
			return
		}
		count := h.registry.MemberCount(realtime.RoomKey{Type: segments[2], ID: segments[3]})
		writeJSON(w, http.StatusOK, map[string]any{"memberCount": count})
		return
	}

	// POST /api/tasks/{id}/assign
	if r.Method == http.MethodPost && len(segments) == 4 && segments[0] == "api" && segments[1] == "tasks" && segments[3] == "assign" {
		h.handleAssignTask(w, r, ident, segments[2])
		return
	}

	// POST /api/tasks/{id}/status
	if r.Method == http.MethodPost && len(segments) == 4 && segments[0] == "api" && segments[1] == "tasks" && segments[3] == "status" {
		var body struct {
			Status string `json:"status"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		h.handleSetTaskStatus(w, r, ident, segments[2], body.Status)
		return
	}

	// POST /api/tasks/{id}/complete
	if r.Method == http.MethodPost && len(segments) == 4 && segments[0] == "api" && segments[1] == "tasks" && segments[3] == "complete" {
		h.handleSetTaskStatus(w, r, ident, segments[2], "completed")
		return
	}

	// GET /api/notifications
	if r.Method == http.MethodGet && len(segments) == 2 && segments[0] == "api" && segments[1] == "notifications" {
		unreadOnly := r.URL.Query().Get("unread") == "1" || r.URL.Query().Get("unread") == "true"
		items, err := h.service.Notifications(r.Context(), ident, unreadOnly)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"notifications": items})
		return
	}

	// GET /api/notifications/unread-count
	if r.Method == http.MethodGet && len(segments) == 3 && segments[0] == "api" && segments[1] == "notifications" && segments[2] == "unread-count" {
		count, err := h.service.UnreadNotificationCount(r.Context(), ident)
		if err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"count": count})
		return
	}

	// POST /api/notifications/{id}/read
	if r.Method == http.MethodPost && len(segments) == 4 && segments[0] == "api" && segments[1] == "notifications" && segments[3] == "read" {
		if err := h.service.MarkNotificationRead(r.Context(), ident, segments[2]); err != nil {
			h.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (h *HTTPServer) handleListMessages(w http.ResponseWriter, r *http.Request, ident identity.Identity, roomType, roomID string) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer", nil)
			return
		}
		limit = parsed
	}
	cursor := r.URL.Query().Get("cursor")

	page, err := h.service.History(r.Context(), ident, roomType, roomID, limit, cursor)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *HTTPServer) handleSendMessage(w http.ResponseWriter, r *http.Request, ident identity.Identity, roomType, roomID string) {
	var body sendFrame
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	message, err := h.service.SendMessage(r.Context(), ident, SendMessageInput{
		RoomType:  roomType,
		RoomID:    roomID,
		Type:      body.Type,
		Content:   body.Content,
		FileID:    body.FileID,
		FileName:  body.FileName,
		FileSize:  body.FileSize,
		MimeType:  body.MimeType,
		ReplyToID: body.ReplyToID,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"message": toMessagePayload(message)})
}

func (h *HTTPServer) handleAssignTask(w http.ResponseWriter, r *http.Request, ident identity.Identity, taskID string) {
	var body struct {
		UserIDs []string `json:"userIds"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}

	assignment, err := h.service.AssignTask(r.Context(), ident, taskID, body.UserIDs)
	if err != nil {
		h.fail(w, err)
		return
	}

	assignees := assignment.AssigneeIDs
	if assignees == nil {
		assignees = []string{}
	}
	response := map[string]any{
		"taskId":    taskID,
		"assignees": assignees,
	}
	if assignment.LegacyAssigneeID != nil {
		response["assignedTo"] = *assignment.LegacyAssigneeID
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *HTTPServer) handleSetTaskStatus(w http.ResponseWriter, r *http.Request, ident identity.Identity, taskID, status string) {
	task, err := h.service.SetTaskStatus(r.Context(), ident, taskID, status)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"taskId":   task.ID,
		"status":   task.Status,
		"progress": task.Progress,
	})
}

// handleRelayEmit replays an event forwarded by a secondary process onto
// this node's connections. Shared-token auth; never exposed through the
// public ingress.
func (h *HTTPServer) handleRelayEmit(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(r.Header.Get(realtime.RelayHeader))
	if token == "" || h.relayToken == "" || token != h.relayToken {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	var req realtime.EmitRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := realtime.Emit(h.local, req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (h *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), h.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrade reach the underlying connection
// through the logging wrapper.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, access.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, access.ErrPermissionDenied) {
		return http.StatusForbidden, "PERMISSION_DENIED", "Permission denied", nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, identity.ErrUnauthenticated) ||
		errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
