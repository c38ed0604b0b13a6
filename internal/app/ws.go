package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"labhub/internal/access"
	"labhub/internal/identity"
	"labhub/internal/realtime"
	"labhub/internal/store"
)

const (
	maxFrameSize = 64 * 1024
	readWait     = 75 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// clientFrame is the wire shape of every client-to-server command.
type clientFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type roomFrame struct {
	RoomType string `json:"roomType"`
	RoomID   string `json:"roomId"`
}

type sendFrame struct {
	RoomType  string  `json:"roomType"`
	RoomID    string  `json:"roomId"`
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	FileID    *string `json:"fileId"`
	FileName  *string `json:"fileName"`
	FileSize  *int64  `json:"fileSize"`
	MimeType  *string `json:"mimeType"`
	ReplyToID *string `json:"replyToId"`
}

type editFrame struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

type messageIDFrame struct {
	MessageID string `json:"messageId"`
}

type historyFrame struct {
	RoomType string `json:"roomType"`
	RoomID   string `json:"roomId"`
	Limit    int    `json:"limit"`
	Cursor   string `json:"cursor"`
}

// handleWebsocket upgrades the request and runs the connection's read
// loop. Auth happens on the upgraded socket so the client gets a typed
// auth:failed event rather than a bare HTTP rejection.
func (h *HTTPServer) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade: %v", err)
		return
	}

	credential := r.URL.Query().Get("token")
	if credential == "" {
		credential = bearerToken(r)
	}
	ident, err := h.service.ResolveIdentity(r.Context(), credential)
	if err != nil {
		payload, _ := json.Marshal(realtime.Envelope{Event: EventAuthFailed, Data: ErrorEvent{
			Message: "Authentication failed",
			Code:    "UNAUTHORIZED",
		}})
		_ = socket.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = socket.WriteMessage(websocket.TextMessage, payload)
		_ = socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), time.Now().Add(5*time.Second))
		_ = socket.Close()
		return
	}

	conn := realtime.NewConnection(ident.UserID, socket)
	h.registry.Attach(conn)
	conn.Start()
	defer func() {
		h.registry.Detach(conn)
		h.service.StopTypingEverywhere(ident)
		conn.Close(websocket.CloseNormalClosure, "bye")
	}()

	h.sendEvent(conn, EventAuthSuccess, map[string]any{
		"userId":   ident.UserID,
		"userName": ident.UserName,
		"role":     ident.Role,
	})

	socket.SetReadLimit(maxFrameSize)
	_ = socket.SetReadDeadline(time.Now().Add(readWait))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("websocket read %s: %v", ident.UserID, err)
			}
			return
		}
		_ = socket.SetReadDeadline(time.Now().Add(readWait))

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			h.sendEvent(conn, EventError, ErrorEvent{Message: "Malformed frame", Code: "VALIDATION_ERROR"})
			continue
		}
		h.dispatch(r.Context(), conn, ident, frame)
	}
}

func (h *HTTPServer) dispatch(ctx context.Context, conn *realtime.Connection, ident identity.Identity, frame clientFrame) {
	switch frame.Event {
	case "room:join":
		h.handleRoomJoin(ctx, conn, ident, frame.Data)
	case "room:leave":
		h.handleRoomLeave(conn, ident, frame.Data)
	case "message:send":
		h.handleMessageSend(ctx, conn, ident, frame.Data)
	case "message:edit":
		h.handleMessageEdit(ctx, conn, ident, frame.Data)
	case "message:delete":
		h.handleMessageDelete(ctx, conn, ident, frame.Data)
	case "message:read":
		h.handleMessageRead(ctx, conn, ident, frame.Data)
	case "message:history":
		h.handleMessageHistory(ctx, conn, ident, frame.Data)
	case "typing:start":
		h.handleTyping(conn, ident, frame.Data, true)
	case "typing:stop":
		h.handleTyping(conn, ident, frame.Data, false)
	default:
		h.sendEvent(conn, EventError, ErrorEvent{Message: "Unknown event " + frame.Event, Code: "VALIDATION_ERROR"})
	}
}

// handleRoomJoin runs the access guard, registers the membership, and
// replies with room:joined followed by the first history page. A denied or
// missing room produces room:error, never a silent drop.
func (h *HTTPServer) handleRoomJoin(ctx context.Context, conn *realtime.Connection, ident identity.Identity, data json.RawMessage) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil || req.RoomType == "" || req.RoomID == "" {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "roomType and roomId are required", Code: "VALIDATION_ERROR"})
		return
	}

	if err := h.service.RequireRoomAccess(ctx, ident, req.RoomType, req.RoomID); err != nil {
		h.sendRoomError(conn, req.RoomType, req.RoomID, err)
		return
	}

	room := realtime.RoomKey{Type: req.RoomType, ID: req.RoomID}
	count := h.registry.Join(room, conn)
	h.sendEvent(conn, EventRoomJoined, RoomJoinedEvent{
		RoomType:    req.RoomType,
		RoomID:      req.RoomID,
		MemberCount: count,
	})

	page, err := h.service.History(ctx, ident, req.RoomType, req.RoomID, 0, "")
	if err != nil {
		h.sendError(conn, err)
		return
	}
	h.sendEvent(conn, EventMessageHistory, page)
}

func (h *HTTPServer) handleRoomLeave(conn *realtime.Connection, ident identity.Identity, data json.RawMessage) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil || req.RoomType == "" || req.RoomID == "" {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "roomType and roomId are required", Code: "VALIDATION_ERROR"})
		return
	}

	room := realtime.RoomKey{Type: req.RoomType, ID: req.RoomID}
	h.registry.Leave(room, conn)
	h.service.StopTyping(ident, req.RoomType, req.RoomID)
	h.sendEvent(conn, EventRoomLeft, RoomLeftEvent{RoomType: req.RoomType, RoomID: req.RoomID})
}

func (h *HTTPServer) handleMessageSend(ctx context.Context, conn *realtime.Connection, ident identity.Identity, data json.RawMessage) {
	var req sendFrame
	if err := json.Unmarshal(data, &req); err != nil {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "Malformed message:send payload", Code: "VALIDATION_ERROR"})
		return
	}

	_, err := h.service.SendMessage(ctx, ident, SendMessageInput{
		RoomType:  req.RoomType,
		RoomID:    req.RoomID,
		Type:      req.Type,
		Content:   req.Content,
		FileID:    req.FileID,
		FileName:  req.FileName,
		FileSize:  req.FileSize,
		MimeType:  req.MimeType,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		if errors.Is(err, access.ErrPermissionDenied) || errors.Is(err, access.ErrNotFound) {
			h.sendRoomError(conn, req.RoomType, req.RoomID, err)
			return
		}
		h.sendError(conn, err)
	}
}

func (h *HTTPServer) handleMessageEdit(ctx context.Context, conn *realtime.Connection, ident identity.Identity, data json.RawMessage) {
	var req editFrame
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID == "" {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "messageId is required", Code: "VALIDATION_ERROR"})
		return
	}
	if _, err := h.service.EditMessage(ctx, ident, req.MessageID, req.Content); err != nil {
		h.sendError(conn, err)
	}
}

func (h *HTTPServer) handleMessageDelete(ctx context.Context, conn *realtime.Connection, ident identity.Identity, data json.RawMessage) {
	var req messageIDFrame
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID == "" {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "messageId is required", Code: "VALIDATION_ERROR"})
		return
	}
	if err := h.service.DeleteMessage(ctx, ident, req.MessageID); err != nil {
		h.sendError(conn, err)
	}
}

func (h *HTTPServer) handleMessageRead(ctx context.Context, conn *realtime.Connection, ident identity.Identity, data json.RawMessage) {
	var req messageIDFrame
	if err := json.Unmarshal(data, &req); err != nil || req.MessageID == "" {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "messageId is required", Code: "VALIDATION_ERROR"})
		return
	}
	if err := h.service.MarkMessageRead(ctx, ident, req.MessageID); err != nil {
		h.sendError(conn, err)
	}
}

func (h *HTTPServer) handleMessageHistory(ctx context.Context, conn *realtime.Connection, ident identity.Identity, data json.RawMessage) {
	var req historyFrame
	if err := json.Unmarshal(data, &req); err != nil || req.RoomType == "" || req.RoomID == "" {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "roomType and roomId are required", Code: "VALIDATION_ERROR"})
		return
	}
	page, err := h.service.History(ctx, ident, req.RoomType, req.RoomID, req.Limit, req.Cursor)
	if err != nil {
		if errors.Is(err, access.ErrPermissionDenied) || errors.Is(err, access.ErrNotFound) {
			h.sendRoomError(conn, req.RoomType, req.RoomID, err)
			return
		}
		h.sendError(conn, err)
		return
	}
	h.sendEvent(conn, EventMessageHistory, page)
}

// handleTyping validates membership against the connection table rather
// than the database: membership is only reachable through the access
// guard, so the check is equivalent and costs no query per keystroke.
func (h *HTTPServer) handleTyping(conn *realtime.Connection, ident identity.Identity, data json.RawMessage, start bool) {
	var req roomFrame
	if err := json.Unmarshal(data, &req); err != nil || !store.ValidRoomType(req.RoomType) || req.RoomID == "" {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "roomType and roomId are required", Code: "VALIDATION_ERROR"})
		return
	}

	room := realtime.RoomKey{Type: req.RoomType, ID: req.RoomID}
	if !h.registry.IsMember(room, conn) {
		h.sendRoomError(conn, req.RoomType, req.RoomID, access.ErrPermissionDenied)
		return
	}

	if start {
		h.service.StartTyping(ident, req.RoomType, req.RoomID)
	} else {
		h.service.StopTyping(ident, req.RoomType, req.RoomID)
	}
}

func (h *HTTPServer) sendEvent(conn *realtime.Connection, event string, data any) {
	payload, err := json.Marshal(realtime.Envelope{Event: event, Data: data})
	if err != nil {
		log.Printf("marshal %s: %v", event, err)
		return
	}
	_ = conn.Send(payload)
}

func (h *HTTPServer) sendRoomError(conn *realtime.Connection, roomType, roomID string, err error) {
	message := "Access to this room was denied"
	if errors.Is(err, access.ErrNotFound) {
		message = "Room not found"
	}
	h.sendEvent(conn, EventRoomError, RoomErrorEvent{
		Message:  message,
		RoomType: roomType,
		RoomID:   roomID,
	})
}

func (h *HTTPServer) sendError(conn *realtime.Connection, err error) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		h.sendEvent(conn, EventError, ErrorEvent{Message: domainErr.Message, Code: domainErr.Code})
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		h.sendEvent(conn, EventError, ErrorEvent{Message: "Not found", Code: "NOT_FOUND"})
		return
	}
	log.Printf("websocket command: %v", err)
	h.sendEvent(conn, EventError, ErrorEvent{Message: "Internal error", Code: "SERVER_ERROR"})
}
