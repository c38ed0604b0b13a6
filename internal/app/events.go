package app

import (
	"time"

	"labhub/internal/store"
)

// Server-to-client event names. These are the wire contract of the
// realtime channel; clients switch on them.
const (
	EventAuthSuccess = "auth:success"
	EventAuthFailed  = "auth:failed"

	EventRoomJoined = "room:joined"
	EventRoomLeft   = "room:left"
	EventRoomError  = "room:error"

	EventMessageHistory = "message:history"
	EventMessageNew     = "message:new"
	EventMessageEdited  = "message:edited"
	EventMessageDeleted = "message:deleted"

	EventTypingStarted = "typing:started"
	EventTypingStopped = "typing:stopped"

	EventNotificationNew = "notification:new"

	EventProgressTask    = "progress:task:updated"
	EventProgressStudy   = "progress:study:updated"
	EventProgressProject = "progress:project:updated"

	EventError = "error"
)

type MessagePayload struct {
	ID        string     `json:"id"`
	RoomType  string     `json:"roomType"`
	RoomID    string     `json:"roomId"`
	SenderID  string     `json:"senderId"`
	Type      string     `json:"type"`
	Content   string     `json:"content"`
	FileID    *string    `json:"fileId,omitempty"`
	FileName  *string    `json:"fileName,omitempty"`
	FileSize  *int64     `json:"fileSize,omitempty"`
	MimeType  *string    `json:"mimeType,omitempty"`
	ReplyToID *string    `json:"replyToId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
}

func toMessagePayload(m store.Message) MessagePayload {
	return MessagePayload{
		ID:        m.ID,
		RoomType:  m.RoomType,
		RoomID:    m.RoomID,
		SenderID:  m.SenderID,
		Type:      m.Type,
		Content:   m.Content,
		FileID:    m.FileID,
		FileName:  m.FileName,
		FileSize:  m.FileSize,
		MimeType:  m.MimeType,
		ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt,
		EditedAt:  m.EditedAt,
	}
}

type NotificationPayload struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	RoomType   *string   `json:"roomType,omitempty"`
	RoomID     *string   `json:"roomId,omitempty"`
	TaskID     *string   `json:"taskId,omitempty"`
	StudyID    *string   `json:"studyId,omitempty"`
	ProjectID  *string   `json:"projectId,omitempty"`
	SenderID   *string   `json:"senderId,omitempty"`
	SenderName *string   `json:"senderName,omitempty"`
	ActionURL  *string   `json:"actionUrl,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"createdAt"`
}

func toNotificationPayload(n store.Notification) NotificationPayload {
	return NotificationPayload{
		ID:         n.ID,
		Type:       n.Type,
		Title:      n.Title,
		Body:       n.Body,
		RoomType:   n.RoomType,
		RoomID:     n.RoomID,
		TaskID:     n.TaskID,
		StudyID:    n.StudyID,
		ProjectID:  n.ProjectID,
		SenderID:   n.SenderID,
		SenderName: n.SenderName,
		ActionURL:  n.ActionURL,
		Read:       n.Read,
		CreatedAt:  n.CreatedAt,
	}
}

// NotificationEvent is pushed to each recipient's connections. It reaches
// every tab of the target user; any client that is not targetUserId must
// ignore it.
type NotificationEvent struct {
	Notification NotificationPayload `json:"notification"`
	TargetUserID string              `json:"targetUserId"`
}

type RoomJoinedEvent struct {
	RoomType    string `json:"roomType"`
	RoomID      string `json:"roomId"`
	MemberCount int    `json:"memberCount"`
}

type RoomLeftEvent struct {
	RoomType string `json:"roomType"`
	RoomID   string `json:"roomId"`
}

type RoomErrorEvent struct {
	Message  string `json:"message"`
	RoomType string `json:"roomType"`
	RoomID   string `json:"roomId"`
}

type HistoryEvent struct {
	RoomType   string           `json:"roomType"`
	RoomID     string           `json:"roomId"`
	Messages   []MessagePayload `json:"messages"`
	HasMore    bool             `json:"hasMore"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type MessageDeletedEvent struct {
	MessageID string `json:"messageId"`
	RoomType  string `json:"roomType"`
	RoomID    string `json:"roomId"`
}

type TypingEvent struct {
	RoomType string `json:"roomType"`
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName,omitempty"`
}

type ProgressEvent struct {
	TaskID    string  `json:"taskId,omitempty"`
	StudyID   string  `json:"studyId,omitempty"`
	ProjectID string  `json:"projectId,omitempty"`
	Progress  float64 `json:"progress"`
	Status    string  `json:"status,omitempty"`
}

type ErrorEvent struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}
