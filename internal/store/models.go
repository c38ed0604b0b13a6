package store

import "time"

// Room types address a broadcast/access-control scope over an existing
// project, study, or task record. Rooms are derived, never persisted.
const (
	RoomProject = "project"
	RoomStudy   = "study"
	RoomTask    = "task"
)

// ValidRoomType reports whether roomType names one of the three scopes.
func ValidRoomType(roomType string) bool {
	return roomType == RoomProject || roomType == RoomStudy || roomType == RoomTask
}

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
}

type Project struct {
	ID        string
	Name      string
	CreatedBy string
	Progress  float64
	CreatedAt time.Time
}

type Study struct {
	ID        string
	ProjectID string
	Name      string
	Progress  float64
	CreatedAt time.Time
}

type Task struct {
	ID         string
	StudyID    string
	Title      string
	Status     string
	CreatedBy  string
	AssignedTo *string // legacy single-assignment column
	Progress   float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TaskAssignment is the resolved assignment view of one task: the creator,
// the legacy single assignee if set, and the many-to-many assignee set
// (empty when the facility is absent).
type TaskAssignment struct {
	CreatorID        string
	LegacyAssigneeID *string
	AssigneeIDs      []string
}

type Message struct {
	ID        string
	RoomType  string
	RoomID    string
	SenderID  string
	Type      string
	Content   string
	FileID    *string
	FileName  *string
	FileSize  *int64
	MimeType  *string
	ReplyToID *string
	CreatedAt time.Time
	EditedAt  *time.Time
	DeletedAt *time.Time
}

type Notification struct {
	ID          string
	RecipientID string
	Type        string
	Title       string
	Body        string
	RoomType    *string
	RoomID      *string
	TaskID      *string
	StudyID     *string
	ProjectID   *string
	SenderID    *string
	SenderName  *string
	ActionURL   *string
	Read        bool
	CreatedAt   time.Time
}

// ProgressUpdate carries the recomputed rollups of one task mutation,
// ordered child to parent.
type ProgressUpdate struct {
	TaskID          string
	TaskProgress    float64
	StudyID         string
	StudyProgress   float64
	ProjectID       string
	ProjectProgress float64
}

// Task statuses and the completion percentage each one contributes to the
// study rollup.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
)

func ValidTaskStatus(status string) bool {
	return status == TaskPending || status == TaskInProgress || status == TaskCompleted
}

// StatusProgress maps a task status to its completion percentage.
func StatusProgress(status string) float64 {
	switch status {
	case TaskCompleted:
		return 100
	case TaskInProgress:
		return 50
	default:
		return 0
	}
}
