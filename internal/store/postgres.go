package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
	// multiAssign is detected once at startup; when false every assignment
	// query degrades to the legacy assigned_to column.
	multiAssign bool
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DetectMultiAssign probes for the task_assignees join table. Called once
// at startup so assignment queries never need per-call table-existence
// fallbacks.
func (s *PostgresStore) DetectMultiAssign(ctx context.Context) error {
	var present bool
	err := s.db.QueryRowContext(ctx, `SELECT to_regclass('task_assignees') IS NOT NULL`).Scan(&present)
	if err != nil {
		return fmt.Errorf("detect task_assignees: %w", err)
	}
	s.multiAssign = present
	return nil
}

func (s *PostgresStore) MultiAssign() bool {
	return s.multiAssign
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListManagerIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE role='manager'`)
	if err != nil {
		return nil, fmt.Errorf("list managers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan manager id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate managers: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	err := s.db.QueryRowContext(ctx, `
		SELECT id, study_id, title, status, created_by, assigned_to, progress, created_at, updated_at
		FROM tasks WHERE id=$1
	`, taskID).Scan(&task.ID, &task.StudyID, &task.Title, &task.Status, &task.CreatedBy,
		&task.AssignedTo, &task.Progress, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

func (s *PostgresStore) GetStudy(ctx context.Context, studyID string) (Study, error) {
	var study Study
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, name, progress, created_at FROM studies WHERE id=$1
	`, studyID).Scan(&study.ID, &study.ProjectID, &study.Name, &study.Progress, &study.CreatedAt)
	if err != nil {
		return Study{}, err
	}
	return study, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, progress, created_at FROM projects WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.CreatedBy, &project.Progress, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

// ResourceExists reports whether the room's underlying record exists.
func (s *PostgresStore) ResourceExists(ctx context.Context, roomType, roomID string) (bool, error) {
	var query string
	switch roomType {
	case RoomTask:
		query = `SELECT EXISTS(SELECT 1 FROM tasks WHERE id=$1)`
	case RoomStudy:
		query = `SELECT EXISTS(SELECT 1 FROM studies WHERE id=$1)`
	case RoomProject:
		query = `SELECT EXISTS(SELECT 1 FROM projects WHERE id=$1)`
	default:
		return false, fmt.Errorf("unknown room type %q", roomType)
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, query, roomID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check %s exists: %w", roomType, err)
	}
	return exists, nil
}

// TaskAssignment resolves one task's creator, legacy assignee, and
// many-to-many assignee set.
func (s *PostgresStore) TaskAssignment(ctx context.Context, taskID string) (TaskAssignment, error) {
	var assignment TaskAssignment
	err := s.db.QueryRowContext(ctx, `
		SELECT created_by, assigned_to FROM tasks WHERE id=$1
	`, taskID).Scan(&assignment.CreatorID, &assignment.LegacyAssigneeID)
	if err != nil {
		return TaskAssignment{}, err
	}

	if !s.multiAssign {
		return assignment, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM task_assignees WHERE task_id=$1 ORDER BY user_id
	`, taskID)
	if err != nil {
		return TaskAssignment{}, fmt.Errorf("list task assignees: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return TaskAssignment{}, fmt.Errorf("scan assignee: %w", err)
		}
		assignment.AssigneeIDs = append(assignment.AssigneeIDs, id)
	}
	if err := rows.Err(); err != nil {
		return TaskAssignment{}, fmt.Errorf("iterate assignees: %w", err)
	}
	return assignment, nil
}

// AssignedUserIDs returns the union of legacy and many-to-many assignees
// for every task reachable through the room's scope. This is the single
// assignment-graph traversal shared by the access guard and the recipient
// resolver.
func (s *PostgresStore) AssignedUserIDs(ctx context.Context, roomType, roomID string) ([]string, error) {
	var legacy, joined string
	switch roomType {
	case RoomTask:
		legacy = `SELECT assigned_to FROM tasks WHERE id=$1 AND assigned_to IS NOT NULL`
		joined = `SELECT user_id FROM task_assignees WHERE task_id=$1`
	case RoomStudy:
		legacy = `SELECT assigned_to FROM tasks WHERE study_id=$1 AND assigned_to IS NOT NULL`
		joined = `SELECT ta.user_id FROM task_assignees ta JOIN tasks t ON t.id=ta.task_id WHERE t.study_id=$1`
	case RoomProject:
		legacy = `
			SELECT t.assigned_to FROM tasks t
			JOIN studies s ON s.id=t.study_id
			WHERE s.project_id=$1 AND t.assigned_to IS NOT NULL`
		joined = `
			SELECT ta.user_id FROM task_assignees ta
			JOIN tasks t ON t.id=ta.task_id
			JOIN studies s ON s.id=t.study_id
			WHERE s.project_id=$1`
	default:
		return nil, fmt.Errorf("unknown room type %q", roomType)
	}

	query := legacy
	if s.multiAssign {
		query = legacy + " UNION " + joined
	}

	rows, err := s.db.QueryContext(ctx, query, roomID)
	if err != nil {
		return nil, fmt.Errorf("list assigned users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan assigned user: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assigned users: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_type, room_id, sender_id, type, content,
			file_id, file_name, file_size, mime_type, reply_to_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, message.ID, message.RoomType, message.RoomID, message.SenderID, message.Type, message.Content,
		message.FileID, message.FileName, message.FileSize, message.MimeType, message.ReplyToID, message.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// GetMessage returns a live (not soft-deleted) message.
func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var m Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, room_type, room_id, sender_id, type, content,
			file_id, file_name, file_size, mime_type, reply_to_id,
			created_at, edited_at, deleted_at
		FROM messages WHERE id=$1 AND deleted_at IS NULL
	`, messageID).Scan(&m.ID, &m.RoomType, &m.RoomID, &m.SenderID, &m.Type, &m.Content,
		&m.FileID, &m.FileName, &m.FileSize, &m.MimeType, &m.ReplyToID,
		&m.CreatedAt, &m.EditedAt, &m.DeletedAt)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, content string, editedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content=$2, edited_at=$3 WHERE id=$1 AND deleted_at IS NULL
	`, messageID, content, editedAt)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, messageID string, deletedAt time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at=$2 WHERE id=$1 AND deleted_at IS NULL
	`, messageID, deletedAt)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListMessages returns one history page, oldest to newest, soft-deleted
// rows excluded. cursor, when non-empty, is the id of the oldest message
// of the previously loaded page; the returned page holds the messages
// immediately before it. hasMore reports whether older messages remain.
func (s *PostgresStore) ListMessages(ctx context.Context, roomType, roomID string, limit int, cursor string) ([]Message, bool, error) {
	query := `
		SELECT id, room_type, room_id, sender_id, type, content,
			file_id, file_name, file_size, mime_type, reply_to_id,
			created_at, edited_at, deleted_at
		FROM messages
		WHERE room_type=$1 AND room_id=$2 AND deleted_at IS NULL`
	args := []any{roomType, roomID}
	if cursor != "" {
		query += ` AND (created_at, id) < (SELECT created_at, id FROM messages WHERE id=$3)`
		args = append(args, cursor)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var newestFirst []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RoomType, &m.RoomID, &m.SenderID, &m.Type, &m.Content,
			&m.FileID, &m.FileName, &m.FileSize, &m.MimeType, &m.ReplyToID,
			&m.CreatedAt, &m.EditedAt, &m.DeletedAt); err != nil {
			return nil, false, fmt.Errorf("scan message: %w", err)
		}
		newestFirst = append(newestFirst, m)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("iterate messages: %w", err)
	}

	hasMore := len(newestFirst) > limit
	if hasMore {
		newestFirst = newestFirst[:limit]
	}
	messages := make([]Message, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		messages = append(messages, newestFirst[i])
	}
	return messages, hasMore, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, type, title, body,
			room_type, room_id, task_id, study_id, project_id,
			sender_id, sender_name, action_url, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, n.ID, n.RecipientID, n.Type, n.Title, n.Body,
		n.RoomType, n.RoomID, n.TaskID, n.StudyID, n.ProjectID,
		n.SenderID, n.SenderName, n.ActionURL, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	query := `
		SELECT id, recipient_id, type, title, body,
			room_type, room_id, task_id, study_id, project_id,
			sender_id, sender_name, action_url, read, created_at
		FROM notifications
		WHERE recipient_id=$1`
	if unreadOnly {
		query += ` AND read=FALSE`
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Body,
			&n.RoomType, &n.RoomID, &n.TaskID, &n.StudyID, &n.ProjectID,
			&n.SenderID, &n.SenderName, &n.ActionURL, &n.Read, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead flips read for one notification owned by userID.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE WHERE id=$1 AND recipient_id=$2
	`, notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	return n > 0, nil
}

// MarkRoomNotificationsRead flips read for every notification the user has
// for the given room. Backs the message:read command.
func (s *PostgresStore) MarkRoomNotificationsRead(ctx context.Context, userID, roomType, roomID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read=TRUE
		WHERE recipient_id=$1 AND room_type=$2 AND room_id=$3 AND read=FALSE
	`, userID, roomType, roomID)
	if err != nil {
		return fmt.Errorf("mark room notifications read: %w", err)
	}
	return nil
}

func (s *PostgresStore) UnreadNotificationCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE recipient_id=$1 AND read=FALSE
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// AssignTask adds userIDs to the task's assignee set and returns the
// resulting assignment plus the subset that was not assigned before, by
// either mechanism. Callers notify only the newly assigned users, which is
// what keeps a creation-time assignee from being notified twice by a
// follow-up multi-assign call.
func (s *PostgresStore) AssignTask(ctx context.Context, taskID string, userIDs []string) (TaskAssignment, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return TaskAssignment{}, nil, fmt.Errorf("begin assign tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var assignment TaskAssignment
	err = tx.QueryRowContext(ctx, `
		SELECT created_by, assigned_to FROM tasks WHERE id=$1 FOR UPDATE
	`, taskID).Scan(&assignment.CreatorID, &assignment.LegacyAssigneeID)
	if err != nil {
		return TaskAssignment{}, nil, err
	}

	existing := make(map[string]struct{})
	if assignment.LegacyAssigneeID != nil {
		existing[*assignment.LegacyAssigneeID] = struct{}{}
	}
	if s.multiAssign {
		rows, err := tx.QueryContext(ctx, `SELECT user_id FROM task_assignees WHERE task_id=$1`, taskID)
		if err != nil {
			return TaskAssignment{}, nil, fmt.Errorf("list assignees: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return TaskAssignment{}, nil, fmt.Errorf("scan assignee: %w", err)
			}
			existing[id] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return TaskAssignment{}, nil, fmt.Errorf("iterate assignees: %w", err)
		}
		rows.Close()
	}

	var newlyAssigned []string
	for _, userID := range userIDs {
		if _, ok := existing[userID]; ok {
			continue
		}
		existing[userID] = struct{}{}
		newlyAssigned = append(newlyAssigned, userID)

		if s.multiAssign {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_assignees (task_id, user_id) VALUES ($1, $2)
				ON CONFLICT (task_id, user_id) DO NOTHING
			`, taskID, userID); err != nil {
				return TaskAssignment{}, nil, fmt.Errorf("insert assignee: %w", err)
			}
		} else if assignment.LegacyAssigneeID == nil {
			// Single-assignment deployments can hold one assignee.
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET assigned_to=$2, updated_at=NOW() WHERE id=$1
			`, taskID, userID); err != nil {
				return TaskAssignment{}, nil, fmt.Errorf("set legacy assignee: %w", err)
			}
			assignment.LegacyAssigneeID = &userID
		}
	}

	if err := tx.Commit(); err != nil {
		return TaskAssignment{}, nil, fmt.Errorf("commit assign tx: %w", err)
	}

	if s.multiAssign {
		for id := range existing {
			if assignment.LegacyAssigneeID != nil && id == *assignment.LegacyAssigneeID {
				continue
			}
			assignment.AssigneeIDs = append(assignment.AssigneeIDs, id)
		}
	}
	return assignment, newlyAssigned, nil
}

// SetTaskStatus updates the task's status and recomputes the study and
// project rollups inside the same transaction, so a visible status change
// can never coexist with stale aggregates.
func (s *PostgresStore) SetTaskStatus(ctx context.Context, taskID, status string) (Task, ProgressUpdate, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, ProgressUpdate{}, fmt.Errorf("begin status tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	progress := StatusProgress(status)
	var task Task
	err = tx.QueryRowContext(ctx, `
		UPDATE tasks SET status=$2, progress=$3, updated_at=NOW()
		WHERE id=$1
		RETURNING id, study_id, title, status, created_by, assigned_to, progress, created_at, updated_at
	`, taskID, status, progress).Scan(&task.ID, &task.StudyID, &task.Title, &task.Status,
		&task.CreatedBy, &task.AssignedTo, &task.Progress, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return Task{}, ProgressUpdate{}, err
	}

	update := ProgressUpdate{TaskID: task.ID, TaskProgress: task.Progress, StudyID: task.StudyID}

	err = tx.QueryRowContext(ctx, `
		UPDATE studies SET progress=(
			SELECT COALESCE(AVG(progress), 0) FROM tasks WHERE study_id=$1
		)
		WHERE id=$1
		RETURNING project_id, progress
	`, task.StudyID).Scan(&update.ProjectID, &update.StudyProgress)
	if err != nil {
		return Task{}, ProgressUpdate{}, fmt.Errorf("recompute study progress: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		UPDATE projects SET progress=(
			SELECT COALESCE(AVG(progress), 0) FROM studies WHERE project_id=$1
		)
		WHERE id=$1
		RETURNING progress
	`, update.ProjectID).Scan(&update.ProjectProgress)
	if err != nil {
		return Task{}, ProgressUpdate{}, fmt.Errorf("recompute project progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Task{}, ProgressUpdate{}, fmt.Errorf("commit status tx: %w", err)
	}
	return task, update, nil
}
