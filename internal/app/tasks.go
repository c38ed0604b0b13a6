package app

import (
	"context"
	"log"
	"net/http"

	"labhub/internal/identity"
	"labhub/internal/rbac"
	"labhub/internal/store"
	"labhub/internal/util"
)

// AssignTask adds the given users to the task's assignee set. Only the
// users newly added by this call are notified: the store diffs the
// requested set against the existing one inside the assignment
// transaction, so re-sending an overlapping set never repeats a
// notification.
func (s *Service) AssignTask(ctx context.Context, ident identity.Identity, taskID string, userIDs []string) (store.TaskAssignment, error) {
	if !rbac.Can(ident.Role, rbac.ActionAssign) {
		return store.TaskAssignment{}, domainError(http.StatusForbidden, "PERMISSION_DENIED", "Only managers may assign tasks", nil)
	}
	if len(userIDs) == 0 {
		return store.TaskAssignment{}, validationError("userIds must not be empty")
	}

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return store.TaskAssignment{}, err
	}

	assignment, newlyAssigned, err := s.store.AssignTask(ctx, taskID, userIDs)
	if err != nil {
		return store.TaskAssignment{}, err
	}

	recipients := make([]string, 0, len(newlyAssigned))
	for _, id := range newlyAssigned {
		if id != ident.UserID {
			recipients = append(recipients, id)
		}
	}

	actionURL := "/rooms/task/" + taskID
	roomType := store.RoomTask
	s.notify(ctx, recipients, func(recipientID string) store.Notification {
		return store.Notification{
			ID:          util.NewID("ntf"),
			RecipientID: recipientID,
			Type:        "task",
			Title:       "Task assigned",
			Body:        "You were assigned to task \"" + task.Title + "\"",
			RoomType:    &roomType,
			RoomID:      &task.ID,
			TaskID:      &task.ID,
			StudyID:     &task.StudyID,
			SenderID:    &ident.UserID,
			SenderName:  &ident.UserName,
			ActionURL:   &actionURL,
			CreatedAt:   s.now().UTC(),
		}
	})

	return assignment, nil
}

// SetTaskStatus changes the task's status and recomputes the study and
// project rollups in one transaction, then broadcasts one progress event
// per level, child first. A client never sees a parent figure move before
// the child that moved it.
func (s *Service) SetTaskStatus(ctx context.Context, ident identity.Identity, taskID, status string) (store.Task, error) {
	if !store.ValidTaskStatus(status) {
		return store.Task{}, validationError("invalid task status")
	}
	if err := s.RequireRoomAccess(ctx, ident, store.RoomTask, taskID); err != nil {
		return store.Task{}, err
	}

	task, update, err := s.store.SetTaskStatus(ctx, taskID, status)
	if err != nil {
		return store.Task{}, err
	}

	s.b.ToAll(EventProgressTask, ProgressEvent{
		TaskID: update.TaskID, Progress: update.TaskProgress, Status: task.Status,
	})
	s.b.ToAll(EventProgressStudy, ProgressEvent{
		StudyID: update.StudyID, Progress: update.StudyProgress,
	})
	s.b.ToAll(EventProgressProject, ProgressEvent{
		ProjectID: update.ProjectID, Progress: update.ProjectProgress,
	})

	if status == store.TaskCompleted {
		recipients, err := s.resolveRecipients(ctx, store.RoomTask, taskID, ident.UserID)
		if err != nil {
			// The status change already committed; skip the completion
			// notifications rather than failing the request.
			log.Printf("resolve completion recipients for task %s: %v", taskID, err)
			return task, nil
		}
		actionURL := "/rooms/task/" + taskID
		roomType := store.RoomTask
		s.notify(ctx, recipients, func(recipientID string) store.Notification {
			return store.Notification{
				ID:          util.NewID("ntf"),
				RecipientID: recipientID,
				Type:        "task",
				Title:       "Task completed",
				Body:        "Task \"" + task.Title + "\" was marked completed",
				RoomType:    &roomType,
				RoomID:      &task.ID,
				TaskID:      &task.ID,
				StudyID:     &task.StudyID,
				SenderID:    &ident.UserID,
				SenderName:  &ident.UserName,
				ActionURL:   &actionURL,
				CreatedAt:   s.now().UTC(),
			}
		})
	}

	return task, nil
}
